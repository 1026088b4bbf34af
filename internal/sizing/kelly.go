// Package sizing provides Kelly-criterion position sizing and its
// integration with the risk manager.
package sizing

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// Config configures Kelly sizing. Percentages are whole numbers.
type Config struct {
	KellyFraction      float64 `json:"kellyFraction" mapstructure:"kelly_fraction"`
	MinWinRate         float64 `json:"minWinRate" mapstructure:"min_win_rate"`
	MaxPositionPct     float64 `json:"maxPositionPct" mapstructure:"max_position_pct"`
	MinPositionPct     float64 `json:"minPositionPct" mapstructure:"min_position_pct"`
	MinTradesForKelly  int     `json:"minTradesForKelly" mapstructure:"min_trades_for_kelly"`
	DefaultPositionPct float64 `json:"defaultPositionPct" mapstructure:"default_position_pct"`
}

// DefaultConfig returns half-Kelly defaults.
func DefaultConfig() Config {
	return Config{
		KellyFraction:      0.5,
		MinWinRate:         0.40,
		MaxPositionPct:     10.0,
		MinPositionPct:     0.5,
		MinTradesForKelly:  20,
		DefaultPositionPct: 2.0,
	}
}

func (c Config) Validate() error {
	if c.KellyFraction <= 0 || c.KellyFraction > 1 {
		return fmt.Errorf("kelly fraction must be in (0, 1], got %v", c.KellyFraction)
	}
	if c.MinPositionPct < 0 || c.MaxPositionPct <= 0 || c.MinPositionPct > c.MaxPositionPct {
		return fmt.Errorf("position bounds invalid: min %v, max %v", c.MinPositionPct, c.MaxPositionPct)
	}
	if c.DefaultPositionPct <= 0 {
		return fmt.Errorf("default position pct must be positive, got %v", c.DefaultPositionPct)
	}
	return nil
}

// TradingStats accumulates closed-trade outcomes. Breakeven trades count
// toward TotalTrades only.
type TradingStats struct {
	TotalTrades     int     `json:"totalTrades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	TotalWinAmount  float64 `json:"totalWinAmount"`
	TotalLossAmount float64 `json:"totalLossAmount"`
}

func (s *TradingStats) Record(pnl float64) {
	s.TotalTrades++
	switch {
	case pnl > 0:
		s.Wins++
		s.TotalWinAmount += pnl
	case pnl < 0:
		s.Losses++
		s.TotalLossAmount += -pnl
	}
}

func (s TradingStats) WinRate() (float64, bool) {
	if s.TotalTrades == 0 {
		return 0, false
	}
	return float64(s.Wins) / float64(s.TotalTrades), true
}

func (s TradingStats) AvgWin() (float64, bool) {
	if s.Wins == 0 {
		return 0, false
	}
	return s.TotalWinAmount / float64(s.Wins), true
}

func (s TradingStats) AvgLoss() (float64, bool) {
	if s.Losses == 0 {
		return 0, false
	}
	return s.TotalLossAmount / float64(s.Losses), true
}

// WinLossRatio is the payoff ratio b = avg win / avg loss.
func (s TradingStats) WinLossRatio() (float64, bool) {
	win, ok := s.AvgWin()
	if !ok {
		return 0, false
	}
	loss, ok := s.AvgLoss()
	if !ok || loss == 0 {
		return 0, false
	}
	return win / loss, true
}

func (s TradingStats) HasSufficientData(minTrades int) bool {
	return s.TotalTrades >= minTrades && s.Wins > 0 && s.Losses > 0
}

// Method is how a position was sized.
type Method string

const (
	MethodKelly Method = "kelly"
	MethodFixed Method = "fixed"
)

// Kelly sizes positions from the running trade history.
type Kelly struct {
	config Config
	mu     sync.RWMutex
	stats  TradingStats
}

// NewKelly creates a Kelly sizer with no history.
func NewKelly(config Config) *Kelly {
	return &Kelly{config: config}
}

func (k *Kelly) Config() Config { return k.config }

func (k *Kelly) RecordTrade(pnl float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stats.Record(pnl)
}

func (k *Kelly) Stats() TradingStats {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.stats
}

// KellyPct returns the fractional Kelly percentage
//
//	f* = (p*b - q) / b * fraction * 100
//
// ok is false with too little history, a win rate below the minimum, or a
// non-positive result.
func (k *Kelly) KellyPct() (float64, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.kellyPct()
}

func (k *Kelly) kellyPct() (float64, bool) {
	if !k.stats.HasSufficientData(k.config.MinTradesForKelly) {
		return 0, false
	}
	p, ok := k.stats.WinRate()
	if !ok || p < k.config.MinWinRate {
		return 0, false
	}
	b, ok := k.stats.WinLossRatio()
	if !ok {
		return 0, false
	}
	f := (p*b - (1 - p)) / b * k.config.KellyFraction
	if f <= 0 {
		return 0, false
	}
	return f * 100, true
}

// positionPct scales the base percentage linearly by confidence and clamps it.
func (k *Kelly) positionPct(confidence *types.Confidence) float64 {
	pct, ok := k.kellyPct()
	if !ok {
		pct = k.config.DefaultPositionPct
	}
	if confidence != nil {
		pct *= confidence.Value()
	}
	if pct < k.config.MinPositionPct {
		pct = k.config.MinPositionPct
	}
	if pct > k.config.MaxPositionPct {
		pct = k.config.MaxPositionPct
	}
	return pct
}

// PositionSize returns the dollar value to allocate.
func (k *Kelly) PositionSize(portfolioValue decimal.Decimal, confidence *types.Confidence) decimal.Decimal {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return pctValue(portfolioValue, k.positionPct(confidence))
}

// Quantity returns whole shares affordable at price, rounded down.
func (k *Kelly) Quantity(portfolioValue decimal.Decimal, price types.Price, confidence *types.Confidence) uint64 {
	return sharesFor(k.PositionSize(portfolioValue, confidence), price)
}

// Summary describes a sizing decision before risk checks.
type Summary struct {
	Quantity        uint64          `json:"quantity"`
	PositionValue   decimal.Decimal `json:"positionValue"`
	PositionPct     float64         `json:"positionPct"`
	Method          Method          `json:"method"`
	KellyPct        *float64        `json:"kellyPct,omitempty"`
	TradesCompleted int             `json:"tradesCompleted"`
	WinRate         *float64        `json:"winRate,omitempty"`
}

func (k *Kelly) Summary(portfolioValue decimal.Decimal, price types.Price, confidence *types.Confidence) Summary {
	k.mu.RLock()
	defer k.mu.RUnlock()

	pct := k.positionPct(confidence)
	value := pctValue(portfolioValue, pct)
	s := Summary{
		Quantity:        sharesFor(value, price),
		PositionValue:   value,
		PositionPct:     pct,
		Method:          MethodFixed,
		TradesCompleted: k.stats.TotalTrades,
	}
	if kp, ok := k.kellyPct(); ok {
		s.Method = MethodKelly
		s.KellyPct = &kp
	}
	if wr, ok := k.stats.WinRate(); ok {
		s.WinRate = &wr
	}
	return s
}

var hundred = decimal.NewFromInt(100)

func pctValue(value decimal.Decimal, pct float64) decimal.Decimal {
	return value.Mul(decimal.NewFromFloat(pct)).Div(hundred)
}

func sharesFor(value decimal.Decimal, price types.Price) uint64 {
	if price.IsZero() || !value.IsPositive() {
		return 0
	}
	return uint64(value.Div(price.Decimal()).Floor().IntPart())
}
