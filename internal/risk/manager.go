// Package risk provides pre-trade risk checks and loss-streak tracking.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ViolationKind identifies which rule rejected a trade.
type ViolationKind string

const (
	ViolationEmergencyStop       ViolationKind = "emergency_stop"
	ViolationMaxDrawdown         ViolationKind = "max_drawdown_reached"
	ViolationConsecutiveLosses   ViolationKind = "consecutive_losses"
	ViolationExcessiveRisk       ViolationKind = "excessive_risk"
	ViolationMaxPositions        ViolationKind = "max_positions_reached"
	ViolationInsufficientCapital ViolationKind = "insufficient_capital"
	ViolationCorrelationExposure ViolationKind = "correlation_exposure"
)

// Violation describes a failed risk rule. Value and Limit are in the rule's
// own unit: percent, dollars, or a count.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Symbol  types.Symbol  `json:"symbol"`
	Value   float64       `json:"value"`
	Limit   float64       `json:"limit"`
	Group   string        `json:"group,omitempty"`
	Message string        `json:"message"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("risk check failed (%s): %s", v.Kind, v.Message)
}

// CheckResult is either approved or carries exactly one violation.
type CheckResult struct {
	Approved  bool       `json:"approved"`
	Violation *Violation `json:"violation,omitempty"`
}

func approved() CheckResult { return CheckResult{Approved: true} }

func rejected(v *Violation) CheckResult { return CheckResult{Violation: v} }

// Config contains risk management configuration. Percentages are expressed
// as whole numbers (0.5 means half a percent).
type Config struct {
	MaxRiskPerTradePct        float64             `json:"maxRiskPerTradePct" mapstructure:"max_risk_per_trade_pct"`
	MaxDailyDrawdownPct       float64             `json:"maxDailyDrawdownPct" mapstructure:"max_daily_drawdown_pct"`
	MaxCorrelationExposurePct float64             `json:"maxCorrelationExposurePct" mapstructure:"max_correlation_exposure_pct"`
	MaxConsecutiveLosses      int                 `json:"maxConsecutiveLosses" mapstructure:"max_consecutive_losses"`
	EmergencyStopValue        float64             `json:"emergencyStopValue" mapstructure:"emergency_stop_value"`
	CorrelationGroups         map[string][]string `json:"correlationGroups" mapstructure:"correlation_groups"`
}

// DefaultConfig returns default risk configuration.
func DefaultConfig() Config {
	return Config{
		MaxRiskPerTradePct:        0.5,
		MaxDailyDrawdownPct:       5.0,
		MaxCorrelationExposurePct: 50.0,
		MaxConsecutiveLosses:      3,
		EmergencyStopValue:        5000,
		CorrelationGroups: map[string][]string{
			"tech_etf":     {"QQQ", "XLK"},
			"broad_market": {"SPY", "IWM", "DIA"},
		},
	}
}

// Validate checks the configuration for impossible limits.
func (c Config) Validate() error {
	if c.MaxRiskPerTradePct <= 0 || c.MaxRiskPerTradePct > 100 {
		return fmt.Errorf("max risk per trade must be in (0, 100], got %v", c.MaxRiskPerTradePct)
	}
	if c.MaxDailyDrawdownPct <= 0 || c.MaxDailyDrawdownPct > 100 {
		return fmt.Errorf("max daily drawdown must be in (0, 100], got %v", c.MaxDailyDrawdownPct)
	}
	if c.MaxCorrelationExposurePct <= 0 {
		return fmt.Errorf("max correlation exposure must be positive, got %v", c.MaxCorrelationExposurePct)
	}
	if c.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("max consecutive losses must be at least 1, got %d", c.MaxConsecutiveLosses)
	}
	if c.EmergencyStopValue < 0 {
		return fmt.Errorf("emergency stop value cannot be negative, got %v", c.EmergencyStopValue)
	}
	for name, syms := range c.CorrelationGroups {
		if _, err := types.ParseSymbols(syms); err != nil {
			return fmt.Errorf("correlation group %s: %w", name, err)
		}
	}
	return nil
}

// TradeRequest is the input to a pre-trade check.
type TradeRequest struct {
	Symbol        types.Symbol
	PositionValue decimal.Decimal
	RiskAmount    decimal.Decimal
	OpenPositions map[types.Symbol]decimal.Decimal
	MaxPositions  int
	AvailableCash decimal.Decimal
}

type correlationGroup struct {
	name    string
	members map[types.Symbol]struct{}
	ordered []types.Symbol
}

// Manager gates new trades against portfolio-level limits.
type Manager struct {
	logger *zap.Logger
	config Config
	groups []correlationGroup
	mu     sync.RWMutex

	dayStartValue     decimal.Decimal
	currentValue      decimal.Decimal
	consecutiveLosses int
}

// NewManager creates a new risk manager. Invalid correlation-group symbols
// are skipped with a warning; call Config.Validate to reject them instead.
func NewManager(logger *zap.Logger, config Config, initialValue decimal.Decimal) *Manager {
	m := &Manager{
		logger:        logger.Named("risk-manager"),
		config:        config,
		dayStartValue: initialValue,
		currentValue:  initialValue,
	}

	names := make([]string, 0, len(config.CorrelationGroups))
	for name := range config.CorrelationGroups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := correlationGroup{name: name, members: make(map[types.Symbol]struct{})}
		for _, raw := range config.CorrelationGroups[name] {
			sym, err := types.NewSymbol(raw)
			if err != nil {
				m.logger.Warn("Skipping invalid correlation symbol",
					zap.String("group", name),
					zap.String("symbol", raw),
					zap.Error(err),
				)
				continue
			}
			g.members[sym] = struct{}{}
			g.ordered = append(g.ordered, sym)
		}
		m.groups = append(m.groups, g)
	}
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config { return m.config }

// UpdatePortfolioValue sets the current portfolio value.
func (m *Manager) UpdatePortfolioValue(value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentValue = value
}

// PortfolioValue returns the last value passed to UpdatePortfolioValue.
func (m *Manager) PortfolioValue() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentValue
}

// ResetDaily starts a new trading day from the current value.
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dayStartValue = m.currentValue
	m.consecutiveLosses = 0
	m.logger.Info("Risk manager reset for new day",
		zap.String("dayStartValue", m.dayStartValue.StringFixed(2)),
	)
}

// RecordTrade updates the loss streak. A zero P&L ends the streak.
func (m *Manager) RecordTrade(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnl.IsNegative() {
		m.consecutiveLosses++
		m.logger.Warn("Loss recorded",
			zap.String("pnl", pnl.StringFixed(2)),
			zap.Int("consecutiveLosses", m.consecutiveLosses),
		)
		return
	}
	m.consecutiveLosses = 0
}

// CheckTrade applies the risk rules in order. The first failing rule wins.
func (m *Manager) CheckTrade(req TradeRequest) CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := m.check(req)
	if !result.Approved {
		v := result.Violation
		m.logger.Warn("Trade rejected by risk manager",
			zap.String("symbol", req.Symbol.String()),
			zap.String("kind", string(v.Kind)),
			zap.Float64("value", v.Value),
			zap.Float64("limit", v.Limit),
			zap.String("group", v.Group),
			zap.String("message", v.Message),
		)
	}
	return result
}

func (m *Manager) check(req TradeRequest) CheckResult {
	current := m.currentValue.InexactFloat64()

	// 1. Emergency stop
	if current <= m.config.EmergencyStopValue {
		return rejected(&Violation{
			Kind:    ViolationEmergencyStop,
			Symbol:  req.Symbol,
			Value:   current,
			Limit:   m.config.EmergencyStopValue,
			Message: fmt.Sprintf("Emergency stop: portfolio $%.2f below threshold $%.2f", current, m.config.EmergencyStopValue),
		})
	}

	// 2. Daily drawdown
	dd := m.drawdownPct()
	if dd >= m.config.MaxDailyDrawdownPct {
		return rejected(&Violation{
			Kind:    ViolationMaxDrawdown,
			Symbol:  req.Symbol,
			Value:   dd,
			Limit:   m.config.MaxDailyDrawdownPct,
			Message: fmt.Sprintf("Drawdown %.2f%% exceeds max %.2f%%", dd, m.config.MaxDailyDrawdownPct),
		})
	}

	// 3. Loss streak
	if m.consecutiveLosses >= m.config.MaxConsecutiveLosses {
		return rejected(&Violation{
			Kind:    ViolationConsecutiveLosses,
			Symbol:  req.Symbol,
			Value:   float64(m.consecutiveLosses),
			Limit:   float64(m.config.MaxConsecutiveLosses),
			Message: fmt.Sprintf("%d consecutive losses (max %d)", m.consecutiveLosses, m.config.MaxConsecutiveLosses),
		})
	}

	// 4. Risk per trade
	riskPct := pctOf(req.RiskAmount, m.currentValue)
	if riskPct > m.config.MaxRiskPerTradePct {
		return rejected(&Violation{
			Kind:    ViolationExcessiveRisk,
			Symbol:  req.Symbol,
			Value:   riskPct,
			Limit:   m.config.MaxRiskPerTradePct,
			Message: fmt.Sprintf("Risk %.2f%% exceeds max %.2f%%", riskPct, m.config.MaxRiskPerTradePct),
		})
	}

	// 5. Open positions
	if len(req.OpenPositions) >= req.MaxPositions {
		return rejected(&Violation{
			Kind:    ViolationMaxPositions,
			Symbol:  req.Symbol,
			Value:   float64(len(req.OpenPositions)),
			Limit:   float64(req.MaxPositions),
			Message: fmt.Sprintf("Max positions reached: %d/%d", len(req.OpenPositions), req.MaxPositions),
		})
	}

	// 6. Cash
	if req.AvailableCash.LessThan(req.PositionValue) {
		return rejected(&Violation{
			Kind:    ViolationInsufficientCapital,
			Symbol:  req.Symbol,
			Value:   req.AvailableCash.InexactFloat64(),
			Limit:   req.PositionValue.InexactFloat64(),
			Message: fmt.Sprintf("Insufficient capital: need $%s, have $%s", req.PositionValue.StringFixed(2), req.AvailableCash.StringFixed(2)),
		})
	}

	// 7. Correlation exposure
	if v := m.checkCorrelation(req); v != nil {
		return rejected(v)
	}

	return approved()
}

func (m *Manager) checkCorrelation(req TradeRequest) *Violation {
	for _, g := range m.groups {
		if _, ok := g.members[req.Symbol]; !ok {
			continue
		}
		exposure := req.PositionValue
		for _, sym := range g.ordered {
			if v, ok := req.OpenPositions[sym]; ok {
				exposure = exposure.Add(v)
			}
		}
		pct := pctOf(exposure, m.currentValue)
		if pct > m.config.MaxCorrelationExposurePct {
			return &Violation{
				Kind:    ViolationCorrelationExposure,
				Symbol:  req.Symbol,
				Value:   pct,
				Limit:   m.config.MaxCorrelationExposurePct,
				Group:   g.name,
				Message: fmt.Sprintf("Correlation exposure %.2f%% in %s exceeds max %.2f%%", pct, g.name, m.config.MaxCorrelationExposurePct),
			}
		}
	}
	return nil
}

func (m *Manager) drawdownPct() float64 {
	if m.dayStartValue.IsZero() {
		return 0
	}
	return pctOf(m.dayStartValue.Sub(m.currentValue), m.dayStartValue)
}

var hundred = decimal.NewFromInt(100)

// pctOf returns part as a percentage of whole. A non-positive whole makes any
// positive part infinitely large.
func pctOf(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		if part.IsPositive() {
			return math.Inf(1)
		}
		return 0
	}
	return part.Mul(hundred).Div(whole).InexactFloat64()
}

// ConsecutiveLosses returns the current loss streak.
func (m *Manager) ConsecutiveLosses() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveLosses
}

// Stats is a read-only snapshot of the manager's state.
type Stats struct {
	CurrentValue         float64 `json:"currentValue"`
	DayStartValue        float64 `json:"dayStartValue"`
	DailyDrawdownPct     float64 `json:"dailyDrawdownPct"`
	ConsecutiveLosses    int     `json:"consecutiveLosses"`
	MaxDailyDrawdownPct  float64 `json:"maxDailyDrawdownPct"`
	MaxConsecutiveLosses int     `json:"maxConsecutiveLosses"`
	Healthy              bool    `json:"healthy"`
}

// IsHealthy reports whether both the drawdown and loss-streak limits have room.
func (s Stats) IsHealthy() bool {
	return s.DailyDrawdownPct < s.MaxDailyDrawdownPct &&
		s.ConsecutiveLosses < s.MaxConsecutiveLosses
}

func (s Stats) StatusMessage() string {
	return fmt.Sprintf("Drawdown: %.2f%% (%.2f%% max) | Losses: %d/%d | Value: $%.2f",
		s.DailyDrawdownPct, s.MaxDailyDrawdownPct,
		s.ConsecutiveLosses, s.MaxConsecutiveLosses,
		s.CurrentValue)
}

// Stats returns current risk statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		CurrentValue:         m.currentValue.InexactFloat64(),
		DayStartValue:        m.dayStartValue.InexactFloat64(),
		DailyDrawdownPct:     m.drawdownPct(),
		ConsecutiveLosses:    m.consecutiveLosses,
		MaxDailyDrawdownPct:  m.config.MaxDailyDrawdownPct,
		MaxConsecutiveLosses: m.config.MaxConsecutiveLosses,
	}
	s.Healthy = s.IsHealthy()
	return s
}
