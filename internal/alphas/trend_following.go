package alphas

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TrendConfig holds the EMA crossover parameters.
type TrendConfig struct {
	FastPeriod int     `json:"fastPeriod" mapstructure:"fast_period"`
	SlowPeriod int     `json:"slowPeriod" mapstructure:"slow_period"`
	Confidence float64 `json:"confidence" mapstructure:"confidence"`
}

func DefaultTrendConfig() TrendConfig {
	return TrendConfig{FastPeriod: 12, SlowPeriod: 26, Confidence: 0.7}
}

type emaState struct {
	fast, slow *utils.EMA
	bullish    bool
}

// TrendFollowing signals on fast/slow EMA crossovers of each symbol's
// current price. No signal is produced until SlowPeriod samples are seen.
type TrendFollowing struct {
	statsRecorder
	logger *zap.Logger
	config TrendConfig

	mu      sync.Mutex
	states  map[types.Symbol]*emaState
	pending []types.Signal
}

func NewTrendFollowing(logger *zap.Logger, config TrendConfig) *TrendFollowing {
	return &TrendFollowing{
		logger: logger.Named("trend-following"),
		config: config,
		states: make(map[types.Symbol]*emaState),
	}
}

func (t *TrendFollowing) Name() string { return "TrendFollowing" }

func (t *TrendFollowing) Stats() Stats { return t.read(t.Name()) }

func (t *TrendFollowing) Reset() {
	t.mu.Lock()
	t.states = make(map[types.Symbol]*emaState)
	t.pending = nil
	t.mu.Unlock()
	t.reset()
}

// Update advances the EMAs and queues a signal for every crossover.
func (t *TrendFollowing) Update(snapshot *types.MarketSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending = t.pending[:0]
	for _, sym := range snapshot.Symbols() {
		md, _ := snapshot.Get(sym)
		price := md.CurrentPrice()

		st, ok := t.states[sym]
		if !ok {
			st = &emaState{fast: utils.NewEMA(t.config.FastPeriod), slow: utils.NewEMA(t.config.SlowPeriod)}
			t.states[sym] = st
		}
		fast := st.fast.Add(price.Decimal())
		slow := st.slow.Add(price.Decimal())

		wasBullish := st.bullish
		st.bullish = fast.GreaterThan(slow)
		if st.slow.Count() < t.config.SlowPeriod || wasBullish == st.bullish {
			continue
		}
		if sig, err := t.crossover(md, st, snapshot); err == nil {
			t.pending = append(t.pending, sig)
		} else {
			t.logger.Debug("Skipping crossover", zap.String("symbol", sym.String()), zap.Error(err))
		}
	}
}

func (t *TrendFollowing) crossover(md types.MarketData, st *emaState, snapshot *types.MarketSnapshot) (types.Signal, error) {
	price := md.CurrentPrice()
	action, reason := types.ActionBuy, "Bullish EMA crossover"
	stopMult, targetPct := decimal.NewFromFloat(0.97), 6.0
	if !st.bullish {
		action, reason = types.ActionSell, "Bearish EMA crossover"
		stopMult, targetPct = decimal.NewFromFloat(1.03), -6.0
	}

	stop, err := types.PriceFromDecimal(st.slow.Current().Mul(stopMult))
	if err != nil {
		return types.Signal{}, err
	}
	target, err := pctOffset(price, targetPct)
	if err != nil {
		return types.Signal{}, err
	}
	conf, err := types.NewConfidence(t.config.Confidence)
	if err != nil {
		return types.Signal{}, err
	}

	return types.NewSignal(md.Symbol, action, conf, reason, t.Name()).
		WithTargetPrice(price).
		WithStopLoss(stop).
		WithTakeProfit(target).
		WithTimestamp(snapshot.Timestamp).
		WithMetadata("fast_ema", st.fast.Current().StringFixed(4)).
		WithMetadata("slow_ema", st.slow.Current().StringFixed(4)), nil
}

func (t *TrendFollowing) GenerateSignals(ctx context.Context) ([]types.Signal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Signal, len(t.pending))
	copy(out, t.pending)
	for _, sig := range out {
		t.record(sig)
	}
	return out, nil
}

// Validate checks the EMA periods.
func (c TrendConfig) Validate() error {
	if c.FastPeriod < 1 || c.SlowPeriod <= c.FastPeriod {
		return fmt.Errorf("invalid EMA periods: fast %d, slow %d", c.FastPeriod, c.SlowPeriod)
	}
	return nil
}
