// Package backtester replays historical market data or pre-priced signal
// streams through the decision pipeline and scores the result.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/internal/signals"
	"github.com/atlas-desktop/strategy-engine/internal/sizing"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoHistoricalData = errors.New("no historical data")
	ErrInsufficientData = errors.New("insufficient data: need at least two time steps")
	ErrAlreadyRunning   = errors.New("backtest already running")
)

// Config configures a replay. Percentages are whole numbers.
type Config struct {
	InitialCapital         float64                  `json:"initialCapital" mapstructure:"initial_capital"`
	CommissionPerTrade     float64                  `json:"commissionPerTrade" mapstructure:"commission_per_trade"`
	SlippagePct            float64                  `json:"slippagePct" mapstructure:"slippage_pct"`
	DefaultPositionSizePct float64                  `json:"defaultPositionSizePct" mapstructure:"default_position_size_pct"`
	UseConfidenceSizing    bool                     `json:"useConfidenceSizing" mapstructure:"use_confidence_sizing"`
	MaxPositions           int                      `json:"maxPositions" mapstructure:"max_positions"`
	DefaultStopPct         float64                  `json:"defaultStopPct" mapstructure:"default_stop_pct"`
	DefaultTakeProfitPct   float64                  `json:"defaultTakeProfitPct" mapstructure:"default_take_profit_pct"`
	Risk                   risk.Config              `json:"risk" mapstructure:"risk"`
	Kelly                  sizing.Config            `json:"kelly" mapstructure:"kelly"`
	Aggregation            signals.AggregatorConfig `json:"aggregation" mapstructure:"aggregation"`
}

// DefaultConfig returns default replay configuration.
func DefaultConfig() Config {
	agg := signals.DefaultAggregatorConfig()
	agg.Strategy = signals.WeightedAverage
	return Config{
		InitialCapital:         10000,
		CommissionPerTrade:     1,
		SlippagePct:            0.05,
		DefaultPositionSizePct: 10,
		UseConfidenceSizing:    true,
		MaxPositions:           10,
		DefaultStopPct:         2,
		DefaultTakeProfitPct:   4,
		Risk:                   risk.DefaultConfig(),
		Kelly:                  sizing.DefaultConfig(),
		Aggregation:            agg,
	}
}

func (c Config) Validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", c.InitialCapital)
	}
	if c.CommissionPerTrade < 0 || c.SlippagePct < 0 {
		return fmt.Errorf("commission and slippage cannot be negative: %v, %v", c.CommissionPerTrade, c.SlippagePct)
	}
	if c.DefaultPositionSizePct <= 0 || c.DefaultPositionSizePct > 100 {
		return fmt.Errorf("default position size must be in (0, 100], got %v", c.DefaultPositionSizePct)
	}
	if c.MaxPositions < 1 {
		return fmt.Errorf("max positions must be at least 1, got %d", c.MaxPositions)
	}
	if c.DefaultStopPct <= 0 || c.DefaultTakeProfitPct <= 0 {
		return fmt.Errorf("default stop and take profit must be positive: %v, %v", c.DefaultStopPct, c.DefaultTakeProfitPct)
	}
	if _, err := signals.ParseAggregationStrategy(string(c.Aggregation.Strategy)); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("invalid risk config: %w", err)
	}
	if err := c.Kelly.Validate(); err != nil {
		return fmt.Errorf("invalid kelly config: %w", err)
	}
	return nil
}

// EquityPoint is the book value after one step.
type EquityPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	OpenPositions int             `json:"openPositions"`
	DrawdownPct   float64         `json:"drawdownPct"` // decline from peak equity so far
}

// Result is the outcome of a replay.
type Result struct {
	ID              uuid.UUID       `json:"id"`
	Metrics         Metrics         `json:"metrics"`
	Trades          []types.Trade   `json:"trades"`
	EquityCurve     []EquityPoint   `json:"equityCurve"`
	FinalCapital    decimal.Decimal `json:"finalCapital"`
	TotalSignals    int             `json:"totalSignals"`
	RejectedSignals int             `json:"rejectedSignals"`
	StartedAt       time.Time       `json:"startedAt"`
	Duration        time.Duration   `json:"duration"`
}

// Equity returns the equity curve as floats.
func (r *Result) Equity() []float64 {
	out := make([]float64, len(r.EquityCurve))
	for i, p := range r.EquityCurve {
		out[i] = p.Equity.InexactFloat64()
	}
	return out
}

// Engine replays history deterministically. One replay runs at a time.
type Engine struct {
	logger   *zap.Logger
	config   Config
	alphas   []alphas.Alpha
	slippage SlippageModel
	running  atomic.Bool
}

// NewEngine validates config and creates an engine over the given alphas.
func NewEngine(logger *zap.Logger, config Config, models ...alphas.Alpha) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backtest config: %w", err)
	}
	return &Engine{
		logger:   logger.Named("backtester"),
		config:   config,
		alphas:   models,
		slippage: NewFixedPctSlippage(config.SlippagePct),
	}, nil
}

func (e *Engine) Config() Config { return e.config }

// run is the per-replay state.
type run struct {
	e          *Engine
	id         uuid.UUID
	startedAt  time.Time
	book       *Portfolio
	sizer      *sizing.IntegratedSizer
	aggregator *signals.Aggregator
	trades     []types.Trade
	equity     []EquityPoint
	total      int
	rejected   int
}

func (e *Engine) newRun() *run {
	initial := decimal.NewFromFloat(e.config.InitialCapital)

	kellyCfg := e.config.Kelly
	kellyCfg.DefaultPositionPct = e.config.DefaultPositionSizePct
	kellyCfg.MaxPositionPct = max(kellyCfg.MaxPositionPct, e.config.DefaultPositionSizePct)

	rm := risk.NewManager(e.logger, e.config.Risk, initial)
	return &run{
		e:          e,
		id:         uuid.New(),
		startedAt:  time.Now(),
		book:       NewPortfolio(initial, decimal.NewFromFloat(e.config.CommissionPerTrade), e.slippage),
		sizer:      sizing.NewIntegratedSizer(e.logger, sizing.NewKelly(kellyCfg), rm),
		aggregator: signals.NewAggregator(e.logger, e.config.Aggregation),
	}
}

func (e *Engine) acquire() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return nil
}

// Run replays per-symbol history. Series are truncated to the shortest one;
// each index is one time step.
func (e *Engine) Run(ctx context.Context, history map[types.Symbol][]types.MarketData) (*Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.running.Store(false)

	symbols := make([]types.Symbol, 0, len(history))
	steps := -1
	for sym, series := range history {
		if len(series) == 0 {
			continue
		}
		symbols = append(symbols, sym)
		if steps < 0 || len(series) < steps {
			steps = len(series)
		}
	}
	if len(symbols) == 0 {
		return nil, ErrNoHistoricalData
	}
	if steps < 2 {
		return nil, ErrInsufficientData
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].String() < symbols[j].String() })

	for _, a := range e.alphas {
		a.Reset()
	}

	r := e.newRun()
	e.logger.Info("Starting backtest",
		zap.String("id", r.id.String()),
		zap.Int("symbols", len(symbols)),
		zap.Int("steps", steps),
		zap.Int("alphas", len(e.alphas)),
	)

	var last *types.MarketSnapshot
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snapshot := types.NewMarketSnapshot(stepTime(history[symbols[0]][i].Timestamp, i))
		for _, sym := range symbols {
			snapshot.Add(history[sym][i])
		}
		last = snapshot

		r.book.UpdatePrices(snapshot)
		r.sizer.UpdatePortfolio(r.book.Equity())

		raw, err := alphas.Collect(ctx, e.alphas, snapshot)
		if err != nil {
			e.logger.Warn("Alpha failed during replay", zap.Int("step", i), zap.Error(err))
		}
		r.total += len(raw)
		aggregated := r.aggregator.Aggregate(raw)

		r.exits(snapshot, aggregated)
		for _, sig := range aggregated {
			md, ok := snapshot.Get(sig.Symbol)
			if !ok {
				continue
			}
			r.enter(sig, md.CurrentPrice(), snapshot.Timestamp)
		}
		r.mark(snapshot.Timestamp)
	}

	r.finish(last.Timestamp)
	return r.result(steps), nil
}

// RunWithSignals replays a pre-priced signal stream in order. Each signal is
// one time step priced at its target.
func (e *Engine) RunWithSignals(ctx context.Context, stream []types.Signal) (*Result, error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	defer e.running.Store(false)

	if len(stream) == 0 {
		return nil, ErrNoHistoricalData
	}
	if len(stream) < 2 {
		return nil, ErrInsufficientData
	}

	r := e.newRun()
	r.total = len(stream)
	e.logger.Info("Starting signal replay",
		zap.String("id", r.id.String()),
		zap.Int("signals", len(stream)),
	)

	var now time.Time
	for i, sig := range stream {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now = stepTime(sig.Timestamp, i)
		if sig.TargetPrice != nil {
			snapshot := types.NewMarketSnapshot(now)
			snapshot.Add(types.MarketData{Symbol: sig.Symbol, LastPrice: *sig.TargetPrice, Timestamp: now})
			r.book.UpdatePrices(snapshot)
		}
		r.sizer.UpdatePortfolio(r.book.Equity())

		if sig.Action == types.ActionHold {
			r.mark(now)
			continue
		}

		if pos, held := r.book.Position(sig.Symbol); held {
			price := pos.EntryPrice
			if sig.TargetPrice != nil {
				price = *sig.TargetPrice
			}
			r.close(sig.Symbol, price, types.CloseSignalReverse, now)
		}

		if sig.Action != types.ActionClose {
			if sig.TargetPrice == nil {
				r.rejected++
				e.logger.Debug("Signal has no target price", zap.String("signal", sig.String()))
			} else {
				r.enter(sig, *sig.TargetPrice, now)
			}
		}
		r.mark(now)
	}

	r.finish(now)
	return r.result(len(stream)), nil
}

// exits closes positions on an opposing signal, then on stop, then on target.
func (r *run) exits(snapshot *types.MarketSnapshot, aggregated []types.Signal) {
	for _, sym := range r.book.Symbols() {
		md, ok := snapshot.Get(sym)
		if !ok {
			continue
		}
		pos, _ := r.book.Position(sym)
		price := md.CurrentPrice()

		reason, exit := types.CloseReason(""), false
		for _, sig := range aggregated {
			if sig.Symbol == sym && (sig.Action == types.ActionClose || sig.Action.Opposes(pos.Side())) {
				reason, exit = types.CloseSignalReverse, true
				break
			}
		}
		if !exit {
			switch {
			case pos.StopLossHit(price):
				reason, exit = types.CloseStopLoss, true
			case pos.TakeProfitHit(price):
				reason, exit = types.CloseTakeProfit, true
			}
		}
		if exit {
			r.close(sym, price, reason, snapshot.Timestamp)
		}
	}
}

// enter sizes, risk-checks and opens a position for a directional signal.
func (r *run) enter(sig types.Signal, price types.Price, now time.Time) {
	if !sig.Action.IsDirectional() {
		return
	}
	if _, held := r.book.Position(sig.Symbol); held {
		return
	}

	cfg := r.e.config
	req := sizing.Request{
		Signal:        sig,
		Price:         price,
		OpenPositions: r.book.Exposure(),
		MaxPositions:  cfg.MaxPositions,
		Cash:          r.book.Cash(),
	}
	switch {
	case sig.Quantity != nil:
		req.Quantity = sig.Quantity.Abs()
	case !cfg.UseConfidenceSizing:
		value := r.book.Equity().Mul(decimal.NewFromFloat(cfg.DefaultPositionSizePct)).Div(decimal.NewFromInt(100))
		req.Quantity = uint64(value.Div(price.Decimal()).Floor().IntPart())
		if req.Quantity == 0 {
			return
		}
	}

	decision, err := r.sizer.Size(req)
	if err != nil {
		r.rejected++
		r.e.logger.Debug("Signal rejected by risk checks",
			zap.String("symbol", sig.Symbol.String()),
			zap.Error(err),
		)
		return
	}
	if decision.Quantity < 1 {
		return
	}

	qty := types.BuyQuantity(decision.Quantity)
	if sig.Action == types.ActionSell {
		qty = types.SellQuantity(decision.Quantity)
	}
	pos := types.Position{
		Symbol:     sig.Symbol,
		Quantity:   qty,
		EntryPrice: price,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Confidence: sig.Confidence,
		OpenedAt:   now,
		Source:     sig.Source,
	}
	r.defaultLevels(&pos)

	if err := r.book.Open(pos); err != nil {
		r.rejected++
		r.e.logger.Debug("Entry not filled", zap.String("symbol", sig.Symbol.String()), zap.Error(err))
		return
	}
	r.sizer.UpdatePortfolio(r.book.Equity())
}

// defaultLevels fills in the stop and target a signal left unset.
func (r *run) defaultLevels(pos *types.Position) {
	cfg := r.e.config
	stopPct, targetPct := -cfg.DefaultStopPct, cfg.DefaultTakeProfitPct
	if pos.Side() == types.SideShort {
		stopPct, targetPct = -stopPct, -targetPct
	}
	if pos.StopLoss == nil {
		if p, err := offset(pos.EntryPrice, stopPct); err == nil {
			pos.StopLoss = &p
		}
	}
	if pos.TakeProfit == nil {
		if p, err := offset(pos.EntryPrice, targetPct); err == nil {
			pos.TakeProfit = &p
		}
	}
}

func (r *run) close(sym types.Symbol, price types.Price, reason types.CloseReason, now time.Time) {
	trade, ok := r.book.Close(sym, price, reason, now)
	if !ok {
		return
	}
	r.trades = append(r.trades, trade)
	r.sizer.RecordTrade(trade.NetPnL)
	r.sizer.UpdatePortfolio(r.book.Equity())
}

func (r *run) mark(now time.Time) {
	r.equity = append(r.equity, EquityPoint{
		Timestamp:     now,
		Equity:        r.book.Equity(),
		Cash:          r.book.Cash(),
		OpenPositions: r.book.Count(),
		DrawdownPct:   r.book.Drawdown() * 100,
	})
}

// finish force-closes what is left and rewrites the final equity point so
// it equals final cash.
func (r *run) finish(now time.Time) {
	for _, trade := range r.book.CloseAll(types.CloseEndOfData, now) {
		r.trades = append(r.trades, trade)
		r.sizer.RecordTrade(trade.NetPnL)
	}
	if n := len(r.equity); n > 0 {
		r.equity[n-1].Equity = r.book.Cash()
		r.equity[n-1].Cash = r.book.Cash()
		r.equity[n-1].OpenPositions = 0
		r.equity[n-1].DrawdownPct = r.book.Drawdown() * 100
	}
}

func (r *run) result(periods int) *Result {
	res := &Result{
		ID:              r.id,
		Trades:          r.trades,
		EquityCurve:     r.equity,
		FinalCapital:    r.book.Cash(),
		TotalSignals:    r.total,
		RejectedSignals: r.rejected,
		StartedAt:       r.startedAt,
		Duration:        time.Since(r.startedAt),
	}
	res.Metrics = CalculateMetrics(res.Equity(), r.trades, r.e.config.InitialCapital, periods)

	r.e.logger.Info("Backtest completed",
		zap.String("id", r.id.String()),
		zap.Int("trades", len(r.trades)),
		zap.Int("signals", r.total),
		zap.Int("rejected", r.rejected),
		zap.String("finalCapital", res.FinalCapital.StringFixed(2)),
		zap.Float64("totalReturnPct", res.Metrics.TotalReturnPct),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// stepTime uses the data's timestamp, or one synthetic day per step when
// the data carries none.
func stepTime(ts time.Time, step int) time.Time {
	if !ts.IsZero() {
		return ts
	}
	return time.Unix(0, 0).UTC().AddDate(0, 0, step)
}

func offset(p types.Price, pct float64) (types.Price, error) {
	return types.PriceFromDecimal(p.Decimal().Mul(decimal.NewFromFloat(1 + pct/100)))
}
