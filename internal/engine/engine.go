// Package engine runs the live decision loop: poll quotes, update alphas,
// aggregate their signals and execute the survivors through the order
// manager, once per update interval.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/events"
	"github.com/atlas-desktop/strategy-engine/internal/execution"
	"github.com/atlas-desktop/strategy-engine/internal/journal"
	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/internal/signals"
	"github.com/atlas-desktop/strategy-engine/internal/sizing"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrNoProvider = errors.New("engine: market data provider is required")

// Config configures the live engine.
type Config struct {
	UpdateInterval time.Duration            `json:"updateInterval" mapstructure:"update_interval"`
	FetchTimeout   time.Duration            `json:"fetchTimeout" mapstructure:"fetch_timeout"`
	Symbols        []string                 `json:"symbols" mapstructure:"symbols"`
	InitialCapital float64                  `json:"initialCapital" mapstructure:"initial_capital"`
	Aggregation    signals.AggregatorConfig `json:"aggregation" mapstructure:"aggregation"`
	Execution      execution.Config         `json:"execution" mapstructure:"execution"`
	Risk           risk.Config              `json:"risk" mapstructure:"risk"`
	Kelly          sizing.Config            `json:"kelly" mapstructure:"kelly"`
}

// DefaultConfig polls once a minute in paper mode.
func DefaultConfig() Config {
	return Config{
		UpdateInterval: 60 * time.Second,
		FetchTimeout:   30 * time.Second,
		Symbols:        []string{"SPY", "QQQ", "AAPL", "MSFT", "NVDA"},
		InitialCapital: 100000,
		Aggregation: signals.AggregatorConfig{
			Strategy:      signals.WeightedAverage,
			MinConfidence: 0.7,
		},
		Execution: execution.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Kelly:     sizing.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update interval must be positive, got %s", c.UpdateInterval)
	}
	if len(c.Symbols) == 0 {
		return errors.New("at least one symbol is required")
	}
	if _, err := types.ParseSymbols(c.Symbols); err != nil {
		return fmt.Errorf("invalid symbols: %w", err)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", c.InitialCapital)
	}
	if c.Aggregation.MinConfidence < 0 || c.Aggregation.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be in [0, 1], got %v", c.Aggregation.MinConfidence)
	}
	if _, err := signals.ParseAggregationStrategy(string(c.Aggregation.Strategy)); err != nil {
		return err
	}
	if c.Execution.MaxPositions < 1 {
		return fmt.Errorf("max positions must be at least 1, got %d", c.Execution.MaxPositions)
	}
	if err := c.Risk.Validate(); err != nil {
		return fmt.Errorf("risk config: %w", err)
	}
	if err := c.Kelly.Validate(); err != nil {
		return fmt.Errorf("kelly config: %w", err)
	}
	return nil
}

// Deps are the engine's collaborators. Only Provider is required.
type Deps struct {
	Provider data.Provider
	Alphas   []alphas.Alpha
	Journal  journal.Journal
	Bus      *events.Bus
}

// Stats counts engine activity since start.
type Stats struct {
	CyclesCompleted    uint64 `json:"cyclesCompleted"`
	SignalsGenerated   uint64 `json:"signalsGenerated"`
	SignalsAggregated  uint64 `json:"signalsAggregated"`
	OrdersExecuted     uint64 `json:"ordersExecuted"`
	ErrorsEncountered  uint64 `json:"errorsEncountered"`
	TotalRuntimeMillis int64  `json:"totalRuntimeMs"`
}

// CycleContext is everything one cycle saw and did.
type CycleContext struct {
	Number     uint64                `json:"number"`
	StartedAt  time.Time             `json:"startedAt"`
	Duration   time.Duration         `json:"duration"`
	Snapshot   *types.MarketSnapshot `json:"-"`
	Signals    []types.Signal        `json:"signals"`
	Aggregated []types.Signal        `json:"aggregated"`
	Orders     []*execution.Order    `json:"orders"`
	Closed     []types.Trade         `json:"closed"`
	Rejections []Rejection           `json:"rejections"`
}

// Rejection records an aggregated signal that produced no order.
type Rejection struct {
	Symbol types.Symbol `json:"symbol"`
	Source string       `json:"source"`
	Reason string       `json:"reason"`
	Error  string       `json:"error"`
}

// Engine is the live polling loop. RunCycle is safe to call concurrently
// with Run; cycles never overlap.
type Engine struct {
	logger     *zap.Logger
	config     Config
	symbols    []types.Symbol
	provider   data.Provider
	alphas     []alphas.Alpha
	aggregator *signals.Aggregator
	orders     *execution.OrderManager
	kelly      *sizing.Kelly
	journal    journal.Journal
	bus        *events.Bus
	metrics    *Metrics

	cycleMu sync.Mutex
	lastDay string

	statsMu   sync.RWMutex
	stats     Stats
	lastCycle *CycleContext
	startedAt time.Time
	running   atomic.Bool
}

// New validates the configuration and builds the risk, sizing and execution
// stack for the engine.
func New(logger *zap.Logger, config Config, deps Deps) (*Engine, error) {
	if deps.Provider == nil {
		return nil, ErrNoProvider
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	symbols, _ := types.ParseSymbols(config.Symbols)

	logger = logger.Named("engine")
	riskManager := risk.NewManager(logger, config.Risk, decimal.NewFromFloat(config.InitialCapital))
	kelly := sizing.NewKelly(config.Kelly)
	sizer := sizing.NewIntegratedSizer(logger, kelly, riskManager)

	j := deps.Journal
	if j == nil {
		j = journal.Nop{}
	}

	return &Engine{
		logger:     logger,
		config:     config,
		symbols:    symbols,
		provider:   deps.Provider,
		alphas:     deps.Alphas,
		aggregator: signals.NewAggregator(logger, config.Aggregation),
		orders:     execution.NewOrderManager(logger, config.Execution, sizer),
		kelly:      kelly,
		journal:    j,
		bus:        deps.Bus,
		metrics:    NewMetrics(),
	}, nil
}

// Run executes a cycle immediately and then once per update interval until
// ctx is cancelled. A failed cycle is counted and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)

	e.statsMu.Lock()
	e.startedAt = time.Now()
	e.statsMu.Unlock()

	e.logger.Info("Engine started",
		zap.Duration("interval", e.config.UpdateInterval),
		zap.Int("symbols", len(e.symbols)),
		zap.Int("alphas", len(e.alphas)),
		zap.Bool("paper", e.config.Execution.PaperTrading),
	)

	ticker := time.NewTicker(e.config.UpdateInterval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil {
			e.logger.Error("Cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			st := e.Stats()
			e.logger.Info("Engine stopped",
				zap.Uint64("cycles", st.CyclesCompleted),
				zap.Uint64("errors", st.ErrorsEncountered),
			)
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle performs one fetch-evaluate-execute pass. Once quotes are in hand
// the cycle runs to completion even if ctx is cancelled.
func (e *Engine) RunCycle(ctx context.Context) (*CycleContext, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	cc, err := e.cycle(ctx, start)
	elapsed := time.Since(start)
	e.metrics.CycleDuration.Observe(elapsed.Seconds())

	e.statsMu.Lock()
	e.stats.TotalRuntimeMillis += elapsed.Milliseconds()
	if err != nil {
		e.stats.ErrorsEncountered++
	} else {
		cc.Duration = elapsed
		e.lastCycle = cc
		e.stats.CyclesCompleted++
		e.stats.SignalsGenerated += uint64(len(cc.Signals))
		e.stats.SignalsAggregated += uint64(len(cc.Aggregated))
		e.stats.OrdersExecuted += uint64(len(cc.Orders))
	}
	e.statsMu.Unlock()

	if err != nil {
		e.metrics.CycleErrors.Inc()
		e.publish(events.EventTypeError, "", err.Error())
		return nil, err
	}

	e.commit(context.WithoutCancel(ctx), cc)
	return cc, nil
}

func (e *Engine) cycle(ctx context.Context, start time.Time) (*CycleContext, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, e.fetchTimeout())
	snapshot, err := e.provider.GetQuotes(fetchCtx, e.symbols)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = start
	}

	// Past this point the cycle is committed to finishing.
	ctx = context.WithoutCancel(ctx)

	cc := &CycleContext{
		Number:    e.Stats().CyclesCompleted + 1,
		StartedAt: start,
		Snapshot:  snapshot,
	}
	now := snapshot.Timestamp

	if day := now.Format("2006-01-02"); day != e.lastDay {
		if e.lastDay != "" {
			e.orders.ResetDaily()
			e.logger.Info("New trading day, daily risk limits reset", zap.String("day", day))
		}
		e.lastDay = day
	}

	e.orders.UpdatePositions(snapshot)
	cc.Closed = append(cc.Closed, e.orders.CheckExits(now)...)

	raw, err := alphas.Collect(ctx, e.alphas, snapshot)
	if err != nil {
		e.logger.Warn("Alpha failed during cycle", zap.Error(err))
	}
	cc.Signals = raw
	cc.Aggregated = e.aggregator.Aggregate(raw)

	for _, sig := range cc.Aggregated {
		e.act(cc, sig)
	}

	riskStats := e.orders.RiskStats()
	e.logger.Info("Cycle complete",
		zap.Uint64("cycle", cc.Number),
		zap.Int("quotes", snapshot.Len()),
		zap.Int("signals", len(cc.Signals)),
		zap.Int("aggregated", len(cc.Aggregated)),
		zap.Int("orders", len(cc.Orders)),
		zap.Int("closed", len(cc.Closed)),
		zap.String("portfolioValue", e.orders.PortfolioValue().StringFixed(2)),
		zap.String("risk", riskStats.StatusMessage()),
	)
	if !riskStats.Healthy {
		e.logger.Warn("Risk limits exhausted", zap.String("risk", riskStats.StatusMessage()))
	}
	return cc, nil
}

// act applies one aggregated signal. Close and reversing signals exit the
// held position; directional signals open a new one at the snapshot price.
func (e *Engine) act(cc *CycleContext, sig types.Signal) {
	md, ok := cc.Snapshot.Get(sig.Symbol)
	if !ok {
		cc.reject(sig, "no_quote", fmt.Errorf("no quote for %s", sig.Symbol))
		return
	}
	price := md.CurrentPrice()
	now := cc.Snapshot.Timestamp

	if pos, held := e.orders.Position(sig.Symbol); held &&
		(sig.Action == types.ActionClose || sig.Action.Opposes(pos.Side())) {
		trade, err := e.orders.ClosePosition(sig.Symbol, price, types.CloseSignalReverse, now)
		if err != nil {
			cc.reject(sig, "no_position", err)
			return
		}
		cc.Closed = append(cc.Closed, trade)
		return
	}

	switch sig.Action {
	case types.ActionHold:
		return
	case types.ActionClose:
		cc.reject(sig, "no_position", fmt.Errorf("%w: %s", execution.ErrNoPosition, sig.Symbol))
		return
	}

	order, err := e.orders.ExecuteSignal(sig, price)
	if err != nil {
		cc.reject(sig, rejectionReason(err), err)
		return
	}
	cc.Orders = append(cc.Orders, order)
}

func (cc *CycleContext) reject(sig types.Signal, reason string, err error) {
	cc.Rejections = append(cc.Rejections, Rejection{
		Symbol: sig.Symbol,
		Source: sig.Source,
		Reason: reason,
		Error:  err.Error(),
	})
}

func rejectionReason(err error) string {
	if v, ok := sizing.AsViolation(err); ok {
		return string(v.Kind)
	}
	switch {
	case errors.Is(err, execution.ErrDuplicatePosition):
		return "duplicate_position"
	case errors.Is(err, execution.ErrMissingStopLoss):
		return "missing_stop_loss"
	case errors.Is(err, execution.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, execution.ErrInsufficientCapital):
		return "insufficient_capital"
	default:
		return "error"
	}
}

// commit publishes the cycle's results after the decision core has finished.
func (e *Engine) commit(ctx context.Context, cc *CycleContext) {
	for _, t := range cc.Closed {
		if err := e.journal.Record(ctx, t); err != nil {
			e.logger.Error("Failed to journal trade",
				zap.String("tradeId", t.ID.String()),
				zap.Error(err),
			)
		}
		e.metrics.TradesClosed.WithLabelValues(string(t.CloseReason)).Inc()
		e.publish(events.EventTypePositionClose, t.Symbol.String(), t)
	}

	for _, sig := range cc.Aggregated {
		e.publish(events.EventTypeSignal, sig.Symbol.String(), sig)
	}
	for _, o := range cc.Orders {
		e.publish(events.EventTypeExecution, o.Symbol.String(), o)
	}
	for _, r := range cc.Rejections {
		e.metrics.SignalsRejected.WithLabelValues(r.Reason).Inc()
		if r.Reason != "error" && r.Reason != "no_quote" {
			e.publish(events.EventTypeRiskRejection, r.Symbol.String(), r)
		}
	}

	e.metrics.Cycles.Inc()
	e.metrics.SignalsGenerated.Add(float64(len(cc.Signals)))
	e.metrics.SignalsAggregated.Add(float64(len(cc.Aggregated)))
	e.metrics.OrdersExecuted.Add(float64(len(cc.Orders)))
	e.metrics.PortfolioValue.Set(e.orders.PortfolioValue().InexactFloat64())
	e.metrics.OpenPositions.Set(float64(e.orders.PositionCount()))

	e.publish(events.EventTypeCycle, "", cc)
}

func (e *Engine) publish(t events.EventType, symbol string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.NewEvent(t, symbol, payload))
}

func (e *Engine) fetchTimeout() time.Duration {
	if e.config.FetchTimeout > 0 {
		return e.config.FetchTimeout
	}
	return e.config.UpdateInterval
}

// Shutdown closes every open position at its last marked price and journals
// the resulting trades.
func (e *Engine) Shutdown(ctx context.Context) []types.Trade {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	closed := e.orders.CloseAll(types.CloseRiskManagement, time.Now())
	for _, t := range closed {
		if err := e.journal.Record(ctx, t); err != nil {
			e.logger.Error("Failed to journal trade", zap.String("tradeId", t.ID.String()), zap.Error(err))
		}
		e.metrics.TradesClosed.WithLabelValues(string(t.CloseReason)).Inc()
	}
	e.metrics.OpenPositions.Set(0)
	e.logger.Info("Engine flattened", zap.Int("closed", len(closed)))
	return closed
}

func (e *Engine) Stats() Stats {
	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	return e.stats
}

// Status is a point-in-time view for the API.
type Status struct {
	Running     bool                     `json:"running"`
	Paper       bool                     `json:"paperTrading"`
	Symbols     []string                 `json:"symbols"`
	Uptime      string                   `json:"uptime,omitempty"`
	Stats       Stats                    `json:"stats"`
	Portfolio   execution.Stats          `json:"portfolio"`
	Risk        risk.Stats               `json:"risk"`
	Kelly       KellySummary             `json:"kelly"`
	LastCycleAt *time.Time               `json:"lastCycleAt,omitempty"`
	LastCycle   *CycleSummary            `json:"lastCycle,omitempty"`
	Positions   []types.Position         `json:"positions"`
	Aggregation signals.AggregatorConfig `json:"aggregation"`
}

// KellySummary reports the sizer's trade history.
type KellySummary struct {
	Trades  int      `json:"trades"`
	WinRate *float64 `json:"winRate,omitempty"`
	Pct     *float64 `json:"kellyPct,omitempty"`
}

// CycleSummary is the count-only view of the last cycle.
type CycleSummary struct {
	Number     uint64 `json:"number"`
	DurationMs int64  `json:"durationMs"`
	Quotes     int    `json:"quotes"`
	Signals    int    `json:"signals"`
	Aggregated int    `json:"aggregated"`
	Orders     int    `json:"orders"`
	Closed     int    `json:"closed"`
	Rejected   int    `json:"rejected"`
}

func (e *Engine) Status() Status {
	st := Status{
		Running:     e.running.Load(),
		Paper:       e.config.Execution.PaperTrading,
		Symbols:     append([]string(nil), e.config.Symbols...),
		Stats:       e.Stats(),
		Portfolio:   e.orders.Stats(),
		Risk:        e.orders.RiskStats(),
		Positions:   e.orders.Positions(),
		Aggregation: e.aggregator.Config(),
	}

	ks := e.kelly.Stats()
	st.Kelly.Trades = ks.TotalTrades
	if wr, ok := ks.WinRate(); ok {
		st.Kelly.WinRate = &wr
	}
	if pct, ok := e.kelly.KellyPct(); ok {
		st.Kelly.Pct = &pct
	}

	e.statsMu.RLock()
	defer e.statsMu.RUnlock()
	if !e.startedAt.IsZero() && st.Running {
		st.Uptime = time.Since(e.startedAt).Round(time.Second).String()
	}
	if cc := e.lastCycle; cc != nil {
		at := cc.StartedAt
		st.LastCycleAt = &at
		st.LastCycle = &CycleSummary{
			Number:     cc.Number,
			DurationMs: cc.Duration.Milliseconds(),
			Quotes:     cc.Snapshot.Len(),
			Signals:    len(cc.Signals),
			Aggregated: len(cc.Aggregated),
			Orders:     len(cc.Orders),
			Closed:     len(cc.Closed),
			Rejected:   len(cc.Rejections),
		}
	}
	return st
}

func (e *Engine) Positions() []types.Position { return e.orders.Positions() }

func (e *Engine) RiskStats() risk.Stats { return e.orders.RiskStats() }

func (e *Engine) AlphaStats() []alphas.Stats { return alphas.AllStats(e.alphas) }

func (e *Engine) Metrics() *Metrics { return e.metrics }

func (e *Engine) Running() bool { return e.running.Load() }

// Trades returns up to limit closed trades, newest first. The journal is
// preferred; the in-memory history covers a journal that cannot be read.
func (e *Engine) Trades(ctx context.Context, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		return []types.Trade{}, nil
	}
	if _, isNop := e.journal.(journal.Nop); !isNop {
		trades, err := e.journal.Recent(ctx, limit)
		if err == nil {
			return trades, nil
		}
		e.logger.Warn("Journal read failed, using in-memory trades", zap.Error(err))
	}

	all := e.orders.Trades()
	out := make([]types.Trade, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
