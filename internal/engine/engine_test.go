package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/engine"
	"github.com/atlas-desktop/strategy-engine/internal/events"
	"github.com/atlas-desktop/strategy-engine/internal/journal"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

var day1 = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

// fakeProvider serves whatever prices the test last set.
type fakeProvider struct {
	mu     sync.Mutex
	prices map[string]float64
	at     time.Time
	err    error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{prices: map[string]float64{"AAPL": 100}, at: day1}
}

func (p *fakeProvider) set(symbol string, price float64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.at = at
}

func (p *fakeProvider) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) GetQuote(_ context.Context, sym types.Symbol) (types.MarketData, error) {
	snap, err := p.GetQuotes(context.Background(), []types.Symbol{sym})
	if err != nil {
		return types.MarketData{}, err
	}
	md, _ := snap.Get(sym)
	return md, nil
}

func (p *fakeProvider) GetQuotes(_ context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	snap := types.NewMarketSnapshot(p.at)
	for _, sym := range symbols {
		if price, ok := p.prices[sym.String()]; ok {
			snap.Add(types.MarketData{Symbol: sym, LastPrice: types.MustPrice(price), Timestamp: p.at})
		}
	}
	return snap, nil
}

func (p *fakeProvider) GetHistorical(context.Context, types.Symbol, time.Time, time.Time) ([]types.Bar, error) {
	return nil, nil
}

// scriptedAlpha emits script[n] on its n-th call and nothing afterwards.
type scriptedAlpha struct {
	mu     sync.Mutex
	calls  int
	script [][]types.Signal
}

func (a *scriptedAlpha) Name() string                { return "Scripted" }
func (a *scriptedAlpha) Update(*types.MarketSnapshot) {}
func (a *scriptedAlpha) Reset()                      {}
func (a *scriptedAlpha) Stats() alphas.Stats         { return alphas.Stats{Name: a.Name()} }

func (a *scriptedAlpha) GenerateSignals(context.Context) ([]types.Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	defer func() { a.calls++ }()
	if a.calls < len(a.script) {
		return a.script[a.calls], nil
	}
	return nil, nil
}

func buy(symbol string, confidence, stop, target float64) types.Signal {
	return types.NewSignal(types.MustSymbol(symbol), types.ActionBuy, types.MustConfidence(confidence), "test", "Scripted").
		WithStopLoss(types.MustPrice(stop)).
		WithTakeProfit(types.MustPrice(target))
}

func sell(symbol string, confidence float64) types.Signal {
	return types.NewSignal(types.MustSymbol(symbol), types.ActionSell, types.MustConfidence(confidence), "test", "Scripted")
}

func testConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Symbols = []string{"AAPL"}
	cfg.UpdateInterval = 10 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, provider *fakeProvider, alpha *scriptedAlpha, j journal.Journal) *engine.Engine {
	t.Helper()
	e, err := engine.New(zap.NewNop(), testConfig(), engine.Deps{
		Provider: provider,
		Alphas:   []alphas.Alpha{alpha},
		Journal:  j,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := engine.New(zap.NewNop(), testConfig(), engine.Deps{})
	if !errors.Is(err, engine.ErrNoProvider) {
		t.Errorf("Expected ErrNoProvider, got %v", err)
	}

	cfg := testConfig()
	cfg.Symbols = nil
	if _, err := engine.New(zap.NewNop(), cfg, engine.Deps{Provider: newFakeProvider()}); err == nil {
		t.Error("Expected error for empty symbol list")
	}
}

func TestCycleOpensAndStopsOut(t *testing.T) {
	provider := newFakeProvider()
	alpha := &scriptedAlpha{script: [][]types.Signal{{buy("AAPL", 0.8, 95, 110)}}}
	j, err := journal.NewFileJournal(zap.NewNop(), filepath.Join(t.TempDir(), "trades.jsonl"))
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()
	e := newEngine(t, provider, alpha, j)
	ctx := context.Background()

	cc, err := e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("Cycle 1 failed: %v", err)
	}
	if len(cc.Orders) != 1 {
		t.Fatalf("Orders incorrect: expected 1, got %d (rejections %v)", len(cc.Orders), cc.Rejections)
	}
	if len(e.Positions()) != 1 {
		t.Fatalf("Positions incorrect: expected 1, got %d", len(e.Positions()))
	}

	provider.set("AAPL", 94, day1.Add(time.Hour))
	cc, err = e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("Cycle 2 failed: %v", err)
	}
	if len(cc.Closed) != 1 || cc.Closed[0].CloseReason != types.CloseStopLoss {
		t.Fatalf("Expected one stop-loss close, got %+v", cc.Closed)
	}
	if len(e.Positions()) != 0 {
		t.Errorf("Position should be closed, got %d open", len(e.Positions()))
	}

	trades, err := e.Trades(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to read trades: %v", err)
	}
	if len(trades) != 1 || !trades[0].NetPnL.IsNegative() {
		t.Errorf("Journaled trades incorrect: %+v", trades)
	}

	st := e.Stats()
	if st.CyclesCompleted != 2 || st.OrdersExecuted != 1 || st.SignalsGenerated != 1 {
		t.Errorf("Stats incorrect: %+v", st)
	}
	if got := testutil.ToFloat64(e.Metrics().Cycles); got != 2 {
		t.Errorf("Cycle counter incorrect: expected 2, got %v", got)
	}
	if got := testutil.ToFloat64(e.Metrics().TradesClosed.WithLabelValues("stop_loss")); got != 1 {
		t.Errorf("Stop-loss counter incorrect: expected 1, got %v", got)
	}
}

func TestDayRolloverResetsRisk(t *testing.T) {
	provider := newFakeProvider()
	alpha := &scriptedAlpha{script: [][]types.Signal{{buy("AAPL", 0.8, 95, 110)}}}
	e := newEngine(t, provider, alpha, nil)
	ctx := context.Background()

	if _, err := e.RunCycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	provider.set("AAPL", 94, day1.Add(time.Hour))
	if _, err := e.RunCycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if got := e.RiskStats().ConsecutiveLosses; got != 1 {
		t.Fatalf("Consecutive losses incorrect: expected 1, got %d", got)
	}

	provider.set("AAPL", 94, day1.Add(24*time.Hour))
	if _, err := e.RunCycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	rs := e.RiskStats()
	if rs.ConsecutiveLosses != 0 {
		t.Errorf("Consecutive losses not reset: got %d", rs.ConsecutiveLosses)
	}
	if rs.DayStartValue != rs.CurrentValue {
		t.Errorf("Day start value incorrect: expected %v, got %v", rs.CurrentValue, rs.DayStartValue)
	}
}

func TestOpposingSignalClosesPosition(t *testing.T) {
	provider := newFakeProvider()
	alpha := &scriptedAlpha{script: [][]types.Signal{
		{buy("AAPL", 0.8, 95, 110)},
		{sell("AAPL", 0.9)},
	}}
	e := newEngine(t, provider, alpha, nil)
	ctx := context.Background()

	if _, err := e.RunCycle(ctx); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	provider.set("AAPL", 103, day1.Add(time.Hour))
	cc, err := e.RunCycle(ctx)
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if len(cc.Closed) != 1 || cc.Closed[0].CloseReason != types.CloseSignalReverse {
		t.Fatalf("Expected a signal-reverse close, got %+v", cc.Closed)
	}
	if len(cc.Orders) != 0 {
		t.Errorf("Reversal should not open a new position, got %d orders", len(cc.Orders))
	}

	trades, _ := e.Trades(ctx, 5)
	if len(trades) != 1 || !trades[0].NetPnL.IsPositive() {
		t.Errorf("In-memory trades incorrect: %+v", trades)
	}
}

func TestDuplicateSignalRejected(t *testing.T) {
	provider := newFakeProvider()
	alpha := &scriptedAlpha{script: [][]types.Signal{
		{buy("AAPL", 0.8, 95, 110)},
		{buy("AAPL", 0.8, 95, 110)},
	}}
	e := newEngine(t, provider, alpha, nil)

	e.RunCycle(context.Background())
	cc, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	if len(cc.Rejections) != 1 || cc.Rejections[0].Reason != "duplicate_position" {
		t.Fatalf("Rejections incorrect: %+v", cc.Rejections)
	}
	if got := testutil.ToFloat64(e.Metrics().SignalsRejected.WithLabelValues("duplicate_position")); got != 1 {
		t.Errorf("Rejection counter incorrect: expected 1, got %v", got)
	}
}

func TestFailedCycleCounted(t *testing.T) {
	provider := newFakeProvider()
	provider.fail(errors.New("feed down"))
	e := newEngine(t, provider, &scriptedAlpha{}, nil)

	if _, err := e.RunCycle(context.Background()); err == nil {
		t.Fatal("Expected cycle error")
	}
	st := e.Stats()
	if st.ErrorsEncountered != 1 || st.CyclesCompleted != 0 {
		t.Errorf("Stats incorrect: %+v", st)
	}
	if got := testutil.ToFloat64(e.Metrics().CycleErrors); got != 1 {
		t.Errorf("Error counter incorrect: expected 1, got %v", got)
	}
	if e.Status().LastCycle != nil {
		t.Error("Failed cycle should not become the last cycle")
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()

	cycles := make(chan struct{}, 16)
	bus.Subscribe(events.EventTypeCycle, func(events.Event) error {
		select {
		case cycles <- struct{}{}:
		default:
		}
		return nil
	})

	e, err := engine.New(zap.NewNop(), testConfig(), engine.Deps{
		Provider: newFakeProvider(),
		Alphas:   []alphas.Alpha{&scriptedAlpha{}},
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-cycles:
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for cycle %d", i+1)
		}
	}
	if !e.Status().Running {
		t.Error("Status should report running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if e.Running() {
		t.Error("Engine should not be running after Run returns")
	}
	if e.Stats().CyclesCompleted < 2 {
		t.Errorf("Expected at least 2 cycles, got %d", e.Stats().CyclesCompleted)
	}
}

func TestShutdownFlattens(t *testing.T) {
	provider := newFakeProvider()
	alpha := &scriptedAlpha{script: [][]types.Signal{{buy("AAPL", 0.8, 95, 110)}}}
	e := newEngine(t, provider, alpha, nil)

	if _, err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("Cycle failed: %v", err)
	}
	closed := e.Shutdown(context.Background())
	if len(closed) != 1 || closed[0].CloseReason != types.CloseRiskManagement {
		t.Errorf("Shutdown closes incorrect: %+v", closed)
	}
	if len(e.Positions()) != 0 {
		t.Errorf("Expected no open positions, got %d", len(e.Positions()))
	}
}
