package sizing_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/internal/sizing"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func record(k *sizing.Kelly, wins int, win float64, losses int, loss float64) {
	for i := 0; i < wins; i++ {
		k.RecordTrade(win)
	}
	for i := 0; i < losses; i++ {
		k.RecordTrade(-loss)
	}
}

func TestKellyPercentage(t *testing.T) {
	k := sizing.NewKelly(sizing.DefaultConfig())
	record(k, 12, 200, 8, 100)

	pct, ok := k.KellyPct()
	if !ok {
		t.Fatal("Kelly should be available after 20 trades")
	}
	// p = 0.6, b = 2: (1.2 - 0.4) / 2 * 0.5 = 20%
	if math.Abs(pct-20) > 1e-9 {
		t.Errorf("Kelly pct incorrect: expected 20, got %f", pct)
	}
}

func TestKellyUnavailable(t *testing.T) {
	few := sizing.NewKelly(sizing.DefaultConfig())
	record(few, 6, 200, 4, 100)
	if _, ok := few.KellyPct(); ok {
		t.Error("Kelly should need 20 trades")
	}

	lowWinRate := sizing.NewKelly(sizing.DefaultConfig())
	record(lowWinRate, 7, 300, 13, 100)
	if _, ok := lowWinRate.KellyPct(); ok {
		t.Error("Kelly should be unavailable below the minimum win rate")
	}

	negative := sizing.NewKelly(sizing.DefaultConfig())
	record(negative, 10, 50, 10, 100)
	if _, ok := negative.KellyPct(); ok {
		t.Error("Negative Kelly should be unavailable")
	}
}

func TestBreakevenTradesCountOnlyAsTrades(t *testing.T) {
	k := sizing.NewKelly(sizing.DefaultConfig())
	k.RecordTrade(0)
	k.RecordTrade(10)
	s := k.Stats()
	if s.TotalTrades != 2 || s.Wins != 1 || s.Losses != 0 {
		t.Errorf("Stats incorrect: %+v", s)
	}
}

func TestPositionSizeBounds(t *testing.T) {
	k := sizing.NewKelly(sizing.DefaultConfig())
	value := decimal.NewFromInt(10000)

	if got := k.PositionSize(value, nil); !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Default size incorrect: expected 200, got %s", got)
	}
	half := types.MustConfidence(0.5)
	if got := k.PositionSize(value, &half); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Confidence-scaled size incorrect: expected 100, got %s", got)
	}
	low := types.MustConfidence(0.1)
	if got := k.PositionSize(value, &low); !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Size should be floored at 0.5%%: expected 50, got %s", got)
	}

	record(k, 12, 200, 8, 100)
	full := types.MustConfidence(1)
	if got := k.PositionSize(value, &full); !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Size should be capped at 10%%: expected 1000, got %s", got)
	}
	if q := k.Quantity(value, types.MustPrice(300), &full); q != 3 {
		t.Errorf("Quantity incorrect: expected 3, got %d", q)
	}
}

func newSizer() (*sizing.IntegratedSizer, *sizing.Kelly) {
	value := decimal.NewFromInt(10000)
	rm := risk.NewManager(zap.NewNop(), risk.DefaultConfig(), value)
	k := sizing.NewKelly(sizing.DefaultConfig())
	return sizing.NewIntegratedSizer(zap.NewNop(), k, rm), k
}

func buySignal(symbol string, confidence float64, stop float64) types.Signal {
	sig := types.NewSignal(types.MustSymbol(symbol), types.ActionBuy, types.MustConfidence(confidence), "test", "TestAlpha")
	if stop > 0 {
		sig = sig.WithStopLoss(types.MustPrice(stop))
	}
	return sig
}

func TestIntegratedSizerApproves(t *testing.T) {
	s, _ := newSizer()
	d, err := s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 0.8, 145),
		Price:         types.MustPrice(150),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Sizing failed: %v", err)
	}
	if d.Status != sizing.StatusApproved || d.Method != sizing.MethodFixed {
		t.Errorf("Decision incorrect: %s", d)
	}
	if d.Quantity != 1 || d.RiskPct >= 1 {
		t.Errorf("Expected 1 share under 1%% risk, got %s", d)
	}
}

func TestIntegratedSizerReducesExcessiveRisk(t *testing.T) {
	s, k := newSizer()
	record(k, 12, 200, 8, 100)

	d, err := s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 1, 90),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(10000),
	})
	if err != nil {
		t.Fatalf("Sizing failed: %v", err)
	}
	// 10 shares risk $100 (1%); max risk $50 at $10 per share allows 5
	if d.Status != sizing.StatusReduced || d.Quantity != 5 {
		t.Errorf("Reduction incorrect: expected 5 shares reduced, got %s", d)
	}
	if d.Method != sizing.MethodFixed || d.KellyPct == nil {
		t.Errorf("Reduced decision should be fixed with Kelly reported, got %s", d)
	}
	if !d.RiskAmount.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Risk amount incorrect: expected 50, got %s", d.RiskAmount)
	}
}

func TestIntegratedSizerExplicitQuantity(t *testing.T) {
	s, _ := newSizer()
	d, err := s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 0.6, 99),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(10000),
		Quantity:      7,
	})
	if err != nil {
		t.Fatalf("Sizing failed: %v", err)
	}
	if d.Quantity != 7 || !d.PositionValue.Equal(decimal.NewFromInt(700)) {
		t.Errorf("Explicit quantity should override sizing, got %s", d)
	}
}

func TestIntegratedSizerRejects(t *testing.T) {
	s, _ := newSizer()
	_, err := s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 0.8, 145),
		Price:         types.MustPrice(150),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  0,
		Cash:          decimal.NewFromInt(10000),
	})
	v, ok := sizing.AsViolation(err)
	if !ok || v.Kind != risk.ViolationMaxPositions {
		t.Errorf("Expected max positions violation, got %v", err)
	}

	// a stop so wide that not a single share fits the risk budget
	_, err = s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 1, 1),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(10000),
		Quantity:      2,
	})
	v, ok = sizing.AsViolation(err)
	if !ok || v.Kind != risk.ViolationExcessiveRisk {
		t.Errorf("Expected excessive risk violation, got %v", err)
	}
}

func TestIntegratedSizerReducedTradeStillChecked(t *testing.T) {
	s, _ := newSizer()

	// 10 shares with a $10 stop is reduced to 5, but the book is full
	_, err := s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 0.8, 90),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{types.MustSymbol("MSFT"): decimal.NewFromInt(1000)},
		MaxPositions:  1,
		Cash:          decimal.NewFromInt(10000),
		Quantity:      10,
	})
	v, ok := sizing.AsViolation(err)
	if !ok || v.Kind != risk.ViolationMaxPositions {
		t.Errorf("Expected max positions violation, got %v", err)
	}

	// the reduced $500 of SPY on top of $9000 of IWM breaks the broad market group
	_, err = s.Size(sizing.Request{
		Signal:        buySignal("SPY", 0.8, 90),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{types.MustSymbol("IWM"): decimal.NewFromInt(9000)},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(10000),
		Quantity:      10,
	})
	v, ok = sizing.AsViolation(err)
	if !ok || v.Kind != risk.ViolationCorrelationExposure {
		t.Errorf("Expected correlation exposure violation, got %v", err)
	}

	// 5 reduced shares need $500 against $400 of cash
	_, err = s.Size(sizing.Request{
		Signal:        buySignal("AAPL", 0.8, 90),
		Price:         types.MustPrice(100),
		OpenPositions: map[types.Symbol]decimal.Decimal{},
		MaxPositions:  10,
		Cash:          decimal.NewFromInt(400),
		Quantity:      10,
	})
	v, ok = sizing.AsViolation(err)
	if !ok || v.Kind != risk.ViolationInsufficientCapital {
		t.Errorf("Expected insufficient capital violation, got %v", err)
	}
}
