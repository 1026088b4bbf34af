package alphas_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func stressed(symbol string, last float64, vix, putCall *float64, at time.Time) *types.MarketSnapshot {
	prev := types.MustPrice(100)
	snap := types.NewMarketSnapshot(at)
	snap.Add(types.MarketData{
		Symbol:       types.MustSymbol(symbol),
		LastPrice:    types.MustPrice(last),
		PrevClose:    &prev,
		VIX:          vix,
		PutCallRatio: putCall,
		Timestamp:    at,
	})
	return snap
}

func generate(t *testing.T, a alphas.Alpha, snap *types.MarketSnapshot) []types.Signal {
	t.Helper()
	a.Update(snap)
	sigs, err := a.GenerateSignals(context.Background())
	if err != nil {
		t.Fatalf("GenerateSignals failed: %v", err)
	}
	return sigs
}

func TestPanicLevels(t *testing.T) {
	p := alphas.NewPanicDetector(zap.NewNop(), alphas.DefaultPanicConfig())

	tests := []struct {
		name    string
		last    float64
		vix     *float64
		putCall *float64
		want    alphas.PanicLevel
	}{
		{"calm", 99, ptr(15), ptr(0.8), alphas.PanicNone},
		{"mild", 96, ptr(15), nil, alphas.PanicMild},
		{"moderate", 96, ptr(35), nil, alphas.PanicModerate},
		{"severe", 96, ptr(35), ptr(1.6), alphas.PanicSevere},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, _ := stressed("SPY", tt.last, tt.vix, tt.putCall, t0).Get(types.MustSymbol("SPY"))
			if got := p.Level(md); got != tt.want {
				t.Errorf("Level incorrect: expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestPanicDetectorSignals(t *testing.T) {
	p := alphas.NewPanicDetector(zap.NewNop(), alphas.DefaultPanicConfig())

	if sigs := generate(t, p, stressed("SPY", 96, ptr(15), nil, t0)); len(sigs) != 0 {
		t.Fatalf("Mild fear should not signal, got %d", len(sigs))
	}

	sigs := generate(t, p, stressed("SPY", 96, ptr(35), ptr(1.6), t0))
	if len(sigs) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(sigs))
	}
	sig := sigs[0]
	if sig.Action != types.ActionBuy || sig.Confidence.Value() != 0.9 {
		t.Errorf("Signal incorrect: %s", sig)
	}
	if sig.StopLoss == nil || sig.StopLoss.Float64() != 94.08 {
		t.Errorf("Stop loss incorrect: expected 94.08, got %v", sig.StopLoss)
	}
	if sig.TakeProfit == nil || sig.TakeProfit.Float64() != 99.84 {
		t.Errorf("Take profit incorrect: expected 99.84, got %v", sig.TakeProfit)
	}
	if sig.Metadata["panic_level"] != "severe" || !sig.Timestamp.Equal(t0) {
		t.Errorf("Metadata or timestamp incorrect: %v %v", sig.Metadata, sig.Timestamp)
	}

	// cooldown is per symbol and measured in snapshot time
	if sigs := generate(t, p, stressed("SPY", 95, ptr(35), ptr(1.6), t0.Add(time.Hour))); len(sigs) != 0 {
		t.Errorf("Expected cooldown to suppress the signal, got %d", len(sigs))
	}
	if sigs := generate(t, p, stressed("QQQ", 95, ptr(35), ptr(1.6), t0.Add(time.Hour))); len(sigs) != 1 {
		t.Errorf("Cooldown should not apply to other symbols, got %d", len(sigs))
	}
	sigs = generate(t, p, stressed("SPY", 95, ptr(45), ptr(1.6), t0.Add(25*time.Hour)))
	if len(sigs) != 1 || math.Abs(sigs[0].Confidence.Value()-0.95) > 1e-9 {
		t.Errorf("Expected boosted signal after cooldown, got %v", sigs)
	}

	stats := p.Stats()
	if stats.SignalsGenerated != 3 || stats.SignalsActionable != 3 || stats.Name != "PanicDetector" {
		t.Errorf("Stats incorrect: %+v", stats)
	}
	p.Reset()
	if p.Stats().SignalsGenerated != 0 {
		t.Error("Reset should clear stats")
	}
}

func priced(symbol string, price float64, at time.Time) *types.MarketSnapshot {
	snap := types.NewMarketSnapshot(at)
	snap.Add(types.MarketData{Symbol: types.MustSymbol(symbol), LastPrice: types.MustPrice(price), Timestamp: at})
	return snap
}

func TestTrendFollowingCrossovers(t *testing.T) {
	tf := alphas.NewTrendFollowing(zap.NewNop(), alphas.TrendConfig{FastPeriod: 2, SlowPeriod: 4, Confidence: 0.7})

	var got []types.Signal
	prices := []float64{100, 100, 100, 100, 104, 108, 112, 100, 90, 80}
	for i, price := range prices {
		got = append(got, generate(t, tf, priced("AAPL", price, t0.Add(time.Duration(i)*time.Hour)))...)
	}

	if len(got) != 2 {
		t.Fatalf("Expected 2 crossovers, got %d: %v", len(got), got)
	}
	if got[0].Action != types.ActionBuy || got[1].Action != types.ActionSell {
		t.Errorf("Crossover actions incorrect: %s, %s", got[0].Action, got[1].Action)
	}
	if got[0].StopLoss.Decimal().GreaterThanOrEqual(got[0].TargetPrice.Decimal()) {
		t.Errorf("Long stop should sit below the entry: %s", got[0])
	}
	if got[1].StopLoss.Decimal().LessThanOrEqual(got[1].TargetPrice.Decimal()) {
		t.Errorf("Short stop should sit above the entry: %s", got[1])
	}
	if tf.Stats().SignalsGenerated != 2 {
		t.Errorf("Stats incorrect: %+v", tf.Stats())
	}
}

type failingAlpha struct{ alphas.Alpha }

func (failingAlpha) Name() string                 { return "broken" }
func (failingAlpha) Update(*types.MarketSnapshot) {}
func (failingAlpha) GenerateSignals(context.Context) ([]types.Signal, error) {
	return nil, errors.New("feed unavailable")
}

func TestCollectKeepsRegistrationOrder(t *testing.T) {
	logger := zap.NewNop()
	panic1 := alphas.NewPanicDetector(logger, alphas.DefaultPanicConfig())
	panic2 := alphas.NewPanicDetector(logger, alphas.DefaultPanicConfig())

	snap := stressed("SPY", 96, ptr(35), ptr(1.6), t0)
	sigs, err := alphas.Collect(context.Background(), []alphas.Alpha{panic1, failingAlpha{}, panic2}, snap)
	if err == nil {
		t.Error("Expected the failing alpha's error")
	}
	if len(sigs) != 2 {
		t.Fatalf("Expected signals from the healthy alphas, got %d", len(sigs))
	}
	if sigs[0].ID == sigs[1].ID {
		t.Error("Each alpha should produce its own signal")
	}
}

func TestRegistry(t *testing.T) {
	r := alphas.NewRegistry(zap.NewNop())
	names := r.List()
	if len(names) != 3 || names[0] != "narrative_shift" || names[1] != "panic_detector" || names[2] != "trend_following" {
		t.Errorf("Registered alphas incorrect: %v", names)
	}
	created, err := r.CreateAll([]string{"trend_following", "panic_detector"})
	if err != nil {
		t.Fatalf("CreateAll failed: %v", err)
	}
	if created[0].Name() != "TrendFollowing" || created[1].Name() != "PanicDetector" {
		t.Errorf("Created alphas out of order: %s, %s", created[0].Name(), created[1].Name())
	}
	if _, err := r.Create("sentiment"); err == nil {
		t.Error("Expected error for unknown alpha")
	}
}
