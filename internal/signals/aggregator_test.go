// Package signals_test provides tests for signal aggregation and parsing.
package signals_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/atlas-desktop/strategy-engine/internal/signals"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

func signal(symbol string, action types.SignalAction, confidence float64) types.Signal {
	return types.NewSignal(
		types.MustSymbol(symbol),
		action,
		types.MustConfidence(confidence),
		"test signal",
		"TestAlpha",
	).WithTargetPrice(types.MustPrice(100))
}

func newAggregator(strategy signals.AggregationStrategy) *signals.Aggregator {
	return signals.NewAggregator(zap.NewNop(), signals.AggregatorConfig{
		Strategy:      strategy,
		MinConfidence: 0.5,
	})
}

func TestHighestConfidence(t *testing.T) {
	agg := newAggregator(signals.HighestConfidence)
	out := agg.Aggregate([]types.Signal{
		signal("AAPL", types.ActionBuy, 0.6),
		signal("AAPL", types.ActionBuy, 0.9),
		signal("AAPL", types.ActionSell, 0.7),
	})
	if len(out) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(out))
	}
	if out[0].Confidence.Value() != 0.9 || out[0].Action != types.ActionBuy {
		t.Errorf("Winner incorrect: expected BUY at 0.9, got %s", out[0])
	}
}

func TestHighestConfidenceTieKeepsFirstSeen(t *testing.T) {
	agg := newAggregator(signals.HighestConfidence)
	first := signal("AAPL", types.ActionSell, 0.8)
	out := agg.Aggregate([]types.Signal{first, signal("AAPL", types.ActionBuy, 0.8)})
	if len(out) != 1 || out[0].ID != first.ID {
		t.Errorf("Tie should keep the first-seen signal, got %v", out)
	}
}

func TestWeightedAverage(t *testing.T) {
	agg := newAggregator(signals.WeightedAverage)
	base := signal("AAPL", types.ActionBuy, 0.8).WithStopLoss(types.MustPrice(95))
	out := agg.Aggregate([]types.Signal{
		base,
		signal("AAPL", types.ActionBuy, 0.6),
		signal("AAPL", types.ActionSell, 0.5),
	})
	if len(out) != 1 {
		t.Fatalf("Expected 1 signal, got %d", len(out))
	}
	got := out[0]
	if got.Action != types.ActionBuy {
		t.Errorf("Action incorrect: expected buy, got %s", got.Action)
	}
	if math.Abs(got.Confidence.Value()-0.7) > 1e-9 {
		t.Errorf("Confidence incorrect: expected 0.70, got %f", got.Confidence.Value())
	}
	if got.StopLoss == nil || got.StopLoss.Float64() != 95 {
		t.Error("Synthesized signal should keep the first signal's stop loss")
	}
	if !strings.Contains(got.Reason, "Aggregated from 2 alphas") {
		t.Errorf("Reason incorrect: got %q", got.Reason)
	}
}

func TestUnanimous(t *testing.T) {
	agg := newAggregator(signals.Unanimous)

	out := agg.Aggregate([]types.Signal{
		signal("AAPL", types.ActionBuy, 0.8),
		signal("AAPL", types.ActionBuy, 0.7),
	})
	if len(out) != 1 || math.Abs(out[0].Confidence.Value()-0.75) > 1e-9 {
		t.Errorf("Unanimous agreement incorrect: got %v", out)
	}

	out = agg.Aggregate([]types.Signal{
		signal("AAPL", types.ActionBuy, 0.9),
		signal("AAPL", types.ActionSell, 0.9),
	})
	if len(out) != 0 {
		t.Errorf("Disagreement should produce no signal, got %d", len(out))
	}
}

func TestMajorityVote(t *testing.T) {
	agg := newAggregator(signals.MajorityVote)
	out := agg.Aggregate([]types.Signal{
		signal("AAPL", types.ActionBuy, 0.7),
		signal("AAPL", types.ActionBuy, 0.6),
		signal("AAPL", types.ActionSell, 0.9),
	})
	if len(out) != 1 || out[0].Action != types.ActionBuy {
		t.Fatalf("Majority should be buy, got %v", out)
	}
	if !strings.Contains(out[0].Reason, "2 of 3") {
		t.Errorf("Reason incorrect: got %q", out[0].Reason)
	}
}

func TestMinConfidenceFilter(t *testing.T) {
	for _, st := range []signals.AggregationStrategy{
		signals.HighestConfidence, signals.WeightedAverage, signals.Unanimous, signals.MajorityVote,
	} {
		agg := newAggregator(st)
		out := agg.Aggregate([]types.Signal{
			signal("AAPL", types.ActionBuy, 0.3),
			signal("AAPL", types.ActionBuy, 0.4),
		})
		if len(out) != 0 {
			t.Errorf("%s: signals below the minimum should be dropped, got %d", st, len(out))
		}
	}
}

func TestMultipleSymbolsKeepFirstSeenOrder(t *testing.T) {
	agg := newAggregator(signals.HighestConfidence)
	out := agg.Aggregate([]types.Signal{
		signal("MSFT", types.ActionBuy, 0.8),
		signal("AAPL", types.ActionBuy, 0.7),
		signal("MSFT", types.ActionSell, 0.6),
		signal("SPY", types.ActionSell, 0.9),
	})
	want := []string{"MSFT", "AAPL", "SPY"}
	if len(out) != len(want) {
		t.Fatalf("Expected %d signals, got %d", len(want), len(out))
	}
	for i, w := range want {
		if out[i].Symbol.String() != w {
			t.Errorf("Output %d incorrect: expected %s, got %s", i, w, out[i].Symbol)
		}
	}
}

func TestEmptyInput(t *testing.T) {
	if out := newAggregator(signals.WeightedAverage).Aggregate(nil); len(out) != 0 {
		t.Errorf("Empty input should produce no signals, got %d", len(out))
	}
}

func TestParseAggregationStrategy(t *testing.T) {
	st, err := signals.ParseAggregationStrategy("Weighted_Average")
	if err != nil || st != signals.WeightedAverage {
		t.Errorf("Parse incorrect: got %s, %v", st, err)
	}
	if _, err := signals.ParseAggregationStrategy("median"); err == nil {
		t.Error("Unknown strategy should be rejected")
	}
}

func TestParserFormats(t *testing.T) {
	p := signals.NewParser(zap.NewNop())

	text := `# replay
BUY AAPL @ 185.20 SL 180 TP 195 CONF 0.8 QTY 10 TS 2024-01-02T15:04:05Z

close aapl @ 190
`
	out, err := p.Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("Failed to parse text signals: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 signals, got %d", len(out))
	}
	buy := out[0]
	if buy.Action != types.ActionBuy || buy.Symbol.String() != "AAPL" {
		t.Errorf("First signal incorrect: %s", buy)
	}
	if buy.TargetPrice == nil || buy.TargetPrice.Float64() != 185.2 {
		t.Error("Target price not parsed")
	}
	if buy.StopLoss == nil || buy.TakeProfit == nil || buy.Quantity == nil || buy.Quantity.Value() != 10 {
		t.Error("Stop, target or quantity not parsed")
	}
	if buy.Confidence.Value() != 0.8 {
		t.Errorf("Confidence incorrect: expected 0.8, got %f", buy.Confidence.Value())
	}
	if buy.Timestamp.Year() != 2024 {
		t.Errorf("Timestamp not parsed: %v", buy.Timestamp)
	}
	if out[1].Action != types.ActionClose || out[1].Confidence.Value() != 0.5 {
		t.Errorf("Close signal incorrect: %s", out[1])
	}

	jsonl := `{"symbol":"spy","action":"sell","confidence":0.9,"target_price":400,"stop_loss":410}
{"symbol":"QQQ","action":"buy","target_price":350}`
	out, err = p.Parse(strings.NewReader(jsonl))
	if err != nil || len(out) != 2 {
		t.Fatalf("Failed to parse JSON lines: %v (%d signals)", err, len(out))
	}
	if out[0].Symbol.String() != "SPY" || out[0].Action != types.ActionSell {
		t.Errorf("JSON line signal incorrect: %s", out[0])
	}

	arr := `[{"symbol":"IWM","action":"buy","target_price":200}]`
	out, err = p.Parse(strings.NewReader(arr))
	if err != nil || len(out) != 1 {
		t.Fatalf("Failed to parse JSON array: %v", err)
	}
}

func TestParserReportsLine(t *testing.T) {
	p := signals.NewParser(zap.NewNop())
	_, err := p.Parse(strings.NewReader("BUY AAPL @ 100\nBUY AAPL @ 0\n"))
	var perr *signals.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ParseError, got %v", err)
	}
	if perr.Line != 2 {
		t.Errorf("Line incorrect: expected 2, got %d", perr.Line)
	}
	if !errors.Is(err, types.ErrInvalidPrice) {
		t.Errorf("Error should wrap ErrInvalidPrice, got %v", err)
	}
}
