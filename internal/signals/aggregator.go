// Package signals provides signal aggregation and signal-stream parsing.
package signals

import (
	"fmt"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// AggregationStrategy selects how signals for one symbol are combined.
type AggregationStrategy string

const (
	HighestConfidence AggregationStrategy = "highest_confidence"
	WeightedAverage   AggregationStrategy = "weighted_average"
	Unanimous         AggregationStrategy = "unanimous"
	MajorityVote      AggregationStrategy = "majority_vote"
)

// ParseAggregationStrategy validates a strategy name from configuration.
func ParseAggregationStrategy(s string) (AggregationStrategy, error) {
	switch st := AggregationStrategy(strings.ToLower(strings.TrimSpace(s))); st {
	case HighestConfidence, WeightedAverage, Unanimous, MajorityVote:
		return st, nil
	default:
		return "", fmt.Errorf("unknown aggregation strategy %q", s)
	}
}

// AggregatorConfig configures the signal aggregator.
type AggregatorConfig struct {
	Strategy      AggregationStrategy `json:"strategy" mapstructure:"strategy"`
	MinConfidence float64             `json:"minConfidence" mapstructure:"min_confidence"`
}

// DefaultAggregatorConfig returns sensible defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		Strategy:      HighestConfidence,
		MinConfidence: 0.5,
	}
}

// Aggregator combines signals from multiple alphas into at most one signal
// per symbol. It holds no state between calls.
type Aggregator struct {
	logger *zap.Logger
	config AggregatorConfig
}

// NewAggregator creates a new signal aggregator.
func NewAggregator(logger *zap.Logger, config AggregatorConfig) *Aggregator {
	if config.Strategy == "" {
		config.Strategy = HighestConfidence
	}
	return &Aggregator{
		logger: logger.Named("signal-aggregator"),
		config: config,
	}
}

func (a *Aggregator) Config() AggregatorConfig { return a.config }

// Aggregate groups signals by symbol and applies the configured strategy to
// each group. Output follows the order in which symbols were first seen.
func (a *Aggregator) Aggregate(signals []types.Signal) []types.Signal {
	if len(signals) == 0 {
		return nil
	}

	var order []types.Symbol
	groups := make(map[types.Symbol][]types.Signal)
	for _, s := range signals {
		if _, ok := groups[s.Symbol]; !ok {
			order = append(order, s.Symbol)
		}
		groups[s.Symbol] = append(groups[s.Symbol], s)
	}

	out := make([]types.Signal, 0, len(order))
	for _, sym := range order {
		sig, ok := a.aggregateSymbol(groups[sym])
		if !ok {
			a.logger.Debug("No aggregated signal",
				zap.String("symbol", sym.String()),
				zap.Int("inputs", len(groups[sym])),
			)
			continue
		}
		out = append(out, sig)
	}

	a.logger.Debug("Aggregated signals",
		zap.String("strategy", string(a.config.Strategy)),
		zap.Int("inputs", len(signals)),
		zap.Int("outputs", len(out)),
	)
	return out
}

func (a *Aggregator) aggregateSymbol(group []types.Signal) (types.Signal, bool) {
	if len(group) == 0 {
		return types.Signal{}, false
	}
	switch a.config.Strategy {
	case WeightedAverage:
		return a.weightedAverage(group)
	case Unanimous:
		return a.unanimous(group)
	case MajorityVote:
		return a.majorityVote(group)
	default:
		return a.highestConfidence(group)
	}
}

func (a *Aggregator) highestConfidence(group []types.Signal) (types.Signal, bool) {
	sorted := make([]types.Signal, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence.Value() > sorted[j].Confidence.Value()
	})
	for _, s := range sorted {
		if s.Confidence.Value() >= a.config.MinConfidence {
			return s, true
		}
	}
	return types.Signal{}, false
}

// actionGroup is the set of signals in a group sharing one action.
type actionGroup struct {
	action  types.SignalAction
	signals []types.Signal
}

func (g actionGroup) avgConfidence() float64 {
	var sum float64
	for _, s := range g.signals {
		sum += s.Confidence.Value()
	}
	return sum / float64(len(g.signals))
}

// byAction partitions signals by action, keeping first-seen action order.
func byAction(group []types.Signal) []actionGroup {
	var out []actionGroup
	index := make(map[types.SignalAction]int)
	for _, s := range group {
		i, ok := index[s.Action]
		if !ok {
			i = len(out)
			index[s.Action] = i
			out = append(out, actionGroup{action: s.Action})
		}
		out[i].signals = append(out[i].signals, s)
	}
	return out
}

func (a *Aggregator) weightedAverage(group []types.Signal) (types.Signal, bool) {
	var best *actionGroup
	var bestAvg float64
	groups := byAction(group)
	for i := range groups {
		avg := groups[i].avgConfidence()
		if avg < a.config.MinConfidence {
			continue
		}
		// strict comparison keeps the first-seen action on ties
		if best == nil || avg > bestAvg {
			best = &groups[i]
			bestAvg = avg
		}
	}
	if best == nil {
		return types.Signal{}, false
	}
	return synthesize(best.signals[0], bestAvg, fmt.Sprintf(
		"Aggregated from %d alphas (avg confidence: %.1f%%)", len(best.signals), bestAvg*100))
}

func (a *Aggregator) unanimous(group []types.Signal) (types.Signal, bool) {
	first := group[0].Action
	for _, s := range group[1:] {
		if s.Action != first {
			return types.Signal{}, false
		}
	}
	avg := actionGroup{action: first, signals: group}.avgConfidence()
	if avg < a.config.MinConfidence {
		return types.Signal{}, false
	}
	return synthesize(group[0], avg, fmt.Sprintf(
		"Unanimous agreement from %d alphas (confidence: %.1f%%)", len(group), avg*100))
}

func (a *Aggregator) majorityVote(group []types.Signal) (types.Signal, bool) {
	groups := byAction(group)
	best := groups[0]
	for _, g := range groups[1:] {
		if len(g.signals) > len(best.signals) {
			best = g
		}
	}
	avg := best.avgConfidence()
	if avg < a.config.MinConfidence {
		return types.Signal{}, false
	}
	return synthesize(best.signals[0], avg, fmt.Sprintf(
		"Majority vote: %d of %d alphas agree (confidence: %.1f%%)", len(best.signals), len(group), avg*100))
}

// synthesize keeps the base signal's prices and source with a new confidence
// and reason.
func synthesize(base types.Signal, avg float64, reason string) (types.Signal, bool) {
	conf, err := types.NewConfidence(clamp01(avg))
	if err != nil {
		return types.Signal{}, false
	}
	base.Confidence = conf
	base.Reason = reason
	return base, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
