// Package alphas provides the alpha models that feed the signal aggregator.
package alphas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Alpha is an independent opinion generator. Update and GenerateSignals
// are called once per step, in that order.
type Alpha interface {
	Name() string
	Update(snapshot *types.MarketSnapshot)
	GenerateSignals(ctx context.Context) ([]types.Signal, error)
	Reset()
	Stats() Stats
}

// Stats summarizes an alpha's output so far.
type Stats struct {
	Name              string     `json:"name"`
	SignalsGenerated  int        `json:"signalsGenerated"`
	SignalsActionable int        `json:"signalsActionable"`
	AvgConfidence     float64    `json:"avgConfidence"`
	LastSignalAt      *time.Time `json:"lastSignalAt,omitempty"`
}

// statsRecorder is embedded by alphas to track Stats.
type statsRecorder struct {
	mu              sync.Mutex
	stats           Stats
	totalConfidence float64
}

func (r *statsRecorder) record(sig types.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.SignalsGenerated++
	if sig.Confidence.IsHigh() {
		r.stats.SignalsActionable++
	}
	r.totalConfidence += sig.Confidence.Value()
	r.stats.AvgConfidence = r.totalConfidence / float64(r.stats.SignalsGenerated)
	ts := sig.Timestamp
	r.stats.LastSignalAt = &ts
}

func (r *statsRecorder) read(name string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Name = name
	return s
}

func (r *statsRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
	r.totalConfidence = 0
}

// Collect updates every alpha with the snapshot and gathers their signals
// concurrently. Signals are returned in registration order. A failing alpha
// contributes nothing; the first failure is returned alongside the signals
// of the others.
func Collect(ctx context.Context, alphas []Alpha, snapshot *types.MarketSnapshot) ([]types.Signal, error) {
	results := make([][]types.Signal, len(alphas))

	var g errgroup.Group
	for i, a := range alphas {
		i, a := i, a
		g.Go(func() error {
			a.Update(snapshot)
			sigs, err := a.GenerateSignals(ctx)
			if err != nil {
				return fmt.Errorf("alpha %s failed: %w", a.Name(), err)
			}
			results[i] = sigs
			return nil
		})
	}
	err := g.Wait()

	var out []types.Signal
	for _, sigs := range results {
		out = append(out, sigs...)
	}
	return out, err
}

// AllStats returns the stats of every alpha in order.
func AllStats(alphas []Alpha) []Stats {
	out := make([]Stats, 0, len(alphas))
	for _, a := range alphas {
		out = append(out, a.Stats())
	}
	return out
}

// pctOffset moves p by pct percent (negative moves down).
func pctOffset(p types.Price, pct float64) (types.Price, error) {
	return types.PriceFromDecimal(p.Decimal().Mul(decimal.NewFromFloat(1 + pct/100)))
}
