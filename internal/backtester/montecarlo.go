package backtester

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoTrades = errors.New("no closed trades to resample")

// MonteCarloConfig configures trade-order resampling.
type MonteCarloConfig struct {
	Simulations int   `json:"simulations" mapstructure:"simulations"`
	Seed        int64 `json:"seed" mapstructure:"seed"` // 0 seeds from the clock
	Workers     int   `json:"workers" mapstructure:"workers"`
	// Replacement bootstraps trades with replacement. Without it each run is
	// a permutation, so only the path (drawdown) changes, not the final equity.
	Replacement bool `json:"replacement" mapstructure:"replacement"`
}

func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{
		Simulations: 1000,
		Workers:     runtime.NumCPU(),
		Replacement: true,
	}
}

// Distribution summarizes one statistic across all runs.
type Distribution struct {
	Mean        float64            `json:"mean"`
	StdDev      float64            `json:"stdDev"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles"`
}

// MonteCarloResult is the spread of outcomes over resampled trade sequences.
type MonteCarloResult struct {
	Simulations       int          `json:"simulations"`
	Trades            int          `json:"trades"`
	Seed              int64        `json:"seed"`
	FinalEquity       Distribution `json:"finalEquity"`
	TotalReturnPct    Distribution `json:"totalReturnPct"`
	MaxDrawdownPct    Distribution `json:"maxDrawdownPct"`
	ProbabilityOfLoss float64      `json:"probabilityOfLoss"`
	// ProbabilityOfRuin is the share of runs whose equity fell to half the
	// initial capital or below at any point.
	ProbabilityOfRuin float64 `json:"probabilityOfRuin"`
}

var reportedPercentiles = []struct {
	name string
	p    float64
}{
	{"p5", 0.05}, {"p25", 0.25}, {"p50", 0.50}, {"p75", 0.75}, {"p95", 0.95},
}

type pathStats struct {
	final       float64
	maxDrawdown float64
	ruined      bool
}

// MonteCarlo resamples the net P&L of a replay's closed trades. Run i uses
// its own generator seeded with Seed+i, so results do not depend on worker
// scheduling.
func MonteCarlo(logger *zap.Logger, result *Result, initialCapital float64, cfg MonteCarloConfig) (*MonteCarloResult, error) {
	if len(result.Trades) == 0 {
		return nil, ErrNoTrades
	}
	if cfg.Simulations < 1 {
		return nil, fmt.Errorf("simulations must be positive, got %d", cfg.Simulations)
	}
	if initialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", initialCapital)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}

	pnl := make([]float64, len(result.Trades))
	for i, t := range result.Trades {
		pnl[i] = t.NetPnL.InexactFloat64()
	}

	runs := make([]pathStats, cfg.Simulations)
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i := range runs {
		i := i
		g.Go(func() error {
			rng := rand.New(rand.NewSource(cfg.Seed + int64(i)))
			runs[i] = walk(resample(pnl, rng, cfg.Replacement), initialCapital)
			return nil
		})
	}
	g.Wait()

	finals := make([]float64, len(runs))
	returns := make([]float64, len(runs))
	drawdowns := make([]float64, len(runs))
	var losses, ruined int
	for i, r := range runs {
		finals[i] = r.final
		returns[i] = (r.final - initialCapital) / initialCapital * 100
		drawdowns[i] = r.maxDrawdown
		if r.final < initialCapital {
			losses++
		}
		if r.ruined {
			ruined++
		}
	}

	out := &MonteCarloResult{
		Simulations:       cfg.Simulations,
		Trades:            len(pnl),
		Seed:              cfg.Seed,
		FinalEquity:       distribution(finals),
		TotalReturnPct:    distribution(returns),
		MaxDrawdownPct:    distribution(drawdowns),
		ProbabilityOfLoss: float64(losses) / float64(len(runs)),
		ProbabilityOfRuin: float64(ruined) / float64(len(runs)),
	}

	logger.Info("Monte Carlo resampling complete",
		zap.Int("simulations", out.Simulations),
		zap.Int("trades", out.Trades),
		zap.Float64("medianReturnPct", out.TotalReturnPct.Percentiles["p50"]),
		zap.Float64("p95DrawdownPct", out.MaxDrawdownPct.Percentiles["p95"]),
		zap.Float64("probabilityOfRuin", out.ProbabilityOfRuin),
	)
	return out, nil
}

func resample(pnl []float64, rng *rand.Rand, replacement bool) []float64 {
	n := len(pnl)
	out := make([]float64, n)
	if replacement {
		for i := range out {
			out[i] = pnl[rng.Intn(n)]
		}
		return out
	}
	for i, idx := range rng.Perm(n) {
		out[i] = pnl[idx]
	}
	return out
}

func walk(pnl []float64, initial float64) pathStats {
	equity, peak := initial, initial
	var st pathStats
	for _, p := range pnl {
		equity += p
		if equity > peak {
			peak = equity
		} else if peak > 0 {
			st.maxDrawdown = max(st.maxDrawdown, (peak-equity)/peak*100)
		}
		if equity <= initial/2 {
			st.ruined = true
		}
	}
	st.final = equity
	return st
}

func distribution(values []float64) Distribution {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := float64(len(sorted))

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / n
	var variance float64
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}

	d := Distribution{
		Mean:        mean,
		StdDev:      math.Sqrt(variance / n),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(reportedPercentiles)),
	}
	for _, rp := range reportedPercentiles {
		d.Percentiles[rp.name] = sorted[int(math.Round(rp.p*(n-1)))]
	}
	return d
}
