package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/signals"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type backtestOptions struct {
	symbols     []string
	signalsPath string
	outPath     string
	clean       bool
	simulations int
	seed        int64
}

// report is the JSON written by backtest: the replay result with the
// optional resampling summary alongside.
type report struct {
	*backtester.Result
	MonteCarlo *backtester.MonteCarloResult `json:"monteCarlo,omitempty"`
}

func newBacktestCmd(opts *rootOptions) *cobra.Command {
	bopts := &backtestOptions{}

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored bars through the alphas, or replay a signal file",
		Example: `  strategy-engine backtest --data ./data --symbols SPY,QQQ
  strategy-engine backtest --signals signals.jsonl --out result.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts, map[string]string{
				"data.dir":                      "data",
				"backtest.initial_capital":      "capital",
				"backtest.slippage_pct":         "slippage",
				"backtest.aggregation.strategy": "aggregation",
			})
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := runBacktest(ctx, logger, cfg, bopts)
			if err != nil {
				return err
			}
			rep := report{Result: result}
			if bopts.simulations > 0 {
				mc := backtester.DefaultMonteCarloConfig()
				mc.Simulations = bopts.simulations
				mc.Seed = bopts.seed
				rep.MonteCarlo, err = backtester.MonteCarlo(logger, result, cfg.Backtest.InitialCapital, mc)
				if err != nil {
					return err
				}
			}
			return writeResult(cmd.OutOrStdout(), bopts.outPath, rep)
		},
	}
	cmd.Flags().String("data", "./data", "directory of stored bars")
	cmd.Flags().Float64("capital", 100000, "initial capital")
	cmd.Flags().Float64("slippage", 0.1, "slippage percent per fill")
	cmd.Flags().String("aggregation", string(signals.WeightedAverage), "signal aggregation strategy")
	cmd.Flags().StringSliceVar(&bopts.symbols, "symbols", nil, "symbols to replay (default: engine.symbols)")
	cmd.Flags().StringVar(&bopts.signalsPath, "signals", "", "replay a signal file instead of running alphas")
	cmd.Flags().StringVarP(&bopts.outPath, "out", "o", "", "write the JSON result to a file instead of stdout")
	cmd.Flags().BoolVar(&bopts.clean, "clean", true, "drop bad bars before replay")
	cmd.Flags().IntVar(&bopts.simulations, "monte-carlo", 0, "resample closed trades this many times (0 disables)")
	cmd.Flags().Int64Var(&bopts.seed, "seed", 0, "Monte Carlo seed (0 seeds from the clock)")
	return cmd
}

func runBacktest(ctx context.Context, logger *zap.Logger, cfg *config.Config, opts *backtestOptions) (*backtester.Result, error) {
	if opts.signalsPath != "" {
		stream, err := signals.NewParser(logger).ParseFile(opts.signalsPath)
		if err != nil {
			return nil, err
		}
		eng, err := backtester.NewEngine(logger, cfg.Backtest)
		if err != nil {
			return nil, err
		}
		return eng.RunWithSignals(ctx, stream)
	}

	raw := opts.symbols
	if len(raw) == 0 {
		raw = cfg.Engine.Symbols
	}
	symbols, err := types.ParseSymbols(raw)
	if err != nil {
		return nil, err
	}

	history, err := loadHistory(logger, cfg.Data.Dir, symbols, opts.clean)
	if err != nil {
		return nil, err
	}

	models, err := alphas.NewRegistry(logger).CreateAll(cfg.Alphas)
	if err != nil {
		return nil, fmt.Errorf("failed to create alphas: %w", err)
	}
	eng, err := backtester.NewEngine(logger, cfg.Backtest, models...)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, history)
}

// loadHistory reads stored bars and, when clean is set, drops bars the
// quality validator rejects before building the replay series.
func loadHistory(logger *zap.Logger, dir string, symbols []types.Symbol, clean bool) (map[types.Symbol][]types.MarketData, error) {
	store, err := data.NewStore(logger, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open data store: %w", err)
	}
	if !clean {
		return store.LoadHistory(symbols)
	}

	validator := data.NewQualityValidator(logger)
	history := make(map[types.Symbol][]types.MarketData, len(symbols))
	for _, sym := range symbols {
		bars, err := store.LoadBars(sym)
		if err != nil {
			return nil, err
		}
		report := validator.Validate(bars, sym.String())
		if !report.IsUsable {
			logger.Warn("Data quality is poor",
				zap.String("symbol", sym.String()),
				zap.Int("score", report.QualityScore),
				zap.Int("issues", len(report.Issues)),
			)
		}
		series, err := types.BarsToMarketData(validator.CleanData(bars))
		if err != nil {
			return nil, fmt.Errorf("invalid bars for %s: %w", sym, err)
		}
		history[sym] = series
	}
	return history, nil
}

func writeResult(stdout io.Writer, path string, rep report) error {
	out := stdout
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if path != "" {
		fmt.Fprintln(stdout, summaryLine(rep.Result))
	}
	return nil
}

// summaryLine is the one-line verdict printed when the JSON goes to a file.
func summaryLine(res *backtester.Result) string {
	m := res.Metrics
	grade := m.Grade()
	if m.IsGood() {
		grade += " (tradable)"
	}
	return fmt.Sprintf("Return %.2f%% | Final %s | Sharpe %.2f | Max drawdown %.2f%% | Trades %d (win rate %.1f%%, avg hold %s) | Grade %s | Ran %s",
		m.TotalReturnPct, utils.FormatMoney(res.FinalCapital), float64(m.SharpeRatio), m.MaxDrawdownPct,
		m.Trades.TotalTrades, m.Trades.WinRatePct, utils.FormatDuration(m.Trades.AvgHoldTime), grade,
		res.Duration.Round(time.Millisecond))
}
