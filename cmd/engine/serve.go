package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/api"
	"github.com/atlas-desktop/strategy-engine/internal/config"
	"github.com/atlas-desktop/strategy-engine/internal/data"
	"github.com/atlas-desktop/strategy-engine/internal/engine"
	"github.com/atlas-desktop/strategy-engine/internal/events"
	"github.com/atlas-desktop/strategy-engine/internal/journal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live decision loop and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, file, err := loadConfig(cmd, opts, map[string]string{
				"server.host":            "host",
				"server.port":            "port",
				"data.provider":          "provider",
				"engine.update_interval": "interval",
			})
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, logger, cfg, file)
		},
	}
	cmd.Flags().String("host", "0.0.0.0", "API listen host")
	cmd.Flags().Int("port", 8080, "API listen port")
	cmd.Flags().String("provider", config.ProviderYahoo, "market data provider (yahoo, alpaca, store)")
	cmd.Flags().Duration("interval", time.Minute, "decision cycle interval")
	return cmd
}

func serve(ctx context.Context, logger *zap.Logger, cfg *config.Config, file string) error {
	logger.Info("Starting strategy engine",
		zap.String("version", version),
		zap.String("config", file),
		zap.String("provider", cfg.Data.Provider),
		zap.Strings("symbols", cfg.Engine.Symbols),
		zap.Bool("paperTrading", cfg.Engine.Execution.PaperTrading),
	)

	provider, closeProvider, err := newProvider(ctx, logger, cfg.Data)
	if err != nil {
		return err
	}
	defer closeProvider()

	jrnl, err := newJournal(ctx, logger, cfg.Journal)
	if err != nil {
		return err
	}
	defer jrnl.Close()

	models, err := alphas.NewRegistry(logger).CreateAll(cfg.Alphas)
	if err != nil {
		return fmt.Errorf("failed to create alphas: %w", err)
	}

	bus := events.NewBus(logger, cfg.Events)
	defer bus.Stop()

	eng, err := engine.New(logger, cfg.Engine, engine.Deps{
		Provider: provider,
		Alphas:   models,
		Journal:  jrnl,
		Bus:      bus,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(logger, cfg.Server, eng, eng.Metrics().Registry(), bus)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("API server shutdown failed", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closed := eng.Shutdown(shutdownCtx)
	stats := eng.Stats()
	logger.Info("Engine stopped",
		zap.Int("positionsClosed", len(closed)),
		zap.Uint64("cycles", stats.CyclesCompleted),
		zap.Uint64("orders", stats.OrdersExecuted),
		zap.Uint64("errors", stats.ErrorsEncountered),
	)
	return runErr
}

// newProvider builds the configured provider behind a quote cache. The
// returned func releases the shared cache connection, if any.
func newProvider(ctx context.Context, logger *zap.Logger, cfg config.DataConfig) (data.Provider, func(), error) {
	var base data.Provider
	switch cfg.Provider {
	case config.ProviderAlpaca:
		base = data.NewAlpacaProvider(logger, cfg.Alpaca)
	case config.ProviderStore:
		store, err := data.NewStore(logger, cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open data store: %w", err)
		}
		base = store
	default:
		base = data.NewYahooProvider(logger, cfg.IncludeVIX)
	}

	if cfg.CacheTTL == 0 {
		return base, func() {}, nil
	}

	var shared data.QuoteCache
	release := func() {}
	if cfg.Redis.Addr != "" {
		rc, err := data.NewRedisQuoteCache(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect quote cache: %w", err)
		}
		shared = rc
		release = func() { rc.Close() }
		logger.Info("Using shared quote cache", zap.String("addr", cfg.Redis.Addr))
	}
	return data.NewCachedProvider(logger, base, cfg.CacheTTL, shared), release, nil
}

func newJournal(ctx context.Context, logger *zap.Logger, cfg config.JournalConfig) (journal.Journal, error) {
	switch cfg.Driver {
	case config.JournalPostgres:
		return journal.NewPostgresJournal(ctx, logger, cfg.Postgres)
	case config.JournalNone:
		return journal.Nop{}, nil
	default:
		return journal.NewFileJournal(logger, cfg.Path)
	}
}
