// Package data provides market data providers, caching and offline bar storage.
package data

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSymbolNotFound = errors.New("symbol not found")
	ErrNoQuotes       = errors.New("no quotes available")
)

// Provider supplies live quotes and historical bars.
type Provider interface {
	GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, error)
	GetQuotes(ctx context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error)
	GetHistorical(ctx context.Context, symbol types.Symbol, start, end time.Time) ([]types.Bar, error)
}

// quoteFunc fetches one symbol.
type quoteFunc func(ctx context.Context, symbol types.Symbol) (types.MarketData, error)

// fetchAll fetches every symbol concurrently. Failed symbols are logged and
// skipped; ErrNoQuotes is returned only when nothing succeeded.
func fetchAll(ctx context.Context, logger *zap.Logger, symbols []types.Symbol, fetch quoteFunc) (*types.MarketSnapshot, error) {
	snapshot := types.NewMarketSnapshot(time.Now().UTC())
	if len(symbols) == 0 {
		return snapshot, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sym := range symbols {
		sym := sym
		g.Go(func() error {
			md, err := fetch(gctx, sym)
			if err != nil {
				logger.Warn("Failed to fetch quote", zap.String("symbol", sym.String()), zap.Error(err))
				return nil
			}
			mu.Lock()
			snapshot.Add(md)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if snapshot.Len() == 0 {
		return nil, ErrNoQuotes
	}
	return snapshot, nil
}
