package data

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// QuoteCache is a shared quote cache tier behind the in-memory one.
type QuoteCache interface {
	GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, bool, error)
	SetQuote(ctx context.Context, md types.MarketData, ttl time.Duration) error
}

type cachedQuote struct {
	md        types.MarketData
	expiresAt time.Time
}

// CachedProvider wraps a Provider with a TTL quote cache. Historical bars are
// passed through uncached.
type CachedProvider struct {
	logger   *zap.Logger
	provider Provider
	shared   QuoteCache
	ttl      time.Duration
	now      func() time.Time

	mu     sync.RWMutex
	quotes map[types.Symbol]cachedQuote
	hits   uint64
	misses uint64
}

// NewCachedProvider creates a cache. shared may be nil.
func NewCachedProvider(logger *zap.Logger, provider Provider, ttl time.Duration, shared QuoteCache) *CachedProvider {
	return &CachedProvider{
		logger:   logger.Named("quote-cache"),
		provider: provider,
		shared:   shared,
		ttl:      ttl,
		now:      time.Now,
		quotes:   make(map[types.Symbol]cachedQuote),
	}
}

func (c *CachedProvider) GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, error) {
	if md, ok := c.lookup(ctx, symbol); ok {
		return md, nil
	}

	md, err := c.provider.GetQuote(ctx, symbol)
	if err != nil {
		return types.MarketData{}, err
	}
	c.store(ctx, md)
	return md, nil
}

func (c *CachedProvider) GetQuotes(ctx context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error) {
	return fetchAll(ctx, c.logger, symbols, c.GetQuote)
}

func (c *CachedProvider) GetHistorical(ctx context.Context, symbol types.Symbol, start, end time.Time) ([]types.Bar, error) {
	return c.provider.GetHistorical(ctx, symbol, start, end)
}

// Stats returns cache hit and miss counts.
func (c *CachedProvider) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

func (c *CachedProvider) lookup(ctx context.Context, symbol types.Symbol) (types.MarketData, bool) {
	c.mu.Lock()
	entry, ok := c.quotes[symbol]
	if ok && c.now().Before(entry.expiresAt) {
		c.hits++
		c.mu.Unlock()
		return entry.md, true
	}
	delete(c.quotes, symbol)
	c.mu.Unlock()

	if c.shared != nil {
		md, found, err := c.shared.GetQuote(ctx, symbol)
		if err != nil {
			c.logger.Warn("Shared cache read failed", zap.String("symbol", symbol.String()), zap.Error(err))
		} else if found {
			c.mu.Lock()
			c.hits++
			c.quotes[symbol] = cachedQuote{md: md, expiresAt: c.now().Add(c.ttl)}
			c.mu.Unlock()
			return md, true
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return types.MarketData{}, false
}

func (c *CachedProvider) store(ctx context.Context, md types.MarketData) {
	c.mu.Lock()
	c.quotes[md.Symbol] = cachedQuote{md: md, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.SetQuote(ctx, md, c.ttl); err != nil {
			c.logger.Warn("Shared cache write failed", zap.String("symbol", md.Symbol.String()), zap.Error(err))
		}
	}
}
