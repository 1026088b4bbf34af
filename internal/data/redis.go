package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection parameters for the shared quote cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisQuoteCache stores JSON-encoded quotes under {prefix}quote:{symbol}.
type RedisQuoteCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisQuoteCache connects and pings the server.
func NewRedisQuoteCache(ctx context.Context, cfg RedisConfig) (*RedisQuoteCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &RedisQuoteCache{rdb: rdb, prefix: cfg.Prefix}, nil
}

func (c *RedisQuoteCache) key(symbol types.Symbol) string {
	return c.prefix + "quote:" + symbol.String()
}

func (c *RedisQuoteCache) GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.MarketData{}, false, nil
		}
		return types.MarketData{}, false, fmt.Errorf("redis: get quote %s: %w", symbol, err)
	}

	var md types.MarketData
	if err := json.Unmarshal(raw, &md); err != nil {
		return types.MarketData{}, false, fmt.Errorf("redis: decode quote %s: %w", symbol, err)
	}
	return md, true, nil
}

func (c *RedisQuoteCache) SetQuote(ctx context.Context, md types.MarketData, ttl time.Duration) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", md.Symbol, err)
	}
	if err := c.rdb.Set(ctx, c.key(md.Symbol), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", md.Symbol, err)
	}
	return nil
}

func (c *RedisQuoteCache) Close() error {
	return c.rdb.Close()
}
