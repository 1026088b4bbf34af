package data

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultAlpacaDataURL = "https://data.alpaca.markets"

// AlpacaConfig holds market data API credentials.
type AlpacaConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	KeyID     string        `mapstructure:"key_id"`
	SecretKey string        `mapstructure:"secret_key"`
	Feed      string        `mapstructure:"feed"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// AlpacaProvider reads stock quotes and bars from the Alpaca data API.
type AlpacaProvider struct {
	logger *zap.Logger
	client *resty.Client
	feed   string
	retry  utils.RetryConfig
}

type alpacaQuote struct {
	Timestamp time.Time       `json:"t"`
	AskPrice  decimal.Decimal `json:"ap"`
	AskSize   uint64          `json:"as"`
	BidPrice  decimal.Decimal `json:"bp"`
	BidSize   uint64          `json:"bs"`
}

type alpacaLatestQuote struct {
	Symbol string      `json:"symbol"`
	Quote  alpacaQuote `json:"quote"`
}

type alpacaBar struct {
	Timestamp time.Time       `json:"t"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    uint64          `json:"v"`
}

type alpacaBars struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

func NewAlpacaProvider(logger *zap.Logger, cfg AlpacaConfig) *AlpacaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAlpacaDataURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Feed == "" {
		cfg.Feed = "iex"
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("APCA-API-KEY-ID", cfg.KeyID)
	client.SetHeader("APCA-API-SECRET-KEY", cfg.SecretKey)

	return &AlpacaProvider{
		logger: logger.Named("alpaca"),
		client: client,
		feed:   cfg.Feed,
		retry:  utils.DefaultRetryConfig(),
	}
}

func (a *AlpacaProvider) GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, error) {
	latest, err := utils.Retry(ctx, a.retry, func() (*alpacaLatestQuote, error) {
		var out alpacaLatestQuote
		resp, err := a.client.R().
			SetContext(ctx).
			SetPathParam("symbol", symbol.String()).
			SetQueryParam("feed", a.feed).
			SetResult(&out).
			Get("/v2/stocks/{symbol}/quotes/latest")
		if err != nil {
			return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
		}
		if err := checkStatus(resp, symbol); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return types.MarketData{}, err
	}

	bid, bidErr := types.PriceFromDecimal(latest.Quote.BidPrice)
	ask, askErr := types.PriceFromDecimal(latest.Quote.AskPrice)
	if bidErr != nil || askErr != nil {
		return types.MarketData{}, fmt.Errorf("%w: no two-sided quote for %s", ErrNoQuotes, symbol)
	}
	q := &types.Quote{
		Bid:       bid,
		Ask:       ask,
		BidSize:   latest.Quote.BidSize,
		AskSize:   latest.Quote.AskSize,
		Timestamp: latest.Quote.Timestamp,
	}
	return types.MarketData{
		Symbol:    symbol,
		Quote:     q,
		LastPrice: q.Mid(),
		Timestamp: latest.Quote.Timestamp,
	}, nil
}

func (a *AlpacaProvider) GetQuotes(ctx context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error) {
	return fetchAll(ctx, a.logger, symbols, a.GetQuote)
}

// GetHistorical pages through daily bars between start and end.
func (a *AlpacaProvider) GetHistorical(ctx context.Context, symbol types.Symbol, start, end time.Time) ([]types.Bar, error) {
	bars := make([]types.Bar, 0)
	pageToken := ""
	for {
		page, err := utils.Retry(ctx, a.retry, func() (*alpacaBars, error) {
			var out alpacaBars
			req := a.client.R().
				SetContext(ctx).
				SetPathParam("symbol", symbol.String()).
				SetQueryParams(map[string]string{
					"timeframe": "1Day",
					"start":     start.UTC().Format(time.RFC3339),
					"end":       end.UTC().Format(time.RFC3339),
					"feed":      a.feed,
					"limit":     "1000",
				}).
				SetResult(&out)
			if pageToken != "" {
				req.SetQueryParam("page_token", pageToken)
			}
			resp, err := req.Get("/v2/stocks/{symbol}/bars")
			if err != nil {
				return nil, fmt.Errorf("failed to fetch bars for %s: %w", symbol, err)
			}
			if err := checkStatus(resp, symbol); err != nil {
				return nil, err
			}
			return &out, nil
		})
		if err != nil {
			return nil, err
		}

		for _, b := range page.Bars {
			bars = append(bars, types.Bar{
				Symbol:    symbol,
				Timestamp: b.Timestamp.UTC(),
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			})
		}
		if page.NextPageToken == nil || *page.NextPageToken == "" {
			break
		}
		pageToken = *page.NextPageToken
	}

	a.logger.Debug("Fetched bars", zap.String("symbol", symbol.String()), zap.Int("count", len(bars)))
	return bars, nil
}

func checkStatus(resp *resty.Response, symbol types.Symbol) error {
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	case resp.IsError():
		return fmt.Errorf("data API returned %d for %s: %s", resp.StatusCode(), symbol, resp.String())
	}
	return nil
}
