package data

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/atlas-desktop/strategy-engine/pkg/utils"
	"github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const vixSymbol = "^VIX"

// YahooProvider reads quotes and daily bars from Yahoo Finance.
type YahooProvider struct {
	logger     *zap.Logger
	retry      utils.RetryConfig
	includeVIX bool
}

// NewYahooProvider creates a provider. When includeVIX is set, GetQuotes
// attaches the current VIX level to every symbol in the snapshot.
func NewYahooProvider(logger *zap.Logger, includeVIX bool) *YahooProvider {
	return &YahooProvider{
		logger:     logger.Named("yahoo"),
		retry:      utils.DefaultRetryConfig(),
		includeVIX: includeVIX,
	}
}

func (y *YahooProvider) GetQuote(ctx context.Context, symbol types.Symbol) (types.MarketData, error) {
	q, err := utils.Retry(ctx, y.retry, func() (*finance.Quote, error) {
		q, err := quote.Get(symbol.String())
		if err != nil {
			return nil, fmt.Errorf("failed to get quote for %s: %w", symbol, err)
		}
		if q == nil {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return q, nil
	})
	if err != nil {
		return types.MarketData{}, err
	}
	return convertYahooQuote(symbol, q)
}

func (y *YahooProvider) GetQuotes(ctx context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error) {
	snapshot, err := fetchAll(ctx, y.logger, symbols, y.GetQuote)
	if err != nil || !y.includeVIX {
		return snapshot, err
	}

	vix, err := quote.Get(vixSymbol)
	if err != nil || vix == nil {
		y.logger.Warn("VIX unavailable", zap.Error(err))
		return snapshot, nil
	}
	level := vix.RegularMarketPrice
	for sym, md := range snapshot.Data {
		md.VIX = &level
		snapshot.Data[sym] = md
	}
	return snapshot, nil
}

func (y *YahooProvider) GetHistorical(ctx context.Context, symbol types.Symbol, start, end time.Time) ([]types.Bar, error) {
	return utils.Retry(ctx, y.retry, func() ([]types.Bar, error) {
		iter := chart.Get(&chart.Params{
			Symbol:   symbol.String(),
			Start:    datetime.New(&start),
			End:      datetime.New(&end),
			Interval: datetime.OneDay,
		})

		bars := make([]types.Bar, 0)
		for iter.Next() {
			b := iter.Bar()
			bars = append(bars, types.Bar{
				Symbol:    symbol,
				Timestamp: time.Unix(int64(b.Timestamp), 0).UTC(),
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    uint64(max(b.Volume, 0)),
			})
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("failed to get historical data for %s: %w", symbol, err)
		}
		return bars, nil
	})
}

func convertYahooQuote(symbol types.Symbol, q *finance.Quote) (types.MarketData, error) {
	last, err := types.NewPrice(q.RegularMarketPrice)
	if err != nil {
		return types.MarketData{}, fmt.Errorf("invalid price for %s: %w", symbol, err)
	}
	md := types.MarketData{
		Symbol:    symbol,
		LastPrice: last,
		Volume:    uint64(max(q.RegularMarketVolume, 0)),
		Timestamp: time.Now().UTC(),
		Open:      optionalPrice(q.RegularMarketOpen),
		High:      optionalPrice(q.RegularMarketDayHigh),
		Low:       optionalPrice(q.RegularMarketDayLow),
		PrevClose: optionalPrice(q.RegularMarketPreviousClose),
	}
	if q.Bid > 0 && q.Ask > 0 {
		md.Quote = &types.Quote{
			Bid:       types.MustPrice(q.Bid),
			Ask:       types.MustPrice(q.Ask),
			BidSize:   uint64(max(q.BidSize, 0)),
			AskSize:   uint64(max(q.AskSize, 0)),
			Timestamp: md.Timestamp,
		}
	}
	return md, nil
}

func optionalPrice(v float64) *types.Price {
	if v <= 0 {
		return nil
	}
	p, err := types.PriceFromDecimal(decimal.NewFromFloat(v))
	if err != nil {
		return nil
	}
	return &p
}
