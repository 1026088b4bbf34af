package types

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a two-sided top of book.
type Quote struct {
	Bid       Price     `json:"bid"`
	Ask       Price     `json:"ask"`
	BidSize   uint64    `json:"bid_size"`
	AskSize   uint64    `json:"ask_size"`
	Timestamp time.Time `json:"timestamp"`
}

// Mid returns the midpoint of bid and ask.
func (q Quote) Mid() Price {
	return Price{d: q.Bid.d.Add(q.Ask.d).Div(decimal.NewFromInt(2))}
}

func (q Quote) Spread() decimal.Decimal {
	return q.Ask.d.Sub(q.Bid.d)
}

// MarketData is the latest observation for one symbol.
type MarketData struct {
	Symbol       Symbol    `json:"symbol"`
	Quote        *Quote    `json:"quote,omitempty"`
	LastPrice    Price     `json:"last_price"`
	Volume       uint64    `json:"volume"`
	Timestamp    time.Time `json:"timestamp"`
	Open         *Price    `json:"open,omitempty"`
	High         *Price    `json:"high,omitempty"`
	Low          *Price    `json:"low,omitempty"`
	PrevClose    *Price    `json:"prev_close,omitempty"`
	VIX          *float64  `json:"vix,omitempty"`
	PutCallRatio *float64  `json:"put_call_ratio,omitempty"`
}

// CurrentPrice is the quote mid when a two-sided quote exists, else the last price.
func (m MarketData) CurrentPrice() Price {
	if m.Quote != nil && !m.Quote.Bid.IsZero() && !m.Quote.Ask.IsZero() {
		return m.Quote.Mid()
	}
	return m.LastPrice
}

// IntradayChangePct is the move from the previous close, or from the open when
// no previous close is known. ok is false when neither reference exists.
func (m MarketData) IntradayChangePct() (pct float64, ok bool) {
	ref := m.PrevClose
	if ref == nil {
		ref = m.Open
	}
	if ref == nil || ref.IsZero() {
		return 0, false
	}
	return ref.PercentChange(m.CurrentPrice()), true
}

// MarketSnapshot groups per-symbol data observed at one instant.
type MarketSnapshot struct {
	Data      map[Symbol]MarketData `json:"data"`
	Timestamp time.Time             `json:"timestamp"`
}

func NewMarketSnapshot(ts time.Time) *MarketSnapshot {
	return &MarketSnapshot{Data: make(map[Symbol]MarketData), Timestamp: ts}
}

func (s *MarketSnapshot) Add(md MarketData) {
	s.Data[md.Symbol] = md
}

func (s *MarketSnapshot) Get(sym Symbol) (MarketData, bool) {
	md, ok := s.Data[sym]
	return md, ok
}

func (s *MarketSnapshot) Len() int { return len(s.Data) }

// Symbols returns the snapshot's symbols in sorted order.
func (s *MarketSnapshot) Symbols() []Symbol {
	out := make([]Symbol, 0, len(s.Data))
	for sym := range s.Data {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].s < out[j].s })
	return out
}

// Bar is one OHLCV record.
type Bar struct {
	Symbol    Symbol          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    uint64          `json:"volume"`
}

// MarketData converts a bar into a replay observation. prev may be nil.
func (b Bar) MarketData(prev *Bar) (MarketData, error) {
	last, err := PriceFromDecimal(b.Close)
	if err != nil {
		return MarketData{}, err
	}
	md := MarketData{
		Symbol:    b.Symbol,
		LastPrice: last,
		Volume:    b.Volume,
		Timestamp: b.Timestamp,
	}
	if p, err := PriceFromDecimal(b.Open); err == nil {
		md.Open = &p
	}
	if p, err := PriceFromDecimal(b.High); err == nil {
		md.High = &p
	}
	if p, err := PriceFromDecimal(b.Low); err == nil {
		md.Low = &p
	}
	if prev != nil {
		if p, err := PriceFromDecimal(prev.Close); err == nil {
			md.PrevClose = &p
		}
	}
	return md, nil
}

// BarsToMarketData converts a bar series, chaining previous closes.
func BarsToMarketData(bars []Bar) ([]MarketData, error) {
	out := make([]MarketData, 0, len(bars))
	for i := range bars {
		var prev *Bar
		if i > 0 {
			prev = &bars[i-1]
		}
		md, err := bars[i].MarketData(prev)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}
