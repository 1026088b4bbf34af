// Package types_test provides tests for the shared value types.
package types_test

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestSymbolValidation(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"aapl", nil},
		{"BRK1", nil},
		{"", types.ErrEmptySymbol},
		{"ABCDEFGHIJK", types.ErrSymbolTooLong},
		{"BRK.B", types.ErrInvalidSymbolChars},
		{"SOL/USD", types.ErrInvalidSymbolChars},
	}
	for _, c := range cases {
		sym, err := types.NewSymbol(c.in)
		if c.want == nil {
			if err != nil {
				t.Errorf("NewSymbol(%q) failed: %v", c.in, err)
			}
			continue
		}
		if !errors.Is(err, c.want) {
			t.Errorf("NewSymbol(%q) error incorrect: expected %v, got %v", c.in, c.want, err)
		}
		if !errors.Is(err, types.ErrValidation) {
			t.Errorf("NewSymbol(%q) error should wrap ErrValidation", c.in)
		}
		_ = sym
	}

	if got := types.MustSymbol("aapl").String(); got != "AAPL" {
		t.Errorf("Symbol not upper-cased: got %s", got)
	}
}

func TestPriceValidation(t *testing.T) {
	for _, v := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := types.NewPrice(v); !errors.Is(err, types.ErrInvalidPrice) {
			t.Errorf("NewPrice(%v) should fail with ErrInvalidPrice, got %v", v, err)
		}
	}
	if _, err := types.PriceFromDecimal(decimal.Zero); !errors.Is(err, types.ErrInvalidPrice) {
		t.Errorf("PriceFromDecimal(0) should fail, got %v", err)
	}

	p := types.MustPrice(100)
	if got := p.PercentChange(types.MustPrice(110)); math.Abs(got-10) > 1e-9 {
		t.Errorf("PercentChange incorrect: expected 10, got %f", got)
	}
}

func TestQuantityAndConfidence(t *testing.T) {
	if _, err := types.NewQuantity(0); !errors.Is(err, types.ErrInvalidQuantity) {
		t.Errorf("zero quantity should be rejected, got %v", err)
	}
	q := types.SellQuantity(5)
	if !q.IsSell() || q.Abs() != 5 || q.Value() != -5 {
		t.Errorf("SellQuantity incorrect: got %v", q)
	}

	for _, v := range []float64{-0.1, 1.01, math.NaN()} {
		if _, err := types.NewConfidence(v); !errors.Is(err, types.ErrInvalidConfidence) {
			t.Errorf("NewConfidence(%v) should fail, got %v", v, err)
		}
	}
	if !types.MustConfidence(0.7).IsHigh() {
		t.Error("0.7 should be high confidence")
	}
	if types.MustConfidence(0.69).IsHigh() {
		t.Error("0.69 should not be high confidence")
	}
}

func TestPositionLongShort(t *testing.T) {
	stop := types.MustPrice(95)
	target := types.MustPrice(110)
	long := types.Position{
		Symbol:       types.MustSymbol("AAPL"),
		Quantity:     types.BuyQuantity(10),
		EntryPrice:   types.MustPrice(100),
		CurrentPrice: types.MustPrice(105),
		StopLoss:     &stop,
		TakeProfit:   &target,
	}
	if !long.UnrealizedPnL().Equal(decimal.NewFromInt(50)) {
		t.Errorf("Long unrealized P&L incorrect: expected 50, got %s", long.UnrealizedPnL())
	}
	if !long.MarketValue().Equal(decimal.NewFromInt(1050)) {
		t.Errorf("Long market value incorrect: expected 1050, got %s", long.MarketValue())
	}
	if !long.StopLossHit(types.MustPrice(95)) || long.StopLossHit(types.MustPrice(96)) {
		t.Error("Long stop should trigger at or below 95 only")
	}
	if !long.TakeProfitHit(types.MustPrice(111)) || long.TakeProfitHit(types.MustPrice(109)) {
		t.Error("Long target should trigger at or above 110 only")
	}

	shortStop := types.MustPrice(105)
	shortTarget := types.MustPrice(90)
	short := types.Position{
		Symbol:       types.MustSymbol("AAPL"),
		Quantity:     types.SellQuantity(10),
		EntryPrice:   types.MustPrice(100),
		CurrentPrice: types.MustPrice(95),
		StopLoss:     &shortStop,
		TakeProfit:   &shortTarget,
	}
	if !short.UnrealizedPnL().Equal(decimal.NewFromInt(50)) {
		t.Errorf("Short unrealized P&L incorrect: expected 50, got %s", short.UnrealizedPnL())
	}
	if !short.MarketValue().Equal(decimal.NewFromInt(1050)) {
		t.Errorf("Short market value incorrect: expected 1050, got %s", short.MarketValue())
	}
	if !short.StopLossHit(types.MustPrice(106)) || short.StopLossHit(types.MustPrice(104)) {
		t.Error("Short stop should trigger at or above 105 only")
	}
	if !short.TakeProfitHit(types.MustPrice(90)) {
		t.Error("Short target should trigger at or below 90")
	}
}

func TestTradeBreakdown(t *testing.T) {
	now := time.Now()
	trade := types.NewTrade(types.TradeParams{
		Symbol:      types.MustSymbol("AAPL"),
		Quantity:    types.BuyQuantity(10),
		EntryPrice:  types.MustPrice(100),
		ExitPrice:   types.MustPrice(110),
		EntryFill:   types.MustPrice(100.1),
		ExitFill:    types.MustPrice(109.9),
		Commission:  decimal.NewFromInt(2),
		OpenedAt:    now.Add(-time.Hour),
		ClosedAt:    now,
		CloseReason: types.CloseTakeProfit,
	})

	if !trade.GrossPnL.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Gross P&L incorrect: expected 100, got %s", trade.GrossPnL)
	}
	if !trade.Slippage.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Slippage incorrect: expected 2, got %s", trade.Slippage)
	}
	if !trade.NetPnL.Equal(decimal.NewFromInt(96)) {
		t.Errorf("Net P&L incorrect: expected 96, got %s", trade.NetPnL)
	}
	if trade.Outcome() != types.OutcomeWinner {
		t.Errorf("Outcome incorrect: expected winner, got %s", trade.Outcome())
	}
	if trade.HoldDuration() != time.Hour {
		t.Errorf("Hold duration incorrect: got %v", trade.HoldDuration())
	}
}

func TestSnapshotJSONKeys(t *testing.T) {
	snap := types.NewMarketSnapshot(time.Unix(0, 0).UTC())
	snap.Add(types.MarketData{Symbol: types.MustSymbol("SPY"), LastPrice: types.MustPrice(400)})
	snap.Add(types.MarketData{Symbol: types.MustSymbol("AAPL"), LastPrice: types.MustPrice(185)})

	b, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Failed to marshal snapshot: %v", err)
	}
	var back types.MarketSnapshot
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	syms := back.Symbols()
	if len(syms) != 2 || syms[0].String() != "AAPL" || syms[1].String() != "SPY" {
		t.Errorf("Symbols incorrect: got %v", syms)
	}
}

func TestIntradayChange(t *testing.T) {
	prev := types.MustPrice(100)
	md := types.MarketData{
		LastPrice: types.MustPrice(96),
		PrevClose: &prev,
	}
	pct, ok := md.IntradayChangePct()
	if !ok || math.Abs(pct+4) > 1e-9 {
		t.Errorf("Intraday change incorrect: expected -4, got %f (ok=%v)", pct, ok)
	}

	bid, ask := types.MustPrice(99), types.MustPrice(101)
	md.Quote = &types.Quote{Bid: bid, Ask: ask}
	if got := md.CurrentPrice().Float64(); got != 100 {
		t.Errorf("Current price should be mid: expected 100, got %f", got)
	}
}
