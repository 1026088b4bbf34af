package execution_test

import (
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/execution"
	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/internal/sizing"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

func newOrderManager(cfg execution.Config) *execution.OrderManager {
	logger := zap.NewNop()
	rm := risk.NewManager(logger, risk.DefaultConfig(), decimal.NewFromInt(10000))
	sizer := sizing.NewIntegratedSizer(logger, sizing.NewKelly(sizing.DefaultConfig()), rm)
	return execution.NewOrderManager(logger, cfg, sizer)
}

func signalFor(symbol string, action types.SignalAction, confidence, stop, target float64) types.Signal {
	sig := types.NewSignal(types.MustSymbol(symbol), action, types.MustConfidence(confidence), "test", "PanicDetector").
		WithTimestamp(t0)
	if stop > 0 {
		sig = sig.WithStopLoss(types.MustPrice(stop))
	}
	if target > 0 {
		sig = sig.WithTakeProfit(types.MustPrice(target))
	}
	return sig
}

func snapshot(symbol string, price float64) *types.MarketSnapshot {
	snap := types.NewMarketSnapshot(t0)
	snap.Add(types.MarketData{Symbol: types.MustSymbol(symbol), LastPrice: types.MustPrice(price), Timestamp: t0})
	return snap
}

func TestPanicBuyOpensCappedPosition(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	sig := signalFor("AAPL", types.ActionBuy, 0.9, 98, 104)

	order, err := om.ExecuteSignal(sig, types.MustPrice(100))
	if err != nil {
		t.Fatalf("Failed to execute signal: %v", err)
	}
	if order.Status != execution.OrderStatusFilled || !order.Paper {
		t.Errorf("Order incorrect: %+v", order)
	}
	if om.PositionCount() != 1 {
		t.Fatalf("Expected 1 position, got %d", om.PositionCount())
	}

	pos, _ := om.Position(types.MustSymbol("AAPL"))
	if pos.MarketValue().GreaterThan(decimal.NewFromInt(1000)) {
		t.Errorf("Position exceeds 10%% cap: %s", pos.MarketValue())
	}
	expectedCash := decimal.NewFromInt(10000).Sub(pos.CostBasis()).Sub(decimal.NewFromInt(1))
	if !om.Cash().Equal(expectedCash) {
		t.Errorf("Cash after buy incorrect: expected %s, got %s", expectedCash, om.Cash())
	}
}

func TestExecuteSignalRejections(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	price := types.MustPrice(100)

	if _, err := om.ExecuteSignal(signalFor("AAPL", types.ActionBuy, 0.8, 0, 0), price); !errors.Is(err, execution.ErrMissingStopLoss) {
		t.Errorf("Expected ErrMissingStopLoss, got %v", err)
	}
	if _, err := om.ExecuteSignal(signalFor("AAPL", types.ActionHold, 0.8, 95, 0), price); !errors.Is(err, execution.ErrInvalidAction) {
		t.Errorf("Expected ErrInvalidAction, got %v", err)
	}

	if _, err := om.ExecuteSignal(signalFor("AAPL", types.ActionBuy, 0.8, 95, 0).WithQuantity(types.BuyQuantity(5)), price); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	if _, err := om.ExecuteSignal(signalFor("AAPL", types.ActionBuy, 0.8, 95, 0), price); !errors.Is(err, execution.ErrDuplicatePosition) {
		t.Errorf("Expected ErrDuplicatePosition, got %v", err)
	}

	full := newOrderManager(execution.Config{MaxPositions: 0, CommissionPerTrade: 1})
	_, err := full.ExecuteSignal(signalFor("MSFT", types.ActionBuy, 0.8, 95, 0).WithQuantity(types.BuyQuantity(5)), price)
	var v *risk.Violation
	if !errors.As(err, &v) || v.Kind != risk.ViolationMaxPositions {
		t.Errorf("Expected max positions violation, got %v", err)
	}
}

func TestLongRoundTrip(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	sig := signalFor("AAPL", types.ActionBuy, 0.8, 95, 110).WithQuantity(types.BuyQuantity(10))
	if _, err := om.ExecuteSignal(sig, types.MustPrice(100)); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	if !om.PortfolioValue().Equal(decimal.NewFromInt(9999)) {
		t.Errorf("Portfolio value after buy incorrect: expected 9999, got %s", om.PortfolioValue())
	}

	om.UpdatePositions(snapshot("AAPL", 105))
	if trades := om.CheckExits(t0.Add(time.Hour)); len(trades) != 0 {
		t.Fatalf("No exit expected at 105, got %d", len(trades))
	}

	om.UpdatePositions(snapshot("AAPL", 110))
	trades := om.CheckExits(t0.Add(2 * time.Hour))
	if len(trades) != 1 || trades[0].CloseReason != types.CloseTakeProfit {
		t.Fatalf("Expected take-profit exit, got %+v", trades)
	}
	if !trades[0].NetPnL.Equal(decimal.NewFromInt(98)) {
		t.Errorf("Net P&L incorrect: expected 98, got %s", trades[0].NetPnL)
	}
	if !om.Cash().Equal(decimal.NewFromInt(10098)) {
		t.Errorf("Cash after close incorrect: expected 10098, got %s", om.Cash())
	}
	if om.KellyStats().Wins != 1 {
		t.Error("Closed trade should be recorded with the sizer")
	}
}

func TestShortRoundTrip(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	sig := signalFor("AAPL", types.ActionSell, 0.8, 105, 90).WithQuantity(types.BuyQuantity(10))
	order, err := om.ExecuteSignal(sig, types.MustPrice(100))
	if err != nil {
		t.Fatalf("Failed to open short: %v", err)
	}
	if order.Side != execution.OrderSideSell || !order.Quantity.IsSell() {
		t.Errorf("Short order incorrect: %+v", order)
	}

	om.UpdatePositions(snapshot("AAPL", 90))
	trades := om.CheckExits(t0.Add(time.Hour))
	if len(trades) != 1 || trades[0].CloseReason != types.CloseTakeProfit {
		t.Fatalf("Expected take-profit exit, got %+v", trades)
	}
	if !trades[0].NetPnL.Equal(decimal.NewFromInt(98)) {
		t.Errorf("Short net P&L incorrect: expected 98, got %s", trades[0].NetPnL)
	}
	if !om.Cash().Equal(decimal.NewFromInt(10098)) {
		t.Errorf("Cash after cover incorrect: expected 10098, got %s", om.Cash())
	}
}

func TestStopCheckedBeforeTarget(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	// stop above the target: at 100 both levels are crossed
	sig := signalFor("AAPL", types.ActionBuy, 0.8, 101, 99).WithQuantity(types.BuyQuantity(10))
	if _, err := om.ExecuteSignal(sig, types.MustPrice(100)); err != nil {
		t.Fatalf("Failed to open position: %v", err)
	}
	trades := om.CheckExits(t0)
	if len(trades) != 1 || trades[0].CloseReason != types.CloseStopLoss {
		t.Fatalf("Expected stop-loss exit, got %+v", trades)
	}
	if om.RiskStats().ConsecutiveLosses != 1 {
		t.Errorf("Loss should be recorded with the risk manager, got %d", om.RiskStats().ConsecutiveLosses)
	}
}

func TestTimeExitAndCloseAll(t *testing.T) {
	cfg := execution.DefaultConfig()
	cfg.MaxHoldingPeriod = time.Hour
	om := newOrderManager(cfg)

	for _, sym := range []string{"AAPL", "MSFT"} {
		if _, err := om.ExecuteSignal(signalFor(sym, types.ActionBuy, 0.8, 95, 120).WithQuantity(types.BuyQuantity(5)), types.MustPrice(100)); err != nil {
			t.Fatalf("Failed to open %s: %v", sym, err)
		}
	}
	if trades := om.CheckExits(t0.Add(30 * time.Minute)); len(trades) != 0 {
		t.Fatalf("No exits expected before the holding period, got %d", len(trades))
	}

	trade, err := om.ClosePosition(types.MustSymbol("MSFT"), types.MustPrice(102), types.CloseSignalReverse, t0.Add(45*time.Minute))
	if err != nil || trade.CloseReason != types.CloseSignalReverse {
		t.Fatalf("Failed to close MSFT: %v", err)
	}
	if _, err := om.ClosePosition(types.MustSymbol("MSFT"), types.MustPrice(102), types.CloseSignalReverse, t0); !errors.Is(err, execution.ErrNoPosition) {
		t.Errorf("Expected ErrNoPosition, got %v", err)
	}

	trades := om.CheckExits(t0.Add(2 * time.Hour))
	if len(trades) != 1 || trades[0].CloseReason != types.CloseTimeExit {
		t.Fatalf("Expected time exit, got %+v", trades)
	}
	if trades[0].HoldDuration() != 2*time.Hour {
		t.Errorf("Hold duration incorrect: got %v", trades[0].HoldDuration())
	}

	if _, err := om.ExecuteSignal(signalFor("SPY", types.ActionBuy, 0.8, 95, 120).WithQuantity(types.BuyQuantity(5)), types.MustPrice(100)); err != nil {
		t.Fatalf("Failed to open SPY: %v", err)
	}
	closed := om.CloseAll(types.CloseEndOfData, t0.Add(3*time.Hour))
	if len(closed) != 1 || om.PositionCount() != 0 {
		t.Errorf("CloseAll should flatten the book, got %d trades and %d positions", len(closed), om.PositionCount())
	}

	stats := om.Stats()
	if stats.TradeCount != 3 || stats.OpenPositions != 0 {
		t.Errorf("Stats incorrect: %+v", stats)
	}
	if !stats.PortfolioValue.Equal(stats.Cash) {
		t.Errorf("Flat book should have portfolio value equal to cash: %s vs %s", stats.PortfolioValue, stats.Cash)
	}
}

func TestInsufficientCapital(t *testing.T) {
	om := newOrderManager(execution.DefaultConfig())
	sig := signalFor("AAPL", types.ActionBuy, 0.8, 9999, 0).WithQuantity(types.BuyQuantity(1))
	// risk checks pass, but the commission pushes the cost past available cash
	_, err := om.ExecuteSignal(sig, types.MustPrice(10000))
	if !errors.Is(err, execution.ErrInsufficientCapital) {
		t.Fatalf("Expected ErrInsufficientCapital, got %v", err)
	}
}
