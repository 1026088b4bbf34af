// Package execution provides order and position management.
package execution

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/internal/sizing"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrDuplicatePosition   = errors.New("position already open for symbol")
	ErrMissingStopLoss     = errors.New("stop loss required")
	ErrInvalidAction       = errors.New("signal action cannot open a position")
	ErrInsufficientCapital = errors.New("insufficient capital")
	ErrNoPosition          = errors.New("no open position for symbol")
)

// OrderStatus represents order status.
type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order is a filled market order that opened a position.
type Order struct {
	ID         uuid.UUID       `json:"id"`
	SignalID   uuid.UUID       `json:"signalId"`
	Symbol     types.Symbol    `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   types.Quantity  `json:"quantity"`
	Price      types.Price     `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Status     OrderStatus     `json:"status"`
	Paper      bool            `json:"paper"`
	Sizing     sizing.Decision `json:"sizing"`
	CreatedAt  time.Time       `json:"createdAt"`
	FilledAt   time.Time       `json:"filledAt"`
}

// Config configures the order manager.
type Config struct {
	MaxPositions       int           `json:"maxPositions" mapstructure:"max_positions"`
	CommissionPerTrade float64       `json:"commissionPerTrade" mapstructure:"commission_per_trade"`
	PaperTrading       bool          `json:"paperTrading" mapstructure:"paper_trading"`
	MaxHoldingPeriod   time.Duration `json:"maxHoldingPeriod" mapstructure:"max_holding_period"`
}

// DefaultConfig returns default order manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxPositions:       10,
		CommissionPerTrade: 1,
		PaperTrading:       true,
	}
}

// OrderManager owns cash, open positions and the closed-trade history.
type OrderManager struct {
	logger     *zap.Logger
	config     Config
	sizer      *sizing.IntegratedSizer
	commission decimal.Decimal
	mu         sync.RWMutex

	cash      decimal.Decimal
	positions map[types.Symbol]*types.Position
	trades    []types.Trade
}

// NewOrderManager creates an order manager whose starting cash is the sizer's
// current portfolio value.
func NewOrderManager(logger *zap.Logger, config Config, sizer *sizing.IntegratedSizer) *OrderManager {
	return &OrderManager{
		logger:     logger.Named("order-manager"),
		config:     config,
		sizer:      sizer,
		commission: decimal.NewFromFloat(config.CommissionPerTrade),
		cash:       sizer.RiskManager().PortfolioValue(),
		positions:  make(map[types.Symbol]*types.Position),
	}
}

func (om *OrderManager) Config() Config { return om.config }

// ExecuteSignal sizes, risk-checks and fills a directional signal at price.
// Buy opens a long position and Sell opens a short one.
func (om *OrderManager) ExecuteSignal(signal types.Signal, price types.Price) (*Order, error) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if _, ok := om.positions[signal.Symbol]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePosition, signal.Symbol)
	}
	if signal.StopLoss == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingStopLoss, signal.Symbol)
	}
	if !signal.Action.IsDirectional() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, signal.Action)
	}

	om.sizer.UpdatePortfolio(om.portfolioValue())

	var explicit uint64
	if signal.Quantity != nil {
		explicit = signal.Quantity.Abs()
	}
	decision, err := om.sizer.Size(sizing.Request{
		Signal:        signal,
		Price:         price,
		OpenPositions: om.openValues(),
		MaxPositions:  om.config.MaxPositions,
		Cash:          om.cash,
		Quantity:      explicit,
	})
	if err != nil {
		om.logger.Warn("Signal rejected",
			zap.String("symbol", signal.Symbol.String()),
			zap.String("source", signal.Source),
			zap.Error(err),
		)
		return nil, fmt.Errorf("risk check failed: %w", err)
	}
	if decision.Quantity == 0 {
		return nil, fmt.Errorf("%w: position size rounds to zero shares", ErrInsufficientCapital)
	}

	cost := price.Decimal().Mul(decimal.NewFromInt(int64(decision.Quantity))).Add(om.commission)
	if cost.GreaterThan(om.cash) {
		return nil, fmt.Errorf("%w: need $%s, have $%s", ErrInsufficientCapital, cost.StringFixed(2), om.cash.StringFixed(2))
	}

	qty := types.BuyQuantity(decision.Quantity)
	side := OrderSideBuy
	if signal.Action == types.ActionSell {
		qty = types.SellQuantity(decision.Quantity)
		side = OrderSideSell
	}

	now := signal.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	om.cash = om.cash.Sub(cost)
	om.positions[signal.Symbol] = &types.Position{
		Symbol:       signal.Symbol,
		Quantity:     qty,
		EntryPrice:   price,
		CurrentPrice: price,
		StopLoss:     signal.StopLoss,
		TakeProfit:   signal.TakeProfit,
		Confidence:   signal.Confidence,
		OpenedAt:     now,
		Source:       signal.Source,
	}
	om.sizer.UpdatePortfolio(om.portfolioValue())

	order := &Order{
		ID:         uuid.New(),
		SignalID:   signal.ID,
		Symbol:     signal.Symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Commission: om.commission,
		Status:     OrderStatusFilled,
		Paper:      om.config.PaperTrading,
		Sizing:     decision,
		CreatedAt:  now,
		FilledAt:   now,
	}

	om.logger.Info("Order filled",
		zap.String("orderId", order.ID.String()),
		zap.String("symbol", signal.Symbol.String()),
		zap.String("side", string(side)),
		zap.Uint64("quantity", decision.Quantity),
		zap.String("price", price.Decimal().StringFixed(2)),
		zap.String("status", string(decision.Status)),
		zap.Bool("paper", om.config.PaperTrading),
	)
	return order, nil
}

// UpdatePositions marks open positions to the snapshot's prices.
func (om *OrderManager) UpdatePositions(snapshot *types.MarketSnapshot) {
	om.mu.Lock()
	defer om.mu.Unlock()
	for sym, pos := range om.positions {
		if md, ok := snapshot.Get(sym); ok {
			pos.CurrentPrice = md.CurrentPrice()
		}
	}
	om.sizer.UpdatePortfolio(om.portfolioValue())
}

// CheckExits closes positions whose stop, target or holding period has been
// reached. A position at both its stop and its target closes at the stop.
func (om *OrderManager) CheckExits(now time.Time) []types.Trade {
	om.mu.Lock()
	defer om.mu.Unlock()

	var closed []types.Trade
	for _, sym := range om.sortedSymbols() {
		pos := om.positions[sym]
		var reason types.CloseReason
		switch {
		case pos.StopLossHit(pos.CurrentPrice):
			reason = types.CloseStopLoss
		case pos.TakeProfitHit(pos.CurrentPrice):
			reason = types.CloseTakeProfit
		case om.config.MaxHoldingPeriod > 0 && now.Sub(pos.OpenedAt) >= om.config.MaxHoldingPeriod:
			reason = types.CloseTimeExit
		default:
			continue
		}
		closed = append(closed, om.close(sym, pos.CurrentPrice, reason, now))
	}
	return closed
}

// ClosePosition closes the position in symbol at price.
func (om *OrderManager) ClosePosition(symbol types.Symbol, price types.Price, reason types.CloseReason, now time.Time) (types.Trade, error) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if _, ok := om.positions[symbol]; !ok {
		return types.Trade{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	return om.close(symbol, price, reason, now), nil
}

// CloseAll closes every open position at its current price.
func (om *OrderManager) CloseAll(reason types.CloseReason, now time.Time) []types.Trade {
	om.mu.Lock()
	defer om.mu.Unlock()
	var closed []types.Trade
	for _, sym := range om.sortedSymbols() {
		closed = append(closed, om.close(sym, om.positions[sym].CurrentPrice, reason, now))
	}
	return closed
}

// close must be called with om.mu held.
func (om *OrderManager) close(sym types.Symbol, price types.Price, reason types.CloseReason, now time.Time) types.Trade {
	pos := om.positions[sym]
	pos.CurrentPrice = price

	trade := types.NewTrade(types.TradeParams{
		Symbol:      sym,
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Commission:  om.commission.Mul(decimal.NewFromInt(2)),
		Confidence:  pos.Confidence,
		OpenedAt:    pos.OpenedAt,
		ClosedAt:    now,
		CloseReason: reason,
		Source:      pos.Source,
	})

	om.cash = om.cash.Add(pos.MarketValue()).Sub(om.commission)
	delete(om.positions, sym)
	om.trades = append(om.trades, trade)
	om.sizer.RecordTrade(trade.NetPnL)
	om.sizer.UpdatePortfolio(om.portfolioValue())

	om.logger.Info("Position closed",
		zap.String("symbol", sym.String()),
		zap.String("reason", string(reason)),
		zap.String("netPnl", trade.NetPnL.StringFixed(2)),
		zap.String("outcome", string(trade.Outcome())),
	)
	return trade
}

func (om *OrderManager) sortedSymbols() []types.Symbol {
	syms := make([]types.Symbol, 0, len(om.positions))
	for sym := range om.positions {
		syms = append(syms, sym)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].String() < syms[j].String() })
	return syms
}

func (om *OrderManager) openValues() map[types.Symbol]decimal.Decimal {
	out := make(map[types.Symbol]decimal.Decimal, len(om.positions))
	for sym, pos := range om.positions {
		out[sym] = pos.MarketValue()
	}
	return out
}

func (om *OrderManager) portfolioValue() decimal.Decimal {
	total := om.cash
	for _, pos := range om.positions {
		total = total.Add(pos.MarketValue())
	}
	return total
}

// ResetDaily starts a new trading day in the risk manager.
func (om *OrderManager) ResetDaily() {
	om.mu.Lock()
	defer om.mu.Unlock()
	om.sizer.ResetDaily()
}

func (om *OrderManager) Cash() decimal.Decimal {
	om.mu.RLock()
	defer om.mu.RUnlock()
	return om.cash
}

// PortfolioValue is cash plus the market value of open positions.
func (om *OrderManager) PortfolioValue() decimal.Decimal {
	om.mu.RLock()
	defer om.mu.RUnlock()
	return om.portfolioValue()
}

// Positions returns copies of the open positions sorted by symbol.
func (om *OrderManager) Positions() []types.Position {
	om.mu.RLock()
	defer om.mu.RUnlock()
	out := make([]types.Position, 0, len(om.positions))
	for _, sym := range om.sortedSymbols() {
		out = append(out, *om.positions[sym])
	}
	return out
}

func (om *OrderManager) Position(symbol types.Symbol) (types.Position, bool) {
	om.mu.RLock()
	defer om.mu.RUnlock()
	pos, ok := om.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

func (om *OrderManager) HasPosition(symbol types.Symbol) bool {
	om.mu.RLock()
	defer om.mu.RUnlock()
	_, ok := om.positions[symbol]
	return ok
}

func (om *OrderManager) PositionCount() int {
	om.mu.RLock()
	defer om.mu.RUnlock()
	return len(om.positions)
}

// Trades returns a copy of the closed-trade history.
func (om *OrderManager) Trades() []types.Trade {
	om.mu.RLock()
	defer om.mu.RUnlock()
	out := make([]types.Trade, len(om.trades))
	copy(out, om.trades)
	return out
}

// Stats summarizes the order manager's state.
type Stats struct {
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	OpenPositions  int             `json:"openPositions"`
	TradeCount     int             `json:"tradeCount"`
	WinRate        float64         `json:"winRate"`
}

func (om *OrderManager) Stats() Stats {
	om.mu.RLock()
	defer om.mu.RUnlock()

	s := Stats{
		Cash:           om.cash,
		PortfolioValue: om.portfolioValue(),
		OpenPositions:  len(om.positions),
		TradeCount:     len(om.trades),
	}
	wins := 0
	for _, t := range om.trades {
		s.RealizedPnL = s.RealizedPnL.Add(t.NetPnL)
		if t.Outcome() == types.OutcomeWinner {
			wins++
		}
	}
	for _, pos := range om.positions {
		s.UnrealizedPnL = s.UnrealizedPnL.Add(pos.UnrealizedPnL())
	}
	if len(om.trades) > 0 {
		s.WinRate = float64(wins) / float64(len(om.trades)) * 100
	}
	return s
}

// RiskStats returns the risk manager's statistics.
func (om *OrderManager) RiskStats() risk.Stats {
	return om.sizer.RiskManager().Stats()
}

// KellyStats returns the Kelly sizer's trade statistics.
func (om *OrderManager) KellyStats() sizing.TradingStats {
	return om.sizer.Kelly().Stats()
}
