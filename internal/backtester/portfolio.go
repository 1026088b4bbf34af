package backtester

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrInsufficientCash is returned when an entry costs more than the cash on hand.
var ErrInsufficientCash = errors.New("insufficient cash")

// holding is an open position plus the price it was actually filled at.
type holding struct {
	pos  types.Position
	fill types.Price
}

// value is the fill cost plus the unrealized move from the fill.
func (h *holding) value() decimal.Decimal {
	q := h.pos.Quantity
	absQ := decimal.NewFromInt(int64(q.Abs()))
	return h.fill.Decimal().Mul(absQ).
		Add(h.pos.CurrentPrice.Decimal().Sub(h.fill.Decimal()).Mul(q.Decimal()))
}

// Portfolio is the simulated book for one replay. Cash is debited the full
// fill cost plus commission on entry and credited the proceeds less
// commission on exit, so cash plus open value always equals equity.
type Portfolio struct {
	mu          sync.RWMutex
	cash        decimal.Decimal
	initialCash decimal.Decimal
	commission  decimal.Decimal
	slippage    SlippageModel
	positions   map[types.Symbol]*holding
	peakEquity  decimal.Decimal
}

// NewPortfolio creates an empty book.
func NewPortfolio(initialCash, commission decimal.Decimal, slippage SlippageModel) *Portfolio {
	return &Portfolio{
		cash:        initialCash,
		initialCash: initialCash,
		commission:  commission,
		slippage:    slippage,
		positions:   make(map[types.Symbol]*holding),
		peakEquity:  initialCash,
	}
}

func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Equity returns cash plus the value of open positions.
func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity()
}

// Drawdown returns the current decline from peak equity as a fraction.
func (p *Portfolio) Drawdown() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.peakEquity.IsPositive() {
		return 0
	}
	return p.peakEquity.Sub(p.equity()).Div(p.peakEquity).InexactFloat64()
}

func (p *Portfolio) Position(sym types.Symbol) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.positions[sym]
	if !ok {
		return types.Position{}, false
	}
	return h.pos, true
}

func (p *Portfolio) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// Symbols returns the held symbols, sorted.
func (p *Portfolio) Symbols() []types.Symbol {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.symbols()
}

// Exposure returns the current value of every open position.
func (p *Portfolio) Exposure() map[types.Symbol]decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[types.Symbol]decimal.Decimal, len(p.positions))
	for sym, h := range p.positions {
		out[sym] = h.value()
	}
	return out
}

// UpdatePrices marks open positions to the snapshot.
func (p *Portfolio) UpdatePrices(snapshot *types.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sym, h := range p.positions {
		if md, ok := snapshot.Get(sym); ok {
			h.pos.CurrentPrice = md.CurrentPrice()
		}
	}
	p.updatePeak()
}

// Open fills pos at its entry price adjusted for slippage.
func (p *Portfolio) Open(pos types.Position) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[pos.Symbol]; ok {
		return fmt.Errorf("position already open: %s", pos.Symbol)
	}
	fill := entryFill(p.slippage, pos.EntryPrice, pos.Quantity)
	cost := fill.Decimal().Mul(decimal.NewFromInt(int64(pos.Quantity.Abs()))).Add(p.commission)
	if cost.GreaterThan(p.cash) {
		return fmt.Errorf("%w: need $%s, have $%s", ErrInsufficientCash, cost.StringFixed(2), p.cash.StringFixed(2))
	}

	p.cash = p.cash.Sub(cost)
	pos.CurrentPrice = pos.EntryPrice
	p.positions[pos.Symbol] = &holding{pos: pos, fill: fill}
	return nil
}

// Close exits the position for sym at price. ok is false when nothing is held.
func (p *Portfolio) Close(sym types.Symbol, price types.Price, reason types.CloseReason, at time.Time) (types.Trade, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.close(sym, price, reason, at)
}

// CloseAll exits every position at its last marked price, in symbol order.
func (p *Portfolio) CloseAll(reason types.CloseReason, at time.Time) []types.Trade {
	p.mu.Lock()
	defer p.mu.Unlock()

	var trades []types.Trade
	for _, sym := range p.symbols() {
		if t, ok := p.close(sym, p.positions[sym].pos.CurrentPrice, reason, at); ok {
			trades = append(trades, t)
		}
	}
	return trades
}

func (p *Portfolio) close(sym types.Symbol, price types.Price, reason types.CloseReason, at time.Time) (types.Trade, bool) {
	h, ok := p.positions[sym]
	if !ok {
		return types.Trade{}, false
	}
	q := h.pos.Quantity
	exit := exitFill(p.slippage, price, q)

	trade := types.NewTrade(types.TradeParams{
		Symbol:      sym,
		Quantity:    q,
		EntryPrice:  h.pos.EntryPrice,
		ExitPrice:   price,
		EntryFill:   h.fill,
		ExitFill:    exit,
		Commission:  p.commission.Mul(decimal.NewFromInt(2)),
		Confidence:  h.pos.Confidence,
		OpenedAt:    h.pos.OpenedAt,
		ClosedAt:    at,
		CloseReason: reason,
		Source:      h.pos.Source,
	})

	h.pos.CurrentPrice = exit
	p.cash = p.cash.Add(h.value()).Sub(p.commission)
	delete(p.positions, sym)
	p.updatePeak()
	return trade, true
}

func (p *Portfolio) equity() decimal.Decimal {
	total := p.cash
	for _, h := range p.positions {
		total = total.Add(h.value())
	}
	return total
}

func (p *Portfolio) updatePeak() {
	if eq := p.equity(); eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
}

func (p *Portfolio) symbols() []types.Symbol {
	syms := make([]types.Symbol, 0, len(p.positions))
	for sym := range p.positions {
		syms = append(syms, sym)
	}
	sort.Slice(syms, func(i, j int) bool { return syms[i].String() < syms[j].String() })
	return syms
}
