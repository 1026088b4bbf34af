package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// SideOf returns the side implied by a signed quantity.
func SideOf(q Quantity) Side {
	if q.IsSell() {
		return SideShort
	}
	return SideLong
}

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTakeProfit     CloseReason = "take_profit"
	CloseSignalReverse  CloseReason = "signal_reverse"
	CloseRiskManagement CloseReason = "risk_management"
	CloseEndOfData      CloseReason = "end_of_data"
	CloseTimeExit       CloseReason = "time_exit"
)

// Position is an open holding.
type Position struct {
	Symbol       Symbol     `json:"symbol"`
	Quantity     Quantity   `json:"quantity"`
	EntryPrice   Price      `json:"entry_price"`
	CurrentPrice Price      `json:"current_price"`
	StopLoss     *Price     `json:"stop_loss,omitempty"`
	TakeProfit   *Price     `json:"take_profit,omitempty"`
	Confidence   Confidence `json:"confidence"`
	OpenedAt     time.Time  `json:"opened_at"`
	Source       string     `json:"source"`
}

func (p Position) Side() Side { return SideOf(p.Quantity) }

// UnrealizedPnL is (current - entry) * quantity, negative for losing shorts.
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.d.Sub(p.EntryPrice.d).Mul(p.Quantity.Decimal())
}

func (p Position) UnrealizedPnLPct() float64 {
	cost := p.CostBasis()
	if cost.IsZero() {
		return 0
	}
	return p.UnrealizedPnL().Div(cost).InexactFloat64() * 100
}

// CostBasis is entry * |quantity|.
func (p Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.d.Mul(decimal.NewFromInt(int64(p.Quantity.Abs())))
}

// MarketValue is the cash the position would return if closed at the current price.
func (p Position) MarketValue() decimal.Decimal {
	return p.CostBasis().Add(p.UnrealizedPnL())
}

// StopLossHit compares price with the stop on the losing side of the entry.
func (p Position) StopLossHit(price Price) bool {
	if p.StopLoss == nil {
		return false
	}
	if p.Quantity.IsBuy() {
		return price.d.LessThanOrEqual(p.StopLoss.d)
	}
	return price.d.GreaterThanOrEqual(p.StopLoss.d)
}

func (p Position) TakeProfitHit(price Price) bool {
	if p.TakeProfit == nil {
		return false
	}
	if p.Quantity.IsBuy() {
		return price.d.GreaterThanOrEqual(p.TakeProfit.d)
	}
	return price.d.LessThanOrEqual(p.TakeProfit.d)
}

// Outcome classifies a closed trade.
type Outcome string

const (
	OutcomeWinner    Outcome = "winner"
	OutcomeLoser     Outcome = "loser"
	OutcomeBreakeven Outcome = "breakeven"
)

var breakevenEpsilon = decimal.NewFromFloat(0.01)

// Trade is a closed round trip.
type Trade struct {
	ID          uuid.UUID       `json:"id"`
	Symbol      Symbol          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    Quantity        `json:"quantity"`
	EntryPrice  Price           `json:"entry_price"`
	ExitPrice   Price           `json:"exit_price"`
	EntryFill   Price           `json:"entry_fill"`
	ExitFill    Price           `json:"exit_fill"`
	GrossPnL    decimal.Decimal `json:"gross_pnl"`
	Commission  decimal.Decimal `json:"commission"`
	Slippage    decimal.Decimal `json:"slippage"`
	NetPnL      decimal.Decimal `json:"net_pnl"`
	PnLPct      float64         `json:"pnl_pct"`
	Confidence  Confidence      `json:"confidence"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
	CloseReason CloseReason     `json:"close_reason"`
	Source      string          `json:"source"`
}

// TradeParams carries the inputs of NewTrade.
type TradeParams struct {
	Symbol      Symbol
	Quantity    Quantity
	EntryPrice  Price
	ExitPrice   Price
	EntryFill   Price
	ExitFill    Price
	Commission  decimal.Decimal
	Confidence  Confidence
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason CloseReason
	Source      string
}

// NewTrade derives the P&L breakdown. Fills default to the reference prices.
//
//	gross    = (exit - entry) * q
//	slippage = (|entryFill - entry| + |exitFill - exit|) * |q|
//	net      = gross - commission - slippage
func NewTrade(p TradeParams) Trade {
	if p.EntryFill.IsZero() {
		p.EntryFill = p.EntryPrice
	}
	if p.ExitFill.IsZero() {
		p.ExitFill = p.ExitPrice
	}
	q := p.Quantity.Decimal()
	absQ := decimal.NewFromInt(int64(p.Quantity.Abs()))

	gross := p.ExitPrice.d.Sub(p.EntryPrice.d).Mul(q)
	slip := p.EntryFill.d.Sub(p.EntryPrice.d).Abs().
		Add(p.ExitFill.d.Sub(p.ExitPrice.d).Abs()).
		Mul(absQ)
	net := gross.Sub(p.Commission).Sub(slip)

	var pct float64
	if cost := p.EntryPrice.d.Mul(absQ); !cost.IsZero() {
		pct = net.Div(cost).InexactFloat64() * 100
	}

	return Trade{
		ID:          uuid.New(),
		Symbol:      p.Symbol,
		Side:        SideOf(p.Quantity),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		EntryFill:   p.EntryFill,
		ExitFill:    p.ExitFill,
		GrossPnL:    gross,
		Commission:  p.Commission,
		Slippage:    slip,
		NetPnL:      net,
		PnLPct:      pct,
		Confidence:  p.Confidence,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
		CloseReason: p.CloseReason,
		Source:      p.Source,
	}
}

func (t Trade) HoldDuration() time.Duration {
	return t.ClosedAt.Sub(t.OpenedAt)
}

func (t Trade) Outcome() Outcome {
	switch {
	case t.NetPnL.GreaterThan(breakevenEpsilon):
		return OutcomeWinner
	case t.NetPnL.LessThan(breakevenEpsilon.Neg()):
		return OutcomeLoser
	default:
		return OutcomeBreakeven
	}
}
