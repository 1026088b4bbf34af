package backtester

import (
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageModel adjusts a reference price to the simulated fill.
type SlippageModel interface {
	Fill(price types.Price, buy bool) types.Price
}

// FixedPctSlippage moves buy fills up and sell fills down by Pct percent.
type FixedPctSlippage struct {
	Pct decimal.Decimal
}

func NewFixedPctSlippage(pct float64) *FixedPctSlippage {
	return &FixedPctSlippage{Pct: decimal.NewFromFloat(pct)}
}

func (f *FixedPctSlippage) Fill(price types.Price, buy bool) types.Price {
	adj := price.Decimal().Mul(f.Pct).Div(decimal.NewFromInt(100))
	if !buy {
		adj = adj.Neg()
	}
	filled, err := types.PriceFromDecimal(price.Decimal().Add(adj))
	if err != nil {
		return price
	}
	return filled
}

// entryFill is the fill when opening a position of quantity q.
func entryFill(m SlippageModel, price types.Price, q types.Quantity) types.Price {
	return m.Fill(price, q.IsBuy())
}

// exitFill is the fill when closing a position of quantity q.
func exitFill(m SlippageModel, price types.Price, q types.Quantity) types.Price {
	return m.Fill(price, q.IsSell())
}
