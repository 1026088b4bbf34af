package sizing

import (
	"errors"
	"fmt"

	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// assumedStopPct is the stop distance used to estimate risk when a signal
// carries no stop loss.
var assumedStopPct = decimal.NewFromFloat(0.02)

// Status is the outcome of a sizing request.
type Status string

const (
	StatusApproved Status = "approved"
	StatusReduced  Status = "reduced"
)

// Request is the input to IntegratedSizer.Size.
type Request struct {
	Signal        types.Signal
	Price         types.Price
	OpenPositions map[types.Symbol]decimal.Decimal
	MaxPositions  int
	Cash          decimal.Decimal
	// Quantity overrides Kelly sizing when non-zero. It is still risk-checked.
	Quantity uint64
}

// Decision is an approved (possibly reduced) position size.
type Decision struct {
	Symbol        types.Symbol    `json:"symbol"`
	Quantity      uint64          `json:"quantity"`
	PositionValue decimal.Decimal `json:"positionValue"`
	PositionPct   float64         `json:"positionPct"`
	RiskAmount    decimal.Decimal `json:"riskAmount"`
	RiskPct       float64         `json:"riskPct"`
	Method        Method          `json:"method"`
	KellyPct      *float64        `json:"kellyPct,omitempty"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

func (d Decision) String() string {
	s := fmt.Sprintf("%s: %d shares @ $%s (%.2f%% of portfolio, %.2f%% risk)",
		d.Symbol, d.Quantity, d.PositionValue.StringFixed(2), d.PositionPct, d.RiskPct)
	switch {
	case d.Status == StatusReduced:
		s += " [REDUCED] - " + d.Reason
	case d.KellyPct != nil:
		s += fmt.Sprintf(" [Kelly: %.2f%%]", *d.KellyPct)
	default:
		s += " [Fixed]"
	}
	return s
}

// IntegratedSizer combines Kelly sizing with the risk manager's checks.
type IntegratedSizer struct {
	logger         *zap.Logger
	kelly          *Kelly
	risk           *risk.Manager
	portfolioValue decimal.Decimal
}

// NewIntegratedSizer creates a sizer starting from the risk manager's
// current portfolio value.
func NewIntegratedSizer(logger *zap.Logger, kelly *Kelly, riskManager *risk.Manager) *IntegratedSizer {
	return &IntegratedSizer{
		logger:         logger.Named("position-sizer"),
		kelly:          kelly,
		risk:           riskManager,
		portfolioValue: riskManager.PortfolioValue(),
	}
}

func (s *IntegratedSizer) Kelly() *Kelly { return s.kelly }
func (s *IntegratedSizer) RiskManager() *risk.Manager { return s.risk }

// UpdatePortfolio sets the portfolio value used for sizing and risk.
func (s *IntegratedSizer) UpdatePortfolio(value decimal.Decimal) {
	s.portfolioValue = value
	s.risk.UpdatePortfolioValue(value)
}

// RecordTrade feeds a closed trade's net P&L to Kelly and the risk manager.
func (s *IntegratedSizer) RecordTrade(pnl decimal.Decimal) {
	s.kelly.RecordTrade(pnl.InexactFloat64())
	s.risk.RecordTrade(pnl)
}

func (s *IntegratedSizer) ResetDaily() { s.risk.ResetDaily() }

// Size computes a position for req. A rejected trade returns the
// *risk.Violation as the error.
func (s *IntegratedSizer) Size(req Request) (Decision, error) {
	sig := req.Signal
	conf := sig.Confidence
	summary := s.kelly.Summary(s.portfolioValue, req.Price, &conf)

	qty := summary.Quantity
	value := summary.PositionValue
	if req.Quantity > 0 {
		qty = req.Quantity
		value = req.Price.Decimal().Mul(decimal.NewFromInt(int64(qty)))
	}

	riskAmount := s.riskAmount(sig, req.Price, qty, value)
	result := s.risk.CheckTrade(risk.TradeRequest{
		Symbol:        sig.Symbol,
		PositionValue: value,
		RiskAmount:    riskAmount,
		OpenPositions: req.OpenPositions,
		MaxPositions:  req.MaxPositions,
		AvailableCash: req.Cash,
	})

	if result.Approved {
		return Decision{
			Symbol:        sig.Symbol,
			Quantity:      qty,
			PositionValue: value,
			PositionPct:   s.pctOfPortfolio(value),
			RiskAmount:    riskAmount,
			RiskPct:       s.pctOfPortfolio(riskAmount),
			Method:        summary.Method,
			KellyPct:      summary.KellyPct,
			Status:        StatusApproved,
		}, nil
	}

	v := result.Violation
	if v.Kind != risk.ViolationExcessiveRisk {
		return Decision{}, v
	}
	return s.reduce(req, summary, v)
}

// reduce shrinks the position to the largest size within the per-trade
// risk maximum and runs the remaining checks against that size.
func (s *IntegratedSizer) reduce(req Request, summary Summary, v *risk.Violation) (Decision, error) {
	maxRiskPct := s.risk.Config().MaxRiskPerTradePct
	maxRisk := pctValue(s.portfolioValue, maxRiskPct)
	price := req.Price.Decimal()

	var qty uint64
	if stop := req.Signal.StopLoss; stop != nil {
		perShare := price.Sub(stop.Decimal()).Abs()
		if perShare.IsPositive() {
			qty = uint64(maxRisk.Div(perShare).Floor().IntPart())
		}
	} else {
		qty = uint64(maxRisk.Div(assumedStopPct).Div(price).Floor().IntPart())
	}
	if qty == 0 {
		return Decision{}, v
	}

	value := price.Mul(decimal.NewFromInt(int64(qty)))
	riskAmount := s.riskAmount(req.Signal, req.Price, qty, value)
	// The smaller trade still has to pass the position, cash and group limits.
	recheck := s.risk.CheckTrade(risk.TradeRequest{
		Symbol:        req.Signal.Symbol,
		PositionValue: value,
		RiskAmount:    riskAmount,
		OpenPositions: req.OpenPositions,
		MaxPositions:  req.MaxPositions,
		AvailableCash: req.Cash,
	})
	if !recheck.Approved {
		return Decision{}, recheck.Violation
	}

	s.logger.Info("Position reduced to meet risk limit",
		zap.String("symbol", req.Signal.Symbol.String()),
		zap.Uint64("quantity", qty),
		zap.String("violation", v.Message),
	)
	return Decision{
		Symbol:        req.Signal.Symbol,
		Quantity:      qty,
		PositionValue: value,
		PositionPct:   s.pctOfPortfolio(value),
		RiskAmount:    riskAmount,
		RiskPct:       s.pctOfPortfolio(riskAmount),
		Method:        MethodFixed,
		KellyPct:      summary.KellyPct,
		Status:        StatusReduced,
		Reason:        v.Message,
	}, nil
}

func (s *IntegratedSizer) riskAmount(sig types.Signal, price types.Price, qty uint64, value decimal.Decimal) decimal.Decimal {
	if sig.StopLoss != nil {
		perShare := price.Decimal().Sub(sig.StopLoss.Decimal()).Abs()
		return perShare.Mul(decimal.NewFromInt(int64(qty)))
	}
	return value.Mul(assumedStopPct)
}

func (s *IntegratedSizer) pctOfPortfolio(v decimal.Decimal) float64 {
	if !s.portfolioValue.IsPositive() {
		return 0
	}
	return v.Mul(hundred).Div(s.portfolioValue).InexactFloat64()
}

// AsViolation extracts a risk violation from an error chain.
func AsViolation(err error) (*risk.Violation, bool) {
	var v *risk.Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
