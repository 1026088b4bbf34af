package backtester

import (
	"encoding/json"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
)

const (
	tradingDaysPerYear = 252.0
	riskFreeRate       = 0.02
)

// Ratio is a float64 that encodes infinities and NaN as JSON null.
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

// Metrics scores a backtest. Percentages are whole numbers.
type Metrics struct {
	TotalReturnPct      float64    `json:"totalReturnPct"`
	AnnualizedReturnPct float64    `json:"annualizedReturnPct"`
	SharpeRatio         Ratio      `json:"sharpeRatio"`
	SortinoRatio        Ratio      `json:"sortinoRatio"`
	MaxDrawdownPct      float64    `json:"maxDrawdownPct"`
	CalmarRatio         Ratio      `json:"calmarRatio"`
	Periods             int        `json:"periods"`
	Returns             []float64  `json:"-"`
	Trades              TradeStats `json:"trades"`
}

// TradeStats summarizes closed trades by net P&L.
type TradeStats struct {
	TotalTrades          int           `json:"totalTrades"`
	WinningTrades        int           `json:"winningTrades"`
	LosingTrades         int           `json:"losingTrades"`
	WinRatePct           float64       `json:"winRatePct"`
	AvgWin               float64       `json:"avgWin"`
	AvgLoss              float64       `json:"avgLoss"`
	LargestWin           float64       `json:"largestWin"`
	LargestLoss          float64       `json:"largestLoss"`
	ProfitFactor         Ratio         `json:"profitFactor"`
	Expectancy           float64       `json:"expectancy"`
	AvgHoldTime          time.Duration `json:"avgHoldTime"`
	MaxConsecutiveWins   int           `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses int           `json:"maxConsecutiveLosses"`
}

// IsGood reports whether the run clears the minimum bar for a tradable
// strategy: Sharpe above 1, drawdown shallower than 20%, win rate above 40%
// and profit factor above 1.5.
func (m Metrics) IsGood() bool {
	return m.SharpeRatio > 1 &&
		m.MaxDrawdownPct > -20 &&
		m.Trades.WinRatePct > 40 &&
		m.Trades.ProfitFactor > 1.5
}

// Grade buckets the run by Sharpe and profit factor.
func (m Metrics) Grade() string {
	sharpe, pf := float64(m.SharpeRatio), float64(m.Trades.ProfitFactor)
	switch {
	case sharpe > 3 && pf > 3:
		return "A+"
	case sharpe > 2 && pf > 2.5:
		return "A"
	case sharpe > 1.5 && pf > 2:
		return "B"
	case sharpe > 1 && pf > 1.5:
		return "C"
	case sharpe > 0.5:
		return "D"
	default:
		return "F"
	}
}

// CalculateMetrics scores an equity curve and its closed trades. periods is
// the number of trading days the curve covers.
func CalculateMetrics(equity []float64, trades []types.Trade, initialCapital float64, periods int) Metrics {
	final := initialCapital
	if len(equity) > 0 {
		final = equity[len(equity)-1]
	}

	m := Metrics{Periods: periods, Trades: CalculateTradeStats(trades)}
	if initialCapital > 0 {
		m.TotalReturnPct = (final - initialCapital) / initialCapital * 100
		if periods > 0 {
			years := float64(periods) / tradingDaysPerYear
			m.AnnualizedReturnPct = (math.Pow(final/initialCapital, 1/years) - 1) * 100
		}
	}

	m.Returns = periodReturns(equity)
	m.SharpeRatio = Ratio(sharpe(m.Returns))
	m.SortinoRatio = Ratio(sortino(m.Returns))
	m.MaxDrawdownPct = maxDrawdown(equity)
	if math.Abs(m.MaxDrawdownPct) > 0.01 {
		m.CalmarRatio = Ratio(m.AnnualizedReturnPct / math.Abs(m.MaxDrawdownPct))
	}
	return m
}

// CalculateTradeStats computes win/loss statistics in trade order.
func CalculateTradeStats(trades []types.Trade) TradeStats {
	var s TradeStats
	if len(trades) == 0 {
		return s
	}
	s.TotalTrades = len(trades)

	var totalWins, totalLosses, totalPnL float64
	var totalHold time.Duration
	var wins, losses int
	for _, t := range trades {
		pnl := t.NetPnL.InexactFloat64()
		totalPnL += pnl
		totalHold += t.HoldDuration()

		switch t.Outcome() {
		case types.OutcomeWinner:
			s.WinningTrades++
			totalWins += pnl
			s.LargestWin = math.Max(s.LargestWin, pnl)
			wins, losses = wins+1, 0
			s.MaxConsecutiveWins = max(s.MaxConsecutiveWins, wins)
		case types.OutcomeLoser:
			s.LosingTrades++
			totalLosses += pnl
			s.LargestLoss = math.Min(s.LargestLoss, pnl)
			wins, losses = 0, losses+1
			s.MaxConsecutiveLosses = max(s.MaxConsecutiveLosses, losses)
		}
	}

	s.WinRatePct = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	if s.WinningTrades > 0 {
		s.AvgWin = totalWins / float64(s.WinningTrades)
	}
	if s.LosingTrades > 0 {
		s.AvgLoss = totalLosses / float64(s.LosingTrades)
	}
	switch {
	case math.Abs(totalLosses) > 0.01:
		s.ProfitFactor = Ratio(totalWins / math.Abs(totalLosses))
	case s.WinningTrades > 0:
		s.ProfitFactor = Ratio(math.Inf(1))
	}
	s.Expectancy = totalPnL / float64(s.TotalTrades)
	s.AvgHoldTime = totalHold / time.Duration(s.TotalTrades)
	return s
}

func periodReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		out = append(out, (equity[i]-equity[i-1])/equity[i-1])
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the population standard deviation.
func stdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mu := mean(values)
	var sumSquares float64
	for _, v := range values {
		d := v - mu
		sumSquares += d * d
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

func sharpe(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sd := stdDev(returns)
	if sd < 1e-10 {
		return 0
	}
	return (mean(returns)*tradingDaysPerYear - riskFreeRate) / (sd * math.Sqrt(tradingDaysPerYear))
}

// sortino uses the root mean square of negative returns as downside
// deviation. No negative returns yields +Inf.
func sortino(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var sumSquares float64
	var n int
	for _, r := range returns {
		if r < 0 {
			sumSquares += r * r
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	dd := math.Sqrt(sumSquares / float64(n))
	if dd < 1e-10 {
		return 0
	}
	return (mean(returns)*tradingDaysPerYear - riskFreeRate) / (dd * math.Sqrt(tradingDaysPerYear))
}

// maxDrawdown returns the deepest peak-to-trough decline as a negative
// percentage, or 0 for a curve that never declines.
func maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	var worst float64
	peak := equity[0]
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (v - peak) / peak * 100; dd < worst {
			worst = dd
		}
	}
	return worst
}
