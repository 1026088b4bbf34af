package data

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue types reported by the validator.
const (
	IssueNoData         = "NO_DATA"
	IssueGap            = "GAP_DETECTED"
	IssueZeroPrice      = "ZERO_PRICE"
	IssueExtremeMove    = "EXTREME_MOVE"
	IssueGapMove        = "GAP_MOVE"
	IssueZeroVolume     = "ZERO_VOLUME"
	IssueLowVolume      = "LOW_VOLUME"
	IssueVolumeSpike    = "VOLUME_SPIKE"
	IssueOHLC           = "OHLC_INCONSISTENT"
	IssueDuplicate      = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder     = "OUT_OF_ORDER"
	SeverityCritical    = "critical"
	SeverityHigh        = "high"
	SeverityMedium      = "medium"
	SeverityLow         = "low"
	minUsableQualityPct = 70
)

// QualityValidator checks historical bar integrity before a replay.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove   float64 // fraction, high vs low
	MaxGapMove        float64 // fraction, open vs previous close
	MinVolume         uint64
	MaxVolumeMultiple float64
}

// DataIssue represents a data quality problem
type DataIssue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Message   string    `json:"message"`
	Value     string    `json:"value,omitempty"`
	BarIndex  int       `json:"bar_index,omitempty"`
}

// QualityReport summarizes data quality assessment
type QualityReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"total_bars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"quality_score"`
	IsUsable     bool        `json:"is_usable"`

	GapCount           int `json:"gap_count"`
	PriceAnomalyCount  int `json:"price_anomaly_count"`
	VolumeAnomalyCount int `json:"volume_anomaly_count"`
	OHLCErrorCount     int `json:"ohlc_error_count"`

	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	Recommendations []string `json:"recommendations"`
}

// NewQualityValidator creates a validator with US equity defaults.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:            logger.Named("data-quality"),
		MaxIntradayMove:   0.20,
		MaxGapMove:        0.15,
		MinVolume:         1000,
		MaxVolumeMultiple: 10.0,
	}
}

// Validate runs all quality checks on a bar series.
func (v *QualityValidator) Validate(bars []types.Bar, symbol string) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol: symbol,
			Issues: []DataIssue{{Type: IssueNoData, Severity: SeverityCritical, Symbol: symbol, Message: "No data provided"}},
		}
	}

	issues := make([]DataIssue, 0)
	issues = append(issues, v.checkGaps(bars, symbol)...)
	issues = append(issues, v.checkPriceAnomalies(bars, symbol)...)
	issues = append(issues, v.checkVolumeAnomalies(bars, symbol)...)
	issues = append(issues, v.checkOHLCConsistency(bars, symbol)...)
	issues = append(issues, v.checkDuplicates(bars, symbol)...)
	issues = append(issues, v.checkChronologicalOrder(bars, symbol)...)

	score := qualityScore(len(bars), issues)
	return &QualityReport{
		Symbol:             symbol,
		TotalBars:          len(bars),
		Issues:             issues,
		QualityScore:       score,
		IsUsable:           score >= minUsableQualityPct && !hasCriticalIssues(issues),
		GapCount:           countIssuesByType(issues, IssueGap),
		PriceAnomalyCount:  countIssuesByType(issues, IssueZeroPrice, IssueExtremeMove, IssueGapMove),
		VolumeAnomalyCount: countIssuesByType(issues, IssueZeroVolume, IssueLowVolume, IssueVolumeSpike),
		OHLCErrorCount:     countIssuesByType(issues, IssueOHLC),
		StartDate:          bars[0].Timestamp,
		EndDate:            bars[len(bars)-1].Timestamp,
		Recommendations:    recommendations(issues, len(bars)),
	}
}

// checkGaps compares each interval against the median of the first ten.
// Daily data legitimately skips weekends, so only gaps beyond 3x the
// tolerated interval are reported.
func (v *QualityValidator) checkGaps(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	if len(bars) < 2 {
		return issues
	}

	intervals := make([]time.Duration, 0, 10)
	for i := 1; i < len(bars) && i <= 10; i++ {
		intervals = append(intervals, bars[i].Timestamp.Sub(bars[i-1].Timestamp))
	}
	sort.Slice(intervals, func(i, j int) bool { return intervals[i] < intervals[j] })
	expected := intervals[len(intervals)/2]
	maxInterval := expected + expected/2

	for i := 1; i < len(bars); i++ {
		actual := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if actual <= maxInterval*3 {
			continue
		}
		severity := SeverityHigh
		if actual > maxInterval*10 {
			severity = SeverityCritical
		}
		issues = append(issues, DataIssue{
			Type:      IssueGap,
			Severity:  severity,
			Timestamp: bars[i-1].Timestamp,
			Symbol:    symbol,
			Message:   "Data gap detected: " + actual.String() + " (expected ~" + expected.String() + ")",
			Value:     actual.String(),
			BarIndex:  i - 1,
		})
	}
	return issues
}

func (v *QualityValidator) checkPriceAnomalies(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	hundred := decimal.NewFromInt(100)

	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			issues = append(issues, DataIssue{
				Type:      IssueZeroPrice,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Zero or negative price detected",
				BarIndex:  i,
			})
			continue
		}

		intraday := bar.High.Sub(bar.Low).Div(bar.Low)
		if intraday.InexactFloat64() > v.MaxIntradayMove {
			issues = append(issues, DataIssue{
				Type:      IssueExtremeMove,
				Severity:  SeverityHigh,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Extreme intraday move: " + intraday.Mul(hundred).StringFixed(2) + "%",
				Value:     intraday.StringFixed(4),
				BarIndex:  i,
			})
		}

		if i == 0 || !bars[i-1].Close.IsPositive() {
			continue
		}
		prevClose := bars[i-1].Close
		move := bar.Open.Sub(prevClose).Div(prevClose).Abs()
		if move.InexactFloat64() > v.MaxGapMove {
			issues = append(issues, DataIssue{
				Type:      IssueGapMove,
				Severity:  SeverityMedium,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Large price gap: " + move.Mul(hundred).StringFixed(2) + "%",
				Value:     move.StringFixed(4),
				BarIndex:  i,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkVolumeAnomalies(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)

	var total float64
	nonZero := 0
	for _, bar := range bars {
		if bar.Volume > 0 {
			total += float64(bar.Volume)
			nonZero++
		}
	}
	var avg float64
	if nonZero > 0 {
		avg = total / float64(nonZero)
	}

	for i, bar := range bars {
		vol := strconv.FormatUint(bar.Volume, 10)
		if bar.Volume == 0 {
			issues = append(issues, DataIssue{
				Type:      IssueZeroVolume,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Zero volume bar",
				BarIndex:  i,
			})
			continue
		}
		if bar.Volume < v.MinVolume {
			issues = append(issues, DataIssue{
				Type:      IssueLowVolume,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Volume below threshold: " + vol,
				Value:     vol,
				BarIndex:  i,
			})
		}
		if avg > 0 && float64(bar.Volume) > avg*v.MaxVolumeMultiple {
			issues = append(issues, DataIssue{
				Type:      IssueVolumeSpike,
				Severity:  SeverityLow,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Volume spike: " + vol + " (" + strconv.FormatFloat(float64(bar.Volume)/avg, 'f', 1, 64) + "x average)",
				Value:     vol,
				BarIndex:  i,
			})
		}
	}
	return issues
}

// checkOHLCConsistency verifies High >= Open, Close, Low and Low <= Open, Close, High
func (v *QualityValidator) checkOHLCConsistency(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	for i, bar := range bars {
		ohlc := " (O:" + bar.Open.String() + " H:" + bar.High.String() + " L:" + bar.Low.String() + " C:" + bar.Close.String() + ")"
		if bar.High.LessThan(bar.Open) || bar.High.LessThan(bar.Close) || bar.High.LessThan(bar.Low) {
			issues = append(issues, DataIssue{
				Type:      IssueOHLC,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "High is not the highest price" + ohlc,
				BarIndex:  i,
			})
		}
		if bar.Low.GreaterThan(bar.Open) || bar.Low.GreaterThan(bar.Close) || bar.Low.GreaterThan(bar.High) {
			issues = append(issues, DataIssue{
				Type:      IssueOHLC,
				Severity:  SeverityCritical,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Low is not the lowest price" + ohlc,
				BarIndex:  i,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkDuplicates(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	seen := make(map[int64]int)
	for i, bar := range bars {
		ts := bar.Timestamp.UnixNano()
		if first, ok := seen[ts]; ok {
			issues = append(issues, DataIssue{
				Type:      IssueDuplicate,
				Severity:  SeverityHigh,
				Timestamp: bar.Timestamp,
				Symbol:    symbol,
				Message:   "Duplicate timestamp (also at index " + strconv.Itoa(first) + ")",
				BarIndex:  i,
			})
			continue
		}
		seen[ts] = i
	}
	return issues
}

func (v *QualityValidator) checkChronologicalOrder(bars []types.Bar, symbol string) []DataIssue {
	issues := make([]DataIssue, 0)
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, DataIssue{
				Type:      IssueOutOfOrder,
				Severity:  SeverityCritical,
				Timestamp: bars[i].Timestamp,
				Symbol:    symbol,
				Message:   "Bar is out of chronological order",
				BarIndex:  i,
			})
		}
	}
	return issues
}

// qualityScore weights issues by severity, normalized per hundred bars.
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case SeverityCritical:
			penalty += 10.0
		case SeverityHigh:
			penalty += 5.0
		case SeverityMedium:
			penalty += 2.0
		case SeverityLow:
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)
	return int(math.Max(0, math.Min(100, score)))
}

func hasCriticalIssues(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func recommendations(issues []DataIssue, totalBars int) []string {
	recs := make([]string, 0)
	counts := make(map[string]int)
	for _, issue := range issues {
		counts[issue.Type]++
	}

	if counts[IssueGap] > 0 {
		recs = append(recs, "Fill data gaps or remove affected periods")
	}
	if counts[IssueOHLC] > 0 {
		recs = append(recs, "OHLC inconsistencies detected, verify data source integrity")
	}
	if counts[IssueExtremeMove] > totalBars/100 {
		recs = append(recs, "Many extreme price moves detected, check for unadjusted splits")
	}
	if counts[IssueZeroVolume] > totalBars/10 {
		recs = append(recs, "High proportion of zero volume bars")
	}
	if counts[IssueDuplicate] > 0 {
		recs = append(recs, "Remove duplicate timestamps before backtesting")
	}
	if counts[IssueOutOfOrder] > 0 {
		recs = append(recs, "Sort data by timestamp before use")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}
	return recs
}

func countIssuesByType(issues []DataIssue, kinds ...string) int {
	count := 0
	for _, issue := range issues {
		for _, k := range kinds {
			if issue.Type == k {
				count++
				break
			}
		}
	}
	return count
}

// CleanData sorts bars, drops duplicates and non-positive prices, and widens
// High/Low to cover Open and Close. The input slice is not modified.
func (v *QualityValidator) CleanData(bars []types.Bar) []types.Bar {
	if len(bars) == 0 {
		return bars
	}

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	cleaned := make([]types.Bar, 0, len(sorted))
	seen := make(map[int64]bool)
	for _, bar := range sorted {
		ts := bar.Timestamp.UnixNano()
		if seen[ts] {
			continue
		}
		seen[ts] = true

		if bar.High.LessThan(bar.Low) {
			continue
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}

		bar.High = decimal.Max(bar.Open, bar.High, bar.Close)
		bar.Low = decimal.Min(bar.Open, bar.Low, bar.Close)
		cleaned = append(cleaned, bar)
	}

	v.logger.Info("Data cleaning complete",
		zap.Int("original_bars", len(bars)),
		zap.Int("cleaned_bars", len(cleaned)),
		zap.Int("removed", len(bars)-len(cleaned)),
	)
	return cleaned
}
