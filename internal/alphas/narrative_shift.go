package alphas

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Narrative is a market story whose tone is tracked as a score in [-1, 1].
type Narrative string

const (
	NarrativeInflation      Narrative = "inflation"
	NarrativeInterestRates  Narrative = "interest_rates"
	NarrativeGrowth         Narrative = "growth"
	NarrativeRiskAppetite   Narrative = "risk_appetite"
	NarrativeSectorRotation Narrative = "sector_rotation"
	NarrativeGeopolitical   Narrative = "geopolitical"
)

// narratives is the evaluation order; earlier narratives win confidence ties.
var narratives = []Narrative{
	NarrativeInflation,
	NarrativeInterestRates,
	NarrativeGrowth,
	NarrativeRiskAppetite,
	NarrativeSectorRotation,
	NarrativeGeopolitical,
}

func (n Narrative) describe() string {
	switch n {
	case NarrativeInflation:
		return "Inflation expectations"
	case NarrativeInterestRates:
		return "Interest rate outlook"
	case NarrativeGrowth:
		return "Economic growth expectations"
	case NarrativeRiskAppetite:
		return "Risk sentiment"
	case NarrativeSectorRotation:
		return "Sector rotation"
	case NarrativeGeopolitical:
		return "Geopolitical environment"
	default:
		return string(n)
	}
}

// action maps a shift in n to a trade. A rising score is hawkish for rates,
// hotter for inflation and more tense for geopolitics, so those trade
// against the shift. Sector rotation has no market-wide direction.
func (n Narrative) action(dir Sentiment) (types.SignalAction, bool) {
	if dir == SentimentNeutral || n == NarrativeSectorRotation {
		return "", false
	}
	bullish := dir == SentimentBullish
	switch n {
	case NarrativeInflation, NarrativeInterestRates, NarrativeGeopolitical:
		bullish = !bullish
	}
	if bullish {
		return types.ActionBuy, true
	}
	return types.ActionSell, true
}

// Sentiment is the direction of a narrative score or of a shift in it.
type Sentiment int

const (
	SentimentBearish Sentiment = iota - 1
	SentimentNeutral
	SentimentBullish
)

// SentimentOf buckets a score: above 0.3 is bullish, below -0.3 bearish.
func SentimentOf(score float64) Sentiment {
	switch {
	case score > 0.3:
		return SentimentBullish
	case score < -0.3:
		return SentimentBearish
	default:
		return SentimentNeutral
	}
}

func (s Sentiment) String() string {
	switch s {
	case SentimentBullish:
		return "bullish"
	case SentimentBearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// NarrativeConfig holds the NarrativeShift thresholds.
type NarrativeConfig struct {
	ShiftThreshold float64       `json:"shiftThreshold" mapstructure:"shift_threshold"`
	MinConfidence  float64       `json:"minConfidence" mapstructure:"min_confidence"`
	Cooldown       time.Duration `json:"cooldown" mapstructure:"cooldown"`
	Window         time.Duration `json:"window" mapstructure:"window"`
	StopLossPct    float64       `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	TakeProfitPct  float64       `json:"takeProfitPct" mapstructure:"take_profit_pct"`
}

func DefaultNarrativeConfig() NarrativeConfig {
	return NarrativeConfig{
		ShiftThreshold: 0.4,
		MinConfidence:  0.6,
		Cooldown:       48 * time.Hour,
		Window:         30 * 24 * time.Hour,
		StopLossPct:    3,
		TakeProfitPct:  6,
	}
}

type scorePoint struct {
	at    time.Time
	score float64
}

// narrativeTracker keeps the scores seen inside the window and the
// confidence of the latest one.
type narrativeTracker struct {
	history    []scorePoint
	confidence float64
}

func (t *narrativeTracker) update(score, confidence float64, at time.Time, window time.Duration) {
	t.history = append(t.history, scorePoint{at: at, score: score})
	kept := t.history[:0]
	for _, p := range t.history {
		if at.Sub(p.at) < window {
			kept = append(kept, p)
		}
	}
	t.history = kept
	t.confidence = confidence
}

// shift is the average of the newest third of the scores minus the average
// of the same number of scores just before them.
func (t *narrativeTracker) shift() float64 {
	n := len(t.history)
	if n < 2 {
		return 0
	}
	k := max(n/3, 1)
	var recent, older float64
	for _, p := range t.history[n-k:] {
		recent += p.score
	}
	for _, p := range t.history[n-2*k : n-k] {
		older += p.score
	}
	return (recent - older) / float64(k)
}

// NarrativeShift trades changes in the tone of market narratives rather than
// their level. Market data stands in for the narrative feeds: VIX drives
// risk appetite and the intraday move drives growth. Other narratives are
// fed through UpdateNarrative.
type NarrativeShift struct {
	statsRecorder
	logger *zap.Logger
	config NarrativeConfig

	mu         sync.Mutex
	trackers   map[types.Symbol]map[Narrative]*narrativeTracker
	lastSignal map[types.Symbol]time.Time
	pending    []types.Signal
}

func NewNarrativeShift(logger *zap.Logger, config NarrativeConfig) *NarrativeShift {
	return &NarrativeShift{
		logger:     logger.Named("narrative-shift"),
		config:     config,
		trackers:   make(map[types.Symbol]map[Narrative]*narrativeTracker),
		lastSignal: make(map[types.Symbol]time.Time),
	}
}

func (a *NarrativeShift) Name() string { return "NarrativeShift" }

func (a *NarrativeShift) Stats() Stats { return a.read(a.Name()) }

func (a *NarrativeShift) Reset() {
	a.mu.Lock()
	a.trackers = make(map[types.Symbol]map[Narrative]*narrativeTracker)
	a.lastSignal = make(map[types.Symbol]time.Time)
	a.pending = nil
	a.mu.Unlock()
	a.reset()
}

// UpdateNarrative records a score for one narrative of sym. The score is
// clamped to [-1, 1].
func (a *NarrativeShift) UpdateNarrative(sym types.Symbol, n Narrative, score, confidence float64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateLocked(sym, n, score, confidence, at)
}

func (a *NarrativeShift) updateLocked(sym types.Symbol, n Narrative, score, confidence float64, at time.Time) {
	byNarrative, ok := a.trackers[sym]
	if !ok {
		byNarrative = make(map[Narrative]*narrativeTracker)
		a.trackers[sym] = byNarrative
	}
	t, ok := byNarrative[n]
	if !ok {
		t = &narrativeTracker{}
		byNarrative[n] = t
	}
	t.update(math.Max(-1, math.Min(1, score)), confidence, at, a.config.Window)
}

// Update scores the proxy narratives and queues at most one signal per
// symbol outside its cooldown.
func (a *NarrativeShift) Update(snapshot *types.MarketSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := snapshot.Timestamp
	a.pending = a.pending[:0]
	for _, sym := range snapshot.Symbols() {
		md, _ := snapshot.Get(sym)
		if md.VIX != nil {
			a.updateLocked(sym, NarrativeRiskAppetite, riskAppetiteScore(*md.VIX), 0.7, now)
		}
		if change, ok := md.IntradayChangePct(); ok {
			// +-5% maps to +-1
			a.updateLocked(sym, NarrativeGrowth, change/5, 0.6, now)
		}

		if last, ok := a.lastSignal[sym]; ok && now.Sub(last) < a.config.Cooldown {
			continue
		}
		sig, ok := a.detect(md, now)
		if !ok {
			continue
		}
		a.lastSignal[sym] = now
		a.pending = append(a.pending, sig)
	}
}

// riskAppetiteScore is risk-on below VIX 15, risk-off above 25, and linear
// in between.
func riskAppetiteScore(vix float64) float64 {
	switch {
	case vix < 15:
		return 0.8
	case vix > 25:
		return -0.8
	default:
		return (25 - vix) / 10
	}
}

func (a *NarrativeShift) detect(md types.MarketData, now time.Time) (types.Signal, bool) {
	var (
		best      Narrative
		bestShift float64
		bestConf  float64
		action    types.SignalAction
		found     bool
	)
	for _, n := range narratives {
		t, ok := a.trackers[md.Symbol][n]
		if !ok || t.confidence < a.config.MinConfidence {
			continue
		}
		shift := t.shift()
		if math.Abs(shift) <= a.config.ShiftThreshold {
			continue
		}
		act, ok := n.action(SentimentOf(shift))
		if !ok || (found && t.confidence <= bestConf) {
			continue
		}
		best, bestShift, bestConf, action, found = n, shift, t.confidence, act, true
	}
	if !found {
		return types.Signal{}, false
	}

	sig, err := a.signal(md, now, best, bestShift, bestConf, action)
	if err != nil {
		a.logger.Debug("Skipping narrative shift", zap.String("symbol", md.Symbol.String()), zap.Error(err))
		return types.Signal{}, false
	}
	a.logger.Debug("Narrative shift detected",
		zap.String("symbol", md.Symbol.String()),
		zap.String("narrative", string(best)),
		zap.Float64("shift", bestShift),
	)
	return sig, true
}

func (a *NarrativeShift) signal(md types.MarketData, now time.Time, n Narrative, shift, confidence float64, action types.SignalAction) (types.Signal, error) {
	conf, err := types.NewConfidence(confidence)
	if err != nil {
		return types.Signal{}, err
	}
	price := md.CurrentPrice()
	stopPct, targetPct := -a.config.StopLossPct, a.config.TakeProfitPct
	if action == types.ActionSell {
		stopPct, targetPct = -stopPct, -targetPct
	}
	stop, err := pctOffset(price, stopPct)
	if err != nil {
		return types.Signal{}, err
	}
	target, err := pctOffset(price, targetPct)
	if err != nil {
		return types.Signal{}, err
	}

	dir := SentimentOf(shift)
	tone := "becoming more positive"
	if dir == SentimentBearish {
		tone = "becoming more negative"
	}
	reason := fmt.Sprintf("Narrative shift detected: %s is %s", n.describe(), tone)

	return types.NewSignal(md.Symbol, action, conf, reason, a.Name()).
		WithTargetPrice(price).
		WithStopLoss(stop).
		WithTakeProfit(target).
		WithTimestamp(now).
		WithMetadata("narrative", string(n)).
		WithMetadata("direction", dir.String()).
		WithMetadata("shift_magnitude", fmt.Sprintf("%.2f", shift)), nil
}

func (a *NarrativeShift) GenerateSignals(ctx context.Context) ([]types.Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Signal, len(a.pending))
	copy(out, a.pending)
	for _, sig := range out {
		a.record(sig)
	}
	return out, nil
}
