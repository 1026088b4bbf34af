package alphas

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// PanicLevel grades market stress by the number of fear indicators firing.
type PanicLevel int

const (
	PanicNone PanicLevel = iota
	PanicMild
	PanicModerate
	PanicSevere
)

func (l PanicLevel) String() string {
	switch l {
	case PanicMild:
		return "mild"
	case PanicModerate:
		return "moderate"
	case PanicSevere:
		return "severe"
	default:
		return "none"
	}
}

// PanicConfig holds the PanicDetector thresholds.
type PanicConfig struct {
	VIXThreshold     float64       `json:"vixThreshold" mapstructure:"vix_threshold"`
	PutCallThreshold float64       `json:"putCallThreshold" mapstructure:"put_call_threshold"`
	DeclinePct       float64       `json:"declinePct" mapstructure:"decline_pct"`
	Cooldown         time.Duration `json:"cooldown" mapstructure:"cooldown"`
	StopLossPct      float64       `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	TakeProfitPct    float64       `json:"takeProfitPct" mapstructure:"take_profit_pct"`
}

func DefaultPanicConfig() PanicConfig {
	return PanicConfig{
		VIXThreshold:     30,
		PutCallThreshold: 1.5,
		DeclinePct:       3,
		Cooldown:         24 * time.Hour,
		StopLossPct:      2,
		TakeProfitPct:    4,
	}
}

// PanicDetector buys sharp fear-driven selloffs. A symbol is only signalled
// at moderate or severe panic, and then not again until the cooldown has
// passed in snapshot time.
type PanicDetector struct {
	statsRecorder
	logger *zap.Logger
	config PanicConfig

	mu         sync.Mutex
	snapshot   *types.MarketSnapshot
	lastSignal map[types.Symbol]time.Time
}

func NewPanicDetector(logger *zap.Logger, config PanicConfig) *PanicDetector {
	return &PanicDetector{
		logger:     logger.Named("panic-detector"),
		config:     config,
		lastSignal: make(map[types.Symbol]time.Time),
	}
}

func (p *PanicDetector) Name() string { return "PanicDetector" }

func (p *PanicDetector) Update(snapshot *types.MarketSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot = snapshot
}

func (p *PanicDetector) Reset() {
	p.mu.Lock()
	p.snapshot = nil
	p.lastSignal = make(map[types.Symbol]time.Time)
	p.mu.Unlock()
	p.reset()
}

func (p *PanicDetector) Stats() Stats { return p.read(p.Name()) }

// Level counts the fear indicators in md.
func (p *PanicDetector) Level(md types.MarketData) PanicLevel {
	return PanicLevel(min(len(p.indicators(md)), int(PanicSevere)))
}

func (p *PanicDetector) indicators(md types.MarketData) []string {
	var reasons []string
	if md.VIX != nil && *md.VIX > p.config.VIXThreshold {
		reasons = append(reasons, fmt.Sprintf("VIX elevated at %.1f", *md.VIX))
	}
	if md.PutCallRatio != nil && *md.PutCallRatio > p.config.PutCallThreshold {
		reasons = append(reasons, fmt.Sprintf("High put/call ratio %.2f", *md.PutCallRatio))
	}
	if change, ok := md.IntradayChangePct(); ok && change < -p.config.DeclinePct {
		reasons = append(reasons, fmt.Sprintf("Sharp decline %.1f%%", change))
	}
	return reasons
}

func (p *PanicDetector) confidence(level PanicLevel, md types.MarketData) (types.Confidence, bool) {
	var base float64
	switch level {
	case PanicModerate:
		base = 0.7
	case PanicSevere:
		base = 0.9
	default:
		return types.Confidence{}, false
	}
	if md.VIX != nil && *md.VIX > 40 {
		base += 0.05
	}
	c, err := types.NewConfidence(min(base, 1))
	return c, err == nil
}

func (p *PanicDetector) GenerateSignals(ctx context.Context) ([]types.Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot == nil {
		return nil, nil
	}

	now := p.snapshot.Timestamp
	var out []types.Signal
	for _, sym := range p.snapshot.Symbols() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if last, ok := p.lastSignal[sym]; ok && now.Sub(last) < p.config.Cooldown {
			continue
		}
		md, _ := p.snapshot.Get(sym)
		sig, ok := p.analyze(md, now)
		if !ok {
			continue
		}
		p.lastSignal[sym] = now
		p.record(sig)
		out = append(out, sig)
	}
	return out, nil
}

func (p *PanicDetector) analyze(md types.MarketData, now time.Time) (types.Signal, bool) {
	reasons := p.indicators(md)
	level := PanicLevel(min(len(reasons), int(PanicSevere)))
	conf, ok := p.confidence(level, md)
	if !ok {
		return types.Signal{}, false
	}

	price := md.CurrentPrice()
	stop, err := pctOffset(price, -p.config.StopLossPct)
	if err != nil {
		return types.Signal{}, false
	}
	target, err := pctOffset(price, p.config.TakeProfitPct)
	if err != nil {
		return types.Signal{}, false
	}

	desc := "Moderate panic"
	if level == PanicSevere {
		desc = "SEVERE PANIC"
	}
	reason := fmt.Sprintf("%s: %s - Buy the dip opportunity", desc, strings.Join(reasons, ", "))

	sig := types.NewSignal(md.Symbol, types.ActionBuy, conf, reason, p.Name()).
		WithTargetPrice(price).
		WithStopLoss(stop).
		WithTakeProfit(target).
		WithTimestamp(now).
		WithMetadata("panic_level", level.String())
	if md.VIX != nil {
		sig = sig.WithMetadata("vix", fmt.Sprintf("%.2f", *md.VIX))
	}
	if md.PutCallRatio != nil {
		sig = sig.WithMetadata("put_call_ratio", fmt.Sprintf("%.2f", *md.PutCallRatio))
	}

	p.logger.Debug("Panic detected",
		zap.String("symbol", md.Symbol.String()),
		zap.String("level", level.String()),
		zap.Float64("confidence", conf.Value()),
	)
	return sig, true
}
