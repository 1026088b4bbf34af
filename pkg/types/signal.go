package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignalAction is what a signal asks the engine to do.
type SignalAction string

const (
	ActionBuy   SignalAction = "buy"
	ActionSell  SignalAction = "sell"
	ActionClose SignalAction = "close"
	ActionHold  SignalAction = "hold"
)

// ParseSignalAction accepts the action names case-insensitively.
func ParseSignalAction(s string) (SignalAction, error) {
	switch a := SignalAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionClose, ActionHold:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown signal action %q", ErrValidation, s)
	}
}

// IsDirectional reports whether the action opens a position.
func (a SignalAction) IsDirectional() bool {
	return a == ActionBuy || a == ActionSell
}

// Opposes reports whether a is a directional action against the given side.
func (a SignalAction) Opposes(side Side) bool {
	switch side {
	case SideLong:
		return a == ActionSell
	case SideShort:
		return a == ActionBuy
	}
	return false
}

// Signal is a trading opinion about one symbol.
type Signal struct {
	ID          uuid.UUID         `json:"id"`
	Symbol      Symbol            `json:"symbol"`
	Action      SignalAction      `json:"action"`
	Confidence  Confidence        `json:"confidence"`
	Reason      string            `json:"reason"`
	Source      string            `json:"source"`
	TargetPrice *Price            `json:"target_price,omitempty"`
	StopLoss    *Price            `json:"stop_loss,omitempty"`
	TakeProfit  *Price            `json:"take_profit,omitempty"`
	Quantity    *Quantity         `json:"quantity,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewSignal creates a signal stamped with a fresh ID and the current time.
func NewSignal(symbol Symbol, action SignalAction, confidence Confidence, reason, source string) Signal {
	return Signal{
		ID:         uuid.New(),
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		Reason:     reason,
		Source:     source,
		Timestamp:  time.Now(),
	}
}

func (s Signal) WithTargetPrice(p Price) Signal {
	s.TargetPrice = &p
	return s
}

func (s Signal) WithStopLoss(p Price) Signal {
	s.StopLoss = &p
	return s
}

func (s Signal) WithTakeProfit(p Price) Signal {
	s.TakeProfit = &p
	return s
}

func (s Signal) WithQuantity(q Quantity) Signal {
	s.Quantity = &q
	return s
}

func (s Signal) WithTimestamp(t time.Time) Signal {
	s.Timestamp = t
	return s
}

// WithMetadata returns a copy with key set. The metadata map is cloned.
func (s Signal) WithMetadata(key, value string) Signal {
	md := make(map[string]string, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		md[k] = v
	}
	md[key] = value
	s.Metadata = md
	return s
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s (conf %s, source %s)", strings.ToUpper(string(s.Action)), s.Symbol, s.Confidence, s.Source)
}
