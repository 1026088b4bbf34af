// Package types provides shared value types for the strategy engine.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Validation errors. All of them wrap ErrValidation.
var (
	ErrValidation         = errors.New("validation error")
	ErrEmptySymbol        = fmt.Errorf("%w: symbol cannot be empty", ErrValidation)
	ErrSymbolTooLong      = fmt.Errorf("%w: symbol too long (max 10)", ErrValidation)
	ErrInvalidSymbolChars = fmt.Errorf("%w: symbol contains invalid characters (alphanumeric only)", ErrValidation)
	ErrInvalidPrice       = fmt.Errorf("%w: price must be positive and finite", ErrValidation)
	ErrInvalidQuantity    = fmt.Errorf("%w: quantity must be nonzero", ErrValidation)
	ErrInvalidConfidence  = fmt.Errorf("%w: confidence must be between 0 and 1", ErrValidation)
)

const maxSymbolLength = 10

// Symbol is an instrument identifier such as "AAPL".
type Symbol struct {
	s string
}

// NewSymbol validates and upper-cases a symbol.
func NewSymbol(s string) (Symbol, error) {
	if s == "" {
		return Symbol{}, ErrEmptySymbol
	}
	if len(s) > maxSymbolLength {
		return Symbol{}, fmt.Errorf("%w: %d characters", ErrSymbolTooLong, len(s))
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbolChars, s)
		}
	}
	return Symbol{s: strings.ToUpper(s)}, nil
}

// MustSymbol is NewSymbol that panics on invalid input.
func MustSymbol(s string) Symbol {
	sym, err := NewSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

func (s Symbol) String() string { return s.s }

// IsZero reports whether the symbol was never initialized.
func (s Symbol) IsZero() bool { return s.s == "" }

// MarshalText implements encoding.TextMarshaler so symbols can key JSON maps.
func (s Symbol) MarshalText() ([]byte, error) {
	return []byte(s.s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Symbol) UnmarshalText(b []byte) error {
	sym, err := NewSymbol(string(b))
	if err != nil {
		return err
	}
	*s = sym
	return nil
}

// ParseSymbols validates a list of raw symbols.
func ParseSymbols(raw []string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(raw))
	for _, r := range raw {
		sym, err := NewSymbol(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

// Price is a strictly positive, finite amount.
type Price struct {
	d decimal.Decimal
}

// NewPrice validates a float price.
func NewPrice(v float64) (Price, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return Price{}, fmt.Errorf("%w: got %v", ErrInvalidPrice, v)
	}
	return Price{d: decimal.NewFromFloat(v)}, nil
}

// PriceFromDecimal validates a decimal price.
func PriceFromDecimal(d decimal.Decimal) (Price, error) {
	if !d.IsPositive() {
		return Price{}, fmt.Errorf("%w: got %s", ErrInvalidPrice, d.String())
	}
	return Price{d: d}, nil
}

// MustPrice is NewPrice that panics on invalid input.
func MustPrice(v float64) Price {
	p, err := NewPrice(v)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Price) Decimal() decimal.Decimal { return p.d }

func (p Price) Float64() float64 { return p.d.InexactFloat64() }

// IsZero reports whether the price was never initialized.
func (p Price) IsZero() bool { return p.d.IsZero() }

// PercentChange returns the percentage move from p to other.
func (p Price) PercentChange(other Price) float64 {
	return (other.Float64() - p.Float64()) / p.Float64() * 100
}

func (p Price) String() string { return "$" + p.d.StringFixed(2) }

func (p Price) MarshalJSON() ([]byte, error) {
	return []byte(p.d.String()), nil
}

func (p *Price) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	price, err := PriceFromDecimal(d)
	if err != nil {
		return err
	}
	*p = price
	return nil
}

// Quantity is a nonzero signed share count. Positive is long, negative short.
type Quantity struct {
	v int64
}

// NewQuantity validates a signed quantity.
func NewQuantity(v int64) (Quantity, error) {
	if v == 0 {
		return Quantity{}, ErrInvalidQuantity
	}
	return Quantity{v: v}, nil
}

// BuyQuantity returns a positive quantity. n must be nonzero.
func BuyQuantity(n uint64) Quantity { return Quantity{v: int64(n)} }

// SellQuantity returns a negative quantity. n must be nonzero.
func SellQuantity(n uint64) Quantity { return Quantity{v: -int64(n)} }

func (q Quantity) Value() int64 { return q.v }

func (q Quantity) Abs() uint64 {
	if q.v < 0 {
		return uint64(-q.v)
	}
	return uint64(q.v)
}

func (q Quantity) IsBuy() bool  { return q.v > 0 }
func (q Quantity) IsSell() bool { return q.v < 0 }

// Decimal returns the signed quantity as a decimal.
func (q Quantity) Decimal() decimal.Decimal { return decimal.NewFromInt(q.v) }

func (q Quantity) String() string {
	if q.v > 0 {
		return "+" + strconv.FormatInt(q.v, 10)
	}
	return strconv.FormatInt(q.v, 10)
}

func (q Quantity) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(q.v, 10)), nil
}

func (q *Quantity) UnmarshalJSON(b []byte) error {
	var v int64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := NewQuantity(v)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Confidence is a probability-like score in [0, 1].
type Confidence struct {
	v float64
}

// NewConfidence validates a confidence value.
func NewConfidence(v float64) (Confidence, error) {
	if math.IsNaN(v) || v < 0 || v > 1 {
		return Confidence{}, fmt.Errorf("%w: got %v", ErrInvalidConfidence, v)
	}
	return Confidence{v: v}, nil
}

// MustConfidence is NewConfidence that panics on invalid input.
func MustConfidence(v float64) Confidence {
	c, err := NewConfidence(v)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Confidence) Value() float64   { return c.v }
func (c Confidence) Percent() float64 { return c.v * 100 }

// IsHigh reports confidence of at least 70%.
func (c Confidence) IsHigh() bool { return c.v >= 0.7 }

func (c Confidence) String() string { return strconv.FormatFloat(c.v*100, 'f', 1, 64) + "%" }

func (c Confidence) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.v)
}

func (c *Confidence) UnmarshalJSON(b []byte) error {
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := NewConfidence(v)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
