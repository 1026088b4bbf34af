package signals

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// ParseError reports a malformed entry in a signal stream.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parser reads pre-priced signal streams.
//
// Three formats are accepted, detected from the first non-blank byte:
// a JSON array of records, JSON lines (one record per line), or plain text
// lines such as
//
//	BUY AAPL @ 185.20 SL 180 TP 195 CONF 0.8 QTY 10 TS 2024-01-02T15:04:05Z
//
// SL, TP, CONF, QTY and TS are optional. Blank lines and lines starting with
// '#' are ignored.
type Parser struct {
	logger        *zap.Logger
	defaultSource string
}

// NewParser creates a new signal parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{
		logger:        logger.Named("signal-parser"),
		defaultSource: "signal-file",
	}
}

// signalRecord is the JSON shape of one signal.
type signalRecord struct {
	Symbol      string            `json:"symbol"`
	Action      string            `json:"action"`
	Confidence  *float64          `json:"confidence"`
	TargetPrice *float64          `json:"target_price"`
	StopLoss    *float64          `json:"stop_loss"`
	TakeProfit  *float64          `json:"take_profit"`
	Quantity    *int64            `json:"quantity"`
	Reason      string            `json:"reason"`
	Source      string            `json:"source"`
	Timestamp   *time.Time        `json:"timestamp"`
	Metadata    map[string]string `json:"metadata"`
}

// ParseFile parses the signal stream stored at path.
func (p *Parser) ParseFile(path string) ([]types.Signal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signal file: %w", err)
	}
	return p.Parse(bytes.NewReader(raw))
}

// Parse reads every signal from r. The first malformed entry aborts parsing.
func (p *Parser) Parse(r io.Reader) ([]types.Signal, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read signals: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var signals []types.Signal
	switch trimmed[0] {
	case '[':
		signals, err = p.parseJSONArray(trimmed)
	case '{':
		signals, err = p.parseLines(raw, p.parseJSONLine)
	default:
		signals, err = p.parseLines(raw, p.ParseLine)
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("Parsed signal stream", zap.Int("signals", len(signals)))
	return signals, nil
}

func (p *Parser) parseJSONArray(data []byte) ([]types.Signal, error) {
	var records []signalRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse JSON signals: %w", err)
	}
	out := make([]types.Signal, 0, len(records))
	for i, rec := range records {
		sig, err := p.fromRecord(rec)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Err: err}
		}
		out = append(out, sig)
	}
	return out, nil
}

func (p *Parser) parseLines(data []byte, parse func(string) (types.Signal, error)) ([]types.Signal, error) {
	var out []types.Signal
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sig, err := parse(text)
		if err != nil {
			return nil, &ParseError{Line: line, Err: err}
		}
		out = append(out, sig)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan signals: %w", err)
	}
	return out, nil
}

func (p *Parser) parseJSONLine(text string) (types.Signal, error) {
	var rec signalRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return types.Signal{}, fmt.Errorf("failed to parse JSON signal: %w", err)
	}
	return p.fromRecord(rec)
}

func (p *Parser) fromRecord(rec signalRecord) (types.Signal, error) {
	sym, err := types.NewSymbol(rec.Symbol)
	if err != nil {
		return types.Signal{}, err
	}
	action, err := types.ParseSignalAction(rec.Action)
	if err != nil {
		return types.Signal{}, err
	}
	confVal := 0.5
	if rec.Confidence != nil {
		confVal = *rec.Confidence
	}
	conf, err := types.NewConfidence(confVal)
	if err != nil {
		return types.Signal{}, err
	}

	source := rec.Source
	if source == "" {
		source = p.defaultSource
	}
	sig := types.NewSignal(sym, action, conf, rec.Reason, source)
	if rec.Timestamp != nil {
		sig.Timestamp = *rec.Timestamp
	}
	for k, v := range rec.Metadata {
		sig = sig.WithMetadata(k, v)
	}

	if sig, err = withPrice(sig, rec.TargetPrice, types.Signal.WithTargetPrice); err != nil {
		return types.Signal{}, fmt.Errorf("target price: %w", err)
	}
	if sig, err = withPrice(sig, rec.StopLoss, types.Signal.WithStopLoss); err != nil {
		return types.Signal{}, fmt.Errorf("stop loss: %w", err)
	}
	if sig, err = withPrice(sig, rec.TakeProfit, types.Signal.WithTakeProfit); err != nil {
		return types.Signal{}, fmt.Errorf("take profit: %w", err)
	}
	if rec.Quantity != nil {
		q, err := types.NewQuantity(*rec.Quantity)
		if err != nil {
			return types.Signal{}, err
		}
		sig = sig.WithQuantity(q)
	}
	return sig, nil
}

func withPrice(sig types.Signal, v *float64, set func(types.Signal, types.Price) types.Signal) (types.Signal, error) {
	if v == nil {
		return sig, nil
	}
	price, err := types.NewPrice(*v)
	if err != nil {
		return sig, err
	}
	return set(sig, price), nil
}

var (
	lineHeadRegex = regexp.MustCompile(`^(BUY|SELL|CLOSE|HOLD)\s+([A-Z0-9]+)(?:\s*@\s*\$?(\d+(?:\.\d+)?))?`)
	slRegex       = regexp.MustCompile(`\bSL\s*[:=]?\s*\$?(\d+(?:\.\d+)?)`)
	tpRegex       = regexp.MustCompile(`\bTP\s*[:=]?\s*\$?(\d+(?:\.\d+)?)`)
	confRegex     = regexp.MustCompile(`\bCONF\s*[:=]?\s*(\d+(?:\.\d+)?)`)
	qtyRegex      = regexp.MustCompile(`\bQTY\s*[:=]?\s*(-?\d+)`)
	tsRegex       = regexp.MustCompile(`(?i)\bTS\s+(\S+)`)
)

// ParseLine parses one plain-text signal line.
func (p *Parser) ParseLine(text string) (types.Signal, error) {
	upper := strings.ToUpper(strings.TrimSpace(text))
	head := lineHeadRegex.FindStringSubmatch(upper)
	if head == nil {
		return types.Signal{}, fmt.Errorf("could not parse signal line %q", text)
	}

	rec := signalRecord{
		Symbol: head[2],
		Action: head[1],
		Source: "text",
	}
	if head[3] != "" {
		v, _ := strconv.ParseFloat(head[3], 64)
		rec.TargetPrice = &v
	}
	rec.StopLoss = matchFloat(slRegex, upper)
	rec.TakeProfit = matchFloat(tpRegex, upper)
	rec.Confidence = matchFloat(confRegex, upper)
	if m := qtyRegex.FindStringSubmatch(upper); m != nil {
		q, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return types.Signal{}, fmt.Errorf("invalid quantity %q: %w", m[1], err)
		}
		rec.Quantity = &q
	}
	// matched on the raw text so RFC3339 zone letters keep their case
	if m := tsRegex.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		ts, err := time.Parse(time.RFC3339, m[1])
		if err != nil {
			return types.Signal{}, fmt.Errorf("invalid timestamp %q: %w", m[1], err)
		}
		rec.Timestamp = &ts
	}

	sig, err := p.fromRecord(rec)
	if err != nil {
		return types.Signal{}, err
	}
	sig.Reason = "parsed: " + strings.TrimSpace(text)
	return sig, nil
}

func matchFloat(re *regexp.Regexp, text string) *float64 {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}
