package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/alphas"
	"github.com/atlas-desktop/strategy-engine/internal/api"
	"github.com/atlas-desktop/strategy-engine/internal/engine"
	"github.com/atlas-desktop/strategy-engine/internal/events"
	"github.com/atlas-desktop/strategy-engine/internal/risk"
	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fakeEngine struct {
	trades    []types.Trade
	tradesErr error
	lastLimit int
}

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{
		Running: true,
		Paper:   true,
		Symbols: []string{"AAPL"},
		Stats:   engine.Stats{CyclesCompleted: 7},
		Risk:    f.RiskStats(),
	}
}

func (f *fakeEngine) Positions() []types.Position {
	return []types.Position{{
		Symbol:       types.MustSymbol("AAPL"),
		Quantity:     types.BuyQuantity(10),
		EntryPrice:   types.MustPrice(100),
		CurrentPrice: types.MustPrice(102),
	}}
}

func (f *fakeEngine) Trades(_ context.Context, limit int) ([]types.Trade, error) {
	f.lastLimit = limit
	return f.trades, f.tradesErr
}

func (f *fakeEngine) RiskStats() risk.Stats {
	return risk.Stats{
		CurrentValue:         100000,
		DayStartValue:        100000,
		MaxDailyDrawdownPct:  5,
		MaxConsecutiveLosses: 3,
		Healthy:              true,
	}
}

func (f *fakeEngine) AlphaStats() []alphas.Stats {
	return []alphas.Stats{{Name: "PanicDetector", SignalsGenerated: 4}}
}

func sampleTrade() types.Trade {
	now := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	return types.NewTrade(types.TradeParams{
		Symbol:      types.MustSymbol("AAPL"),
		Quantity:    types.BuyQuantity(10),
		EntryPrice:  types.MustPrice(100),
		ExitPrice:   types.MustPrice(104),
		Commission:  decimal.NewFromInt(2),
		Confidence:  types.MustConfidence(0.8),
		OpenedAt:    now.Add(-time.Hour),
		ClosedAt:    now,
		CloseReason: types.CloseTakeProfit,
		Source:      "PanicDetector",
	})
}

func setupTestServer(t *testing.T, eng *fakeEngine, bus *events.Bus) (*api.Server, *httptest.Server) {
	t.Helper()
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_cycles_total", Help: "test"}))

	server := api.NewServer(zap.NewNop(), api.DefaultConfig(), eng, registry, bus)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return server, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{}, nil)

	var result map[string]any
	if code := getJSON(t, ts.URL+"/api/v1/health", &result); code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("Status incorrect: expected healthy, got %v", result["status"])
	}
	if result["running"] != true {
		t.Errorf("Running incorrect: expected true, got %v", result["running"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{}, nil)

	var status engine.Status
	if code := getJSON(t, ts.URL+"/api/v1/status", &status); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if status.Stats.CyclesCompleted != 7 || !status.Paper {
		t.Errorf("Status incorrect: %+v", status)
	}
}

func TestPositionsAndAlphasEndpoints(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{}, nil)

	var positions struct {
		Count int `json:"count"`
	}
	getJSON(t, ts.URL+"/api/v1/positions", &positions)
	if positions.Count != 1 {
		t.Errorf("Position count incorrect: expected 1, got %d", positions.Count)
	}

	var alphaResp struct {
		Alphas []alphas.Stats `json:"alphas"`
	}
	getJSON(t, ts.URL+"/api/v1/alphas", &alphaResp)
	if len(alphaResp.Alphas) != 1 || alphaResp.Alphas[0].Name != "PanicDetector" {
		t.Errorf("Alpha stats incorrect: %+v", alphaResp.Alphas)
	}

	var riskResp struct {
		Message string `json:"message"`
	}
	getJSON(t, ts.URL+"/api/v1/risk", &riskResp)
	if !strings.HasPrefix(riskResp.Message, "Drawdown: 0.00%") {
		t.Errorf("Risk message incorrect: %q", riskResp.Message)
	}
}

func TestTradesEndpoint(t *testing.T) {
	eng := &fakeEngine{trades: []types.Trade{sampleTrade()}}
	_, ts := setupTestServer(t, eng, nil)

	var result struct {
		Trades []types.Trade `json:"trades"`
		Count  int           `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/v1/trades?limit=5000", &result); code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}
	if result.Count != 1 || !result.Trades[0].NetPnL.Equal(decimal.NewFromInt(38)) {
		t.Errorf("Trades incorrect: %+v", result)
	}
	if eng.lastLimit != 1000 {
		t.Errorf("Limit not capped: expected 1000, got %d", eng.lastLimit)
	}

	if code := getJSON(t, ts.URL+"/api/v1/trades?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad limit, got %d", code)
	}

	eng.tradesErr = errors.New("journal offline")
	if code := getJSON(t, ts.URL+"/api/v1/trades", nil); code != http.StatusInternalServerError {
		t.Errorf("Expected status 500 on journal failure, got %d", code)
	}
	if eng.lastLimit != 50 {
		t.Errorf("Default limit incorrect: expected 50, got %d", eng.lastLimit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := setupTestServer(t, &fakeEngine{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_cycles_total") {
		t.Errorf("Metrics output missing counter:\n%s", body)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Stop()
	server, ts := setupTestServer(t, &fakeEngine{}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Hub().Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(api.WSMessage{Type: api.MsgTypeSubscribe, Channel: "symbol:AAPL"}); err != nil {
		t.Fatalf("Failed to send subscribe: %v", err)
	}
	var ack api.WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("Failed to read ack: %v", err)
	}
	if ack.Type != api.MsgTypeAck || ack.Channel != "symbol:AAPL" {
		t.Fatalf("Ack incorrect: %+v", ack)
	}

	bus.PublishSync(events.NewEvent(events.EventTypeExecution, "MSFT", "skip me"))
	bus.PublishSync(events.NewEvent(events.EventTypeExecution, "AAPL", "filled"))

	var msg api.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}
	if msg.Type != api.MsgTypeEvent || msg.Channel != string(events.EventTypeExecution) {
		t.Fatalf("Event message incorrect: %+v", msg)
	}
	var ev events.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if ev.Symbol != "AAPL" || ev.Payload != "filled" {
		t.Errorf("Delivered event incorrect: expected AAPL/filled, got %s/%v", ev.Symbol, ev.Payload)
	}
}
