package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-engine/internal/backtester"
	"github.com/shopspring/decimal"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Version command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "strategy-engine ") {
		t.Errorf("Version output incorrect: %q", out.String())
	}
}

func TestBacktestSignalFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	signalsPath := filepath.Join(dir, "signals.txt")
	stream := "# replay\nBUY AAPL @ 100 SL 95 TP 110 CONF 0.8 TS 2024-01-02T15:00:00Z\nSELL AAPL @ 105 CONF 0.8 TS 2024-01-03T15:00:00Z\n"
	if err := os.WriteFile(signalsPath, []byte(stream), 0644); err != nil {
		t.Fatalf("Failed to write signals: %v", err)
	}
	outPath := filepath.Join(dir, "out", "result.json")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"backtest", "--log-level", "error", "--signals", signalsPath, "--out", outPath})

	if err := root.Execute(); err != nil {
		t.Fatalf("Backtest command failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "Return ") {
		t.Errorf("Summary line incorrect: %q", out.String())
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("Failed to read result: %v", err)
	}
	var result backtester.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.TotalSignals != 2 {
		t.Errorf("Total signals incorrect: expected 2, got %d", result.TotalSignals)
	}
}

func TestBacktestRejectsBadConfig(t *testing.T) {
	chdir(t, t.TempDir())

	root := newRootCmd()
	root.SetArgs([]string{"backtest", "--config", "missing.yaml"})
	if err := root.Execute(); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestSummaryLine(t *testing.T) {
	res := &backtester.Result{
		FinalCapital: decimal.RequireFromString("10520.5"),
		Duration:     1500 * time.Millisecond,
	}
	res.Metrics.TotalReturnPct = 5.2
	res.Metrics.SharpeRatio = 2.5
	res.Metrics.MaxDrawdownPct = -4
	res.Metrics.Trades.TotalTrades = 4
	res.Metrics.Trades.WinRatePct = 75
	res.Metrics.Trades.ProfitFactor = 3
	res.Metrics.Trades.AvgHoldTime = 26*time.Hour + 5*time.Minute

	expected := "Return 5.20% | Final $10520.50 | Sharpe 2.50 | Max drawdown -4.00% | Trades 4 (win rate 75.0%, avg hold 1d 2h 5m) | Grade A (tradable) | Ran 1.5s"
	if got := summaryLine(res); got != expected {
		t.Errorf("Summary incorrect:\nexpected %s\ngot      %s", expected, got)
	}

	res.Metrics.SharpeRatio = 0.2
	if got := summaryLine(res); !strings.Contains(got, "| Grade F |") {
		t.Errorf("Losing run should grade F without the tradable mark: %s", got)
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Failed to get working directory: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("Failed to restore working directory: %v", err)
		}
	})
}
