// Package journal persists closed trades outside the decision core.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Journal records closed trades and returns the most recent ones.
type Journal interface {
	Record(ctx context.Context, trade types.Trade) error
	Recent(ctx context.Context, n int) ([]types.Trade, error)
	Close() error
}

// FileJournal appends one JSON document per trade to a file.
type FileJournal struct {
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	file *os.File
}

// NewFileJournal opens (or creates) the journal file.
func NewFileJournal(logger *zap.Logger, path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &FileJournal{logger: logger.Named("journal"), path: path, file: f}, nil
}

func (j *FileJournal) Record(ctx context.Context, trade types.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write trade: %w", err)
	}
	j.logger.Debug("Trade recorded",
		zap.String("id", trade.ID.String()),
		zap.String("symbol", trade.Symbol.String()),
		zap.String("net_pnl", trade.NetPnL.StringFixed(2)),
	)
	return nil
}

// Recent returns up to n trades, newest first. Malformed lines are skipped.
func (j *FileJournal) Recent(ctx context.Context, n int) ([]types.Trade, error) {
	if n <= 0 {
		return []types.Trade{}, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	ring := make([]types.Trade, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var t types.Trade
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			j.logger.Warn("Skipping malformed journal line", zap.Error(err))
			continue
		}
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	out := make([]types.Trade, len(ring))
	for i, t := range ring {
		out[len(ring)-1-i] = t
	}
	return out, nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Nop discards every trade.
type Nop struct{}

func (Nop) Record(context.Context, types.Trade) error { return nil }

func (Nop) Recent(context.Context, int) ([]types.Trade, error) { return []types.Trade{}, nil }

func (Nop) Close() error { return nil }
