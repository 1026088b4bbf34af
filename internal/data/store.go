package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"go.uber.org/zap"
)

// Store provides offline access to daily bars saved as one JSON file per
// symbol ({SYMBOL}.json) plus a metadata.json index.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[types.Symbol][]types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata contains metadata about available data for a symbol
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger.Named("data-store"),
		dataDir:  dataDir,
		cache:    make(map[types.Symbol][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		store.logger.Warn("Failed to load metadata", zap.Error(err))
	}

	return store, nil
}

// LoadBars loads every bar for a symbol, sorted by time.
func (s *Store) LoadBars(symbol types.Symbol) ([]types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[symbol]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(s.barFile(symbol))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data for %s: %w", symbol, err)
	}
	for i := range bars {
		bars[i].Symbol = symbol
	}
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})

	s.cache[symbol] = bars
	return bars, nil
}

// SaveBars writes bars to disk and updates the metadata index.
func (s *Store) SaveBars(symbol types.Symbol, bars []types.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	raw, err := json.MarshalIndent(sorted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(s.barFile(symbol), raw, 0644); err != nil {
		return fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[symbol] = sorted
	if len(sorted) > 0 {
		s.metadata[symbol.String()] = &SymbolMetadata{
			Symbol:    symbol.String(),
			StartDate: sorted[0].Timestamp,
			EndDate:   sorted[len(sorted)-1].Timestamp,
			BarCount:  len(sorted),
		}
	}
	return s.saveMetadata()
}

// Symbols returns the symbols listed in the metadata index, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.metadata))
	for sym := range s.metadata {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// DataRange returns the available data range for a symbol
func (s *Store) DataRange(symbol types.Symbol) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if meta, ok := s.metadata[symbol.String()]; ok {
		return meta.StartDate, meta.EndDate, nil
	}
	return time.Time{}, time.Time{}, fmt.Errorf("%w: no data for %s", ErrSymbolNotFound, symbol)
}

// LoadHistory converts the stored bars for each symbol into a replay series.
func (s *Store) LoadHistory(symbols []types.Symbol) (map[types.Symbol][]types.MarketData, error) {
	history := make(map[types.Symbol][]types.MarketData, len(symbols))
	for _, sym := range symbols {
		bars, err := s.LoadBars(sym)
		if err != nil {
			return nil, err
		}
		series, err := types.BarsToMarketData(bars)
		if err != nil {
			return nil, fmt.Errorf("invalid bars for %s: %w", sym, err)
		}
		history[sym] = series
	}
	return history, nil
}

// GetQuote returns the most recent stored bar as a quote.
func (s *Store) GetQuote(_ context.Context, symbol types.Symbol) (types.MarketData, error) {
	bars, err := s.LoadBars(symbol)
	if err != nil {
		return types.MarketData{}, err
	}
	if len(bars) == 0 {
		return types.MarketData{}, fmt.Errorf("%w: %s", ErrNoQuotes, symbol)
	}
	var prev *types.Bar
	if len(bars) > 1 {
		prev = &bars[len(bars)-2]
	}
	return bars[len(bars)-1].MarketData(prev)
}

func (s *Store) GetQuotes(ctx context.Context, symbols []types.Symbol) (*types.MarketSnapshot, error) {
	return fetchAll(ctx, s.logger, symbols, s.GetQuote)
}

// GetHistorical returns stored bars within [start, end].
func (s *Store) GetHistorical(_ context.Context, symbol types.Symbol, start, end time.Time) ([]types.Bar, error) {
	bars, err := s.LoadBars(symbol)
	if err != nil {
		return nil, err
	}
	return filterByTimeRange(bars, start, end), nil
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[types.Symbol][]types.Bar)
}

func (s *Store) barFile(symbol types.Symbol) string {
	return filepath.Join(s.dataDir, symbol.String()+".json")
}

func filterByTimeRange(bars []types.Bar, start, end time.Time) []types.Bar {
	filtered := make([]types.Bar, 0, len(bars))
	for _, bar := range bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			filtered = append(filtered, bar)
		}
	}
	return filtered
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*SymbolMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}
