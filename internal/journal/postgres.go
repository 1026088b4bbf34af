package journal

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/atlas-desktop/strategy-engine/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresConfig holds connection parameters for the trade journal database.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// PostgresJournal stores trades in the trades table.
type PostgresJournal struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

// NewPostgresJournal connects, pings and applies the embedded schema.
func NewPostgresJournal(ctx context.Context, logger *zap.Logger, cfg PostgresConfig) (*PostgresJournal, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	j := &PostgresJournal{logger: logger.Named("journal"), pool: pool}
	if err := j.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return j, nil
}

// migrate applies every embedded .sql file in name order. Statements are
// idempotent, so re-running them on startup is safe.
func (j *PostgresJournal) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		sql, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		if _, err := j.pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

const tradeColumns = `id::text, symbol, side, quantity,
	entry_price::text, exit_price::text, entry_fill::text, exit_fill::text,
	gross_pnl::text, commission::text, slippage::text, net_pnl::text,
	pnl_pct, confidence, opened_at, closed_at, close_reason, source`

func (j *PostgresJournal) Record(ctx context.Context, t types.Trade) error {
	const query = `
		INSERT INTO trades (
			id, symbol, side, quantity,
			entry_price, exit_price, entry_fill, exit_fill,
			gross_pnl, commission, slippage, net_pnl,
			pnl_pct, confidence, opened_at, closed_at, close_reason, source
		) VALUES (
			$1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric,
			$13, $14, $15, $16, $17, $18
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := j.pool.Exec(ctx, query,
		t.ID, t.Symbol.String(), string(t.Side), t.Quantity.Value(),
		t.EntryPrice.Decimal().String(), t.ExitPrice.Decimal().String(),
		t.EntryFill.Decimal().String(), t.ExitFill.Decimal().String(),
		t.GrossPnL.String(), t.Commission.String(), t.Slippage.String(), t.NetPnL.String(),
		t.PnLPct, t.Confidence.Value(), t.OpenedAt, t.ClosedAt, string(t.CloseReason), t.Source,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}
	return nil
}

// Recent returns up to n trades, newest close first.
func (j *PostgresJournal) Recent(ctx context.Context, n int) ([]types.Trade, error) {
	if n <= 0 {
		return []types.Trade{}, nil
	}
	rows, err := j.pool.Query(ctx,
		"SELECT "+tradeColumns+" FROM trades ORDER BY closed_at DESC LIMIT $1", n)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]types.Trade, 0, n)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (j *PostgresJournal) Close() error {
	j.pool.Close()
	return nil
}

func scanTrade(row pgx.Row) (types.Trade, error) {
	var (
		t                                types.Trade
		id, symbol, side, reason         string
		qty                              int64
		entry, exit, entryFill, exitFill string
		gross, commission, slippage, net string
		confidence                       float64
	)
	if err := row.Scan(
		&id, &symbol, &side, &qty,
		&entry, &exit, &entryFill, &exitFill,
		&gross, &commission, &slippage, &net,
		&t.PnLPct, &confidence, &t.OpenedAt, &t.ClosedAt, &reason, &t.Source,
	); err != nil {
		return types.Trade{}, err
	}

	var err error
	if err = t.ID.UnmarshalText([]byte(id)); err != nil {
		return types.Trade{}, err
	}
	if t.Symbol, err = types.NewSymbol(symbol); err != nil {
		return types.Trade{}, err
	}
	if t.Quantity, err = types.NewQuantity(qty); err != nil {
		return types.Trade{}, err
	}
	if t.Confidence, err = types.NewConfidence(confidence); err != nil {
		return types.Trade{}, err
	}
	t.Side = types.Side(side)
	t.CloseReason = types.CloseReason(reason)

	prices := []struct {
		dst *types.Price
		raw string
	}{
		{&t.EntryPrice, entry}, {&t.ExitPrice, exit}, {&t.EntryFill, entryFill}, {&t.ExitFill, exitFill},
	}
	for _, p := range prices {
		d, err := decimal.NewFromString(p.raw)
		if err != nil {
			return types.Trade{}, err
		}
		if *p.dst, err = types.PriceFromDecimal(d); err != nil {
			return types.Trade{}, err
		}
	}

	amounts := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&t.GrossPnL, gross}, {&t.Commission, commission}, {&t.Slippage, slippage}, {&t.NetPnL, net},
	}
	for _, a := range amounts {
		if *a.dst, err = decimal.NewFromString(a.raw); err != nil {
			return types.Trade{}, err
		}
	}
	return t, nil
}
