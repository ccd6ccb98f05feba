package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"aggro-trading-bot/internal/state"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS instrument_states (
	symbol     TEXT PRIMARY KEY,
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trades (
	id          BIGSERIAL PRIMARY KEY,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	notional    DOUBLE PRECISION NOT NULL,
	fee         DOUBLE PRECISION NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	exit_reason TEXT NOT NULL DEFAULT '',
	urgent      BOOLEAN NOT NULL DEFAULT FALSE,
	executed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_symbol_time ON trades (symbol, executed_at);
`

// PostgresStore persists snapshots and the trade log in Postgres.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, applies the schema and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, logger zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "storage").Logger(),
	}, nil
}

func (p *PostgresStore) LoadState(ctx context.Context, symbol string) (*state.InstrumentState, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM instrument_states WHERE symbol = $1`, symbol,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load %s: %w", symbol, err)
	}
	return decodeState(raw)
}

func (p *PostgresStore) SaveState(ctx context.Context, st *state.InstrumentState) error {
	raw, err := encodeState(st)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO instrument_states (symbol, snapshot, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (symbol) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		st.Symbol, raw,
	)
	if err != nil {
		return fmt.Errorf("storage: save %s: %w", st.Symbol, err)
	}
	return nil
}

func (p *PostgresStore) LogTrade(ctx context.Context, rec TradeRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO trades (symbol, side, quantity, price, notional, fee, pnl, exit_reason, urgent, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Symbol, rec.Side, rec.Quantity, rec.Price, rec.Notional,
		rec.Fee, rec.PnL, rec.ExitReason, rec.Urgent, rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: log trade %s: %w", rec.Symbol, err)
	}
	return nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

var _ Store = (*PostgresStore)(nil)
