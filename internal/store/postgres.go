// Package store persists scan output. Postgres keeps the durable history
// (feature bars and ranking rows), redis keeps the hot latest-cycle cache.
// Both are optional collaborators: persistence failures are logged and
// counted by the caller, never surfaced into a scan cycle.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/perpflow/scanner/internal/model"
)

// pgExecer is the slice of the pool the store needs; pgxmock satisfies it.
type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Postgres writes feature bars and ranking rows.
type Postgres struct {
	db   pgExecer
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres opens a connection pool against the given URL.
func NewPostgres(ctx context.Context, databaseURL string, logger zerolog.Logger) (*Postgres, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is not set")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		db:   pool,
		pool: pool,
		log:  logger.With().Str("component", "postgres").Logger(),
	}, nil
}

// NewPostgresWithDB wraps an existing executor; used by tests with pgxmock.
func NewPostgresWithDB(db pgExecer, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, log: logger.With().Str("component", "postgres").Logger()}
}

// EnsureSchema creates the tables if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS bars_1m (
			symbol TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			atr_pct DOUBLE PRECISION NOT NULL,
			spread_bps DOUBLE PRECISION NOT NULL,
			depth_usdt DOUBLE PRECISION NOT NULL,
			mom_1m DOUBLE PRECISION NOT NULL,
			mom_15m DOUBLE PRECISION NOT NULL,
			funding_pct DOUBLE PRECISION,
			open_interest DOUBLE PRECISION,
			basis_bps DOUBLE PRECISION,
			manip_score DOUBLE PRECISION,
			manip_flags TEXT[],
			PRIMARY KEY (symbol, ts)
		)`,
		`CREATE TABLE IF NOT EXISTS rankings (
			symbol TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			profile TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			manip_score DOUBLE PRECISION,
			manip_flags TEXT[],
			inputs_json JSONB,
			PRIMARY KEY (symbol, ts, profile)
		)`,
	}
	for _, stmt := range statements {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// PersistBar upserts one per-symbol feature bar keyed (symbol, ts). The bar
// is derived from the cycle snapshot, not raw OHLCV.
func (p *Postgres) PersistBar(ctx context.Context, snap *model.Snapshot, lastClose float64) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO bars_1m (symbol, ts, close, atr_pct, spread_bps, depth_usdt,
		                      mom_1m, mom_15m, funding_pct, open_interest, basis_bps,
		                      manip_score, manip_flags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (symbol, ts) DO UPDATE SET
		   close = EXCLUDED.close,
		   atr_pct = EXCLUDED.atr_pct,
		   spread_bps = EXCLUDED.spread_bps,
		   depth_usdt = EXCLUDED.depth_usdt,
		   mom_1m = EXCLUDED.mom_1m,
		   mom_15m = EXCLUDED.mom_15m,
		   funding_pct = EXCLUDED.funding_pct,
		   open_interest = EXCLUDED.open_interest,
		   basis_bps = EXCLUDED.basis_bps,
		   manip_score = EXCLUDED.manip_score,
		   manip_flags = EXCLUDED.manip_flags`,
		snap.Symbol, snap.TS, lastClose, snap.ATRPct, snap.SpreadBps, snap.Top5DepthUSDT,
		snap.Ret1, snap.Ret15, snap.Funding8hPct, snap.OpenInterest, snap.BasisBps,
		snap.ManipScore, snap.ManipFlags)
	if err != nil {
		return fmt.Errorf("persist bar %s: %w", snap.Symbol, err)
	}
	return nil
}

// PersistRankings upserts every item of a frame keyed (symbol, ts, profile).
func (p *Postgres) PersistRankings(ctx context.Context, frame model.RankingFrame) error {
	for _, item := range frame.Items {
		inputs, err := json.Marshal(item.ScoreComponents)
		if err != nil {
			return fmt.Errorf("encode inputs %s: %w", item.Snapshot.Symbol, err)
		}
		_, err = p.db.Exec(ctx,
			`INSERT INTO rankings (symbol, ts, profile, score, manip_score, manip_flags, inputs_json)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (symbol, ts, profile) DO UPDATE SET
			   score = EXCLUDED.score,
			   manip_score = EXCLUDED.manip_score,
			   manip_flags = EXCLUDED.manip_flags,
			   inputs_json = EXCLUDED.inputs_json`,
			item.Snapshot.Symbol, frame.TS, frame.Profile, item.Snapshot.Score,
			item.Snapshot.ManipScore, item.Snapshot.ManipFlags, inputs)
		if err != nil {
			return fmt.Errorf("persist ranking %s: %w", item.Snapshot.Symbol, err)
		}
	}
	return nil
}

// Health checks connectivity.
func (p *Postgres) Health(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}
