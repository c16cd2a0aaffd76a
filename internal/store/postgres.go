package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/collateral-bridge/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_dedupe (
	key          TEXT PRIMARY KEY,
	settled      BOOLEAN NOT NULL DEFAULT FALSE,
	tx_hash      TEXT NOT NULL DEFAULT '',
	locked_until TIMESTAMPTZ,
	updated_at   TIMESTAMPTZ NOT NULL
);
ALTER TABLE relay_dedupe ADD COLUMN IF NOT EXISTS lock_owner TEXT;
CREATE TABLE IF NOT EXISTS ledger_events (
	seq          BIGSERIAL PRIMARY KEY,
	chain        TEXT NOT NULL,
	kind         TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	block_number BIGINT NOT NULL,
	payload      JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_events_chain_seq ON ledger_events (chain, seq);
CREATE INDEX IF NOT EXISTS ledger_events_order ON ledger_events (order_id);
`

// Migrate creates the relay_dedupe and ledger_events tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresDedupe implements Dedupe on PostgreSQL. Claims are a single
// upsert guarded by the settled flag and lock expiry.
type PostgresDedupe struct {
	pool *pgxpool.Pool
}

// NewPostgresDedupe creates a new PostgreSQL-backed dedupe store.
func NewPostgresDedupe(pool *pgxpool.Pool) *PostgresDedupe {
	return &PostgresDedupe{pool: pool}
}

func (s *PostgresDedupe) Claim(ctx context.Context, key, owner string, ttl time.Duration) (ClaimResult, error) {
	now := time.Now().UTC()
	var claimed string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO relay_dedupe (key, lock_owner, locked_until, updated_at)
		 VALUES ($1, $4, $2, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET lock_owner = EXCLUDED.lock_owner, locked_until = EXCLUDED.locked_until, updated_at = EXCLUDED.updated_at
		   WHERE relay_dedupe.settled = FALSE
		     AND (relay_dedupe.locked_until IS NULL OR relay_dedupe.locked_until < $3)
		 RETURNING key`,
		key, now.Add(ttl), now, owner).Scan(&claimed)
	if err == nil {
		return Claimed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}

	var settled bool
	if err := s.pool.QueryRow(ctx,
		`SELECT settled FROM relay_dedupe WHERE key = $1`, key).Scan(&settled); err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if settled {
		return Settled, nil
	}
	return InFlight, nil
}

func (s *PostgresDedupe) MarkSettled(ctx context.Context, key, txHash string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO relay_dedupe (key, settled, tx_hash, locked_until, updated_at)
		 VALUES ($1, TRUE, $2, NULL, $3)
		 ON CONFLICT (key) DO UPDATE
		   SET settled = TRUE, tx_hash = EXCLUDED.tx_hash, lock_owner = NULL, locked_until = NULL, updated_at = EXCLUDED.updated_at`,
		key, txHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("settle %s: %w", key, err)
	}
	return nil
}

func (s *PostgresDedupe) Release(ctx context.Context, key, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE relay_dedupe SET lock_owner = NULL, locked_until = NULL, updated_at = $2
		 WHERE key = $1 AND settled = FALSE AND lock_owner = $3`,
		key, time.Now().UTC(), owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (s *PostgresDedupe) Get(ctx context.Context, key string) (*Record, error) {
	rec := Record{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT settled, tx_hash, updated_at FROM relay_dedupe WHERE key = $1`, key).
		Scan(&rec.Settled, &rec.TxHash, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &rec, nil
}

// PostgresJournal implements Journal on the ledger_events table. The
// event is stored whole as JSONB next to indexed columns for querying.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

// NewPostgresJournal creates a new PostgreSQL-backed journal.
func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

func (j *PostgresJournal) Append(ctx context.Context, ev model.Event) (uint64, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("encode event: %w", err)
	}
	var seq int64
	err = j.pool.QueryRow(ctx,
		`INSERT INTO ledger_events (chain, kind, order_id, tx_hash, block_number, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING seq`,
		string(ev.Chain), string(ev.Kind), ev.OrderID.Hex(), ev.TxHash.Hex(),
		int64(ev.BlockNumber), payload, time.Now().UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append %s %s: %w", ev.Kind, ev.OrderID.Hex(), err)
	}
	return uint64(seq), nil
}

func (j *PostgresJournal) Since(ctx context.Context, chain model.ChainID, afterSeq uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := j.pool.Query(ctx,
		`SELECT seq, payload FROM ledger_events
		 WHERE chain = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		string(chain), int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev model.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		out = append(out, Entry{Seq: uint64(seq), Event: ev})
	}
	return out, rows.Err()
}
