// Package db is the relational store client (C2): durable interaction
// records (including each interaction's current review status) and
// per-user delivery cursors, all of which survive a full pipeline restart. Redis (internal/store) holds
// transient/queue state; this package holds the system of record.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("db: not found")

// Config configures the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DB wraps a pgx connection pool with the schema and queries the pipeline
// needs. Grounded on the teacher's newPgPool (conservative pool defaults,
// ping-on-open) generalized from its internal factory into an exported
// constructor, since this module has only one relational store rather than
// the teacher's swappable-backend set.
type DB struct {
	pool *pgxpool.Pool
}

// Open builds the pool, applying conservative defaults when the caller
// leaves fields zero, and verifies connectivity with a ping before
// returning.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = orDefaultInt32(cfg.MaxConns, 8)
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = orDefaultDuration(cfg.MaxConnLifetime, time.Hour)
	pcfg.MaxConnIdleTime = orDefaultDuration(cfg.MaxConnIdleTime, 5*time.Minute)

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool's connections.
func (d *DB) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// Init creates the schema if it does not already exist. Safe to call on
// every boot.
func (d *DB) Init(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, schemaSQL)
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func orDefaultInt32(v, def int32) int32 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS interactions (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    message_number BIGINT NOT NULL DEFAULT 0,

    user_message TEXT NOT NULL,
    user_message_timestamp TIMESTAMPTZ NOT NULL,

    llm1_raw_response TEXT NOT NULL DEFAULT '',
    llm2_bubbles TEXT[] NOT NULL DEFAULT '{}',
    final_bubbles TEXT[] NOT NULL DEFAULT '{}',
    edit_tags TEXT[] NOT NULL DEFAULT '{}',
    reviewer_notes TEXT NOT NULL DEFAULT '',
    quality_score INTEGER,

    safety_risk DOUBLE PRECISION NOT NULL DEFAULT 0,
    safety_flags TEXT[] NOT NULL DEFAULT '{}',
    safety_recommendation TEXT NOT NULL DEFAULT '',

    llm1_model TEXT NOT NULL DEFAULT '',
    llm1_prompt_tokens INTEGER NOT NULL DEFAULT 0,
    llm1_completion_tokens INTEGER NOT NULL DEFAULT 0,
    llm1_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    llm1_estimated BOOLEAN NOT NULL DEFAULT FALSE,

    llm2_model TEXT NOT NULL DEFAULT '',
    llm2_prompt_tokens INTEGER NOT NULL DEFAULT 0,
    llm2_completion_tokens INTEGER NOT NULL DEFAULT 0,
    llm2_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    llm2_estimated BOOLEAN NOT NULL DEFAULT FALSE,

    review_status TEXT NOT NULL DEFAULT 'pending',
    review_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,

    cta_kind TEXT,
    cta_payload JSONB,
    customer_status TEXT,

    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    reviewed_at TIMESTAMPTZ,
    messages_sent_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS interactions_status_idx ON interactions(review_status);
CREATE INDEX IF NOT EXISTS interactions_conversation_idx ON interactions(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS interactions_user_idx ON interactions(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS user_cursors (
    user_id TEXT PRIMARY KEY,
    last_interaction_id UUID,
    last_delivered_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
