// Package store persists filings, insiders and transactions in PostgreSQL.
// Repositories share a pgx connection pool; the caller owns its lifecycle.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a connection pool for the given database URL and verifies
// it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS filings (
	id             BIGSERIAL PRIMARY KEY,
	protocol       TEXT NOT NULL UNIQUE,
	issuer_cnpj    TEXT NOT NULL,
	reference_date DATE NOT NULL,
	document_url   TEXT NOT NULL,
	processed_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS insiders (
	id             BIGSERIAL PRIMARY KEY,
	issuer_cnpj    TEXT NOT NULL,
	name           TEXT NOT NULL,
	name_key       TEXT NOT NULL,
	document       TEXT,
	classification TEXT NOT NULL DEFAULT '',
	UNIQUE (issuer_cnpj, name_key)
);

CREATE TABLE IF NOT EXISTS transactions (
	id           BIGSERIAL PRIMARY KEY,
	filing_id    BIGINT NOT NULL REFERENCES filings(id) ON DELETE CASCADE,
	insider_id   BIGINT NOT NULL REFERENCES insiders(id),
	seq          INTEGER NOT NULL,
	trade_date   DATE NOT NULL,
	operation    TEXT NOT NULL,
	asset        TEXT NOT NULL,
	quantity     BIGINT NOT NULL,
	price        DOUBLE PRECISION,
	volume       DOUBLE PRECISION,
	intermediary TEXT,
	UNIQUE (filing_id, seq)
);

CREATE INDEX IF NOT EXISTS filings_pending_idx ON filings (id) WHERE processed_at IS NULL;
CREATE INDEX IF NOT EXISTS transactions_insider_idx ON transactions (insider_id);
`

// EnsureSchema creates the tables and indexes if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
