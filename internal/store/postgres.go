// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the pgx-backed Store. All multi-row writes go through
// pgx.BeginTxFunc; WithTx stashes the transaction in the context so
// sub-store calls join it.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool and verifies it with a short ping.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Users() UserStore            { return p }
func (p *Postgres) Games() GameStore            { return p }
func (p *Postgres) Requests() RequestStore      { return p }
func (p *Postgres) Histories() HistoryStore     { return p }
func (p *Postgres) Lobbies() LobbyStore         { return p }
func (p *Postgres) Chats() ChatStore            { return p }
func (p *Postgres) SupportsTransactions() bool  { return true }

type txKey struct{}

// WithTx opens a transaction and runs fn with it bound to the context.
// Nested calls reuse the outer transaction.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// dbtx is the querying surface shared by pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) q(ctx context.Context) dbtx {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}

// isUniqueViolation reports whether err is a Postgres 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	username TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	game_profiles JSONB NOT NULL DEFAULT '[]',
	last_active TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS games (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS match_requests (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	status TEXT NOT NULL,
	criteria JSONB NOT NULL,
	preselected_users JSONB NOT NULL DEFAULT '[]',
	search_start_time TIMESTAMPTZ NOT NULL,
	relaxation_level INT NOT NULL DEFAULT 0,
	relaxation_timestamp TIMESTAMPTZ,
	matched_lobby_id UUID
);
CREATE UNIQUE INDEX IF NOT EXISTS match_requests_one_searching
	ON match_requests (user_id) WHERE status = 'searching';
CREATE INDEX IF NOT EXISTS match_requests_status_start
	ON match_requests (status, search_start_time);

CREATE TABLE IF NOT EXISTS match_histories (
	id UUID PRIMARY KEY,
	game_id TEXT NOT NULL,
	game_mode TEXT NOT NULL,
	region TEXT NOT NULL,
	participants JSONB NOT NULL,
	quality JSONB NOT NULL,
	metrics JSONB NOT NULL,
	lobby_id UUID,
	status TEXT NOT NULL,
	formed_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS match_histories_participants
	ON match_histories USING GIN (participants);

CREATE TABLE IF NOT EXISTS lobbies (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	game_id TEXT NOT NULL,
	game_mode TEXT NOT NULL,
	region TEXT NOT NULL,
	match_history_id UUID NOT NULL,
	host_id UUID NOT NULL,
	capacity_min INT NOT NULL,
	capacity_max INT NOT NULL,
	members JSONB NOT NULL,
	status TEXT NOT NULL,
	chat_id UUID NOT NULL,
	is_private BOOL NOT NULL DEFAULT false,
	auto_start BOOL NOT NULL DEFAULT false,
	auto_close BOOL NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS lobbies_members ON lobbies USING GIN (members);
CREATE INDEX IF NOT EXISTS lobbies_status ON lobbies (status);

CREATE TABLE IF NOT EXISTS chats (
	id UUID PRIMARY KEY,
	chat_type TEXT NOT NULL,
	participants JSONB NOT NULL DEFAULT '[]',
	lobby_id UUID,
	last_message_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
	id UUID PRIMARY KEY,
	chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	sender_id UUID,
	content TEXT NOT NULL,
	content_type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	edited_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS chat_messages_chat_created
	ON chat_messages (chat_id, created_at);
`

// EnsureSchema creates tables and indexes if they are missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schema)
	return err
}
