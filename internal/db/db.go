package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Querier is the part of pgxpool.Pool the BOC store uses
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS tonharbor;
CREATE TABLE IF NOT EXISTS tonharbor.bocs (
	key        text PRIMARY KEY,
	data       bytea NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`

// BocStore persists cached bags of cells in Postgres. Keys are content
// hashes so rows are never updated.
type BocStore struct {
	q Querier
}

func NewBocStore(q Querier) *BocStore {
	return &BocStore{q: q}
}

// EnsureSchema creates the table if it does not exist
func (s *BocStore) EnsureSchema(ctx context.Context) error {
	_, err := s.q.Exec(ctx, schemaSQL)
	return err
}

func (s *BocStore) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.q.QueryRow(ctx, `SELECT data FROM tonharbor.bocs WHERE key=$1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *BocStore) Store(ctx context.Context, key string, data []byte) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO tonharbor.bocs(key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, data)
	return err
}
