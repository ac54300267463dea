// Package storage provides the PostgreSQL storage layer for loom.
//
// Postgres is the source of truth for all hierarchy units (task clusters,
// subtasks, major tasks, goals). Membership is stored as a parent pointer
// on the child row, so a unit structurally belongs to at most one parent.
// Derived embeddings live in a nullable pgvector column and are refreshed
// through the embed_outbox queue.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a pgxpool.Pool for all queries.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new DB with a connection pool.
// dsn may point to PgBouncer or directly to Postgres.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection so embedding columns
	// encode/decode natively. Best-effort: the extension may not exist yet
	// during initial startup before migrations; later connections succeed
	// once it does.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages
// (the embed outbox worker polls it directly).
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// EmbeddingDimensions reports the dimensionality of the schema's vector
// columns. pgvector stores the dimension count as the column's type modifier.
// Startup compares this with the configured embedding dimensions so a
// mismatch fails fast instead of dead-lettering every cache write.
func (db *DB) EmbeddingDimensions(ctx context.Context) (int, error) {
	var dims int
	err := db.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'subtasks'::regclass AND attname = 'embedding'`).Scan(&dims)
	if err != nil {
		return 0, fmt.Errorf("storage: read schema embedding dimensions: %w", err)
	}
	return dims, nil
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}
