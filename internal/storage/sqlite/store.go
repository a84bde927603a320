// Package sqlite is the SQLite-backed implementation of storage.Storage.
// It follows cmd/bd's connection-per-transaction discipline: the
// shared *sql.DB is used for ordinary reads/writes, while multi-statement
// writes (CreateEntry, UpdateEntry, relation mutations) acquire a
// dedicated *sql.Conn so that BEGIN IMMEDIATE / COMMIT / ROLLBACK land on
// one physical connection instead of racing across the pool.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/storage/sqlite/migrations"
)

// Store is a SQLite-backed storage.Storage.
type Store struct {
	db   *sql.DB
	path string
}

var _ storage.Storage = (*Store)(nil)

// New opens (creating if absent) a SQLite database at path and applies any
// pending migrations.
func New(ctx context.Context, path string) (*Store, error) {
	connStr := storage.SQLiteConnString(path, false)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(8)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ResetAll truncates every data table, preserving schema_version so
// migrations are not re-applied. It backs the Admin `reset` contract
// (§6), "reserved for administrative reset only" per §3's lifecycle note.
func (s *Store) ResetAll(ctx context.Context) error {
	tables := []string{
		"entry_tags", "entry_relations", "embeddings", "retrieval_outcomes",
		"permissions", "entry_versions", "entries", "tags", "sessions",
		"projects", "organizations", "config",
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	for _, table := range tables {
		if _, err := conn.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	if _, err := conn.ExecContext(ctx, "DELETE FROM entries_fts"); err != nil {
		return fmt.Errorf("truncate entries_fts: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	committed = true
	return nil
}

// conn acquires a dedicated connection for a transaction, the same
// pattern cmd/bd uses to pin BEGIN IMMEDIATE/COMMIT to one connection
// (internal/storage/sqlite/queries.go CreateIssue).
func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	return s.db.Conn(ctx)
}

// beginImmediate starts an IMMEDIATE transaction on conn, retrying briefly
// on SQLITE_BUSY the way cmd/bd's beginImmediateWithRetry does.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	var lastErr error
	backoff := 5 * time.Millisecond
	for attempt := 0; attempt < 8; attempt++ {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("begin immediate: %w", lastErr)
}
