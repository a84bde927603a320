package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one numbered, idempotent schema change, in the same shape
// as cmd/bd's NNN_description.go files (e.g. 002_external_ref_column.go),
// generalized here into a registry instead of one function per file so
// Apply can track which versions have already run via schema_version.
type migration struct {
	version int
	name    string
	up      func(ctx context.Context, db *sql.DB) error
}

// registry lists migrations in the order they must be applied. Append new
// entries here; never reorder or edit an already-released migration's up
// function.
var registry = []migration{
	{version: 1, name: "add_entries_archived_reason", up: addEntriesArchivedReason},
	{version: 2, name: "add_relations_unique_index", up: addRelationsUniqueIndex},
}

// Apply creates the base schema if absent, then runs every migration whose
// version is not yet recorded in schema_version, in order. A migration's up
// function runs directly on db; only the insert that records its version
// runs inside a transaction.
func Apply(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range registry {
		if applied[m.version] {
			continue
		}
		if err := runOne(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("query schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_version row: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func runOne(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.up(ctx, db); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit()
}

// columnExists checks sqlite's PRAGMA table_info for a column, the same
// check cmd/bd's column-adding migrations perform before ALTER TABLE.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, fmt.Errorf("check schema: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan column info: %w", err)
		}
		if name == column {
			return true, rows.Err()
		}
	}
	return false, rows.Err()
}

// addEntriesArchivedReason records why an entry was deactivated, an
// addition the base schema left out — a free-text reason surfaced by
// Deactivate(reason) and returned on the entry header by GetEntry.
func addEntriesArchivedReason(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "entries", "archived_reason")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.ExecContext(ctx, `ALTER TABLE entries ADD COLUMN archived_reason TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add archived_reason column: %w", err)
		}
	}
	return nil
}

// addRelationsUniqueIndex enforces §3 invariant 4 ("(source, target,
// relationType) triples are unique per pair"), which the base schema left
// unenforced. Duplicate rows already present (there should be none, since
// CreateRelation is the only writer) would make this migration fail loudly
// rather than silently drop data.
func addRelationsUniqueIndex(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_relations_unique
		ON entry_relations(source_type, source_id, target_type, target_id, relation_type)
	`)
	if err != nil {
		return fmt.Errorf("create relations unique index: %w", err)
	}
	return nil
}
