package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// CreateEntry inserts a header and its first version as one unit, using a
// dedicated connection and BEGIN IMMEDIATE the way cmd/bd's CreateIssue
// pins ID generation and insert to a single connection so the two
// statements cannot be interleaved with a concurrent writer.
func (s *Store) CreateEntry(ctx context.Context, entry *types.Entry, firstVersion *types.EntryVersion) error {
	if err := entry.Validate(); err != nil {
		return wrapDBErrorf(err, "validate entry")
	}

	conn, err := s.conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return wrapDBError("begin immediate", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	entry.CreatedAt = nowFunc()
	entry.UpdatedAt = entry.CreatedAt
	entry.CurrentVersionID = firstVersion.ID
	firstVersion.EntryID = entry.ID
	firstVersion.VersionNum = 1
	firstVersion.CreatedAt = entry.CreatedAt

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO entries (id, kind, scope_type, scope_id, name, category, priority, is_active, current_version_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
	`, entry.ID, entry.Kind, entry.ScopeType, entry.ScopeID, entry.Name, entry.Category, entry.Priority,
		entry.CurrentVersionID, formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt)); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entry %s %q already exists in scope %s:%s: %w: %w", entry.Kind, entry.Name, entry.ScopeType, entry.ScopeID, ErrConflict, storage.ErrConflict)
		}
		return wrapDBError("insert entry", err)
	}

	if err := insertVersion(ctx, conn, firstVersion); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO entries_fts (entry_id, name, content, rationale, examples) VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.Name, firstVersion.Content, firstVersion.Rationale, firstVersion.Examples); err != nil {
		return wrapDBError("index entry fts", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit create entry", err)
	}
	committed = true
	return nil
}

func insertVersion(ctx context.Context, conn *sql.Conn, v *types.EntryVersion) error {
	params, err := json.Marshal(v.Parameters)
	if err != nil {
		return wrapDBError("marshal version parameters", err)
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO entry_versions (id, entry_id, version_num, content, rationale, examples, parameters, change_reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.EntryID, v.VersionNum, v.Content, v.Rationale, v.Examples, string(params), v.ChangeReason, v.CreatedBy, formatTime(v.CreatedAt))
	return wrapDBError("insert entry version", err)
}

// UpdateEntry appends a new version and repoints current_version_id,
// serialized per-entry via the same IMMEDIATE-transaction pinning as
// CreateEntry so version numbers never collide under concurrent writers
// (§8 "version monotonicity" testable property).
func (s *Store) UpdateEntry(ctx context.Context, entryID string, newVersion *types.EntryVersion) (*types.Entry, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return nil, wrapDBError("begin immediate", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var maxVersion int
	err = conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_num), 0) FROM entry_versions WHERE entry_id = ?`, entryID).Scan(&maxVersion)
	if err != nil {
		return nil, wrapDBError("read max version", err)
	}
	if maxVersion == 0 {
		return nil, wrapDBError("update entry", ErrNotFound)
	}

	newVersion.EntryID = entryID
	newVersion.VersionNum = maxVersion + 1
	newVersion.CreatedAt = nowFunc()

	if err := insertVersion(ctx, conn, newVersion); err != nil {
		return nil, err
	}

	now := formatTime(newVersion.CreatedAt)
	res, err := conn.ExecContext(ctx, `
		UPDATE entries SET current_version_id = ?, updated_at = ? WHERE id = ?
	`, newVersion.ID, now, entryID)
	if err != nil {
		return nil, wrapDBError("repoint current version", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, wrapDBError("update entry", ErrNotFound)
	}

	if _, err := conn.ExecContext(ctx, `
		UPDATE entries_fts SET content = ?, rationale = ?, examples = ? WHERE entry_id = ?
	`, newVersion.Content, newVersion.Rationale, newVersion.Examples, entryID); err != nil {
		return nil, wrapDBError("reindex entry fts", err)
	}

	row := conn.QueryRowContext(ctx, entrySelectColumns+` WHERE id = ?`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, wrapDBError("commit update entry", err)
	}
	committed = true
	return entry, nil
}

const entrySelectColumns = `
	SELECT id, kind, scope_type, scope_id, name, category, priority, is_active, archived_reason, current_version_id, created_at, updated_at
	FROM entries`

func scanEntry(row scanner) (*types.Entry, error) {
	var e types.Entry
	var priority sql.NullInt64
	var isActive int
	var createdAt, updatedAt string
	if err := row.Scan(&e.ID, &e.Kind, &e.ScopeType, &e.ScopeID, &e.Name, &e.Category, &priority, &isActive,
		&e.ArchivedReason, &e.CurrentVersionID, &createdAt, &updatedAt); err != nil {
		return nil, wrapDBError("scan entry", err)
	}
	if priority.Valid {
		p := int(priority.Int64)
		e.Priority = &p
	}
	e.IsActive = isActive != 0
	e.CreatedAt = parseTimeString(createdAt)
	e.UpdatedAt = parseTimeString(updatedAt)
	return &e, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (*types.Entry, error) {
	row := s.db.QueryRowContext(ctx, entrySelectColumns+` WHERE id = ?`, id)
	return scanEntry(row)
}

func (s *Store) GetEntryByName(ctx context.Context, kind types.EntryKind, name string, scope types.Scope) (*types.Entry, error) {
	row := s.db.QueryRowContext(ctx, entrySelectColumns+`
		WHERE kind = ? AND name = ? AND scope_type = ? AND scope_id = ?
	`, kind, name, scope.Type, scope.ID)
	return scanEntry(row)
}

func (s *Store) GetCurrentVersion(ctx context.Context, entryID string) (*types.EntryVersion, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return s.getVersion(ctx, entry.CurrentVersionID)
}

func (s *Store) getVersion(ctx context.Context, versionID string) (*types.EntryVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entry_id, version_num, content, rationale, examples, parameters, change_reason, created_by, created_at
		FROM entry_versions WHERE id = ?
	`, versionID)
	return scanVersion(row)
}

func scanVersion(row scanner) (*types.EntryVersion, error) {
	var v types.EntryVersion
	var params, createdAt string
	if err := row.Scan(&v.ID, &v.EntryID, &v.VersionNum, &v.Content, &v.Rationale, &v.Examples, &params, &v.ChangeReason, &v.CreatedBy, &createdAt); err != nil {
		return nil, wrapDBError("scan entry version", err)
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &v.Parameters); err != nil {
			return nil, wrapDBError("unmarshal version parameters", err)
		}
	}
	v.CreatedAt = parseTimeString(createdAt)
	return &v, nil
}

func (s *Store) GetHistory(ctx context.Context, entryID string) ([]*types.EntryVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entry_id, version_num, content, rationale, examples, parameters, change_reason, created_by, created_at
		FROM entry_versions WHERE entry_id = ? ORDER BY version_num
	`, entryID)
	if err != nil {
		return nil, wrapDBError("list entry history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.EntryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, wrapDBError("iterate entry history", rows.Err())
}

// Deactivate flips is_active off and prunes the entry's derived FTS row,
// mirroring the embedding deletion the handler performs alongside it so
// neither derived index outlives the entry it was built from (§3
// Lifecycle, §8 derived-row coherence).
func (s *Store) Deactivate(ctx context.Context, entryID string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entries SET is_active = 0, archived_reason = ?, updated_at = ? WHERE id = ?
	`, reason, formatTime(nowFunc()), entryID)
	if err != nil {
		return wrapDBError("deactivate entry", err)
	}
	if err := checkRowsAffected(res, "deactivate entry"); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries_fts WHERE entry_id = ?`, entryID); err != nil {
		return wrapDBError("prune deactivated entry fts", err)
	}
	return nil
}

// ListEntries applies scope/kind/category/name-prefix filters plus
// pagination (f.Tags is not applied; see buildEntryFilter),
// returning both the page and the total matching count (used to compute
// storage.PageMeta.HasMore/TotalCount upstream).
func (s *Store) ListEntries(ctx context.Context, filter storage.EntryFilter, page Pagination) ([]*types.Entry, int, error) {
	where, args := buildEntryFilter(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM entries` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapDBError("count entries", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 20
	}
	listQuery := entrySelectColumns + where + ` ORDER BY created_at LIMIT ? OFFSET ?`
	listArgs := append(append([]any{}, args...), limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, wrapDBError("list entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, wrapDBError("iterate entries", rows.Err())
}

// ResolveIDByPrefix implements the resolve-by-prefix supplemented feature
// (SPEC_FULL §4, generalized from cmd/bd's OpResolveID): returns every
// entry whose id starts with prefix, across all four kinds, so the caller
// can decide between a unique match, ambiguous, or not-found.
func (s *Store) ResolveIDByPrefix(ctx context.Context, prefix string, limit int) ([]*types.Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, entrySelectColumns+` WHERE id LIKE ? ORDER BY id LIMIT ?`, prefix+"%", limit)
	if err != nil {
		return nil, wrapDBError("resolve id by prefix", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, wrapDBError("iterate resolve id by prefix", rows.Err())
}

// Pagination is re-exported locally to avoid an import cycle; storage.Pagination
// has the identical shape and callers pass it directly.
type Pagination = storage.Pagination

// buildEntryFilter turns the scope/kind/category/name-prefix fields of an
// EntryFilter into a SQL WHERE clause. f.Tags is deliberately not applied
// here: the three-set include/require/exclude predicate needs each
// candidate's full tag set, which querypipeline.buildScoredEntries already
// fetches via ListTagsForEntry, so the tag filter is applied there against
// every candidate this query (or FTS/vector search) returns.
func buildEntryFilter(f storage.EntryFilter) (string, []any) {
	clauses := []string{"1=1"}
	var args []any

	if !f.IncludeInactive {
		clauses = append(clauses, "is_active = 1")
	}
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			args = append(args, k)
		}
		clauses = append(clauses, fmt.Sprintf("kind IN (%s)", joinComma(ph)))
	}
	if len(f.Scopes) > 0 {
		ph := make([]string, len(f.Scopes))
		for i, sc := range f.Scopes {
			ph[i] = "(scope_type = ? AND scope_id = ?)"
			args = append(args, sc.Type, sc.ID)
		}
		clauses = append(clauses, "("+joinOr(ph)+")")
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.NamePrefix != "" {
		clauses = append(clauses, "name LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.NamePrefix)+"%")
	}
	return " WHERE " + joinAnd(clauses), args
}

func joinComma(parts []string) string { return joinSep(parts, ", ") }
func joinOr(parts []string) string    { return joinSep(parts, " OR ") }
func joinAnd(parts []string) string   { return joinSep(parts, " AND ") }

func joinSep(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
