package sqlite

import (
	"context"

	"github.com/memtree/memengine/internal/types"
)

// UpsertTagByName returns the existing tag with that name or creates one,
// the same "insert-or-fetch" idiom cmd/bd uses for reference tables (see
// e.g. label normalization in its labelmutex package).
func (s *Store) UpsertTagByName(ctx context.Context, name string, category types.TagCategory) (*types.Tag, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, category, is_predefined FROM tags WHERE name = ?`, name)
	tag, err := scanTag(row)
	if err == nil {
		return tag, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	id := types.NewID()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name, category, is_predefined) VALUES (?, ?, ?, 0)
		ON CONFLICT (name) DO NOTHING
	`, id, name, category)
	if err != nil {
		return nil, wrapDBError("upsert tag", err)
	}

	row = s.db.QueryRowContext(ctx, `SELECT id, name, category, is_predefined FROM tags WHERE name = ?`, name)
	return scanTag(row)
}

func scanTag(row scanner) (*types.Tag, error) {
	var t types.Tag
	var isPredefined int
	if err := row.Scan(&t.ID, &t.Name, &t.Category, &isPredefined); err != nil {
		return nil, wrapDBError("scan tag", err)
	}
	t.IsPredefined = isPredefined != 0
	return &t, nil
}

// AttachTag is idempotent: attaching an already-attached tag is a no-op,
// per §8's "idempotent tag attach/detach" testable property.
func (s *Store) AttachTag(ctx context.Context, ref types.EntryRef, tagID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_tags (entry_type, entry_id, tag_id) VALUES (?, ?, ?)
		ON CONFLICT (entry_type, entry_id, tag_id) DO NOTHING
	`, ref.Kind, ref.ID, tagID)
	return wrapDBError("attach tag", err)
}

func (s *Store) DetachTag(ctx context.Context, ref types.EntryRef, tagID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM entry_tags WHERE entry_type = ? AND entry_id = ? AND tag_id = ?
	`, ref.Kind, ref.ID, tagID)
	return wrapDBError("detach tag", err)
}

func (s *Store) ListTagsForEntry(ctx context.Context, ref types.EntryRef) ([]types.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.category, t.is_predefined
		FROM tags t JOIN entry_tags et ON et.tag_id = t.id
		WHERE et.entry_type = ? AND et.entry_id = ?
		ORDER BY t.name
	`, ref.Kind, ref.ID)
	if err != nil {
		return nil, wrapDBError("list tags for entry", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, wrapDBError("iterate entry tags", rows.Err())
}

func (s *Store) ListEntriesForTag(ctx context.Context, tagID string) ([]types.EntryRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_type, entry_id FROM entry_tags WHERE tag_id = ?`, tagID)
	if err != nil {
		return nil, wrapDBError("list entries for tag", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.EntryRef
	for rows.Next() {
		var ref types.EntryRef
		if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
			return nil, wrapDBError("scan entry ref", err)
		}
		out = append(out, ref)
	}
	return out, wrapDBError("iterate tag entries", rows.Err())
}

// ResolveTagIDs looks up ids for a batch of tag names in one query,
// returning only the names that exist (callers treat a missing name as
// "tag not found" rather than silently creating it).
func (s *Store) ResolveTagIDs(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if len(names) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		placeholders[i] = "?"
		args[i] = n
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tags WHERE name IN (`+joinComma(placeholders)+`)`, args...)
	if err != nil {
		return nil, wrapDBError("resolve tag ids", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, wrapDBError("scan tag id", err)
		}
		out[name] = id
	}
	return out, wrapDBError("iterate resolved tags", rows.Err())
}
