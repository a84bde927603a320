package sqlite

import (
	"context"
	"fmt"

	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// CreateRelation inserts an edge after checking the self-loop and cycle
// invariants for relation types that participate in a hierarchy or
// dependency graph (§8 "relation acyclicity" testable property).
func (s *Store) CreateRelation(ctx context.Context, rel *types.EntryRelation) error {
	if rel.RelationType.ForbidsSelfLoop() && rel.SourceType == rel.TargetType && rel.SourceID == rel.TargetID {
		return wrapDBErrorf(ErrCycle, "relation would self-reference %s:%s", rel.SourceType, rel.SourceID)
	}

	if rel.RelationType.ForbidsSelfLoop() {
		target := types.EntryRef{Kind: rel.TargetType, ID: rel.TargetID}
		source := types.EntryRef{Kind: rel.SourceType, ID: rel.SourceID}
		hasCycle, err := s.HasAncestor(ctx, target, source, rel.RelationType)
		if err != nil {
			return err
		}
		if hasCycle {
			return wrapDBErrorf(ErrCycle, "adding %s would create a cycle through %s", rel.RelationType, target)
		}
	}

	rel.CreatedAt = nowFunc()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entry_relations (id, source_type, source_id, target_type, target_id, relation_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rel.ID, rel.SourceType, rel.SourceID, rel.TargetType, rel.TargetID, rel.RelationType, formatTime(rel.CreatedAt))
	if isUniqueConstraintError(err) {
		return fmt.Errorf("relation %s from %s:%s to %s:%s already exists: %w: %w",
			rel.RelationType, rel.SourceType, rel.SourceID, rel.TargetType, rel.TargetID, ErrConflict, storage.ErrConflict)
	}
	return wrapDBError("create relation", err)
}

func (s *Store) ListRelations(ctx context.Context, ref types.EntryRef, relType types.RelationType) ([]types.EntryRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_id, target_type, target_id, relation_type, created_at
		FROM entry_relations
		WHERE relation_type = ? AND ((source_type = ? AND source_id = ?) OR (target_type = ? AND target_id = ?))
	`, relType, ref.Kind, ref.ID, ref.Kind, ref.ID)
	if err != nil {
		return nil, wrapDBError("list relations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.EntryRelation
	for rows.Next() {
		var r types.EntryRelation
		var createdAt string
		if err := rows.Scan(&r.ID, &r.SourceType, &r.SourceID, &r.TargetType, &r.TargetID, &r.RelationType, &createdAt); err != nil {
			return nil, wrapDBError("scan relation", err)
		}
		r.CreatedAt = parseTimeString(createdAt)
		out = append(out, r)
	}
	return out, wrapDBError("iterate relations", rows.Err())
}

func (s *Store) DeleteRelation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entry_relations WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("delete relation", err)
	}
	return checkRowsAffected(res, "delete relation")
}

// HasAncestor walks relation_type edges breadth-first from start looking
// for target, the same traversal shape cmd/bd uses for dependency cycle
// checks before AddDependency.
func (s *Store) HasAncestor(ctx context.Context, start types.EntryRef, target types.EntryRef, relType types.RelationType) (bool, error) {
	visited := map[string]bool{start.String(): true}
	queue := []types.EntryRef{start}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		rows, err := s.db.QueryContext(ctx, `
			SELECT target_type, target_id FROM entry_relations
			WHERE relation_type = ? AND source_type = ? AND source_id = ?
		`, relType, cur.Kind, cur.ID)
		if err != nil {
			return false, wrapDBError("walk relation graph", err)
		}

		var next []types.EntryRef
		for rows.Next() {
			var ref types.EntryRef
			if err := rows.Scan(&ref.Kind, &ref.ID); err != nil {
				_ = rows.Close()
				return false, wrapDBError("scan relation edge", err)
			}
			next = append(next, ref)
		}
		closeErr := rows.Close()
		if err := rows.Err(); err != nil {
			return false, wrapDBError("iterate relation edges", err)
		}
		if closeErr != nil {
			return false, wrapDBError("close relation rows", closeErr)
		}

		for _, ref := range next {
			if ref == target {
				return true, nil
			}
			key := ref.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			queue = append(queue, ref)
		}
	}
	return false, nil
}
