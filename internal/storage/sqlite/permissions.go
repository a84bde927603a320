package sqlite

import (
	"context"

	"github.com/memtree/memengine/internal/types"
)

func (s *Store) GrantPermission(ctx context.Context, perm *types.Permission) error {
	perm.CreatedAt = nowFunc()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (id, agent_id, scope_type, scope_id, entry_type, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, perm.ID, perm.AgentID, perm.ScopeType, perm.ScopeID, perm.EntryType, perm.Level, formatTime(perm.CreatedAt))
	return wrapDBError("grant permission", err)
}

func (s *Store) RevokePermission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM permissions WHERE id = ?`, id)
	if err != nil {
		return wrapDBError("revoke permission", err)
	}
	return checkRowsAffected(res, "revoke permission")
}

func (s *Store) ListPermissions(ctx context.Context, agentID string) ([]types.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, scope_type, scope_id, entry_type, level, created_at
		FROM permissions WHERE agent_id = ? ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, wrapDBError("list permissions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Permission
	for rows.Next() {
		var p types.Permission
		var createdAt string
		if err := rows.Scan(&p.ID, &p.AgentID, &p.ScopeType, &p.ScopeID, &p.EntryType, &p.Level, &createdAt); err != nil {
			return nil, wrapDBError("scan permission", err)
		}
		p.CreatedAt = parseTimeString(createdAt)
		out = append(out, p)
	}
	return out, wrapDBError("iterate permissions", rows.Err())
}
