package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/memtree/memengine/internal/types"
)

func (s *Store) CreateOrg(ctx context.Context, org *types.Organization) error {
	meta, err := json.Marshal(org.Metadata)
	if err != nil {
		return wrapDBError("marshal org metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, metadata, created_at) VALUES (?, ?, ?, ?)
	`, org.ID, org.Name, string(meta), formatTime(org.CreatedAt))
	return wrapDBError("create org", err)
}

func (s *Store) GetOrg(ctx context.Context, id string) (*types.Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, metadata, created_at FROM organizations WHERE id = ?`, id)
	return scanOrg(row)
}

func (s *Store) ListOrgs(ctx context.Context) ([]*types.Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, metadata, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, wrapDBError("list orgs", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, wrapDBError("iterate orgs", rows.Err())
}

func (s *Store) UpdateOrg(ctx context.Context, org *types.Organization) error {
	meta, err := json.Marshal(org.Metadata)
	if err != nil {
		return wrapDBError("marshal org metadata", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE organizations SET name = ?, metadata = ? WHERE id = ?`, org.Name, string(meta), org.ID)
	if err != nil {
		return wrapDBError("update org", err)
	}
	return checkRowsAffected(res, "update org")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrg(row scanner) (*types.Organization, error) {
	var org types.Organization
	var meta string
	var createdAt string
	if err := row.Scan(&org.ID, &org.Name, &meta, &createdAt); err != nil {
		return nil, wrapDBError("scan org", err)
	}
	if err := json.Unmarshal([]byte(meta), &org.Metadata); err != nil {
		return nil, wrapDBError("unmarshal org metadata", err)
	}
	org.CreatedAt = parseTimeString(createdAt)
	return &org, nil
}

func (s *Store) CreateProject(ctx context.Context, project *types.Project) error {
	meta, err := json.Marshal(project.Metadata)
	if err != nil {
		return wrapDBError("marshal project metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, org_id, name, description, root_path, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, project.ID, project.OrgID, project.Name, project.Description, project.RootPath, string(meta), formatTime(project.CreatedAt))
	return wrapDBError("create project", err)
}

func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, name, description, root_path, metadata, created_at FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

func (s *Store) ListProjects(ctx context.Context, orgID *string) ([]*types.Project, error) {
	var rows *sql.Rows
	var err error
	if orgID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, org_id, name, description, root_path, metadata, created_at FROM projects WHERE org_id = ? ORDER BY created_at
		`, *orgID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, org_id, name, description, root_path, metadata, created_at FROM projects ORDER BY created_at
		`)
	}
	if err != nil {
		return nil, wrapDBError("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapDBError("iterate projects", rows.Err())
}

func (s *Store) UpdateProject(ctx context.Context, project *types.Project) error {
	meta, err := json.Marshal(project.Metadata)
	if err != nil {
		return wrapDBError("marshal project metadata", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET org_id = ?, name = ?, description = ?, root_path = ?, metadata = ? WHERE id = ?
	`, project.OrgID, project.Name, project.Description, project.RootPath, string(meta), project.ID)
	if err != nil {
		return wrapDBError("update project", err)
	}
	return checkRowsAffected(res, "update project")
}

func scanProject(row scanner) (*types.Project, error) {
	var p types.Project
	var orgID sql.NullString
	var meta, createdAt string
	if err := row.Scan(&p.ID, &orgID, &p.Name, &p.Description, &p.RootPath, &meta, &createdAt); err != nil {
		return nil, wrapDBError("scan project", err)
	}
	if orgID.Valid {
		p.OrgID = &orgID.String
	}
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return nil, wrapDBError("unmarshal project metadata", err)
	}
	p.CreatedAt = parseTimeString(createdAt)
	return &p, nil
}

func (s *Store) StartSession(ctx context.Context, session *types.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, name, purpose, agent_id, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.ProjectID, session.Name, session.Purpose, session.AgentID, session.Status, formatTime(session.StartedAt))
	return wrapDBError("start session", err)
}

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, purpose, agent_id, status, started_at, ended_at FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func (s *Store) ListSessions(ctx context.Context, projectID *string) ([]*types.Session, error) {
	var rows *sql.Rows
	var err error
	if projectID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, project_id, name, purpose, agent_id, status, started_at, ended_at FROM sessions WHERE project_id = ? ORDER BY started_at
		`, *projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, project_id, name, purpose, agent_id, status, started_at, ended_at FROM sessions ORDER BY started_at
		`)
	}
	if err != nil {
		return nil, wrapDBError("list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, wrapDBError("iterate sessions", rows.Err())
}

func (s *Store) UpdateSession(ctx context.Context, session *types.Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET project_id = ?, name = ?, purpose = ?, agent_id = ?, status = ?, ended_at = ? WHERE id = ?
	`, session.ProjectID, session.Name, session.Purpose, session.AgentID, session.Status, formatNullableTime(session.EndedAt), session.ID)
	if err != nil {
		return wrapDBError("update session", err)
	}
	return checkRowsAffected(res, "update session")
}

func (s *Store) EndSession(ctx context.Context, id string, status types.SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = ? WHERE id = ?
	`, status, formatTime(nowFunc()), id)
	if err != nil {
		return wrapDBError("end session", err)
	}
	return checkRowsAffected(res, "end session")
}

func scanSession(row scanner) (*types.Session, error) {
	var sess types.Session
	var projectID sql.NullString
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&sess.ID, &projectID, &sess.Name, &sess.Purpose, &sess.AgentID, &sess.Status, &startedAt, &endedAt); err != nil {
		return nil, wrapDBError("scan session", err)
	}
	if projectID.Valid {
		sess.ProjectID = &projectID.String
	}
	sess.StartedAt = parseTimeString(startedAt)
	sess.EndedAt = parseNullableTimeString(endedAt)
	return &sess, nil
}

// ProjectOrg and SessionProject implement types.ParentResolver, feeding
// scope-chain expansion in the query pipeline.

func (s *Store) ProjectOrg(projectID string) (types.Scope, error) {
	var orgID sql.NullString
	err := s.db.QueryRow(`SELECT org_id FROM projects WHERE id = ?`, projectID).Scan(&orgID)
	if err == sql.ErrNoRows || !orgID.Valid {
		return types.Global, nil
	}
	if err != nil {
		return types.Scope{}, wrapDBError("resolve project org", err)
	}
	return types.Scope{Type: types.ScopeOrg, ID: orgID.String}, nil
}

func (s *Store) SessionProject(sessionID string) (types.Scope, error) {
	var projectID sql.NullString
	err := s.db.QueryRow(`SELECT project_id FROM sessions WHERE id = ?`, sessionID).Scan(&projectID)
	if err == sql.ErrNoRows || !projectID.Valid {
		return types.Global, nil
	}
	if err != nil {
		return types.Scope{}, wrapDBError("resolve session project", err)
	}
	return types.Scope{Type: types.ScopeProject, ID: projectID.String}, nil
}
