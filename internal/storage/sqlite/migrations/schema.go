// Package migrations owns the memory engine's SQLite schema: a base
// CREATE-TABLE-IF-NOT-EXISTS script applied once, followed by a list of
// numbered, idempotent migration functions recorded in schema_version —
// the same two-layer approach cmd/bd uses (a base schema.go plus a
// migrations/NNN_description.go file per change).
package migrations

// baseSchema creates every table the memory engine needs if it is not
// already present. Later structural changes are expressed as numbered
// migrations below, never as edits to this string, so that databases
// created at any past version can still be brought up to date.
const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS organizations (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS projects (
    id          TEXT PRIMARY KEY,
    org_id      TEXT REFERENCES organizations(id) ON DELETE SET NULL,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    root_path   TEXT NOT NULL DEFAULT '',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_projects_org ON projects(org_id);

CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    project_id TEXT REFERENCES projects(id) ON DELETE SET NULL,
    name       TEXT NOT NULL DEFAULT '',
    purpose    TEXT NOT NULL DEFAULT '',
    agent_id   TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT 'active',
    started_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    ended_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS entries (
    id                 TEXT PRIMARY KEY,
    kind               TEXT NOT NULL,
    scope_type         TEXT NOT NULL,
    scope_id           TEXT NOT NULL DEFAULT '',
    name               TEXT NOT NULL,
    category           TEXT NOT NULL DEFAULT '',
    priority           INTEGER,
    is_active          INTEGER NOT NULL DEFAULT 1,
    current_version_id TEXT NOT NULL DEFAULT '',
    created_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at         TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_entries_scope ON entries(scope_type, scope_id);
CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_kind_name_scope ON entries(kind, name, scope_type, scope_id);

CREATE TABLE IF NOT EXISTS entry_versions (
    id            TEXT PRIMARY KEY,
    entry_id      TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
    version_num   INTEGER NOT NULL,
    content       TEXT NOT NULL DEFAULT '',
    rationale     TEXT NOT NULL DEFAULT '',
    examples      TEXT NOT NULL DEFAULT '',
    parameters    TEXT NOT NULL DEFAULT '{}',
    change_reason TEXT NOT NULL DEFAULT '',
    created_by    TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_entry_versions_entry_num ON entry_versions(entry_id, version_num);

CREATE TABLE IF NOT EXISTS tags (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    category      TEXT NOT NULL DEFAULT 'custom',
    is_predefined INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS entry_tags (
    entry_type TEXT NOT NULL,
    entry_id   TEXT NOT NULL,
    tag_id     TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    PRIMARY KEY (entry_type, entry_id, tag_id)
);
CREATE INDEX IF NOT EXISTS idx_entry_tags_tag ON entry_tags(tag_id);

CREATE TABLE IF NOT EXISTS entry_relations (
    id             TEXT PRIMARY KEY,
    source_type    TEXT NOT NULL,
    source_id      TEXT NOT NULL,
    target_type    TEXT NOT NULL,
    target_id      TEXT NOT NULL,
    relation_type  TEXT NOT NULL,
    created_at     TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON entry_relations(source_type, source_id, relation_type);
CREATE INDEX IF NOT EXISTS idx_relations_target ON entry_relations(target_type, target_id, relation_type);

CREATE TABLE IF NOT EXISTS embeddings (
    entry_type TEXT NOT NULL,
    entry_id   TEXT NOT NULL,
    version_id TEXT NOT NULL,
    vector     BLOB NOT NULL,
    model      TEXT NOT NULL,
    provider   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (entry_type, entry_id)
);

CREATE TABLE IF NOT EXISTS retrieval_outcomes (
    entry_id         TEXT PRIMARY KEY,
    retrieval_count  INTEGER NOT NULL DEFAULT 0,
    success_count    INTEGER NOT NULL DEFAULT 0,
    last_success_at  TEXT,
    last_access_at   TEXT
);

CREATE TABLE IF NOT EXISTS permissions (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL,
    scope_type TEXT NOT NULL,
    scope_id   TEXT NOT NULL DEFAULT '',
    entry_type TEXT NOT NULL DEFAULT '',
    level      TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_permissions_agent ON permissions(agent_id, scope_type, scope_id);

CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
    entry_id UNINDEXED,
    name,
    content,
    rationale,
    examples,
    tokenize = 'porter unicode61'
);
`
