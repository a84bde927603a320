// Package storage defines the interface for the memory engine's durable
// store (components A-D) and houses the SQLite implementation under
// storage/sqlite.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/memtree/memengine/internal/types"
)

// ErrConflict is the driver-agnostic sentinel a Storage implementation
// wraps a returned error with when a unique constraint would be violated
// (duplicate entry name within a scope, duplicate relation triple). The
// handler package checks for it with errors.Is to translate into
// types.ErrDuplicateName without depending on a concrete driver package.
var ErrConflict = errors.New("conflict")

// EntryFilter narrows listEntries (§4.A) and the FTS/vector pre-filter
// predicates (§4.C, §4.D).
type EntryFilter struct {
	Scopes          []types.Scope
	Kinds           []types.EntryKind
	Category        string
	IncludeInactive bool
	Tags            types.TagFilter
	NamePrefix      string
}

// Pagination is a plain offset/limit pair; the signed-cursor layer (§4.H)
// sits above this, in the cache/handler packages.
type Pagination struct {
	Offset int
	Limit  int
}

// Storage is the full contract of component A (Scope & Entity Store) plus
// the derived-index operations of components B, C, and D. A single
// implementation (sqlite) backs it; the interface exists so the query and
// handler packages depend on a seam, not a concrete driver, the same
// storage.Storage/sqlite.SQLiteStorage split cmd/bd uses.
type Storage interface {
	// --- Scope tree (Organization/Project/Session) ---
	CreateOrg(ctx context.Context, org *types.Organization) error
	GetOrg(ctx context.Context, id string) (*types.Organization, error)
	ListOrgs(ctx context.Context) ([]*types.Organization, error)
	UpdateOrg(ctx context.Context, org *types.Organization) error

	CreateProject(ctx context.Context, project *types.Project) error
	GetProject(ctx context.Context, id string) (*types.Project, error)
	ListProjects(ctx context.Context, orgID *string) ([]*types.Project, error)
	UpdateProject(ctx context.Context, project *types.Project) error

	StartSession(ctx context.Context, session *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	ListSessions(ctx context.Context, projectID *string) ([]*types.Session, error)
	UpdateSession(ctx context.Context, session *types.Session) error
	EndSession(ctx context.Context, id string, status types.SessionStatus) error

	// ParentResolver wiring for §4.A scope-inheritance expansion.
	types.ParentResolver

	// --- Entries & versions (component A) ---
	CreateEntry(ctx context.Context, entry *types.Entry, firstVersion *types.EntryVersion) error
	UpdateEntry(ctx context.Context, entryID string, newVersion *types.EntryVersion) (*types.Entry, error)
	GetEntry(ctx context.Context, id string) (*types.Entry, error)
	GetEntryByName(ctx context.Context, kind types.EntryKind, name string, scope types.Scope) (*types.Entry, error)
	GetCurrentVersion(ctx context.Context, entryID string) (*types.EntryVersion, error)
	ListEntries(ctx context.Context, filter EntryFilter, page Pagination) ([]*types.Entry, int, error)
	Deactivate(ctx context.Context, entryID string, reason string) error
	GetHistory(ctx context.Context, entryID string) ([]*types.EntryVersion, error)

	// ResolveIDByPrefix returns every entry whose id starts with prefix, up
	// to limit, across all four kinds — the supplemented resolve-by-prefix
	// feature (generalized from cmd/bd's OpResolveID).
	ResolveIDByPrefix(ctx context.Context, prefix string, limit int) ([]*types.Entry, error)

	// --- Tags & relations (component B) ---
	UpsertTagByName(ctx context.Context, name string, category types.TagCategory) (*types.Tag, error)
	AttachTag(ctx context.Context, ref types.EntryRef, tagID string) error
	DetachTag(ctx context.Context, ref types.EntryRef, tagID string) error
	ListTagsForEntry(ctx context.Context, ref types.EntryRef) ([]types.Tag, error)
	ListEntriesForTag(ctx context.Context, tagID string) ([]types.EntryRef, error)
	ResolveTagIDs(ctx context.Context, names []string) (map[string]string, error)

	CreateRelation(ctx context.Context, rel *types.EntryRelation) error
	ListRelations(ctx context.Context, ref types.EntryRef, relType types.RelationType) ([]types.EntryRelation, error)
	DeleteRelation(ctx context.Context, id string) error
	HasAncestor(ctx context.Context, start types.EntryRef, target types.EntryRef, relType types.RelationType) (bool, error)

	// --- FTS (component C) ---
	SearchFTS(ctx context.Context, query string, filter EntryFilter) ([]FTSHit, error)

	// --- Vector index (component D) ---
	UpsertEmbedding(ctx context.Context, emb *types.Embedding) error
	GetEmbedding(ctx context.Context, entryID string) (*types.Embedding, error)
	DeleteEmbeddings(ctx context.Context, entryID string) error
	SearchVectors(ctx context.Context, query []float32, model string, filter EntryFilter, topK int) ([]VectorHit, error)

	// --- Retrieval outcomes, feeding the prioritization service (component G) ---
	RecordRetrieval(ctx context.Context, entryID string, success bool, at time.Time) error
	GetRetrievalOutcomes(ctx context.Context, entryIDs []string) (map[string]types.RetrievalOutcome, error)

	// --- Permissions (component I admin surface) ---
	GrantPermission(ctx context.Context, perm *types.Permission) error
	RevokePermission(ctx context.Context, id string) error
	ListPermissions(ctx context.Context, agentID string) ([]types.Permission, error)

	// --- Config (ambient, §6 Environment knobs persisted alongside data) ---
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, error)
	GetAllConfig(ctx context.Context) (map[string]string, error)

	// ResetAll truncates every data table, for the Admin `reset` contract.
	ResetAll(ctx context.Context) error

	Close() error
}

// FTSHit is a single lexical match, per §4.C.
type FTSHit struct {
	EntryID string
	BM25    float64
}

// VectorHit is a single semantic match, per §4.D.
type VectorHit struct {
	EntryID string
	Cosine  float64
	Model   string
}
