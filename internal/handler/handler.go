// Package handler implements the Handler Surface (§4.I): for every
// contract in §6 it validates inputs, resolves the acting principal,
// checks permissions, calls the core (storage/query pipeline/embedding
// queue), then shapes the response. It is the one place transports
// (CLI, future RPC) call into.
package handler

import (
	"context"
	"errors"
	"time"

	"github.com/memtree/memengine/internal/cache"
	"github.com/memtree/memengine/internal/config"
	"github.com/memtree/memengine/internal/embedqueue"
	"github.com/memtree/memengine/internal/logging"
	"github.com/memtree/memengine/internal/querypipeline"
	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// Principal identifies the caller of an operation, resolved by the
// transport before the handler is invoked (§4.I "resolves the acting
// principal").
type Principal struct {
	AgentID string
	IsAdmin bool // set when the admin credential was presented and matched
}

// Handler is the single entry point behind every §6 operation contract.
type Handler struct {
	store    storage.Storage
	pipeline *querypipeline.Pipeline
	queue    *embedqueue.Queue
	cache    *cache.Cache
	cfg      *config.Config
	limiter  *rateLimiter
	log      *logging.Logger
}

// New constructs a Handler wired against the given dependencies.
func New(store storage.Storage, pipeline *querypipeline.Pipeline, queue *embedqueue.Queue, c *cache.Cache, cfg *config.Config) *Handler {
	return &Handler{
		store:    store,
		pipeline: pipeline,
		queue:    queue,
		cache:    c,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.RateLimit),
		log:      logging.New("handler"),
	}
}

// Config returns the engine configuration this Handler was built with,
// for callers (e.g. cmd/memctl serve) that need knobs outside the
// Handler Surface contract itself, such as ListenAddr.
func (h *Handler) Config() *config.Config {
	return h.cfg
}

// authorize implements the §4.I permission model: checks rate limits,
// then (unless PermissionModePermissive) that p holds at least `level`
// over kind within scope or one of its ancestors.
func (h *Handler) authorize(ctx context.Context, p Principal, scope types.Scope, kind types.EntryKind, level types.PermissionLevel) error {
	if !h.limiter.allow(p.AgentID) {
		return types.NewError(types.ErrRateLimited, "agent %s exceeded rate limit", p.AgentID)
	}
	if h.cfg.PermissionMode == config.PermissionModePermissive {
		return nil
	}

	chain, err := types.ExpandChain(scope, h.store)
	if err != nil {
		return types.WrapError(types.ErrInternal, err, "expanding scope chain for permission check")
	}

	perms, err := h.store.ListPermissions(ctx, p.AgentID)
	if err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "listing permissions for %s", p.AgentID)
	}

	for _, ancestor := range chain {
		for _, perm := range perms {
			if perm.ScopeType != ancestor.Type || perm.ScopeID != ancestor.ID {
				continue
			}
			if perm.EntryType != "" && perm.EntryType != kind {
				continue
			}
			if perm.Level.Satisfies(level) {
				return nil
			}
		}
	}
	return types.NewError(types.ErrPermissionDenied, "agent %s lacks %s access to %s", p.AgentID, level, scope.String())
}

// authorizeAdmin enforces §4.I "administrative operations require a
// separate admin credential".
func (h *Handler) authorizeAdmin(p Principal) error {
	if !p.IsAdmin {
		return types.NewError(types.ErrPermissionDenied, "administrative operation requires an admin credential")
	}
	return nil
}

// requireScopeExists enforces §4.A's createEntry/createProject/startSession
// contract: "Fails with InvalidScope if scopeType≠global and scopeId is
// missing or unknown". types.Entry.Validate only checks structural
// well-formedness (scopeId non-empty when scopeType isn't global); it
// cannot see the store, so existence is checked here instead.
func (h *Handler) requireScopeExists(ctx context.Context, scope types.Scope) error {
	switch scope.Type {
	case types.ScopeGlobal:
		return nil
	case types.ScopeOrg:
		if _, err := h.store.GetOrg(ctx, scope.ID); err != nil {
			return types.WrapError(types.ErrInvalidScope, err, "org %s does not exist", scope.ID)
		}
	case types.ScopeProject:
		if _, err := h.store.GetProject(ctx, scope.ID); err != nil {
			return types.WrapError(types.ErrInvalidScope, err, "project %s does not exist", scope.ID)
		}
	case types.ScopeSession:
		if _, err := h.store.GetSession(ctx, scope.ID); err != nil {
			return types.WrapError(types.ErrInvalidScope, err, "session %s does not exist", scope.ID)
		}
	default:
		return types.NewError(types.ErrInvalidScope, "unknown scope type %q", scope.Type)
	}
	return nil
}

// --- Scopes ---

func (h *Handler) CreateOrg(ctx context.Context, p Principal, org *types.Organization) error {
	if err := h.authorize(ctx, p, types.Global, "", types.PermWrite); err != nil {
		return err
	}
	if org.Name == "" {
		return types.NewError(types.ErrInvalidArgument, "org name is required")
	}
	org.ID = types.NewID()
	org.CreatedAt = time.Now()
	if err := h.store.CreateOrg(ctx, org); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "creating org")
	}
	return nil
}

func (h *Handler) ListOrgs(ctx context.Context, p Principal) ([]*types.Organization, error) {
	if err := h.authorize(ctx, p, types.Global, "", types.PermRead); err != nil {
		return nil, err
	}
	orgs, err := h.store.ListOrgs(ctx)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing orgs")
	}
	return orgs, nil
}

func (h *Handler) UpdateOrg(ctx context.Context, p Principal, org *types.Organization) error {
	if err := h.authorize(ctx, p, types.Scope{Type: types.ScopeOrg, ID: org.ID}, "", types.PermWrite); err != nil {
		return err
	}
	if org.Name == "" {
		return types.NewError(types.ErrInvalidArgument, "org name is required")
	}
	if err := h.store.UpdateOrg(ctx, org); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "updating org %s", org.ID)
	}
	h.cache.InvalidateScope(types.Scope{Type: types.ScopeOrg, ID: org.ID})
	return nil
}

func (h *Handler) GetProject(ctx context.Context, p Principal, id string) (*types.Project, error) {
	project, err := h.store.GetProject(ctx, id)
	if err != nil {
		return nil, types.WrapError(types.ErrNotFound, err, "project %s", id)
	}
	scope := types.Global
	if project.OrgID != nil {
		scope = types.Scope{Type: types.ScopeOrg, ID: *project.OrgID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermRead); err != nil {
		return nil, err
	}
	return project, nil
}

func (h *Handler) ListProjects(ctx context.Context, p Principal, orgID *string) ([]*types.Project, error) {
	scope := types.Global
	if orgID != nil {
		scope = types.Scope{Type: types.ScopeOrg, ID: *orgID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermRead); err != nil {
		return nil, err
	}
	projects, err := h.store.ListProjects(ctx, orgID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing projects")
	}
	return projects, nil
}

func (h *Handler) UpdateProject(ctx context.Context, p Principal, project *types.Project) error {
	scope := types.Global
	if project.OrgID != nil {
		scope = types.Scope{Type: types.ScopeOrg, ID: *project.OrgID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermWrite); err != nil {
		return err
	}
	if project.Name == "" {
		return types.NewError(types.ErrInvalidArgument, "project name is required")
	}
	if err := h.store.UpdateProject(ctx, project); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "updating project %s", project.ID)
	}
	h.cache.InvalidateScope(types.Scope{Type: types.ScopeProject, ID: project.ID})
	return nil
}

func (h *Handler) CreateProject(ctx context.Context, p Principal, project *types.Project) error {
	scope := types.Global
	if project.OrgID != nil {
		scope = types.Scope{Type: types.ScopeOrg, ID: *project.OrgID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermWrite); err != nil {
		return err
	}
	if err := h.requireScopeExists(ctx, scope); err != nil {
		return err
	}
	if project.Name == "" {
		return types.NewError(types.ErrInvalidArgument, "project name is required")
	}
	project.ID = types.NewID()
	project.CreatedAt = time.Now()
	if err := h.store.CreateProject(ctx, project); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "creating project")
	}
	return nil
}

func (h *Handler) StartSession(ctx context.Context, p Principal, session *types.Session) error {
	scope := types.Global
	if session.ProjectID != nil {
		scope = types.Scope{Type: types.ScopeProject, ID: *session.ProjectID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermWrite); err != nil {
		return err
	}
	if err := h.requireScopeExists(ctx, scope); err != nil {
		return err
	}
	session.ID = types.NewID()
	session.Status = types.SessionActive
	session.StartedAt = time.Now()
	if err := h.store.StartSession(ctx, session); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "starting session")
	}
	return nil
}

func (h *Handler) ListSessions(ctx context.Context, p Principal, projectID *string) ([]*types.Session, error) {
	scope := types.Global
	if projectID != nil {
		scope = types.Scope{Type: types.ScopeProject, ID: *projectID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermRead); err != nil {
		return nil, err
	}
	sessions, err := h.store.ListSessions(ctx, projectID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing sessions")
	}
	return sessions, nil
}

func (h *Handler) UpdateSession(ctx context.Context, p Principal, session *types.Session) error {
	scope := types.Global
	if session.ProjectID != nil {
		scope = types.Scope{Type: types.ScopeProject, ID: *session.ProjectID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermWrite); err != nil {
		return err
	}
	if err := h.store.UpdateSession(ctx, session); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "updating session %s", session.ID)
	}
	return nil
}

func (h *Handler) EndSession(ctx context.Context, p Principal, id string, status types.SessionStatus) error {
	if !status.IsValid() {
		return types.NewError(types.ErrInvalidArgument, "invalid session status %q", status)
	}
	session, err := h.store.GetSession(ctx, id)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "session %s", id)
	}
	scope := types.Global
	if session.ProjectID != nil {
		scope = types.Scope{Type: types.ScopeProject, ID: *session.ProjectID}
	}
	if err := h.authorize(ctx, p, scope, "", types.PermWrite); err != nil {
		return err
	}
	if err := h.store.EndSession(ctx, id, status); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "ending session %s", id)
	}
	return nil
}

// --- Entries ---

// AddEntryRequest is the input to AddEntry, covering every field any of
// the four entry kinds might set (§6 "content-bearing fields per §3").
type AddEntryRequest struct {
	Kind       types.EntryKind
	ScopeType  types.ScopeType
	ScopeID    string
	Name       string
	Category   string
	Priority   *int
	Content    string
	Rationale  string
	Examples   string
	Parameters map[string]any
	CreatedBy  string
	Tags       []string
}

// AddEntry implements the four kinds' `add` contract (§6 "Entries").
func (h *Handler) AddEntry(ctx context.Context, p Principal, req AddEntryRequest) (*types.Entry, error) {
	scope := types.Scope{Type: req.ScopeType, ID: req.ScopeID}
	if err := h.authorize(ctx, p, scope, req.Kind, types.PermWrite); err != nil {
		return nil, err
	}
	if err := h.requireScopeExists(ctx, scope); err != nil {
		return nil, err
	}

	entry := &types.Entry{
		ID:        types.NewID(),
		Kind:      req.Kind,
		ScopeType: req.ScopeType,
		ScopeID:   req.ScopeID,
		Name:      req.Name,
		Category:  req.Category,
		Priority:  req.Priority,
		IsActive:  true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := entry.Validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidArgument, "%v", err)
	}

	version := &types.EntryVersion{
		ID:         types.NewID(),
		EntryID:    entry.ID,
		VersionNum: 1,
		Content:    req.Content,
		Rationale:  req.Rationale,
		Examples:   req.Examples,
		Parameters: req.Parameters,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  time.Now(),
	}

	if err := h.store.CreateEntry(ctx, entry, version); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, types.WrapError(types.ErrDuplicateName, err, "%s %q already exists in this scope", req.Kind, req.Name)
		}
		return nil, types.WrapError(types.ErrStorageFailure, err, "creating %s entry", req.Kind)
	}

	for _, tagName := range req.Tags {
		tag, err := h.store.UpsertTagByName(ctx, tagName, types.TagCatCustom)
		if err != nil {
			h.log.Warn("failed to upsert tag %q for entry %s: %v", tagName, entry.ID, err)
			continue
		}
		if err := h.store.AttachTag(ctx, types.EntryRef{Kind: entry.Kind, ID: entry.ID}, tag.ID); err != nil {
			h.log.Warn("failed to attach tag %q to entry %s: %v", tagName, entry.ID, err)
		}
	}

	h.cache.InvalidateChain(mustChain(h.store, scope))
	h.queue.Enqueue(embedqueue.Job{EntryType: entry.Kind, EntryID: entry.ID, VersionID: version.ID, Text: embedText(version)})

	return entry, nil
}

// UpdateEntry implements the four kinds' `update` contract: creates a new
// version and repoints currentVersionId (§4.A).
func (h *Handler) UpdateEntry(ctx context.Context, p Principal, entryID string, content, rationale, examples, changeReason, createdBy string, parameters map[string]any) (*types.Entry, error) {
	existing, err := h.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, types.WrapError(types.ErrNotFound, err, "entry %s", entryID)
	}
	if err := h.authorize(ctx, p, existing.Scope(), existing.Kind, types.PermWrite); err != nil {
		return nil, err
	}

	version := &types.EntryVersion{
		ID:           types.NewID(),
		EntryID:      entryID,
		Content:      content,
		Rationale:    rationale,
		Examples:     examples,
		Parameters:   parameters,
		ChangeReason: changeReason,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now(),
	}
	updated, err := h.store.UpdateEntry(ctx, entryID, version)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "updating entry %s", entryID)
	}

	h.cache.InvalidateChain(mustChain(h.store, existing.Scope()))
	h.queue.Enqueue(embedqueue.Job{EntryType: existing.Kind, EntryID: entryID, VersionID: version.ID, Text: embedText(version)})

	return updated, nil
}

func (h *Handler) GetEntry(ctx context.Context, p Principal, entryID string) (*types.Entry, *types.EntryVersion, error) {
	entry, err := h.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrNotFound, err, "entry %s", entryID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
		return nil, nil, err
	}
	version, err := h.store.GetCurrentVersion(ctx, entryID)
	if err != nil {
		return nil, nil, types.WrapError(types.ErrStorageFailure, err, "loading current version for %s", entryID)
	}
	return entry, version, nil
}

// ListEntries implements the four kinds' `list` contract (§4.A
// listEntries), the plain filtered/paginated listing distinct from the
// hybrid ranked Query (§4.F). Results are filtered post-hoc to what p can
// read, the same visible-subset pattern ListEntriesForTag uses.
func (h *Handler) ListEntries(ctx context.Context, p Principal, filter storage.EntryFilter, page storage.Pagination) ([]*types.Entry, int, error) {
	entries, total, err := h.store.ListEntries(ctx, filter, page)
	if err != nil {
		return nil, 0, types.WrapError(types.ErrStorageFailure, err, "listing entries")
	}
	visible := make([]*types.Entry, 0, len(entries))
	for _, e := range entries {
		if err := h.authorize(ctx, p, e.Scope(), e.Kind, types.PermRead); err != nil {
			continue
		}
		visible = append(visible, e)
	}
	return visible, total, nil
}

func (h *Handler) GetHistory(ctx context.Context, p Principal, entryID string) ([]*types.EntryVersion, error) {
	entry, err := h.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, types.WrapError(types.ErrNotFound, err, "entry %s", entryID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
		return nil, err
	}
	history, err := h.store.GetHistory(ctx, entryID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "loading history for %s", entryID)
	}
	return history, nil
}

func (h *Handler) Deactivate(ctx context.Context, p Principal, entryID, reason string) error {
	entry, err := h.store.GetEntry(ctx, entryID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "entry %s", entryID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermWrite); err != nil {
		return err
	}
	if err := h.store.Deactivate(ctx, entryID, reason); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "deactivating entry %s", entryID)
	}
	h.queue.PurgePending(entry.Kind, entryID)
	if err := h.store.DeleteEmbeddings(ctx, entryID); err != nil {
		h.log.Warn("failed to delete embeddings for deactivated entry %s: %v", entryID, err)
	}
	h.cache.InvalidateChain(mustChain(h.store, entry.Scope()))
	return nil
}

// --- Tags & relations ---

// CreateTag implements `tag.create` (§6 "Tags & Relations"), the standalone
// upsert-by-name used to pre-register a tag (e.g. a predefined category)
// independently of attaching it to any entry yet.
func (h *Handler) CreateTag(ctx context.Context, p Principal, name string, category types.TagCategory) (*types.Tag, error) {
	if name == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "tag name is required")
	}
	tag, err := h.store.UpsertTagByName(ctx, name, category)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "creating tag %q", name)
	}
	return tag, nil
}

func (h *Handler) AttachTag(ctx context.Context, p Principal, ref types.EntryRef, tagName string) error {
	entry, err := h.store.GetEntry(ctx, ref.ID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "entry %s", ref.ID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermWrite); err != nil {
		return err
	}
	tag, err := h.store.UpsertTagByName(ctx, tagName, types.TagCatCustom)
	if err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "upserting tag %q", tagName)
	}
	if err := h.store.AttachTag(ctx, ref, tag.ID); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "attaching tag %q to %s", tagName, ref)
	}
	return nil
}

func (h *Handler) DetachTag(ctx context.Context, p Principal, ref types.EntryRef, tagID string) error {
	entry, err := h.store.GetEntry(ctx, ref.ID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "entry %s", ref.ID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermWrite); err != nil {
		return err
	}
	if err := h.store.DetachTag(ctx, ref, tagID); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "detaching tag %s from %s", tagID, ref)
	}
	return nil
}

// ListTagsForEntry implements `tag.for_entry` (§6 "Tags & Relations").
func (h *Handler) ListTagsForEntry(ctx context.Context, p Principal, ref types.EntryRef) ([]types.Tag, error) {
	entry, err := h.store.GetEntry(ctx, ref.ID)
	if err != nil {
		return nil, types.WrapError(types.ErrNotFound, err, "entry %s", ref.ID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
		return nil, err
	}
	tags, err := h.store.ListTagsForEntry(ctx, ref)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing tags for %s", ref)
	}
	return tags, nil
}

// ListEntriesForTag implements `tag.list` (§6 "Tags & Relations": list the
// entries carrying a given tag). Unlike most operations this has no
// single entry scope to authorize against up front, so each returned
// entry ref is filtered down to ones p can read.
func (h *Handler) ListEntriesForTag(ctx context.Context, p Principal, tagID string) ([]types.EntryRef, error) {
	refs, err := h.store.ListEntriesForTag(ctx, tagID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing entries for tag %s", tagID)
	}
	visible := make([]types.EntryRef, 0, len(refs))
	for _, ref := range refs {
		entry, err := h.store.GetEntry(ctx, ref.ID)
		if err != nil {
			continue
		}
		if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
			continue
		}
		visible = append(visible, ref)
	}
	return visible, nil
}

func (h *Handler) ListRelations(ctx context.Context, p Principal, ref types.EntryRef, relType types.RelationType) ([]types.EntryRelation, error) {
	entry, err := h.store.GetEntry(ctx, ref.ID)
	if err != nil {
		return nil, types.WrapError(types.ErrNotFound, err, "entry %s", ref.ID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
		return nil, err
	}
	rels, err := h.store.ListRelations(ctx, ref, relType)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing relations for %s", ref)
	}
	return rels, nil
}

func (h *Handler) CreateRelation(ctx context.Context, p Principal, rel *types.EntryRelation) error {
	source, err := h.store.GetEntry(ctx, rel.SourceID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "relation source %s", rel.SourceID)
	}
	target, err := h.store.GetEntry(ctx, rel.TargetID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "relation target %s", rel.TargetID)
	}
	if err := h.authorize(ctx, p, source.Scope(), source.Kind, types.PermWrite); err != nil {
		return err
	}
	rel.SourceType = source.Kind
	rel.TargetType = target.Kind

	if rel.RelationType == types.RelSubtaskOf || rel.RelationType == types.RelParentTask {
		cyclic, err := h.store.HasAncestor(ctx,
			types.EntryRef{Kind: rel.TargetType, ID: rel.TargetID},
			types.EntryRef{Kind: rel.SourceType, ID: rel.SourceID},
			rel.RelationType)
		if err != nil {
			return types.WrapError(types.ErrStorageFailure, err, "checking relation acyclicity")
		}
		if cyclic {
			return types.NewError(types.ErrInvalidArgument, "relation would create a cycle")
		}
	}

	rel.ID = types.NewID()
	rel.CreatedAt = time.Now()
	if err := h.store.CreateRelation(ctx, rel); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return types.WrapError(types.ErrDuplicateName, err, "relation %s already exists between these entries", rel.RelationType)
		}
		return types.WrapError(types.ErrStorageFailure, err, "creating relation")
	}
	return nil
}

// DeleteRelation implements `relation.delete` (§6 "Tags & Relations").
// ref identifies either endpoint of the relation being deleted, the same
// way AttachTag/DetachTag authorize against a known entry rather than an
// opaque relation id (the storage layer has no relation lookup by id).
func (h *Handler) DeleteRelation(ctx context.Context, p Principal, ref types.EntryRef, relationID string) error {
	entry, err := h.store.GetEntry(ctx, ref.ID)
	if err != nil {
		return types.WrapError(types.ErrNotFound, err, "entry %s", ref.ID)
	}
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermWrite); err != nil {
		return err
	}
	if err := h.store.DeleteRelation(ctx, relationID); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "deleting relation %s", relationID)
	}
	return nil
}

// --- Query & Context ---

func (h *Handler) Query(ctx context.Context, p Principal, spec types.QuerySpec) (*types.QueryResult, error) {
	if err := h.authorize(ctx, p, spec.Scope, "", types.PermRead); err != nil {
		return nil, err
	}
	if spec.Limit > h.cfg.MaxLimit {
		spec.Limit = h.cfg.MaxLimit
	}
	result, err := h.pipeline.Run(ctx, spec)
	if err != nil {
		return nil, types.WrapError(types.ErrInternal, err, "running query")
	}
	now := time.Now()
	for _, r := range result.Results {
		_ = h.store.RecordRetrieval(ctx, r.Entry.ID, true, now)
	}
	return result, nil
}

func (h *Handler) Context(ctx context.Context, p Principal, req types.ContextRequest) (*types.ContextBundle, error) {
	scope := types.Scope{Type: req.ScopeType, ID: req.ScopeID}
	if err := h.authorize(ctx, p, scope, "", types.PermRead); err != nil {
		return nil, err
	}
	limitPerType := req.LimitPerType
	if limitPerType <= 0 {
		limitPerType = h.cfg.DefaultLimit
	}

	bundle := &types.ContextBundle{ByKind: map[types.EntryKind][]types.ScoredEntry{}}
	for _, kind := range types.AllKinds {
		spec := types.QuerySpec{
			Types:   []types.EntryKind{kind},
			Scope:   scope,
			Inherit: req.Inherit,
			Limit:   limitPerType,
			Compact: req.Compact,
		}
		result, err := h.pipeline.Run(ctx, spec)
		if err != nil {
			return nil, types.WrapError(types.ErrInternal, err, "aggregating context for %s", kind)
		}
		bundle.ByKind[kind] = result.Results
	}
	return bundle, nil
}

// --- Permissions ---

func (h *Handler) Grant(ctx context.Context, p Principal, perm *types.Permission) error {
	if err := h.authorizeAdmin(p); err != nil {
		return err
	}
	if !perm.Level.IsValid() {
		return types.NewError(types.ErrInvalidArgument, "invalid permission level %q", perm.Level)
	}
	perm.ID = types.NewID()
	perm.CreatedAt = time.Now()
	if err := h.store.GrantPermission(ctx, perm); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "granting permission")
	}
	return nil
}

func (h *Handler) Revoke(ctx context.Context, p Principal, id string) error {
	if err := h.authorizeAdmin(p); err != nil {
		return err
	}
	if err := h.store.RevokePermission(ctx, id); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "revoking permission %s", id)
	}
	return nil
}

func (h *Handler) ListPermissions(ctx context.Context, p Principal, agentID string) ([]types.Permission, error) {
	if err := h.authorizeAdmin(p); err != nil {
		return nil, err
	}
	perms, err := h.store.ListPermissions(ctx, agentID)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "listing permissions for %s", agentID)
	}
	return perms, nil
}

// Check reports whether agentID holds at least level over scope/kind,
// the read-only counterpart to authorize used by the `permissions.check`
// contract.
func (h *Handler) Check(ctx context.Context, agentID string, scope types.Scope, kind types.EntryKind, level types.PermissionLevel) (bool, error) {
	err := h.authorize(ctx, Principal{AgentID: agentID}, scope, kind, level)
	if err == nil {
		return true, nil
	}
	if types.Is(err, types.ErrPermissionDenied) {
		return false, nil
	}
	return false, err
}

// --- Admin ---

// Status is the §6 Admin `status` payload, sourced from the
// supplemented health/metrics snapshot feature (SPEC_FULL §4).
type Status struct {
	SchemaVersion string
	QueueDepth    int
	CacheEntries  int
}

func (h *Handler) Status(ctx context.Context) (Status, error) {
	schemaVersion, _ := h.store.GetConfig(ctx, "schema_version")
	return Status{
		SchemaVersion: schemaVersion,
		QueueDepth:    h.queue.Depth(),
		CacheEntries:  h.cache.Len(),
	}, nil
}

func (h *Handler) Reset(ctx context.Context, p Principal, adminKey string, confirm bool) error {
	if err := h.authorizeAdmin(p); err != nil {
		return err
	}
	if adminKey != h.cfg.AdminKey || h.cfg.AdminKey == "" {
		return types.NewError(types.ErrPermissionDenied, "admin key mismatch")
	}
	if !confirm {
		return types.NewError(types.ErrInvalidArgument, "reset requires confirm=true")
	}
	if err := h.store.ResetAll(ctx); err != nil {
		return types.WrapError(types.ErrStorageFailure, err, "resetting store")
	}
	h.cache.Clear()
	h.queue.PurgeAll()
	return nil
}

// --- Import / Export (§6 Formats) ---

// ExportEntries implements the Admin `export` contract: walks every entry
// matching filter, p can read, and serializes it (current version, tags,
// outbound relations) into a config.Document.
func (h *Handler) ExportEntries(ctx context.Context, p Principal, filter storage.EntryFilter) (*config.Document, error) {
	entries, _, err := h.ListEntries(ctx, p, filter, storage.Pagination{Limit: 1 << 20})
	if err != nil {
		return nil, err
	}

	doc := &config.Document{Version: 1, ExportedAt: time.Now()}
	for _, e := range entries {
		version, err := h.store.GetCurrentVersion(ctx, e.ID)
		if err != nil {
			return nil, types.WrapError(types.ErrStorageFailure, err, "loading current version for %s", e.ID)
		}
		tags, err := h.store.ListTagsForEntry(ctx, types.EntryRef{Kind: e.Kind, ID: e.ID})
		if err != nil {
			return nil, types.WrapError(types.ErrStorageFailure, err, "loading tags for %s", e.ID)
		}
		tagNames := make([]string, len(tags))
		for i, t := range tags {
			tagNames[i] = t.Name
		}

		rels, err := h.store.ListRelations(ctx, types.EntryRef{Kind: e.Kind, ID: e.ID}, "")
		if err != nil {
			return nil, types.WrapError(types.ErrStorageFailure, err, "loading relations for %s", e.ID)
		}
		exportRels := make([]config.ExportRelation, 0, len(rels))
		for _, r := range rels {
			if r.SourceID != e.ID {
				continue // only record outbound edges; the target's export carries the inbound half
			}
			target, err := h.store.GetEntry(ctx, r.TargetID)
			if err != nil {
				continue
			}
			exportRels = append(exportRels, config.ExportRelation{
				Type: string(r.RelationType), TargetKind: string(target.Kind), TargetName: target.Name,
			})
		}

		doc.Entries = append(doc.Entries, config.ExportEntry{
			Type:       string(e.Kind),
			ScopeType:  string(e.ScopeType),
			ScopeID:    e.ScopeID,
			Name:       e.Name,
			Category:   e.Category,
			Priority:   e.Priority,
			Content:    version.Content,
			Rationale:  version.Rationale,
			Examples:   version.Examples,
			Parameters: version.Parameters,
			Tags:       tagNames,
			Relations:  exportRels,
		})
	}
	return doc, nil
}

// ImportResult tallies per-entry outcomes of ImportDocument, since §6
// import applies one conflict strategy per item rather than all-or-nothing.
type ImportResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []error
}

// ImportDocument implements the Admin `import` contract: applies strategy
// to each entry that collides with an existing one by (kind, name, scope),
// after rewriting scope ids through remap. Relations reference other
// entries within the same document by name and are created in a second
// pass, after every entry has been created (so forward references resolve).
func (h *Handler) ImportDocument(ctx context.Context, p Principal, doc *config.Document, strategy config.ConflictStrategy, remap config.RemapTable) (ImportResult, error) {
	if !strategy.IsValid() {
		return ImportResult{}, types.NewError(types.ErrInvalidArgument, "invalid conflict strategy %q", strategy)
	}
	if remap == nil {
		remap = config.RemapTable{}
	}

	var result ImportResult
	byName := map[string]*types.Entry{} // "kind/scopeType/scopeId/name" -> created/updated entry

	for _, ee := range doc.Entries {
		scopeID := remap.Apply(ee.ScopeID)
		req := AddEntryRequest{
			Kind: types.EntryKind(ee.Type), ScopeType: types.ScopeType(ee.ScopeType), ScopeID: scopeID,
			Name: ee.Name, Category: ee.Category, Priority: ee.Priority,
			Content: ee.Content, Rationale: ee.Rationale, Examples: ee.Examples,
			Parameters: ee.Parameters, Tags: ee.Tags,
		}

		existing, lookupErr := h.store.GetEntryByName(ctx, req.Kind, req.Name, types.Scope{Type: req.ScopeType, ID: req.ScopeID})
		if lookupErr == nil && existing != nil {
			switch strategy {
			case config.ConflictSkip:
				result.Skipped++
				byName[importKey(req.Kind, req.ScopeType, scopeID, req.Name)] = existing
				continue
			case config.ConflictError:
				result.Errors = append(result.Errors, types.NewError(types.ErrDuplicateName, "%s %q already exists in scope %s:%s", req.Kind, req.Name, req.ScopeType, scopeID))
				continue
			case config.ConflictUpdate, config.ConflictReplace:
				updated, err := h.UpdateEntry(ctx, p, existing.ID, req.Content, req.Rationale, req.Examples, "import", "", req.Parameters)
				if err != nil {
					result.Errors = append(result.Errors, err)
					continue
				}
				result.Updated++
				byName[importKey(req.Kind, req.ScopeType, scopeID, req.Name)] = updated
				continue
			}
		}

		entry, err := h.AddEntry(ctx, p, req)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Created++
		byName[importKey(req.Kind, req.ScopeType, scopeID, req.Name)] = entry
	}

	for _, ee := range doc.Entries {
		scopeID := remap.Apply(ee.ScopeID)
		source, ok := byName[importKey(types.EntryKind(ee.Type), types.ScopeType(ee.ScopeType), scopeID, ee.Name)]
		if !ok {
			continue
		}
		for _, r := range ee.Relations {
			target, ok := byName[importKeyAnyScope(types.EntryKind(r.TargetKind), r.TargetName, byName)]
			if !ok {
				result.Errors = append(result.Errors, types.NewError(types.ErrInvalidArgument, "relation target %q not found in document", r.TargetName))
				continue
			}
			rel := &types.EntryRelation{SourceID: source.ID, TargetID: target.ID, RelationType: types.RelationType(r.Type)}
			if err := h.CreateRelation(ctx, p, rel); err != nil && !types.Is(err, types.ErrDuplicateName) {
				result.Errors = append(result.Errors, err)
			}
		}
	}

	return result, nil
}

func importKey(kind types.EntryKind, scopeType types.ScopeType, scopeID, name string) string {
	return string(kind) + "/" + string(scopeType) + "/" + scopeID + "/" + name
}

// importKeyAnyScope finds the key under which an entry of the given kind
// and name was registered during import, regardless of scope, since a
// relation's target scope is not captured in config.ExportRelation.
func importKeyAnyScope(kind types.EntryKind, name string, byName map[string]*types.Entry) string {
	for key, e := range byName {
		if e.Kind == kind && e.Name == name {
			return key
		}
	}
	return ""
}

// --- Resolve-by-prefix ---

// ResolveByPrefix implements the resolve-by-prefix supplemented feature
// (SPEC_FULL §4, generalized from cmd/bd's OpResolveID): resolves a
// short/partial entry id to the one full entry it identifies. Zero matches
// is NotFound; more than one is InvalidArgument (the prefix does not
// identify a unique entry), the same ambiguous-id error cmd/bd returns.
func (h *Handler) ResolveByPrefix(ctx context.Context, p Principal, prefix string) (*types.Entry, error) {
	if prefix == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "id prefix is required")
	}
	matches, err := h.store.ResolveIDByPrefix(ctx, prefix, 2)
	if err != nil {
		return nil, types.WrapError(types.ErrStorageFailure, err, "resolving id prefix %q", prefix)
	}
	if len(matches) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no entry id starts with %q", prefix)
	}
	if len(matches) > 1 {
		return nil, types.NewError(types.ErrInvalidArgument, "prefix %q is ambiguous, matches more than one entry", prefix)
	}
	entry := matches[0]
	if err := h.authorize(ctx, p, entry.Scope(), entry.Kind, types.PermRead); err != nil {
		return nil, err
	}
	return entry, nil
}

// --- Batch ---

// BatchOp is one item of a batch request (§6, generalized from cmd/bd's
// OpBatch contract): exactly one of the request fields should be set,
// naming the mutation this item performs.
type BatchOp struct {
	Kind string // "entry.add", "entry.update", "entry.deactivate", "tag.attach", "tag.detach", "relation.create", "relation.delete"

	AddEntry *AddEntryRequest

	UpdateEntryID         string
	UpdateContent         string
	UpdateRationale       string
	UpdateExamples        string
	UpdateChangeReason    string
	UpdateCreatedBy       string
	UpdateParameters      map[string]any

	DeactivateEntryID string
	DeactivateReason  string

	TagRef  types.EntryRef
	TagName string
	TagID   string

	Relation   *types.EntryRelation
	RelationID string
}

// BatchResult is the per-item outcome of a Batch call. Entry is populated
// for ops that return one (add/update); Error is nil on success.
type BatchResult struct {
	Kind  string
	Entry *types.Entry
	Error error
}

// Batch implements the `batch(ops[])` contract (SPEC_FULL §4): executes
// each op against the Handler in order, isolating failures per item rather
// than rolling the whole batch back, the same per-item batch semantics
// cmd/bd uses (this is not a single DB transaction across items).
func (h *Handler) Batch(ctx context.Context, p Principal, ops []BatchOp) []BatchResult {
	results := make([]BatchResult, len(ops))
	for i, op := range ops {
		results[i] = h.runBatchOp(ctx, p, op)
	}
	return results
}

func (h *Handler) runBatchOp(ctx context.Context, p Principal, op BatchOp) BatchResult {
	switch op.Kind {
	case "entry.add":
		if op.AddEntry == nil {
			return BatchResult{Kind: op.Kind, Error: types.NewError(types.ErrInvalidArgument, "entry.add requires AddEntry")}
		}
		entry, err := h.AddEntry(ctx, p, *op.AddEntry)
		return BatchResult{Kind: op.Kind, Entry: entry, Error: err}
	case "entry.update":
		entry, err := h.UpdateEntry(ctx, p, op.UpdateEntryID, op.UpdateContent, op.UpdateRationale, op.UpdateExamples, op.UpdateChangeReason, op.UpdateCreatedBy, op.UpdateParameters)
		return BatchResult{Kind: op.Kind, Entry: entry, Error: err}
	case "entry.deactivate":
		err := h.Deactivate(ctx, p, op.DeactivateEntryID, op.DeactivateReason)
		return BatchResult{Kind: op.Kind, Error: err}
	case "tag.attach":
		err := h.AttachTag(ctx, p, op.TagRef, op.TagName)
		return BatchResult{Kind: op.Kind, Error: err}
	case "tag.detach":
		err := h.DetachTag(ctx, p, op.TagRef, op.TagID)
		return BatchResult{Kind: op.Kind, Error: err}
	case "relation.create":
		if op.Relation == nil {
			return BatchResult{Kind: op.Kind, Error: types.NewError(types.ErrInvalidArgument, "relation.create requires Relation")}
		}
		err := h.CreateRelation(ctx, p, op.Relation)
		return BatchResult{Kind: op.Kind, Error: err}
	case "relation.delete":
		err := h.DeleteRelation(ctx, p, op.TagRef, op.RelationID)
		return BatchResult{Kind: op.Kind, Error: err}
	default:
		return BatchResult{Kind: op.Kind, Error: types.NewError(types.ErrInvalidArgument, "unknown batch op %q", op.Kind)}
	}
}

func embedText(v *types.EntryVersion) string {
	return v.Content + "\n" + v.Rationale + "\n" + v.Examples
}

func mustChain(store storage.Storage, scope types.Scope) []types.Scope {
	chain, err := types.ExpandChain(scope, store)
	if err != nil {
		return []types.Scope{scope}
	}
	return chain
}
