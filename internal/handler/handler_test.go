package handler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memtree/memengine/internal/cache"
	"github.com/memtree/memengine/internal/config"
	"github.com/memtree/memengine/internal/embedqueue"
	"github.com/memtree/memengine/internal/querypipeline"
	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// fakeStore is a minimal in-memory storage.Storage sufficient to exercise
// the handler's permission checks, entry CRUD, and relation acyclicity
// check without a real SQLite database.
type fakeStore struct {
	entries   map[string]*types.Entry
	versions  map[string]*types.EntryVersion
	history   map[string][]*types.EntryVersion
	relations []types.EntryRelation
	perms     []types.Permission
	sessions  map[string]*types.Session
	orgs      map[string]*types.Organization
	projects  map[string]*types.Project
	tags      map[string][]types.Tag // entry key -> tags
	config    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  map[string]*types.Entry{},
		versions: map[string]*types.EntryVersion{},
		history:  map[string][]*types.EntryVersion{},
		sessions: map[string]*types.Session{},
		orgs:     map[string]*types.Organization{},
		projects: map[string]*types.Project{},
		tags:     map[string][]types.Tag{},
		config:   map[string]string{},
	}
}

func (f *fakeStore) CreateOrg(ctx context.Context, org *types.Organization) error {
	f.orgs[org.ID] = org
	return nil
}
func (f *fakeStore) GetOrg(ctx context.Context, id string) (*types.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return nil, errNotFound
	}
	return o, nil
}
func (f *fakeStore) ListOrgs(ctx context.Context) ([]*types.Organization, error) {
	var out []*types.Organization
	for _, o := range f.orgs {
		out = append(out, o)
	}
	return out, nil
}
func (f *fakeStore) UpdateOrg(ctx context.Context, org *types.Organization) error {
	if _, ok := f.orgs[org.ID]; !ok {
		return errNotFound
	}
	f.orgs[org.ID] = org
	return nil
}

func (f *fakeStore) CreateProject(ctx context.Context, project *types.Project) error {
	f.projects[project.ID] = project
	return nil
}
func (f *fakeStore) GetProject(ctx context.Context, id string) (*types.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, errNotFound
	}
	return p, nil
}
func (f *fakeStore) ListProjects(ctx context.Context, orgID *string) ([]*types.Project, error) {
	var out []*types.Project
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeStore) UpdateProject(ctx context.Context, project *types.Project) error {
	if _, ok := f.projects[project.ID]; !ok {
		return errNotFound
	}
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) StartSession(ctx context.Context, session *types.Session) error {
	f.sessions[session.ID] = session
	return nil
}
func (f *fakeStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	return s, nil
}
func (f *fakeStore) ListSessions(ctx context.Context, projectID *string) ([]*types.Session, error) {
	return nil, nil
}
func (f *fakeStore) UpdateSession(ctx context.Context, session *types.Session) error { return nil }
func (f *fakeStore) EndSession(ctx context.Context, id string, status types.SessionStatus) error {
	if s, ok := f.sessions[id]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeStore) ProjectOrg(projectID string) (types.Scope, error) { return types.Global, nil }
func (f *fakeStore) SessionProject(sessionID string) (types.Scope, error) {
	return types.Global, nil
}

func (f *fakeStore) CreateEntry(ctx context.Context, entry *types.Entry, firstVersion *types.EntryVersion) error {
	for _, existing := range f.entries {
		if existing.Kind == entry.Kind && existing.Name == entry.Name &&
			existing.ScopeType == entry.ScopeType && existing.ScopeID == entry.ScopeID {
			return fmt.Errorf("duplicate entry: %w", storage.ErrConflict)
		}
	}
	entry.CurrentVersionID = firstVersion.ID
	f.entries[entry.ID] = entry
	f.versions[entry.ID] = firstVersion
	f.history[entry.ID] = []*types.EntryVersion{firstVersion}
	return nil
}
func (f *fakeStore) UpdateEntry(ctx context.Context, entryID string, newVersion *types.EntryVersion) (*types.Entry, error) {
	e, ok := f.entries[entryID]
	if !ok {
		return nil, errNotFound
	}
	newVersion.VersionNum = len(f.history[entryID]) + 1
	f.versions[entryID] = newVersion
	f.history[entryID] = append(f.history[entryID], newVersion)
	e.CurrentVersionID = newVersion.ID
	e.UpdatedAt = time.Now()
	return e, nil
}
func (f *fakeStore) GetEntry(ctx context.Context, id string) (*types.Entry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, errNotFound
	}
	return e, nil
}
func (f *fakeStore) GetEntryByName(ctx context.Context, kind types.EntryKind, name string, scope types.Scope) (*types.Entry, error) {
	for _, e := range f.entries {
		if e.Kind == kind && e.Name == name && e.Scope() == scope {
			return e, nil
		}
	}
	return nil, errNotFound
}
func (f *fakeStore) GetCurrentVersion(ctx context.Context, entryID string) (*types.EntryVersion, error) {
	v, ok := f.versions[entryID]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}
func (f *fakeStore) ListEntries(ctx context.Context, filter storage.EntryFilter, page storage.Pagination) ([]*types.Entry, int, error) {
	var out []*types.Entry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, len(out), nil
}
func (f *fakeStore) Deactivate(ctx context.Context, entryID string, reason string) error {
	e, ok := f.entries[entryID]
	if !ok {
		return errNotFound
	}
	e.IsActive = false
	e.ArchivedReason = reason
	return nil
}
func (f *fakeStore) GetHistory(ctx context.Context, entryID string) ([]*types.EntryVersion, error) {
	return f.history[entryID], nil
}
func (f *fakeStore) ResolveIDByPrefix(ctx context.Context, prefix string, limit int) ([]*types.Entry, error) {
	var out []*types.Entry
	for id, e := range f.entries {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertTagByName(ctx context.Context, name string, category types.TagCategory) (*types.Tag, error) {
	return &types.Tag{ID: "tag-" + name, Name: name, Category: category}, nil
}
func (f *fakeStore) AttachTag(ctx context.Context, ref types.EntryRef, tagID string) error { return nil }
func (f *fakeStore) DetachTag(ctx context.Context, ref types.EntryRef, tagID string) error { return nil }
func (f *fakeStore) ListTagsForEntry(ctx context.Context, ref types.EntryRef) ([]types.Tag, error) {
	return nil, nil
}
func (f *fakeStore) ListEntriesForTag(ctx context.Context, tagID string) ([]types.EntryRef, error) {
	return nil, nil
}
func (f *fakeStore) ResolveTagIDs(ctx context.Context, names []string) (map[string]string, error) {
	return nil, nil
}

func (f *fakeStore) CreateRelation(ctx context.Context, rel *types.EntryRelation) error {
	for _, existing := range f.relations {
		if existing.SourceType == rel.SourceType && existing.SourceID == rel.SourceID &&
			existing.TargetType == rel.TargetType && existing.TargetID == rel.TargetID &&
			existing.RelationType == rel.RelationType {
			return fmt.Errorf("duplicate relation: %w", storage.ErrConflict)
		}
	}
	f.relations = append(f.relations, *rel)
	return nil
}
func (f *fakeStore) ListRelations(ctx context.Context, ref types.EntryRef, relType types.RelationType) ([]types.EntryRelation, error) {
	return nil, nil
}
func (f *fakeStore) DeleteRelation(ctx context.Context, id string) error { return nil }
func (f *fakeStore) HasAncestor(ctx context.Context, start types.EntryRef, target types.EntryRef, relType types.RelationType) (bool, error) {
	// Walk existing relations of relType from start toward Global,
	// reporting whether target is reachable (a real cycle check).
	visited := map[string]bool{}
	frontier := []string{start.ID}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == target.ID {
			return true, nil
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, rel := range f.relations {
			if rel.RelationType == relType && rel.SourceID == cur {
				frontier = append(frontier, rel.TargetID)
			}
		}
	}
	return false, nil
}

func (f *fakeStore) SearchFTS(ctx context.Context, query string, filter storage.EntryFilter) ([]storage.FTSHit, error) {
	return nil, nil
}

func (f *fakeStore) UpsertEmbedding(ctx context.Context, emb *types.Embedding) error { return nil }
func (f *fakeStore) GetEmbedding(ctx context.Context, entryID string) (*types.Embedding, error) {
	return nil, errNotFound
}
func (f *fakeStore) DeleteEmbeddings(ctx context.Context, entryID string) error { return nil }
func (f *fakeStore) SearchVectors(ctx context.Context, query []float32, model string, filter storage.EntryFilter, topK int) ([]storage.VectorHit, error) {
	return nil, nil
}

func (f *fakeStore) RecordRetrieval(ctx context.Context, entryID string, success bool, at time.Time) error {
	return nil
}
func (f *fakeStore) GetRetrievalOutcomes(ctx context.Context, entryIDs []string) (map[string]types.RetrievalOutcome, error) {
	return map[string]types.RetrievalOutcome{}, nil
}

func (f *fakeStore) GrantPermission(ctx context.Context, perm *types.Permission) error {
	f.perms = append(f.perms, *perm)
	return nil
}
func (f *fakeStore) RevokePermission(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListPermissions(ctx context.Context, agentID string) ([]types.Permission, error) {
	var out []types.Permission
	for _, p := range f.perms {
		if p.AgentID == agentID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) SetConfig(ctx context.Context, key, value string) error {
	f.config[key] = value
	return nil
}
func (f *fakeStore) GetConfig(ctx context.Context, key string) (string, error) {
	v, ok := f.config[key]
	if !ok {
		return "", errNotFound
	}
	return v, nil
}
func (f *fakeStore) GetAllConfig(ctx context.Context) (map[string]string, error) { return f.config, nil }

func (f *fakeStore) ResetAll(ctx context.Context) error {
	*f = *newFakeStore()
	return nil
}

func (f *fakeStore) Close() error { return nil }

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

func newTestHandler(t *testing.T, store *fakeStore, permissive bool) *Handler {
	t.Helper()
	c, err := cache.New(10, 1<<20)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	signer := cache.NewCursorSigner("test-secret", time.Hour)
	cfg := config.Defaults()
	cfg.AdminKey = "test-admin-key"
	if permissive {
		cfg.PermissionMode = config.PermissionModePermissive
	}
	pipeline := querypipeline.New(store, c, signer, nil, nil, cfg)
	queue := embedqueue.New(&noopEmbedder{}, &versionReaderAdapter{store}, &noopPersister{}, 1, 32, 1)
	return New(store, pipeline, queue, c, cfg)
}

type noopEmbedder struct{}

func (noopEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	return []float32{0, 0}, "noop", nil
}
func (noopEmbedder) Dimension() int { return 2 }

type noopPersister struct{}

func (noopPersister) PersistEmbedding(ctx context.Context, entryType types.EntryKind, entryID, versionID string, vector []float32, model string) error {
	return nil
}

type versionReaderAdapter struct{ store *fakeStore }

func (v *versionReaderAdapter) CurrentVersionID(ctx context.Context, entryType types.EntryKind, entryID string) (string, error) {
	e, ok := v.store.entries[entryID]
	if !ok {
		return "", nil
	}
	return e.CurrentVersionID, nil
}

func TestAddEntryDeniedWithoutPermission(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, false)

	_, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "fetches URLs",
	})
	if !types.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied", err)
	}
}

func TestAddEntrySucceedsWithGrant(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, false)

	store.perms = append(store.perms, types.Permission{
		AgentID: "agent-1", ScopeType: types.ScopeGlobal, Level: types.PermWrite,
	})

	entry, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "fetches URLs",
	})
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	if entry.Name != "curl" || !entry.IsActive {
		t.Errorf("entry = %+v", entry)
	}
	h.queue.Wait()
}

func TestAddEntryRejectsDuplicateNameInScope(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	req := AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "fetches URLs"}
	if _, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, req); err != nil {
		t.Fatalf("first AddEntry() error = %v", err)
	}
	h.queue.Wait()

	_, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, req)
	if !types.Is(err, types.ErrDuplicateName) {
		t.Fatalf("err = %v, want DuplicateName", err)
	}
}

func TestCreateProjectRejectsUnknownOrg(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	missing := "no-such-org"
	err := h.CreateProject(context.Background(), Principal{AgentID: "agent-1"}, &types.Project{Name: "widget", OrgID: &missing})
	if !types.Is(err, types.ErrInvalidScope) {
		t.Fatalf("err = %v, want InvalidScope", err)
	}
}

func TestStartSessionRejectsUnknownProject(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	missing := "no-such-project"
	err := h.StartSession(context.Background(), Principal{AgentID: "agent-1"}, &types.Session{Name: "sesh", AgentID: "agent-1", ProjectID: &missing})
	if !types.Is(err, types.ErrInvalidScope) {
		t.Fatalf("err = %v, want InvalidScope", err)
	}
}

func TestAddEntryRejectsUnknownScope(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	_, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeProject, ScopeID: "no-such-project",
		Name: "curl", Content: "fetches URLs",
	})
	if !types.Is(err, types.ErrInvalidScope) {
		t.Fatalf("err = %v, want InvalidScope", err)
	}
}

func TestAddEntryRejectsInvalidHeader(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	_, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "",
	})
	if !types.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestUpdateEntryCreatesNewVersion(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	entry, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindKnowledge, ScopeType: types.ScopeGlobal, Name: "widget-facts", Content: "v1",
	})
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	h.queue.Wait()

	updated, err := h.UpdateEntry(context.Background(), Principal{AgentID: "agent-1"}, entry.ID, "v2", "", "", "edited", "agent-1", nil)
	if err != nil {
		t.Fatalf("UpdateEntry() error = %v", err)
	}
	h.queue.Wait()

	history, err := h.GetHistory(context.Background(), Principal{AgentID: "agent-1"}, entry.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if updated.CurrentVersionID != history[1].ID {
		t.Errorf("CurrentVersionID = %s, want %s", updated.CurrentVersionID, history[1].ID)
	}
}

func TestCreateRelationRejectsCycle(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)
	ctx := context.Background()

	a, _ := h.AddEntry(ctx, Principal{AgentID: "agent-1"}, AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "a", Content: "x"})
	b, _ := h.AddEntry(ctx, Principal{AgentID: "agent-1"}, AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "b", Content: "x"})
	h.queue.Wait()

	if err := h.CreateRelation(ctx, Principal{AgentID: "agent-1"}, &types.EntryRelation{
		SourceID: a.ID, TargetID: b.ID, RelationType: types.RelSubtaskOf,
	}); err != nil {
		t.Fatalf("first CreateRelation() error = %v", err)
	}

	err := h.CreateRelation(ctx, Principal{AgentID: "agent-1"}, &types.EntryRelation{
		SourceID: b.ID, TargetID: a.ID, RelationType: types.RelSubtaskOf,
	})
	if !types.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("err = %v, want InvalidArgument (cycle)", err)
	}
}

func TestCreateRelationRejectsDuplicate(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)
	ctx := context.Background()

	a, _ := h.AddEntry(ctx, Principal{AgentID: "agent-1"}, AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "a", Content: "x"})
	b, _ := h.AddEntry(ctx, Principal{AgentID: "agent-1"}, AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "b", Content: "x"})
	h.queue.Wait()

	rel := &types.EntryRelation{SourceID: a.ID, TargetID: b.ID, RelationType: types.RelRelatedTo}
	if err := h.CreateRelation(ctx, Principal{AgentID: "agent-1"}, rel); err != nil {
		t.Fatalf("first CreateRelation() error = %v", err)
	}

	err := h.CreateRelation(ctx, Principal{AgentID: "agent-1"}, &types.EntryRelation{
		SourceID: a.ID, TargetID: b.ID, RelationType: types.RelRelatedTo,
	})
	if !types.Is(err, types.ErrDuplicateName) {
		t.Fatalf("err = %v, want DuplicateName", err)
	}
}

func TestDeactivatePurgesPendingEmbeddingJob(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)
	ctx := context.Background()

	entry, _ := h.AddEntry(ctx, Principal{AgentID: "agent-1"}, AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "x"})
	h.queue.Wait()

	if err := h.Deactivate(ctx, Principal{AgentID: "agent-1"}, entry.ID, "superseded"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.IsActive {
		t.Error("entry should be inactive after Deactivate")
	}
}

func TestResetRequiresAdminCredential(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	err := h.Reset(context.Background(), Principal{AgentID: "agent-1"}, "test-admin-key", true)
	if !types.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("err = %v, want PermissionDenied without IsAdmin", err)
	}

	entry, _ := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "x",
	})
	h.queue.Wait()

	err = h.Reset(context.Background(), Principal{AgentID: "agent-1", IsAdmin: true}, "test-admin-key", true)
	if err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, _, err := h.GetEntry(context.Background(), Principal{AgentID: "agent-1"}, entry.ID); !types.Is(err, types.ErrNotFound) {
		t.Fatalf("GetEntry() after reset err = %v, want NotFound", err)
	}
}

func TestResolveByPrefixFindsUniqueMatch(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	entry, err := h.AddEntry(context.Background(), Principal{AgentID: "agent-1"}, AddEntryRequest{
		Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "x",
	})
	if err != nil {
		t.Fatalf("AddEntry() error = %v", err)
	}
	h.queue.Wait()

	got, err := h.ResolveByPrefix(context.Background(), Principal{AgentID: "agent-1"}, entry.ID[:8])
	if err != nil {
		t.Fatalf("ResolveByPrefix() error = %v", err)
	}
	if got.ID != entry.ID {
		t.Errorf("ResolveByPrefix() = %+v, want %s", got, entry.ID)
	}
}

func TestResolveByPrefixRejectsAmbiguousAndMissing(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	if _, err := h.ResolveByPrefix(context.Background(), Principal{AgentID: "agent-1"}, "deadbeef"); !types.Is(err, types.ErrNotFound) {
		t.Errorf("ResolveByPrefix(no match) err = %v, want NotFound", err)
	}

	store.entries["aaaa1111-0000-0000-0000-000000000000"] = &types.Entry{ID: "aaaa1111-0000-0000-0000-000000000000", Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "one"}
	store.entries["aaaa2222-0000-0000-0000-000000000000"] = &types.Entry{ID: "aaaa2222-0000-0000-0000-000000000000", Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "two"}

	if _, err := h.ResolveByPrefix(context.Background(), Principal{AgentID: "agent-1"}, "aaaa"); !types.Is(err, types.ErrInvalidArgument) {
		t.Errorf("ResolveByPrefix(ambiguous) err = %v, want InvalidArgument", err)
	}
}

func TestBatchIsolatesPerItemFailures(t *testing.T) {
	store := newFakeStore()
	h := newTestHandler(t, store, true)

	ops := []BatchOp{
		{Kind: "entry.add", AddEntry: &AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: "curl", Content: "x"}},
		{Kind: "entry.add", AddEntry: &AddEntryRequest{Kind: types.KindTool, ScopeType: types.ScopeGlobal, Name: ""}},
		{Kind: "unknown.op"},
	}
	results := h.Batch(context.Background(), Principal{AgentID: "agent-1"}, ops)
	h.queue.Wait()

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Error != nil || results[0].Entry == nil || results[0].Entry.Name != "curl" {
		t.Errorf("results[0] = %+v, want a successful curl entry", results[0])
	}
	if !types.Is(results[1].Error, types.ErrInvalidArgument) {
		t.Errorf("results[1].Error = %v, want InvalidArgument", results[1].Error)
	}
	if !types.Is(results[2].Error, types.ErrInvalidArgument) {
		t.Errorf("results[2].Error = %v, want InvalidArgument for unknown op", results[2].Error)
	}
}

func TestRateLimiterRejectsExcessRequests(t *testing.T) {
	cfg := config.RateLimit{RequestsPerWindow: 2, Window: time.Minute}
	limiter := newRateLimiter(cfg)

	if !limiter.allow("a") || !limiter.allow("a") {
		t.Fatal("first two requests should be allowed")
	}
	if limiter.allow("a") {
		t.Error("third request within the window should be rejected")
	}
	if !limiter.allow("b") {
		t.Error("a different agent should have its own budget")
	}
}
