package sqlite

import (
	"context"
	"testing"

	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

func newTestEntry(kind types.EntryKind, name string) (*types.Entry, *types.EntryVersion) {
	entry := &types.Entry{
		ID:        types.NewID(),
		Kind:      kind,
		ScopeType: types.ScopeGlobal,
		Name:      name,
	}
	version := &types.EntryVersion{
		ID:      types.NewID(),
		Content: "initial content",
	}
	return entry, version
}

func TestCreateAndGetEntry(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindKnowledge, "widget facts")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.Name != "widget facts" || got.CurrentVersionID != version.ID {
		t.Errorf("GetEntry() = %+v, want name=widget facts currentVersion=%s", got, version.ID)
	}
	if !got.IsActive {
		t.Errorf("new entry should be active")
	}

	cv, err := store.GetCurrentVersion(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetCurrentVersion() error = %v", err)
	}
	if cv.VersionNum != 1 {
		t.Errorf("first version_num = %d, want 1", cv.VersionNum)
	}
}

func TestUpdateEntryVersionMonotonicity(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindTool, "grep")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	for i := 2; i <= 4; i++ {
		v2 := &types.EntryVersion{ID: types.NewID(), Content: "updated"}
		updated, err := store.UpdateEntry(ctx, entry.ID, v2)
		if err != nil {
			t.Fatalf("UpdateEntry() error = %v", err)
		}
		if v2.VersionNum != i {
			t.Errorf("version %d: VersionNum = %d, want %d", i, v2.VersionNum, i)
		}
		if updated.CurrentVersionID != v2.ID {
			t.Errorf("version %d: CurrentVersionID not repointed", i)
		}
	}

	history, err := store.GetHistory(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(history))
	}
	for i, v := range history {
		if v.VersionNum != i+1 {
			t.Errorf("history[%d].VersionNum = %d, want %d", i, v.VersionNum, i+1)
		}
	}
}

func TestDeactivateEntry(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindGuideline, "always lint")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	if err := store.Deactivate(ctx, entry.ID, "superseded"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	got, err := store.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if got.IsActive {
		t.Errorf("entry should be inactive after Deactivate")
	}
	if got.ArchivedReason != "superseded" {
		t.Errorf("ArchivedReason = %q, want %q", got.ArchivedReason, "superseded")
	}
}

func TestDeactivatePrunesFTSRow(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindGuideline, "always lint")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	hits, err := store.SearchFTS(ctx, "lint", storage.EntryFilter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("SearchFTS() error = %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) before Deactivate = %d, want 1", len(hits))
	}

	if err := store.Deactivate(ctx, entry.ID, "superseded"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	hits, err = store.SearchFTS(ctx, "lint", storage.EntryFilter{IncludeInactive: true})
	if err != nil {
		t.Fatalf("SearchFTS() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("len(hits) after Deactivate = %d, want 0 (FTS row should be pruned)", len(hits))
	}
}

func TestCreateEntryRejectsDuplicateNameInScope(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindTool, "curl")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("first CreateEntry() error = %v", err)
	}

	dup, dupVersion := newTestEntry(types.KindTool, "curl")
	err := store.CreateEntry(ctx, dup, dupVersion)
	if err == nil || !isConflict(err) {
		t.Errorf("CreateEntry(duplicate name) error = %v, want ErrConflict", err)
	}
}

func TestResetAllTruncatesEveryTable(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindTool, "curl")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}
	if _, err := store.UpsertTagByName(ctx, "networking", types.TagCatDomain); err != nil {
		t.Fatalf("UpsertTagByName() error = %v", err)
	}

	if err := store.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll() error = %v", err)
	}

	if _, err := store.GetEntry(ctx, entry.ID); !isNotFound(err) {
		t.Errorf("GetEntry() after reset error = %v, want NotFound", err)
	}
	entries, total, err := store.ListEntries(ctx, storage.EntryFilter{}, Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries() after reset error = %v", err)
	}
	if total != 0 || len(entries) != 0 {
		t.Errorf("ListEntries() after reset = %+v (total=%d), want empty", entries, total)
	}
}

func TestResolveIDByPrefixFindsEntryAcrossKinds(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, version := newTestEntry(types.KindKnowledge, "widget facts")
	if err := store.CreateEntry(ctx, entry, version); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	matches, err := store.ResolveIDByPrefix(ctx, entry.ID[:8], 10)
	if err != nil {
		t.Fatalf("ResolveIDByPrefix() error = %v", err)
	}
	if len(matches) != 1 || matches[0].ID != entry.ID {
		t.Errorf("ResolveIDByPrefix() = %+v, want just %s", matches, entry.ID)
	}

	none, err := store.ResolveIDByPrefix(ctx, "zzzzzzzz", 10)
	if err != nil {
		t.Fatalf("ResolveIDByPrefix(no match) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ResolveIDByPrefix(no match) = %+v, want empty", none)
	}
}

func TestListEntriesFiltersByScopeAndKind(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	global, v1 := newTestEntry(types.KindTool, "tool-a")
	if err := store.CreateEntry(ctx, global, v1); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	scoped := &types.Entry{ID: types.NewID(), Kind: types.KindKnowledge, ScopeType: types.ScopeProject, ScopeID: "p1", Name: "project fact"}
	v2 := &types.EntryVersion{ID: types.NewID(), Content: "c"}
	if err := store.CreateEntry(ctx, scoped, v2); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	entries, total, err := store.ListEntries(ctx, storage.EntryFilter{Kinds: []types.EntryKind{types.KindTool}}, Pagination{Limit: 10})
	if err != nil {
		t.Fatalf("ListEntries() error = %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].ID != global.ID {
		t.Errorf("ListEntries(kind=tool) = %+v (total=%d), want just %s", entries, total, global.ID)
	}
}
