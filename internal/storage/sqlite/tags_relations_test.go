package sqlite

import (
	"context"
	"testing"

	"github.com/memtree/memengine/internal/types"
)

func TestAttachDetachTagIsIdempotent(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	entry, v := newTestEntry(types.KindTool, "curl")
	if err := store.CreateEntry(ctx, entry, v); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}
	tag, err := store.UpsertTagByName(ctx, "networking", types.TagCatDomain)
	if err != nil {
		t.Fatalf("UpsertTagByName() error = %v", err)
	}

	ref := types.EntryRef{Kind: types.KindTool, ID: entry.ID}
	for i := 0; i < 3; i++ {
		if err := store.AttachTag(ctx, ref, tag.ID); err != nil {
			t.Fatalf("AttachTag() attempt %d error = %v", i, err)
		}
	}

	tags, err := store.ListTagsForEntry(ctx, ref)
	if err != nil {
		t.Fatalf("ListTagsForEntry() error = %v", err)
	}
	if len(tags) != 1 {
		t.Fatalf("len(tags) = %d, want 1 (attach should be idempotent)", len(tags))
	}

	for i := 0; i < 2; i++ {
		if err := store.DetachTag(ctx, ref, tag.ID); err != nil {
			t.Fatalf("DetachTag() attempt %d error = %v", i, err)
		}
	}
	tags, err = store.ListTagsForEntry(ctx, ref)
	if err != nil {
		t.Fatalf("ListTagsForEntry() after detach error = %v", err)
	}
	if len(tags) != 0 {
		t.Errorf("len(tags) after detach = %d, want 0", len(tags))
	}
}

func TestCreateRelationRejectsCycle(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	a, va := newTestEntry(types.KindKnowledge, "task-a")
	b, vb := newTestEntry(types.KindKnowledge, "task-b")
	if err := store.CreateEntry(ctx, a, va); err != nil {
		t.Fatalf("CreateEntry(a) error = %v", err)
	}
	if err := store.CreateEntry(ctx, b, vb); err != nil {
		t.Fatalf("CreateEntry(b) error = %v", err)
	}

	rel1 := &types.EntryRelation{
		ID: types.NewID(), RelationType: types.RelDependsOn,
		SourceType: types.KindKnowledge, SourceID: a.ID,
		TargetType: types.KindKnowledge, TargetID: b.ID,
	}
	if err := store.CreateRelation(ctx, rel1); err != nil {
		t.Fatalf("CreateRelation(a depends_on b) error = %v", err)
	}

	rel2 := &types.EntryRelation{
		ID: types.NewID(), RelationType: types.RelDependsOn,
		SourceType: types.KindKnowledge, SourceID: b.ID,
		TargetType: types.KindKnowledge, TargetID: a.ID,
	}
	err := store.CreateRelation(ctx, rel2)
	if err == nil {
		t.Fatal("CreateRelation(b depends_on a) should fail with a cycle")
	}
	if !isCycle(err) {
		t.Errorf("CreateRelation() error = %v, want ErrCycle", err)
	}
}

func TestCreateRelationRejectsDuplicate(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	a, va := newTestEntry(types.KindKnowledge, "task-a")
	b, vb := newTestEntry(types.KindKnowledge, "task-b")
	if err := store.CreateEntry(ctx, a, va); err != nil {
		t.Fatalf("CreateEntry(a) error = %v", err)
	}
	if err := store.CreateEntry(ctx, b, vb); err != nil {
		t.Fatalf("CreateEntry(b) error = %v", err)
	}

	rel := &types.EntryRelation{
		ID: types.NewID(), RelationType: types.RelRelatedTo,
		SourceType: types.KindKnowledge, SourceID: a.ID,
		TargetType: types.KindKnowledge, TargetID: b.ID,
	}
	if err := store.CreateRelation(ctx, rel); err != nil {
		t.Fatalf("first CreateRelation() error = %v", err)
	}

	dup := &types.EntryRelation{
		ID: types.NewID(), RelationType: types.RelRelatedTo,
		SourceType: types.KindKnowledge, SourceID: a.ID,
		TargetType: types.KindKnowledge, TargetID: b.ID,
	}
	err := store.CreateRelation(ctx, dup)
	if err == nil || !isConflict(err) {
		t.Errorf("CreateRelation(duplicate) error = %v, want ErrConflict", err)
	}
}

func TestCreateRelationRejectsSelfLoop(t *testing.T) {
	store := newTestStore(t, "")
	ctx := context.Background()

	a, va := newTestEntry(types.KindKnowledge, "solo")
	if err := store.CreateEntry(ctx, a, va); err != nil {
		t.Fatalf("CreateEntry() error = %v", err)
	}

	rel := &types.EntryRelation{
		ID: types.NewID(), RelationType: types.RelParentTask,
		SourceType: types.KindKnowledge, SourceID: a.ID,
		TargetType: types.KindKnowledge, TargetID: a.ID,
	}
	if err := store.CreateRelation(ctx, rel); err == nil || !isCycle(err) {
		t.Errorf("CreateRelation(self-loop) error = %v, want ErrCycle", err)
	}
}
