package embedqueue

import (
	"context"
	"sync"
	"testing"

	"github.com/memtree/memengine/internal/types"
)

type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	return make([]float32, f.dim), "fake-model", nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeVersionStore struct {
	mu      sync.Mutex
	current map[string]string
}

func newFakeVersionStore() *fakeVersionStore {
	return &fakeVersionStore{current: make(map[string]string)}
}

func (f *fakeVersionStore) set(entryID, versionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[entryID] = versionID
}

func (f *fakeVersionStore) CurrentVersionID(ctx context.Context, entryType types.EntryKind, entryID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[entryID], nil
}

type fakePersister struct {
	mu        sync.Mutex
	persisted []string // versionIDs that were persisted, in order
}

func (f *fakePersister) PersistEmbedding(ctx context.Context, entryType types.EntryKind, entryID string, versionID string, vector []float32, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted = append(f.persisted, versionID)
	return nil
}

func TestQueueProcessesSingleJob(t *testing.T) {
	versions := newFakeVersionStore()
	versions.set("e1", "v1")
	persister := &fakePersister{}

	q := New(&fakeEmbedder{dim: 4}, versions, persister, 2, 32, 3)
	q.Enqueue(Job{EntryType: types.KindTool, EntryID: "e1", VersionID: "v1", Text: "curl docs"})
	q.Wait()

	if len(persister.persisted) != 1 || persister.persisted[0] != "v1" {
		t.Errorf("persisted = %v, want [v1]", persister.persisted)
	}
}

func TestQueueCoalescesRapidUpdates(t *testing.T) {
	versions := newFakeVersionStore()
	versions.set("e1", "v3")
	persister := &fakePersister{}

	q := New(&fakeEmbedder{dim: 4}, versions, persister, 1, 32, 3)
	q.Enqueue(Job{EntryType: types.KindKnowledge, EntryID: "e1", VersionID: "v1", Text: "a"})
	q.Enqueue(Job{EntryType: types.KindKnowledge, EntryID: "e1", VersionID: "v2", Text: "b"})
	q.Enqueue(Job{EntryType: types.KindKnowledge, EntryID: "e1", VersionID: "v3", Text: "c"})
	q.Wait()

	// At most one embedding row should ever be persisted, and only if it
	// matches the latest observed versionId (§8 property 4).
	for _, v := range persister.persisted {
		if v != "v3" {
			t.Errorf("persisted stale version %q, want only v3", v)
		}
	}
}

func TestQueuePurgePendingDropsUnstartedJob(t *testing.T) {
	versions := newFakeVersionStore()
	persister := &fakePersister{}

	// concurrency=0 workers can't run (simulate by never calling Wait
	// before purge): use a queue with a blocked semaphore by acquiring it
	// externally isn't exposed, so instead verify PurgePending removes a
	// job that hasn't been popped from `pending` yet.
	q := New(&fakeEmbedder{dim: 4}, versions, persister, 1, 32, 3)

	q.mu.Lock()
	q.pending["tool:e2"] = Job{EntryType: types.KindTool, EntryID: "e2", VersionID: "v1", Text: "x"}
	q.depth++
	q.mu.Unlock()

	q.PurgePending(types.KindTool, "e2")

	q.mu.Lock()
	_, stillPending := q.pending["tool:e2"]
	q.mu.Unlock()
	if stillPending {
		t.Error("PurgePending should have removed the job")
	}
}

func TestQueueDepthReflectsOutstandingWork(t *testing.T) {
	versions := newFakeVersionStore()
	versions.set("e1", "v1")
	persister := &fakePersister{}

	q := New(&fakeEmbedder{dim: 4}, versions, persister, 2, 32, 3)
	q.Enqueue(Job{EntryType: types.KindTool, EntryID: "e1", VersionID: "v1", Text: "x"})
	q.Wait()

	if q.Depth() != 0 {
		t.Errorf("Depth() after drain = %d, want 0", q.Depth())
	}
}

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string // versionIDs
}

func (f *fakeNotifier) NotifyEmbedded(entryType, entryID, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, versionID)
	return nil
}

func TestQueueNotifiesOnSuccessfulPersist(t *testing.T) {
	versions := newFakeVersionStore()
	versions.set("e1", "v1")
	persister := &fakePersister{}
	notifier := &fakeNotifier{}

	q := New(&fakeEmbedder{dim: 4}, versions, persister, 2, 32, 3)
	q.SetNotifier(notifier)
	q.Enqueue(Job{EntryType: types.KindTool, EntryID: "e1", VersionID: "v1", Text: "x"})
	q.Wait()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.notified) != 1 || notifier.notified[0] != "v1" {
		t.Errorf("notified = %v, want [v1]", notifier.notified)
	}
}

func TestQueueSkipsNotifyWhenNoNotifierConfigured(t *testing.T) {
	versions := newFakeVersionStore()
	versions.set("e1", "v1")
	persister := &fakePersister{}

	q := New(&fakeEmbedder{dim: 4}, versions, persister, 2, 32, 3)
	q.Enqueue(Job{EntryType: types.KindTool, EntryID: "e1", VersionID: "v1", Text: "x"}) // must not panic with nil notifier
	q.Wait()
}
