package cache

import (
	"testing"

	"github.com/memtree/memengine/internal/types"
)

func TestCachePutGet(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1", Name: "a"}}}, 1, []types.Scope{scope})

	entry, ok := c.Get("fp1")
	if !ok {
		t.Fatal("Get() miss, want hit")
	}
	if entry.TotalCount != 1 || len(entry.Results) != 1 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestCacheInvalidateScope(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1"}}}, 1, []types.Scope{scope, types.Global})

	c.InvalidateScope(scope)

	if _, ok := c.Get("fp1"); ok {
		t.Error("entry should have been evicted by InvalidateScope")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCacheInvalidateUnrelatedScopeLeavesEntry(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	other := types.Scope{Type: types.ScopeProject, ID: "p2"}
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1"}}}, 1, []types.Scope{scope})

	c.InvalidateScope(other)

	if _, ok := c.Get("fp1"); !ok {
		t.Error("entry should survive invalidation of an unrelated scope")
	}
}

func TestCacheEvictsOnOverwrite(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	c.Put("fp1", nil, 0, []types.Scope{scope})
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1"}}}, 1, []types.Scope{scope})

	c.InvalidateScope(scope)
	if _, ok := c.Get("fp1"); ok {
		t.Error("overwritten entry should still be indexed by scope and evicted")
	}
}

func TestCacheSubscribeNotifiesOnInvalidation(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ch, cancel := c.Subscribe()
	defer cancel()

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1"}}}, 1, []types.Scope{scope})
	c.InvalidateScope(scope)

	select {
	case <-ch:
	default:
		t.Error("subscriber should have been notified of the invalidation")
	}
}

func TestCacheSubscribeCancelStopsDelivery(t *testing.T) {
	c, err := New(10, 1<<20)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, cancel := c.Subscribe()
	cancel()

	scope := types.Scope{Type: types.ScopeProject, ID: "p1"}
	c.Put("fp1", []types.ScoredEntry{{Entry: types.Entry{ID: "e1"}}}, 1, []types.Scope{scope})
	c.InvalidateScope(scope) // must not panic or block once unsubscribed
}
