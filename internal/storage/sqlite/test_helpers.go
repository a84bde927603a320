package sqlite

import (
	"context"
	"testing"
)

// newTestStore creates a Store against a per-test temp-file database.
//
// Test Isolation Pattern: by default each test gets its own temp file
// rather than a shared ":memory:" database, which would be visible across
// every test in the same process and cause interference under parallel
// runs. Pass a custom dbPath (e.g. a shared one) only when a test is
// deliberately exercising cross-handle behavior.
func newTestStore(t *testing.T, dbPath string) *Store {
	t.Helper()

	if dbPath == "" {
		dbPath = t.TempDir() + "/test.db"
	}

	ctx := context.Background()
	store, err := New(ctx, dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Fatalf("Failed to close test database: %v", cerr)
		}
	})

	return store
}
