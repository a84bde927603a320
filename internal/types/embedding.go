package types

import "time"

// Embedding is a dense vector tied to a specific entry version. Storage
// keeps at most one embedding per entry, keyed by EntryID; VersionID
// records which version it was computed from so the embedding job queue's
// per-entry coalescing (§4.E) can detect and discard a stale in-flight
// result once a newer version has already been embedded.
type Embedding struct {
	EntryType EntryKind
	EntryID   string
	VersionID string
	Vector    []float32
	Model     string
	Provider  string
	CreatedAt time.Time
}

// RetrievalOutcome tracks how often an entry has been surfaced and used
// successfully, feeding the usefulness calculator in §4.G.
type RetrievalOutcome struct {
	EntryID         string
	RetrievalCount  int
	SuccessCount    int
	LastSuccessAt   *time.Time
	LastAccessAt    *time.Time
}

// Intent buckets a query by the kind of task the agent is doing, feeding
// the adaptive type-weight calculator in §4.G.
type Intent string

const (
	IntentLookup    Intent = "lookup"
	IntentHowTo     Intent = "how_to"
	IntentDebug     Intent = "debug"
	IntentExplore   Intent = "explore"
	IntentCompare   Intent = "compare"
	IntentConfigure Intent = "configure"
)

// AllIntents lists every recognized intent.
var AllIntents = []Intent{IntentLookup, IntentHowTo, IntentDebug, IntentExplore, IntentCompare, IntentConfigure}
