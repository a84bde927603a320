package types

// RelationFilter narrows candidates to entries related to a specific
// target entry, per §4.F QuerySpec.relatedTo.
type RelationFilter struct {
	Type     EntryKind
	ID       string
	Relation RelationType // empty means "any relation type"
}

// QuerySpec is the input to the query pipeline (§4.F, §6 Query & Context).
type QuerySpec struct {
	Action          string
	Types           []EntryKind
	Scope           Scope
	Inherit         bool
	Tags            TagFilter
	Search          string
	RelatedTo       *RelationFilter
	Limit           int
	Cursor          string
	Compact         bool
	IncludeVersions bool
	IncludeInactive bool

	// Intent, when set, selects the adaptive type-weight bucket in §4.G.
	Intent Intent
}

// Normalize applies the default/max-limit rule from §4.F stage 1 and
// returns a copy; it does not mutate the receiver.
func (q QuerySpec) Normalize() QuerySpec {
	out := q
	if out.Limit <= 0 {
		out.Limit = 20
	}
	if out.Limit > 100 {
		out.Limit = 100
	}
	if len(out.Types) == 0 {
		out.Types = append([]EntryKind(nil), AllKinds...)
	}
	return out
}

// ScoredEntry is a candidate entry carrying its retrieval and fusion
// scores through the pipeline stages.
type ScoredEntry struct {
	Entry        Entry
	Version      *EntryVersion // nil when Compact
	BM25         float64       // raw lexical score, 0 if entry absent from lexical channel
	Cosine       float64       // raw semantic score, 0 if entry absent from semantic channel
	InLexical    bool
	InSemantic   bool
	FusedScore   float64
	RerankScore  float64
	FinalScore   float64
	Tags         []Tag
}

// PageMeta describes pagination state returned alongside results.
type PageMeta struct {
	ReturnedCount int
	TotalCount    int
	Truncated     bool
	HasMore       bool
	NextCursor    string
	Degraded      bool // set when a capability (embed/rerank) degraded per §7
	CursorReset   bool // set when an invalid/expired cursor was demoted to offset=0 per §7
}

// QueryResult is the output of the query pipeline.
type QueryResult struct {
	Results []ScoredEntry
	Meta    PageMeta
}

// ContextRequest is the input to the context aggregator (§6 Query & Context).
type ContextRequest struct {
	ScopeType     ScopeType
	ScopeID       string
	Inherit       bool
	Compact       bool
	LimitPerType  int
	Hierarchical  bool
}

// ContextBundle is a per-scope aggregation of entries grouped by kind.
type ContextBundle struct {
	ByKind map[EntryKind][]ScoredEntry
}
