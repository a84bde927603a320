// Package capability defines the injected, external-collaborator
// interfaces named in spec §1 as out of scope for this engine: LLM
// providers for classification/summarization/reranking, and a
// reinforcement-learning priority policy.
// The engine only depends on these contracts; concrete implementations
// (e.g. internal/capability/anthropicadapter) are optional adapters.
package capability

import "context"

// Classifier assigns a query or entry to a coarse intent/category. No
// component of the engine takes or calls a Classifier.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Summarizer condenses entry content. No component of the engine takes
// or calls a Summarizer.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxWords int) (string, error)
}

// RerankCandidate is one candidate passed to Reranker.Rerank, identified
// by entry id so the query pipeline can re-attach the returned score.
type RerankCandidate struct {
	EntryID string
	Text    string
}

// RerankResult pairs an entry id with a reranker score. The scale is
// unspecified by the capability contract ([0,1], [0,10], or [0,100]);
// the query pipeline normalizes to [0,1] (§4.F stage 5).
type RerankResult struct {
	EntryID string
	Score   float64
}

// Reranker rescores top-K candidates against a query, the secondary
// pass in §4.F stage 5. Implementations may return a subset of
// candidates; missing entries default to a neutral score in the
// pipeline.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]RerankResult, error)
}

// Embedder computes a dense vector for text, used both to populate the
// Vector Index (§4.D, via the Embedding Job Queue) and to embed an
// incoming query for semantic retrieval (§4.F stage 3).
type Embedder interface {
	Embed(ctx context.Context, text string) (vector []float32, model string, err error)
	// Dimension reports the fixed vector width D this embedder produces,
	// used to validate stored vectors against the active model.
	Dimension() int
}

// PriorityPolicy is an optional override of the Prioritization
// Service's default composite formula (§4.G), e.g. a model trained
// offline on retrieval-outcome data. The query pipeline always applies
// its built-in composite formula and does not accept a PriorityPolicy.
type PriorityPolicy interface {
	// Score returns a value in [0,1] combining whatever signals the
	// policy was trained on for the given entry id and query intent.
	Score(ctx context.Context, entryID string, intent string) (float64, error)
}
