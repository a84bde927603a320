// Package querypipeline implements the Query Pipeline (§4.F): the seven
// stages that turn a QuerySpec into a paginated, ranked QueryResult —
// parse & validate, scope expansion, candidate generation (lexical +
// semantic fan-in), rank fusion, optional rerank, prioritization, and
// pagination.
package querypipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memtree/memengine/internal/cache"
	"github.com/memtree/memengine/internal/capability"
	"github.com/memtree/memengine/internal/config"
	"github.com/memtree/memengine/internal/logging"
	"github.com/memtree/memengine/internal/prioritize"
	"github.com/memtree/memengine/internal/query"
	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// coverageBonus rewards candidates found by both the lexical and
// semantic channels, per §4.F stage 4: "entries found by both channels
// receive a small +0.05 coverage bonus after fusion."
const coverageBonus = 0.05

// Pipeline wires the storage, cache, and injected-capability dependencies
// the seven stages need. Reranker and Embedder are optional: a nil
// Embedder skips the semantic channel, a nil Reranker skips stage 5.
type Pipeline struct {
	store     storage.Storage
	cache     *cache.Cache
	cursors   *cache.CursorSigner
	embedder  capability.Embedder
	reranker  capability.Reranker
	cfg       *config.Config
	prioCfg   prioritize.Config
	log       *logging.Logger
}

// New constructs a Pipeline. embedder and reranker may be nil. A nil
// embedder skips the semantic channel and sets PageMeta.Degraded on a
// free-text search; a nil reranker skips stage 5 without setting it.
func New(store storage.Storage, c *cache.Cache, cursors *cache.CursorSigner, embedder capability.Embedder, reranker capability.Reranker, cfg *config.Config) *Pipeline {
	prioCfg := prioritize.DefaultConfig()
	if cfg != nil {
		if cfg.PriorityMinSamples > 0 {
			prioCfg.MinSamples = cfg.PriorityMinSamples
		}
		if cfg.PriorityLearningRate > 0 {
			prioCfg.LearningRate = cfg.PriorityLearningRate
		}
		if cfg.PriorityWeightAdaptive > 0 || cfg.PriorityWeightUsefulness > 0 || cfg.PriorityWeightContext > 0 {
			prioCfg.WeightAdaptive = cfg.PriorityWeightAdaptive
			prioCfg.WeightUsefulness = cfg.PriorityWeightUsefulness
			prioCfg.WeightContext = cfg.PriorityWeightContext
		}
	}

	return &Pipeline{
		store:    store,
		cache:    c,
		cursors:  cursors,
		embedder: embedder,
		reranker: reranker,
		cfg:      cfg,
		prioCfg:  prioCfg,
		log:      logging.New("querypipeline"),
	}
}

// Run executes all seven stages of §4.F for the given spec.
func (p *Pipeline) Run(ctx context.Context, spec types.QuerySpec) (*types.QueryResult, error) {
	// Stage 1: parse & validate.
	spec = spec.Normalize()
	var predicate func(*query.Candidate) bool
	if spec.Search != "" && looksLikeFilterExpr(spec.Search) {
		node, err := query.Parse(spec.Search)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
		predicate, err = query.NewEvaluator(time.Now()).Evaluate(node)
		if err != nil {
			return nil, fmt.Errorf("invalid filter expression: %w", err)
		}
	}

	// Stage 2: scope expansion.
	scopes := []types.Scope{spec.Scope}
	if spec.Inherit {
		chain, err := types.ExpandChain(spec.Scope, p.store)
		if err != nil {
			return nil, fmt.Errorf("expanding scope chain: %w", err)
		}
		scopes = chain
	}

	// Cache lookup keyed by a fingerprint of the normalized spec.
	fingerprint := fingerprintSpec(spec)
	if cached, ok := p.cache.Get(fingerprint); ok {
		return p.paginate(cached, spec, fingerprint)
	}

	filter := storage.EntryFilter{
		Scopes:          scopes,
		Kinds:           spec.Types,
		Tags:            spec.Tags,
		IncludeInactive: spec.IncludeInactive,
	}

	// Stage 3: candidate generation — lexical and semantic fan-in. A
	// structured filter expression (predicate != nil) is never sent to
	// FTS/vector search as free text; it only narrows a plain entry list.
	isFreeTextSearch := spec.Search != "" && predicate == nil

	degraded := false
	lexical := map[string]float64{}
	if isFreeTextSearch {
		hits, err := p.store.SearchFTS(ctx, spec.Search, filter)
		if err != nil {
			return nil, fmt.Errorf("lexical search: %w", err)
		}
		for _, h := range hits {
			lexical[h.EntryID] = h.BM25
		}
	}

	semantic := map[string]float64{}
	if isFreeTextSearch && p.embedder != nil {
		vector, model, err := p.embedder.Embed(ctx, spec.Search)
		if err != nil {
			p.log.Warn("embedding query failed, degrading to lexical-only: %v", err)
			degraded = true
		} else {
			hits, err := p.store.SearchVectors(ctx, vector, model, filter, p.cfg.RerankTopK)
			if err != nil {
				return nil, fmt.Errorf("vector search: %w", err)
			}
			for _, h := range hits {
				semantic[h.EntryID] = h.Cosine
			}
		}
	} else if isFreeTextSearch && p.embedder == nil {
		degraded = true
	}

	candidateIDs := unionKeys(lexical, semantic)
	if !isFreeTextSearch {
		entries, total, err := p.store.ListEntries(ctx, filter, storage.Pagination{Offset: 0, Limit: spec.Limit * 4})
		if err != nil {
			return nil, fmt.Errorf("listing entries: %w", err)
		}
		_ = total
		for _, e := range entries {
			candidateIDs = append(candidateIDs, e.ID)
		}
	}

	scored, err := p.buildScoredEntries(ctx, candidateIDs, lexical, semantic, spec, predicate)
	if err != nil {
		return nil, err
	}

	// Stage 4: rank fusion.
	fuseScores(scored, p.cfg.HybridAlpha)

	// Stage 5: rerank (optional, top-K only).
	if p.reranker != nil && isFreeTextSearch {
		if err := p.rerank(ctx, scored, spec.Search); err != nil {
			p.log.Warn("rerank failed, falling back to fused score: %v", err)
			degraded = true
			for i := range scored {
				scored[i].FinalScore = scored[i].FusedScore
			}
		}
	} else {
		for i := range scored {
			scored[i].FinalScore = scored[i].FusedScore
		}
	}

	// Stage 6: prioritize.
	if err := p.prioritize(ctx, scored); err != nil {
		p.log.Warn("prioritization degraded: %v", err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].FinalScore != scored[j].FinalScore {
			return scored[i].FinalScore > scored[j].FinalScore
		}
		return types.SpecificityRank(scored[i].Entry.ScopeType) < types.SpecificityRank(scored[j].Entry.ScopeType)
	})

	entry := &cache.Entry{Results: scored, TotalCount: len(scored), ScopeChain: scopes}
	p.cache.Put(fingerprint, scored, len(scored), scopes)

	result, err := p.paginate(entry, spec, fingerprint)
	if err != nil {
		return nil, err
	}
	result.Meta.Degraded = degraded
	return result, nil
}

// buildScoredEntries loads each candidate's current entry/version/tags,
// applies the filter-expression predicate if any, and seeds BM25/Cosine.
func (p *Pipeline) buildScoredEntries(ctx context.Context, ids []string, lexical, semantic map[string]float64, spec types.QuerySpec, predicate func(*query.Candidate) bool) ([]types.ScoredEntry, error) {
	var out []types.ScoredEntry
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		e, err := p.store.GetEntry(ctx, id)
		if err != nil {
			continue // entry may have been deactivated/deleted between index and read
		}
		if !spec.IncludeInactive && !e.IsActive {
			continue
		}

		var version *types.EntryVersion
		if spec.IncludeVersions || !spec.Compact || predicate != nil {
			version, _ = p.store.GetCurrentVersion(ctx, id)
		}
		tags, _ := p.store.ListTagsForEntry(ctx, types.EntryRef{Kind: e.Kind, ID: e.ID})

		if !matchesTagFilter(tags, spec.Tags) {
			continue
		}
		if predicate != nil && !predicate(&query.Candidate{Entry: e, Version: version, Tags: tags}) {
			continue
		}

		bm25, inLex := lexical[id]
		cosine, inSem := semantic[id]
		out = append(out, types.ScoredEntry{
			Entry:      *e,
			Version:    version,
			BM25:       bm25,
			Cosine:     cosine,
			InLexical:  inLex,
			InSemantic: inSem,
			Tags:       tags,
		})
	}
	return out, nil
}

// matchesTagFilter implements §4.B's three-set tag predicate: an entry
// must carry at least one of Include (if non-empty), all of Require, and
// none of Exclude.
func matchesTagFilter(tags []types.Tag, f types.TagFilter) bool {
	if f.IsEmpty() {
		return true
	}
	names := make(map[string]bool, len(tags))
	for _, t := range tags {
		names[t.Name] = true
	}
	for _, excl := range f.Exclude {
		if names[excl] {
			return false
		}
	}
	for _, req := range f.Require {
		if !names[req] {
			return false
		}
	}
	if len(f.Include) > 0 {
		matched := false
		for _, inc := range f.Include {
			if names[inc] {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// fuseScores implements §4.F stage 4: min-max normalize each channel
// independently, blend by alpha, and add the coverage bonus.
func fuseScores(scored []types.ScoredEntry, alpha float64) {
	if len(scored) == 0 {
		return
	}
	bm25Min, bm25Max := minMax(scored, func(s types.ScoredEntry) float64 { return s.BM25 })
	cosMin, cosMax := minMax(scored, func(s types.ScoredEntry) float64 { return s.Cosine })

	for i := range scored {
		s := &scored[i]
		lex := normalize(s.BM25, bm25Min, bm25Max)
		sem := normalize(s.Cosine, cosMin, cosMax)
		fused := alpha*lex + (1-alpha)*sem
		if s.InLexical && s.InSemantic {
			fused += coverageBonus
		}
		if fused > 1 {
			fused = 1
		}
		s.FusedScore = fused
	}
}

func minMax(scored []types.ScoredEntry, get func(types.ScoredEntry) float64) (float64, float64) {
	min, max := math.Inf(1), math.Inf(-1)
	for _, s := range scored {
		v := get(s)
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		if v > 0 {
			return 1
		}
		return 0
	}
	return (v - min) / (max - min)
}

// rerank implements §4.F stage 5: send the top RerankTopK fused
// candidates to the injected Reranker, rescale its scores to [0,1], give
// a sent candidate the reranker omitted a neutral 0.5, blend with the
// fused score by rerankAlpha, and leave the remainder at their fused score.
func (p *Pipeline) rerank(ctx context.Context, scored []types.ScoredEntry, searchQuery string) error {
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].FusedScore > scored[j].FusedScore })

	topK := p.cfg.RerankTopK
	if topK > len(scored) {
		topK = len(scored)
	}

	candidates := make([]capability.RerankCandidate, topK)
	for i := 0; i < topK; i++ {
		text := scored[i].Entry.Name
		if scored[i].Version != nil {
			text = text + "\n" + scored[i].Version.Content
		}
		candidates[i] = capability.RerankCandidate{EntryID: scored[i].Entry.ID, Text: text}
	}

	results, err := p.reranker.Rerank(ctx, searchQuery, candidates)
	if err != nil {
		return err
	}
	byID := make(map[string]float64, len(results))
	maxScore := 0.0
	for _, r := range results {
		byID[r.EntryID] = r.Score
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	// The largest returned score picks the scale: [0,1], [0,10] or [0,100].
	scale := 1.0
	if maxScore > 10 {
		scale = 100
	} else if maxScore > 1 {
		scale = 10
	}

	for i := range scored {
		rs, ok := byID[scored[i].Entry.ID]
		if ok {
			rs /= scale
		} else if i < topK {
			rs, ok = 0.5, true
		}
		if ok {
			scored[i].RerankScore = rs
			scored[i].FinalScore = p.cfg.RerankAlpha*rs + (1-p.cfg.RerankAlpha)*scored[i].FusedScore
		} else {
			scored[i].FinalScore = scored[i].FusedScore
		}
	}
	return nil
}

// prioritize implements §4.F stage 6: fetch retrieval outcomes in bulk
// and compose the final priority-weighted score on top of FinalScore.
func (p *Pipeline) prioritize(ctx context.Context, scored []types.ScoredEntry) error {
	if len(scored) == 0 {
		return nil
	}
	ids := make([]string, len(scored))
	for i, s := range scored {
		ids[i] = s.Entry.ID
	}
	outcomes, err := p.store.GetRetrievalOutcomes(ctx, ids)
	if err != nil {
		return err
	}

	now := time.Now()
	for i := range scored {
		outcome := outcomes[scored[i].Entry.ID]
		usefulness := prioritize.Usefulness(outcome, now)
		adaptive := prioritize.AdaptiveTypeWeight(p.prioCfg, prioritize.TypeWeightSample{Samples: outcome.RetrievalCount, SuccessRate: successRate(outcome)})
		contextBoost := prioritize.ContextBoost(p.prioCfg, 0, false)
		scored[i].FinalScore = prioritize.Composite(p.prioCfg, scored[i].FinalScore, adaptive, usefulness, contextBoost)
	}
	return nil
}

func successRate(o types.RetrievalOutcome) float64 {
	if o.RetrievalCount == 0 {
		return 0.5
	}
	return float64(o.SuccessCount) / float64(o.RetrievalCount)
}

// paginate implements §4.F stage 7: slice the cached full result set by
// the requested cursor/limit and sign the next cursor. Per §4.F stage 1
// and §7's propagation policy, a cursor that fails verification
// (tampering, expiry, or a fingerprint mismatch from a changed query)
// never aborts the request — it demotes to offset=0 and the response
// reports PageMeta.CursorReset so the caller knows pagination restarted.
func (p *Pipeline) paginate(entry *cache.Entry, spec types.QuerySpec, fingerprint string) (*types.QueryResult, error) {
	offset := 0
	cursorReset := false
	if spec.Cursor != "" {
		o, err := p.cursors.Verify(spec.Cursor, fingerprint, time.Now())
		if err != nil {
			p.log.Warn("cursor rejected, resetting to offset=0: %v", classifyCursorErr(err))
			cursorReset = true
		} else {
			offset = o
		}
	}

	total := len(entry.Results)
	end := offset + spec.Limit
	truncated := false
	if end > total {
		end = total
	}
	if offset > total {
		offset = total
	}
	page := entry.Results[offset:end]
	hasMore := end < total
	if hasMore {
		truncated = true
	}

	var nextCursor string
	if hasMore {
		c, err := p.cursors.Sign(end, fingerprint, time.Now())
		if err != nil {
			return nil, fmt.Errorf("signing next cursor: %w", err)
		}
		nextCursor = c
	}

	return &types.QueryResult{
		Results: page,
		Meta: types.PageMeta{
			ReturnedCount: len(page),
			TotalCount:    total,
			CursorReset:   cursorReset,
			Truncated:     truncated,
			HasMore:       hasMore,
			NextCursor:    nextCursor,
		},
	}, nil
}

// classifyCursorErr maps a cache.CursorSigner.Verify failure onto the §7
// error taxonomy purely for logging: expiry gets ErrCursorExpired,
// anything else (bad encoding, signature mismatch, fingerprint mismatch)
// gets ErrCursorInvalid. Neither is returned to the caller — paginate
// always falls back to offset=0 instead of propagating either.
func classifyCursorErr(err error) *types.EngineError {
	if strings.Contains(err.Error(), "expired") {
		return types.WrapError(types.ErrCursorExpired, err, "cursor expired")
	}
	return types.WrapError(types.ErrCursorInvalid, err, "cursor invalid")
}

func unionKeys(a, b map[string]float64) []string {
	seen := map[string]bool{}
	var out []string
	for k := range a {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for k := range b {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// fingerprintSpec derives a stable cache/cursor key from the
// cache-relevant fields of a normalized QuerySpec (§4.H: "fingerprint =
// hash of normalized query parameters, excluding cursor/offset").
func fingerprintSpec(spec types.QuerySpec) string {
	return fmt.Sprintf("%s|%v|%s|%v|%s|%v|%v|%v|%v|%v|%v|%s",
		spec.Action, spec.Types, spec.Scope.String(), spec.Inherit, spec.Search,
		spec.Tags.Include, spec.Tags.Require, spec.Tags.Exclude, spec.IncludeInactive,
		spec.Compact, spec.IncludeVersions, relatedKey(spec.RelatedTo))
}

func relatedKey(r *types.RelationFilter) string {
	if r == nil {
		return ""
	}
	return string(r.Type) + ":" + r.ID + ":" + string(r.Relation)
}

// looksLikeFilterExpr distinguishes a free-text search string from a
// structured filter expression like "kind=tool AND priority>=5" (§5):
// the latter always contains a comparison operator.
func looksLikeFilterExpr(s string) bool {
	for _, op := range []string{"=", "!=", "<", ">", "<=", ">="} {
		if containsOp(s, op) {
			return true
		}
	}
	return false
}

func containsOp(s, op string) bool {
	for i := 0; i+len(op) <= len(s); i++ {
		if s[i:i+len(op)] == op {
			return true
		}
	}
	return false
}
