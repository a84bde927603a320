// Package embedqueue implements the Embedding Job Queue (§4.E): an
// async, bounded-concurrency pipeline that computes and persists
// embeddings, coalescing stale jobs by (entryType, entryId) so only the
// result for the newest observed versionId is ever persisted.
package embedqueue

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/memtree/memengine/internal/capability"
	"github.com/memtree/memengine/internal/logging"
	"github.com/memtree/memengine/internal/types"
)

// Job is one unit of embedding work (§4.E contract: "on every Entry
// create/update, the store enqueues {entryType, entryId, versionId,
// text}").
type Job struct {
	EntryType types.EntryKind
	EntryID   string
	VersionID string
	Text      string
}

func (j Job) key() string { return string(j.EntryType) + ":" + j.EntryID }

// CurrentVersionReader lets a worker re-read an entry's current
// versionId at persist time, the check the coalescing rule depends on
// (§4.E: "when a worker finishes, it re-reads the entry's current
// versionId; if it differs from the job's versionId, the result is
// dropped").
type CurrentVersionReader interface {
	CurrentVersionID(ctx context.Context, entryType types.EntryKind, entryID string) (string, error)
}

// Persister writes a computed embedding for the winning (entryType,
// entryId, versionId), the Vector Index write path (§4.D).
type Persister interface {
	PersistEmbedding(ctx context.Context, entryType types.EntryKind, entryID string, versionID string, vector []float32, model string) error
}

// Queue is the bounded-concurrency, per-key-coalescing job queue. It has
// no exported constructor fields beyond New; callers submit jobs and the
// queue runs workers against an injected Embedder.
type Queue struct {
	embedder  capability.Embedder
	versions  CurrentVersionReader
	persist   Persister
	sem       *semaphore.Weighted
	maxRetries uint64
	log       *logging.Logger
	notifier  Notifier // optional publish-on-complete transport, may be nil

	mu      sync.Mutex
	pending map[string]Job   // latest job per key, awaiting a worker slot
	inFlight map[string]bool // keys currently being worked
	depth   int
	maxDepth int

	wg sync.WaitGroup
}

// New constructs a Queue with the given worker concurrency, queue depth
// bound, and retry budget (§4.E "configurable, default small, e.g., 2").
func New(embedder capability.Embedder, versions CurrentVersionReader, persist Persister, concurrency int, maxDepth int, maxRetries uint64) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Queue{
		embedder:   embedder,
		versions:   versions,
		persist:    persist,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		maxRetries: maxRetries,
		log:        logging.New("embedqueue"),
		pending:    make(map[string]Job),
		inFlight:   make(map[string]bool),
		maxDepth:   maxDepth,
	}
}

// Enqueue submits a job. If a job for the same (entryType, entryId) is
// already pending, it is replaced (coalesced) regardless of depth. If
// the queue is at capacity and this is a new key, one pending job for a
// different key that is not in flight is evicted first. Pending jobs carry
// no enqueue order, so the evicted job is whichever map iteration reaches
// first; it is not necessarily the oldest.
func (q *Queue) Enqueue(job Job) {
	key := job.key()

	q.mu.Lock()
	_, alreadyPending := q.pending[key]
	if !alreadyPending && q.depth >= q.maxDepth {
		q.evictOldestLocked()
	}
	if !alreadyPending {
		q.depth++
	}
	q.pending[key] = job
	q.mu.Unlock()

	q.wg.Add(1)
	go q.runWhenReady(key)
}

// evictOldestLocked drops one pending job to make room, called with mu
// held. Go maps have no stable order, so "oldest" here is any pending
// key not currently in flight — acceptable because the queue is already
// over its soft depth bound and coalescing already dominates the normal
// case.
func (q *Queue) evictOldestLocked() {
	for k := range q.pending {
		if !q.inFlight[k] {
			delete(q.pending, k)
			q.depth--
			return
		}
	}
}

// runWhenReady waits for a worker slot, then processes the latest
// pending job under key, re-checking for an even newer job after the
// semaphore acquire (coalescing across the wait, not just at enqueue).
func (q *Queue) runWhenReady(key string) {
	defer q.wg.Done()

	ctx := context.Background()
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer q.sem.Release(1)

	q.mu.Lock()
	if q.inFlight[key] {
		// another goroutine for this key is already running; its loop
		// will pick up the latest pending job before it exits.
		q.mu.Unlock()
		return
	}
	q.inFlight[key] = true
	q.mu.Unlock()

	for {
		// Pop the next pending job, or — atomically with that check —
		// clear inFlight so a concurrent Enqueue knows it must spawn a
		// new worker rather than rely on this one. Doing both under the
		// same lock closes the race where a job lands between "no more
		// pending" and "mark not in flight".
		q.mu.Lock()
		job, ok := q.pending[key]
		if ok {
			delete(q.pending, key)
			q.depth--
		} else {
			delete(q.inFlight, key)
		}
		q.mu.Unlock()
		if !ok {
			return
		}

		q.process(ctx, job)
	}
}

// process computes an embedding with retry, then persists it only if
// the entry's current versionId still matches the job's (§4.E
// coalescing check at persist time).
func (q *Queue) process(ctx context.Context, job Job) {
	vector, model, err := q.embedWithRetry(ctx, job.Text)
	if err != nil {
		q.log.Warn("embedding failed for %s after retries, discarding: %v", job.key(), err)
		return
	}

	current, err := q.versions.CurrentVersionID(ctx, job.EntryType, job.EntryID)
	if err != nil {
		q.log.Warn("could not re-read current version for %s: %v", job.key(), err)
		return
	}
	if current != job.VersionID {
		q.log.Debug("discarding stale embedding for %s: job version %s, current %s", job.key(), job.VersionID, current)
		return
	}

	if err := q.persist.PersistEmbedding(ctx, job.EntryType, job.EntryID, job.VersionID, vector, model); err != nil {
		q.log.Warn("failed to persist embedding for %s: %v", job.key(), err)
		return
	}

	if q.notifier != nil {
		if err := q.notifier.NotifyEmbedded(string(job.EntryType), job.EntryID, job.VersionID); err != nil {
			q.log.Debug("embed-complete notify failed for %s: %v", job.key(), err)
		}
	}
}

func (q *Queue) embedWithRetry(ctx context.Context, text string) ([]float32, string, error) {
	var vector []float32
	var model string

	op := func() error {
		v, m, err := q.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vector, model = v, m
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), q.maxRetries)
	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	return vector, model, err
}

// Wait blocks until every currently-running and pending job has drained,
// for tests and graceful shutdown (§8 property 4 coalescing tests drain
// the queue before asserting).
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth reports the number of distinct entries with pending or in-flight
// work, for the status/health snapshot.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.inFlight)
	for k := range q.pending {
		if !q.inFlight[k] {
			n++
		}
	}
	return n
}

// PurgePending drops any pending job for (entryType, entryId) without
// running it — the cancellation path for deactivation (§4.E
// "Cancellation: deactivation purges pending jobs for that entry").
func (q *Queue) PurgePending(entryType types.EntryKind, entryID string) {
	key := string(entryType) + ":" + entryID
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[key]; ok {
		delete(q.pending, key)
		q.depth--
	}
}

// PurgeAll drops every pending job without running it, used by the Admin
// `reset` contract after the backing store has been truncated — any job
// still in flight will discard its result anyway once it re-reads a
// current versionId that no longer exists.
func (q *Queue) PurgeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[string]Job)
	q.depth = 0
}
