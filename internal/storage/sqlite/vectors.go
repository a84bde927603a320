package sqlite

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/memtree/memengine/internal/storage"
	"github.com/memtree/memengine/internal/types"
)

// UpsertEmbedding stores one embedding per (entryType, entryId), replacing
// any stale vector from an older version — there is only ever one "live"
// embedding per entry, matching the job queue's per-entry coalescing.
func (s *Store) UpsertEmbedding(ctx context.Context, emb *types.Embedding) error {
	emb.CreatedAt = nowFunc()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (entry_type, entry_id, version_id, vector, model, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entry_type, entry_id) DO UPDATE SET
			version_id = excluded.version_id,
			vector = excluded.vector,
			model = excluded.model,
			provider = excluded.provider,
			created_at = excluded.created_at
	`, emb.EntryType, emb.EntryID, emb.VersionID, encodeVector(emb.Vector), emb.Model, emb.Provider, formatTime(emb.CreatedAt))
	return wrapDBError("upsert embedding", err)
}

func (s *Store) GetEmbedding(ctx context.Context, entryID string) (*types.Embedding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_type, entry_id, version_id, vector, model, provider, created_at
		FROM embeddings WHERE entry_id = ?
	`, entryID)

	var e types.Embedding
	var vector []byte
	var createdAt string
	if err := row.Scan(&e.EntryType, &e.EntryID, &e.VersionID, &vector, &e.Model, &e.Provider, &createdAt); err != nil {
		return nil, wrapDBError("get embedding", err)
	}
	e.Vector = decodeVector(vector)
	e.CreatedAt = parseTimeString(createdAt)
	return &e, nil
}

func (s *Store) DeleteEmbeddings(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE entry_id = ?`, entryID)
	return wrapDBError("delete embeddings", err)
}

// SearchVectors computes cosine similarity against every embedding
// matching the filter and the requested model, in Go rather than SQL:
// SQLite carries no native vector index, so (per DESIGN.md) this is a
// brute-force scan, acceptable at the scale a single agent's memory store
// operates at. Results are truncated to topK, highest similarity first.
func (s *Store) SearchVectors(ctx context.Context, query []float32, model string, filter storage.EntryFilter, topK int) ([]storage.VectorHit, error) {
	where, args := buildEntryFilter(filter)
	sqlQuery := `
		SELECT emb.entry_id, emb.vector, emb.model
		FROM embeddings emb
		JOIN entries ON entries.id = emb.entry_id
	` + where
	if model != "" {
		sqlQuery += " AND emb.model = ?"
		args = append(args, model)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, wrapDBError("search vectors", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.VectorHit
	for rows.Next() {
		var entryID, hitModel string
		var vector []byte
		if err := rows.Scan(&entryID, &vector, &hitModel); err != nil {
			return nil, wrapDBError("scan vector hit", err)
		}
		cosine := cosineSimilarity(query, decodeVector(vector))
		hits = append(hits, storage.VectorHit{EntryID: entryID, Cosine: cosine, Model: hitModel})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("iterate vector hits", err)
	}

	sortVectorHitsDesc(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func sortVectorHitsDesc(hits []storage.VectorHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Cosine > hits[j-1].Cosine; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
