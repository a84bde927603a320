package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/memtree/memengine/internal/types"
)

// RecordRetrieval increments retrieval_count (and success_count, when the
// caller later reports the entry was actually used) and stamps
// last_access_at/last_success_at — the raw counters the prioritization
// service's usefulness calculator reads.
func (s *Store) RecordRetrieval(ctx context.Context, entryID string, success bool, at time.Time) error {
	ts := formatTime(at)
	var err error
	if success {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO retrieval_outcomes (entry_id, retrieval_count, success_count, last_success_at, last_access_at)
			VALUES (?, 1, 1, ?, ?)
			ON CONFLICT (entry_id) DO UPDATE SET
				retrieval_count = retrieval_count + 1,
				success_count = success_count + 1,
				last_success_at = excluded.last_success_at,
				last_access_at = excluded.last_access_at
		`, entryID, ts, ts)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO retrieval_outcomes (entry_id, retrieval_count, success_count, last_access_at)
			VALUES (?, 1, 0, ?)
			ON CONFLICT (entry_id) DO UPDATE SET
				retrieval_count = retrieval_count + 1,
				last_access_at = excluded.last_access_at
		`, entryID, ts)
	}
	return wrapDBError("record retrieval", err)
}

func (s *Store) GetRetrievalOutcomes(ctx context.Context, entryIDs []string) (map[string]types.RetrievalOutcome, error) {
	out := make(map[string]types.RetrievalOutcome, len(entryIDs))
	if len(entryIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(entryIDs))
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, retrieval_count, success_count, last_success_at, last_access_at
		FROM retrieval_outcomes WHERE entry_id IN (`+joinComma(placeholders)+`)
	`, args...)
	if err != nil {
		return nil, wrapDBError("get retrieval outcomes", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var o types.RetrievalOutcome
		var lastSuccess, lastAccess sql.NullString
		if err := rows.Scan(&o.EntryID, &o.RetrievalCount, &o.SuccessCount, &lastSuccess, &lastAccess); err != nil {
			return nil, wrapDBError("scan retrieval outcome", err)
		}
		o.LastSuccessAt = parseNullableTimeString(lastSuccess)
		o.LastAccessAt = parseNullableTimeString(lastAccess)
		out[o.EntryID] = o
	}
	return out, wrapDBError("iterate retrieval outcomes", rows.Err())
}
