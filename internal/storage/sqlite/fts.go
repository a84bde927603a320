package sqlite

import (
	"context"
	"strings"

	"github.com/memtree/memengine/internal/storage"
)

// SearchFTS runs a BM25 lexical query over the entries_fts virtual table,
// the same MATCH/bm25() idiom the pack's hybrid search uses (see
// untoldecay-BeadsLog's queries/search.go), generalized here to pre-filter
// by scope/kind before joining back to entries.
func (s *Store) SearchFTS(ctx context.Context, query string, filter storage.EntryFilter) ([]storage.FTSHit, error) {
	matchQuery := toFTSMatchQuery(query)
	if matchQuery == "" {
		return nil, nil
	}

	where, args := buildEntryFilter(filter)
	where = strings.Replace(where, "WHERE", "WHERE entries_fts MATCH ? AND", 1)
	sqlQuery := `
		SELECT entries_fts.entry_id, bm25(entries_fts) AS rank
		FROM entries_fts
		JOIN entries ON entries.id = entries_fts.entry_id
		` + where + `
		ORDER BY rank
		LIMIT 200
	`
	rows, err := s.db.QueryContext(ctx, sqlQuery, append([]any{matchQuery}, args...)...)
	if err != nil {
		return nil, wrapDBError("search fts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.FTSHit
	for rows.Next() {
		var hit storage.FTSHit
		if err := rows.Scan(&hit.EntryID, &hit.BM25); err != nil {
			return nil, wrapDBError("scan fts hit", err)
		}
		out = append(out, hit)
	}
	return out, wrapDBError("iterate fts hits", rows.Err())
}

// toFTSMatchQuery turns free text into an FTS5 MATCH expression: each
// token becomes a prefix term ORed together, and the handful of characters
// FTS5 treats as query syntax are quoted away so a user's literal
// punctuation can never be parsed as an operator.
func toFTSMatchQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"*`)
	}
	return strings.Join(terms, " OR ")
}
