package sqlite

import (
	"database/sql"
	"database/sql/driver"
	"time"
)

// nowFunc is overridable in tests that need a fixed clock.
var nowFunc = time.Now

// formatTime renders t in the RFC3339Nano layout parseTimeString expects.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = nowFunc()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// formatNullableTime renders *t, or NULL when t is nil.
func formatNullableTime(t *time.Time) driver.Value {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// checkRowsAffected turns a zero-row UPDATE/DELETE into ErrNotFound.
func checkRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError(op, err)
	}
	if n == 0 {
		return wrapDBError(op, ErrNotFound)
	}
	return nil
}
