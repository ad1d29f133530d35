// Package repos is the persistence layer for bridge and coordination state:
// dead letters, circuit breaker snapshots, and the conflict audit trail.
package repos

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Timestamps are stored as TEXT so rows stay readable in the sqlite shell.
const timeFormat = time.RFC3339Nano

func nowUTC() time.Time { return time.Now().UTC() }

func newID() string { return uuid.NewString() }

func toJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func fromJSON[T any](s string) T {
	var v T
	if strings.TrimSpace(s) != "" {
		_ = json.Unmarshal([]byte(s), &v)
	}
	return v
}

// parseTS tolerates rows written by older builds that used second precision
// or sqlite's datetime() format.
var tsFormats = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}

func parseTS(s string) time.Time {
	for _, f := range tsFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTSPtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	if t := parseTS(ns.String); !t.IsZero() {
		return &t
	}
	return nil
}
