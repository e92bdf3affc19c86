// Package storetest opens throwaway SQLite stores for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"switchyard/internal/db"
	"switchyard/internal/store"
)

// Open returns a migrated store in t.TempDir(), closed on cleanup.
func Open(t testing.TB, now func() time.Time) store.SQLite {
	t.Helper()
	s, err := store.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "test.db")}, now)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Clock is a settable test clock.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time { return c.T }

func (c *Clock) Advance(d time.Duration) { c.T = c.T.Add(d) }
