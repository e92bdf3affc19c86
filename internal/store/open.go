package store

import (
	"context"
	"time"

	"switchyard/internal/db"
	"switchyard/internal/migrate"
)

// Open opens the database described by cfg and brings its schema up to date.
func Open(ctx context.Context, cfg db.Config, now func() time.Time) (SQLite, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return SQLite{}, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return SQLite{}, err
	}
	return SQLite{DB: conn, Now: now}, nil
}

func (s SQLite) Close() error {
	return s.DB.Close()
}
