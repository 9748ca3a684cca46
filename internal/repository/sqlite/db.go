package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (or creates) a sqlite database at the given path and ensures directories exist.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// one writer; the tick and pulse drivers share this handle
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Repositories bundles the store's tables over one handle.
type Repositories struct {
	Snapshots *SnapshotRepository
	History   *HistoryRepository
	Paused    *PausedRepository
	Policies  *PolicyRepository
}

// NewRepositories builds every repository and creates their tables.
func NewRepositories(ctx context.Context, db *sql.DB) (*Repositories, error) {
	repos := &Repositories{
		Snapshots: &SnapshotRepository{db: db},
		History:   &HistoryRepository{db: db},
		Paused:    &PausedRepository{db: db},
		Policies:  &PolicyRepository{db: db},
	}
	inits := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"snapshots", repos.Snapshots.Init},
		{"history", repos.History.Init},
		{"paused", repos.Paused.Init},
		{"policies", repos.Policies.Init},
	}
	for _, in := range inits {
		if err := in.fn(ctx); err != nil {
			return nil, fmt.Errorf("init %s repository: %w", in.name, err)
		}
	}
	return repos, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
