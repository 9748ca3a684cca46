package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
)

const createPausedTable = `
CREATE TABLE IF NOT EXISTS paused_torrents (
	hash TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	paused_at INTEGER NOT NULL
);
`

type PausedRepository struct {
	db *sql.DB
}

func NewPausedRepository(db *sql.DB) repository.PausedRepository {
	return &PausedRepository{db: db}
}

func (r *PausedRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createPausedTable); err != nil {
		return fmt.Errorf("create paused_torrents table: %w", err)
	}
	return nil
}

// Upsert records a pause. Re-pausing an item refreshes its timestamp.
func (r *PausedRepository) Upsert(ctx context.Context, hash, name string, pausedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO paused_torrents (hash, name, paused_at)
VALUES (?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET name=excluded.name, paused_at=excluded.paused_at`,
		hash, name, toUnix(pausedAt))
	if err != nil {
		return fmt.Errorf("upsert paused marker: %w", err)
	}
	return nil
}

func (r *PausedRepository) Delete(ctx context.Context, hash string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM paused_torrents WHERE hash=?`, hash); err != nil {
		return fmt.Errorf("delete paused marker: %w", err)
	}
	return nil
}

func (r *PausedRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.PausedMarker, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT hash, name, paused_at
FROM paused_torrents
WHERE paused_at < ?
ORDER BY paused_at ASC`, toUnix(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query paused markers: %w", err)
	}
	defer rows.Close()

	var out []domain.PausedMarker
	for rows.Next() {
		var (
			m  domain.PausedMarker
			at int64
		)
		if err := rows.Scan(&m.Hash, &m.Name, &at); err != nil {
			return nil, fmt.Errorf("scan paused marker: %w", err)
		}
		m.PausedAt = fromUnix(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate paused markers: %w", err)
	}
	return out, nil
}

var _ repository.PausedRepository = (*PausedRepository)(nil)
