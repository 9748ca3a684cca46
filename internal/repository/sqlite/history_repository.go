package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
)

const createHistoryTable = `
CREATE TABLE IF NOT EXISTS torrent_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	dlspeed INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	eta INTEGER NOT NULL DEFAULT 0,
	num_seeds INTEGER NOT NULL DEFAULT 0,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_torrent_history_hash ON torrent_history(hash, id);
CREATE INDEX IF NOT EXISTS idx_torrent_history_timestamp ON torrent_history(timestamp);
`

const historyColumns = `id, hash, name, state, dlspeed, progress, eta, num_seeds, timestamp`

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) repository.HistoryRepository {
	return &HistoryRepository{db: db}
}

func (r *HistoryRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createHistoryTable); err != nil {
		return fmt.Errorf("create torrent_history table: %w", err)
	}
	return nil
}

func (r *HistoryRepository) Append(ctx context.Context, item domain.Item, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO torrent_history (hash, name, state, dlspeed, progress, eta, num_seeds, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.Hash,
		item.Name,
		string(item.State),
		item.Speed,
		item.Progress,
		item.ETA,
		item.Seeds,
		toUnix(at),
	)
	if err != nil {
		return fmt.Errorf("insert history sample: %w", err)
	}
	return nil
}

// ListByHash returns the newest samples for hash, newest first.
func (r *HistoryRepository) ListByHash(ctx context.Context, hash string, limit int) ([]domain.HistorySample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM torrent_history
WHERE hash=?
ORDER BY id DESC
LIMIT ?`, hash, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// ListBefore returns the oldest samples taken before cutoff, oldest first.
func (r *HistoryRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.HistorySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+historyColumns+`
FROM torrent_history
WHERE timestamp < ?
ORDER BY id ASC
LIMIT ?`, toUnix(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired history: %w", err)
	}
	defer rows.Close()
	return collectHistory(rows)
}

// DeleteThrough removes samples up to and including maxID that are older than cutoff.
func (r *HistoryRepository) DeleteThrough(ctx context.Context, maxID int64, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM torrent_history WHERE id<=? AND timestamp<?`, maxID, toUnix(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history rows affected: %w", err)
	}
	return n, nil
}

func collectHistory(rows *sql.Rows) ([]domain.HistorySample, error) {
	var out []domain.HistorySample
	for rows.Next() {
		var (
			s     domain.HistorySample
			state string
			ts    int64
		)
		if err := rows.Scan(&s.ID, &s.Hash, &s.Name, &state, &s.Speed, &s.Progress, &s.ETA, &s.Seeds, &ts); err != nil {
			return nil, fmt.Errorf("scan history sample: %w", err)
		}
		s.State = domain.ItemState(state)
		s.Timestamp = fromUnix(ts)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

var _ repository.HistoryRepository = (*HistoryRepository)(nil)
