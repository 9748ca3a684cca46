package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
)

const createTorrentsTable = `
CREATE TABLE IF NOT EXISTS torrents (
	hash TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	dlspeed INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	eta INTEGER NOT NULL DEFAULT 0,
	num_seeds INTEGER NOT NULL DEFAULT 0,
	size INTEGER NOT NULL DEFAULT 0,
	added_on INTEGER NOT NULL DEFAULT 0,
	last_updated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_torrents_state ON torrents(state);
`

const snapshotColumns = `
t.hash, t.name, t.state, t.dlspeed, t.progress, t.eta, t.num_seeds, t.size, t.added_on, t.last_updated,
COALESCE(p.slow_runs, 0), COALESCE(p.recovery_attempts, 0), COALESCE(p.tags, 0), COALESCE(p.last_progress, 0), COALESCE(p.updated_at, 0)`

type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(db *sql.DB) repository.SnapshotRepository {
	return &SnapshotRepository{db: db}
}

func (r *SnapshotRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTorrentsTable); err != nil {
		return fmt.Errorf("create torrents table: %w", err)
	}
	return ensureColumns(ctx, r.db, "torrents", map[string]string{
		"size": `ALTER TABLE torrents ADD COLUMN size INTEGER NOT NULL DEFAULT 0`,
	})
}

func (r *SnapshotRepository) Upsert(ctx context.Context, item domain.Item, observedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT state FROM torrents WHERE hash=?`, item.Hash).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("lookup torrent state: %w", err)
	}
	revived := prev == string(domain.ItemStateRemoved)

	_, err = tx.ExecContext(ctx, `
INSERT INTO torrents (hash, name, state, dlspeed, progress, eta, num_seeds, size, added_on, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(hash) DO UPDATE SET
	name=excluded.name,
	state=excluded.state,
	dlspeed=excluded.dlspeed,
	progress=excluded.progress,
	eta=excluded.eta,
	num_seeds=excluded.num_seeds,
	size=excluded.size,
	added_on=excluded.added_on,
	last_updated=excluded.last_updated`,
		item.Hash,
		item.Name,
		string(item.State),
		item.Speed,
		item.Progress,
		item.ETA,
		item.Seeds,
		item.Size,
		toUnix(item.AddedAt),
		toUnix(observedAt),
	)
	if err != nil {
		return false, fmt.Errorf("upsert torrent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit torrent upsert: %w", err)
	}
	return revived, nil
}

func (r *SnapshotRepository) MarkRemoved(ctx context.Context, live map[string]struct{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT hash FROM torrents WHERE state<>?`, string(domain.ItemStateRemoved))
	if err != nil {
		return nil, fmt.Errorf("query known torrents: %w", err)
	}
	var gone []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan torrent hash: %w", err)
		}
		if _, ok := live[hash]; !ok {
			gone = append(gone, hash)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate torrents: %w", err)
	}
	if len(gone) == 0 {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, hash := range gone {
		if _, err := tx.ExecContext(ctx, `UPDATE torrents SET state=? WHERE hash=?`, string(domain.ItemStateRemoved), hash); err != nil {
			return nil, fmt.Errorf("mark %s removed: %w", hash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit removals: %w", err)
	}
	return gone, nil
}

func (r *SnapshotRepository) Get(ctx context.Context, hash string) (*domain.SnapshotRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+snapshotColumns+`
FROM torrents t LEFT JOIN policy_state p ON p.hash = t.hash
WHERE t.hash=?`, hash)
	return scanSnapshot(row)
}

func (r *SnapshotRepository) List(ctx context.Context, removed bool) ([]domain.SnapshotRecord, error) {
	op := "<>"
	if removed {
		op = "="
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+snapshotColumns+`
FROM torrents t LEFT JOIN policy_state p ON p.hash = t.hash
WHERE t.state `+op+` ?
ORDER BY t.last_updated DESC, t.name ASC`, string(domain.ItemStateRemoved))
	if err != nil {
		return nil, fmt.Errorf("query torrents: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

func collectSnapshots(rows *sql.Rows) ([]domain.SnapshotRecord, error) {
	var out []domain.SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanSnapshot(scanner interface {
	Scan(dest ...any) error
}) (*domain.SnapshotRecord, error) {
	var (
		rec         domain.SnapshotRecord
		state       string
		addedOn     int64
		lastUpdated int64
		tags        int64
		policyAt    int64
	)
	if err := scanner.Scan(
		&rec.Hash,
		&rec.Name,
		&state,
		&rec.Speed,
		&rec.Progress,
		&rec.ETA,
		&rec.Seeds,
		&rec.Size,
		&addedOn,
		&lastUpdated,
		&rec.Policy.SlowRuns,
		&rec.Policy.RecoveryAttempts,
		&tags,
		&rec.Policy.LastProgress,
		&policyAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan torrent: %w", err)
	}
	rec.State = domain.ItemState(state)
	rec.AddedAt = fromUnix(addedOn)
	rec.LastUpdated = fromUnix(lastUpdated)
	rec.Policy.Hash = rec.Hash
	rec.Policy.Tags = domain.TagSet(tags)
	rec.Policy.UpdatedAt = fromUnix(policyAt)
	return &rec, nil
}

func ensureColumns(ctx context.Context, db *sql.DB, table string, wanted map[string]string) error {
	rows, err := db.QueryContext(ctx, `PRAGMA table_info(`+table+`)`)
	if err != nil {
		return fmt.Errorf("describe %s table: %w", table, err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}
	rows.Close()

	for name, statement := range wanted {
		if _, exists := columns[name]; exists {
			continue
		}
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, name, err)
		}
	}
	return nil
}

var _ repository.SnapshotRepository = (*SnapshotRepository)(nil)
