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

const createPolicyTable = `
CREATE TABLE IF NOT EXISTS policy_state (
	hash TEXT PRIMARY KEY,
	slow_runs INTEGER NOT NULL DEFAULT 0,
	recovery_attempts INTEGER NOT NULL DEFAULT 0,
	tags INTEGER NOT NULL DEFAULT 0,
	last_progress REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_policy_state_slow_runs ON policy_state(slow_runs);
`

type PolicyRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewPolicyRepository(db *sql.DB) repository.PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createPolicyTable); err != nil {
		return fmt.Errorf("create policy_state table: %w", err)
	}
	return nil
}

func (r *PolicyRepository) stamp() int64 {
	if r.now != nil {
		return r.now().Unix()
	}
	return time.Now().Unix()
}

func (r *PolicyRepository) Ensure(ctx context.Context, hash string) error {
	if _, err := r.db.ExecContext(ctx, `INSERT OR IGNORE INTO policy_state (hash, updated_at) VALUES (?, ?)`, hash, r.stamp()); err != nil {
		return fmt.Errorf("ensure policy record: %w", err)
	}
	return nil
}

func (r *PolicyRepository) Get(ctx context.Context, hash string) (*domain.PolicyRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT hash, slow_runs, recovery_attempts, tags, last_progress, updated_at
FROM policy_state WHERE hash=?`, hash)
	rec, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return rec, err
}

func (r *PolicyRepository) List(ctx context.Context) ([]domain.PolicyRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT hash, slow_runs, recovery_attempts, tags, last_progress, updated_at
FROM policy_state ORDER BY hash`)
	if err != nil {
		return nil, fmt.Errorf("query policy records: %w", err)
	}
	defer rows.Close()

	var out []domain.PolicyRecord
	for rows.Next() {
		rec, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy records: %w", err)
	}
	return out, nil
}

// ListSlow returns non-removed snapshots whose slow-run counter reached minRuns.
func (r *PolicyRepository) ListSlow(ctx context.Context, minRuns int) ([]domain.SnapshotRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+snapshotColumns+`
FROM policy_state p JOIN torrents t ON t.hash = p.hash
WHERE p.slow_runs >= ? AND t.state <> ?
ORDER BY p.slow_runs DESC, t.hash ASC`, minRuns, string(domain.ItemStateRemoved))
	if err != nil {
		return nil, fmt.Errorf("query slow torrents: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// Reset zeroes every counter and the owned tag set.
func (r *PolicyRepository) Reset(ctx context.Context, hash string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO policy_state (hash, updated_at) VALUES (?, ?)
ON CONFLICT(hash) DO UPDATE SET slow_runs=0, recovery_attempts=0, tags=0, last_progress=0, updated_at=excluded.updated_at`,
		hash, r.stamp())
	if err != nil {
		return fmt.Errorf("reset policy record: %w", err)
	}
	return nil
}

func (r *PolicyRepository) IncrementSlowRuns(ctx context.Context, hash string) error {
	return r.update(ctx, "increment slow runs", `slow_runs = slow_runs + 1`, hash)
}

func (r *PolicyRepository) ResetSlowRuns(ctx context.Context, hash string) error {
	return r.update(ctx, "reset slow runs", `slow_runs = 0`, hash)
}

func (r *PolicyRepository) IncrementRecoveryAttempts(ctx context.Context, hash string) error {
	return r.update(ctx, "increment recovery attempts", `recovery_attempts = recovery_attempts + 1`, hash)
}

func (r *PolicyRepository) ResetRecoveryAttempts(ctx context.Context, hash string) error {
	return r.update(ctx, "reset recovery attempts", `recovery_attempts = 0`, hash)
}

func (r *PolicyRepository) RecordProgress(ctx context.Context, hash string, progress float64) error {
	return r.update(ctx, "record progress", `last_progress = ?`, hash, progress)
}

func (r *PolicyRepository) AddTags(ctx context.Context, hash string, tags domain.TagSet) error {
	return r.update(ctx, "add tags", `tags = tags | ?`, hash, int64(tags))
}

func (r *PolicyRepository) RemoveTags(ctx context.Context, hash string, tags domain.TagSet) error {
	return r.update(ctx, "remove tags", `tags = tags & ~?`, hash, int64(tags))
}

// update creates the row if missing, then applies set. Extra args bind
// before the hash.
func (r *PolicyRepository) update(ctx context.Context, op, set, hash string, args ...any) error {
	if err := r.Ensure(ctx, hash); err != nil {
		return err
	}
	args = append(args, r.stamp(), hash)
	if _, err := r.db.ExecContext(ctx, `UPDATE policy_state SET `+set+`, updated_at = ? WHERE hash = ?`, args...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func scanPolicy(scanner interface {
	Scan(dest ...any) error
}) (*domain.PolicyRecord, error) {
	var (
		rec  domain.PolicyRecord
		tags int64
		at   int64
	)
	if err := scanner.Scan(&rec.Hash, &rec.SlowRuns, &rec.RecoveryAttempts, &tags, &rec.LastProgress, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan policy record: %w", err)
	}
	rec.Tags = domain.TagSet(tags)
	rec.UpdatedAt = fromUnix(at)
	return &rec, nil
}

var _ repository.PolicyRepository = (*PolicyRepository)(nil)
