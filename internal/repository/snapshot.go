package repository

import (
	"context"
	"errors"
	"time"

	"qbit-optimizer/internal/domain"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("record not found")

// SnapshotRepository persists the latest observed state of each item.
type SnapshotRepository interface {
	Init(ctx context.Context) error
	// Upsert stores item and reports whether the id was previously marked removed.
	Upsert(ctx context.Context, item domain.Item, observedAt time.Time) (revived bool, err error)
	// MarkRemoved soft-deletes every known id not in live and returns the ids it changed.
	MarkRemoved(ctx context.Context, live map[string]struct{}) ([]string, error)
	Get(ctx context.Context, hash string) (*domain.SnapshotRecord, error)
	List(ctx context.Context, removed bool) ([]domain.SnapshotRecord, error)
}

// HistoryRepository appends and reads time-series samples.
type HistoryRepository interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, item domain.Item, at time.Time) error
	ListByHash(ctx context.Context, hash string, limit int) ([]domain.HistorySample, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.HistorySample, error)
	DeleteThrough(ctx context.Context, maxID int64, cutoff time.Time) (int64, error)
}

// PausedRepository manages PausedMarkers.
type PausedRepository interface {
	Init(ctx context.Context) error
	Upsert(ctx context.Context, hash, name string, pausedAt time.Time) error
	Delete(ctx context.Context, hash string) error
	ListOlderThan(ctx context.Context, cutoff time.Time) ([]domain.PausedMarker, error)
}

// PolicyRepository manages per-item counters and the owned tag set.
type PolicyRepository interface {
	Init(ctx context.Context) error
	Ensure(ctx context.Context, hash string) error
	Get(ctx context.Context, hash string) (*domain.PolicyRecord, error)
	List(ctx context.Context) ([]domain.PolicyRecord, error)
	ListSlow(ctx context.Context, minRuns int) ([]domain.SnapshotRecord, error)
	Reset(ctx context.Context, hash string) error
	IncrementSlowRuns(ctx context.Context, hash string) error
	ResetSlowRuns(ctx context.Context, hash string) error
	IncrementRecoveryAttempts(ctx context.Context, hash string) error
	ResetRecoveryAttempts(ctx context.Context, hash string) error
	RecordProgress(ctx context.Context, hash string, progress float64) error
	AddTags(ctx context.Context, hash string, tags domain.TagSet) error
	RemoveTags(ctx context.Context, hash string, tags domain.TagSet) error
}
