package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
)

// SnapshotStore is the persistence facade used by the control loop and the API.
type SnapshotStore interface {
	Persist(ctx context.Context, items []domain.Item) error
	ReconcileRemoved(ctx context.Context, liveIDs []string) ([]string, error)

	MarkPaused(ctx context.Context, hash, name string) error
	ClearPaused(ctx context.Context, hash string) error
	PausedOlderThan(ctx context.Context, cutoff time.Time) ([]domain.PausedMarker, error)

	IncrementSlowRun(ctx context.Context, hash string) error
	ResetSlowRun(ctx context.Context, hash string) error
	SlowItems(ctx context.Context, minRuns int) ([]domain.SnapshotRecord, error)
	IncrementRecoveryAttempt(ctx context.Context, hash string) error
	ResetRecoveryAttempts(ctx context.Context, hash string) error

	AddTags(ctx context.Context, hash string, tags domain.TagSet) error
	RemoveTags(ctx context.Context, hash string, tags domain.TagSet) error
	Policy(ctx context.Context, hash string) (domain.PolicyRecord, error)
	Policies(ctx context.Context) (map[string]domain.PolicyRecord, error)

	ListSnapshots(ctx context.Context, removed bool) ([]domain.SnapshotRecord, error)
	GetSnapshot(ctx context.Context, hash string) (*domain.SnapshotRecord, error)
	History(ctx context.Context, hash string, limit int) ([]domain.HistorySample, error)
}

// SnapshotStoreConfig wires the store's repositories.
type SnapshotStoreConfig struct {
	Snapshots repository.SnapshotRepository
	History   repository.HistoryRepository
	Paused    repository.PausedRepository
	Policies  repository.PolicyRepository

	// ResetRecoveryOnProgress zeroes recoveryAttempts once an item's progress
	// rises above the last recorded value.
	ResetRecoveryOnProgress bool
	Now                     func() time.Time
}

type snapshotStore struct {
	snapshots repository.SnapshotRepository
	history   repository.HistoryRepository
	paused    repository.PausedRepository
	policies  repository.PolicyRepository

	resetOnProgress bool
	now             func() time.Time
}

func NewSnapshotStore(cfg SnapshotStoreConfig) SnapshotStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &snapshotStore{
		snapshots:       cfg.Snapshots,
		history:         cfg.History,
		paused:          cfg.Paused,
		policies:        cfg.Policies,
		resetOnProgress: cfg.ResetRecoveryOnProgress,
		now:             now,
	}
}

// Persist upserts every item and appends one history sample each. Row
// failures are collected and do not stop the remaining items.
func (s *snapshotStore) Persist(ctx context.Context, items []domain.Item) error {
	at := s.now()
	known, err := s.Policies(ctx)
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, item := range items {
		if err := s.persistOne(ctx, item, at, known); err != nil {
			result = multierror.Append(result, fmt.Errorf("persist %s: %w", item.Hash, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *snapshotStore) persistOne(ctx context.Context, item domain.Item, at time.Time, known map[string]domain.PolicyRecord) error {
	revived, err := s.snapshots.Upsert(ctx, item, at)
	if err != nil {
		return err
	}

	rec, exists := known[item.Hash]
	switch {
	case revived:
		if err := s.policies.Reset(ctx, item.Hash); err != nil {
			return err
		}
		if err := s.paused.Delete(ctx, item.Hash); err != nil {
			return err
		}
		rec = domain.PolicyRecord{Hash: item.Hash}
	case !exists:
		if err := s.policies.Ensure(ctx, item.Hash); err != nil {
			return err
		}
	}

	if item.Progress > rec.LastProgress {
		if s.resetOnProgress && rec.RecoveryAttempts > 0 {
			if err := s.policies.ResetRecoveryAttempts(ctx, item.Hash); err != nil {
				return err
			}
		}
	}
	if item.Progress != rec.LastProgress {
		if err := s.policies.RecordProgress(ctx, item.Hash, item.Progress); err != nil {
			return err
		}
	}

	return s.history.Append(ctx, item, at)
}

func (s *snapshotStore) ReconcileRemoved(ctx context.Context, liveIDs []string) ([]string, error) {
	live := make(map[string]struct{}, len(liveIDs))
	for _, id := range liveIDs {
		live[id] = struct{}{}
	}
	gone, err := s.snapshots.MarkRemoved(ctx, live)
	if err != nil {
		return nil, err
	}

	var result *multierror.Error
	for _, hash := range gone {
		if err := s.paused.Delete(ctx, hash); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return gone, result.ErrorOrNil()
}

func (s *snapshotStore) MarkPaused(ctx context.Context, hash, name string) error {
	return s.paused.Upsert(ctx, hash, name, s.now())
}

func (s *snapshotStore) ClearPaused(ctx context.Context, hash string) error {
	return s.paused.Delete(ctx, hash)
}

func (s *snapshotStore) PausedOlderThan(ctx context.Context, cutoff time.Time) ([]domain.PausedMarker, error) {
	return s.paused.ListOlderThan(ctx, cutoff)
}

func (s *snapshotStore) IncrementSlowRun(ctx context.Context, hash string) error {
	return s.policies.IncrementSlowRuns(ctx, hash)
}

func (s *snapshotStore) ResetSlowRun(ctx context.Context, hash string) error {
	return s.policies.ResetSlowRuns(ctx, hash)
}

func (s *snapshotStore) SlowItems(ctx context.Context, minRuns int) ([]domain.SnapshotRecord, error) {
	return s.policies.ListSlow(ctx, minRuns)
}

func (s *snapshotStore) IncrementRecoveryAttempt(ctx context.Context, hash string) error {
	return s.policies.IncrementRecoveryAttempts(ctx, hash)
}

func (s *snapshotStore) ResetRecoveryAttempts(ctx context.Context, hash string) error {
	return s.policies.ResetRecoveryAttempts(ctx, hash)
}

func (s *snapshotStore) AddTags(ctx context.Context, hash string, tags domain.TagSet) error {
	if tags == 0 {
		return nil
	}
	return s.policies.AddTags(ctx, hash, tags)
}

func (s *snapshotStore) RemoveTags(ctx context.Context, hash string, tags domain.TagSet) error {
	if tags == 0 {
		return nil
	}
	return s.policies.RemoveTags(ctx, hash, tags)
}

// Policy returns the bookkeeping for hash, or a zero record when none exists yet.
func (s *snapshotStore) Policy(ctx context.Context, hash string) (domain.PolicyRecord, error) {
	rec, err := s.policies.Get(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.PolicyRecord{Hash: hash}, nil
	}
	if err != nil {
		return domain.PolicyRecord{}, err
	}
	return *rec, nil
}

func (s *snapshotStore) Policies(ctx context.Context) (map[string]domain.PolicyRecord, error) {
	recs, err := s.policies.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.PolicyRecord, len(recs))
	for _, rec := range recs {
		out[rec.Hash] = rec
	}
	return out, nil
}

func (s *snapshotStore) ListSnapshots(ctx context.Context, removed bool) ([]domain.SnapshotRecord, error) {
	return s.snapshots.List(ctx, removed)
}

func (s *snapshotStore) GetSnapshot(ctx context.Context, hash string) (*domain.SnapshotRecord, error) {
	return s.snapshots.Get(ctx, hash)
}

// History returns up to limit of the newest samples in chronological order.
func (s *snapshotStore) History(ctx context.Context, hash string, limit int) ([]domain.HistorySample, error) {
	samples, err := s.history.ListByHash(ctx, hash, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

var _ SnapshotStore = (*snapshotStore)(nil)
