package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/repository"
)

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repos, err := NewRepositories(context.Background(), db)
	if err != nil {
		t.Fatalf("init repositories: %v", err)
	}
	return repos
}

func testItem(hash string) domain.Item {
	return domain.Item{
		Hash:     hash,
		Name:     "item-" + hash,
		State:    domain.ItemStateDownloading,
		Speed:    2048,
		Progress: 0.25,
		ETA:      600,
		Seeds:    3,
		Size:     1 << 20,
		AddedAt:  time.Unix(1_700_000_000, 0),
	}
}

func TestSnapshotUpsertAndRemoval(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Unix(1_700_001_000, 0)

	for _, h := range []string{"a", "b"} {
		revived, err := repos.Snapshots.Upsert(ctx, testItem(h), now)
		if err != nil {
			t.Fatalf("upsert %s: %v", h, err)
		}
		if revived {
			t.Fatalf("fresh item %s reported as revived", h)
		}
	}

	gone, err := repos.Snapshots.MarkRemoved(ctx, map[string]struct{}{"a": {}})
	if err != nil {
		t.Fatalf("mark removed: %v", err)
	}
	if len(gone) != 1 || gone[0] != "b" {
		t.Fatalf("expected [b] removed, got %v", gone)
	}

	// a second pass is a no-op
	gone, err = repos.Snapshots.MarkRemoved(ctx, map[string]struct{}{"a": {}})
	if err != nil {
		t.Fatalf("mark removed again: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("expected no changes, got %v", gone)
	}

	active, err := repos.Snapshots.List(ctx, false)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Hash != "a" {
		t.Fatalf("unexpected active list: %+v", active)
	}
	removed, err := repos.Snapshots.List(ctx, true)
	if err != nil {
		t.Fatalf("list removed: %v", err)
	}
	if len(removed) != 1 || removed[0].State != domain.ItemStateRemoved {
		t.Fatalf("unexpected removed list: %+v", removed)
	}

	revived, err := repos.Snapshots.Upsert(ctx, testItem("b"), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !revived {
		t.Fatal("expected removed item to be reported as revived")
	}

	rec, err := repos.Snapshots.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != domain.ItemStateDownloading || !rec.AddedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestSnapshotGetMissing(t *testing.T) {
	repos := newTestRepos(t)
	if _, err := repos.Snapshots.Get(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repos.Policies.Get(context.Background(), "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from policies, got %v", err)
	}
}

func TestHistoryAppendListAndPrune(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 5; i++ {
		item := testItem("h")
		item.Progress = float64(i) / 10
		if err := repos.History.Append(ctx, item, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	latest, err := repos.History.ListByHash(ctx, "h", 2)
	if err != nil {
		t.Fatalf("list by hash: %v", err)
	}
	if len(latest) != 2 || latest[0].Progress != 0.4 || latest[1].Progress != 0.3 {
		t.Fatalf("expected newest two samples first, got %+v", latest)
	}

	cutoff := base.Add(2 * time.Hour)
	old, err := repos.History.ListBefore(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if len(old) != 2 {
		t.Fatalf("expected 2 expired samples, got %d", len(old))
	}

	n, err := repos.History.DeleteThrough(ctx, old[len(old)-1].ID, cutoff)
	if err != nil {
		t.Fatalf("delete through: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", n)
	}
	rest, err := repos.History.ListByHash(ctx, "h", 100)
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 remaining samples, got %d", len(rest))
	}
}

func TestPausedMarkers(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	base := time.Unix(1_700_000_000, 0)

	if err := repos.Paused.Upsert(ctx, "a", "A", base); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := repos.Paused.Upsert(ctx, "b", "B", base.Add(3*time.Hour)); err != nil {
		t.Fatalf("upsert b: %v", err)
	}

	old, err := repos.Paused.ListOlderThan(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(old) != 1 || old[0].Hash != "a" || old[0].Name != "A" {
		t.Fatalf("unexpected markers: %+v", old)
	}

	// re-pausing refreshes the timestamp
	if err := repos.Paused.Upsert(ctx, "a", "A", base.Add(4*time.Hour)); err != nil {
		t.Fatalf("refresh a: %v", err)
	}
	old, err = repos.Paused.ListOlderThan(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("list older: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected no old markers, got %+v", old)
	}

	if err := repos.Paused.Delete(ctx, "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	all, err := repos.Paused.ListOlderThan(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 || all[0].Hash != "a" {
		t.Fatalf("unexpected markers after delete: %+v", all)
	}
}

func TestPolicyCountersAndTags(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Unix(1_700_000_000, 0)

	if _, err := repos.Snapshots.Upsert(ctx, testItem("a"), now); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := repos.Policies.IncrementSlowRuns(ctx, "a"); err != nil {
			t.Fatalf("increment slow: %v", err)
		}
	}
	if err := repos.Policies.IncrementRecoveryAttempts(ctx, "a"); err != nil {
		t.Fatalf("increment recovery: %v", err)
	}
	if err := repos.Policies.AddTags(ctx, "a", domain.NewTagSet(domain.TagStalled, domain.TagHardPaused)); err != nil {
		t.Fatalf("add tags: %v", err)
	}
	if err := repos.Policies.RemoveTags(ctx, "a", domain.NewTagSet(domain.TagStalled)); err != nil {
		t.Fatalf("remove tags: %v", err)
	}
	if err := repos.Policies.RecordProgress(ctx, "a", 0.5); err != nil {
		t.Fatalf("record progress: %v", err)
	}

	rec, err := repos.Policies.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get policy: %v", err)
	}
	if rec.SlowRuns != 3 || rec.RecoveryAttempts != 1 || rec.LastProgress != 0.5 {
		t.Fatalf("unexpected counters: %+v", rec)
	}
	if rec.Tags.Has(domain.TagStalled) || !rec.Tags.Has(domain.TagHardPaused) {
		t.Fatalf("unexpected tags: %v", rec.Tags.Tags())
	}

	slow, err := repos.Policies.ListSlow(ctx, 3)
	if err != nil {
		t.Fatalf("list slow: %v", err)
	}
	if len(slow) != 1 || slow[0].Policy.SlowRuns != 3 {
		t.Fatalf("unexpected slow list: %+v", slow)
	}

	snap, err := repos.Snapshots.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.Policy.RecoveryAttempts != 1 || !snap.Policy.Tags.Has(domain.TagHardPaused) {
		t.Fatalf("snapshot did not join policy: %+v", snap.Policy)
	}

	if err := repos.Policies.Reset(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	rec, err = repos.Policies.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get after reset: %v", err)
	}
	if rec.SlowRuns != 0 || rec.RecoveryAttempts != 0 || rec.Tags != 0 {
		t.Fatalf("expected zeroed record, got %+v", rec)
	}
}

func TestListSlowExcludesRemoved(t *testing.T) {
	ctx := context.Background()
	repos := newTestRepos(t)
	now := time.Unix(1_700_000_000, 0)

	for _, h := range []string{"a", "b"} {
		if _, err := repos.Snapshots.Upsert(ctx, testItem(h), now); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := repos.Policies.IncrementSlowRuns(ctx, h); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if _, err := repos.Snapshots.MarkRemoved(ctx, map[string]struct{}{"a": {}}); err != nil {
		t.Fatalf("mark removed: %v", err)
	}
	slow, err := repos.Policies.ListSlow(ctx, 1)
	if err != nil {
		t.Fatalf("list slow: %v", err)
	}
	if len(slow) != 1 || slow[0].Hash != "a" {
		t.Fatalf("expected only a, got %+v", slow)
	}
}
