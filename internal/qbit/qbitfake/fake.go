// Package qbitfake is an in-memory qbit.Client for tests. It applies the
// state changes a real client would make and records every call.
package qbitfake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/qbit"
)

// Call is one recorded client request.
type Call struct {
	Op     string
	Hashes []string
	Arg    string
}

type Fake struct {
	mu       sync.Mutex
	order    []string
	items    map[string]*domain.Item
	trackers map[string][]domain.Tracker
	stats    domain.TransferStats
	calls    []Call
	errs     map[string]error

	// ListErr and StatsErr fail the corresponding fetch when set.
	ListErr  error
	StatsErr error
	// OnList runs before every listing, under the fake's lock; tests use it
	// to simulate the client changing state between fetches.
	OnList func(items map[string]*domain.Item)
}

var ErrInjected = errors.New("injected failure")

func New(items ...domain.Item) *Fake {
	f := &Fake{
		items:    map[string]*domain.Item{},
		trackers: map[string][]domain.Tracker{},
		errs:     map[string]error{},
	}
	f.Add(items...)
	return f
}

func (f *Fake) Add(items ...domain.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range items {
		it := items[i]
		it.Tags = append([]string(nil), it.Tags...)
		if _, ok := f.items[it.Hash]; !ok {
			f.order = append(f.order, it.Hash)
		}
		f.items[it.Hash] = &it
	}
}

func (f *Fake) Remove(hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, hash)
	for i, h := range f.order {
		if h == hash {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *Fake) Item(hash string) (domain.Item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	it, ok := f.items[hash]
	if !ok {
		return domain.Item{}, false
	}
	out := *it
	out.Tags = append([]string(nil), it.Tags...)
	return out, true
}

func (f *Fake) SetStats(stats domain.TransferStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = stats
}

func (f *Fake) SetTrackers(hash string, trackers ...domain.Tracker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackers[hash] = append([]domain.Tracker(nil), trackers...)
}

// FailOn makes op fail. With a hash, only calls touching that hash fail.
func (f *Fake) FailOn(op, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op+":"+hash] = ErrInjected
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Hashes returns every hash passed to op, in call order.
func (f *Fake) Hashes(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c.Hashes...)
		}
	}
	return out
}

// Called reports whether op was issued for hash.
func (f *Fake) Called(op, hash string) bool {
	for _, h := range f.Hashes(op) {
		if h == hash {
			return true
		}
	}
	return false
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) record(op, arg string, hashes []string) error {
	f.calls = append(f.calls, Call{Op: op, Hashes: append([]string(nil), hashes...), Arg: arg})
	if err, ok := f.errs[op+":"]; ok {
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, h := range hashes {
		if err, ok := f.errs[op+":"+h]; ok {
			return fmt.Errorf("%s %s: %w", op, h, err)
		}
	}
	return nil
}

func (f *Fake) ListItems(_ context.Context) ([]domain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "list"})
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	if f.OnList != nil {
		f.OnList(f.items)
	}
	out := make([]domain.Item, 0, len(f.order))
	for _, h := range f.order {
		it := *f.items[h]
		it.Tags = append([]string(nil), f.items[h].Tags...)
		out = append(out, it)
	}
	return out, nil
}

func (f *Fake) TransferStats(_ context.Context) (domain.TransferStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "stats"})
	if f.StatsErr != nil {
		return domain.TransferStats{}, f.StatsErr
	}
	return f.stats, nil
}

func (f *Fake) mutate(op string, hashes []string, fn func(*domain.Item)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(op, "", hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		if it, ok := f.items[h]; ok && fn != nil {
			fn(it)
		}
	}
	return nil
}

func (f *Fake) Pause(_ context.Context, hashes ...string) error {
	return f.mutate("pause", hashes, func(it *domain.Item) {
		it.Speed = 0
		it.ETA = 0
		it.Forced = false
		if it.Progress >= 1 {
			it.State = domain.ItemStatePausedUP
		} else {
			it.State = domain.ItemStatePausedDL
		}
	})
}

func (f *Fake) Resume(_ context.Context, hashes ...string) error {
	return f.mutate("resume", hashes, func(it *domain.Item) {
		if it.Progress >= 1 {
			it.State = domain.ItemStateUploading
		} else {
			it.State = domain.ItemStateDownloading
		}
	})
}

func (f *Fake) ForceStart(_ context.Context, hashes ...string) error {
	return f.mutate("force", hashes, func(it *domain.Item) {
		it.Forced = true
		if it.Progress < 1 {
			it.State = domain.ItemStateForcedDL
		}
	})
}

func (f *Fake) SetTopPriority(_ context.Context, hashes ...string) error {
	return f.mutate("top", hashes, nil)
}

func (f *Fake) SetBottomPriority(_ context.Context, hashes ...string) error {
	return f.mutate("bottom", hashes, nil)
}

func (f *Fake) Recheck(_ context.Context, hashes ...string) error {
	return f.mutate("recheck", hashes, nil)
}

func (f *Fake) Reannounce(_ context.Context, hashes ...string) error {
	return f.mutate("reannounce", hashes, nil)
}

func (f *Fake) AddTag(_ context.Context, tag string, hashes ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("addtag", tag, hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		if it, ok := f.items[h]; ok && !it.HasTag(tag) {
			it.Tags = append(it.Tags, tag)
		}
	}
	return nil
}

func (f *Fake) RemoveTag(_ context.Context, tag string, hashes ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("removetag", tag, hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		it, ok := f.items[h]
		if !ok {
			continue
		}
		kept := it.Tags[:0]
		for _, t := range it.Tags {
			if !strings.EqualFold(t, tag) {
				kept = append(kept, t)
			}
		}
		it.Tags = kept
	}
	return nil
}

// TagCalls returns the hashes a tag was added to (op "addtag") or removed
// from (op "removetag"). Op "category" matches the category that was set.
func (f *Fake) TagCalls(op, tag string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Op == op && c.Arg == tag {
			out = append(out, c.Hashes...)
		}
	}
	return out
}

func (f *Fake) SetCategory(_ context.Context, category string, hashes ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("category", category, hashes); err != nil {
		return err
	}
	for _, h := range hashes {
		if it, ok := f.items[h]; ok {
			it.Category = category
		}
	}
	return nil
}

func (f *Fake) AddTrackers(_ context.Context, hash string, urls []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("addtrackers", strings.Join(urls, "\n"), []string{hash}); err != nil {
		return err
	}
	for _, u := range urls {
		f.trackers[hash] = append(f.trackers[hash], domain.Tracker{URL: u, Status: domain.TrackerStatusNotContacted})
	}
	return nil
}

func (f *Fake) Trackers(_ context.Context, hash string) ([]domain.Tracker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("trackers", "", []string{hash}); err != nil {
		return nil, err
	}
	return append([]domain.Tracker(nil), f.trackers[hash]...), nil
}

var _ qbit.Client = (*Fake)(nil)
