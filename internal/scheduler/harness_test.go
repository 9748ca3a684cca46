package scheduler

import (
	"context"
	"io"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit/qbitfake"
	"qbit-optimizer/internal/repository/sqlite"
	"qbit-optimizer/internal/service"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubGate struct {
	held bool
	err  error
}

func (g *stubGate) Held() (bool, error) { return g.held, g.err }

type harness struct {
	fake   *qbitfake.Fake
	store  service.SnapshotStore
	clock  *testClock
	gate   *stubGate
	coord  *Coordinator
	exec   *Executor
	orch   *Orchestrator
	logger *logrus.Logger
}

type harnessOption func(*policy.AdmissionConfig, *OrchestratorConfig)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newHarness wires the orchestrator over a fake client and a real sqlite
// store. The clock starts at noon, outside the recheck window, and aggregate
// speed is high enough that no bandwidth boost fires unless a test lowers it.
func newHarness(t *testing.T, items []domain.Item, opts ...harnessOption) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "optimizer.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repos, err := sqlite.NewRepositories(context.Background(), db)
	if err != nil {
		t.Fatalf("init repositories: %v", err)
	}

	clock := &testClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)}
	store := service.NewSnapshotStore(service.SnapshotStoreConfig{
		Snapshots: repos.Snapshots,
		History:   repos.History,
		Paused:    repos.Paused,
		Policies:  repos.Policies,
		Now:       clock.Now,
	})

	fake := qbitfake.New(items...)
	fake.SetStats(domain.TransferStats{DownloadSpeed: 10 << 20})

	admCfg := policy.DefaultAdmissionConfig()
	admCfg.MinActive = 0
	orchCfg := OrchestratorConfig{
		Thresholds:    policy.DefaultThresholds(),
		RecheckSettle: 10 * time.Millisecond,
		Logger:        quietLogger(),
		Now:           clock.Now,
	}
	for _, opt := range opts {
		opt(&admCfg, &orchCfg)
	}

	vocab := domain.DefaultVocabulary("")
	coord := NewCoordinator()
	exec := NewExecutor(fake, store, coord, vocab)
	auditor := policy.NewAuditor(policy.AuditorConfig{Vocabulary: vocab, Logger: orchCfg.Logger}, fake)
	admission := policy.NewAdmission(admCfg, orchCfg.Thresholds, vocab, rand.New(rand.NewPCG(7, 11)), coord.Leased)
	gate := &stubGate{}
	orchCfg.Vocabulary = vocab

	return &harness{
		fake:   fake,
		store:  store,
		clock:  clock,
		gate:   gate,
		coord:  coord,
		exec:   exec,
		orch:   NewOrchestrator(orchCfg, fake, store, gate, auditor, admission, exec, coord),
		logger: orchCfg.Logger,
	}
}

func (h *harness) tick(t *testing.T) TickReport {
	t.Helper()
	report, err := h.orch.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	return report
}

func (h *harness) marked(t *testing.T, hash string) bool {
	t.Helper()
	markers, err := h.store.PausedOlderThan(context.Background(), h.clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("paused markers: %v", err)
	}
	for _, m := range markers {
		if m.Hash == hash {
			return true
		}
	}
	return false
}

func (h *harness) owned(t *testing.T, hash string) domain.TagSet {
	t.Helper()
	rec, err := h.store.Policy(context.Background(), hash)
	if err != nil {
		t.Fatalf("policy %s: %v", hash, err)
	}
	return rec.Tags
}
