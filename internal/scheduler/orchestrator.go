package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/metrics"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit"
	"qbit-optimizer/internal/service"
)

// Gate reports whether the external transfer lock is held.
type Gate interface {
	Held() (bool, error)
}

type OrchestratorConfig struct {
	Thresholds    policy.Thresholds
	Vocabulary    domain.Vocabulary
	RecheckSettle time.Duration
	Logger        *logrus.Logger
	Now           func() time.Time
}

// TickReport summarises one tick.
type TickReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    bool
	Items      int
	Commands   int
	Removed    []string
	// Err aggregates the stage failures the tick tolerated.
	Err error
}

// Orchestrator runs the fixed-order tick.
type Orchestrator struct {
	cfg       OrchestratorConfig
	client    qbit.Client
	store     service.SnapshotStore
	gate      Gate
	auditor   *policy.Auditor
	admission *policy.Admission
	exec      *Executor
	coord     *Coordinator
	logger    *logrus.Entry

	running sync.Mutex

	mu   sync.Mutex
	last *TickReport
}

func NewOrchestrator(cfg OrchestratorConfig, client qbit.Client, store service.SnapshotStore, gate Gate,
	auditor *policy.Auditor, admission *policy.Admission, exec *Executor, coord *Coordinator) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = domain.DefaultVocabulary("")
	}
	if coord == nil {
		coord = NewCoordinator()
	}
	return &Orchestrator{
		cfg:       cfg,
		client:    client,
		store:     store,
		gate:      gate,
		auditor:   auditor,
		admission: admission,
		exec:      exec,
		coord:     coord,
		logger:    cfg.Logger.WithField("component", "tick"),
	}
}

// LastReport returns the most recent completed tick, if any.
func (o *Orchestrator) LastReport() (TickReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return TickReport{}, false
	}
	return *o.last, true
}

// Tick runs one pass. It returns domain.ErrBusy when a tick is already in
// flight, domain.ErrGateHeld when the transfer lock is present, and an error
// when the listing cannot be fetched. Later stage failures are tolerated and
// collected in the report.
func (o *Orchestrator) Tick(ctx context.Context) (TickReport, error) {
	if !o.running.TryLock() {
		return TickReport{}, domain.ErrBusy
	}
	defer o.running.Unlock()

	report := TickReport{ID: uuid.NewString(), StartedAt: o.cfg.Now()}
	log := o.logger.WithField("tick", report.ID)

	outcome := "ok"
	defer func() {
		report.FinishedAt = o.cfg.Now()
		metrics.ObserveRun("tick", outcome, report.StartedAt)
		o.mu.Lock()
		o.last = &report
		o.mu.Unlock()
	}()

	if o.gate != nil {
		held, err := o.gate.Held()
		if err != nil {
			outcome = "failed"
			return report, fmt.Errorf("check transfer gate: %w", err)
		}
		if held {
			outcome = "skipped"
			report.Skipped = true
			log.Info("transfer lock held, skipping tick")
			return report, domain.ErrGateHeld
		}
	}

	items, err := o.client.ListItems(ctx)
	if err != nil {
		outcome = "failed"
		return report, fmt.Errorf("list items: %w", err)
	}
	report.Items = len(items)
	log.Infof("tick started with %d items", len(items))

	var errs *multierror.Error
	stage := func(name string, err error) {
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	apply := func(name string, cmds []policy.Command) {
		report.Commands += len(cmds)
		stage(name, o.exec.Apply(ctx, log.WithField("stage", name), cmds))
	}

	// 3. persist
	stage("persist", o.store.Persist(ctx, items))
	removed, err := o.store.ReconcileRemoved(ctx, hashesOf(items))
	stage("reconcile removed", err)
	report.Removed = removed
	if len(removed) > 0 {
		log.Infof("marked %d items removed", len(removed))
	}
	recordStates(items)

	// 4. tracker audits
	cmds, err := o.auditor.AuditAll(ctx, items, policy.AuditUnregistered|policy.AuditDeadTrackers)
	stage("tracker audit", err)
	apply("tracker audit", cmds)
	// the listing predates the audit; these items are already handled
	unregistered := unregisteredHashes(cmds)

	// 5. transfer stats
	stats, err := o.client.TransferStats(ctx)
	if err != nil {
		log.Warnf("transfer stats unavailable, assuming idle: %v", err)
		stage("transfer stats", err)
		stats = domain.TransferStats{}
	}
	metrics.DownloadSpeed.Set(float64(stats.DownloadSpeed))
	log.Debugf("aggregate download speed %s/s", humanize.IBytes(uint64(stats.DownloadSpeed)))

	// 6. lifecycle
	now := o.cfg.Now()
	policies := o.policies(ctx, log, stage)
	stalled := make(map[string]struct{})
	var lifecycle []policy.Command
	for _, item := range items {
		if _, ok := unregistered[item.Hash]; ok || o.coord.Leased(item.Hash) {
			continue
		}
		v := policy.EvaluateLifecycle(item, policies[item.Hash].Tags, now, o.cfg.Thresholds, o.cfg.Vocabulary)
		lifecycle = append(lifecycle, v.Commands...)
		if v.Stalled {
			stalled[item.Hash] = struct{}{}
		}
		switch v.Slow {
		case policy.SlowIncrement:
			stage("slow runs", o.store.IncrementSlowRun(ctx, item.Hash))
		case policy.SlowReset:
			stage("slow runs", o.store.ResetSlowRun(ctx, item.Hash))
		}
	}
	apply("lifecycle", lifecycle)

	// 7. persistently slow
	slow, err := o.store.SlowItems(ctx, o.cfg.Thresholds.SlowRunsLimit)
	stage("slow items", err)
	live := make(map[string]domain.Item, len(items))
	for _, item := range items {
		if _, ok := stalled[item.Hash]; ok || o.coord.Leased(item.Hash) {
			continue
		}
		if _, ok := unregistered[item.Hash]; ok {
			continue
		}
		live[item.Hash] = item
	}
	apply("persistently slow", policy.PlanPersistentlySlow(slow, live, o.cfg.Thresholds, o.cfg.Vocabulary))

	// 8-10. priorities and bandwidth boost
	items = o.refresh(ctx, log, items, stage)
	apply("small items", policy.PlanSmallQuickWins(items, o.cfg.Thresholds))
	apply("smart priority", policy.PlanSmartPriority(items, now, o.cfg.Thresholds))
	apply("bandwidth boost", o.admission.ApplyBandwidthBoost(items, stats, now))

	// 11. recheck window
	if rechecks := policy.PlanRecheck(items, now, o.cfg.Thresholds); len(rechecks) > 0 {
		apply("recheck", policy.RecheckCommands(rechecks))
		log.Infof("waiting %s for %d rechecks to settle", o.cfg.RecheckSettle, len(rechecks))
		if err := sleep(ctx, o.cfg.RecheckSettle); err != nil {
			outcome = "failed"
			report.Err = errs.ErrorOrNil()
			return report, fmt.Errorf("wait for recheck: %w", err)
		}
		items = o.refresh(ctx, log, items, stage)
		apply("recheck resume", policy.PlanRecheckResume(rechecks, items))
	}

	// 12. dead trackers again
	cmds, err = o.auditor.AuditAll(ctx, items, policy.AuditDeadTrackers)
	stage("dead tracker audit", err)
	apply("dead tracker audit", cmds)

	// 13. completion boosts
	items = o.refresh(ctx, log, items, stage)
	apply("completion boost", policy.PlanCompletionBoosts(items, o.cfg.Thresholds))

	// 14. auto-unpause
	policies = o.policies(ctx, log, stage)
	markers, err := o.store.PausedOlderThan(ctx, o.admission.AutoUnpauseCutoff(now))
	stage("paused markers", err)
	apply("auto unpause", o.admission.AutoUnpauseLongPaused(markers, byHash(items), policies))

	// 15. minimum active
	items = o.refresh(ctx, log, items, stage)
	policies = o.policies(ctx, log, stage)
	apply("minimum active", o.admission.EnsureMinimumActive(items, policies))

	report.Err = errs.ErrorOrNil()
	if report.Err != nil {
		outcome = "partial"
		log.Warnf("tick finished with errors: %v", report.Err)
	}
	log.Infof("tick finished: %d commands in %s", report.Commands, o.cfg.Now().Sub(report.StartedAt).Round(time.Millisecond))
	return report, nil
}

// refresh re-lists the items, keeping the previous list when the call fails.
func (o *Orchestrator) refresh(ctx context.Context, log *logrus.Entry, last []domain.Item, stage func(string, error)) []domain.Item {
	items, err := o.client.ListItems(ctx)
	if err != nil {
		log.Warnf("refresh failed, using last listing: %v", err)
		stage("refresh", err)
		return last
	}
	return items
}

func (o *Orchestrator) policies(ctx context.Context, log *logrus.Entry, stage func(string, error)) map[string]domain.PolicyRecord {
	policies, err := o.store.Policies(ctx)
	if err != nil {
		log.Warnf("load policy records: %v", err)
		stage("policy records", err)
		return map[string]domain.PolicyRecord{}
	}
	return policies
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hashesOf(items []domain.Item) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Hash)
	}
	return out
}

func unregisteredHashes(cmds []policy.Command) map[string]struct{} {
	out := make(map[string]struct{})
	for _, c := range cmds {
		if c.Kind == policy.CommandPause || (c.Kind == policy.CommandAddTag && c.Tag == domain.TagUnregistered) {
			out[c.Hash] = struct{}{}
		}
	}
	return out
}

func byHash(items []domain.Item) map[string]domain.Item {
	out := make(map[string]domain.Item, len(items))
	for _, item := range items {
		out[item.Hash] = item
	}
	return out
}

func recordStates(items []domain.Item) {
	counts := make(map[string]int)
	for _, item := range items {
		counts[string(item.State)]++
	}
	metrics.SetItemStates(counts)
}

// IsSkip reports errors that mean a run was deliberately not performed.
func IsSkip(err error) bool {
	return errors.Is(err, domain.ErrBusy) || errors.Is(err, domain.ErrGateHeld)
}
