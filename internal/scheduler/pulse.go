package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/metrics"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit"
	"qbit-optimizer/internal/service"
)

type PulseConfig struct {
	Duration   time.Duration
	BatchSize  int
	Vocabulary domain.Vocabulary
	Logger     *logrus.Logger
}

type PulseReport struct {
	ID        string
	Pulsed    []string
	Repaused  []string
	Recovered []string
	Err       error
}

// Pulse temporarily resumes dead items to see whether they find peers.
type Pulse struct {
	cfg    PulseConfig
	client qbit.Client
	store  service.SnapshotStore
	gate   Gate
	exec   *Executor
	coord  *Coordinator
	logger *logrus.Entry

	running sync.Mutex
}

func NewPulse(cfg PulseConfig, client qbit.Client, store service.SnapshotStore, gate Gate, exec *Executor, coord *Coordinator) *Pulse {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = domain.DefaultVocabulary("")
	}
	if coord == nil {
		coord = NewCoordinator()
	}
	return &Pulse{
		cfg:    cfg,
		client: client,
		store:  store,
		gate:   gate,
		exec:   exec,
		coord:  coord,
		logger: cfg.Logger.WithField("component", "pulse"),
	}
}

// Run performs one sweep. The wait between wake-up and verdict honours ctx.
func (p *Pulse) Run(ctx context.Context) (PulseReport, error) {
	if !p.running.TryLock() {
		return PulseReport{}, domain.ErrBusy
	}
	defer p.running.Unlock()

	started := time.Now()
	report := PulseReport{ID: uuid.NewString()}
	log := p.logger.WithField("pulse", report.ID)
	outcome := "ok"
	defer func() { metrics.ObserveRun("pulse", outcome, started) }()

	if p.gate != nil {
		held, err := p.gate.Held()
		if err != nil {
			outcome = "failed"
			return report, fmt.Errorf("check transfer gate: %w", err)
		}
		if held {
			outcome = "skipped"
			log.Info("transfer lock held, skipping pulse")
			return report, domain.ErrGateHeld
		}
	}

	items, err := p.client.ListItems(ctx)
	if err != nil {
		outcome = "failed"
		return report, fmt.Errorf("list items: %w", err)
	}
	policies, err := p.store.Policies(ctx)
	if err != nil {
		log.Warnf("load policy records: %v", err)
		policies = map[string]domain.PolicyRecord{}
	}

	var free []domain.Item
	for _, item := range items {
		if !p.coord.Leased(item.Hash) {
			free = append(free, item)
		}
	}
	candidates := policy.PlanPulse(free, policies, p.cfg.BatchSize, p.cfg.Vocabulary)
	if len(candidates) == 0 {
		log.Info("no dead items to pulse")
		return report, nil
	}
	report.Pulsed = hashesOf(candidates)

	release := p.coord.Lease("pulse", report.Pulsed)
	defer release()

	log.Infof("pulsing %d dead items", len(candidates))
	wakeErr := p.exec.Apply(ctx, log.WithField("stage", "wake"), policy.PulseWake(candidates))

	log.Infof("waiting %s before re-checking", p.cfg.Duration)
	if err := sleep(ctx, p.cfg.Duration); err != nil {
		outcome = "failed"
		return report, fmt.Errorf("wait for pulse: %w", err)
	}

	refreshed, err := p.client.ListItems(ctx)
	if err != nil {
		outcome = "failed"
		return report, fmt.Errorf("list items after pulse: %w", err)
	}
	policies, err = p.store.Policies(ctx)
	if err != nil {
		log.Warnf("load policy records: %v", err)
		policies = map[string]domain.PolicyRecord{}
	}

	verdict := policy.PulseVerdict(candidates, refreshed, policies, p.cfg.Vocabulary)
	report.Repaused = policy.Hashes(verdict, policy.CommandPause)
	report.Recovered = policy.Hashes(verdict, policy.CommandResume)
	verdictErr := p.exec.Apply(ctx, log.WithField("stage", "verdict"), verdict)

	if wakeErr != nil || verdictErr != nil {
		outcome = "partial"
		report.Err = multierror.Append(wakeErr, verdictErr).ErrorOrNil()
	}
	log.Infof("pulse finished: %d re-paused, %d recovered", len(report.Repaused), len(report.Recovered))
	return report, nil
}
