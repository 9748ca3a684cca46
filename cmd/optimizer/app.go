package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"qbit-optimizer/internal/config"
	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/lockfile"
	"qbit-optimizer/internal/logbuf"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit"
	"qbit-optimizer/internal/repository/sqlite"
	"qbit-optimizer/internal/scheduler"
	"qbit-optimizer/internal/service"
	"qbit-optimizer/internal/storage"
)

// app holds every wired component for one process.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
	logs   *logbuf.Buffer
	fs     afero.Fs

	db      *sql.DB
	store   service.SnapshotStore
	client  qbit.Client
	vocab   domain.Vocabulary
	coord   *scheduler.Coordinator
	exec    *scheduler.Executor
	tick    *scheduler.Orchestrator
	pulse   *scheduler.Pulse
	archive service.ArchiveService
}

func newLogger(cfg config.Config) (*logrus.Logger, *logbuf.Buffer) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logs := logbuf.New(cfg.Log.MemoryLines, level)
	logger.AddHook(logs)
	return logger, logs
}

func thresholds(cfg config.Config) policy.Thresholds {
	p := cfg.Policy
	return policy.Thresholds{
		StallThreshold:      p.StallThreshold,
		DLTimeOverride:      p.DLTimeOverride,
		SlowSpeed:           p.SlowSpeed,
		SlowRunsLimit:       p.SlowRunsLimit,
		HighPrioritySpeed:   p.HighPrioritySpeed,
		HighPriorityPercent: p.HighPriorityPercent,
		SmallMaxSize:        p.SmallMaxSize,
		NearCompleteRatio:   p.NearCompleteRatio,
		HighSeedThreshold:   p.HighSeedThreshold,
		SmartTopScore:       p.SmartTopScore,
		SmartBottomScore:    p.SmartBottomScore,
		RecheckWindow:       policy.HourWindow{Start: p.RecheckStartHour, End: p.RecheckEndHour},
		OffPeak:             policy.HourWindow{Start: p.OffPeakStartHour, End: p.OffPeakEndHour},
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *logrus.Logger, logs *logbuf.Buffer) (*app, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repos, err := sqlite.NewRepositories(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init repositories: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		fs:     afero.NewOsFs(),
		db:     db,
		vocab:  domain.DefaultVocabulary(cfg.Trackers.UnregisteredTag),
		coord:  scheduler.NewCoordinator(),
	}

	a.store = service.NewSnapshotStore(service.SnapshotStoreConfig{
		Snapshots:               repos.Snapshots,
		History:                 repos.History,
		Paused:                  repos.Paused,
		Policies:                repos.Policies,
		ResetRecoveryOnProgress: cfg.Admission.ResetRecoveryOnProgress,
	})
	a.client = qbit.NewClient(qbit.Config{
		URL:       cfg.QBittorrent.URL,
		Username:  cfg.QBittorrent.Username,
		Password:  cfg.QBittorrent.Password,
		Timeout:   cfg.QBittorrent.Timeout,
		RateLimit: cfg.QBittorrent.RateLimit,
		Burst:     cfg.QBittorrent.Burst,
		Logger:    logger,
	})

	th := thresholds(cfg)
	gate := lockfile.NewGate(a.fs, cfg.Lock.GatePath)
	a.exec = scheduler.NewExecutor(a.client, a.store, a.coord, a.vocab)

	auditor := policy.NewAuditor(policy.AuditorConfig{
		FallbackTrackers: cfg.Trackers.Fallback,
		ExtraTrackers:    cfg.Trackers.Extra,
		Concurrency:      cfg.Scheduler.AuditConcurrency,
		Vocabulary:       a.vocab,
		Logger:           logger,
	}, a.client)
	admission := policy.NewAdmission(policy.AdmissionConfig{
		MinActive:           cfg.Admission.MinActive,
		MaxRecoveryAttempts: cfg.Admission.MaxRecoveryAttempts,
		AutoUnpauseHours:    cfg.Admission.AutoUnpauseHours,
		BoostThreshold:      cfg.Admission.BoostThreshold,
		MaxForced:           cfg.Admission.MaxForced,
		MaxForcedGroup:      cfg.Admission.MaxForcedGroup,
		BoostOffPeakOnly:    cfg.Admission.BoostOffPeakOnly,
	}, th, a.vocab, nil, a.coord.Leased)

	a.tick = scheduler.NewOrchestrator(scheduler.OrchestratorConfig{
		Thresholds:    th,
		Vocabulary:    a.vocab,
		RecheckSettle: cfg.Scheduler.RecheckSettle,
		Logger:        logger,
	}, a.client, a.store, gate, auditor, admission, a.exec, a.coord)

	a.pulse = scheduler.NewPulse(scheduler.PulseConfig{
		Duration:   cfg.Pulse.Duration,
		BatchSize:  cfg.Pulse.BatchSize,
		Vocabulary: a.vocab,
		Logger:     logger,
	}, a.client, a.store, gate, a.exec, a.coord)

	if cfg.Archive.Enabled {
		s3Client, err := storage.NewS3Client(ctx, storage.ClientOptions{
			Region:   cfg.Archive.Region,
			Endpoint: cfg.Archive.Endpoint,
			Profile:  cfg.Archive.Profile,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("setup archive storage: %w", err)
		}
		logger.Infof("archiving history to s3 bucket %s (region %s)", cfg.Archive.Bucket, cfg.Archive.Region)
		a.archive = service.NewArchiveService(service.ArchiveConfig{
			Bucket:         cfg.Archive.Bucket,
			KeyPrefix:      cfg.Archive.KeyPrefix,
			RetentionDays:  cfg.Archive.RetentionDays,
			RemoteKeepDays: cfg.Archive.RemoteKeepDays,
			BatchSize:      cfg.Archive.BatchSize,
			Logger:         logger,
		}, repos.History, storage.NewS3Service(s3Client))
	}

	return a, nil
}

// jobs returns the runner jobs. Pulse is always registered so the API can
// trigger it; its cron is empty unless scheduled sweeps are enabled.
func (a *app) jobs() []scheduler.Job {
	pulseCron := ""
	if a.cfg.Pulse.Enabled {
		pulseCron = a.cfg.Pulse.Cron
	}
	jobs := []scheduler.Job{
		{Name: "tick", Cron: a.cfg.Scheduler.Cron, Run: func(ctx context.Context) error {
			_, err := a.tick.Tick(ctx)
			return err
		}},
		{Name: "pulse", Cron: pulseCron, Run: func(ctx context.Context) error {
			_, err := a.pulse.Run(ctx)
			return err
		}},
	}
	if a.archive != nil {
		jobs = append(jobs, scheduler.Job{Name: "archive", Cron: a.cfg.Archive.Cron, Run: func(ctx context.Context) error {
			_, err := a.archive.Run(ctx)
			return err
		}})
	}
	return jobs
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}
