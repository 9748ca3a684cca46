package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"qbit-optimizer/internal/config"
	"qbit-optimizer/internal/domain"
	apphttp "qbit-optimizer/internal/http"
	"qbit-optimizer/internal/lockfile"
	"qbit-optimizer/internal/scheduler"
)

var logLevel string

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:        "log-level, l",
		Usage:       "override log.level (debug, info, warn, error)",
		EnvVar:      "QBO_LOG_LEVEL",
		Destination: &logLevel,
	},
}

func main() {
	app := cli.App{
		Name:     "qbit-optimizer",
		HelpName: "qbit-optimizer",
		Usage:    "keeps a qBittorrent download queue moving",
		Version:  "v0.1.0",
		Flags:    globalFlags,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the scheduler and dashboard API until interrupted",
				Action: run,
			},
			{
				Name:   "tick",
				Usage:  "run a single optimization pass and exit",
				Action: tickOnce,
			},
			{
				Name:   "pulse",
				Usage:  "run a single pulse sweep over dead torrents and exit",
				Action: pulseOnce,
			},
			{
				Name:   "archive",
				Usage:  "export expired history samples to object storage and exit",
				Action: archiveOnce,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "qbit-optimizer: %s\n", err.Error())
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger, logs := newLogger(cfg)
	return buildApp(ctx, cfg, logger, logs)
}

func run(_ *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	self := lockfile.NewInstanceLock(a.fs, a.cfg.Lock.SelfPath, logger)
	if err := self.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := self.Release(); err != nil {
			logger.Warnf("release lock: %v", err)
		}
	}()

	runner := scheduler.NewRunner(logger)
	for _, job := range a.jobs() {
		if err := runner.Register(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	runner.Start(ctx)
	if a.cfg.Scheduler.RunOnStart {
		if err := runner.Trigger("tick"); err != nil {
			logger.Warnf("initial tick: %v", err)
		}
	}

	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.router(runner),
	}
	go func() {
		logger.Infof("listening on %s", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	runner.Shutdown()

	logger.Info("bye")
	return nil
}

func (a *app) router(runner *scheduler.Runner) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(apphttp.HandlerConfig{
		Store:      a.store,
		Client:     a.client,
		Tick:       a.tick,
		Runner:     runner,
		Executor:   a.exec,
		Logs:       a.logs,
		Vocabulary: a.vocab,
		Categories: a.cfg.QBittorrent.Categories,
		Auth: apphttp.AuthConfig{
			Username:     a.cfg.Auth.Username,
			PasswordHash: a.cfg.Auth.PasswordHash,
			Secret:       a.cfg.Auth.JWTSecret,
			TokenTTL:     a.cfg.Auth.TokenTTL,
		},
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Logger:      a.logger,
	}).RegisterRoutes(router)
	return router
}

// oneShot runs fn with the wired app and maps skip outcomes to a clean exit.
func oneShot(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	err = fn(ctx, a)
	if errors.Is(err, domain.ErrGateHeld) {
		a.logger.Info("transfer lock held, nothing done")
		return nil
	}
	return err
}

func tickOnce(_ *cli.Context) error {
	return oneShot(func(ctx context.Context, a *app) error {
		report, err := a.tick.Tick(ctx)
		if err != nil {
			return err
		}
		logTick(a.logger, report)
		return nil
	})
}

func pulseOnce(_ *cli.Context) error {
	return oneShot(func(ctx context.Context, a *app) error {
		report, err := a.pulse.Run(ctx)
		if err != nil {
			return err
		}
		if report.Err != nil {
			a.logger.Warnf("pulse finished with errors: %v", report.Err)
		}
		return nil
	})
}

func archiveOnce(_ *cli.Context) error {
	return oneShot(func(ctx context.Context, a *app) error {
		if a.archive == nil {
			return errors.New("archive.enabled is false")
		}
		res, err := a.archive.Run(ctx)
		if err != nil {
			return err
		}
		a.logger.Infof("archived %s samples into %d objects", humanize.Comma(res.Samples), len(res.Objects))
		return nil
	})
}

func logTick(logger *logrus.Logger, report scheduler.TickReport) {
	entry := logger.WithFields(logrus.Fields{
		"tick":     report.ID,
		"items":    report.Items,
		"commands": report.Commands,
		"took":     report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond).String(),
	})
	if report.Err != nil {
		entry.Warnf("tick finished with errors: %v", report.Err)
		return
	}
	entry.Info("tick finished")
}
