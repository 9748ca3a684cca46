package main

import (
	"testing"

	"qbit-optimizer/internal/config"
	"qbit-optimizer/internal/scheduler"
)

func TestThresholdsFromConfig(t *testing.T) {
	var cfg config.Config
	cfg.Policy.SlowRunsLimit = 3
	cfg.Policy.RecheckStartHour = 22
	cfg.Policy.RecheckEndHour = 4
	cfg.Policy.OffPeakStartHour = 1
	cfg.Policy.OffPeakEndHour = 7

	th := thresholds(cfg)
	if th.SlowRunsLimit != 3 {
		t.Fatalf("expected slow runs limit 3, got %d", th.SlowRunsLimit)
	}
	if th.RecheckWindow.Start != 22 || th.RecheckWindow.End != 4 {
		t.Fatalf("unexpected recheck window %+v", th.RecheckWindow)
	}
	if th.OffPeak.Start != 1 || th.OffPeak.End != 7 {
		t.Fatalf("unexpected off-peak window %+v", th.OffPeak)
	}
}

func TestJobsRegisterPulseManualOnly(t *testing.T) {
	a := &app{}
	a.cfg.Scheduler.Cron = "*/5 * * * *"
	a.cfg.Pulse.Cron = "0 2 * * *"

	runner := scheduler.NewRunner(nil)
	for _, job := range a.jobs() {
		if err := runner.Register(job); err != nil {
			t.Fatalf("register %s: %v", job.Name, err)
		}
	}
	if expr, _, ok := runner.Schedule("pulse"); !ok || expr != "" {
		t.Fatalf("pulse should be registered without a schedule, got %q %v", expr, ok)
	}
	if _, _, ok := runner.Schedule("archive"); ok {
		t.Fatal("archive must not be registered while disabled")
	}

	a.cfg.Pulse.Enabled = true
	var pulseCron string
	for _, job := range a.jobs() {
		if job.Name == "pulse" {
			pulseCron = job.Cron
		}
	}
	if pulseCron != "0 2 * * *" {
		t.Fatalf("expected scheduled pulse, got %q", pulseCron)
	}
}
