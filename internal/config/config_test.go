package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Addr != "0.0.0.0:3000" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Scheduler.Cron != "*/5 * * * *" {
		t.Fatalf("unexpected cron %q", cfg.Scheduler.Cron)
	}
	if cfg.Policy.StallThreshold != 300*time.Second {
		t.Fatalf("unexpected stall threshold %s", cfg.Policy.StallThreshold)
	}
	if cfg.Policy.SlowSpeed != 524288 || cfg.Policy.HighPrioritySpeed != 102400 {
		t.Fatalf("unexpected speed thresholds: %+v", cfg.Policy)
	}
	if cfg.Admission.MinActive != 10 || cfg.Admission.MaxRecoveryAttempts != 2 {
		t.Fatalf("unexpected admission defaults: %+v", cfg.Admission)
	}
	if cfg.Pulse.Duration != 15*time.Minute || cfg.Pulse.BatchSize != 50 {
		t.Fatalf("unexpected pulse defaults: %+v", cfg.Pulse)
	}
	if cfg.Trackers.UnregisteredTag != "unregistered" {
		t.Fatalf("unexpected unregistered tag %q", cfg.Trackers.UnregisteredTag)
	}
	if cfg.Log.MemoryLines != 200 {
		t.Fatalf("unexpected memory lines %d", cfg.Log.MemoryLines)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QBO_ADMISSION_MINACTIVE", "3")
	t.Setenv("QBO_POLICY_STALLTHRESHOLD", "10m")
	t.Setenv("QBO_TRACKERS_FALLBACK", "udp://a.example:1337/announce, https://b.example/announce")
	t.Setenv("QBO_QBITTORRENT_URL", "http://qb.local:8080")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admission.MinActive != 3 {
		t.Fatalf("expected min active 3, got %d", cfg.Admission.MinActive)
	}
	if cfg.Policy.StallThreshold != 10*time.Minute {
		t.Fatalf("expected 10m stall threshold, got %s", cfg.Policy.StallThreshold)
	}
	if len(cfg.Trackers.Fallback) != 2 || cfg.Trackers.Fallback[1] != "https://b.example/announce" {
		t.Fatalf("unexpected fallback trackers: %v", cfg.Trackers.Fallback)
	}
	if cfg.QBittorrent.URL != "http://qb.local:8080" {
		t.Fatalf("unexpected url %q", cfg.QBittorrent.URL)
	}
}

func TestLoadDurationsAcceptSeconds(t *testing.T) {
	t.Setenv("QBO_POLICY_STALLTHRESHOLD", "300")
	t.Setenv("QBO_POLICY_DLTIMEOVERRIDE", "14400")
	t.Setenv("QBO_QBITTORRENT_TIMEOUT", "1m30s")
	t.Setenv("QBO_QBITTORRENT_CATEGORIES", "movies, tv,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Policy.StallThreshold != 300*time.Second {
		t.Fatalf("expected bare 300 to mean seconds, got %s", cfg.Policy.StallThreshold)
	}
	if cfg.Policy.DLTimeOverride != 4*time.Hour {
		t.Fatalf("expected 4h override, got %s", cfg.Policy.DLTimeOverride)
	}
	if cfg.QBittorrent.Timeout != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", cfg.QBittorrent.Timeout)
	}
	if len(cfg.QBittorrent.Categories) != 2 || cfg.QBittorrent.Categories[1] != "tv" {
		t.Fatalf("unexpected categories %v", cfg.QBittorrent.Categories)
	}
}

func TestSecondsToDurationHook(t *testing.T) {
	hook := secondsToDurationHook()
	durationType := reflect.TypeOf(time.Duration(0))
	cases := []struct {
		in   any
		want time.Duration
	}{
		{in: 45, want: 45 * time.Second},
		{in: int64(2), want: 2 * time.Second},
		{in: 1.5, want: 1500 * time.Millisecond},
		{in: " 60 ", want: time.Minute},
		{in: "2h", want: 2 * time.Hour},
		{in: 5 * time.Minute, want: 5 * time.Minute},
	}
	for _, tc := range cases {
		got, err := hook(reflect.TypeOf(tc.in), durationType, tc.in)
		if err != nil {
			t.Fatalf("%v: %v", tc.in, err)
		}
		if got.(time.Duration) != tc.want {
			t.Fatalf("%v: expected %s, got %v", tc.in, tc.want, got)
		}
	}

	if _, err := hook(reflect.TypeOf(""), durationType, "soon"); err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
	if got, _ := hook(reflect.TypeOf(""), reflect.TypeOf(""), "300"); got != "300" {
		t.Fatalf("non-duration targets must pass through, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	base, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "hour out of range",
			mutate:  func(c *Config) { c.Policy.RecheckEndHour = 24 },
			wantErr: "policy.recheckEndHour",
		},
		{
			name:    "bad cron",
			mutate:  func(c *Config) { c.Scheduler.Cron = "every five minutes" },
			wantErr: "scheduler.cron",
		},
		{
			name: "pulse cron checked only when enabled",
			mutate: func(c *Config) {
				c.Pulse.Enabled = false
				c.Pulse.Cron = "nope"
			},
		},
		{
			name:    "bad client url",
			mutate:  func(c *Config) { c.QBittorrent.URL = "127.0.0.1:8080" },
			wantErr: "qbittorrent.url",
		},
		{
			name:    "bad tracker url",
			mutate:  func(c *Config) { c.Trackers.Extra = []string{"ftp://tracker.example"} },
			wantErr: "trackers",
		},
		{
			name: "archive without bucket",
			mutate: func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Bucket = ""
			},
			wantErr: "archive.bucket",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCleanList(t *testing.T) {
	got := cleanList([]string{" a ,b", "", "c,"})
	want := []string{"a", "b", "c"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
