package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/logbuf"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit/qbitfake"
	"qbit-optimizer/internal/repository/sqlite"
	"qbit-optimizer/internal/scheduler"
	"qbit-optimizer/internal/service"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type stubGate struct{ held bool }

func (g *stubGate) Held() (bool, error) { return g.held, nil }

type apiHarness struct {
	router *gin.Engine
	fake   *qbitfake.Fake
	store  service.SnapshotStore
	gate   *stubGate
	runner *scheduler.Runner
	logs   *logbuf.Buffer
}

func newAPIHarness(t *testing.T, auth AuthConfig, items ...domain.Item) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repos, err := sqlite.NewRepositories(context.Background(), db)
	if err != nil {
		t.Fatalf("init repositories: %v", err)
	}

	noon := func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local) }
	store := service.NewSnapshotStore(service.SnapshotStoreConfig{
		Snapshots: repos.Snapshots,
		History:   repos.History,
		Paused:    repos.Paused,
		Policies:  repos.Policies,
		Now:       noon,
	})

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logs := logbuf.New(10, logrus.InfoLevel)
	logger.AddHook(logs)

	fake := qbitfake.New(items...)
	fake.SetStats(domain.TransferStats{DownloadSpeed: 10 << 20})
	vocab := domain.DefaultVocabulary("")
	coord := scheduler.NewCoordinator()
	exec := scheduler.NewExecutor(fake, store, coord, vocab)
	admCfg := policy.DefaultAdmissionConfig()
	admCfg.MinActive = 0
	gate := &stubGate{}
	orch := scheduler.NewOrchestrator(scheduler.OrchestratorConfig{
		Thresholds:    policy.DefaultThresholds(),
		Vocabulary:    vocab,
		RecheckSettle: time.Millisecond,
		Logger:        logger,
		Now:           noon,
	}, fake, store, gate,
		policy.NewAuditor(policy.AuditorConfig{Vocabulary: vocab, Logger: logger}, fake),
		policy.NewAdmission(admCfg, policy.DefaultThresholds(), vocab, rand.New(rand.NewPCG(1, 2)), coord.Leased),
		exec, coord)

	runner := scheduler.NewRunner(logger)
	if err := runner.Register(scheduler.Job{Name: "tick", Cron: "*/5 * * * *", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("register tick: %v", err)
	}

	router := gin.New()
	NewHandler(HandlerConfig{
		Store:      store,
		Client:     fake,
		Tick:       orch,
		Runner:     runner,
		Executor:   exec,
		Logs:       logs,
		Vocabulary: vocab,
		Categories: []string{"movies", "tv"},
		Auth:       auth,
		Logger:     logger,
	}).RegisterRoutes(router)

	return &apiHarness{router: router, fake: fake, store: store, gate: gate, runner: runner, logs: logs}
}

func (h *apiHarness) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})
	if rec := h.do(t, http.MethodGet, "/api/health", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestListAndDetail(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{},
		domain.Item{Hash: hashA, Name: "alpha", State: domain.ItemStateDownloading, Speed: 2048, Seeds: 3, Size: 1 << 30},
	)
	h.fake.SetTrackers(hashA, domain.Tracker{URL: "udp://tracker.example:1337/announce", Status: domain.TrackerStatusWorking})
	items, _ := h.fake.ListItems(context.Background())
	if err := h.store.Persist(context.Background(), items); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/api/torrents", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	list := decode[[]TorrentResponse](t, rec)
	if len(list) != 1 || list[0].Hash != hashA || list[0].SizeHuman != "1.1 GB" {
		t.Fatalf("unexpected list %+v", list)
	}

	if rec := h.do(t, http.MethodGet, "/api/torrents?removed=true", nil, ""); len(decode[[]TorrentResponse](t, rec)) != 0 {
		t.Fatal("no removed items expected")
	}
	if rec := h.do(t, http.MethodGet, "/api/torrents?removed=maybe", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad flag, got %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/api/torrents/"+hashA, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: %d %s", rec.Code, rec.Body.String())
	}
	detail := decode[TorrentDetailResponse](t, rec)
	if len(detail.History) != 1 || len(detail.Trackers) != 1 || detail.Name != "alpha" {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestDetailValidation(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})
	if rec := h.do(t, http.MethodGet, "/api/torrents/not-a-hash", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/torrents/"+hashB, nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestManualResumeLiftsHardPause(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{},
		domain.Item{Hash: hashA, Name: "alpha", State: domain.ItemStatePausedDL, Tags: []string{"hard_paused"}},
	)
	rec := h.do(t, http.MethodPost, "/api/torrents/"+hashA+"/resume", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}
	if !h.fake.Called("resume", hashA) {
		t.Fatal("expected resume call")
	}
	if got := h.fake.TagCalls("removetag", "hard_paused"); len(got) != 1 || got[0] != hashA {
		t.Fatalf("expected hard_paused removed, got %v", got)
	}

	if rec := h.do(t, http.MethodPost, "/api/torrents/"+hashB+"/pause", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item, got %d", rec.Code)
	}
}

func TestManualPauseFailureIsReported(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{}, domain.Item{Hash: hashA, State: domain.ItemStateDownloading})
	h.fake.FailOn("pause", hashA)
	if rec := h.do(t, http.MethodPost, "/api/torrents/"+hashA+"/pause", nil, ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestSetCategory(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{}, domain.Item{Hash: hashA, State: domain.ItemStateDownloading})

	rec := h.do(t, http.MethodPost, "/api/torrents/"+hashA+"/category", map[string]string{"category": "tv"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("set category: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[map[string]string](t, rec); got["category"] != "tv" {
		t.Fatalf("unexpected response %v", got)
	}
	if item, _ := h.fake.Item(hashA); item.Category != "tv" {
		t.Fatalf("expected live category tv, got %q", item.Category)
	}

	rec = h.do(t, http.MethodPost, "/api/torrents/"+hashA+"/category", map[string]string{"category": ""}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear category: %d %s", rec.Code, rec.Body.String())
	}
	if item, _ := h.fake.Item(hashA); item.Category != "" {
		t.Fatalf("expected category cleared, got %q", item.Category)
	}
}

func TestSetCategoryRejected(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{}, domain.Item{Hash: hashA, State: domain.ItemStateDownloading})

	cases := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "unlisted category", path: "/api/torrents/" + hashA + "/category", body: map[string]string{"category": "music"}, want: http.StatusBadRequest},
		{name: "bad hash", path: "/api/torrents/xyz/category", body: map[string]string{"category": "tv"}, want: http.StatusBadRequest},
		{name: "malformed body", path: "/api/torrents/" + hashA + "/category", body: "tv", want: http.StatusBadRequest},
		{name: "unknown item", path: "/api/torrents/" + hashB + "/category", body: map[string]string{"category": "tv"}, want: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := h.do(t, http.MethodPost, tc.path, tc.body, ""); rec.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}
	if calls := h.fake.TagCalls("category", "music"); len(calls) != 0 {
		t.Fatalf("rejected category reached the client: %v", calls)
	}
	if calls := h.fake.TagCalls("category", "tv"); len(calls) != 0 {
		t.Fatalf("unexpected category calls %v", calls)
	}

	rec := h.do(t, http.MethodGet, "/api/categories", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list categories: %d", rec.Code)
	}
	if got := decode[map[string][]string](t, rec); len(got["categories"]) != 2 || got["categories"][0] != "movies" {
		t.Fatalf("unexpected categories %v", got)
	}
}

func TestResetRecovery(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})
	ctx := context.Background()
	if err := h.store.IncrementRecoveryAttempt(ctx, hashA); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if rec := h.do(t, http.MethodPost, "/api/torrents/"+hashA+"/reset-recovery", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec, err := h.store.Policy(ctx, hashA)
	if err != nil || rec.RecoveryAttempts != 0 {
		t.Fatalf("expected counter reset, got %+v %v", rec, err)
	}
}

func TestReevaluate(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{}, domain.Item{Hash: hashA, State: domain.ItemStateDownloading, Speed: 1 << 20, Seeds: 9})

	rec := h.do(t, http.MethodPost, "/api/reevaluate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reevaluate: %d %s", rec.Code, rec.Body.String())
	}
	if report := decode[TickResponse](t, rec); report.Items != 1 || report.ID == "" {
		t.Fatalf("unexpected report %+v", report)
	}
	if rec := h.do(t, http.MethodGet, "/api/reevaluate/last", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected last report, got %d", rec.Code)
	}

	h.gate.held = true
	if rec := h.do(t, http.MethodPost, "/api/reevaluate", nil, ""); rec.Code != http.StatusLocked {
		t.Fatalf("expected 423 while gate held, got %d", rec.Code)
	}
}

func TestSchedule(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})

	tests := []struct {
		name string
		body scheduleRequest
		want int
	}{
		{"valid", scheduleRequest{Cron: "*/10 * * * *"}, http.StatusOK},
		{"invalid cron", scheduleRequest{Cron: "every minute"}, http.StatusBadRequest},
		{"unknown job", scheduleRequest{Job: "backup", Cron: "0 * * * *"}, http.StatusNotFound},
		{"missing cron", scheduleRequest{Job: "tick"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := h.do(t, http.MethodPut, "/api/schedule", tt.body, ""); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}

	entries := decode[[]ScheduleResponse](t, h.do(t, http.MethodGet, "/api/schedule", nil, ""))
	if len(entries) != 1 || entries[0].Cron != "*/10 * * * *" {
		t.Fatalf("unexpected schedule %+v", entries)
	}
}

func TestPulseNotConfigured(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})
	if rec := h.do(t, http.MethodPost, "/api/pulse", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogs(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{}, domain.Item{Hash: hashA, State: domain.ItemStateDownloading, Speed: 1 << 20})
	h.do(t, http.MethodPost, "/api/reevaluate", nil, "")

	body := decode[struct {
		Lines []string `json:"lines"`
	}](t, h.do(t, http.MethodGet, "/api/logs", nil, ""))
	if len(body.Lines) == 0 {
		t.Fatal("expected buffered log lines")
	}
}

func TestAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	h := newAPIHarness(t, AuthConfig{Username: "admin", PasswordHash: string(hash), Secret: "s3cret", TokenTTL: time.Hour})

	if rec := h.do(t, http.MethodGet, "/api/torrents", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/torrents", nil, "garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/login", loginRequest{Username: "admin", Password: "nope"}, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}

	rec := h.do(t, http.MethodPost, "/api/login", loginRequest{Username: "admin", Password: "hunter22"}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	token := decode[loginResponse](t, rec).Token
	if rec := h.do(t, http.MethodGet, "/api/torrents", nil, token); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/health", nil, ""); rec.Code != http.StatusOK {
		t.Fatal("health must stay public")
	}
}

func TestExpiredToken(t *testing.T) {
	auth := AuthConfig{Username: "admin", Secret: "s3cret", TokenTTL: time.Minute}
	token, _, err := auth.issue("admin", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := auth.verify(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	other := AuthConfig{Secret: "different"}
	fresh, _, _ := auth.issue("admin", time.Now())
	if _, err := other.verify(fresh); err == nil {
		t.Fatal("expected signature mismatch")
	}
}

func TestLoginDisabledWithoutSecret(t *testing.T) {
	h := newAPIHarness(t, AuthConfig{})
	if rec := h.do(t, http.MethodPost, "/api/login", loginRequest{Username: "admin", Password: "x"}, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
