package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/logbuf"
	"qbit-optimizer/internal/metrics"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit"
	"qbit-optimizer/internal/repository"
	"qbit-optimizer/internal/scheduler"
	"qbit-optimizer/internal/service"
)

const (
	requestTimeout = 15 * time.Second
	tickTimeout    = 5 * time.Minute
	historyLimit   = 100
)

// Jobs the dashboard can inspect and reschedule.
var scheduleJobs = []string{"tick", "pulse", "archive"}

type HandlerConfig struct {
	Store       service.SnapshotStore
	Client      qbit.Client
	Tick        *scheduler.Orchestrator
	Runner      *scheduler.Runner
	Executor    *scheduler.Executor
	Logs        *logbuf.Buffer
	Vocabulary  domain.Vocabulary
	Categories  []string
	Auth        AuthConfig
	CORSOrigins []string
	Logger      *logrus.Logger
}

// Handler wires HTTP routes to the control loop and the snapshot store.
type Handler struct {
	store   service.SnapshotStore
	client  qbit.Client
	tick    *scheduler.Orchestrator
	runner  *scheduler.Runner
	exec    *scheduler.Executor
	logs    *logbuf.Buffer
	vocab   domain.Vocabulary
	cats    []string
	auth    AuthConfig
	origins []string
	logger  *logrus.Entry
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = domain.DefaultVocabulary("")
	}
	h := &Handler{
		store:   cfg.Store,
		client:  cfg.Client,
		tick:    cfg.Tick,
		runner:  cfg.Runner,
		exec:    cfg.Executor,
		logs:    cfg.Logs,
		vocab:   cfg.Vocabulary,
		cats:    cfg.Categories,
		auth:    cfg.Auth,
		origins: cfg.CORSOrigins,
		logger:  cfg.Logger.WithField("component", "http"),
	}
	if !h.auth.enabled() {
		h.logger.Warn("auth.jwtSecret is empty, dashboard API is unauthenticated")
	}
	return h
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(h.corsMiddleware())
	router.Use(metrics.Middleware())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.POST("/login", h.login)
	}

	secured := api.Group("", h.requireAuth())
	{
		secured.GET("/torrents", h.listTorrents)
		secured.GET("/torrents/:hash", h.getTorrent)
		secured.POST("/torrents/:hash/pause", h.manual(policy.ManualPause))
		secured.POST("/torrents/:hash/resume", h.manual(policy.ManualResume))
		secured.POST("/torrents/:hash/force-resume", h.manual(policy.ManualForceResume))
		secured.POST("/torrents/:hash/reset-recovery", h.resetRecovery)
		secured.POST("/torrents/:hash/category", h.setCategory)
		secured.GET("/categories", h.listCategories)
		secured.GET("/logs", h.listLogs)
		secured.POST("/reevaluate", h.reevaluate)
		secured.GET("/reevaluate/last", h.lastTick)
		secured.POST("/pulse", h.triggerPulse)
		secured.GET("/schedule", h.getSchedule)
		secured.PUT("/schedule", h.updateSchedule)
	}
}

func (h *Handler) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(h.origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = h.origins
	}
	return cors.New(cfg)
}

func (h *Handler) listTorrents(c *gin.Context) {
	removed := false
	if raw := c.Query("removed"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "removed must be a boolean"})
			return
		}
		removed = v
	}

	records, err := h.store.ListSnapshots(c.Request.Context(), removed)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]TorrentResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, h.snapshotToResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTorrent(c *gin.Context) {
	hash, err := normalizeHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	rec, err := h.store.GetSnapshot(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "torrent not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history, err := h.store.History(ctx, hash, historyLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := TorrentDetailResponse{
		TorrentResponse: h.snapshotToResponse(*rec),
		History:         history,
		Trackers:        []TrackerResponse{},
	}
	if rec.State != domain.ItemStateRemoved {
		trackers, err := h.client.Trackers(ctx, hash)
		if err != nil {
			resp.TrackersError = err.Error()
		}
		for _, tr := range trackers {
			resp.Trackers = append(resp.Trackers, TrackerResponse{URL: tr.URL, Status: int(tr.Status), Message: tr.Message})
		}
	}
	if resp.History == nil {
		resp.History = []domain.HistorySample{}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) manual(action policy.ManualAction) gin.HandlerFunc {
	return func(c *gin.Context) {
		hash, err := normalizeHash(c.Param("hash"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()

		item, err := h.liveItem(ctx, hash)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "torrent not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		owned, err := h.store.Policy(ctx, hash)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		cmds, err := policy.ManualCommands(action, item, owned.Tags, h.vocab)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log := h.logger.WithFields(logrus.Fields{"hash": hash, "action": string(action)})
		if err := h.exec.Apply(ctx, log, cmds); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"hash": hash, "action": string(action)})
	}
}

type categoryRequest struct {
	Category string `json:"category"`
}

func (h *Handler) setCategory(c *gin.Context) {
	hash, err := normalizeHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req categoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// reject before touching the client
	if _, err := policy.CategoryCommand(domain.Item{Hash: hash}, req.Category, h.cats); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	item, err := h.liveItem(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "torrent not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	cmd, err := policy.CategoryCommand(item, req.Category, h.cats)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log := h.logger.WithFields(logrus.Fields{"hash": hash, "category": cmd.Category})
	if err := h.exec.Apply(ctx, log, []policy.Command{cmd}); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": hash, "category": cmd.Category})
}

func (h *Handler) listCategories(c *gin.Context) {
	cats := h.cats
	if cats == nil {
		cats = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

func (h *Handler) resetRecovery(c *gin.Context) {
	hash, err := normalizeHash(c.Param("hash"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.ResetRecoveryAttempts(c.Request.Context(), hash); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.WithField("hash", hash).Info("recovery attempts reset")
	c.Status(http.StatusNoContent)
}

func (h *Handler) listLogs(c *gin.Context) {
	lines := []string{}
	if h.logs != nil {
		lines = h.logs.Lines()
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (h *Handler) reevaluate(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), tickTimeout)
	defer cancel()

	report, err := h.tick.Tick(ctx)
	switch {
	case errors.Is(err, domain.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "a tick is already running"})
	case errors.Is(err, domain.ErrGateHeld):
		c.JSON(http.StatusLocked, gin.H{"error": "transfer lock held, tick skipped"})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, reportToResponse(report))
	}
}

func (h *Handler) lastTick(c *gin.Context) {
	report, ok := h.tick.LastReport()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tick has completed yet"})
		return
	}
	c.JSON(http.StatusOK, reportToResponse(report))
}

func (h *Handler) triggerPulse(c *gin.Context) {
	if _, _, ok := h.runner.Schedule("pulse"); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pulse is not configured"})
		return
	}
	if err := h.runner.Trigger("pulse"); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pulse started"})
}

func (h *Handler) getSchedule(c *gin.Context) {
	resp := make([]ScheduleResponse, 0, len(scheduleJobs))
	for _, name := range scheduleJobs {
		expr, next, ok := h.runner.Schedule(name)
		if !ok {
			continue
		}
		entry := ScheduleResponse{Job: name, Cron: expr}
		if !next.IsZero() {
			v := next.Format(time.RFC3339)
			entry.NextRun = &v
		}
		resp = append(resp, entry)
	}
	c.JSON(http.StatusOK, resp)
}

type scheduleRequest struct {
	Job  string `json:"job"`
	Cron string `json:"cron" binding:"required"`
}

func (h *Handler) updateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Job == "" {
		req.Job = "tick"
	}
	if _, _, ok := h.runner.Schedule(req.Job); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown job %s", req.Job)})
		return
	}
	if err := h.runner.Reschedule(req.Job, strings.TrimSpace(req.Cron)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expr, next, _ := h.runner.Schedule(req.Job)
	entry := ScheduleResponse{Job: req.Job, Cron: expr}
	if !next.IsZero() {
		v := next.Format(time.RFC3339)
		entry.NextRun = &v
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) liveItem(ctx context.Context, hash string) (domain.Item, error) {
	items, err := h.client.ListItems(ctx)
	if err != nil {
		return domain.Item{}, fmt.Errorf("list items: %w", err)
	}
	for _, item := range items {
		if strings.EqualFold(item.Hash, hash) {
			return item, nil
		}
	}
	return domain.Item{}, repository.ErrNotFound
}

// normalizeHash accepts a hex v1 info hash in either case.
func normalizeHash(raw string) (string, error) {
	var ih metainfo.Hash
	if err := ih.FromHexString(strings.TrimSpace(raw)); err != nil {
		return "", fmt.Errorf("invalid info hash %q", raw)
	}
	return ih.HexString(), nil
}

type TorrentResponse struct {
	Hash             string   `json:"hash"`
	Name             string   `json:"name"`
	State            string   `json:"state"`
	Speed            int64    `json:"dlspeed"`
	SpeedHuman       string   `json:"dlspeed_human"`
	Progress         float64  `json:"progress"`
	ETA              int64    `json:"eta"`
	Seeds            int64    `json:"num_seeds"`
	Size             int64    `json:"size"`
	SizeHuman        string   `json:"size_human"`
	AddedAt          *string  `json:"added_on,omitempty"`
	LastUpdated      string   `json:"last_updated"`
	SlowRuns         int      `json:"slow_runs"`
	RecoveryAttempts int      `json:"recovery_attempts"`
	Tags             []string `json:"tags"`
}

type TrackerResponse struct {
	URL     string `json:"url"`
	Status  int    `json:"status"`
	Message string `json:"msg"`
}

type TorrentDetailResponse struct {
	TorrentResponse
	History       []domain.HistorySample `json:"history"`
	Trackers      []TrackerResponse      `json:"trackers"`
	TrackersError string                 `json:"trackers_error,omitempty"`
}

type ScheduleResponse struct {
	Job     string  `json:"job"`
	Cron    string  `json:"cron"`
	NextRun *string `json:"next_run,omitempty"`
}

type TickResponse struct {
	ID         string   `json:"id"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
	Skipped    bool     `json:"skipped"`
	Items      int      `json:"items"`
	Commands   int      `json:"commands"`
	Removed    []string `json:"removed"`
	Errors     string   `json:"errors,omitempty"`
}

func (h *Handler) snapshotToResponse(rec domain.SnapshotRecord) TorrentResponse {
	resp := TorrentResponse{
		Hash:             rec.Hash,
		Name:             rec.Name,
		State:            string(rec.State),
		Speed:            rec.Speed,
		SpeedHuman:       humanize.Bytes(uint64(max(rec.Speed, 0))) + "/s",
		Progress:         rec.Progress,
		ETA:              rec.ETA,
		Seeds:            rec.Seeds,
		Size:             rec.Size,
		SizeHuman:        humanize.Bytes(uint64(max(rec.Size, 0))),
		LastUpdated:      rec.LastUpdated.Format(time.RFC3339),
		SlowRuns:         rec.Policy.SlowRuns,
		RecoveryAttempts: rec.Policy.RecoveryAttempts,
		Tags:             make([]string, 0, len(rec.Policy.Tags.Tags())),
	}
	if !rec.AddedAt.IsZero() {
		v := rec.AddedAt.Format(time.RFC3339)
		resp.AddedAt = &v
	}
	for _, t := range rec.Policy.Tags.Tags() {
		resp.Tags = append(resp.Tags, h.vocab.Label(t))
	}
	return resp
}

func reportToResponse(report scheduler.TickReport) TickResponse {
	resp := TickResponse{
		ID:         report.ID,
		StartedAt:  report.StartedAt.Format(time.RFC3339),
		FinishedAt: report.FinishedAt.Format(time.RFC3339),
		Skipped:    report.Skipped,
		Items:      report.Items,
		Commands:   report.Commands,
		Removed:    report.Removed,
	}
	if resp.Removed == nil {
		resp.Removed = []string{}
	}
	if report.Err != nil {
		resp.Errors = report.Err.Error()
	}
	return resp
}
