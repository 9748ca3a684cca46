package qbit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"qbit-optimizer/internal/domain"
)

// Client is the slice of the download client's WebUI API the optimizer uses.
// Batched calls accept any number of hashes; an empty batch is a no-op.
type Client interface {
	ListItems(ctx context.Context) ([]domain.Item, error)
	TransferStats(ctx context.Context) (domain.TransferStats, error)

	Pause(ctx context.Context, hashes ...string) error
	Resume(ctx context.Context, hashes ...string) error
	ForceStart(ctx context.Context, hashes ...string) error
	SetTopPriority(ctx context.Context, hashes ...string) error
	SetBottomPriority(ctx context.Context, hashes ...string) error
	Recheck(ctx context.Context, hashes ...string) error
	Reannounce(ctx context.Context, hashes ...string) error

	AddTag(ctx context.Context, tag string, hashes ...string) error
	RemoveTag(ctx context.Context, tag string, hashes ...string) error

	// SetCategory assigns category to every hash; an empty category clears it.
	SetCategory(ctx context.Context, category string, hashes ...string) error

	AddTrackers(ctx context.Context, hash string, urls []string) error
	Trackers(ctx context.Context, hash string) ([]domain.Tracker, error)
}

type Config struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
	// RateLimit caps requests per second against the WebUI; zero disables it.
	RateLimit float64
	Burst     int
	Logger    *logrus.Logger
}

// infiniteETA is the client's "no estimate" sentinel (100 days).
const infiniteETA = 8640000

type client struct {
	api     *qbt.Client
	limiter *rate.Limiter
	logger  *logrus.Entry

	mu       sync.Mutex
	loggedIn bool
}

func NewClient(cfg Config) Client {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	return &client{
		api: qbt.NewClient(qbt.Config{
			Host:     cfg.URL,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  int(cfg.Timeout / time.Second),
		}),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  cfg.Logger.WithField("component", "qbit"),
	}
}

// call waits for a rate-limit token, logs in on first use and retries a
// failed request once after re-authenticating.
func (c *client) call(ctx context.Context, op string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.ensureLogin(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
	if loginErr := c.ensureLogin(ctx); loginErr != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (c *client) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}
	if err := c.api.LoginCtx(ctx); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.loggedIn = true
	c.logger.Debug("authenticated against webui")
	return nil
}

func (c *client) ListItems(ctx context.Context) ([]domain.Item, error) {
	var torrents []qbt.Torrent
	err := c.call(ctx, "list torrents", func() error {
		var err error
		torrents, err = c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, len(torrents))
	for _, t := range torrents {
		items = append(items, toItem(t))
	}
	return items, nil
}

func (c *client) TransferStats(ctx context.Context) (domain.TransferStats, error) {
	var info *qbt.TransferInfo
	err := c.call(ctx, "transfer info", func() error {
		var err error
		info, err = c.api.GetTransferInfoCtx(ctx)
		return err
	})
	if err != nil {
		return domain.TransferStats{}, err
	}
	if info == nil {
		return domain.TransferStats{}, nil
	}
	return domain.TransferStats{
		DownloadSpeed: info.DlInfoSpeed,
		UploadSpeed:   info.UpInfoSpeed,
	}, nil
}

func (c *client) batch(ctx context.Context, op string, hashes []string, fn func([]string) error) error {
	hashes = compact(hashes)
	if len(hashes) == 0 {
		return nil
	}
	return c.call(ctx, op, func() error { return fn(hashes) })
}

func (c *client) Pause(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "pause", hashes, func(h []string) error { return c.api.PauseCtx(ctx, h) })
}

func (c *client) Resume(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "resume", hashes, func(h []string) error { return c.api.ResumeCtx(ctx, h) })
}

func (c *client) ForceStart(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "force start", hashes, func(h []string) error { return c.api.SetForceStartCtx(ctx, h, true) })
}

func (c *client) SetTopPriority(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "top priority", hashes, func(h []string) error { return c.api.SetMaxPriorityCtx(ctx, h) })
}

func (c *client) SetBottomPriority(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "bottom priority", hashes, func(h []string) error { return c.api.SetMinPriorityCtx(ctx, h) })
}

func (c *client) Recheck(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "recheck", hashes, func(h []string) error { return c.api.RecheckCtx(ctx, h) })
}

func (c *client) Reannounce(ctx context.Context, hashes ...string) error {
	return c.batch(ctx, "reannounce", hashes, func(h []string) error { return c.api.ReAnnounceTorrentsCtx(ctx, h) })
}

func (c *client) AddTag(ctx context.Context, tag string, hashes ...string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("add tag: empty tag")
	}
	return c.batch(ctx, "add tag "+tag, hashes, func(h []string) error { return c.api.AddTagsCtx(ctx, h, tag) })
}

func (c *client) RemoveTag(ctx context.Context, tag string, hashes ...string) error {
	if strings.TrimSpace(tag) == "" {
		return fmt.Errorf("remove tag: empty tag")
	}
	return c.batch(ctx, "remove tag "+tag, hashes, func(h []string) error { return c.api.RemoveTagsCtx(ctx, h, tag) })
}

func (c *client) SetCategory(ctx context.Context, category string, hashes ...string) error {
	category = strings.TrimSpace(category)
	return c.batch(ctx, "set category", hashes, func(h []string) error { return c.api.SetCategoryCtx(ctx, h, category) })
}

func (c *client) AddTrackers(ctx context.Context, hash string, urls []string) error {
	urls = compact(urls)
	if hash == "" || len(urls) == 0 {
		return nil
	}
	return c.call(ctx, "add trackers", func() error {
		return c.api.AddTrackersCtx(ctx, hash, strings.Join(urls, "\n"))
	})
}

func (c *client) Trackers(ctx context.Context, hash string) ([]domain.Tracker, error) {
	var trackers []qbt.TorrentTracker
	err := c.call(ctx, "list trackers", func() error {
		var err error
		trackers, err = c.api.GetTorrentTrackersCtx(ctx, hash)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Tracker, 0, len(trackers))
	for _, tr := range trackers {
		out = append(out, domain.Tracker{
			URL:     tr.Url,
			Status:  domain.TrackerStatus(tr.Status),
			Message: tr.Message,
		})
	}
	return out, nil
}

func toItem(t qbt.Torrent) domain.Item {
	item := domain.Item{
		Hash:       t.Hash,
		Name:       t.Name,
		State:      domain.ItemState(t.State),
		Speed:      t.DlSpeed,
		Progress:   t.Progress,
		ETA:        normaliseETA(t.ETA),
		Seeds:      t.NumSeeds,
		Size:       t.Size,
		Forced:     t.ForceStart,
		Sequential: t.SequentialDownload,
		Category:   t.Category,
		Tags:       splitTags(t.Tags),
	}
	if t.AddedOn > 0 {
		item.AddedAt = time.Unix(t.AddedOn, 0)
	}
	return item
}

// normaliseETA maps the client's "infinity" sentinel and negative values to
// zero, the optimizer's "no estimate".
func normaliseETA(eta int64) int64 {
	if eta < 0 || eta >= infiniteETA {
		return 0
	}
	return eta
}

func splitTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func compact(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

var _ Client = (*client)(nil)
