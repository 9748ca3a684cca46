package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/qbit"
)

// TrackerSource is the part of the client the auditor reads.
type TrackerSource interface {
	Trackers(ctx context.Context, hash string) ([]domain.Tracker, error)
}

var _ TrackerSource = (qbit.Client)(nil)

type AuditorConfig struct {
	FallbackTrackers []string
	ExtraTrackers    []string
	Concurrency      int
	Vocabulary       domain.Vocabulary
	Logger           *logrus.Logger
}

// Auditor inspects tracker state per item.
type Auditor struct {
	cfg    AuditorConfig
	source TrackerSource
	logger *logrus.Entry
}

// AuditKind selects which checks AuditAll runs.
type AuditKind uint8

const (
	AuditUnregistered AuditKind = 1 << iota
	AuditDeadTrackers
)

func NewAuditor(cfg AuditorConfig, source TrackerSource) *Auditor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Vocabulary == nil {
		cfg.Vocabulary = domain.DefaultVocabulary("")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Auditor{cfg: cfg, source: source, logger: cfg.Logger.WithField("component", "auditor")}
}

func (a *Auditor) AuditUnregistered(ctx context.Context, item domain.Item) ([]Command, error) {
	trackers, err := a.source.Trackers(ctx, item.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch trackers for %s: %w", item.Hash, err)
	}
	return EvaluateUnregistered(item, trackers, a.cfg.Vocabulary), nil
}

func (a *Auditor) AuditDeadTrackers(ctx context.Context, item domain.Item) ([]Command, error) {
	trackers, err := a.source.Trackers(ctx, item.Hash)
	if err != nil {
		return nil, fmt.Errorf("fetch trackers for %s: %w", item.Hash, err)
	}
	return EvaluateDeadTrackers(item, trackers, a.cfg.FallbackTrackers, a.cfg.ExtraTrackers, a.cfg.Vocabulary), nil
}

// AuditAll fetches each item's trackers once and runs the selected checks
// with bounded concurrency. A failing item is reported in the returned error
// and never stops the others; commands keep the input order.
func (a *Auditor) AuditAll(ctx context.Context, items []domain.Item, kinds AuditKind) ([]Command, error) {
	results := make([][]Command, len(items))
	var (
		mu     sync.Mutex
		errs   *multierror.Error
		group  errgroup.Group
		unregs = kinds&AuditUnregistered != 0
		dead   = kinds&AuditDeadTrackers != 0
	)
	group.SetLimit(a.cfg.Concurrency)

	for i := range items {
		item := items[i]
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			trackers, err := a.source.Trackers(ctx, item.Hash)
			if err != nil {
				a.logger.WithField("hash", item.Hash).Warnf("fetch trackers: %v", err)
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("fetch trackers for %s: %w", item.Hash, err))
				mu.Unlock()
				return nil
			}

			var cmds []Command
			if unregs {
				cmds = EvaluateUnregistered(item, trackers, a.cfg.Vocabulary)
			}
			// an unregistered item is being paused; leave its trackers alone
			if dead && len(cmds) == 0 {
				cmds = EvaluateDeadTrackers(item, trackers, a.cfg.FallbackTrackers, a.cfg.ExtraTrackers, a.cfg.Vocabulary)
			}
			results[i] = cmds
			return nil
		})
	}
	_ = group.Wait()

	var out []Command
	for _, cmds := range results {
		out = append(out, cmds...)
	}
	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return out, errs.ErrorOrNil()
}

// EvaluateUnregistered pauses and tags an item whose trackers report it
// unregistered, unless another tracker still works for it. Any paused marker
// is dropped so auto-unpause never revives the item.
func EvaluateUnregistered(item domain.Item, trackers []domain.Tracker, vocab domain.Vocabulary) []Command {
	unregistered := false
	for _, tr := range trackers {
		if tr.Status == domain.TrackerStatusWorking {
			return nil
		}
		if strings.Contains(strings.ToLower(tr.Message), "unregistered") {
			unregistered = true
		}
	}
	if !unregistered {
		return nil
	}

	label := vocab.Label(domain.TagUnregistered)
	if IsPaused(item) && item.HasTag(label) {
		return nil
	}
	var cmds []Command
	if !IsPaused(item) {
		pause := newCommand(CommandPause, item, "unregistered on tracker")
		pause.ClearPaused = true
		cmds = append(cmds, pause)
	}
	if !item.HasTag(label) {
		tag := newCommand(CommandAddTag, item, "unregistered on tracker")
		tag.Tag = domain.TagUnregistered
		tag.ClearPaused = true
		cmds = append(cmds, tag)
	}
	return cmds
}

// EvaluateDeadTrackers injects fallback trackers and reannounces when every
// real tracker is failing. Healthy items only receive the always-present
// trackers they lack. A hard-paused item that gains new fallback trackers is
// resumed for another attempt.
func EvaluateDeadTrackers(item domain.Item, trackers []domain.Tracker, fallback, extra []string, vocab domain.Vocabulary) []Command {
	var real []domain.Tracker
	for _, tr := range trackers {
		if !tr.IsPseudo() {
			real = append(real, tr)
		}
	}

	allDead := len(real) > 0
	for _, tr := range real {
		if tr.Status != domain.TrackerStatusNotWorking {
			allDead = false
			break
		}
	}

	existing := make([]string, 0, len(real))
	for _, tr := range real {
		existing = append(existing, tr.URL)
	}

	if !allDead {
		missing := MissingTrackers(existing, extra)
		if len(missing) == 0 {
			return nil
		}
		cmd := newCommand(CommandAddTrackers, item, "always-present trackers")
		cmd.URLs = missing
		return []Command{cmd}
	}

	var cmds []Command
	added := MissingTrackers(existing, fallback)
	if len(added) > 0 {
		cmd := newCommand(CommandAddTrackers, item, "all trackers failing")
		cmd.URLs = added
		cmds = append(cmds, cmd)
	}
	cmds = append(cmds, newCommand(CommandReannounce, item, "all trackers failing"))

	if len(added) > 0 && IsPaused(item) && item.HasTag(vocab.Label(domain.TagHardPaused)) {
		resume := newCommand(CommandResume, item, "fallback trackers added")
		resume.ClearPaused = true
		cmds = append(cmds, resume)
		cmds = append(cmds, ClearTag(item, domain.NewTagSet(domain.TagHardPaused), domain.TagHardPaused, vocab)...)
	}
	return cmds
}

// MissingTrackers returns the entries of wanted absent from existing, in
// order and without duplicates. Comparison ignores case and a trailing slash.
func MissingTrackers(existing, wanted []string) []string {
	have := make(map[string]struct{}, len(existing)+len(wanted))
	for _, u := range existing {
		have[trackerKey(u)] = struct{}{}
	}
	var out []string
	for _, u := range wanted {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		key := trackerKey(u)
		if _, ok := have[key]; ok {
			continue
		}
		have[key] = struct{}{}
		out = append(out, u)
	}
	return out
}

func trackerKey(u string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(u)), "/")
}
