package policy

import (
	"time"

	"qbit-optimizer/internal/domain"
)

// SlowUpdate tells the caller what to do with an item's slow-run counter.
type SlowUpdate int

const (
	SlowUnchanged SlowUpdate = iota
	SlowIncrement
	SlowReset
)

// Verdict is the per-item outcome of the stall and slow evaluation.
type Verdict struct {
	Commands []Command
	Slow     SlowUpdate
	// Stalled is set when the item was hard paused this tick.
	Stalled bool
}

// EvaluateLifecycle tags high-priority items and skips them, hard pauses
// items that stayed unconnected past the stall threshold, and otherwise
// tracks slow downloading. Items already paused are never stall-paused again
// so their marker keeps its original age.
func EvaluateLifecycle(item domain.Item, owned domain.TagSet, now time.Time, th Thresholds, vocab domain.Vocabulary) Verdict {
	if IsHighPriority(item, th) {
		return Verdict{Commands: AssertTag(item, owned, domain.TagHighPriority, vocab)}
	}

	v := Verdict{Commands: ClearTag(item, owned, domain.TagHighPriority, vocab)}

	if !IsPaused(item) && IsUnconnected(item) && item.Age(now) > th.StallThreshold {
		pause := newCommand(CommandPause, item, "unconnected past stall threshold")
		pause.MarkPaused = true
		v.Commands = append(v.Commands, pause)
		v.Commands = append(v.Commands, AssertTag(item, owned, domain.TagHardPaused, vocab)...)
		v.Stalled = true
		return v
	}

	if IsDownloading(item) && item.Speed < th.SlowSpeed {
		v.Slow = SlowIncrement
	} else {
		v.Slow = SlowReset
	}
	return v
}

// PlanPersistentlySlow pauses every live item whose slow-run counter reached
// the limit and resets the counter, so the reaction fires once.
func PlanPersistentlySlow(slow []domain.SnapshotRecord, live map[string]domain.Item, th Thresholds, vocab domain.Vocabulary) []Command {
	limit := th.SlowRunsLimit
	if limit <= 0 {
		limit = 2
	}
	var cmds []Command
	for _, rec := range slow {
		if rec.Policy.SlowRuns < limit {
			continue
		}
		item, ok := live[rec.Hash]
		if !ok {
			continue
		}
		pause := newCommand(CommandPause, item, "persistently slow")
		pause.MarkPaused = true
		pause.ResetSlowRuns = true
		cmds = append(cmds, pause)
		cmds = append(cmds, AssertTag(item, rec.Policy.Tags, domain.TagPersistentlySlow, vocab)...)
	}
	return cmds
}

// PlanSmallQuickWins moves small non-paused items to the top of the queue.
func PlanSmallQuickWins(items []domain.Item, th Thresholds) []Command {
	var cmds []Command
	for _, item := range items {
		if !IsPaused(item) && IsSmall(item, th) {
			cmds = append(cmds, newCommand(CommandTopPriority, item, "small item"))
		}
	}
	return cmds
}

func PlanSmartPriority(items []domain.Item, now time.Time, th Thresholds) []Command {
	var cmds []Command
	for _, item := range items {
		if IsPaused(item) {
			continue
		}
		switch SmartPriority(item, now, th) {
		case PriorityTop:
			cmds = append(cmds, newCommand(CommandTopPriority, item, "smart score"))
		case PriorityBottom:
			cmds = append(cmds, newCommand(CommandBottomPriority, item, "smart score"))
		}
	}
	return cmds
}

// PlanCompletionBoosts covers the high-seed and near-completion boosts. An
// item meeting both gets a single command.
func PlanCompletionBoosts(items []domain.Item, th Thresholds) []Command {
	var cmds []Command
	for _, item := range items {
		if IsPaused(item) {
			continue
		}
		switch {
		case IsHighSeed(item, th):
			cmds = append(cmds, newCommand(CommandTopPriority, item, "high seed count"))
		case IsNearComplete(item, th):
			cmds = append(cmds, newCommand(CommandTopPriority, item, "near completion"))
		}
	}
	return cmds
}
