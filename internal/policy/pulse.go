package policy

import (
	"qbit-optimizer/internal/domain"
)

// PlanPulse picks up to batch dead items for a recovery sweep: paused or
// stalled, unconnected, and not known to be unregistered on their tracker.
// A non-positive batch selects nothing.
func PlanPulse(items []domain.Item, policies map[string]domain.PolicyRecord, batch int, vocab domain.Vocabulary) []domain.Item {
	if batch <= 0 {
		return nil
	}
	var out []domain.Item
	for _, item := range items {
		if len(out) == batch {
			break
		}
		if !IsPaused(item) && item.State != domain.ItemStateStalledDL {
			continue
		}
		if !IsUnconnected(item) {
			continue
		}
		if HasPolicyTag(item, policies[item.Hash].Tags, domain.TagUnregistered, vocab) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// PulseWake resumes and reannounces each pulsed item.
func PulseWake(items []domain.Item) []Command {
	cmds := make([]Command, 0, 2*len(items))
	for _, item := range items {
		cmds = append(cmds,
			newCommand(CommandResume, item, "pulse"),
			newCommand(CommandReannounce, item, "pulse"),
		)
	}
	return cmds
}

// PulseVerdict settles the sweep against a fresh listing. Items still
// unconnected go back to a hard pause; the rest stay running with their
// marker and pause tags cleared. Items gone from the listing are ignored.
func PulseVerdict(pulsed []domain.Item, refreshed []domain.Item, policies map[string]domain.PolicyRecord, vocab domain.Vocabulary) []Command {
	wanted := make(map[string]struct{}, len(pulsed))
	for _, item := range pulsed {
		wanted[item.Hash] = struct{}{}
	}

	var cmds []Command
	for _, item := range refreshed {
		if _, ok := wanted[item.Hash]; !ok {
			continue
		}
		owned := policies[item.Hash].Tags
		if IsUnconnected(item) {
			pause := newCommand(CommandPause, item, "still dead after pulse")
			pause.MarkPaused = true
			cmds = append(cmds, pause)
			cmds = append(cmds, AssertTag(item, owned, domain.TagHardPaused, vocab)...)
			continue
		}
		keep := newCommand(CommandResume, item, "alive after pulse")
		keep.ClearPaused = true
		cmds = append(cmds, keep)
		cmds = append(cmds, ClearTag(item, owned, domain.TagHardPaused, vocab)...)
		cmds = append(cmds, ClearTag(item, owned, domain.TagStalled, vocab)...)
	}
	return cmds
}
