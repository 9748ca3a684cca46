package policy

import (
	"errors"
	"fmt"
	"strings"

	"qbit-optimizer/internal/domain"
)

type ManualAction string

const (
	ManualPause       ManualAction = "pause"
	ManualResume      ManualAction = "resume"
	ManualForceResume ManualAction = "force-resume"
)

var ErrUnknownCategory = errors.New("category not allowed")

// CategoryCommand assigns category to item. An empty category clears it and
// is always allowed; otherwise it must be one of allowed unless that list is
// empty.
func CategoryCommand(item domain.Item, category string, allowed []string) (Command, error) {
	category = strings.TrimSpace(category)
	if category != "" && len(allowed) > 0 {
		found := false
		for _, a := range allowed {
			if a == category {
				found = true
				break
			}
		}
		if !found {
			return Command{}, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
		}
	}
	reason := "manual category " + category
	if category == "" {
		reason = "manual category clear"
	}
	cmd := newCommand(CommandSetCategory, item, reason)
	cmd.Category = category
	return cmd, nil
}

// ManualCommands translates an operator action into commands. Every manual
// action lifts hard_paused; resumes also drop the stall markers so the next
// tick treats the item as fresh.
func ManualCommands(action ManualAction, item domain.Item, owned domain.TagSet, vocab domain.Vocabulary) ([]Command, error) {
	var cmds []Command
	switch action {
	case ManualPause:
		cmd := newCommand(CommandPause, item, "manual pause")
		cmd.MarkPaused = true
		cmds = append(cmds, cmd)
		cmds = append(cmds, ClearTag(item, owned, domain.TagHardPaused, vocab)...)
	case ManualResume, ManualForceResume:
		kind := CommandResume
		if action == ManualForceResume {
			kind = CommandForceStart
		}
		cmd := newCommand(kind, item, "manual "+string(action))
		cmd.ClearPaused = true
		cmd.ResetSlowRuns = true
		cmds = append(cmds, cmd)
		for _, t := range []domain.Tag{domain.TagHardPaused, domain.TagStalled, domain.TagPersistentlySlow} {
			cmds = append(cmds, ClearTag(item, owned, t, vocab)...)
		}
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return cmds, nil
}
