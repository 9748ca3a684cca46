package policy

import (
	"fmt"

	"qbit-optimizer/internal/domain"
)

type CommandKind string

const (
	CommandPause          CommandKind = "pause"
	CommandResume         CommandKind = "resume"
	CommandForceStart     CommandKind = "force_start"
	CommandTopPriority    CommandKind = "top_priority"
	CommandBottomPriority CommandKind = "bottom_priority"
	CommandRecheck        CommandKind = "recheck"
	CommandReannounce     CommandKind = "reannounce"
	CommandAddTag         CommandKind = "add_tag"
	CommandRemoveTag      CommandKind = "remove_tag"
	CommandAddTrackers    CommandKind = "add_trackers"
	CommandSetCategory    CommandKind = "set_category"
)

// Command is one action against one item plus the bookkeeping that follows
// a successful call.
type Command struct {
	Kind   CommandKind
	Hash   string
	Name   string
	Reason string

	Tag      domain.Tag
	URLs     []string
	Category string
	// SyncOnly updates the owned tag set without calling the client; the
	// live tags already agree.
	SyncOnly bool

	MarkPaused    bool
	ClearPaused   bool
	CountRecovery bool
	ResetSlowRuns bool
}

func (c Command) String() string {
	switch c.Kind {
	case CommandAddTag, CommandRemoveTag:
		return fmt.Sprintf("%s(%s) %s", c.Kind, c.Tag, c.Hash)
	case CommandSetCategory:
		return fmt.Sprintf("%s(%q) %s", c.Kind, c.Category, c.Hash)
	default:
		return fmt.Sprintf("%s %s", c.Kind, c.Hash)
	}
}

func newCommand(kind CommandKind, item domain.Item, reason string) Command {
	return Command{Kind: kind, Hash: item.Hash, Name: item.Name, Reason: reason}
}

// AssertTag returns the commands that leave t set both on the client and in
// the owned set. Nothing is returned once both agree.
func AssertTag(item domain.Item, owned domain.TagSet, t domain.Tag, vocab domain.Vocabulary) []Command {
	live := item.HasTag(vocab.Label(t))
	if live && owned.Has(t) {
		return nil
	}
	cmd := newCommand(CommandAddTag, item, "assert "+t.String())
	cmd.Tag = t
	cmd.SyncOnly = live
	return []Command{cmd}
}

// ClearTag is the inverse of AssertTag.
func ClearTag(item domain.Item, owned domain.TagSet, t domain.Tag, vocab domain.Vocabulary) []Command {
	live := item.HasTag(vocab.Label(t))
	if !live && !owned.Has(t) {
		return nil
	}
	cmd := newCommand(CommandRemoveTag, item, "clear "+t.String())
	cmd.Tag = t
	cmd.SyncOnly = !live
	return []Command{cmd}
}

// HasPolicyTag reports t from either the live labels or the owned set.
func HasPolicyTag(item domain.Item, owned domain.TagSet, t domain.Tag, vocab domain.Vocabulary) bool {
	return owned.Has(t) || item.HasTag(vocab.Label(t))
}

// Hashes lists the distinct item ids touched by cmds of the given kind.
func Hashes(cmds []Command, kind CommandKind) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, c := range cmds {
		if c.Kind != kind {
			continue
		}
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		out = append(out, c.Hash)
	}
	return out
}
