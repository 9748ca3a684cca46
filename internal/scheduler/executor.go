package scheduler

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"qbit-optimizer/internal/domain"
	"qbit-optimizer/internal/metrics"
	"qbit-optimizer/internal/policy"
	"qbit-optimizer/internal/qbit"
	"qbit-optimizer/internal/service"
)

// Executor issues policy commands against the client and records the
// bookkeeping of the ones that succeed.
type Executor struct {
	client qbit.Client
	store  service.SnapshotStore
	coord  *Coordinator
	vocab  domain.Vocabulary
}

func NewExecutor(client qbit.Client, store service.SnapshotStore, coord *Coordinator, vocab domain.Vocabulary) *Executor {
	if coord == nil {
		coord = NewCoordinator()
	}
	if vocab == nil {
		vocab = domain.DefaultVocabulary("")
	}
	return &Executor{client: client, store: store, coord: coord, vocab: vocab}
}

// Apply runs cmds in order. A failing command is logged and counted; if it
// was a state transition (pause, resume, force start) the remaining commands
// for that item are skipped. All failures are returned together.
func (e *Executor) Apply(ctx context.Context, log *logrus.Entry, cmds []policy.Command) error {
	var errs *multierror.Error
	failed := make(map[string]struct{})

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return multierror.Append(errs, err).ErrorOrNil()
		}
		if _, ok := failed[cmd.Hash]; ok {
			log.WithField("hash", cmd.Hash).Debugf("skip %s after earlier failure", cmd.Kind)
			continue
		}

		entry := log.WithField("hash", cmd.Hash)
		if err := e.apply(ctx, entry, cmd); err != nil {
			entry.Warnf("%s %q (%s): %v", cmd.Kind, cmd.Name, cmd.Reason, err)
			errs = multierror.Append(errs, fmt.Errorf("%s %s: %w", cmd.Kind, cmd.Hash, err))
			if isTransition(cmd.Kind) {
				failed[cmd.Hash] = struct{}{}
			}
			continue
		}
		if !cmd.SyncOnly {
			entry.Infof("%s %q: %s", cmd.Kind, cmd.Name, cmd.Reason)
		}
	}
	return errs.ErrorOrNil()
}

func (e *Executor) apply(ctx context.Context, log *logrus.Entry, cmd policy.Command) error {
	unlock := e.coord.Lock(cmd.Hash)
	defer unlock()

	if !cmd.SyncOnly {
		err := e.call(ctx, cmd)
		metrics.ObserveCommand(string(cmd.Kind), err)
		if err != nil {
			return err
		}
	}

	// local bookkeeping is advisory; the remote call already happened
	for _, err := range e.bookkeep(ctx, cmd) {
		log.Warnf("record %s: %v", cmd.Kind, err)
	}
	return nil
}

func (e *Executor) call(ctx context.Context, cmd policy.Command) error {
	switch cmd.Kind {
	case policy.CommandPause:
		return e.client.Pause(ctx, cmd.Hash)
	case policy.CommandResume:
		return e.client.Resume(ctx, cmd.Hash)
	case policy.CommandForceStart:
		return e.client.ForceStart(ctx, cmd.Hash)
	case policy.CommandTopPriority:
		return e.client.SetTopPriority(ctx, cmd.Hash)
	case policy.CommandBottomPriority:
		return e.client.SetBottomPriority(ctx, cmd.Hash)
	case policy.CommandRecheck:
		return e.client.Recheck(ctx, cmd.Hash)
	case policy.CommandReannounce:
		return e.client.Reannounce(ctx, cmd.Hash)
	case policy.CommandAddTag:
		return e.client.AddTag(ctx, e.vocab.Label(cmd.Tag), cmd.Hash)
	case policy.CommandRemoveTag:
		return e.client.RemoveTag(ctx, e.vocab.Label(cmd.Tag), cmd.Hash)
	case policy.CommandAddTrackers:
		return e.client.AddTrackers(ctx, cmd.Hash, cmd.URLs)
	case policy.CommandSetCategory:
		return e.client.SetCategory(ctx, cmd.Category, cmd.Hash)
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (e *Executor) bookkeep(ctx context.Context, cmd policy.Command) []error {
	var errs []error
	record := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch cmd.Kind {
	case policy.CommandAddTag:
		record(e.store.AddTags(ctx, cmd.Hash, domain.NewTagSet(cmd.Tag)))
	case policy.CommandRemoveTag:
		record(e.store.RemoveTags(ctx, cmd.Hash, domain.NewTagSet(cmd.Tag)))
	}
	if cmd.MarkPaused {
		record(e.store.MarkPaused(ctx, cmd.Hash, cmd.Name))
	}
	if cmd.ClearPaused {
		record(e.store.ClearPaused(ctx, cmd.Hash))
	}
	if cmd.CountRecovery {
		record(e.store.IncrementRecoveryAttempt(ctx, cmd.Hash))
	}
	if cmd.ResetSlowRuns {
		record(e.store.ResetSlowRun(ctx, cmd.Hash))
	}
	return errs
}

func isTransition(kind policy.CommandKind) bool {
	switch kind {
	case policy.CommandPause, policy.CommandResume, policy.CommandForceStart:
		return true
	}
	return false
}
