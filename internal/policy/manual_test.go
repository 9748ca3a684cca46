package policy

import (
	"errors"
	"testing"

	"qbit-optimizer/internal/domain"
)

func TestManualResumeLiftsHardPause(t *testing.T) {
	item := domain.Item{Hash: "h", State: domain.ItemStatePausedDL, Tags: []string{"hard_paused", "stalled"}}
	owned := domain.NewTagSet(domain.TagHardPaused, domain.TagPersistentlySlow)

	cmds, err := ManualCommands(ManualResume, item, owned, vocab)
	if err != nil {
		t.Fatalf("manual commands: %v", err)
	}
	resume, ok := findCommand(cmds, CommandResume, 0)
	if !ok || !resume.ClearPaused || !resume.ResetSlowRuns {
		t.Fatalf("expected resume clearing the marker, got %v", kinds(cmds))
	}
	for _, tag := range []domain.Tag{domain.TagHardPaused, domain.TagStalled, domain.TagPersistentlySlow} {
		if _, ok := findCommand(cmds, CommandRemoveTag, tag); !ok {
			t.Fatalf("expected %s cleared, got %v", tag, kinds(cmds))
		}
	}
	slow, _ := findCommand(cmds, CommandRemoveTag, domain.TagPersistentlySlow)
	if !slow.SyncOnly {
		t.Fatal("persistently_slow is only owned, the client call is not needed")
	}
}

func TestManualForceResumeUsesForceStart(t *testing.T) {
	cmds, err := ManualCommands(ManualForceResume, domain.Item{Hash: "h", State: domain.ItemStatePausedDL}, 0, vocab)
	if err != nil {
		t.Fatalf("manual commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Kind != CommandForceStart {
		t.Fatalf("expected a single force start, got %v", kinds(cmds))
	}
}

func TestManualPauseMarks(t *testing.T) {
	cmds, err := ManualCommands(ManualPause, domain.Item{Hash: "h", State: domain.ItemStateDownloading}, 0, vocab)
	if err != nil {
		t.Fatalf("manual commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Kind != CommandPause || !cmds[0].MarkPaused {
		t.Fatalf("expected marked pause, got %v", kinds(cmds))
	}
}

func TestManualUnknownAction(t *testing.T) {
	if _, err := ManualCommands("delete", domain.Item{Hash: "h"}, 0, vocab); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestCategoryCommand(t *testing.T) {
	item := domain.Item{Hash: "h", Name: "ubuntu.iso"}
	allowed := []string{"movies", "tv"}

	cases := []struct {
		name     string
		category string
		allowed  []string
		want     string
		wantErr  bool
	}{
		{name: "listed", category: " tv ", allowed: allowed, want: "tv"},
		{name: "clear", category: "", allowed: allowed, want: ""},
		{name: "unlisted", category: "music", allowed: allowed, wantErr: true},
		{name: "case matters", category: "Movies", allowed: allowed, wantErr: true},
		{name: "no list", category: "music", want: "music"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := CategoryCommand(item, tc.category, tc.allowed)
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownCategory) {
					t.Fatalf("expected ErrUnknownCategory, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("category command: %v", err)
			}
			if cmd.Kind != CommandSetCategory || cmd.Hash != "h" || cmd.Category != tc.want {
				t.Fatalf("unexpected command %+v", cmd)
			}
			if cmd.MarkPaused || cmd.ClearPaused {
				t.Fatal("a category change carries no pause bookkeeping")
			}
		})
	}
}
