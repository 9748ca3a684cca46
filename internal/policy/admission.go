package policy

import (
	"math/rand/v2"
	"sort"
	"time"

	"qbit-optimizer/internal/domain"
)

type AdmissionConfig struct {
	MinActive           int
	MaxRecoveryAttempts int
	AutoUnpauseHours    int
	BoostThreshold      int64
	MaxForced           int
	MaxForcedGroup      int
	BoostOffPeakOnly    bool
}

func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MinActive:           10,
		MaxRecoveryAttempts: 2,
		AutoUnpauseHours:    4,
		BoostThreshold:      1024,
		MaxForced:           20,
		MaxForcedGroup:      5,
	}
}

// Admission enforces the global ceilings and floors on active items.
type Admission struct {
	cfg    AdmissionConfig
	th     Thresholds
	vocab  domain.Vocabulary
	rng    *rand.Rand
	leased func(hash string) bool
}

// NewAdmission builds the controller. leased reports items currently held by
// a pulse sweep and may be nil; rng may be nil for a randomly seeded source.
func NewAdmission(cfg AdmissionConfig, th Thresholds, vocab domain.Vocabulary, rng *rand.Rand, leased func(string) bool) *Admission {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if leased == nil {
		leased = func(string) bool { return false }
	}
	if vocab == nil {
		vocab = domain.DefaultVocabulary("")
	}
	return &Admission{cfg: cfg, th: th, vocab: vocab, rng: rng, leased: leased}
}

func (a *Admission) Config() AdmissionConfig { return a.cfg }

// EnsureMinimumActive resumes randomly chosen paused, incomplete items until
// the active count reaches MinActive. Hard-paused and unregistered items,
// items at the recovery ceiling and pulse-leased items are never chosen.
func (a *Admission) EnsureMinimumActive(items []domain.Item, policies map[string]domain.PolicyRecord) []Command {
	active := 0
	for _, item := range items {
		if IsActive(item) {
			active++
		}
	}
	shortfall := a.cfg.MinActive - active
	if shortfall <= 0 {
		return nil
	}

	var candidates []domain.Item
	for _, item := range items {
		if !IsPaused(item) || IsComplete(item) {
			continue
		}
		owned := policies[item.Hash].Tags
		if HasPolicyTag(item, owned, domain.TagHardPaused, a.vocab) || HasPolicyTag(item, owned, domain.TagUnregistered, a.vocab) {
			continue
		}
		if policies[item.Hash].RecoveryAttempts >= a.cfg.MaxRecoveryAttempts {
			continue
		}
		if a.leased(item.Hash) {
			continue
		}
		candidates = append(candidates, item)
	}

	a.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > shortfall {
		candidates = candidates[:shortfall]
	}

	cmds := make([]Command, 0, len(candidates))
	for _, item := range candidates {
		cmd := newCommand(CommandResume, item, "below minimum active")
		cmd.ClearPaused = true
		cmd.CountRecovery = true
		cmds = append(cmds, cmd)
	}
	return cmds
}

// ApplyBandwidthBoost force-starts seeded, idle paused items while aggregate
// throughput is under the threshold. At most min(headroom, MaxForcedGroup)
// items are chosen per call, most seeds first.
func (a *Admission) ApplyBandwidthBoost(items []domain.Item, stats domain.TransferStats, now time.Time) []Command {
	if stats.DownloadSpeed >= a.cfg.BoostThreshold {
		return nil
	}
	if a.cfg.BoostOffPeakOnly && !IsOffPeak(now, a.th) {
		return nil
	}

	forced := 0
	for _, item := range items {
		if item.Forced {
			forced++
		}
	}
	limit := a.cfg.MaxForced - forced
	if limit <= 0 {
		return nil
	}
	if a.cfg.MaxForcedGroup < limit {
		limit = a.cfg.MaxForcedGroup
	}
	if limit <= 0 {
		return nil
	}

	var candidates []domain.Item
	for _, item := range items {
		if IsPaused(item) && item.Speed == 0 && item.Seeds > 0 && !item.Forced {
			candidates = append(candidates, item)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Seeds > candidates[j].Seeds
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	cmds := make([]Command, 0, len(candidates))
	for _, item := range candidates {
		cmd := newCommand(CommandForceStart, item, "bandwidth boost")
		cmd.ClearPaused = true
		cmds = append(cmds, cmd)
	}
	return cmds
}

// AutoUnpauseLongPaused resumes items whose pause marker is older than the
// configured hours. Hard-paused and pulse-leased items are skipped, as are
// markers for items no longer listed.
func (a *Admission) AutoUnpauseLongPaused(markers []domain.PausedMarker, live map[string]domain.Item, policies map[string]domain.PolicyRecord) []Command {
	var cmds []Command
	for _, m := range markers {
		item, ok := live[m.Hash]
		if !ok {
			continue
		}
		owned := policies[m.Hash].Tags
		if HasPolicyTag(item, owned, domain.TagHardPaused, a.vocab) {
			continue
		}
		if a.leased(m.Hash) {
			continue
		}
		resume := newCommand(CommandResume, item, "paused too long")
		resume.ClearPaused = true
		cmds = append(cmds, resume)
		cmds = append(cmds, ClearTag(item, owned, domain.TagStalled, a.vocab)...)
		cmds = append(cmds, ClearTag(item, owned, domain.TagPersistentlySlow, a.vocab)...)
	}
	return cmds
}

// AutoUnpauseCutoff is the marker age boundary for now.
func (a *Admission) AutoUnpauseCutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(a.cfg.AutoUnpauseHours) * time.Hour)
}

// PlanRecheck lists paused, complete items smallest first when now falls in
// the recheck window.
func PlanRecheck(items []domain.Item, now time.Time, th Thresholds) []domain.Item {
	if !th.RecheckWindow.Contains(now.Hour()) {
		return nil
	}
	var out []domain.Item
	for _, item := range items {
		if IsPaused(item) && IsComplete(item) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out
}

// RecheckCommands issues one recheck per planned item, keeping the order.
func RecheckCommands(items []domain.Item) []Command {
	cmds := make([]Command, 0, len(items))
	for _, item := range items {
		cmds = append(cmds, newCommand(CommandRecheck, item, "recheck window"))
	}
	return cmds
}

// PlanRecheckResume resumes the rechecked items that are still paused and
// complete in the refreshed listing.
func PlanRecheckResume(rechecked []domain.Item, refreshed []domain.Item) []Command {
	wanted := make(map[string]struct{}, len(rechecked))
	for _, item := range rechecked {
		wanted[item.Hash] = struct{}{}
	}
	var cmds []Command
	for _, item := range refreshed {
		if _, ok := wanted[item.Hash]; !ok {
			continue
		}
		if IsPaused(item) && IsComplete(item) {
			cmd := newCommand(CommandResume, item, "complete after recheck")
			cmd.ClearPaused = true
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}
