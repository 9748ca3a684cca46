// Package policy holds the optimizer's decision logic. Every function here is
// free of I/O: callers pass the observed items, the stored bookkeeping and the
// thresholds, and get back the commands to issue.
package policy

import (
	"time"

	"qbit-optimizer/internal/domain"
)

// HourWindow is a [Start, End) range of local hours. Start > End wraps past
// midnight; Start == End is empty.
type HourWindow struct {
	Start int
	End   int
}

func (w HourWindow) Contains(hour int) bool {
	switch {
	case w.Start == w.End:
		return false
	case w.Start < w.End:
		return hour >= w.Start && hour < w.End
	default:
		return hour >= w.Start || hour < w.End
	}
}

// Thresholds is the immutable tuning passed to every predicate.
type Thresholds struct {
	StallThreshold      time.Duration
	DLTimeOverride      time.Duration
	SlowSpeed           int64
	SlowRunsLimit       int
	HighPrioritySpeed   int64
	HighPriorityPercent float64
	SmallMaxSize        int64
	NearCompleteRatio   float64
	HighSeedThreshold   int64
	SmartTopScore       float64
	SmartBottomScore    float64
	RecheckWindow       HourWindow
	OffPeak             HourWindow
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StallThreshold:      300 * time.Second,
		DLTimeOverride:      14400 * time.Second,
		SlowSpeed:           524288,
		SlowRunsLimit:       2,
		HighPrioritySpeed:   102400,
		HighPriorityPercent: 95,
		SmallMaxSize:        524288000,
		NearCompleteRatio:   0.90,
		HighSeedThreshold:   50,
		SmartTopScore:       5,
		SmartBottomScore:    0,
		RecheckWindow:       HourWindow{Start: 0, End: 5},
		OffPeak:             HourWindow{Start: 1, End: 7},
	}
}

// IsUnconnected is the single definition of a dead item: no speed, no seeds
// and no estimate.
func IsUnconnected(item domain.Item) bool {
	return item.Speed == 0 && item.Seeds == 0 && item.ETA == 0
}

func IsHighPriority(item domain.Item, th Thresholds) bool {
	if item.Forced || item.Sequential {
		return true
	}
	if item.Progress*100 >= th.HighPriorityPercent {
		return true
	}
	if item.Speed > th.HighPrioritySpeed {
		return true
	}
	override := int64(th.DLTimeOverride / time.Second)
	return item.ETA > 0 && item.ETA < override
}

// SmartScore grows two points per day of age and loses one per ten seeds.
func SmartScore(item domain.Item, now time.Time) float64 {
	ageDays := item.Age(now).Hours() / 24
	return ageDays*2 - float64(item.Seeds)/10
}

type PriorityAdvice int

const (
	PriorityNone PriorityAdvice = iota
	PriorityTop
	PriorityBottom
)

func SmartPriority(item domain.Item, now time.Time, th Thresholds) PriorityAdvice {
	score := SmartScore(item, now)
	switch {
	case score > th.SmartTopScore:
		return PriorityTop
	case score < th.SmartBottomScore:
		return PriorityBottom
	default:
		return PriorityNone
	}
}

func IsSmall(item domain.Item, th Thresholds) bool {
	return item.Size > 0 && item.Size < th.SmallMaxSize
}

func IsNearComplete(item domain.Item, th Thresholds) bool {
	ratio := th.NearCompleteRatio
	if ratio <= 0 {
		ratio = 0.90
	}
	return item.Progress >= ratio
}

func IsOffPeak(now time.Time, th Thresholds) bool {
	return th.OffPeak.Contains(now.Hour())
}

func IsHighSeed(item domain.Item, th Thresholds) bool {
	return th.HighSeedThreshold > 0 && item.Seeds >= th.HighSeedThreshold
}

func IsPaused(item domain.Item) bool {
	switch item.State {
	case domain.ItemStatePausedDL, domain.ItemStatePausedUP, domain.ItemStateStoppedDL, domain.ItemStateStoppedUP:
		return true
	}
	return false
}

// IsActive counts towards the minimum-active floor.
func IsActive(item domain.Item) bool {
	return item.State == domain.ItemStateDownloading || item.State == domain.ItemStateForcedDL
}

// IsDownloading is the slow-run tracking state.
func IsDownloading(item domain.Item) bool {
	return item.State == domain.ItemStateDownloading || item.State == domain.ItemStateStalledDL
}

func IsComplete(item domain.Item) bool {
	return item.Progress >= 1
}
