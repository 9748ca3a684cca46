package domain

import "time"

// SnapshotRecord mirrors the last observed state of an item.
type SnapshotRecord struct {
	Hash        string
	Name        string
	State       ItemState
	Speed       int64
	Progress    float64
	ETA         int64
	Seeds       int64
	Size        int64
	AddedAt     time.Time
	LastUpdated time.Time
	Policy      PolicyRecord
}

// PolicyRecord is the optimizer's own bookkeeping for an item, kept apart
// from the transient snapshot fields.
type PolicyRecord struct {
	Hash             string
	SlowRuns         int
	RecoveryAttempts int
	Tags             TagSet
	LastProgress     float64
	UpdatedAt        time.Time
}

// HistorySample is one append-only observation of an item.
type HistorySample struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"hash"`
	Name      string    `json:"name"`
	State     ItemState `json:"state"`
	Speed     int64     `json:"dlspeed"`
	Progress  float64   `json:"progress"`
	ETA       int64     `json:"eta"`
	Seeds     int64     `json:"num_seeds"`
	Timestamp time.Time `json:"timestamp"`
}

// PausedMarker records when the optimizer paused an item.
type PausedMarker struct {
	Hash     string
	Name     string
	PausedAt time.Time
}
