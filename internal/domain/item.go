package domain

import (
	"strings"
	"time"
)

// ItemState is the lifecycle state reported by the download client. The
// values are owned by the client; the constants below are the ones the
// policies look at.
type ItemState string

const (
	ItemStateDownloading ItemState = "downloading"
	ItemStateForcedDL    ItemState = "forcedDL"
	ItemStateStalledDL   ItemState = "stalledDL"
	ItemStateMetaDL      ItemState = "metaDL"
	ItemStateQueuedDL    ItemState = "queuedDL"
	ItemStatePausedDL    ItemState = "pausedDL"
	ItemStatePausedUP    ItemState = "pausedUP"
	ItemStateStoppedDL   ItemState = "stoppedDL"
	ItemStateStoppedUP   ItemState = "stoppedUP"
	ItemStateUploading   ItemState = "uploading"

	// ItemStateRemoved is written by the store when an item disappears from
	// the live listing. The client never reports it.
	ItemStateRemoved ItemState = "removed"
)

// Item is one download as observed in the client's live listing.
type Item struct {
	Hash       string
	Name       string
	State      ItemState
	Speed      int64
	Progress   float64
	ETA        int64
	Seeds      int64
	Size       int64
	AddedAt    time.Time
	Forced     bool
	Sequential bool
	Category   string
	Tags       []string
}

// HasTag reports whether the live tag set contains label.
func (i Item) HasTag(label string) bool {
	for _, t := range i.Tags {
		if strings.EqualFold(strings.TrimSpace(t), label) {
			return true
		}
	}
	return false
}

// Age returns how long the item has been in the client.
func (i Item) Age(now time.Time) time.Duration {
	if i.AddedAt.IsZero() {
		return 0
	}
	return now.Sub(i.AddedAt)
}

// TransferStats carries the client's aggregate throughput.
type TransferStats struct {
	DownloadSpeed int64
	UploadSpeed   int64
}

type TrackerStatus int

const (
	TrackerStatusDisabled     TrackerStatus = 0
	TrackerStatusNotContacted TrackerStatus = 1
	TrackerStatusWorking      TrackerStatus = 2
	TrackerStatusUpdating     TrackerStatus = 3
	TrackerStatusNotWorking   TrackerStatus = 4
)

// Tracker is one announce endpoint of an item.
type Tracker struct {
	URL     string
	Status  TrackerStatus
	Message string
}

// IsPseudo reports whether the entry is one of the client's DHT/PeX/LSD
// placeholders rather than a real announce URL.
func (t Tracker) IsPseudo() bool {
	return strings.HasPrefix(t.URL, "** [")
}
