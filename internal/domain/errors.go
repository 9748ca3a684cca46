package domain

import "errors"

var (
	// ErrBusy is returned when a driver is triggered while its previous run
	// is still in flight. Triggers are dropped, not queued.
	ErrBusy = errors.New("already running")
	// ErrGateHeld is returned when the external transfer lock is present.
	ErrGateHeld = errors.New("transfer lock held")
)
