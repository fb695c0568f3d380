package model

import (
	"fmt"
	"time"
)

// StatusEvent is emitted on every status transition.
type StatusEvent struct {
	// Status is the new status.
	Status TunnelStatus

	// Reason is set when Status is [StatusError].
	Reason error

	// At is when the transition happened.
	At time.Time
}

// String implements fmt.Stringer.
func (ev StatusEvent) String() string {
	if ev.Reason != nil {
		return fmt.Sprintf("%s (%s)", ev.Status, ev.Reason)
	}
	return ev.Status.String()
}
