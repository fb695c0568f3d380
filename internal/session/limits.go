package session

import "time"

// Limits are the key lifetime thresholds.
type Limits struct {
	// RekeyAfterTime is the key age after which we should rekey.
	RekeyAfterTime time.Duration

	// RejectAfterTime is the key age after which a key is unusable.
	RejectAfterTime time.Duration

	// RekeyAfterMessages is the number of sent messages after which we should rekey.
	RekeyAfterMessages uint64

	// RejectAfterMessages is the counter value after which a key is unusable.
	RejectAfterMessages uint64

	// RekeyAfterBytes is the traffic volume (sent plus received) after
	// which we should rekey. Zero disables the check.
	RekeyAfterBytes uint64

	// KeyOverlap is how long a superseded key stays valid for decryption.
	KeyOverlap time.Duration
}

// DefaultLimits returns the WireGuard limits.
func DefaultLimits() Limits {
	return Limits{
		RekeyAfterTime:      120 * time.Second,
		RejectAfterTime:     180 * time.Second,
		RekeyAfterMessages:  1 << 60,
		RejectAfterMessages: ^uint64(0) - (1 << 13),
		RekeyAfterBytes:     0,
		KeyOverlap:          3 * time.Minute,
	}
}
