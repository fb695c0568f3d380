package model

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DropReason classifies a dropped packet.
type DropReason int

const (
	// DropReplay is a transport packet with a replayed or stale counter.
	DropReplay = DropReason(iota)

	// DropAuth is a transport packet that failed authentication.
	DropAuth

	// DropAllowedIPs is a packet outside the allowed-IP ranges.
	DropAllowedIPs

	// DropNoKeys is an outbound packet while no session keys are usable.
	DropNoKeys

	// DropMalformed is a datagram or IP packet we could not parse.
	DropMalformed

	// DropQueueFull is a packet dropped because a queue was full.
	DropQueueFull

	// dropReasons is the number of reasons.
	dropReasons
)

var _ fmt.Stringer = DropReplay

// String implements fmt.Stringer.
func (r DropReason) String() string {
	switch r {
	case DropReplay:
		return "replay"
	case DropAuth:
		return "auth"
	case DropAllowedIPs:
		return "allowed_ips"
	case DropNoKeys:
		return "no_keys"
	case DropMalformed:
		return "malformed"
	case DropQueueFull:
		return "queue_full"
	default:
		return "unknown"
	}
}

// DropReasons returns all the drop reasons, in order.
func DropReasons() []DropReason {
	out := make([]DropReason, 0, dropReasons)
	for r := DropReason(0); r < dropReasons; r++ {
		out = append(out, r)
	}
	return out
}

// PeerState tracks liveness and traffic counters for the peer. Every
// field is atomic: the tunnel worker writes, while status readers and
// metrics collectors read concurrently. The zero value is ready to use.
type PeerState struct {
	lastHandshake atomic.Int64
	lastReceived  atomic.Int64
	lastSent      atomic.Int64
	txBytes       atomic.Uint64
	rxBytes       atomic.Uint64
	txPackets     atomic.Uint64
	rxPackets     atomic.Uint64
	handshakes    atomic.Uint64
	dropped       [dropReasons]atomic.Uint64
}

func loadTime(v *atomic.Int64) time.Time {
	ns := v.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// OnHandshake records a completed handshake.
func (ps *PeerState) OnHandshake(t time.Time) {
	ps.lastHandshake.Store(t.UnixNano())
	ps.handshakes.Add(1)
}

// OnReceived records an authenticated inbound packet of n bytes.
func (ps *PeerState) OnReceived(t time.Time, n int) {
	ps.lastReceived.Store(t.UnixNano())
	ps.rxBytes.Add(uint64(n))
	ps.rxPackets.Add(1)
}

// OnSent records an outbound packet of n bytes.
func (ps *PeerState) OnSent(t time.Time, n int) {
	ps.lastSent.Store(t.UnixNano())
	ps.txBytes.Add(uint64(n))
	ps.txPackets.Add(1)
}

// OnDropped counts a dropped packet.
func (ps *PeerState) OnDropped(reason DropReason) {
	if reason < 0 || reason >= dropReasons {
		return
	}
	ps.dropped[reason].Add(1)
}

// LastHandshake returns the time of the last completed handshake.
func (ps *PeerState) LastHandshake() time.Time {
	return loadTime(&ps.lastHandshake)
}

// LastReceived returns the time of the last authenticated inbound packet.
func (ps *PeerState) LastReceived() time.Time {
	return loadTime(&ps.lastReceived)
}

// LastSent returns the time of the last outbound packet.
func (ps *PeerState) LastSent() time.Time {
	return loadTime(&ps.lastSent)
}

// Dropped returns the number of packets dropped for the given reason.
func (ps *PeerState) Dropped(reason DropReason) uint64 {
	if reason < 0 || reason >= dropReasons {
		return 0
	}
	return ps.dropped[reason].Load()
}

// IsAlive returns whether we heard from the peer within the given window.
func (ps *PeerState) IsAlive(now time.Time, window time.Duration) bool {
	last := ps.LastReceived()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < window
}

// PeerStats is a point-in-time copy of [PeerState].
type PeerStats struct {
	LastHandshake time.Time
	LastReceived  time.Time
	LastSent      time.Time
	TxBytes       uint64
	RxBytes       uint64
	TxPackets     uint64
	RxPackets     uint64
	Handshakes    uint64
	Dropped       map[DropReason]uint64
}

// TotalDropped sums the dropped packets over every reason.
func (st PeerStats) TotalDropped() uint64 {
	var total uint64
	for _, v := range st.Dropped {
		total += v
	}
	return total
}

// Stats returns a snapshot of the counters.
func (ps *PeerState) Stats() PeerStats {
	st := PeerStats{
		LastHandshake: ps.LastHandshake(),
		LastReceived:  ps.LastReceived(),
		LastSent:      ps.LastSent(),
		TxBytes:       ps.txBytes.Load(),
		RxBytes:       ps.rxBytes.Load(),
		TxPackets:     ps.txPackets.Load(),
		RxPackets:     ps.rxPackets.Load(),
		Handshakes:    ps.handshakes.Load(),
		Dropped:       make(map[DropReason]uint64),
	}
	for _, r := range DropReasons() {
		st.Dropped[r] = ps.Dropped(r)
	}
	return st
}
