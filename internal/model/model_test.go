package model

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTunnelStatus_String(t *testing.T) {
	tests := []struct {
		status TunnelStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusHandshaking, "handshaking"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusDisconnecting, "disconnecting"},
		{StatusError, "error"},
		{TunnelStatus(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTunnelStatus_IsActive(t *testing.T) {
	active := map[TunnelStatus]bool{
		StatusDisconnected:  false,
		StatusConnecting:    true,
		StatusHandshaking:   true,
		StatusConnected:     true,
		StatusReconnecting:  true,
		StatusDisconnecting: false,
		StatusError:         false,
	}
	for status, want := range active {
		if got := status.IsActive(); got != want {
			t.Errorf("%s: IsActive() = %v, want %v", status, got, want)
		}
	}
}

func TestMessageType_String(t *testing.T) {
	if got := MessageType(9).String(); got != "unknown(9)" {
		t.Fatal("unexpected string", got)
	}
	if got := MessageCookieReply.String(); got != "cookie_reply" {
		t.Fatal("unexpected string", got)
	}
}

func TestPeerState(t *testing.T) {
	ps := &PeerState{}
	now := time.Unix(1700000000, 0)

	if ps.IsAlive(now, time.Minute) {
		t.Fatal("a fresh peer cannot be alive")
	}

	ps.OnHandshake(now)
	ps.OnSent(now, 100)
	ps.OnReceived(now.Add(time.Second), 60)
	ps.OnReceived(now.Add(2*time.Second), 40)
	ps.OnDropped(DropReplay)
	ps.OnDropped(DropAllowedIPs)
	ps.OnDropped(DropAllowedIPs)
	ps.OnDropped(DropReason(-1))

	st := ps.Stats()
	want := PeerStats{
		LastHandshake: now,
		LastReceived:  now.Add(2 * time.Second),
		LastSent:      now,
		TxBytes:       100,
		RxBytes:       100,
		TxPackets:     1,
		RxPackets:     2,
		Handshakes:    1,
		Dropped: map[DropReason]uint64{
			DropReplay:     1,
			DropAuth:       0,
			DropAllowedIPs: 2,
			DropNoKeys:     0,
			DropMalformed:  0,
			DropQueueFull:  0,
		},
	}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Fatal(diff)
	}
	if st.TotalDropped() != 3 {
		t.Fatal("unexpected total dropped", st.TotalDropped())
	}
	if !ps.IsAlive(now.Add(10*time.Second), 30*time.Second) {
		t.Fatal("expected peer to be alive")
	}
	if ps.IsAlive(now.Add(40*time.Second), 30*time.Second) {
		t.Fatal("expected peer to be dead")
	}
}

func TestTestLogger(t *testing.T) {
	logger := NewTestLogger()
	logger.Infof("hello %d", 1)
	logger.Error("boom")
	if diff := cmp.Diff([]string{"hello 1", "boom"}, logger.Snapshot()); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff([]string{"boom"}, logger.Errors()); diff != "" {
		t.Fatal(diff)
	}
}
