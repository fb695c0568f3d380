package notifier

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gamavpn/wgtunnel/internal/model"
	"github.com/google/go-cmp/cmp"
)

func event(status model.TunnelStatus) model.StatusEvent {
	return model.StatusEvent{Status: status}
}

func statuses(events []model.StatusEvent) []model.TunnelStatus {
	var out []model.TunnelStatus
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func receive(t *testing.T, sub *Subscription, count int) []model.StatusEvent {
	t.Helper()
	var out []model.StatusEvent
	for len(out) < count {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d events", len(out))
		}
	}
	return out
}

func TestSubscribeOrdering(t *testing.T) {
	n := New(model.NewTestLogger(), event(model.StatusDisconnected))
	sub := n.Subscribe(0)
	defer sub.Close()

	n.Publish(event(model.StatusConnecting))
	n.Publish(event(model.StatusHandshaking))
	n.Publish(event(model.StatusConnected))

	want := []model.TunnelStatus{
		model.StatusDisconnected,
		model.StatusConnecting,
		model.StatusHandshaking,
		model.StatusConnected,
	}
	if diff := cmp.Diff(want, statuses(receive(t, sub, 4))); diff != "" {
		t.Fatal(diff)
	}
}

func TestSubscribeStartsWithCurrent(t *testing.T) {
	reason := errors.New("mocked error")
	n := New(model.NewTestLogger(), event(model.StatusDisconnected))
	n.Publish(model.StatusEvent{Status: model.StatusError, Reason: reason})

	sub := n.Subscribe(4)
	defer sub.Close()
	got := receive(t, sub, 1)[0]
	if got.Status != model.StatusError || !errors.Is(got.Reason, reason) {
		t.Fatal("unexpected first event", got)
	}
	if n.Current().Status != model.StatusError {
		t.Fatal("unexpected current status")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	logger := model.NewTestLogger()
	n := New(logger, event(model.StatusDisconnected))

	started := make(chan struct{})
	gate := make(chan struct{})
	got := make(chan model.TunnelStatus, 16)
	first := true
	sub := n.SubscribeFunc(2, func(ev model.StatusEvent) {
		if first {
			first = false
			close(started)
			<-gate
		}
		got <- ev.Status
	})
	<-started

	// the subscriber is stuck on the initial event
	for _, st := range []model.TunnelStatus{
		model.StatusConnecting,
		model.StatusHandshaking,
		model.StatusConnected,
		model.StatusReconnecting,
	} {
		n.Publish(event(st))
	}
	if sub.Dropped() != 2 {
		t.Fatal("expected two dropped events, got", sub.Dropped())
	}
	close(gate)

	var delivered []model.TunnelStatus
	for len(delivered) < 3 {
		select {
		case st := <-got:
			delivered = append(delivered, st)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
	want := []model.TunnelStatus{
		model.StatusDisconnected,
		model.StatusConnected,
		model.StatusReconnecting,
	}
	if diff := cmp.Diff(want, delivered); diff != "" {
		t.Fatal(diff)
	}
	sub.Close()

	var warnings int
	for _, line := range logger.Snapshot() {
		if strings.Contains(line, "slow subscriber") {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatal("expected a warning per dropped event, got", warnings)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	n := New(model.NewTestLogger(), event(model.StatusDisconnected))
	sub := n.Subscribe(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			n.Publish(event(model.StatusConnected))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a subscriber nobody reads")
	}
}

func TestClose(t *testing.T) {
	n := New(model.NewTestLogger(), event(model.StatusDisconnected))
	sub := n.Subscribe(4)
	receive(t, sub, 1)

	n.Close()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected a closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
	sub.Close()

	// publishing after close is a no-op
	n.Publish(event(model.StatusConnected))
	late := n.Subscribe(4)
	if _, ok := <-late.Events(); ok {
		t.Fatal("a subscription after close must be closed")
	}
}
