// Package notifier fans tunnel status events out to subscribers.
//
// Each subscriber owns a bounded queue drained by its own goroutine, so a
// slow subscriber never delays the tunnel nor the other subscribers. When
// a queue is full the oldest event is dropped.
package notifier

import (
	"sync"
	"sync/atomic"

	"github.com/gamavpn/wgtunnel/internal/model"
)

var serviceName = "notifier"

// DefaultQueueSize is the queue size used when a subscriber asks for zero.
const DefaultQueueSize = 16

// Notifier publishes [model.StatusEvent] values. The zero value is
// invalid; use [New]. This struct is concurrency safe.
type Notifier struct {
	logger model.Logger

	mu      sync.Mutex
	current model.StatusEvent
	subs    map[*Subscription]struct{}
	closed  bool
}

// New creates a [Notifier] whose current event is initial.
func New(logger model.Logger, initial model.StatusEvent) *Notifier {
	return &Notifier{
		logger:  logger,
		current: initial,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Current returns the last published event.
func (n *Notifier) Current() model.StatusEvent {
	defer n.mu.Unlock()
	n.mu.Lock()
	return n.current
}

// Publish records ev as current and queues it for every subscriber.
// It never blocks.
func (n *Notifier) Publish(ev model.StatusEvent) {
	defer n.mu.Unlock()
	n.mu.Lock()
	if n.closed {
		return
	}
	n.current = ev
	for sub := range n.subs {
		sub.enqueue(ev)
	}
}

// Subscribe returns a subscription delivering events on a channel,
// starting with the current event.
func (n *Notifier) Subscribe(size int) *Subscription {
	sub := newSubscription(n, size)
	sub.out = make(chan model.StatusEvent)
	sub.deliver = func(ev model.StatusEvent) bool {
		select {
		case sub.out <- ev:
			return true
		case <-sub.done:
			return false
		}
	}
	n.add(sub)
	return sub
}

// SubscribeFunc returns a subscription calling fx for every event,
// starting with the current event. Calls happen in order on a dedicated
// goroutine.
func (n *Notifier) SubscribeFunc(size int, fx func(model.StatusEvent)) *Subscription {
	sub := newSubscription(n, size)
	sub.deliver = func(ev model.StatusEvent) bool {
		fx(ev)
		return true
	}
	n.add(sub)
	return sub
}

func (n *Notifier) add(sub *Subscription) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		sub.stop()
		go sub.loop()
		return
	}
	n.subs[sub] = struct{}{}
	sub.enqueue(n.current)
	n.mu.Unlock()
	go sub.loop()
}

func (n *Notifier) remove(sub *Subscription) {
	defer n.mu.Unlock()
	n.mu.Lock()
	delete(n.subs, sub)
}

// Close stops every subscription. Later publications are ignored.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := n.subs
	n.subs = make(map[*Subscription]struct{})
	n.mu.Unlock()
	for sub := range subs {
		sub.stop()
	}
}

// Subscription is one subscriber.
type Subscription struct {
	notifier *Notifier
	size     int
	deliver  func(ev model.StatusEvent) bool
	out      chan model.StatusEvent

	mu    sync.Mutex
	queue []model.StatusEvent

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
	dropped  atomic.Uint64
}

func newSubscription(n *Notifier, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Subscription{
		notifier: n,
		size:     size,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Events returns the event channel, closed once the subscription stops.
// It is nil for subscriptions created with [Notifier.SubscribeFunc].
func (s *Subscription) Events() <-chan model.StatusEvent {
	return s.out
}

// Dropped returns how many events were dropped because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *Subscription) Close() {
	s.notifier.remove(s)
	s.stop()
	<-s.finished
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// enqueue appends ev, dropping the oldest event when the queue is full.
func (s *Subscription) enqueue(ev model.StatusEvent) {
	s.mu.Lock()
	if len(s.queue) >= s.size {
		lost := s.queue[0]
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		s.notifier.logger.Warnf("%s: slow subscriber, dropped %s", serviceName, lost)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (model.StatusEvent, bool) {
	defer s.mu.Unlock()
	s.mu.Lock()
	if len(s.queue) == 0 {
		return model.StatusEvent{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

// loop delivers queued events in order until the subscription stops.
func (s *Subscription) loop() {
	defer close(s.finished)
	if s.out != nil {
		defer close(s.out)
	}
	for {
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			if !s.deliver(ev) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
