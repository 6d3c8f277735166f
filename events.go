package chatsync

import (
	"sync"
	"time"
)

// EventKind identifies the payload carried by an Event.
type EventKind int

const (
	EventMessageReceived EventKind = iota + 1
	EventPresenceChanged
	EventConnectionStateChanged
	EventDegradedChanged
	EventRoomSubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventMessageReceived:
		return "messageReceived"
	case EventPresenceChanged:
		return "presenceChanged"
	case EventConnectionStateChanged:
		return "connectionStateChanged"
	case EventDegradedChanged:
		return "degradedChanged"
	case EventRoomSubscribed:
		return "roomSubscribed"
	}
	return "unknown"
}

// Event is one item of the connection's typed event stream. Generation
// identifies the connection handle that produced it. Session numbers the
// handle's connections and is set on Connected and RoomSubscribed events.
type Event struct {
	Kind       EventKind
	Generation uint64
	Session    uint64

	RoomID   string
	Message  Message
	TempID   string
	Presence PresenceEvent

	State    ConnectionState
	Degraded bool
	Attempt  int
	Delay    time.Duration
	Err      error
}

// Subscription receives events on C until Close. Publishers block while the
// buffer is full, so consumers must keep reading or close.
type Subscription struct {
	C <-chan Event

	c    chan Event
	done chan struct{}
	once sync.Once
	bus  *eventBus
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
}

type eventBus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[*Subscription]struct{})}
}

func (b *eventBus) subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	c := make(chan Event, buffer)
	s := &Subscription{C: c, c: c, done: make(chan struct{}), bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *eventBus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.c <- ev:
		case <-s.done:
		}
	}
}

// ============================================================================
// Watch
// ============================================================================

// Watch is a coalescing change signal. Each receive on C yields the
// generation of the source at the time of the latest change; bursts of
// changes collapse into one pending signal.
type Watch struct {
	C <-chan uint64

	c    chan uint64
	once sync.Once
	n    *notifier
}

// Close detaches the watch.
func (w *Watch) Close() {
	w.once.Do(func() { w.n.remove(w) })
}

type notifier struct {
	mu      sync.Mutex
	watches map[*Watch]struct{}
}

func newNotifier() *notifier {
	return &notifier{watches: make(map[*Watch]struct{})}
}

func (n *notifier) watch() *Watch {
	c := make(chan uint64, 1)
	w := &Watch{C: c, c: c, n: n}
	n.mu.Lock()
	n.watches[w] = struct{}{}
	n.mu.Unlock()
	return w
}

func (n *notifier) remove(w *Watch) {
	n.mu.Lock()
	delete(n.watches, w)
	n.mu.Unlock()
}

func (n *notifier) notify(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for w := range n.watches {
		select {
		case w.c <- gen:
			continue
		default:
		}
		// Replace the stale pending signal with the newer generation.
		select {
		case <-w.c:
		default:
		}
		select {
		case w.c <- gen:
		default:
		}
	}
}
