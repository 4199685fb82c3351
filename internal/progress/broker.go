package progress

import (
	"log/slog"
	"sync"
)

// Notifier receives pipeline events. Publish must not block.
type Notifier interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Notifier.
func (Nop) Publish(Event) {}

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Broker fans events out to subscribers of the event's case. A subscriber
// whose queue is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	logger *slog.Logger
}

type subscription struct {
	ch     chan Event
	closed bool
}

// NewBroker creates an empty Broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{subs: make(map[string]map[*subscription]struct{}), logger: logger}
}

// Publish implements Notifier.
func (b *Broker) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs[ev.CaseID] {
		select {
		case s.ch <- ev:
		default:
			b.logger.Debug("progress event dropped", "case_id", ev.CaseID, "document_id", ev.DocumentID, "type", ev.Type)
		}
	}
}

// Subscribe registers for events of caseID. The returned cancel func
// unregisters and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(caseID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.subs[caseID] == nil {
		b.subs[caseID] = make(map[*subscription]struct{})
	}
	b.subs[caseID][s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs[caseID], s)
		if len(b.subs[caseID]) == 0 {
			delete(b.subs, caseID)
		}
		close(s.ch)
	}
	return s.ch, cancel
}

// Subscribers returns the number of subscribers of caseID.
func (b *Broker) Subscribers(caseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[caseID])
}

// Recorder keeps every published event. Useful for tests and the CLI.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Notifier.
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Multi publishes to several notifiers in order.
type Multi []Notifier

// Publish implements Notifier.
func (m Multi) Publish(ev Event) {
	for _, n := range m {
		n.Publish(ev)
	}
}
