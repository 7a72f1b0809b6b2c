package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/idgen"
)

// subscriptionBuffer is the per-subscription channel depth. Events beyond a
// full buffer are dropped rather than blocking the publisher.
const subscriptionBuffer = 64

// MemoryRelay is an in-process relay for demo mode and tests. Published
// events are retained by id and broadcast to matching subscriptions.
type MemoryRelay struct {
	mu     sync.RWMutex
	events map[string]*event.Event
	subs   map[*Subscription]Filter
	logger *slog.Logger
}

// NewMemoryRelay creates an empty in-process relay.
func NewMemoryRelay(logger *slog.Logger) *MemoryRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryRelay{
		events: make(map[string]*event.Event),
		subs:   make(map[*Subscription]Filter),
		logger: logger,
	}
}

func (m *MemoryRelay) Get(_ context.Context, id string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryRelay) Publish(_ context.Context, ev *event.Event) error {
	cp := *ev

	m.mu.Lock()
	m.events[cp.ID] = &cp
	targets := make([]*Subscription, 0, len(m.subs))
	for sub, f := range m.subs {
		if f.Matches(&cp) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if !sub.deliver(&cp) {
			m.logger.Warn("subscription stopped or full, dropping event",
				"sub", sub.id, "event", cp.ID)
		}
	}
	return nil
}

func (m *MemoryRelay) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	sub := &Subscription{
		id:     idgen.WithPrefix("sub_"),
		events: make(chan *event.Event, subscriptionBuffer),
		cancel: m.unsubscribe,
	}
	m.mu.Lock()
	m.subs[sub] = f
	m.mu.Unlock()
	return sub, nil
}

func (m *MemoryRelay) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

// SubscriberCount reports the number of live subscriptions. Used by health
// checks and tests.
func (m *MemoryRelay) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
