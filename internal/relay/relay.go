// Package relay provides access to the event network: fetching a signed
// event by id, publishing, and subscribing to a filtered stream of incoming
// events.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/lacrypta/checkout/internal/event"
)

var (
	ErrEventNotFound = errors.New("relay: event not found")
	ErrClosed        = errors.New("relay: connection closed")
)

// Filter selects which events a subscription receives. Empty slices match
// anything for that dimension.
type Filter struct {
	Kinds      []int    `json:"kinds,omitempty"`
	References []string `json:"references,omitempty"` // matched against the e tag
	Recipients []string `json:"recipients,omitempty"` // matched against the p tag
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *event.Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.References) > 0 {
		ref, ok := ev.FirstTag(event.TagReference)
		if !ok || !containsString(f.References, ref) {
			return false
		}
	}
	if len(f.Recipients) > 0 {
		rcpt, ok := ev.FirstTag(event.TagRecipient)
		if !ok || !containsString(f.Recipients, rcpt) {
			return false
		}
	}
	return true
}

// Subscription is a cancellable stream of incoming events. Delivery and
// shutdown both go through the subscription mutex, so stopping while a
// relay is mid-broadcast can never hit a closed channel.
type Subscription struct {
	id     string
	cancel func(*Subscription)

	mu     sync.Mutex
	closed bool
	events chan *event.Event
}

// Events returns the subscription's event stream. The channel is closed
// when the subscription stops.
func (s *Subscription) Events() <-chan *event.Event {
	return s.events
}

// deliver hands ev to the consumer. Returns false when the subscription is
// stopped or its buffer is full; it never blocks.
func (s *Subscription) deliver(ev *event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// Stop cancels the subscription. Safe to call more than once and after the
// relay has already shut down.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel(s)
	}
}

// Client is the network collaborator consumed by the reconciliation core.
type Client interface {
	// Get fetches a signed event by id, ErrEventNotFound when absent.
	Get(ctx context.Context, id string) (*event.Event, error)
	// Publish sends a signed event to the network.
	Publish(ctx context.Context, ev *event.Event) error
	// Subscribe opens a filtered stream of incoming events.
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
