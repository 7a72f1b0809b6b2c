// Package session owns the order lifecycle: drafting, checkout, and the
// reconciliation of incoming payment receipts against the order balance.
//
// Exactly one Session is live per order id. All balance mutation happens
// under the session mutex, and receipts are fed through a single goroutine
// consuming the relay subscription, so application is serialized no matter
// what context the relay delivers events from.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lacrypta/checkout/internal/alerts"
	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/invoice"
	"github.com/lacrypta/checkout/internal/metrics"
	"github.com/lacrypta/checkout/internal/order"
	"github.com/lacrypta/checkout/internal/receipt"
	"github.com/lacrypta/checkout/internal/relay"
	"github.com/lacrypta/checkout/internal/traces"
)

var (
	// ErrOrderNotFound means the relay has no event with that id.
	ErrOrderNotFound = errors.New("session: order not found")
	// ErrNoActiveOrder means the session is still Idle.
	ErrNoActiveOrder = errors.New("session: no active order")
	// ErrEmptyOrder means checkout was attempted on a zero-amount draft.
	ErrEmptyOrder = errors.New("session: order amount is zero")
	// ErrOrderSettled means the pending balance is already zero or negative.
	ErrOrderSettled = errors.New("session: order settled, nothing to collect")

	// ErrSpoofedReceipt covers author mismatches and invalid signatures.
	// Security-relevant: callers must surface it, not swallow it.
	ErrSpoofedReceipt = errors.New("session: spoofed receipt")
	// ErrIncompleteReceipt means no decodable paid amount. Routine.
	ErrIncompleteReceipt = errors.New("session: incomplete receipt")
	// ErrDuplicateReceipt means the receipt was already applied. Routine.
	ErrDuplicateReceipt = errors.New("session: duplicate receipt")
)

// State of the reconciliation machine.
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateSubscribed
	StateSettled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateSubscribed:
		return "subscribed"
	case StateSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// AppliedReceipt records one receipt that changed the balance. The event id
// is the idempotence key: a receipt is applied at most once.
type AppliedReceipt struct {
	EventID    string    `json:"eventId"`
	Author     string    `json:"author"`
	AmountSats int64     `json:"amountSats"`
	AmountMsat int64     `json:"amountMsat"`
	Invoice    string    `json:"invoice"`
	AppliedAt  time.Time `json:"appliedAt"`
}

// Snapshot is a consistent read of the session for display.
type Snapshot struct {
	OrderID        string           `json:"orderId,omitempty"`
	State          string           `json:"state"`
	AmountSats     int64            `json:"amount"`
	PendingSats    int64            `json:"pendingAmount"`
	TotalPaidSats  int64            `json:"totalPaid"`
	FiatAmount     int64            `json:"fiatAmount"`
	FiatCurrency   string           `json:"fiatCurrency"`
	CurrentInvoice string           `json:"currentInvoice,omitempty"`
	Receipts       []AppliedReceipt `json:"receipts"`
}

// Config wires a session to its collaborators.
type Config struct {
	Relay   relay.Client
	Issuer  invoice.Issuer
	Signer  event.Signer
	Decoder receipt.Decoder

	// RecipientPubkey is who receipts must come from. Defaults to the
	// signer's own pubkey (self-custodial point of sale).
	RecipientPubkey string
	// RelayURLs are advertised in the order event's relays tag.
	RelayURLs []string

	FiatCurrency string
	SatRate      float64

	Logger *slog.Logger
	Alerts *alerts.Notifier
}

// Session is the reconciliation state machine for one order.
type Session struct {
	relay   relay.Client
	issuer  invoice.Issuer
	signer  event.Signer
	decoder receipt.Decoder

	recipient string
	relayURLs []string
	logger    *slog.Logger
	alerts    *alerts.Notifier
	satRate   float64

	mu    sync.Mutex
	state State
	draft order.Description

	orderID        string
	amountSats     int64
	pendingSats    int64
	totalPaidSats  int64
	fiatAmount     int64
	fiatCurrency   string
	accepted       []AppliedReceipt
	acceptedIDs    map[string]bool
	currentInvoice string

	sub      *relay.Subscription
	loopDone chan struct{}
}

// New creates an idle session.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FiatCurrency == "" {
		cfg.FiatCurrency = order.DefaultFiatCurrency
	}
	if cfg.SatRate <= 0 {
		cfg.SatRate = order.DefaultSatRate
	}
	recipient := cfg.RecipientPubkey
	if recipient == "" && cfg.Signer != nil {
		recipient = cfg.Signer.PublicKey()
	}
	return &Session{
		relay:        cfg.Relay,
		issuer:       cfg.Issuer,
		signer:       cfg.Signer,
		decoder:      cfg.Decoder,
		recipient:    recipient,
		relayURLs:    cfg.RelayURLs,
		logger:       cfg.Logger,
		alerts:       cfg.Alerts,
		satRate:      cfg.SatRate,
		state:        StateIdle,
		draft:        order.Description{FiatCurrency: cfg.FiatCurrency},
		fiatCurrency: cfg.FiatCurrency,
		acceptedIDs:  make(map[string]bool),
	}
}

// -----------------------------------------------------------------------------
// Draft mutators (pre-checkout)
// -----------------------------------------------------------------------------

// SetAmount fixes the sat amount directly, bypassing the fiat conversion.
func (s *Session) SetAmount(sats int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft.AmountSats = sats
}

// SetFiatAmount sets the fiat amount and derives the sat amount at the
// session's fixed rate.
func (s *Session) SetFiatAmount(fiat int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft.FiatAmount = fiat
	s.draft.AmountSats = order.AmountFromFiat(fiat, s.satRate)
}

// SetItems replaces the item list; the fiat total and sat amount are
// recomputed from the lines.
func (s *Session) SetItems(items []order.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft.Items = items
	s.draft.Memo = nil
	s.draft.FiatAmount = order.ComputeTotal(items)
	s.draft.AmountSats = order.AmountFromFiat(s.draft.FiatAmount, s.satRate)
}

// SetMemo sets opaque caller-supplied context on a memo-variant order.
func (s *Session) SetMemo(memo json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft.Memo = memo
	s.draft.Items = nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) OrderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orderID
}

func (s *Session) Amount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amountSats
}

func (s *Session) PendingAmount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingSats
}

func (s *Session) TotalPaid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalPaidSats
}

func (s *Session) FiatAmount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fiatAmount
}

func (s *Session) FiatCurrency() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fiatCurrency
}

func (s *Session) CurrentInvoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentInvoice
}

// AcceptedReceipts returns the receipts applied so far, in arrival order.
func (s *Session) AcceptedReceipts() []AppliedReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AppliedReceipt, len(s.accepted))
	copy(out, s.accepted)
	return out
}

// Status returns a consistent snapshot of the whole session.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	receipts := make([]AppliedReceipt, len(s.accepted))
	copy(receipts, s.accepted)
	return Snapshot{
		OrderID:        s.orderID,
		State:          s.state.String(),
		AmountSats:     s.amountSats,
		PendingSats:    s.pendingSats,
		TotalPaidSats:  s.totalPaidSats,
		FiatAmount:     s.fiatAmount,
		FiatCurrency:   s.fiatCurrency,
		CurrentInvoice: s.currentInvoice,
		Receipts:       receipts,
	}
}

// -----------------------------------------------------------------------------
// Checkout and order loading
// -----------------------------------------------------------------------------

// Checkout builds the order event from the draft, signs it, publishes it,
// and loads it as the active order. Returns the new order id.
func (s *Session) Checkout(ctx context.Context) (string, error) {
	s.mu.Lock()
	desc := s.draft
	recipient := s.recipient
	relays := s.relayURLs
	s.mu.Unlock()

	if desc.AmountSats <= 0 {
		return "", ErrEmptyOrder
	}

	ctx, span := traces.StartSpan(ctx, "session.Checkout",
		traces.AmountSats(desc.AmountSats))
	defer span.End()

	content, tags, err := order.Encode(desc, recipient, relays)
	if err != nil {
		return "", err
	}

	ev := event.BuildUnsigned(event.KindOrder, content, s.signer.PublicKey(), tags)
	if err := event.Sign(ev, s.signer); err != nil {
		return "", fmt.Errorf("session: sign order: %w", err)
	}

	if err := s.relay.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("session: publish order: %w", err)
	}
	metrics.OrdersCreatedTotal.Inc()

	s.logger.Info("order published",
		"order", ev.ID,
		"amount_sats", desc.AmountSats,
		"fiat", fmt.Sprintf("%s %d", desc.FiatCurrency, desc.FiatAmount),
	)

	if err := s.activate(ctx, ev, desc); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// SetOrder switches the session to the order with the given id. Any prior
// subscription is torn down first; accumulators reset to the new order's
// fresh amounts, so a late receipt for the old order can never touch the
// new balance.
func (s *Session) SetOrder(ctx context.Context, id string) error {
	ctx, span := traces.StartSpan(ctx, "session.SetOrder", traces.OrderID(id))
	defer span.End()

	ev, err := s.relay.Get(ctx, id)
	if err != nil {
		if errors.Is(err, relay.ErrEventNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("session: fetch order: %w", err)
	}
	span.SetAttributes(traces.EventKind(ev.Kind))
	if !event.Validate(ev) {
		// An order event we cannot authenticate is unusable.
		return order.ErrMalformedOrder
	}

	desc, err := order.Decode(ev)
	if err != nil {
		return err
	}
	return s.activate(ctx, ev, desc)
}

// activate makes ev the active order: prior subscription stopped and
// drained, balances reset, new subscription started.
func (s *Session) activate(ctx context.Context, ev *event.Event, desc order.Description) error {
	s.teardown()

	recipient := s.recipient
	if p, ok := ev.FirstTag(event.TagRecipient); ok && p != "" {
		recipient = p
	}

	sub, err := s.relay.Subscribe(ctx, relay.Filter{
		Kinds:      []int{event.KindPaymentReceipt},
		References: []string{ev.ID},
		Recipients: []string{recipient},
	})
	if err != nil {
		return fmt.Errorf("session: subscribe: %w", err)
	}

	done := make(chan struct{})

	s.mu.Lock()
	s.orderID = ev.ID
	s.recipient = recipient
	s.amountSats = desc.AmountSats
	s.pendingSats = desc.AmountSats
	s.totalPaidSats = 0
	s.fiatAmount = desc.FiatAmount
	s.fiatCurrency = desc.FiatCurrency
	s.accepted = nil
	s.acceptedIDs = make(map[string]bool)
	s.currentInvoice = ""
	s.sub = sub
	s.loopDone = done
	if desc.AmountSats <= 0 {
		s.state = StateSettled
	} else {
		s.state = StateSubscribed
	}
	s.mu.Unlock()

	s.logger.Info("subscribed for receipts", "order", ev.ID, "recipient", recipient)
	go s.receiptLoop(sub, done)
	return nil
}

// teardown stops the current subscription, if any, and waits for the
// receipt loop to drain. Idempotent; must not be called with the mutex
// held, since the loop takes the mutex to apply receipts.
func (s *Session) teardown() {
	s.mu.Lock()
	sub := s.sub
	done := s.loopDone
	s.sub = nil
	s.loopDone = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Stop()
	}
	if done != nil {
		<-done
	}
}

// Close releases the session's subscription. Safe to call repeatedly.
func (s *Session) Close() {
	s.teardown()
	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
}
