package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/metrics"
	"github.com/lacrypta/checkout/internal/receipt"
	"github.com/lacrypta/checkout/internal/relay"
	"github.com/lacrypta/checkout/internal/traces"
)

// invoiceRefreshTimeout bounds the issuer call made after a balance change.
const invoiceRefreshTimeout = 15 * time.Second

// receiptLoop is the single consumer of the subscription. It exits when the
// subscription stops and its channel closes.
func (s *Session) receiptLoop(sub *relay.Subscription, done chan struct{}) {
	defer close(done)

	for ev := range sub.Events() {
		s.handleReceipt(ev)
	}
}

// handleReceipt applies one receipt and routes the outcome: spoofing goes
// to the operator alert path, routine rejections stay at debug level.
func (s *Session) handleReceipt(ev *event.Event) {
	err := s.ApplyReceipt(ev)
	switch {
	case err == nil:
		pending := s.PendingAmount()
		s.logger.Info("receipt applied",
			"order", s.OrderID(),
			"receipt", ev.ID,
			"pending_sats", pending,
		)
		if pending > 0 {
			s.refreshInvoice()
		}

	case errors.Is(err, ErrSpoofedReceipt):
		metrics.ReceiptRejectionsTotal.WithLabelValues(metrics.ReasonSpoofed).Inc()
		s.logger.Warn("spoofed receipt rejected",
			"order", s.OrderID(),
			"receipt", ev.ID,
			"author", ev.Pubkey,
			"error", err,
		)
		s.alerts.SpoofedReceipt(s.OrderID(), ev.ID, ev.Pubkey, err.Error())

	case errors.Is(err, ErrIncompleteReceipt):
		metrics.ReceiptRejectionsTotal.WithLabelValues(metrics.ReasonIncomplete).Inc()
		s.logger.Debug("incomplete receipt dropped", "receipt", ev.ID)

	case errors.Is(err, ErrDuplicateReceipt):
		metrics.ReceiptRejectionsTotal.WithLabelValues(metrics.ReasonDuplicate).Inc()
		s.logger.Debug("duplicate receipt dropped", "receipt", ev.ID)

	default:
		s.logger.Error("receipt handling failed", "receipt", ev.ID, "error", err)
	}
}

// ApplyReceipt validates one receipt event against the active order and, if
// it passes, applies its paid amount exactly once. After every successful
// apply, pendingAmount = amount − Σ applied receipt amounts; overpayment
// drives pending negative and is recorded, never clamped.
func (s *Session) ApplyReceipt(ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.orderID == "" {
		return ErrNoActiveOrder
	}

	// Steps 1-2 guard against spoofed receipts from unrelated identities.
	if ev.Pubkey != s.recipient {
		return fmt.Errorf("%w: author %s is not the order recipient", ErrSpoofedReceipt, ev.Pubkey)
	}
	if !event.Validate(ev) {
		return fmt.Errorf("%w: signature verification failed", ErrSpoofedReceipt)
	}

	info := receipt.Parse(ev, s.decoder)
	if !info.Complete {
		return ErrIncompleteReceipt
	}

	if s.acceptedIDs[ev.ID] {
		return ErrDuplicateReceipt
	}

	paidSats := info.AmountMsat / 1000
	s.totalPaidSats += paidSats
	s.pendingSats -= paidSats
	s.acceptedIDs[ev.ID] = true
	s.accepted = append(s.accepted, AppliedReceipt{
		EventID:    ev.ID,
		Author:     ev.Pubkey,
		AmountSats: paidSats,
		AmountMsat: info.AmountMsat,
		Invoice:    info.InvoiceRef,
		AppliedAt:  time.Now(),
	})

	if s.pendingSats <= 0 && s.state != StateSettled {
		s.state = StateSettled
		metrics.SettledOrdersTotal.Inc()
	}

	metrics.ReceiptsAppliedTotal.Inc()
	return nil
}

// -----------------------------------------------------------------------------
// Invoice orchestration
// -----------------------------------------------------------------------------

// RequestInvoice builds and signs a payment-request event for the given
// amount, submits it to the issuing service, and returns the redeemable
// string unchanged. amountMsat ≤ 0 means "the whole pending balance". A
// settled order suppresses issuance.
func (s *Session) RequestInvoice(ctx context.Context, amountMsat int64) (string, error) {
	s.mu.Lock()
	orderID := s.orderID
	recipient := s.recipient
	pending := s.pendingSats
	s.mu.Unlock()

	if orderID == "" {
		return "", ErrNoActiveOrder
	}
	// A settled order issues nothing, even for an explicit amount.
	if pending <= 0 {
		return "", ErrOrderSettled
	}
	if amountMsat <= 0 {
		amountMsat = pending * 1000
	}

	ctx, span := traces.StartSpan(ctx, "session.RequestInvoice",
		traces.OrderID(orderID), traces.AmountMsat(amountMsat),
		traces.Recipient(recipient))
	defer span.End()

	req := event.BuildUnsigned(
		event.KindPaymentRequest,
		fmt.Sprintf("Payment request for order %s", orderID),
		s.signer.PublicKey(),
		[][]string{
			append([]string{event.TagRelays}, s.relayURLs...),
			{event.TagRecipient, recipient},
			{event.TagReference, orderID},
			{"amount", fmt.Sprintf("%d", amountMsat)},
		},
	)
	if err := event.Sign(req, s.signer); err != nil {
		return "", fmt.Errorf("session: sign payment request: %w", err)
	}

	redeemable, err := s.issuer.RequestInvoice(ctx, amountMsat, req)
	if err != nil {
		metrics.InvoicesIssuedTotal.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.InvoicesIssuedTotal.WithLabelValues("ok").Inc()

	s.mu.Lock()
	// Only the most recent invoice is "current"; earlier ones stay payable
	// at the issuer's discretion.
	if s.orderID == orderID {
		s.currentInvoice = redeemable
	}
	s.mu.Unlock()

	return redeemable, nil
}

// refreshInvoice re-issues an invoice for the remaining balance after a
// receipt lands. Failures are logged, not propagated: the next balance
// change or an explicit request will try again.
func (s *Session) refreshInvoice() {
	ctx, cancel := context.WithTimeout(context.Background(), invoiceRefreshTimeout)
	defer cancel()

	if _, err := s.RequestInvoice(ctx, 0); err != nil {
		if !errors.Is(err, ErrOrderSettled) {
			s.logger.Warn("invoice refresh failed", "order", s.OrderID(), "error", err)
		}
	}
}
