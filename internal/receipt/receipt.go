// Package receipt parses incoming payment-receipt events.
package receipt

import (
	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/invoice"
)

// Info is the outcome of parsing one receipt event. Complete means a
// decodable paid amount was found; incomplete receipts are never applied to
// an order's balance.
type Info struct {
	Complete   bool
	AmountMsat int64
	InvoiceRef string // the redeemable string found in the event
}

// Decoder turns a redeemable string into its decoded payload.
type Decoder func(string) (invoice.Decoded, error)

// Parse extracts the paid-amount figure from a receipt event's invoice tag.
// It is a pure function over one event and never mutates state.
func Parse(ev *event.Event, decode Decoder) Info {
	ref, ok := ev.FirstTag(event.TagInvoice)
	if !ok {
		return Info{}
	}
	decoded, err := decode(ref)
	if err != nil {
		return Info{InvoiceRef: ref}
	}
	return Info{
		Complete:   true,
		AmountMsat: decoded.AmountMsat,
		InvoiceRef: ref,
	}
}
