package order

import (
	"encoding/json"
	"fmt"

	"github.com/lacrypta/checkout/internal/event"
)

// Encode serializes a description into the content string and tags of an
// order event. The content is a short human-readable summary; the
// description tag carries the machine-readable JSON. The relays and p tags
// tell receipt senders where and whom to pay.
func Encode(desc Description, recipient string, relays []string) (content string, tags [][]string, err error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", nil, fmt.Errorf("order: encode description: %w", err)
	}

	relayTag := append([]string{event.TagRelays}, relays...)
	tags = [][]string{
		relayTag,
		{event.TagRecipient, recipient},
		{event.TagDescription, string(raw)},
	}
	return Summary(desc), tags, nil
}

// Decode extracts the description from an order event. A missing tag or
// unparseable JSON yields ErrMalformedOrder; an absent currency code
// defaults to DefaultFiatCurrency.
func Decode(ev *event.Event) (Description, error) {
	raw, ok := ev.FirstTag(event.TagDescription)
	if !ok {
		return Description{}, ErrMalformedOrder
	}

	var desc Description
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return Description{}, fmt.Errorf("%w: %v", ErrMalformedOrder, err)
	}
	if desc.FiatCurrency == "" {
		desc.FiatCurrency = DefaultFiatCurrency
	}
	return desc, nil
}

// Summary renders the one-line human-readable content for an order event.
func Summary(desc Description) string {
	if len(desc.Items) > 0 {
		return fmt.Sprintf("Order: %d items, %s %d (%d sats)",
			len(desc.Items), desc.FiatCurrency, desc.FiatAmount, desc.AmountSats)
	}
	return fmt.Sprintf("Order: %s %d (%d sats)",
		desc.FiatCurrency, desc.FiatAmount, desc.AmountSats)
}
