// Package order models an order's economic facts and their event encoding.
//
// An order is either an itemized basket or an opaque memo (e.g. a wagered
// vote); both variants share the same amount arithmetic and are carried in
// an order event's description tag.
package order

import (
	"encoding/json"
	"errors"
	"math"
)

var (
	// ErrMalformedOrder means the description tag is missing or its JSON is
	// invalid. Callers treat the order as not found, never as a crash.
	ErrMalformedOrder = errors.New("order: malformed order description")
)

// DefaultFiatCurrency is assumed when a description omits the currency code.
const DefaultFiatCurrency = "ARS"

// DefaultSatRate is the fixed conversion rate in fiat units per sat. The
// rate is frozen into the order at creation time; it is configuration, not
// a market feed.
const DefaultSatRate = 0.18

// Item is one line of an itemized order.
type Item struct {
	Name     string `json:"name"`
	Price    int64  `json:"price"` // fiat units per unit
	Quantity int64  `json:"quantity"`
}

// Description holds the order's economic facts. Exactly one of Items or
// Memo is populated, selected by order type.
type Description struct {
	AmountSats   int64           `json:"amount"`
	FiatAmount   int64           `json:"fiatAmount"`
	FiatCurrency string          `json:"fiatCurrency"`
	Items        []Item          `json:"items,omitempty"`
	Memo         json.RawMessage `json:"memo,omitempty"`
}

// ComputeTotal sums price×quantity across items. Zero items means a zero
// total.
func ComputeTotal(items []Item) int64 {
	var total int64
	for _, it := range items {
		total += it.Price * it.Quantity
	}
	return total
}

// AmountFromFiat converts a fiat amount to sats at the given rate
// (fiat units per sat), rounding to the nearest whole sat.
func AmountFromFiat(fiat int64, rate float64) int64 {
	if rate <= 0 {
		return 0
	}
	return int64(math.Round(float64(fiat) / rate))
}
