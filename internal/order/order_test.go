package order

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacrypta/checkout/internal/event"
)

func TestComputeTotal(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
		want  int64
	}{
		{"empty", nil, 0},
		{"single item", []Item{{Name: "alfajor", Price: 100, Quantity: 1}}, 100},
		{"quantities multiply", []Item{
			{Name: "empanada", Price: 100, Quantity: 2},
			{Name: "soda", Price: 50, Quantity: 1},
		}, 250},
		{"zero quantity contributes nothing", []Item{
			{Name: "empanada", Price: 100, Quantity: 0},
			{Name: "soda", Price: 50, Quantity: 3},
		}, 150},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeTotal(tt.items))
		})
	}
}

func TestAmountFromFiat(t *testing.T) {
	tests := []struct {
		name string
		fiat int64
		rate float64
		want int64
	}{
		{"default rate", 250, 0.18, 1389}, // 250/0.18 = 1388.88..., rounds up
		{"exact division", 260, 0.26, 1000},
		{"rounds down", 100, 0.18, 556}, // 555.55... rounds to 556
		{"zero fiat", 0, 0.18, 0},
		{"zero rate", 100, 0, 0},
		{"negative rate", 100, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountFromFiat(tt.fiat, tt.rate))
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	desc := Description{
		AmountSats:   1389,
		FiatAmount:   250,
		FiatCurrency: "ARS",
		Items: []Item{
			{Name: "empanada", Price: 100, Quantity: 2},
			{Name: "soda", Price: 50, Quantity: 1},
		},
	}

	content, tags, err := Encode(desc, "02abc", []string{"wss://relay.example"})
	require.NoError(t, err)
	assert.Contains(t, content, "2 items")
	assert.Contains(t, content, "1389 sats")

	ev := &event.Event{Kind: event.KindOrder, Content: content, Tags: tags}

	recipient, ok := ev.FirstTag(event.TagRecipient)
	assert.True(t, ok)
	assert.Equal(t, "02abc", recipient)
	assert.Equal(t, []string{"wss://relay.example"}, ev.TagValues(event.TagRelays))

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, desc, got)
}

func TestEncodeMemoOrder(t *testing.T) {
	desc := Description{
		AmountSats:   1000,
		FiatAmount:   260,
		FiatCurrency: "ARS",
		Memo:         json.RawMessage(`{"candidate":"A"}`),
	}

	content, tags, err := Encode(desc, "02abc", nil)
	require.NoError(t, err)
	assert.Equal(t, "Order: ARS 260 (1000 sats)", content)

	got, err := Decode(&event.Event{Tags: tags})
	require.NoError(t, err)
	assert.Empty(t, got.Items)
	assert.JSONEq(t, `{"candidate":"A"}`, string(got.Memo))
}

func TestDecodeDefaultsCurrency(t *testing.T) {
	ev := &event.Event{Tags: [][]string{
		{event.TagDescription, `{"amount":500,"fiatAmount":90}`},
	}}

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, DefaultFiatCurrency, got.FiatCurrency)
	assert.Equal(t, int64(500), got.AmountSats)
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		ev   *event.Event
	}{
		{"no tags", &event.Event{}},
		{"missing description", &event.Event{Tags: [][]string{{"p", "02abc"}}}},
		{"invalid json", &event.Event{Tags: [][]string{
			{event.TagDescription, `{"amount":`},
		}}},
		{"json is not an object", &event.Event{Tags: [][]string{
			{event.TagDescription, `[1,2,3]`},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.ev)
			assert.ErrorIs(t, err, ErrMalformedOrder)
		})
	}
}
