package receipt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/invoice"
)

func TestParse(t *testing.T) {
	codec := invoice.NewCodec("test-secret")
	good, err := codec.Encode(500000, "order-1")
	require.NoError(t, err)

	tests := []struct {
		name string
		ev   *event.Event
		want Info
	}{
		{
			"complete receipt",
			&event.Event{Tags: [][]string{{event.TagInvoice, good}}},
			Info{Complete: true, AmountMsat: 500000, InvoiceRef: good},
		},
		{
			"no invoice tag",
			&event.Event{Tags: [][]string{{"p", "02abc"}}},
			Info{},
		},
		{
			"no tags at all",
			&event.Event{},
			Info{},
		},
		{
			"undecodable invoice",
			&event.Event{Tags: [][]string{{event.TagInvoice, "garbage"}}},
			Info{InvoiceRef: "garbage"},
		},
		{
			"empty invoice value",
			&event.Event{Tags: [][]string{{event.TagInvoice, ""}}},
			Info{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.ev, invoice.Decode)
			assert.Equal(t, tt.want, got)
		})
	}
}
