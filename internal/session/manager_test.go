package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacrypta/checkout/internal/event"
	"github.com/lacrypta/checkout/internal/invoice"
	"github.com/lacrypta/checkout/internal/relay"
)

func newTestManager(t *testing.T) (*Manager, *relay.MemoryRelay, *event.Identity) {
	t.Helper()

	id, err := event.GenerateIdentity()
	require.NoError(t, err)
	r := relay.NewMemoryRelay(nil)

	m := NewManager(func() *Session {
		return New(Config{
			Relay:   r,
			Issuer:  invoice.NewLocalIssuer(invoice.NewCodec(testSecret)),
			Signer:  id,
			Decoder: invoice.Decode,
		})
	})
	t.Cleanup(m.CloseAll)
	return m, r, id
}

func TestManagerSingleOwner(t *testing.T) {
	m, _, _ := newTestManager(t)

	a := m.NewDraft()
	a.SetAmount(100)
	orderID, err := a.Checkout(context.Background())
	require.NoError(t, err)

	owner := m.Register(orderID, a)
	assert.Same(t, a, owner)
	assert.Equal(t, 1, m.Count())

	// A second registration for the same id yields the existing owner and
	// closes the newcomer.
	b := m.NewDraft()
	b.SetAmount(200)
	_, err = b.Checkout(context.Background())
	require.NoError(t, err)

	owner = m.Register(orderID, b)
	assert.Same(t, a, owner)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, StateIdle, b.State())
}

func TestManagerAttach(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	// Publish an order through a registered session, then drop it so Attach
	// has to reload from the relay.
	s := m.NewDraft()
	s.SetAmount(1000)
	orderID, err := s.Checkout(ctx)
	require.NoError(t, err)
	m.Register(orderID, s)
	m.Release(orderID)
	assert.Equal(t, 0, m.Count())

	attached, err := m.Attach(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, orderID, attached.OrderID())
	assert.Equal(t, int64(1000), attached.PendingAmount())
	assert.Equal(t, 1, m.Count())

	// Attaching again returns the same live session.
	again, err := m.Attach(ctx, orderID)
	require.NoError(t, err)
	assert.Same(t, attached, again)
	assert.Equal(t, 1, m.Count())
}

func TestManagerAttachUnknownOrder(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Attach(context.Background(), "no-such-order")
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, 0, m.Count())
}

func TestManagerRelease(t *testing.T) {
	m, _, _ := newTestManager(t)

	s := m.NewDraft()
	s.SetAmount(100)
	orderID, err := s.Checkout(context.Background())
	require.NoError(t, err)
	m.Register(orderID, s)

	m.Release(orderID)
	assert.Equal(t, 0, m.Count())
	_, ok := m.Get(orderID)
	assert.False(t, ok)

	// Releasing an unknown id is a no-op.
	m.Release("never-registered")
}

func TestManagerCloseAll(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := m.NewDraft()
		s.SetAmount(int64(100 * (i + 1)))
		orderID, err := s.Checkout(ctx)
		require.NoError(t, err)
		m.Register(orderID, s)
	}
	assert.Equal(t, 3, m.Count())

	m.CloseAll()
	assert.Equal(t, 0, m.Count())
}
