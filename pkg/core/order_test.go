package core

import (
	"testing"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderRecord(t *testing.T) {
	t.Run("valid order", func(t *testing.T) {
		rec, err := NewOrderRecord("alpha", "btc-usd", Buy, dec(t, "100"), dec(t, "2"))
		require.NoError(t, err)
		assert.Equal(t, Pending, rec.State)
		assert.Equal(t, "BTC-USD", rec.Instrument)
		assert.NotEmpty(t, rec.ClientOrderID)
		assert.Empty(t, rec.ExchangeOrderID)
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		_, err := NewOrderRecord("alpha", "btc-usd", Buy, dec(t, "100"), fpdecimal.Zero)
		assert.ErrorIs(t, err, ErrInvalidQuantity)
	})

	t.Run("negative price rejected", func(t *testing.T) {
		_, err := NewOrderRecord("alpha", "btc-usd", Buy, dec(t, "-100"), dec(t, "2"))
		assert.ErrorIs(t, err, ErrInvalidPrice)
	})
}

func TestOrderStateTerminal(t *testing.T) {
	assert.False(t, Pending.Terminal())
	assert.False(t, Active.Terminal())
	assert.True(t, Cancelled.Terminal())
	assert.True(t, Filled.Terminal())
	assert.True(t, ChildOrderPlaced.Terminal())
	assert.True(t, ChildOrderRejected.Terminal())
}

func TestLiveExposure(t *testing.T) {
	rec, err := NewOrderRecord("alpha", "btc-usd", Buy, dec(t, "100"), dec(t, "2"))
	require.NoError(t, err)

	assert.True(t, rec.LiveExposure())

	rec.Superseded = true
	assert.False(t, rec.LiveExposure())

	rec.Superseded = false
	rec.State = Filled
	assert.False(t, rec.LiveExposure())
}

func TestClientOrderIDsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewClientOrderID()
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}
