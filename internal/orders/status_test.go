package orders_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/storelab/go-checkout-stock/internal/orders"
)

func TestCanTransition(t *testing.T) {
	ok := []struct{ from, to orders.Status }{
		{orders.StatusPending, orders.StatusReserved},
		{orders.StatusPending, orders.StatusCancelled},
		{orders.StatusPending, orders.StatusFailed},
		{orders.StatusReserved, orders.StatusPaid},
		{orders.StatusReserved, orders.StatusCancelled},
		{orders.StatusReserved, orders.StatusFailed},
		{orders.StatusPaid, orders.StatusShipped},
		{orders.StatusPaid, orders.StatusRefunded},
		{orders.StatusShipped, orders.StatusDelivered},
	}
	for _, tc := range ok {
		assert.True(t, orders.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	bad := []struct{ from, to orders.Status }{
		{orders.StatusPaid, orders.StatusCancelled},
		{orders.StatusPaid, orders.StatusFailed},
		{orders.StatusCancelled, orders.StatusReserved},
		{orders.StatusFailed, orders.StatusPaid},
		{orders.StatusDelivered, orders.StatusShipped},
		{orders.StatusPending, orders.StatusPaid},
	}
	for _, tc := range bad {
		assert.False(t, orders.CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestConsumesStock(t *testing.T) {
	assert.True(t, orders.StatusPaid.ConsumesStock())
	assert.True(t, orders.StatusShipped.ConsumesStock())
	assert.True(t, orders.StatusDelivered.ConsumesStock())
	assert.True(t, orders.StatusRefunded.ConsumesStock())

	assert.False(t, orders.StatusPending.ConsumesStock())
	assert.False(t, orders.StatusReserved.ConsumesStock())
	assert.False(t, orders.StatusCancelled.ConsumesStock())
	assert.False(t, orders.StatusFailed.ConsumesStock())
}
