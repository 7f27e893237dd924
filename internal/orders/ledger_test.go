package orders_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storelab/go-checkout-stock/internal/memstore"
	"github.com/storelab/go-checkout-stock/internal/orders"
)

func seedProduct(st *memstore.Store, stock int, price string) orders.Product {
	p := orders.Product{
		ID:     uuid.NewString(),
		SKU:    "SKU-1",
		Name:   "widget",
		Price:  decimal.RequireFromString(price),
		Stock:  stock,
		Status: orders.ProductActive,
	}
	st.SeedProduct(p)
	return p
}

func reserve(t *testing.T, st *memstore.Store, productID string, qty int, ttl time.Duration) (orders.Reservation, error) {
	t.Helper()
	var res orders.Reservation
	err := st.Do(context.Background(), func(tx orders.Tx) error {
		var err error
		res, _, err = orders.Reserve(context.Background(), tx, productID, qty, nil, ttl)
		return err
	})
	return res, err
}

func TestReserveDecrementsStock(t *testing.T) {
	st := memstore.New()
	p := seedProduct(st, 10, "19.99")

	res, err := reserve(t, st, p.ID, 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, st.ProductStock(p.ID))
	assert.Equal(t, 3, res.Qty)
	assert.False(t, res.Released)
	assert.True(t, res.ExpiresAt.After(res.CreatedAt))
}

func TestReserveInsufficientStockHasNoSideEffects(t *testing.T) {
	st := memstore.New()
	p := seedProduct(st, 2, "5.00")

	_, err := reserve(t, st, p.ID, 3, time.Minute)
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)
	assert.Equal(t, 2, st.ProductStock(p.ID))
	assert.Empty(t, st.Reservations())
}

func TestReserveRejectsInactiveProduct(t *testing.T) {
	st := memstore.New()
	p := orders.Product{ID: uuid.NewString(), Name: "gone", Price: decimal.New(100, -2), Stock: 10, Status: orders.ProductInactive}
	st.SeedProduct(p)

	_, err := reserve(t, st, p.ID, 1, time.Minute)
	assert.ErrorIs(t, err, orders.ErrProductUnavailable)
	assert.Equal(t, 10, st.ProductStock(p.ID))
}

func TestReserveRejectsNonPositiveQty(t *testing.T) {
	st := memstore.New()
	p := seedProduct(st, 10, "1.00")

	for _, qty := range []int{0, -1} {
		_, err := reserve(t, st, p.ID, qty, time.Minute)
		assert.ErrorIs(t, err, orders.ErrInvalidQuantity)
	}
	assert.Equal(t, 10, st.ProductStock(p.ID))
}

func TestReleaseIsIdempotent(t *testing.T) {
	st := memstore.New()
	p := seedProduct(st, 10, "1.00")

	res, err := reserve(t, st, p.ID, 4, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 6, st.ProductStock(p.ID))

	release := func() error {
		return st.Do(context.Background(), func(tx orders.Tx) error {
			return orders.Release(context.Background(), tx, res.ID)
		})
	}

	require.NoError(t, release())
	assert.Equal(t, 10, st.ProductStock(p.ID))

	// releasing twice must be equivalent to releasing once
	require.NoError(t, release())
	require.NoError(t, release())
	assert.Equal(t, 10, st.ProductStock(p.ID))

	got, ok := st.Reservation(res.ID)
	require.True(t, ok)
	assert.True(t, got.Released)
	assert.NotNil(t, got.ReleasedAt)
}

// Conservation: for any set of concurrent reserve/release calls against one
// product with initial stock S, successful reservations never sum past S and
// the final counter adds up exactly.
func TestConcurrentReserveNeverOversells(t *testing.T) {
	const (
		initial    = 50
		goroutines = 40
		perCall    = 3
	)
	st := memstore.New()
	p := seedProduct(st, initial, "2.50")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []orders.Reservation
	)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reserve(t, st, p.ID, perCall, time.Minute)
			if err == nil {
				mu.Lock()
				granted = append(granted, res)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	reservedQty := 0
	for _, r := range granted {
		reservedQty += r.Qty
	}
	assert.LessOrEqual(t, reservedQty, initial)
	assert.Equal(t, initial-reservedQty, st.ProductStock(p.ID))

	// release half and re-check the ledger equation
	released := 0
	for i, r := range granted {
		if i%2 != 0 {
			continue
		}
		err := st.Do(context.Background(), func(tx orders.Tx) error {
			return orders.Release(context.Background(), tx, r.ID)
		})
		require.NoError(t, err)
		released += r.Qty
	}
	assert.Equal(t, initial-reservedQty+released, st.ProductStock(p.ID))
}
