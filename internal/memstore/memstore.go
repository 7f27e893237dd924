// Package memstore is an in-memory orders.Store with real all-or-nothing
// semantics: a unit of work mutates a copy of the state and the copy is
// swapped in only on success. Used by tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storelab/go-checkout-stock/internal/orders"
)

type state struct {
	products     map[string]orders.Product
	addresses    map[string]orders.Address
	orders       map[string]orders.Order
	byExternalID map[string]string
	items        map[string][]orders.OrderItem // keyed by order id
	reservations map[string]orders.Reservation
	resByOrder   map[string][]string
	payments     map[string][]orders.Payment
}

func newState() *state {
	return &state{
		products:     map[string]orders.Product{},
		addresses:    map[string]orders.Address{},
		orders:       map[string]orders.Order{},
		byExternalID: map[string]string{},
		items:        map[string][]orders.OrderItem{},
		reservations: map[string]orders.Reservation{},
		resByOrder:   map[string][]string{},
		payments:     map[string][]orders.Payment{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.addresses {
		c.addresses[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.byExternalID {
		c.byExternalID[k] = v
	}
	for k, v := range s.items {
		c.items[k] = append([]orders.OrderItem(nil), v...)
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.resByOrder {
		c.resByOrder[k] = append([]string(nil), v...)
	}
	for k, v := range s.payments {
		c.payments[k] = append([]orders.Payment(nil), v...)
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store { return &Store{st: newState()} }

// Do serializes units of work under one lock; commit is the pointer swap.
func (s *Store) Do(ctx context.Context, fn func(tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// ---- seed/inspect helpers for tests ----

func (s *Store) SeedProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

func (s *Store) SeedAddress(a orders.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.addresses[a.ID] = a
}

func (s *Store) ProductStock(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.products[id].Stock
}

func (s *Store) Order(id string) (orders.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[id]
	return o, ok
}

func (s *Store) Reservation(id string) (orders.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[id]
	return r, ok
}

func (s *Store) Reservations() []orders.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orders.Reservation, 0, len(s.st.reservations))
	for _, r := range s.st.reservations {
		out = append(out, r)
	}
	return out
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.orders)
}

// ---- Tx implementation ----

type memTx struct{ st *state }

var _ orders.Tx = (*memTx)(nil)

func (t *memTx) GetProduct(_ context.Context, id string) (orders.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return orders.Product{}, fmt.Errorf("product %s: %w", id, orders.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) ProductForUpdate(ctx context.Context, id string) (orders.Product, error) {
	// the store-wide lock already serializes writers
	return t.GetProduct(ctx, id)
}

func (t *memTx) AdjustStock(_ context.Context, productID string, delta int) error {
	p, ok := t.st.products[productID]
	if !ok {
		return fmt.Errorf("product %s: %w", productID, orders.ErrNotFound)
	}
	if p.Stock+delta < 0 {
		return fmt.Errorf("stock for %s would go negative: %w", productID, orders.ErrInsufficientStock)
	}
	p.Stock += delta
	p.UpdatedAt = time.Now().UTC()
	t.st.products[productID] = p
	return nil
}

func (t *memTx) GetAddress(_ context.Context, id string) (orders.Address, error) {
	a, ok := t.st.addresses[id]
	if !ok {
		return orders.Address{}, fmt.Errorf("address %s: %w", id, orders.ErrNotFound)
	}
	return a, nil
}

func (t *memTx) InsertOrder(_ context.Context, o orders.Order) error {
	t.st.orders[o.ID] = o
	if o.ExternalID != "" {
		t.st.byExternalID[o.ExternalID] = o.ID
	}
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (t *memTx) GetOrderByExternalID(ctx context.Context, externalID string) (orders.Order, error) {
	id, ok := t.st.byExternalID[externalID]
	if !ok {
		return orders.Order{}, fmt.Errorf("order external_id=%s: %w", externalID, orders.ErrNotFound)
	}
	return t.GetOrder(ctx, id)
}

func (t *memTx) SetOrderTotal(ctx context.Context, orderID string, total decimal.Decimal) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.Total = total
	o.UpdatedAt = time.Now().UTC()
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, orderID string, status orders.Status) error {
	o, err := t.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	t.st.orders[orderID] = o
	return nil
}

func (t *memTx) InsertOrderItem(_ context.Context, it orders.OrderItem) error {
	t.st.items[it.OrderID] = append(t.st.items[it.OrderID], it)
	return nil
}

func (t *memTx) OrderItems(_ context.Context, orderID string) ([]orders.OrderItem, error) {
	return append([]orders.OrderItem(nil), t.st.items[orderID]...), nil
}

func (t *memTx) InsertReservation(_ context.Context, r orders.Reservation) error {
	t.st.reservations[r.ID] = r
	if r.OrderID != nil {
		t.st.resByOrder[*r.OrderID] = append(t.st.resByOrder[*r.OrderID], r.ID)
	}
	return nil
}

func (t *memTx) GetReservation(_ context.Context, id string) (orders.Reservation, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return orders.Reservation{}, fmt.Errorf("reservation %s: %w", id, orders.ErrNotFound)
	}
	return r, nil
}

func (t *memTx) OrderReservations(_ context.Context, orderID string) ([]orders.Reservation, error) {
	ids := t.st.resByOrder[orderID]
	out := make([]orders.Reservation, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.st.reservations[id])
	}
	return out, nil
}

func (t *memTx) MarkReservationReleased(_ context.Context, id string, at time.Time) (bool, error) {
	r, ok := t.st.reservations[id]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", id, orders.ErrNotFound)
	}
	if r.Released {
		return false, nil
	}
	r.Released = true
	r.ReleasedAt = &at
	t.st.reservations[id] = r
	return true, nil
}

func (t *memTx) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]orders.Reservation, error) {
	var out []orders.Reservation
	for _, r := range t.st.reservations {
		if !r.Expired(now) {
			continue
		}
		if r.OrderID != nil {
			if o, ok := t.st.orders[*r.OrderID]; ok && o.Status.ConsumesStock() {
				continue
			}
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertPayment(_ context.Context, p orders.Payment) error {
	t.st.payments[p.OrderID] = append(t.st.payments[p.OrderID], p)
	return nil
}
