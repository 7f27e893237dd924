package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultReservationTTL is how long reserved stock is held before the
// sweeper hands it back.
const DefaultReservationTTL = 900 * time.Second

// Reserve holds qty units of a product: lock the product row, check
// availability, decrement, record the reservation. All inside the caller's
// unit of work, so a failed checkout leaves no trace. The returned Product
// is the row as of lock time and is the price-snapshot source.
func Reserve(ctx context.Context, tx Tx, productID string, qty int, orderID *string, ttl time.Duration) (Reservation, Product, error) {
	if qty <= 0 {
		return Reservation{}, Product{}, fmt.Errorf("%w: qty=%d for product %s", ErrInvalidQuantity, qty, productID)
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	p, err := tx.ProductForUpdate(ctx, productID)
	if err != nil {
		return Reservation{}, Product{}, err
	}
	if p.Status != ProductActive {
		return Reservation{}, Product{}, fmt.Errorf("%w: %s", ErrProductUnavailable, productID)
	}
	if p.Stock < qty {
		return Reservation{}, Product{}, fmt.Errorf("%w: product=%s need=%d have=%d", ErrInsufficientStock, productID, qty, p.Stock)
	}

	if err := tx.AdjustStock(ctx, productID, -qty); err != nil {
		return Reservation{}, Product{}, err
	}

	now := time.Now().UTC()
	res := Reservation{
		ID:        uuid.NewString(),
		ProductID: productID,
		OrderID:   orderID,
		Qty:       qty,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := tx.InsertReservation(ctx, res); err != nil {
		return Reservation{}, Product{}, err
	}
	p.Stock -= qty
	return res, p, nil
}

// Release returns a reservation's quantity to the product counter. Safe to
// call any number of times: the conditional flag update picks exactly one
// winner, losers return nil without touching stock.
func Release(ctx context.Context, tx Tx, reservationID string) error {
	r, err := tx.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	flipped, err := tx.MarkReservationReleased(ctx, r.ID, time.Now().UTC())
	if err != nil {
		return err
	}
	if !flipped {
		return nil // already released
	}
	return tx.AdjustStock(ctx, r.ProductID, r.Qty)
}
