package orders

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store runs units of work. Everything fn does through tx is applied in full
// or not at all; an error from fn discards every write. Implementations own
// lock-contention retries and surface exhaustion as ErrConflict.
type Store interface {
	Do(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the single mutation surface over the data model. Row-level
// exclusivity comes from ProductForUpdate (Postgres: SELECT ... FOR UPDATE);
// MarkReservationReleased is a conditional update that only succeeds when
// flipping released false -> true.
type Tx interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	ProductForUpdate(ctx context.Context, id string) (Product, error)
	AdjustStock(ctx context.Context, productID string, delta int) error

	GetAddress(ctx context.Context, id string) (Address, error)

	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	GetOrderByExternalID(ctx context.Context, externalID string) (Order, error)
	SetOrderTotal(ctx context.Context, orderID string, total decimal.Decimal) error
	UpdateOrderStatus(ctx context.Context, orderID string, status Status) error

	InsertOrderItem(ctx context.Context, it OrderItem) error
	OrderItems(ctx context.Context, orderID string) ([]OrderItem, error)

	InsertReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	OrderReservations(ctx context.Context, orderID string) ([]Reservation, error)
	MarkReservationReleased(ctx context.Context, id string, at time.Time) (bool, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	InsertPayment(ctx context.Context, p Payment) error
}
