package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type CheckoutInput struct {
	ExternalID string
	UserID     string
	AddressID  string
	Items      []CheckoutItem
	TTL        time.Duration // zero means DefaultReservationTTL
}

type CheckoutService struct {
	Store      Store
	DefaultTTL time.Duration
}

// Checkout creates an order, its item snapshots and a stock reservation per
// item in one unit of work. Any failure past the empty-cart check rolls the
// whole thing back; there are no compensating deletes.
//
// Replaying the same ExternalID returns the existing order untouched.
func (s *CheckoutService) Checkout(ctx context.Context, in CheckoutInput) (Order, error) {
	if len(in.Items) == 0 {
		return Order{}, ErrEmptyCart
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.DefaultTTL
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}

	var out Order
	err := s.Store.Do(ctx, func(tx Tx) error {
		if in.ExternalID != "" {
			existing, err := tx.GetOrderByExternalID(ctx, in.ExternalID)
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		addr, err := tx.GetAddress(ctx, in.AddressID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrAddressNotFound, in.AddressID)
			}
			return err
		}
		if addr.UserID != in.UserID {
			return fmt.Errorf("%w: %s", ErrAddressNotFound, in.AddressID)
		}

		now := time.Now().UTC()
		ord := Order{
			ID:         uuid.NewString(),
			ExternalID: in.ExternalID,
			UserID:     in.UserID,
			AddressID:  &addr.ID,
			Total:      decimal.Zero,
			Status:     StatusPending,
			PlacedAt:   now,
			UpdatedAt:  now,
		}
		if err := tx.InsertOrder(ctx, ord); err != nil {
			return err
		}

		// Reservation pass in canonical product-id order: two checkouts
		// sharing products then always lock rows in the same order, which
		// rules out the cross-product deadlock.
		idx := make([]int, len(in.Items))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return in.Items[idx[a]].ProductID < in.Items[idx[b]].ProductID
		})

		snaps := make([]Product, len(in.Items))
		for _, i := range idx {
			it := in.Items[i]
			_, p, err := Reserve(ctx, tx, it.ProductID, it.Qty, &ord.ID, ttl)
			if err != nil {
				return err
			}
			snaps[i] = p
		}

		// Item snapshots in submission order, priced as of reservation time.
		total := decimal.Zero
		for i, it := range in.Items {
			p := snaps[i]
			total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(it.Qty))))
			item := OrderItem{
				ID:            uuid.NewString(),
				OrderID:       ord.ID,
				ProductID:     p.ID,
				ProductName:   p.Name,
				SKU:           p.SKU,
				Qty:           it.Qty,
				PriceSnapshot: p.Price,
				CreatedAt:     now,
			}
			if err := tx.InsertOrderItem(ctx, item); err != nil {
				return err
			}
		}

		if err := tx.SetOrderTotal(ctx, ord.ID, total); err != nil {
			return err
		}
		if err := tx.UpdateOrderStatus(ctx, ord.ID, StatusReserved); err != nil {
			return err
		}

		ord.Total = total
		ord.Status = StatusReserved
		out = ord
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}
