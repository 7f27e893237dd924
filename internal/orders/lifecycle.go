package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lifecycle drives order status transitions. Payment results and
// cancellations funnel through here; cancellation, payment failure and the
// expiry sweeper all share the same idempotent release path.
type Lifecycle struct {
	Store Store
}

// MarkPaid transitions reserved -> paid and records the captured payment.
// Reservations bound to the order stay unreleased: the stock was decremented
// at checkout and is now consumed, not returned. Calling MarkPaid on an
// already paid order is a no-op.
func (l *Lifecycle) MarkPaid(ctx context.Context, orderID string, amount decimal.Decimal, providerOrderID, providerPaymentID string) (Order, error) {
	var out Order
	err := l.Store.Do(ctx, func(tx Tx) error {
		ord, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if ord.Status == StatusPaid {
			out = ord
			return nil
		}
		if !CanTransition(ord.Status, StatusPaid) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ord.Status, StatusPaid)
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, StatusPaid); err != nil {
			return err
		}
		now := time.Now().UTC()
		pay := Payment{
			ID:                uuid.NewString(),
			OrderID:           orderID,
			Amount:            amount,
			Status:            PaymentCaptured,
			ProviderOrderID:   providerOrderID,
			ProviderPaymentID: providerPaymentID,
			CreatedAt:         now,
			CapturedAt:        &now,
		}
		if err := tx.InsertPayment(ctx, pay); err != nil {
			return err
		}
		ord.Status = StatusPaid
		out = ord
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

// MarkFailed handles a payment-failure notification: order goes to failed
// and every unreleased reservation is handed back to stock.
func (l *Lifecycle) MarkFailed(ctx context.Context, orderID string, amount decimal.Decimal, providerOrderID string) (Order, error) {
	return l.terminate(ctx, orderID, StatusFailed, func(ctx context.Context, tx Tx) error {
		return tx.InsertPayment(ctx, Payment{
			ID:              uuid.NewString(),
			OrderID:         orderID,
			Amount:          amount,
			Status:          PaymentFailed,
			ProviderOrderID: providerOrderID,
			CreatedAt:       time.Now().UTC(),
		})
	})
}

// Cancel handles explicit user/admin cancellation. Cancelling an order that
// already consumed its stock (paid and beyond) is rejected so stock is never
// double-credited.
func (l *Lifecycle) Cancel(ctx context.Context, orderID string) (Order, error) {
	return l.terminate(ctx, orderID, StatusCancelled, nil)
}

func (l *Lifecycle) terminate(ctx context.Context, orderID string, to Status, extra func(context.Context, Tx) error) (Order, error) {
	var out Order
	err := l.Store.Do(ctx, func(tx Tx) error {
		ord, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if ord.Status == to {
			out = ord
			return nil
		}
		if !CanTransition(ord.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ord.Status, to)
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, to); err != nil {
			return err
		}
		if err := releaseAll(ctx, tx, orderID); err != nil {
			return err
		}
		if extra != nil {
			if err := extra(ctx, tx); err != nil {
				return err
			}
		}
		ord.Status = to
		out = ord
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

func releaseAll(ctx context.Context, tx Tx, orderID string) error {
	rs, err := tx.OrderReservations(ctx, orderID)
	if err != nil {
		return err
	}
	for _, r := range rs {
		if err := Release(ctx, tx, r.ID); err != nil {
			return err
		}
	}
	return nil
}
