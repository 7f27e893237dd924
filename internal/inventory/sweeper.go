package inventory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/metrics"
	"github.com/storelab/go-checkout-stock/internal/orders"
)

// Publisher is the slice of kafkax.Producer the sweeper needs.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

// Sweeper releases expired, unreleased reservations back to stock on a fixed
// interval. Every release runs in its own unit of work so one bad
// reservation never aborts a cycle, and the idempotent released flag makes
// it safe to run alongside checkouts, cancellations and other sweeper
// instances.
type Sweeper struct {
	Store       orders.Store
	Producer    Publisher // may be nil
	Interval    time.Duration
	Batch       int
	ServiceName string
	Log         *slog.Logger

	Now func() time.Time // test hook, defaults to time.Now
}

func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and reports how many reservations it
// released. A second pass over the same state is a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now()
	}

	var expired []orders.Reservation
	err := s.Store.Do(ctx, func(tx orders.Tx) error {
		var err error
		expired, err = tx.ExpiredReservations(ctx, now, s.Batch)
		return err
	})
	if err != nil {
		s.logger().Error("sweep: listing expired reservations failed", "err", err)
		return 0
	}

	released := 0
	for _, r := range expired {
		var skipped bool
		err := s.Store.Do(ctx, func(tx orders.Tx) error {
			// The listing ran in an earlier transaction; the order may have
			// gone paid in between. Re-check under the lock so stock that
			// now belongs to a settled order is never credited back.
			cur, err := tx.GetReservation(ctx, r.ID)
			if err != nil {
				return err
			}
			if cur.Released {
				skipped = true
				return nil
			}
			if cur.OrderID != nil {
				ord, err := tx.GetOrder(ctx, *cur.OrderID)
				if err != nil && !errors.Is(err, orders.ErrNotFound) {
					return err
				}
				if err == nil && ord.Status.ConsumesStock() {
					skipped = true
					return nil
				}
			}
			return orders.Release(ctx, tx, cur.ID)
		})
		if err != nil {
			// log and move on; the next cycle retries
			metrics.SweepErrors.Inc()
			s.logger().Error("sweep: release failed", "reservation_id", r.ID, "err", err)
			continue
		}
		if skipped {
			continue
		}
		released++
		metrics.ReservationsSwept.Inc()
		s.publishExpired(r)
	}
	if released > 0 {
		s.logger().Info("sweep complete", "released", released, "candidates", len(expired))
	}
	return released
}

func (s *Sweeper) publishExpired(r orders.Reservation) {
	if s.Producer == nil {
		return
	}
	orderID := ""
	if r.OrderID != nil {
		orderID = *r.OrderID
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventReservationExpired,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: orderID,
		Payload: kafkax.MustMarshal(orders.ReservationExpiredPayload{
			ReservationID: r.ID,
			ProductID:     r.ProductID,
			OrderID:       orderID,
			Qty:           r.Qty,
		}),
	}
	key := orderID
	if key == "" {
		key = r.ID
	}
	s.Producer.Publish(orders.PartitionKey(key), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventReservationExpired)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
