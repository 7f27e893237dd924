package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/orders"
	"github.com/storelab/go-checkout-stock/internal/redisx"
)

// PaymentWorker consumes payment.result events and drives order lifecycle
// transitions. Duplicate deliveries are dropped via Redis dedup; an order
// already in a terminal state is treated as processed, not as an error.
type PaymentWorker struct {
	Lifecycle      *orders.Lifecycle
	Redis          *redis.Client
	ProducerPaid   Publisher // order.paid, may be nil
	ProducerClosed Publisher // order.closed, may be nil
	ServiceName    string
	Log            *slog.Logger
}

func (w *PaymentWorker) HandlePaymentResult(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != orders.EventPaymentResult {
		return nil // ignore
	}

	if w.Redis != nil {
		dkey := fmt.Sprintf(redisx.KeyDedup, "payments", env.EventID)
		first, err := redisx.SetNX(ctx, w.Redis, dkey, redisx.TTLDedup)
		if err == nil && !first {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentResultPayload](env.Payload)
	if err != nil {
		return err
	}

	switch p.Outcome {
	case orders.OutcomeSuccess:
		ord, err := w.Lifecycle.MarkPaid(ctx, p.OrderID, p.Amount, p.ProviderOrderID, p.ProviderPaymentID)
		if err != nil {
			return w.transitionErr(ctx, p.OrderID, err)
		}
		w.publish(w.ProducerPaid, orders.EventOrderPaid, ord.ID, kafkax.MustMarshal(orders.OrderPaidPayload{
			OrderID: ord.ID, Amount: p.Amount, ProviderPaymentID: p.ProviderPaymentID,
		}), env.TraceID)
	case orders.OutcomeFailure:
		ord, err := w.Lifecycle.MarkFailed(ctx, p.OrderID, p.Amount, p.ProviderOrderID)
		if err != nil {
			return w.transitionErr(ctx, p.OrderID, err)
		}
		w.publish(w.ProducerClosed, orders.EventOrderFailed, ord.ID, kafkax.MustMarshal(orders.OrderClosedPayload{
			OrderID: ord.ID, Status: orders.StatusFailed, Reason: "payment failed",
		}), env.TraceID)
	default:
		w.logger().Warn("payment result with unknown outcome", "order_id", p.OrderID, "outcome", p.Outcome)
	}
	return nil
}

// Invalid transitions mean the order already settled some other way
// (cancelled, swept, or an earlier duplicate). Retrying would never help,
// so commit the offset.
func (w *PaymentWorker) transitionErr(_ context.Context, orderID string, err error) error {
	if errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrNotFound) {
		w.logger().Warn("payment result ignored", "order_id", orderID, "err", err)
		return nil
	}
	return err
}

func (w *PaymentWorker) publish(to Publisher, eventType, orderID string, payload []byte, trace string) {
	if to == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      w.ServiceName,
		TraceID:       trace,
		CorrelationID: orderID,
		Payload:       payload,
	}
	to.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (w *PaymentWorker) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}
