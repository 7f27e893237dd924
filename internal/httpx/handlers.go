package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/metrics"
	"github.com/storelab/go-checkout-stock/internal/orders"
	"github.com/storelab/go-checkout-stock/internal/redisx"
)

// Publisher is what the handlers need from kafkax.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type API struct {
	Checkout  *orders.CheckoutService
	Lifecycle *orders.Lifecycle
	Store     orders.Store

	ProducerReserved Publisher // order.reserved, may be nil
	ProducerClosed   Publisher // order.closed, may be nil
	Redis            *redis.Client
	Service          string
	Log              *slog.Logger
}

func (a *API) Register(r *chi.Mux) {
	r.Post("/checkout", a.checkout)
	r.Get("/orders/{id}", a.getOrder)
	r.Post("/orders/{id}/cancel", a.cancelOrder)
	r.Post("/payments/notify", a.paymentNotify)
	r.Get("/products/{id}", a.getProduct)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrEmptyCart),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrProductUnavailable):
		code = http.StatusBadRequest
	case errors.Is(err, orders.ErrAddressNotFound),
		errors.Is(err, orders.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, orders.ErrConflict):
		// transient: retrying later may succeed
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

type checkoutReq struct {
	ExternalID string                `json:"external_id"`
	AddressID  string                `json:"address_id"`
	Items      []orders.CheckoutItem `json:"items"`
	TTLSeconds int                   `json:"ttl_seconds,omitempty"`
}

type orderResp struct {
	OrderID string          `json:"order_id"`
	Status  orders.Status   `json:"status"`
	Total   decimal.Decimal `json:"total"`
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-User-Id"})
		return
	}

	ctx := r.Context()

	// Replay fast path: a known external id answers from cache without
	// touching stock. The DB replay check below stays the source of truth.
	if a.Redis != nil && req.ExternalID != "" {
		key := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		if orderID, err := a.Redis.Get(ctx, key).Result(); err == nil && orderID != "" {
			var ord orders.Order
			err := a.Store.Do(ctx, func(tx orders.Tx) error {
				var err error
				ord, err = tx.GetOrder(ctx, orderID)
				return err
			})
			if err == nil {
				writeJSON(w, http.StatusOK, orderResp{OrderID: ord.ID, Status: ord.Status, Total: ord.Total})
				return
			}
			// stale cache entry; fall through to the store
		}
	}

	ord, err := a.Checkout.Checkout(ctx, orders.CheckoutInput{
		ExternalID: req.ExternalID,
		UserID:     userID,
		AddressID:  req.AddressID,
		Items:      req.Items,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		result := checkoutResult(err)
		if result == "error" && a.Log != nil {
			a.Log.Error("checkout failed", "user_id", userID, "err", err)
		}
		metrics.CheckoutsTotal.WithLabelValues(result).Inc()
		writeErr(w, err)
		return
	}
	metrics.CheckoutsTotal.WithLabelValues("reserved").Inc()

	if a.Redis != nil && req.ExternalID != "" {
		key := fmt.Sprintf(redisx.KeyIdemCheckout, req.ExternalID)
		_ = a.Redis.Set(ctx, key, ord.ID, redisx.TTLIdempotency).Err()
	}

	a.publishReserved(r, ord)
	writeJSON(w, http.StatusCreated, orderResp{OrderID: ord.ID, Status: ord.Status, Total: ord.Total})
}

func checkoutResult(err error) string {
	switch {
	case errors.Is(err, orders.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, orders.ErrConflict):
		return "conflict"
	case errors.Is(err, orders.ErrEmptyCart),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrProductUnavailable),
		errors.Is(err, orders.ErrAddressNotFound):
		return "validation"
	}
	return "error"
}

func (a *API) publishReserved(r *http.Request, ord orders.Order) {
	if a.ProducerReserved == nil {
		return
	}
	// item snapshots carry the reservation-time prices
	var items []orders.OrderItem
	err := a.Store.Do(r.Context(), func(tx orders.Tx) error {
		var err error
		items, err = tx.OrderItems(r.Context(), ord.ID)
		return err
	})
	if err != nil {
		if a.Log != nil {
			a.Log.Error("loading items for reserved event", "order_id", ord.ID, "err", err)
		}
		return
	}
	evItems := make([]orders.ReservedItem, 0, len(items))
	for _, it := range items {
		evItems = append(evItems, orders.ReservedItem{ProductID: it.ProductID, Qty: it.Qty, PriceSnapshot: it.PriceSnapshot})
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderReserved,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      a.Service,
		TraceID:       r.Header.Get("X-Request-Id"),
		CorrelationID: ord.ID,
		Payload: kafkax.MustMarshal(orders.OrderReservedPayload{
			OrderID:    ord.ID,
			ExternalID: ord.ExternalID,
			UserID:     ord.UserID,
			Items:      evItems,
			Total:      ord.Total,
		}),
	}
	a.ProducerReserved.Publish(orders.PartitionKey(ord.ID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderReserved)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx := r.Context()

	// cache first; the cached value is the exact body a miss would serve
	if a.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := a.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	var ord orders.Order
	var items []orders.OrderItem
	err := a.Store.Do(ctx, func(tx orders.Tx) error {
		var err error
		if ord, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		items, err = tx.OrderItems(ctx, orderID)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	type itemResp struct {
		ProductID   string          `json:"product_id"`
		ProductName string          `json:"product_name"`
		SKU         string          `json:"sku,omitempty"`
		Qty         int             `json:"qty"`
		Price       decimal.Decimal `json:"price_snapshot"`
	}
	out := struct {
		OrderID string          `json:"order_id"`
		Status  orders.Status   `json:"status"`
		Total   decimal.Decimal `json:"total"`
		Items   []itemResp      `json:"items"`
	}{OrderID: ord.ID, Status: ord.Status, Total: ord.Total}
	for _, it := range items {
		out.Items = append(out.Items, itemResp{
			ProductID: it.ProductID, ProductName: it.ProductName, SKU: it.SKU,
			Qty: it.Qty, Price: it.PriceSnapshot,
		})
	}

	body, err := json.Marshal(out)
	if err != nil {
		writeErr(w, err)
		return
	}
	if a.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		_ = a.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx := r.Context()

	ord, err := a.Lifecycle.Cancel(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	a.invalidateOrder(ctx, ord.ID)

	if a.ProducerClosed != nil {
		ev := orders.Envelope{
			EventID:       uuid.NewString(),
			EventType:     orders.EventOrderCancelled,
			EventVersion:  1,
			OccurredAt:    time.Now().UTC(),
			Producer:      a.Service,
			TraceID:       r.Header.Get("X-Request-Id"),
			CorrelationID: ord.ID,
			Payload: kafkax.MustMarshal(orders.OrderClosedPayload{
				OrderID: ord.ID, Status: orders.StatusCancelled,
			}),
		}
		a.ProducerClosed.Publish(orders.PartitionKey(ord.ID), kafkax.MustMarshal(ev),
			kafkago.Header{Key: "x-event-type", Value: []byte(orders.EventOrderCancelled)},
			kafkago.Header{Key: "x-event-version", Value: []byte("1")},
		)
	}
	writeJSON(w, http.StatusOK, orderResp{OrderID: ord.ID, Status: ord.Status, Total: ord.Total})
}

// paymentNotify is the webhook the payment provider calls. Gateway protocol
// details (signatures etc.) live upstream; this only consumes the outcome.
func (a *API) paymentNotify(w http.ResponseWriter, r *http.Request) {
	var p orders.PaymentResultPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if p.OrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing order_id"})
		return
	}

	ctx := r.Context()
	if a.Redis != nil && p.ProviderPaymentID != "" {
		dkey := fmt.Sprintf(redisx.KeyDedup, "webhook", p.ProviderPaymentID)
		if first, err := redisx.SetNX(ctx, a.Redis, dkey, redisx.TTLDedup); err == nil && !first {
			writeJSON(w, http.StatusOK, map[string]string{"result": "duplicate"})
			return
		}
	}

	var ord orders.Order
	var err error
	switch p.Outcome {
	case orders.OutcomeSuccess:
		ord, err = a.Lifecycle.MarkPaid(ctx, p.OrderID, p.Amount, p.ProviderOrderID, p.ProviderPaymentID)
	case orders.OutcomeFailure:
		ord, err = a.Lifecycle.MarkFailed(ctx, p.OrderID, p.Amount, p.ProviderOrderID)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown outcome"})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	a.invalidateOrder(ctx, ord.ID)
	writeJSON(w, http.StatusOK, orderResp{OrderID: ord.ID, Status: ord.Status, Total: ord.Total})
}

func (a *API) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var p orders.Product
	err := a.Store.Do(ctx, func(tx orders.Tx) error {
		var err error
		p, err = tx.GetProduct(ctx, id)
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ID     string               `json:"id"`
		SKU    string               `json:"sku,omitempty"`
		Name   string               `json:"name"`
		Price  decimal.Decimal      `json:"price"`
		Stock  int                  `json:"stock"`
		Status orders.ProductStatus `json:"status"`
	}{p.ID, p.SKU, p.Name, p.Price, p.Stock, p.Status})
}

// invalidateOrder drops the cached GET body after a status change; the next
// read repopulates it from the store.
func (a *API) invalidateOrder(ctx context.Context, orderID string) {
	if a.Redis == nil {
		return
	}
	_ = a.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID)).Err()
}
