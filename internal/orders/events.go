package orders

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderReserved      = "OrderReserved"
	EventOrderPaid          = "OrderPaid"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderFailed        = "OrderFailed"
	EventReservationExpired = "ReservationExpired"
	EventPaymentResult      = "PaymentResult"
)

type Envelope struct {
	EventID       string          `json:"event_id"` // uuid
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g. "checkout-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payload per event type ----

type ReservedItem struct {
	ProductID     string          `json:"product_id"`
	Qty           int             `json:"qty"`
	PriceSnapshot decimal.Decimal `json:"price_snapshot"`
}

type OrderReservedPayload struct {
	OrderID    string          `json:"order_id"`
	ExternalID string          `json:"external_id,omitempty"`
	UserID     string          `json:"user_id"`
	Items      []ReservedItem  `json:"items"`
	Total      decimal.Decimal `json:"total"`
}

type OrderPaidPayload struct {
	OrderID           string          `json:"order_id"`
	Amount            decimal.Decimal `json:"amount"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
}

type OrderClosedPayload struct {
	OrderID string `json:"order_id"`
	Status  Status `json:"status"` // cancelled | failed
	Reason  string `json:"reason,omitempty"`
}

type ReservationExpiredPayload struct {
	ReservationID string `json:"reservation_id"`
	ProductID     string `json:"product_id"`
	OrderID       string `json:"order_id,omitempty"`
	Qty           int    `json:"qty"`
}

// PaymentResultPayload is what the external payment provider reports, either
// via webhook or on the payment.result topic.
type PaymentResultPayload struct {
	OrderID           string          `json:"order_id"`
	Outcome           string          `json:"outcome"` // success | failure
	Amount            decimal.Decimal `json:"amount"`
	ProviderOrderID   string          `json:"provider_order_id,omitempty"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
}

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
