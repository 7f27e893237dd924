package redisx

import "time"

const (
	// Checkout idempotency fast path: idem:checkout:{external_id} -> order_id
	KeyIdemCheckout = "idem:checkout:%s"

	// Order read cache: order_status:{order_id} -> the GET /orders/{id} body
	KeyOrderStatus = "order_status:%s"

	// Event/webhook dedup: dedup:{service}:{id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
