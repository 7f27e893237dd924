package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductInactive ProductStatus = "inactive"
)

type Product struct {
	ID        string
	SKU       string
	Name      string
	Price     decimal.Decimal // 2 fractional digits
	Stock     int             // never negative; mutated only via the ledger
	Status    ProductStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order struct {
	ID         string
	ExternalID string
	UserID     string
	AddressID  *string
	Total      decimal.Decimal
	Status     Status // see status.go
	Metadata   map[string]any
	PlacedAt   time.Time
	UpdatedAt  time.Time
}

// OrderItem is an immutable purchase-time snapshot. Product name, SKU and
// price are copied so later catalog edits never rewrite history.
type OrderItem struct {
	ID            string
	OrderID       string
	ProductID     string
	ProductName   string
	SKU           string
	Qty           int
	PriceSnapshot decimal.Decimal
	CreatedAt     time.Time
}

// Reservation is a time-bounded hold against a product's stock. Qty never
// changes after creation; Released flips once, false -> true.
type Reservation struct {
	ID         string
	ProductID  string
	OrderID    *string // nil until checkout binds it
	Qty        int
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Released   bool
	ReleasedAt *time.Time
}

func (r Reservation) Expired(now time.Time) bool {
	return !r.Released && !now.Before(r.ExpiresAt)
}

type Address struct {
	ID     string
	UserID string
}

type PaymentStatus string

const (
	PaymentCreated    PaymentStatus = "created"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type Payment struct {
	ID                string
	OrderID           string
	Amount            decimal.Decimal
	Status            PaymentStatus
	ProviderOrderID   string
	ProviderPaymentID string
	CreatedAt         time.Time
	CapturedAt        *time.Time
}
