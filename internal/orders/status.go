package orders

type Status string

const (
	StatusPending   Status = "pending"
	StatusReserved  Status = "reserved"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusRefunded  Status = "refunded"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:   {StatusReserved: true, StatusCancelled: true, StatusFailed: true},
	StatusReserved:  {StatusPaid: true, StatusCancelled: true, StatusFailed: true},
	StatusPaid:      {StatusShipped: true, StatusRefunded: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
	StatusFailed:    {},
	StatusRefunded:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// ConsumesStock reports whether an order in this status owns its reserved
// stock permanently. Reservations under such orders must never be swept.
func (s Status) ConsumesStock() bool {
	switch s {
	case StatusPaid, StatusShipped, StatusDelivered, StatusRefunded:
		return true
	}
	return false
}
