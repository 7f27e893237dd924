package orders

const (
	TopicOrderReserved      = "order.reserved"
	TopicOrderPaid          = "order.paid"
	TopicOrderClosed        = "order.closed" // cancelled/failed
	TopicReservationExpired = "reservation.expired"
	TopicPaymentResult      = "payment.result"
)

// Partition key = order_id so every event of one order keeps its ordering.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
