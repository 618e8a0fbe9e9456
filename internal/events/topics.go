package events

const (
	TopicReservationChanged = "cart.reservation.changed"
	TopicDraftCreated       = "checkout.draft.created"
	TopicPaymentStarted     = "checkout.payment.started"
	TopicOrderFinalized     = "order.finalized"
)

// Partition key = shopper id for cart events, draft id for checkout events, so every event of
// one cart or one draft keeps its order.
func PartitionKey(id string) []byte { return []byte(id) }
