package orders

const (
	TopicOrderConfirmed = "fulfillment.order.confirmed"
	TopicPendingClosed  = "fulfillment.pending.closed"
	TopicChargeUpdated  = "payment.charge.updated"
	TopicStockShortfall = "fulfillment.stock.shortfall"
)

// Partition key = charge id, supaya semua event 1 charge maintain urutan.
func PartitionKey(chargeID string) []byte { return []byte(chargeID) }
