package orders

// Status is the delivery lifecycle of a confirmed order.
type Status string

const (
	StatusPlaced    Status = "placed"
	StatusPicking   Status = "picking"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

var validNext = map[Status]map[Status]bool{
	StatusPlaced:    {StatusPicking: true, StatusCancelled: true},
	StatusPicking:   {StatusShipped: true, StatusCancelled: true},
	StatusShipped:   {StatusDelivered: true},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentExpired PaymentStatus = "expired"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) IsTerminalFailure() bool {
	return s == PaymentExpired || s == PaymentFailed
}

var validPayment = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending: {PaymentPaid: true, PaymentExpired: true, PaymentFailed: true},
	PaymentPaid:    {},
	PaymentExpired: {},
	PaymentFailed:  {},
}

func CanTransitionPayment(from, to PaymentStatus) bool {
	return validPayment[from][to]
}

// ReconcileState is derived from a PendingOrder; see PendingOrder.State.
type ReconcileState string

const (
	StatePending      ReconcileState = "pending"
	StatePaid         ReconcileState = "paid"
	StateMaterialized ReconcileState = "materialized"
	StateExpired      ReconcileState = "expired"
	StateFailed       ReconcileState = "failed"
)

func (s ReconcileState) IsTerminal() bool {
	return s == StateMaterialized || s == StateExpired || s == StateFailed
}
