package redisx

import "time"

const (
	// Idempotency checkout: idem:checkout:{user_id}:{Idempotency-Key} -> response JSON
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache status pending order yang sudah final: pending_status:{pending_id} -> JSON
	KeyPendingStatus = "pending_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

// inFlight marks an idempotency key whose first request has not finished.
const inFlight = "in-flight"
