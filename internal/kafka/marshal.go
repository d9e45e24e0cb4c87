package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// NewEnvelope wraps payload in a v1 envelope keyed by charge id.
func NewEnvelope(eventType, producer, chargeID string, payload any) orders.Envelope {
	return orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: chargeID,
		Payload:       MustMarshal(payload),
	}
}

// Headers are the routing headers every envelope is published with.
func Headers(env orders.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: "x-event-type", Value: []byte(env.EventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(env.EventVersion))},
	}
}

func UnmarshalEnvelope(b []byte) (orders.Envelope, error) {
	var env orders.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Unwrap memudahkan decode payload spesifik
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}
