// Package notify tells the rest of the shop about confirmed and closed
// pending orders. Delivery is best effort: failures are logged, never
// returned to the reconciliation path.
package notify

import (
	"context"

	kafkax "github.com/ariefcatur/go-storefront-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	kafkago "github.com/segmentio/kafka-go"
)

type Notifier interface {
	OrderConfirmed(ctx context.Context, o orders.Order)
	PendingClosed(ctx context.Context, p orders.PendingOrder)
}

// Publisher is satisfied by *kafka.Producer.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

// Kafka publishes OrderConfirmed (plus StockShortfall for flagged orders)
// and PendingExpired/PendingFailed envelopes. A nil publisher skips that
// topic.
type Kafka struct {
	Confirmed Publisher
	Closed    Publisher
	Shortfall Publisher
	Service   string
	Logger    *logging.Logger
}

var _ Notifier = (*Kafka)(nil)

// NewKafka starts one producer per event topic. stop flushes and closes
// them; call it after the last notification.
func NewKafka(ctx context.Context, brokers []string, service string, log *logging.Logger) (n *Kafka, stop func()) {
	confirmed := kafkax.NewProducer(brokers, orders.TopicOrderConfirmed, 1024, log)
	closed := kafkax.NewProducer(brokers, orders.TopicPendingClosed, 1024, log)
	shortfall := kafkax.NewProducer(brokers, orders.TopicStockShortfall, 256, log)
	producers := []*kafkax.Producer{confirmed, closed, shortfall}
	for _, p := range producers {
		p.Start(ctx)
	}
	stop = func() {
		for _, p := range producers {
			p.Close()
		}
		for _, p := range producers {
			p.WaitClosed()
		}
	}
	return &Kafka{Confirmed: confirmed, Closed: closed, Shortfall: shortfall, Service: service, Logger: log}, stop
}

func (k *Kafka) OrderConfirmed(_ context.Context, o orders.Order) {
	k.publish(k.Confirmed, kafkax.NewEnvelope(orders.EventOrderConfirmed, k.Service, o.Payment.ChargeID, orders.ConfirmedPayload(o)), o.ID)
	if len(o.Shortfalls) > 0 {
		k.publish(k.Shortfall, kafkax.NewEnvelope(orders.EventStockShortfall, k.Service, o.Payment.ChargeID, orders.StockShortfallPayload{
			OrderID:    o.ID,
			ChargeID:   o.Payment.ChargeID,
			Shortfalls: o.Shortfalls,
		}), o.ID)
	}
}

func (k *Kafka) PendingClosed(_ context.Context, p orders.PendingOrder) {
	eventType := orders.EventPendingExpired
	if p.PaymentStatus == orders.PaymentFailed {
		eventType = orders.EventPendingFailed
	}
	k.publish(k.Closed, kafkax.NewEnvelope(eventType, k.Service, p.ChargeID, orders.PendingClosedPayload{
		PendingID: p.ID,
		UserID:    p.UserID,
		ChargeID:  p.ChargeID,
		Status:    string(p.PaymentStatus),
	}), "")
}

func (k *Kafka) publish(pub Publisher, env orders.Envelope, orderID string) {
	if pub == nil {
		return
	}
	err := pub.Publish(orders.PartitionKey(env.CorrelationID), kafkax.MustMarshal(env), kafkax.Headers(env)...)
	if err != nil {
		k.Logger.Err(logging.Fields{
			Step:     "notify",
			EventID:  env.EventID,
			OrderID:  orderID,
			ChargeID: env.CorrelationID,
			Message:  env.EventType,
		}, err)
	}
}

// Nop drops every notification.
type Nop struct{}

func (Nop) OrderConfirmed(context.Context, orders.Order)        {}
func (Nop) PendingClosed(context.Context, orders.PendingOrder) {}
