package reconcile

import (
	"context"
	"errors"

	kafkax "github.com/ariefcatur/go-storefront-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/go-storefront-fulfillment/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

// ChargeEvents handles ChargeUpdated envelopes forwarded by the payment
// webhook. The event only names the charge; its status is re-read from
// the gateway by the Machine.
type ChargeEvents struct {
	Machine *Machine
	Redis   *redis.Client
	Service string
	Logger  *logging.Logger
}

// Handle dipasang sebagai handler consumer.
func (h *ChargeEvents) Handle(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// pesan rusak tidak akan pernah bisa diproses; commit saja
		h.Logger.Err(logging.Fields{Step: "decode_event", Message: string(m.Key)}, err)
		return nil
	}
	if env.EventType != orders.EventChargeUpdated {
		return nil
	}

	if h.Redis != nil {
		first, err := redisx.FirstDelivery(ctx, h.Redis, h.Service, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
	}

	if err := h.apply(ctx, env); err != nil {
		if h.Redis != nil {
			_ = redisx.ForgetDelivery(ctx, h.Redis, h.Service, env.EventID)
		}
		return err
	}
	return nil
}

func (h *ChargeEvents) apply(ctx context.Context, env orders.Envelope) error {
	p, err := kafkax.UnwrapPayload[orders.ChargeUpdatedPayload](env.Payload)
	if err != nil {
		h.Logger.Err(logging.Fields{Step: "decode_event", EventID: env.EventID}, err)
		return nil
	}
	res, err := h.Machine.PollCharge(ctx, p.ChargeID, TriggerWebhook)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		// charge bukan milik toko ini, atau pending-nya gagal disimpan saat checkout
		h.Logger.Log(logging.Fields{Step: "webhook", Status: "ignored", EventID: env.EventID, ChargeID: p.ChargeID, Message: "unknown charge"})
		return nil
	case errors.Is(err, orders.ErrExpired), errors.Is(err, orders.ErrFailed):
		return nil
	case err != nil:
		return err
	}
	h.Logger.Log(logging.Fields{Step: "webhook", Status: string(res.State), EventID: env.EventID, PendingID: res.Pending.ID, ChargeID: p.ChargeID})
	return nil
}
