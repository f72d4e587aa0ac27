package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"wastezone/internal/logging"
	"wastezone/internal/model"
)

// SubscriptionQueue is the part of the store the publisher needs.
type SubscriptionQueue interface {
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
}

// Event is the JSON body posted to subscribers.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	TS   string `json:"ts"`
	Data any    `json:"data"`
}

type Publisher struct {
	Store SubscriptionQueue
	Log   logging.Logger
	Now   func() time.Time
}

func NewPublisher(s SubscriptionQueue, log logging.Logger) *Publisher {
	if log == nil {
		log = logging.Noop()
	}
	return &Publisher{Store: s, Log: log, Now: time.Now}
}

// Emit enqueues one delivery per subscription for eventType and returns how
// many were queued. Failures are logged, never returned: publishing must not
// fail the operation that raised the event.
func (p *Publisher) Emit(ctx context.Context, eventType string, data any) int {
	if p == nil || p.Store == nil {
		return 0
	}
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, eventType)
	if err != nil {
		p.Log.Warn(ctx, "webhook subscriptions lookup failed", logging.String("event", eventType), logging.Err(err))
		return 0
	}
	if len(subs) == 0 {
		return 0
	}
	body, err := json.Marshal(Event{
		ID:   "evt_" + uuid.New().String(),
		Type: eventType,
		TS:   p.Now().UTC().Format(time.RFC3339),
		Data: data,
	})
	if err != nil {
		p.Log.Error(ctx, "webhook payload encode failed", logging.String("event", eventType), logging.Err(err))
		return 0
	}
	queued := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			p.Log.Warn(ctx, "webhook enqueue failed", logging.String("subscription", s.ID), logging.Err(err))
			continue
		}
		queued++
	}
	return queued
}
