package store

import (
	"context"
	"time"

	"wastezone/internal/model"
)

// Store is the persistence collaborator used by the dispatch service, the
// API server and the webhook worker.
type Store interface {
	// Zone state
	SaveZoneStates(ctx context.Context, states []model.ZoneState) error
	LoadZoneStates(ctx context.Context) ([]model.ZoneState, error)

	// Household signals. ListReadySignals makes every Store a signal source.
	SaveSignal(ctx context.Context, s model.HouseholdSignal) error
	ListReadySignals(ctx context.Context) ([]model.RawSignal, error)
	CompleteSignal(ctx context.Context, id string, at time.Time) error
	CancelSignal(ctx context.Context, id string, at time.Time) error

	// Collection history
	RecordCollection(ctx context.Context, ev model.CollectionEvent) error
	ListCollections(ctx context.Context, targetID string, limit int) ([]model.CollectionEvent, error)

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error)
	RetryWebhookDelivery(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound is shared with the domain packages so callers can test a
// single sentinel with errors.Is.
var ErrNotFound = model.ErrNotFound

// Signal lifecycle states.
const (
	SignalReady     = "ready"
	SignalCollected = "collected"
	SignalCancelled = "cancelled"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return defaultListLimit
	}
	return limit
}
