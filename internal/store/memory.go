package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"wastezone/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu          sync.Mutex
	now         func() time.Time
	zones       map[string]model.ZoneState
	signals     map[string]*memSignal
	collections []model.CollectionEvent
	subs        []model.Subscription
	deliveries  map[string]*memDelivery
	order       []string // delivery ids in enqueue order
	dedup       map[string]string
	dlq         []map[string]any
}

type memSignal struct {
	model.HouseholdSignal
	Status      string
	CompletedAt *time.Time
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
	CreatedAt     time.Time
}

func NewMemory() *Memory {
	return &Memory{
		now:        time.Now,
		zones:      map[string]model.ZoneState{},
		signals:    map[string]*memSignal{},
		deliveries: map[string]*memDelivery{},
		dedup:      map[string]string{},
	}
}

func (m *Memory) SaveZoneStates(ctx context.Context, states []model.ZoneState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		m.zones[s.ZoneID] = s
	}
	return nil
}

func (m *Memory) LoadZoneStates(ctx context.Context) ([]model.ZoneState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ZoneState, 0, len(m.zones))
	for _, s := range m.zones {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out, nil
}

func (m *Memory) SaveSignal(ctx context.Context, s model.HouseholdSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = &memSignal{HouseholdSignal: s, Status: SignalReady}
	return nil
}

func (m *Memory) ListReadySignals(ctx context.Context) ([]model.RawSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.RawSignal{}
	for _, s := range m.signals {
		if s.Status != SignalReady {
			continue
		}
		out = append(out, toRaw(s.HouseholdSignal))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) CompleteSignal(ctx context.Context, id string, at time.Time) error {
	return m.closeSignal(id, SignalCollected, at)
}

func (m *Memory) CancelSignal(ctx context.Context, id string, at time.Time) error {
	return m.closeSignal(id, SignalCancelled, at)
}

func (m *Memory) closeSignal(id, status string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.signals[id]
	if s == nil || s.Status != SignalReady {
		return fmt.Errorf("signal %q: %w", id, ErrNotFound)
	}
	s.Status = status
	at = at.UTC()
	s.CompletedAt = &at
	return nil
}

func (m *Memory) RecordCollection(ctx context.Context, ev model.CollectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	m.collections = append(m.collections, ev)
	return nil
}

func (m *Memory) ListCollections(ctx context.Context, targetID string, limit int) ([]model.CollectionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := []model.CollectionEvent{}
	for i := len(m.collections) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.collections[i]
		if targetID == "" || ev.TargetID == targetID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CollectedAt.After(out[j].CollectedAt) })
	return out, nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := model.Subscription{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Events:    append([]string(nil), req.Events...),
		Secret:    req.Secret,
		CreatedAt: m.now().UTC(),
	}
	m.subs = append(m.subs, sub)
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs {
		if slices.Contains(s.Events, eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if cursor != "" {
		for i, s := range m.subs {
			if s.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	limit = clampLimit(limit)
	out := []model.Subscription{}
	next := ""
	for i := start; i < len(m.subs) && len(out) < limit; i++ {
		out = append(out, m.subs[i])
	}
	if start+len(out) < len(m.subs) && len(out) > 0 {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == id {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("subscription %q: %w", id, ErrNotFound)
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventType + "|" + url + "|" + computeDedupKey(payload)
	if id, ok := m.dedup[key]; ok {
		return id, nil
	}
	id := uuid.New().String()
	now := m.now()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending},
		NextAttemptAt:   now,
		CreatedAt:       now,
	}
	m.order = append(m.order, id)
	m.dedup[key] = id
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := []WebhookDelivery{}
	for _, id := range m.order {
		d := m.deliveries[id]
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %q: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := m.now()
		d.DeliveredAt = &now
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	} else {
		d.NextAttemptAt = m.now().Add(time.Minute)
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %q: %w", id, ErrNotFound)
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, map[string]any{
		"deliveryId": id, "eventType": d.EventType, "url": d.URL, "attempts": d.Attempts,
		"lastError": lastError, "responseCode": responseCode, "createdAt": m.now(),
	})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := []map[string]any{}
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		d := m.deliveries[m.order[i]]
		if status != "" && d.Status != status {
			continue
		}
		item := map[string]any{
			"id": d.ID, "subscriptionId": d.SubscriptionID, "eventType": d.EventType,
			"status": d.Status, "attempts": d.Attempts, "url": d.URL, "createdAt": d.CreatedAt,
		}
		if !d.NextAttemptAt.IsZero() {
			item["nextAttemptAt"] = d.NextAttemptAt
		}
		if d.LastError != "" {
			item["lastError"] = d.LastError
		}
		if d.ResponseCode != 0 {
			item["responseCode"] = d.ResponseCode
		}
		if d.DeliveredAt != nil {
			item["deliveredAt"] = *d.DeliveredAt
		}
		out = append(out, item)
	}
	return out, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return fmt.Errorf("delivery %q: %w", id, ErrNotFound)
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = m.now()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

func toRaw(s model.HouseholdSignal) model.RawSignal {
	return model.RawSignal{
		ID:         s.ID,
		Lat:        s.Lat,
		Lng:        s.Lon,
		WardNumber: model.WardNumber(s.Ward),
		WasteTypes: append([]string(nil), s.WasteTypes...),
		CreatedAt:  s.CreatedAt,
	}
}
