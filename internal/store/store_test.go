package store

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"wastezone/internal/model"
)

func TestMemoryConformance(t *testing.T) {
	runConformance(t, NewMemory())
}

func TestSQLiteConformance(t *testing.T) {
	s, err := NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	// Re-running the schema is a no-op.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	runConformance(t, s)
}

func runConformance(t *testing.T, s Store) {
	t.Run("ZoneStates", func(t *testing.T) { testZoneStates(t, s) })
	t.Run("Signals", func(t *testing.T) { testSignals(t, s) })
	t.Run("Collections", func(t *testing.T) { testCollections(t, s) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, s) })
	t.Run("Webhooks", func(t *testing.T) { testWebhooks(t, s) })
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func testZoneStates(t *testing.T, s Store) {
	ctx := context.Background()
	states := []model.ZoneState{
		{ZoneID: "zone-b", CurrentFill: 120, LastCollectionTime: t0, UpdatedAt: t0.Add(time.Minute)},
		{ZoneID: "zone-a", CurrentFill: 40.5, LastCollectionTime: t0.Add(-time.Hour), UpdatedAt: t0.Add(time.Minute)},
	}
	if err := s.SaveZoneStates(ctx, states); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveZoneStates(ctx, []model.ZoneState{{ZoneID: "zone-b", CurrentFill: 2, LastCollectionTime: t0.Add(time.Hour), UpdatedAt: t0.Add(time.Hour)}}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.LoadZoneStates(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].ZoneID != "zone-a" || got[1].ZoneID != "zone-b" {
		t.Fatalf("states = %+v", got)
	}
	if got[0].CurrentFill != 40.5 || !got[0].LastCollectionTime.Equal(t0.Add(-time.Hour)) {
		t.Fatalf("zone-a = %+v", got[0])
	}
	if got[1].CurrentFill != 2 || !got[1].LastCollectionTime.Equal(t0.Add(time.Hour)) {
		t.Fatalf("zone-b not overwritten: %+v", got[1])
	}
}

func testSignals(t *testing.T, s Store) {
	ctx := context.Background()
	late := model.HouseholdSignal{ID: "sig-late", Lat: 9.99, Lon: 76.53, Ward: "12", WasteTypes: []string{"dry", "plastic"}, CreatedAt: t0.Add(time.Minute)}
	early := model.HouseholdSignal{ID: "sig-early", Lat: 9.98, Lon: 76.54, CreatedAt: t0}
	for _, sig := range []model.HouseholdSignal{late, early} {
		if err := s.SaveSignal(ctx, sig); err != nil {
			t.Fatalf("save %s: %v", sig.ID, err)
		}
	}
	ready, err := s.ListReadySignals(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != "sig-early" || ready[1].ID != "sig-late" {
		t.Fatalf("ready = %+v", ready)
	}
	if ready[1].WardNumber != "12" || !slices.Equal(ready[1].WasteTypes, []string{"dry", "plastic"}) || ready[1].Lng != 76.53 {
		t.Fatalf("round trip lost fields: %+v", ready[1])
	}
	if !ready[0].CreatedAt.Equal(t0) {
		t.Fatalf("createdAt = %v", ready[0].CreatedAt)
	}

	if err := s.CompleteSignal(ctx, "sig-early", t0.Add(time.Hour)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.CompleteSignal(ctx, "sig-early", t0.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second complete err = %v", err)
	}
	if err := s.CancelSignal(ctx, "missing", t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel missing err = %v", err)
	}
	ready, _ = s.ListReadySignals(ctx)
	if len(ready) != 1 || ready[0].ID != "sig-late" {
		t.Fatalf("ready after complete = %+v", ready)
	}

	// Re-submitting a signal makes it ready again.
	if err := s.SaveSignal(ctx, early); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if err := s.CancelSignal(ctx, "sig-late", t0); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ready, _ = s.ListReadySignals(ctx)
	if len(ready) != 1 || ready[0].ID != "sig-early" {
		t.Fatalf("ready after resave = %+v", ready)
	}
}

func testCollections(t *testing.T, s Store) {
	ctx := context.Background()
	dist := 12.5
	lat, lon := 9.99, 76.53
	events := []model.CollectionEvent{
		{ID: "c1", TargetKind: model.KindZone, TargetID: "zone-a", Amount: 50, FillBefore: 80, FillAfter: 30, CollectedAt: t0},
		{ID: "c2", TargetKind: model.KindSignal, TargetID: "sig-1", WorkerID: "w1", CollectedAt: t0.Add(time.Minute)},
		{ID: "c3", TargetKind: model.KindZone, TargetID: "zone-a", WorkerID: "w1", Amount: 10, WorkerLat: &lat, WorkerLon: &lon,
			DistanceMeters: &dist, FillBefore: 40, FillAfter: 30, CollectedAt: t0.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := s.RecordCollection(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", ev.ID, err)
		}
	}
	got, err := s.ListCollections(ctx, "zone-a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "c3" || got[1].ID != "c1" {
		t.Fatalf("zone-a history = %+v", got)
	}
	if got[0].DistanceMeters == nil || *got[0].DistanceMeters != 12.5 || got[0].WorkerID != "w1" || *got[0].WorkerLat != lat {
		t.Fatalf("optional fields lost: %+v", got[0])
	}
	if got[1].WorkerLat != nil || got[1].WorkerID != "" {
		t.Fatalf("unexpected worker fields: %+v", got[1])
	}
	all, _ := s.ListCollections(ctx, "", 0)
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
	one, _ := s.ListCollections(ctx, "", 1)
	if len(one) != 1 || one[0].ID != "c3" {
		t.Fatalf("limit 1 = %+v", one)
	}
}

func testSubscriptions(t *testing.T, s Store) {
	ctx := context.Background()
	a, err := s.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a.example/hook", Events: []string{model.EventZonesTicked}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := s.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b.example/hook", Secret: "s3cret",
		Events: []string{model.EventZoneCritical, model.EventCollectionConfirmed}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" || a.ID == b.ID || a.CreatedAt.IsZero() {
		t.Fatalf("subscriptions = %+v %+v", a, b)
	}

	subs, err := s.GetSubscriptionsForEvent(ctx, model.EventZoneCritical)
	if err != nil {
		t.Fatalf("for event: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != b.ID || subs[0].Secret != "s3cret" {
		t.Fatalf("zone.critical subscribers = %+v", subs)
	}

	page, next, err := s.ListSubscriptions(ctx, "", 1)
	if err != nil || len(page) != 1 || next == "" {
		t.Fatalf("page 1 = %+v next=%q err=%v", page, next, err)
	}
	page2, next2, err := s.ListSubscriptions(ctx, next, 1)
	if err != nil || len(page2) != 1 || next2 != "" || page2[0].ID == page[0].ID {
		t.Fatalf("page 2 = %+v next=%q err=%v", page2, next2, err)
	}

	if err := s.DeleteSubscription(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteSubscription(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
	rest, _, _ := s.ListSubscriptions(ctx, "", 10)
	if len(rest) != 1 || rest[0].ID != b.ID {
		t.Fatalf("after delete = %+v", rest)
	}
}

func testWebhooks(t *testing.T, s Store) {
	ctx := context.Background()
	payload := []byte(`{"id":"evt-1","type":"zone.critical","data":{}}`)
	id, err := s.EnqueueWebhook(ctx, "sub-1", model.EventZoneCritical, "http://a.example/hook", "k", payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dup, err := s.EnqueueWebhook(ctx, "sub-1", model.EventZoneCritical, "http://a.example/hook", "k", payload)
	if err != nil || dup != id {
		t.Fatalf("duplicate enqueue = %q, %v; want %q", dup, err, id)
	}

	due, err := s.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(due) != 1 || due[0].ID != id || due[0].Secret != "k" || string(due[0].Payload) != string(payload) {
		t.Fatalf("due = %+v", due)
	}

	later := time.Now().Add(time.Hour)
	if err := s.MarkWebhookDelivery(ctx, id, false, &later, "status 500", 500, 12); err != nil {
		t.Fatalf("mark retry: %v", err)
	}
	if due, _ := s.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("delivery scheduled later should not be due: %+v", due)
	}
	if err := s.RetryWebhookDelivery(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	due, _ = s.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("due after retry = %+v", due)
	}
	if err := s.MarkWebhookDelivery(ctx, id, true, nil, "", 204, 5); err != nil {
		t.Fatalf("mark ok: %v", err)
	}
	delivered, err := s.ListWebhookDeliveries(ctx, DeliveryDelivered, 10)
	if err != nil || len(delivered) != 1 || delivered[0]["id"] != id || delivered[0]["attempts"] != 2 {
		t.Fatalf("delivered = %+v err=%v", delivered, err)
	}

	failID, _ := s.EnqueueWebhook(ctx, "sub-1", model.EventZoneCritical, "http://a.example/hook", "", []byte(`{"id":"evt-2"}`))
	if err := s.FailWebhookDelivery(ctx, failID, "gone", 410, 3); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, _ := s.ListWebhookDeliveries(ctx, DeliveryFailed, 10)
	if len(failed) != 1 || failed[0]["id"] != failID || failed[0]["lastError"] != "gone" {
		t.Fatalf("failed = %+v", failed)
	}
	all, _ := s.ListWebhookDeliveries(ctx, "", 10)
	if len(all) != 2 {
		t.Fatalf("all deliveries = %d, want 2", len(all))
	}
	if err := s.MarkWebhookDelivery(ctx, "missing", true, nil, "", 200, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("mark missing err = %v", err)
	}
}
