package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"wastezone/internal/model"
	"wastezone/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []MarkRec
	fails []FailRec
}
type MarkRec struct {
	ID            string
	Success       bool
	Code, Latency int
	LastErr       string
	Next          time.Time
}
type FailRec struct {
	ID            string
	Code, Latency int
	LastErr       string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	rec := MarkRec{ID: id, Success: success, Code: responseCode, Latency: latencyMs, LastErr: lastError}
	if nextAttemptAt != nil {
		rec.Next = *nextAttemptAt
	}
	r.marks = append(r.marks, rec)
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}
func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, FailRec{ID: id, Code: responseCode, Latency: latencyMs, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func newTestWorker(rs *recordStore, client *http.Client, maxAttempts int) *Worker {
	w := NewWorker(rs, Config{MaxAttempts: maxAttempts, Interval: 10 * time.Millisecond}, nil)
	w.HTTP = client
	return w
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType, gotAttempt string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotType = r.Header.Get(HeaderEventType)
		gotAttempt = r.Header.Get(HeaderAttempt)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, srv.Client(), 3)
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "sub1", model.EventZoneCritical, srv.URL, "secret", []byte(`{"id":"evt1"}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue failed: %v", err)
	}

	if n := w.processOnce(context.Background()); n != 1 {
		t.Fatalf("processed %d, want 1", n)
	}

	if gotType != model.EventZoneCritical || gotAttempt != "1" {
		t.Fatalf("headers: type=%q attempt=%q", gotType, gotAttempt)
	}
	if !VerifyHMAC("secret", gotBody, gotSig) {
		t.Fatalf("signature %q does not verify", gotSig)
	}
	if len(rs.marks) != 1 || !rs.marks[0].Success || rs.marks[0].Code != 200 {
		t.Fatalf("expected mark success, got: %+v", rs.marks)
	}
	if n := w.processOnce(context.Background()); n != 0 {
		t.Fatalf("delivered item fetched again: %d", n)
	}
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, srv.Client(), 2)
	id, _ := rs.Memory.EnqueueWebhook(context.Background(), "sub1", model.EventZonesTicked, srv.URL, "", []byte(`{}`))

	before := time.Now()
	w.processOnce(context.Background())
	if len(rs.marks) != 1 || rs.marks[0].Success || rs.marks[0].LastErr != "status 500" {
		t.Fatalf("first attempt marks = %+v", rs.marks)
	}
	if rs.marks[0].Next.Before(before.Add(time.Second)) {
		t.Fatalf("next attempt %v scheduled too early", rs.marks[0].Next)
	}

	// Make it due again and exhaust the attempt budget.
	if err := rs.RetryWebhookDelivery(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	w.processOnce(context.Background())
	if len(rs.fails) != 1 || rs.fails[0].ID != id || rs.fails[0].Code != 500 {
		t.Fatalf("expected dead letter, got: %+v", rs.fails)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	var hits sync.WaitGroup
	hits.Add(1)
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(hits.Done)
		w.WriteHeader(204)
	}))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	w := newTestWorker(rs, srv.Client(), 3)
	_, _ = rs.Memory.EnqueueWebhook(context.Background(), "sub1", model.EventZonesTicked, srv.URL, "", []byte(`{"id":"e"}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()
	hits.Wait()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNextBackoff(t *testing.T) {
	cases := map[int]time.Duration{-1: time.Second, 0: time.Second, 1: 2 * time.Second, 3: 8 * time.Second, 20: time.Hour}
	for attempts, want := range cases {
		if got := nextBackoff(attempts); got != want {
			t.Errorf("nextBackoff(%d) = %v, want %v", attempts, got, want)
		}
	}
}

func TestPublisherEmit(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a/hook", Events: []string{model.EventZoneCritical}})
	_, _ = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b/hook", Events: []string{model.EventZoneCritical, model.EventZonesTicked}})

	p := NewPublisher(mem, nil)
	p.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	if n := p.Emit(ctx, model.EventZoneCritical, map[string]any{"zoneId": "zone-a"}); n != 2 {
		t.Fatalf("queued %d, want 2", n)
	}
	if n := p.Emit(ctx, model.EventSignalRemoved, nil); n != 0 {
		t.Fatalf("queued %d for an event nobody subscribed to", n)
	}

	due, _ := mem.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	var ev Event
	if err := json.Unmarshal(due[0].Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != model.EventZoneCritical || ev.TS != "2026-03-01T08:00:00Z" || ev.ID == "" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := SignHMAC("k", body)
	if !VerifyHMAC("k", body, sig) || !VerifyHMAC("k", body, "sha256="+sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyHMAC("other", body, sig) || VerifyHMAC("k", body, "zz") {
		t.Fatal("invalid signature accepted")
	}
}
