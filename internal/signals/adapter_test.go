package signals

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"wastezone/internal/model"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return t0 }

type stubSource struct {
	raws []model.RawSignal
	err  error
}

func (s *stubSource) ListReadySignals(context.Context) ([]model.RawSignal, error) {
	return s.raws, s.err
}

func TestIngestValidates(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	bad := []model.RawSignal{
		{ID: "", Lat: 9.99, Lng: 76.5},
		{ID: "zero", Lat: 0, Lng: 0},
		{ID: "nan", Lat: math.NaN(), Lng: 76.5},
		{ID: "lat", Lat: 95, Lng: 76.5},
		{ID: "lng", Lat: 9.99, Lng: -181},
	}
	for _, raw := range bad {
		_, err := a.Ingest(raw)
		var ve *model.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%q: want ValidationError, got %v", raw.ID, err)
		}
	}
	if a.Len() != 0 {
		t.Fatalf("invalid signals registered: %d", a.Len())
	}
}

func TestIngestNormalizes(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	s, err := a.Ingest(model.RawSignal{ID: " h1 ", Lat: 9.9945, Lng: 76.5375, WardNumber: " 12 ", WasteTypes: []string{"Plastic", " organic", "plastic", ""}})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if s.ID != "h1" || s.Ward != "12" || s.Lon != 76.5375 || !s.CreatedAt.Equal(t0) {
		t.Fatalf("signal = %+v", s)
	}
	if !reflect.DeepEqual(s.WasteTypes, []string{"organic", "plastic"}) {
		t.Fatalf("waste types = %v", s.WasteTypes)
	}
	if got, ok := a.Get("h1"); !ok || got.ID != "h1" {
		t.Fatal("signal not active")
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	now := t0
	a := NewAdapter(WithNow(func() time.Time { return now }))
	_, created, _ := a.IngestNew(model.RawSignal{ID: "h1", Lat: 9.99, Lng: 76.5})
	if !created {
		t.Fatal("first ingest should create")
	}
	now = t0.Add(time.Hour)
	s, created, _ := a.IngestNew(model.RawSignal{ID: "h1", Lat: 9.98, Lng: 76.5})
	if created || a.Len() != 1 {
		t.Fatalf("second ingest created=%v len=%d", created, a.Len())
	}
	if !s.CreatedAt.Equal(t0) || s.Lat != 9.98 {
		t.Fatalf("re-ingest = %+v", s)
	}
}

func TestActiveOrderAndRemove(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "b", Lat: 1, Lng: 1, CreatedAt: t0})
	_, _ = a.Ingest(model.RawSignal{ID: "a", Lat: 1, Lng: 1, CreatedAt: t0})
	_, _ = a.Ingest(model.RawSignal{ID: "c", Lat: 1, Lng: 1, CreatedAt: t0.Add(-time.Minute)})

	var ids []string
	for _, s := range a.Active() {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []string{"c", "a", "b"}) {
		t.Fatalf("order = %v", ids)
	}
	if !a.Remove("a") || a.Remove("a") {
		t.Fatal("remove should succeed once")
	}
}

func TestSyncReplacesActiveSet(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "stale", Lat: 1, Lng: 1})
	_, _ = a.Ingest(model.RawSignal{ID: "kept", Lat: 1, Lng: 1, CreatedAt: t0.Add(-time.Hour)})

	src := &stubSource{raws: []model.RawSignal{
		{ID: "kept", Lat: 1, Lng: 1},
		{ID: "new", Lat: 2, Lng: 2, WardNumber: "4"},
		{ID: "nowhere", Lat: 0, Lng: 0},
		{ID: "", Lat: 3, Lng: 3},
	}}
	res, err := a.Sync(context.Background(), src)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Skipped != 2 || len(res.Added) != 1 || res.Added[0].ID != "new" {
		t.Fatalf("result = %+v", res)
	}
	if !reflect.DeepEqual(res.Removed, []string{"stale"}) {
		t.Fatalf("removed = %v", res.Removed)
	}
	if k, _ := a.Get("kept"); !k.CreatedAt.Equal(t0.Add(-time.Hour)) {
		t.Fatalf("kept signal lost its creation time: %v", k.CreatedAt)
	}
}

func TestSyncSourceErrorKeepsActiveSet(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1})
	if _, err := a.Sync(context.Background(), &stubSource{err: errors.New("db down")}); err == nil {
		t.Fatal("expected error")
	}
	if a.Len() != 1 {
		t.Fatal("active set should be unchanged on source failure")
	}
}

func TestRawSignalWardNumberDecoding(t *testing.T) {
	var raws []model.RawSignal
	body := `[{"id":"a","lat":1,"lng":2,"ward_number":7,"waste_types":["e-waste"],"created_at":"2024-03-01T08:00:00Z"},
	          {"id":"b","lat":1,"lng":2,"ward_number":"12A"},
	          {"id":"c","lat":1,"lng":2,"ward_number":null}]`
	if err := json.Unmarshal([]byte(body), &raws); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if raws[0].WardNumber != "7" || raws[1].WardNumber != "12A" || raws[2].WardNumber != "" {
		t.Fatalf("wards = %q %q %q", raws[0].WardNumber, raws[1].WardNumber, raws[2].WardNumber)
	}
	if !raws[0].CreatedAt.Equal(t0) {
		t.Fatalf("created_at = %v", raws[0].CreatedAt)
	}
}

// gateSource hands out a listing captured before the test mutates the
// adapter, and holds Sync inside the read until released.
type gateSource struct {
	raws    []model.RawSignal
	entered chan struct{}
	release chan struct{}
}

func newGateSource(raws ...model.RawSignal) *gateSource {
	return &gateSource{raws: raws, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateSource) ListReadySignals(context.Context) ([]model.RawSignal, error) {
	close(g.entered)
	<-g.release
	return g.raws, nil
}

func syncAround(t *testing.T, a *Adapter, src *gateSource, during func()) SyncResult {
	t.Helper()
	type out struct {
		res SyncResult
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := a.Sync(context.Background(), src)
		done <- out{res, err}
	}()
	<-src.entered
	during()
	close(src.release)
	o := <-done
	if o.err != nil {
		t.Fatalf("sync: %v", o.err)
	}
	return o.res
}

func TestSyncKeepsRemovalDuringRead(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	h1 := model.RawSignal{ID: "h1", Lat: 1, Lng: 1, CreatedAt: t0}
	_, _ = a.Ingest(h1)

	res := syncAround(t, a, newGateSource(h1), func() {
		if !a.Remove("h1") {
			t.Error("h1 should be active before the sync finishes")
		}
	})
	if _, ok := a.Get("h1"); ok {
		t.Fatal("collected signal h1 is active again after the sync")
	}
	if len(res.Added) != 0 || len(res.Removed) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSyncKeepsIngestDuringRead(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1, WardNumber: "1"})

	res := syncAround(t, a, newGateSource(model.RawSignal{ID: "h1", Lat: 1, Lng: 1, WardNumber: "1"}), func() {
		_, _ = a.Ingest(model.RawSignal{ID: "h2", Lat: 2, Lng: 2})
		_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1, WardNumber: "9"})
	})
	if _, ok := a.Get("h2"); !ok {
		t.Fatal("h2 ingested during the sync was dropped")
	}
	if h1, _ := a.Get("h1"); h1.Ward != "9" {
		t.Fatalf("h1 ward = %q, the newer local write was lost", h1.Ward)
	}
	if len(res.Removed) != 0 {
		t.Fatalf("removed = %v", res.Removed)
	}
}

func TestClosedSignalStaysClosedWhileReported(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1})
	a.Remove("h1")

	// A source that still lists the household does not revive it.
	src := &stubSource{raws: []model.RawSignal{{ID: "h1", Lat: 1, Lng: 1}}}
	if res, _ := a.Sync(context.Background(), src); len(res.Added) != 0 {
		t.Fatalf("undated listing revived h1: %+v", res)
	}
	src.raws = []model.RawSignal{{ID: "h1", Lat: 1, Lng: 1, CreatedAt: t0.Add(-time.Hour)}}
	if res, _ := a.Sync(context.Background(), src); len(res.Added) != 0 {
		t.Fatalf("older request revived h1: %+v", res)
	}

	// A newer request for the same household is a new pickup.
	src.raws = []model.RawSignal{{ID: "h1", Lat: 1, Lng: 1, CreatedAt: t0.Add(30 * time.Minute)}}
	if res, _ := a.Sync(context.Background(), src); len(res.Added) != 1 {
		t.Fatalf("newer request not added: %+v", res)
	}
}

func TestTombstoneDroppedOnceSourceForgets(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1})
	a.Remove("h1")
	if _, err := a.Sync(context.Background(), &stubSource{}); err != nil {
		t.Fatal(err)
	}
	a.mu.RLock()
	n := len(a.closed)
	a.mu.RUnlock()
	if n != 0 {
		t.Fatalf("closed ids = %d, want 0", n)
	}
}

func TestReservedIDsRejected(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	a.Reserve(func(id string) bool { return id == "zone-a" })
	var ve *model.ValidationError
	if _, err := a.Ingest(model.RawSignal{ID: "zone-a", Lat: 1, Lng: 1}); !errors.As(err, &ve) {
		t.Fatalf("err = %v", err)
	}
	res, err := a.Sync(context.Background(), &stubSource{raws: []model.RawSignal{{ID: "zone-a", Lat: 1, Lng: 1}, {ID: "h1", Lat: 1, Lng: 1}}})
	if err != nil || res.Skipped != 1 || len(res.Added) != 1 {
		t.Fatalf("sync = %+v, %v", res, err)
	}
}

func TestRevertRestoresPrevious(t *testing.T) {
	a := NewAdapter(WithNow(fixedNow))
	_, _ = a.Ingest(model.RawSignal{ID: "h1", Lat: 1, Lng: 1, WardNumber: "1"})
	_, prev, err := a.Upsert(model.RawSignal{ID: "h1", Lat: 2, Lng: 2, WardNumber: "2"})
	if err != nil || prev == nil || prev.Ward != "1" {
		t.Fatalf("prev = %+v, %v", prev, err)
	}
	a.Revert("h1", prev)
	if s, _ := a.Get("h1"); s.Ward != "1" || s.Lat != 1 {
		t.Fatalf("after revert = %+v", s)
	}

	_, prev, _ = a.Upsert(model.RawSignal{ID: "h2", Lat: 1, Lng: 1})
	a.Revert("h2", prev)
	if _, ok := a.Get("h2"); ok {
		t.Fatal("reverted new signal still active")
	}
}
