package roads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"wastezone/internal/geo"
)

const okBody = `{"code":"Ok","routes":[{"distance":812.4,"duration":95.1,
  "geometry":{"type":"LineString","coordinates":[[76.537,9.994],[76.5375,9.9945],[76.54,9.995]]}}]}`

func newTestClient(t *testing.T, url string) *OSRM {
	t.Helper()
	c, err := NewOSRM(Config{BaseURL: url, Backoff: time.Millisecond, MaxAttempts: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var waypoints = []geo.Point{{Lat: 9.994, Lon: 76.537}, {Lat: 9.9945, Lon: 76.5375}, {Lat: 9.995, Lon: 76.54}}

func TestRouteDecodesGeometry(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	g, err := newTestClient(t, srv.URL+"/").Route(context.Background(), waypoints)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/route/v1/driving/76.537000,9.994000;76.537500,9.994500;") {
		t.Fatalf("path = %s", gotPath)
	}
	if g.DistanceMeters != 812.4 || len(g.Coordinates) != 3 || g.Coordinates[0] != [2]float64{9.994, 76.537} {
		t.Fatalf("geometry = %+v", g)
	}
}

func TestRouteRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(okBody))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Route(context.Background(), waypoints); err != nil {
		t.Fatalf("route: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRouteGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL).Route(context.Background(), waypoints); err == nil {
		t.Fatal("expected error")
	}
	if calls != 4 {
		t.Fatalf("calls = %d, want 4", calls)
	}
}

func TestRouteDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"code":"InvalidQuery"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).Route(context.Background(), waypoints)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRouteNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route","routes":[]}`))
	}))
	defer srv.Close()
	if _, err := newTestClient(t, srv.URL).Route(context.Background(), waypoints); err == nil || !strings.Contains(err.Error(), "NoRoute") {
		t.Fatalf("err = %v", err)
	}
}

func TestRouteHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c, _ := NewOSRM(Config{BaseURL: srv.URL, Backoff: time.Hour, MaxAttempts: 4}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := c.Route(ctx, waypoints); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("backoff ignored context cancellation")
	}
}

func TestRouteValidation(t *testing.T) {
	if _, err := NewOSRM(Config{}, nil); err == nil {
		t.Fatal("expected error without base URL")
	}
	c, _ := NewOSRM(Config{BaseURL: "http://127.0.0.1:1"}, nil)
	if _, err := c.Route(context.Background(), waypoints[:1]); err == nil {
		t.Fatal("expected error for a single waypoint")
	}
}
