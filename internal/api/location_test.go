package api

import (
	"testing"
	"time"

	"wastezone/internal/model"
)

func TestLocationCacheKeepsNewestFix(t *testing.T) {
	c := NewLocationCache()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c.Upsert("w1", model.WorkerPosition{Lat: 1, Lon: 1}, t0)
	c.Upsert("w1", model.WorkerPosition{Lat: 2, Lon: 2}, t0.Add(-time.Second))
	if l, _ := c.Get("w1"); l.Lat != 1 {
		t.Fatalf("older fix replaced newer: %+v", l)
	}
	c.Upsert("  ", model.WorkerPosition{Lat: 3, Lon: 3}, t0)
	if c.Len() != 1 {
		t.Fatalf("blank worker id was cached")
	}
}

func TestLocationCacheEvictsOldestWhenFull(t *testing.T) {
	c := newLocationCache(2)
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c.Upsert("w1", model.WorkerPosition{Lat: 1, Lon: 1}, t0)
	c.Upsert("w2", model.WorkerPosition{Lat: 2, Lon: 2}, t0.Add(time.Minute))
	c.Upsert("w1", model.WorkerPosition{Lat: 1, Lon: 1}, t0.Add(2*time.Minute))
	c.Upsert("w3", model.WorkerPosition{Lat: 3, Lon: 3}, t0.Add(3*time.Minute))

	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("w2"); ok {
		t.Fatal("w2 had the oldest fix and should have been evicted")
	}
	for _, id := range []string{"w1", "w3"} {
		if _, ok := c.Get(id); !ok {
			t.Fatalf("%s missing", id)
		}
	}
}
