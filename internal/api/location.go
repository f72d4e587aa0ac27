package api

import (
	"strings"
	"sync"
	"time"

	"wastezone/internal/model"
)

// DefaultMaxWorkers bounds the number of workers a LocationCache tracks.
const DefaultMaxWorkers = 10000

// LocationCache stores the latest reported position per worker. When full,
// a new worker evicts the one with the oldest fix.
type LocationCache struct {
	mu  sync.Mutex
	m   map[string]model.WorkerLocation
	max int
}

// NewLocationCache constructs a LocationCache holding DefaultMaxWorkers.
func NewLocationCache() *LocationCache { return newLocationCache(DefaultMaxWorkers) }

func newLocationCache(max int) *LocationCache {
	return &LocationCache{m: map[string]model.WorkerLocation{}, max: max}
}

// Upsert records pos for workerID unless a newer fix is already cached.
func (c *LocationCache) Upsert(workerID string, pos model.WorkerPosition, ts time.Time) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.m[workerID]
	if ok && prev.TS.After(ts) {
		return
	}
	if !ok && len(c.m) >= c.max {
		c.evictOldest()
	}
	c.m[workerID] = model.WorkerLocation{WorkerID: workerID, Lat: pos.Lat, Lon: pos.Lon, AccuracyMeters: pos.AccuracyMeters, TS: ts.UTC()}
}

// Get returns the latest location of workerID.
func (c *LocationCache) Get(workerID string) (model.WorkerLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.m[workerID]
	return l, ok
}

func (c *LocationCache) evictOldest() {
	var (
		oldest string
		at     time.Time
	)
	for id, l := range c.m {
		if oldest == "" || l.TS.Before(at) {
			oldest, at = id, l.TS
		}
	}
	delete(c.m, oldest)
}

// Len reports how many workers are cached.
func (c *LocationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
