// Package signals turns citizen "ready for pickup" reports into household
// signals and keeps the registry of signals still awaiting collection.
package signals

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"wastezone/internal/geo"
	"wastezone/internal/logging"
	"wastezone/internal/model"
)

// Source lists every household currently marked ready.
type Source interface {
	ListReadySignals(ctx context.Context) ([]model.RawSignal, error)
}

// Adapter is the registry of active household signals. Every local
// mutation is stamped with a sequence number so a Sync that read its source
// before the mutation cannot undo it.
type Adapter struct {
	mu       sync.RWMutex
	active   map[string]entry
	closed   map[string]tombstone
	seq      uint64
	reserved func(id string) bool
	now      func() time.Time
	log      logging.Logger
}

type entry struct {
	sig model.HouseholdSignal
	seq uint64 // 0 when last written by Sync
}

// tombstone remembers a collected or cancelled id until the source stops
// reporting it, so a stale source cannot bring it back.
type tombstone struct {
	at  time.Time
	seq uint64
}

type Option func(*Adapter)

func WithNow(now func() time.Time) Option { return func(a *Adapter) { a.now = now } }

func WithLogger(l logging.Logger) Option { return func(a *Adapter) { a.log = l } }

func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		active: map[string]entry{},
		closed: map[string]tombstone{},
		now:    time.Now,
		log:    logging.Noop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reserve rejects signal ids for which taken reports true, such as ids that
// already name a zone.
func (a *Adapter) Reserve(taken func(id string) bool) {
	a.mu.Lock()
	a.reserved = taken
	a.mu.Unlock()
}

func (a *Adapter) checkReserved(id string) error {
	if a.reserved != nil && a.reserved(id) {
		return model.Invalid("id", fmt.Sprintf("%q is already used by a zone", id))
	}
	return nil
}

// Normalize validates raw and converts it into a HouseholdSignal. (0,0) is
// the "no location" sentinel and is rejected like any other bad coordinate.
func Normalize(raw model.RawSignal, now time.Time) (model.HouseholdSignal, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return model.HouseholdSignal{}, model.Invalid("id", "must not be empty")
	}
	if geo.IsZero(raw.Lat, raw.Lng) {
		return model.HouseholdSignal{}, model.Invalid("lat/lng", "(0,0) means no location")
	}
	if err := geo.Check(raw.Lat, raw.Lng); err != nil {
		return model.HouseholdSignal{}, model.Invalid("lat/lng", err.Error())
	}
	created := raw.CreatedAt
	if created.IsZero() {
		created = now
	}
	return model.HouseholdSignal{
		ID:         id,
		Lat:        raw.Lat,
		Lon:        raw.Lng,
		Ward:       strings.TrimSpace(string(raw.WardNumber)),
		WasteTypes: normalizeTypes(raw.WasteTypes),
		CreatedAt:  created.UTC(),
	}, nil
}

func normalizeTypes(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Ingest validates raw and registers it as active. Re-ingesting a known id
// replaces its fields but keeps the original creation time.
func (a *Adapter) Ingest(raw model.RawSignal) (model.HouseholdSignal, error) {
	s, _, err := a.IngestNew(raw)
	return s, err
}

// IngestNew is Ingest that also reports whether the id was new.
func (a *Adapter) IngestNew(raw model.RawSignal) (model.HouseholdSignal, bool, error) {
	s, prev, err := a.Upsert(raw)
	return s, prev == nil, err
}

// Upsert is Ingest that returns the signal it replaced, nil when the id was
// new. Pass it to Revert to undo the write.
func (a *Adapter) Upsert(raw model.RawSignal) (model.HouseholdSignal, *model.HouseholdSignal, error) {
	s, err := Normalize(raw, a.now())
	if err != nil {
		return model.HouseholdSignal{}, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkReserved(s.ID); err != nil {
		return model.HouseholdSignal{}, nil, err
	}
	var prev *model.HouseholdSignal
	if e, ok := a.active[s.ID]; ok {
		p := e.sig
		prev = &p
		if raw.CreatedAt.IsZero() {
			s.CreatedAt = p.CreatedAt
		}
	}
	a.seq++
	a.active[s.ID] = entry{sig: s, seq: a.seq}
	delete(a.closed, s.ID)
	return s, prev, nil
}

// Revert restores prev for id after a failed Upsert; a nil prev drops id
// without leaving a tombstone.
func (a *Adapter) Revert(id string, prev *model.HouseholdSignal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	if prev == nil {
		delete(a.active, id)
		return
	}
	a.active[id] = entry{sig: *prev, seq: a.seq}
}

func (a *Adapter) Get(id string) (model.HouseholdSignal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, ok := a.active[id]
	return e.sig, ok
}

// Remove drops id from the active set; it reports whether id was active.
// The id stays closed until the source stops reporting it or reports it
// again with a newer creation time.
func (a *Adapter) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.active[id]; !ok {
		return false
	}
	delete(a.active, id)
	a.seq++
	a.closed[id] = tombstone{at: a.now(), seq: a.seq}
	return true
}

// Active returns every active signal ordered by creation time, then id.
func (a *Adapter) Active() []model.HouseholdSignal {
	a.mu.RLock()
	out := make([]model.HouseholdSignal, 0, len(a.active))
	for _, e := range a.active {
		out = append(out, e.sig)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

// SyncResult summarizes one Sync.
type SyncResult struct {
	Added   []model.HouseholdSignal
	Removed []string
	Skipped int
}

// Sync replaces the active set with the valid entries reported by src.
// Invalid entries are skipped and counted. On a source error the active set
// is left untouched.
//
// The source is read without holding the lock, so the result is merged:
// signals ingested or removed while the source was being read keep their
// local state, and closed ids are not revived by a stale listing.
func (a *Adapter) Sync(ctx context.Context, src Source) (SyncResult, error) {
	a.mu.RLock()
	start := a.seq
	a.mu.RUnlock()

	raws, err := src.ListReadySignals(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list ready signals: %w", err)
	}
	now := a.now()
	next := make(map[string]model.HouseholdSignal, len(raws))
	undated := map[string]bool{}
	var res SyncResult
	for _, raw := range raws {
		s, err := Normalize(raw, now)
		if err != nil {
			res.Skipped++
			a.log.Debug(ctx, "skipping household signal", logging.String("id", raw.ID), logging.Err(err))
			continue
		}
		next[s.ID] = s
		undated[s.ID] = raw.CreatedAt.IsZero()
	}

	a.mu.Lock()
	for id, ts := range a.closed {
		s, reported := next[id]
		switch {
		case !reported:
			if ts.seq <= start {
				delete(a.closed, id)
			}
		case ts.seq > start || undated[id] || !s.CreatedAt.After(ts.at):
			delete(next, id)
		default:
			// reported again with a newer request
			delete(a.closed, id)
		}
	}
	merged := make(map[string]entry, len(next))
	for id, s := range next {
		if err := a.checkReserved(id); err != nil {
			res.Skipped++
			a.log.Debug(ctx, "skipping household signal", logging.String("id", id), logging.Err(err))
			continue
		}
		prev, ok := a.active[id]
		switch {
		case !ok:
			res.Added = append(res.Added, s)
		case prev.seq > start:
			merged[id] = prev
			continue
		case undated[id]:
			s.CreatedAt = prev.sig.CreatedAt
		}
		merged[id] = entry{sig: s}
	}
	for id, e := range a.active {
		if _, ok := merged[id]; ok {
			continue
		}
		if e.seq > start {
			merged[id] = e
			continue
		}
		res.Removed = append(res.Removed, id)
	}
	a.active = merged
	a.mu.Unlock()

	sort.Slice(res.Added, func(i, j int) bool { return res.Added[i].ID < res.Added[j].ID })
	sort.Strings(res.Removed)
	return res, nil
}
