// Package sim owns the simulated fill state of collection zones.
//
// An Engine serializes writers (Tick, Collect, Restore) behind a mutex and
// publishes an immutable snapshot after every mutation, so readers never take
// a lock and never observe a partially updated zone.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"wastezone/internal/geo"
	"wastezone/internal/logging"
	"wastezone/internal/model"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// TickReport describes one completed Tick.
type TickReport struct {
	Tick          uint64
	At            time.Time
	ElapsedTicks  float64
	Zones         []model.Zone // shared with the published snapshot; read only
	NewlyCritical []model.Zone
}

// CollectResult describes one applied collection.
type CollectResult struct {
	Zone       model.Zone
	FillBefore float64
	Amount     float64
}

type snapshot struct {
	zones []model.Zone
	index map[string]int
	tick  uint64
	at    time.Time
}

type Engine struct {
	cfg    Config
	clock  Clock
	scorer Scorer
	log    logging.Logger

	mu       sync.Mutex // serializes writers
	zones    []model.Zone
	index    map[string]int
	lastTick time.Time
	ticks    uint64

	snap atomic.Pointer[snapshot]

	lmu       sync.RWMutex
	listeners []func(TickReport)
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithScorer(s Scorer) Option { return func(e *Engine) { e.scorer = s } }

func WithLogger(l logging.Logger) Option { return func(e *Engine) { e.log = l } }

// New validates cfg and zones and returns an Engine whose clock starts now.
// Zones keep their input order in every snapshot.
func New(cfg Config, zones []model.Zone, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:    cfg,
		clock:  systemClock{},
		scorer: DefaultScorer(),
		log:    logging.Noop(),
		index:  make(map[string]int, len(zones)),
	}
	for _, o := range opts {
		o(e)
	}
	now := e.clock.Now()
	e.zones = make([]model.Zone, 0, len(zones))
	for i, z := range zones {
		if err := validateZone(i, z); err != nil {
			return nil, err
		}
		if _, dup := e.index[z.ID]; dup {
			return nil, model.Invalid(fmt.Sprintf("zones[%d].id", i), "duplicate id "+z.ID)
		}
		if z.CurrentFill > z.BinCapacity {
			z.CurrentFill = z.BinCapacity
		}
		if z.LastCollectionTime.IsZero() {
			z.LastCollectionTime = now
		}
		e.derive(&z, now)
		e.index[z.ID] = len(e.zones)
		e.zones = append(e.zones, z)
	}
	e.lastTick = now
	e.publish(now)
	return e, nil
}

func validateZone(i int, z model.Zone) error {
	field := func(name string) string { return fmt.Sprintf("zones[%d].%s", i, name) }
	if z.ID == "" {
		return model.Invalid(field("id"), "must not be empty")
	}
	if err := geo.Check(z.Lat, z.Lon); err != nil {
		return model.Invalid(field("lat/lon"), err.Error())
	}
	if math.IsNaN(z.BinCapacity) || math.IsInf(z.BinCapacity, 0) || z.BinCapacity <= 0 {
		return &model.OutOfRangeError{Field: field("binCapacity"), Value: z.BinCapacity}
	}
	if math.IsNaN(z.GenerationRate) || math.IsInf(z.GenerationRate, 0) || z.GenerationRate < 0 {
		return model.Invalid(field("generationRate"), "must be a finite value >= 0")
	}
	if math.IsNaN(z.CurrentFill) || math.IsInf(z.CurrentFill, 0) || z.CurrentFill < 0 {
		return model.Invalid(field("currentFill"), "must be a finite value >= 0")
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

// OnTick registers fn to run after every Tick, outside the writer lock.
func (e *Engine) OnTick(fn func(TickReport)) {
	e.lmu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lmu.Unlock()
}

// Tick advances every zone by generationRate * elapsed ticks since the
// previous Tick, clamping fill at capacity, and recomputes derived fields.
func (e *Engine) Tick() TickReport {
	e.mu.Lock()
	now := e.clock.Now()
	elapsed := float64(now.Sub(e.lastTick)) / float64(e.cfg.TickInterval)
	if elapsed < 0 {
		elapsed = 0
	}
	e.lastTick = now
	e.ticks++

	var crossed []model.Zone
	for i := range e.zones {
		z := &e.zones[i]
		before := z.RiskLevel
		z.CurrentFill = math.Min(z.BinCapacity, z.CurrentFill+z.GenerationRate*elapsed)
		e.derive(z, now)
		if z.RiskLevel == model.RiskCritical && before != model.RiskCritical {
			crossed = append(crossed, *z)
		}
	}
	s := e.publish(now)
	rep := TickReport{Tick: e.ticks, At: now, ElapsedTicks: elapsed, Zones: s.zones, NewlyCritical: crossed}
	e.mu.Unlock()

	e.notify(rep)
	return rep
}

// Collect applies the engine's reset policy to zone id. amount is the
// weight or volume reported by the worker; it only drives the subtract policy.
func (e *Engine) Collect(id string, amount float64, at time.Time) (CollectResult, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return CollectResult{}, model.Invalid("amount", "must be a finite value >= 0")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.index[id]
	if !ok {
		return CollectResult{}, fmt.Errorf("zone %s: %w", id, model.ErrNotFound)
	}
	z := &e.zones[i]
	before := z.CurrentFill
	switch e.cfg.ResetPolicy {
	case ResetSubtract:
		z.CurrentFill = math.Max(0, z.CurrentFill-amount)
	default:
		z.CurrentFill = math.Min(z.CurrentFill, e.cfg.ResidualFraction*z.BinCapacity)
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	z.LastCollectionTime = at
	e.derive(z, e.clock.Now())
	e.publish(e.lastTick)
	e.log.Debug(context.Background(), "zone collected",
		logging.String("zone", id),
		logging.Float("fill_before", before),
		logging.Float("fill_after", z.CurrentFill),
		logging.String("policy", string(e.cfg.ResetPolicy)),
	)
	return CollectResult{Zone: *z, FillBefore: before, Amount: amount}, nil
}

// Restore re-applies persisted fill and collection times. Unknown zone ids
// are ignored; fill is clamped into [0, capacity]. Returns the number applied.
func (e *Engine) Restore(states []model.ZoneState) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	n := 0
	for _, st := range states {
		i, ok := e.index[st.ZoneID]
		if !ok || math.IsNaN(st.CurrentFill) {
			continue
		}
		z := &e.zones[i]
		z.CurrentFill = math.Max(0, math.Min(z.BinCapacity, st.CurrentFill))
		if !st.LastCollectionTime.IsZero() {
			z.LastCollectionTime = st.LastCollectionTime
		}
		e.derive(z, now)
		n++
	}
	if n > 0 {
		e.publish(e.lastTick)
	}
	return n
}

// Run calls Tick every TickInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Tick()
		}
	}
}

// Snapshot returns a copy of the current zones.
func (e *Engine) Snapshot() []model.Zone {
	s := e.snap.Load()
	out := make([]model.Zone, len(s.zones))
	copy(out, s.zones)
	return out
}

// Zone returns one zone from the current snapshot.
func (e *Engine) Zone(id string) (model.Zone, bool) {
	s := e.snap.Load()
	i, ok := s.index[id]
	if !ok {
		return model.Zone{}, false
	}
	return s.zones[i], true
}

// Top returns the n highest-scoring zones of the current snapshot.
func (e *Engine) Top(n int) []model.Zone {
	return RankHotspots(e.snap.Load().zones, n)
}

// Ticks reports how many Ticks have completed and when the last one ran.
func (e *Engine) Ticks() (uint64, time.Time) {
	s := e.snap.Load()
	return s.tick, s.at
}

// States returns the persistable state of every zone.
func (e *Engine) States() []model.ZoneState {
	s := e.snap.Load()
	out := make([]model.ZoneState, len(s.zones))
	for i, z := range s.zones {
		out[i] = model.ZoneState{ZoneID: z.ID, CurrentFill: z.CurrentFill, LastCollectionTime: z.LastCollectionTime, UpdatedAt: s.at}
	}
	return out
}

func (e *Engine) derive(z *model.Zone, now time.Time) {
	z.FillPercentage = math.Min(100, z.CurrentFill/z.BinCapacity*100)
	z.RiskLevel = e.cfg.Thresholds.Classify(z.FillPercentage)
	z.HotspotScore = e.scorer.Score(*z, now)
	z.PredictedOverflowMinutes = e.predictOverflow(*z)
}

func (e *Engine) predictOverflow(z model.Zone) *float64 {
	if z.FillPercentage <= e.cfg.OverflowThreshold {
		return nil
	}
	var m float64
	switch {
	case z.CurrentFill >= z.BinCapacity:
		m = 0
	case z.GenerationRate <= 0:
		return nil
	default:
		m = (z.BinCapacity - z.CurrentFill) / z.GenerationRate * e.cfg.TickInterval.Minutes()
	}
	return &m
}

// publish must be called with mu held.
func (e *Engine) publish(at time.Time) *snapshot {
	zs := make([]model.Zone, len(e.zones))
	copy(zs, e.zones)
	// index is fixed after New and shared by every snapshot.
	s := &snapshot{zones: zs, index: e.index, tick: e.ticks, at: at}
	e.snap.Store(s)
	return s
}

func (e *Engine) notify(rep TickReport) {
	e.lmu.RLock()
	ls := append([]func(TickReport){}, e.listeners...)
	e.lmu.RUnlock()
	for _, fn := range ls {
		fn(rep)
	}
}
