// Package dispatch composes the simulator, signal registry, optimizer and
// proximity verifier into the operations the API exposes, and fans their
// side effects out to persistence, live subscribers and webhooks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"wastezone/internal/events"
	"wastezone/internal/geo"
	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/model"
	"wastezone/internal/opt"
	"wastezone/internal/proximity"
	"wastezone/internal/roads"
	"wastezone/internal/signals"
	"wastezone/internal/sim"
	"wastezone/internal/store"
	"wastezone/internal/tracing"
)

// Notifier queues outbound webhooks for an event type.
type Notifier interface {
	Emit(ctx context.Context, eventType string, data any) int
}

// Deps are the collaborators of a Service. Roads, Events, Hooks and Source
// are optional; Source defaults to Store.
type Deps struct {
	Engine    *sim.Engine
	Signals   *signals.Adapter
	Optimizer *opt.Optimizer
	Verifier  *proximity.Verifier
	Store     store.Store
	Source    signals.Source
	Roads     roads.Router
	Events    events.Broker
	Hooks     Notifier
	Log       logging.Logger
}

type Service struct {
	engine    *sim.Engine
	signals   *signals.Adapter
	optimizer *opt.Optimizer
	verifier  *proximity.Verifier
	store     store.Store
	source    signals.Source
	roads     roads.Router
	events    events.Broker
	hooks     Notifier
	log       logging.Logger
	now       func() time.Time

	persistTimeout time.Duration
}

func New(d Deps) (*Service, error) {
	switch {
	case d.Engine == nil:
		return nil, errors.New("dispatch: engine is required")
	case d.Signals == nil:
		return nil, errors.New("dispatch: signal adapter is required")
	case d.Optimizer == nil:
		return nil, errors.New("dispatch: optimizer is required")
	case d.Verifier == nil:
		return nil, errors.New("dispatch: verifier is required")
	case d.Store == nil:
		return nil, errors.New("dispatch: store is required")
	}
	if d.Log == nil {
		d.Log = logging.Noop()
	}
	if d.Source == nil {
		d.Source = d.Store
	}
	s := &Service{
		engine:         d.Engine,
		signals:        d.Signals,
		optimizer:      d.Optimizer,
		verifier:       d.Verifier,
		store:          d.Store,
		source:         d.Source,
		roads:          d.Roads,
		events:         d.Events,
		hooks:          d.Hooks,
		log:            d.Log,
		now:            time.Now,
		persistTimeout: 2 * time.Second,
	}
	// Collect and VerifyProximity resolve ids across zones and signals, so a
	// signal may not reuse a zone id.
	d.Signals.Reserve(func(id string) bool {
		_, ok := d.Engine.Zone(id)
		return ok
	})
	d.Engine.OnTick(s.handleTick)
	return s, nil
}

func (s *Service) Engine() *sim.Engine { return s.engine }

func (s *Service) Verifier() *proximity.Verifier { return s.verifier }

// Restore loads persisted zone state into the engine and the ready signals
// from the signal source into the registry.
func (s *Service) Restore(ctx context.Context) error {
	states, err := s.store.LoadZoneStates(ctx)
	if err != nil {
		return fmt.Errorf("load zone states: %w", err)
	}
	n := s.engine.Restore(states)
	res, err := s.signals.Sync(ctx, s.source)
	if err != nil {
		return err
	}
	metrics.ActiveSignals.Set(float64(s.signals.Len()))
	s.log.Info(ctx, "state restored", logging.Int("zones", n), logging.Int("signals", len(res.Added)), logging.Int("skipped", res.Skipped))
	return nil
}

// Zones is the current snapshot, in configuration order.
func (s *Service) Zones() []model.Zone { return s.engine.Snapshot() }

func (s *Service) Zone(id string) (model.Zone, error) {
	z, ok := s.engine.Zone(id)
	if !ok {
		return model.Zone{}, fmt.Errorf("zone %q: %w", id, model.ErrNotFound)
	}
	return z, nil
}

// Hotspots returns the n highest scoring zones.
func (s *Service) Hotspots(n int) []model.Zone { return s.engine.Top(n) }

// Signals lists the household signals awaiting collection.
func (s *Service) Signals() []model.HouseholdSignal { return s.signals.Active() }

// Tick forces one simulator step.
func (s *Service) Tick() sim.TickReport { return s.engine.Tick() }

func (s *Service) handleTick(rep sim.TickReport) {
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()

	metrics.SimTicks.Inc()
	counts := map[model.RiskLevel]int{model.RiskLow: 0, model.RiskMedium: 0, model.RiskHigh: 0, model.RiskCritical: 0}
	for _, z := range rep.Zones {
		counts[z.RiskLevel]++
		metrics.ZoneFill.WithLabelValues(z.ID).Set(z.FillPercentage)
	}
	for risk, n := range counts {
		metrics.ZonesByRisk.WithLabelValues(string(risk)).Set(float64(n))
	}

	summary := TickSummary{Tick: rep.Tick, At: rep.At, Zones: len(rep.Zones), Critical: counts[model.RiskCritical]}
	s.publish(ctx, model.EventZonesTicked, summary, "")
	for _, z := range rep.NewlyCritical {
		s.log.Warn(ctx, "zone critical", logging.String("zone", z.ID), logging.Float("fill_pct", z.FillPercentage))
		s.publish(ctx, model.EventZoneCritical, z, z.ID)
	}

	if err := s.store.SaveZoneStates(ctx, s.engine.States()); err != nil {
		s.log.Warn(ctx, "persist zone states failed", logging.Err(err))
	}
}

// TickSummary is the payload of zones.ticked.
type TickSummary struct {
	Tick     uint64    `json:"tick"`
	At       time.Time `json:"at"`
	Zones    int       `json:"zones"`
	Critical int       `json:"critical"`
}

// publish sends an event to the live feed, the zone's topic when zoneID is
// set, and to webhook subscribers.
func (s *Service) publish(ctx context.Context, eventType string, data any, zoneID string) {
	if s.events != nil {
		evt := events.Event{Type: eventType, TS: s.now().UTC(), Data: data}
		s.events.Publish(events.TopicFeed, evt)
		if zoneID != "" {
			s.events.Publish(events.ZoneTopic(zoneID), evt)
		}
	}
	if s.hooks != nil {
		s.hooks.Emit(ctx, eventType, data)
	}
}

// RouteRequest asks for a route from the worker's position.
type RouteRequest struct {
	Worker   model.WorkerPosition
	Geometry bool             // ask the road router for path geometry
	MinRisk  *model.RiskLevel // drop zones below this level; signals are always kept
}

// RoutePlan is an optimized route plus how it was produced.
type RoutePlan struct {
	model.Route
	Degraded bool                         `json:"degraded"`
	Warnings []string                     `json:"warnings"`
	Geometry *roads.Geometry              `json:"geometry,omitempty"`
	Stats    opt.Stats                    `json:"-"`
	Warning  *model.DegradedResultWarning `json:"-"`
}

// OptimizeRoute orders every active signal and zone into one route. A road
// router failure never fails the call; the plan is marked degraded instead.
func (s *Service) OptimizeRoute(ctx context.Context, req RouteRequest) (plan RoutePlan, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.OptimizeRoute", attribute.Bool("geometry", req.Geometry))
	defer func() { tracing.End(span, err) }()
	start := time.Now()

	if err := geo.Check(req.Worker.Lat, req.Worker.Lon); err != nil {
		return RoutePlan{}, model.Invalid("worker", err.Error())
	}
	targets := s.targets(req.MinRisk)
	route, stats, err := s.optimizer.Plan(ctx, req.Worker, targets)
	if err != nil {
		return RoutePlan{}, err
	}
	metrics.OptimizeDuration.Observe(time.Since(start).Seconds())
	metrics.RouteStops.Observe(float64(len(route.Stops)))
	span.SetAttributes(attribute.Int("stops", len(route.Stops)), attribute.Int("improvements", stats.Improvements))

	plan = RoutePlan{Route: route, Warnings: []string{}, Stats: stats}
	if req.Geometry && len(route.Stops) > 0 {
		s.attachGeometry(ctx, req.Worker, &plan)
	}
	return plan, nil
}

func (s *Service) targets(minRisk *model.RiskLevel) []model.Target {
	sigs := s.signals.Active()
	zones := s.engine.Snapshot()
	out := make([]model.Target, 0, len(sigs)+len(zones))
	for _, sg := range sigs {
		out = append(out, model.SignalTarget(sg))
	}
	for _, z := range zones {
		if minRisk != nil && model.TierForRisk(z.RiskLevel) > model.TierForRisk(*minRisk) {
			continue
		}
		out = append(out, model.ZoneTarget(z))
	}
	return out
}

func (s *Service) attachGeometry(ctx context.Context, worker model.WorkerPosition, plan *RoutePlan) {
	degrade := func(reason string) {
		w := &model.DegradedResultWarning{Component: "roads", Reason: reason}
		plan.Degraded = true
		plan.Warning = w
		plan.Warnings = append(plan.Warnings, w.Error())
		metrics.DegradedRoutes.WithLabelValues(w.Component).Inc()
	}
	if s.roads == nil {
		degrade("no road router configured")
		return
	}
	wps := plan.Waypoints(worker)
	pts := make([]geo.Point, len(wps))
	for i, p := range wps {
		pts[i] = geo.Point{Lat: p[0], Lon: p[1]}
	}
	g, err := s.roads.Route(ctx, pts)
	if err != nil {
		s.log.Warn(ctx, "road router unavailable, returning straight-line route", logging.Err(err))
		degrade(err.Error())
		return
	}
	plan.Geometry = &g
}

// VerifyRequest checks a worker against a target given either by id or by
// coordinates. RadiusMeters 0 uses the configured verify radius.
type VerifyRequest struct {
	Worker       model.WorkerPosition
	TargetID     string
	Target       *geo.Point
	RadiusMeters float64
}

func (s *Service) VerifyProximity(ctx context.Context, req VerifyRequest) (proximity.Result, error) {
	target := req.Target
	if target == nil {
		if req.TargetID == "" {
			return proximity.Result{}, model.Invalid("target", "targetId or targetLat/targetLng is required")
		}
		t, err := s.resolve(req.TargetID)
		if err != nil {
			return proximity.Result{}, err
		}
		target = &geo.Point{Lat: t.Lat, Lon: t.Lon}
	}
	if req.RadiusMeters < 0 || math.IsNaN(req.RadiusMeters) {
		return proximity.Result{}, model.Invalid("radiusMeters", "must be > 0")
	}
	res, err := s.verifier.CheckVerify(req.Worker, *target, req.RadiusMeters)
	if err != nil {
		return proximity.Result{}, err
	}
	metrics.ProximityChecks.WithLabelValues("verify", rangeOutcome(res.WithinRange)).Inc()
	return res, nil
}

func rangeOutcome(ok bool) string {
	if ok {
		return "within_range"
	}
	return "out_of_range"
}

// resolve finds a zone or active signal by id.
func (s *Service) resolve(id string) (model.Target, error) {
	if z, ok := s.engine.Zone(id); ok {
		return model.ZoneTarget(z), nil
	}
	if sg, ok := s.signals.Get(id); ok {
		return model.SignalTarget(sg), nil
	}
	return model.Target{}, fmt.Errorf("target %q: %w", id, model.ErrNotFound)
}
