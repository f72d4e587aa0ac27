// Package opt orders collection targets into a route for a single worker.
//
// Targets are visited tier by tier (signals, then CRITICAL, HIGH, MEDIUM and
// LOW zones). Inside a tier the route is built greedily by nearest neighbour
// from the current position and may then be refined with 2-opt moves that
// keep the tier's entry point fixed. The result is fully deterministic.
package opt

import (
	"context"
	"fmt"
	"sort"

	"wastezone/internal/geo"
	"wastezone/internal/model"
)

type Config struct {
	SpeedKmph     float64
	ImprovePasses int // 0 disables 2-opt refinement
}

func DefaultConfig() Config {
	return Config{SpeedKmph: geo.DefaultSpeedKmph}
}

// Stats reports what one optimization did.
type Stats struct {
	Targets      int
	Tiers        int
	Improvements int
}

type Optimizer struct {
	cfg Config
}

func New(cfg Config) (*Optimizer, error) {
	if !(cfg.SpeedKmph > 0) {
		return nil, &model.OutOfRangeError{Field: "speedKmph", Value: cfg.SpeedKmph}
	}
	if cfg.ImprovePasses < 0 {
		return nil, &model.OutOfRangeError{Field: "improvePasses", Value: float64(cfg.ImprovePasses)}
	}
	return &Optimizer{cfg: cfg}, nil
}

func (o *Optimizer) Config() Config { return o.cfg }

// Optimize builds the route from worker through every target exactly once.
func (o *Optimizer) Optimize(ctx context.Context, worker model.WorkerPosition, targets []model.Target) (model.Route, error) {
	r, _, err := o.Plan(ctx, worker, targets)
	return r, err
}

// Plan is Optimize that also returns Stats.
func (o *Optimizer) Plan(ctx context.Context, worker model.WorkerPosition, targets []model.Target) (model.Route, Stats, error) {
	if err := validate(worker, targets); err != nil {
		return model.Route{}, Stats{}, err
	}
	route := model.Route{Stops: []model.RouteStop{}}
	st := Stats{Targets: len(targets)}
	if len(targets) == 0 {
		return route, st, nil
	}

	var tiers [model.TierLow + 1][]model.Target
	for _, t := range targets {
		tiers[t.Tier] = append(tiers[t.Tier], t)
	}

	cur := point{Lat: worker.Lat, Lon: worker.Lon}
	ordered := make([]model.Target, 0, len(targets))
	for _, bucket := range tiers {
		if len(bucket) == 0 {
			continue
		}
		st.Tiers++
		seq, err := nearestNeighbour(ctx, cur, bucket)
		if err != nil {
			return model.Route{}, Stats{}, err
		}
		if o.cfg.ImprovePasses > 0 {
			var n int
			seq, n = refine(cur, seq, o.cfg.ImprovePasses)
			st.Improvements += n
		}
		ordered = append(ordered, seq...)
		last := seq[len(seq)-1]
		cur = point{Lat: last.Lat, Lon: last.Lon}
	}

	prev := point{Lat: worker.Lat, Lon: worker.Lon}
	for i, t := range ordered {
		km := geo.HaversineKm(prev.Lat, prev.Lon, t.Lat, t.Lon)
		stop := model.RouteStop{
			Seq:                    i + 1,
			Kind:                   t.Kind,
			ID:                     t.ID,
			Name:                   t.Name,
			Lat:                    t.Lat,
			Lon:                    t.Lon,
			RiskLevel:              t.RiskLevel(),
			Tier:                   t.Tier,
			DistanceFromPreviousKm: km,
			EstimatedMinutes:       geo.TravelMinutes(km, o.cfg.SpeedKmph),
			Zone:                   t.Zone,
			Signal:                 t.Signal,
		}
		route.Stops = append(route.Stops, stop)
		route.TotalDistanceKm += km
		route.TotalTimeMin += stop.EstimatedMinutes
		if t.Kind == model.KindSignal {
			route.SignalCount++
		} else {
			route.HotspotCount++
		}
		prev = point{Lat: t.Lat, Lon: t.Lon}
	}
	return route, st, nil
}

// nearestNeighbour orders bucket greedily from start; equal distances go to
// the smaller id.
func nearestNeighbour(ctx context.Context, start point, bucket []model.Target) ([]model.Target, error) {
	rem := append([]model.Target(nil), bucket...)
	sort.Slice(rem, func(i, j int) bool { return rem[i].ID < rem[j].ID })
	out := make([]model.Target, 0, len(rem))
	cur := start
	for len(rem) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best, bestKm := 0, geo.HaversineKm(cur.Lat, cur.Lon, rem[0].Lat, rem[0].Lon)
		for i := 1; i < len(rem); i++ {
			// rem is sorted by id, so strict < keeps the smaller id on ties.
			if d := geo.HaversineKm(cur.Lat, cur.Lon, rem[i].Lat, rem[i].Lon); d < bestKm {
				best, bestKm = i, d
			}
		}
		t := rem[best]
		out = append(out, t)
		cur = point{Lat: t.Lat, Lon: t.Lon}
		rem = append(rem[:best], rem[best+1:]...)
	}
	return out, nil
}

func refine(entry point, seq []model.Target, passes int) ([]model.Target, int) {
	nodes := make([]point, 0, len(seq)+1)
	order := make([]int, 0, len(seq)+1)
	nodes = append(nodes, entry)
	order = append(order, 0)
	for i, t := range seq {
		nodes = append(nodes, point{Lat: t.Lat, Lon: t.Lon})
		order = append(order, i+1)
	}
	better, n := improveOrder2Opt(nodes, order, passes)
	if n == 0 {
		return seq, 0
	}
	out := make([]model.Target, 0, len(seq))
	for _, idx := range better[1:] {
		out = append(out, seq[idx-1])
	}
	return out, n
}

func validate(worker model.WorkerPosition, targets []model.Target) error {
	if err := geo.Check(worker.Lat, worker.Lon); err != nil {
		return model.Invalid("worker", err.Error())
	}
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		field := fmt.Sprintf("targets[%d]", i)
		if t.ID == "" {
			return model.Invalid(field+".id", "must not be empty")
		}
		key := string(t.Kind) + "/" + t.ID
		if _, dup := seen[key]; dup {
			return model.Invalid(field+".id", "duplicate target "+key)
		}
		seen[key] = struct{}{}
		if t.Kind != model.KindZone && t.Kind != model.KindSignal {
			return model.Invalid(field+".kind", "unknown kind "+string(t.Kind))
		}
		if t.Tier < model.TierSignal || t.Tier > model.TierLow {
			return model.Invalid(field+".tier", fmt.Sprintf("unknown tier %d", int(t.Tier)))
		}
		if err := geo.Check(t.Lat, t.Lon); err != nil {
			return model.Invalid(field, err.Error())
		}
	}
	return nil
}
