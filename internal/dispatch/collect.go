package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"wastezone/internal/geo"
	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/model"
	"wastezone/internal/proximity"
	"wastezone/internal/signals"
	"wastezone/internal/tracing"
)

// TooFarError rejects a collection confirmed from outside the collect
// radius. The worker has to move closer and retry.
type TooFarError struct {
	TargetID string
	Result   proximity.Result
}

func (e *TooFarError) Error() string {
	return fmt.Sprintf("worker is %.1f m from %s, must be within %.0f m", e.Result.DistanceMeters, e.TargetID, e.Result.RadiusMeters)
}

// CollectRequest confirms a pickup. Worker is optional; when present the
// collect radius gates the confirmation.
type CollectRequest struct {
	TargetID string
	Amount   float64
	WorkerID string
	Worker   *model.WorkerPosition
}

// CollectOutcome carries the updated zone or the removed signal.
type CollectOutcome struct {
	Zone       *model.Zone            `json:"updatedZone,omitempty"`
	Signal     *model.HouseholdSignal `json:"signal,omitempty"`
	Collection model.CollectionEvent  `json:"collection"`
	Proximity  *proximity.Result      `json:"proximity,omitempty"`
}

func (s *Service) Collect(ctx context.Context, req CollectRequest) (out CollectOutcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Collect", attribute.String("target", req.TargetID))
	defer func() { tracing.End(span, err) }()

	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.TargetID == "" {
		return CollectOutcome{}, model.Invalid("targetId", "must not be empty")
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount < 0 {
		return CollectOutcome{}, model.Invalid("amount", "must be a finite value >= 0")
	}
	target, err := s.resolve(req.TargetID)
	if err != nil {
		return CollectOutcome{}, err
	}

	if req.Worker != nil {
		res, err := s.verifier.CheckCollect(*req.Worker, geo.Point{Lat: target.Lat, Lon: target.Lon})
		if err != nil {
			return CollectOutcome{}, err
		}
		metrics.ProximityChecks.WithLabelValues("collect", rangeOutcome(res.WithinRange)).Inc()
		if !res.WithinRange {
			s.log.Info(ctx, "collection rejected, worker out of range",
				logging.String("target", target.ID), logging.Float("distance_m", res.DistanceMeters))
			return CollectOutcome{}, &TooFarError{TargetID: target.ID, Result: res}
		}
		out.Proximity = &res
	}

	now := s.now().UTC()
	ev := model.CollectionEvent{
		ID:          uuid.New().String(),
		TargetKind:  target.Kind,
		TargetID:    target.ID,
		WorkerID:    req.WorkerID,
		Amount:      req.Amount,
		CollectedAt: now,
	}
	if req.Worker != nil {
		lat, lon := req.Worker.Lat, req.Worker.Lon
		ev.WorkerLat, ev.WorkerLon = &lat, &lon
		d := out.Proximity.DistanceMeters
		ev.DistanceMeters = &d
	}

	switch target.Kind {
	case model.KindZone:
		res, err := s.engine.Collect(target.ID, req.Amount, now)
		if err != nil {
			return CollectOutcome{}, err
		}
		ev.FillBefore, ev.FillAfter = res.FillBefore, res.Zone.CurrentFill
		z := res.Zone
		out.Zone = &z
		if err := s.store.SaveZoneStates(ctx, []model.ZoneState{{
			ZoneID: z.ID, CurrentFill: z.CurrentFill, LastCollectionTime: z.LastCollectionTime, UpdatedAt: now,
		}}); err != nil {
			s.log.Warn(ctx, "persist collected zone failed", logging.String("zone", z.ID), logging.Err(err))
		}
	case model.KindSignal:
		sg := *target.Signal
		// Store first: a sync reading the store afterwards no longer lists it.
		if err := s.store.CompleteSignal(ctx, target.ID, now); err != nil && !errors.Is(err, model.ErrNotFound) {
			s.log.Warn(ctx, "persist signal completion failed", logging.String("signal", target.ID), logging.Err(err))
		}
		if !s.signals.Remove(target.ID) {
			// Collected concurrently by someone else.
			return CollectOutcome{}, fmt.Errorf("signal %q: %w", target.ID, model.ErrNotFound)
		}
		out.Signal = &sg
		metrics.ActiveSignals.Set(float64(s.signals.Len()))
	}

	if err := s.store.RecordCollection(ctx, ev); err != nil {
		s.log.Warn(ctx, "record collection failed", logging.String("target", target.ID), logging.Err(err))
	}
	out.Collection = ev
	metrics.Collections.WithLabelValues(string(target.Kind)).Inc()

	zoneID := ""
	if target.Kind == model.KindZone {
		zoneID = target.ID
	}
	s.publish(ctx, model.EventCollectionConfirmed, ev, zoneID)
	if target.Kind == model.KindSignal {
		s.publish(ctx, model.EventSignalRemoved, map[string]any{"id": target.ID, "reason": "collected"}, "")
	}
	s.log.Info(ctx, "collection confirmed",
		logging.String("kind", string(target.Kind)), logging.String("target", target.ID), logging.Float("amount", req.Amount))
	return out, nil
}

// History lists recorded collections, newest first. An empty targetID
// lists every target.
func (s *Service) History(ctx context.Context, targetID string, limit int) ([]model.CollectionEvent, error) {
	return s.store.ListCollections(ctx, targetID, limit)
}

// IngestSignal validates raw, persists it and adds it to the registry.
// created is false when the id was already active. A store failure leaves
// the registry as it was.
func (s *Service) IngestSignal(ctx context.Context, raw model.RawSignal) (sig model.HouseholdSignal, created bool, err error) {
	sig, prev, err := s.signals.Upsert(raw)
	if err != nil {
		return model.HouseholdSignal{}, false, err
	}
	created = prev == nil
	if err := s.store.SaveSignal(ctx, sig); err != nil {
		s.signals.Revert(sig.ID, prev)
		return model.HouseholdSignal{}, false, fmt.Errorf("save signal: %w", err)
	}
	metrics.ActiveSignals.Set(float64(s.signals.Len()))
	if created {
		s.publish(ctx, model.EventSignalReceived, sig, "")
	}
	return sig, created, nil
}

// RemoveSignal cancels an active signal.
func (s *Service) RemoveSignal(ctx context.Context, id string) error {
	err := s.store.CancelSignal(ctx, id, s.now())
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("cancel signal: %w", err)
	}
	removed := s.signals.Remove(id)
	if err != nil && !removed {
		return fmt.Errorf("signal %q: %w", id, model.ErrNotFound)
	}
	metrics.ActiveSignals.Set(float64(s.signals.Len()))
	s.publish(ctx, model.EventSignalRemoved, map[string]any{"id": id, "reason": "cancelled"}, "")
	return nil
}

// SyncSignals reloads the active set from the signal source.
func (s *Service) SyncSignals(ctx context.Context) (signals.SyncResult, error) {
	res, err := s.signals.Sync(ctx, s.source)
	metrics.SignalSyncs.WithLabelValues(metrics.Outcome(err == nil)).Inc()
	if err != nil {
		return res, err
	}
	metrics.ActiveSignals.Set(float64(s.signals.Len()))
	for _, sg := range res.Added {
		s.publish(ctx, model.EventSignalReceived, sg, "")
	}
	for _, id := range res.Removed {
		s.publish(ctx, model.EventSignalRemoved, map[string]any{"id": id, "reason": "sync"}, "")
	}
	if len(res.Added)+len(res.Removed)+res.Skipped > 0 {
		s.log.Info(ctx, "signals synced", logging.Int("added", len(res.Added)), logging.Int("removed", len(res.Removed)), logging.Int("skipped", res.Skipped))
	}
	return res, nil
}

// RunSignalSync calls SyncSignals every interval until ctx is done.
func (s *Service) RunSignalSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SyncSignals(ctx); err != nil {
				s.log.Warn(ctx, "signal sync failed", logging.Err(err))
			}
		}
	}
}
