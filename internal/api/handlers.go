package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wastezone/internal/dispatch"
	"wastezone/internal/events"
	"wastezone/internal/geo"
	"wastezone/internal/model"
)

// ZonesHandler handles GET /v1/zones
func (s *Server) ZonesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tick, at := s.Svc.Engine().Ticks()
	writeJSON(w, http.StatusOK, map[string]any{"zones": s.Svc.Zones(), "tick": tick, "updatedAt": at.UTC()})
}

// ZoneByIDHandler handles GET /v1/zones/{id}
func (s *Server) ZoneByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/zones/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	z, err := s.Svc.Zone(id)
	if err != nil {
		s.writeError(w, r, "Get zone failed", err)
		return
	}
	writeJSON(w, http.StatusOK, z)
}

// HotspotsHandler handles GET /v1/hotspots?n=
func (s *Server) HotspotsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := queryInt(r, "n", 10)
	if err != nil {
		s.writeError(w, r, "Hotspots failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hotspots": s.Svc.Hotspots(n)})
}

// OptimizeHandler handles POST /v1/routes/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req optimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "Invalid JSON", err)
		return
	}
	pos, err := workerPosition(req.WorkerLat, req.WorkerLng, req.AccuracyMeters)
	if err != nil {
		s.writeError(w, r, "Optimize failed", err)
		return
	}
	minRisk, err := parseMinRisk(req.MinRiskLevel)
	if err != nil {
		s.writeError(w, r, "Optimize failed", err)
		return
	}
	s.Locations.Upsert(req.WorkerID, pos, time.Now())
	plan, err := s.Svc.OptimizeRoute(r.Context(), dispatch.RouteRequest{Worker: pos, Geometry: req.Geometry, MinRisk: minRisk})
	if err != nil {
		s.writeError(w, r, "Optimize failed", err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// CollectionsHandler handles POST/GET /v1/collections
func (s *Server) CollectionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req collectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, "Invalid JSON", err)
			return
		}
		pos, err := optionalWorker(req.WorkerLat, req.WorkerLng, req.AccuracyMeters)
		if err != nil {
			s.writeError(w, r, "Collect failed", err)
			return
		}
		if pos != nil {
			s.Locations.Upsert(req.WorkerID, *pos, time.Now())
		}
		out, err := s.Svc.Collect(r.Context(), dispatch.CollectRequest{TargetID: req.TargetID, Amount: req.Amount, WorkerID: req.WorkerID, Worker: pos})
		if err != nil {
			s.writeError(w, r, "Collect failed", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodGet:
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			s.writeError(w, r, "List collections failed", err)
			return
		}
		items, err := s.Svc.History(r.Context(), r.URL.Query().Get("targetId"), limit)
		if err != nil {
			s.writeError(w, r, "List collections failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ProximityHandler handles POST /v1/proximity/verify
func (s *Server) ProximityHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, "Invalid JSON", err)
		return
	}
	pos, err := workerPosition(req.WorkerLat, req.WorkerLng, req.AccuracyMeters)
	if err != nil {
		s.writeError(w, r, "Verify failed", err)
		return
	}
	vr := dispatch.VerifyRequest{Worker: pos, TargetID: strings.TrimSpace(req.TargetID), RadiusMeters: req.RadiusMeters}
	switch {
	case req.TargetLat != nil && req.TargetLng != nil:
		vr.Target = &geo.Point{Lat: *req.TargetLat, Lon: *req.TargetLng}
	case req.TargetLat != nil || req.TargetLng != nil:
		s.writeError(w, r, "Verify failed", model.Invalid("targetLat/targetLng", "both are required"))
		return
	}
	s.Locations.Upsert(req.WorkerID, pos, time.Now())
	res, err := s.Svc.VerifyProximity(r.Context(), vr)
	if err != nil {
		s.writeError(w, r, "Verify failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WorkerByIDHandler handles GET /v1/workers/{id}/location
func (s *Server) WorkerByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workers/")
	id, ok := strings.CutSuffix(rest, "/location")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	loc, found := s.Locations.Get(id)
	if !found {
		writeProblem(w, http.StatusNotFound, "Not Found", "no location reported for worker "+id, r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// SignalsHandler handles POST/GET /v1/signals
func (s *Server) SignalsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var raw model.RawSignal
		if err := decodeJSON(w, r, &raw); err != nil {
			s.writeError(w, r, "Invalid JSON", err)
			return
		}
		sig, created, err := s.Svc.IngestSignal(r.Context(), raw)
		if err != nil {
			s.writeError(w, r, "Ingest signal failed", err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, sig)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Svc.Signals()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SignalByIDHandler handles DELETE /v1/signals/{id}
func (s *Server) SignalByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/signals/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err := s.Svc.RemoveSignal(r.Context(), id); err != nil {
		s.writeError(w, r, "Remove signal failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminTickHandler handles POST /v1/admin/tick
func (s *Server) AdminTickHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rep := s.Svc.Tick()
	critical := make([]string, 0, len(rep.NewlyCritical))
	for _, z := range rep.NewlyCritical {
		critical = append(critical, z.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tick":          rep.Tick,
		"at":            rep.At.UTC(),
		"elapsedTicks":  rep.ElapsedTicks,
		"newlyCritical": critical,
		"zones":         rep.Zones,
	})
}

// ZoneStreamHandler handles GET /v1/zones/stream (SSE). With ?zoneId= only
// that zone's events are sent.
func (s *Server) ZoneStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Broker == nil {
		writeProblem(w, http.StatusServiceUnavailable, "Streaming disabled", "no event broker configured", r.URL.Path)
		return
	}
	topic := events.TopicFeed
	if id := r.URL.Query().Get("zoneId"); id != "" {
		if _, err := s.Svc.Zone(id); err != nil {
			s.writeError(w, r, "Stream failed", err)
			return
		}
		topic = events.ZoneTopic(id)
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	// initial snapshot so clients render before the next tick
	writeSSE(w, "snapshot", map[string]any{"zones": s.Svc.Zones(), "signals": s.Svc.Signals()})
	flusher.Flush()

	hb := time.NewTicker(s.heartbeat())
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, evt.Type, evt.Data)
			flusher.Flush()
		case t := <-hb.C:
			writeSSE(w, "heartbeat", map[string]string{"ts": t.UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func (s *Server) heartbeat() time.Duration {
	if s.Heartbeat <= 0 {
		return 15 * time.Second
	}
	return s.Heartbeat
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		b = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", b)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, r, "Invalid JSON", err)
			return
		}
		if err := validateSubscription(&req); err != nil {
			s.writeError(w, r, "Create subscription failed", err)
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			s.writeError(w, r, "Create subscription failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			s.writeError(w, r, "List subscriptions failed", err)
			return
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), r.URL.Query().Get("cursor"), limit)
		if err != nil {
			s.writeError(w, r, "List subscriptions failed", err)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		s.writeError(w, r, "Delete subscription failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&limit=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, "List deliveries failed", err)
		return
	}
	items, err := s.Store.ListWebhookDeliveries(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		s.writeError(w, r, "List deliveries failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil {
		s.writeError(w, r, "Retry delivery failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
