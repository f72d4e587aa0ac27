package api

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"wastezone/internal/geo"
	"wastezone/internal/model"
)

// Request bodies. Coordinates are pointers so a missing field is told apart
// from a legitimate zero.

type optimizeRequest struct {
	WorkerID       string   `json:"workerId"`
	WorkerLat      *float64 `json:"workerLat"`
	WorkerLng      *float64 `json:"workerLng"`
	AccuracyMeters *float64 `json:"accuracyMeters"`
	Geometry       bool     `json:"geometry"`
	MinRiskLevel   string   `json:"minRiskLevel"`
}

type collectRequest struct {
	TargetID       string   `json:"targetId"`
	Amount         float64  `json:"amount"`
	WorkerID       string   `json:"workerId"`
	WorkerLat      *float64 `json:"workerLat"`
	WorkerLng      *float64 `json:"workerLng"`
	AccuracyMeters *float64 `json:"accuracyMeters"`
}

type verifyRequest struct {
	WorkerID       string   `json:"workerId"`
	WorkerLat      *float64 `json:"workerLat"`
	WorkerLng      *float64 `json:"workerLng"`
	AccuracyMeters *float64 `json:"accuracyMeters"`
	TargetID       string   `json:"targetId"`
	TargetLat      *float64 `json:"targetLat"`
	TargetLng      *float64 `json:"targetLng"`
	RadiusMeters   float64  `json:"radiusMeters"`
}

// workerPosition requires both coordinates.
func workerPosition(lat, lng, acc *float64) (model.WorkerPosition, error) {
	if lat == nil || lng == nil {
		return model.WorkerPosition{}, model.Invalid("workerLat/workerLng", "both are required")
	}
	if err := geo.Check(*lat, *lng); err != nil {
		return model.WorkerPosition{}, model.Invalid("worker", err.Error())
	}
	return model.WorkerPosition{Lat: *lat, Lon: *lng, AccuracyMeters: acc}, nil
}

// optionalWorker is nil when neither coordinate is given.
func optionalWorker(lat, lng, acc *float64) (*model.WorkerPosition, error) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	p, err := workerPosition(lat, lng, acc)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func parseMinRisk(s string) (*model.RiskLevel, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	r, ok := model.ParseRiskLevel(s)
	if !ok {
		return nil, model.Invalid("minRiskLevel", fmt.Sprintf("unknown risk level %q", s))
	}
	return &r, nil
}

func validateSubscription(req *model.SubscriptionRequest) error {
	req.URL = strings.TrimSpace(req.URL)
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Invalid("url", "must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return model.Invalid("events", "at least one event type is required")
	}
	for _, e := range req.Events {
		if !slices.Contains(model.KnownEvents, e) {
			return model.Invalid("events", fmt.Sprintf("unknown event type %q (allowed: %s)", e, strings.Join(model.KnownEvents, ", ")))
		}
	}
	return nil
}
