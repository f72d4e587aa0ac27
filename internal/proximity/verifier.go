// Package proximity is the geofence check a worker must pass before a
// collection can be confirmed.
package proximity

import (
	"math"

	"wastezone/internal/geo"
	"wastezone/internal/model"
)

// DefaultRadiusMeters is the radius used when none is configured.
const DefaultRadiusMeters = 50.0

// Result is the outcome of one check. A worker out of range is a normal
// outcome, not an error; MoveCloserMeters tells them how far to go.
type Result struct {
	WithinRange      bool     `json:"withinRange"`
	DistanceMeters   float64  `json:"distanceMeters"`
	RadiusMeters     float64  `json:"radiusMeters"`
	MoveCloserMeters float64  `json:"moveCloserMeters"`
	// BearingDegrees points from the worker to the target, clockwise from
	// north. Omitted when the worker is within range.
	BearingDegrees *float64 `json:"bearingDegrees,omitempty"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// Verify reports whether worker is within radiusMeters of target
// (inclusive) and the great-circle distance between them.
func Verify(worker, target geo.Point, radiusMeters float64) (bool, float64, error) {
	r, err := Check(model.WorkerPosition{Lat: worker.Lat, Lon: worker.Lon}, target, radiusMeters)
	return r.WithinRange, r.DistanceMeters, err
}

// Check is Verify returning the full Result. The reported accuracy is echoed
// back; it never widens the radius.
func Check(worker model.WorkerPosition, target geo.Point, radiusMeters float64) (Result, error) {
	if math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) || radiusMeters <= 0 {
		return Result{}, &model.OutOfRangeError{Field: "radiusMeters", Value: radiusMeters}
	}
	if err := geo.Check(worker.Lat, worker.Lon); err != nil {
		return Result{}, model.Invalid("worker", err.Error())
	}
	if err := geo.Check(target.Lat, target.Lon); err != nil {
		return Result{}, model.Invalid("target", err.Error())
	}
	if a := worker.AccuracyMeters; a != nil && (math.IsNaN(*a) || *a < 0) {
		return Result{}, model.Invalid("accuracyMeters", "must be >= 0")
	}
	d := geo.HaversineMeters(worker.Lat, worker.Lon, target.Lat, target.Lon)
	res := Result{
		WithinRange:      d <= radiusMeters,
		DistanceMeters:   d,
		RadiusMeters:     radiusMeters,
		MoveCloserMeters: math.Max(0, d-radiusMeters),
		AccuracyMeters:   worker.AccuracyMeters,
	}
	if !res.WithinRange {
		b := geo.Bearing(worker.Lat, worker.Lon, target.Lat, target.Lon)
		res.BearingDegrees = &b
	}
	return res, nil
}

// Verifier carries the configured radii for the two gated workflows: a
// looser "am I here" check and the stricter check before a collection.
type Verifier struct {
	verifyRadius  float64
	collectRadius float64
}

func New(verifyRadiusMeters, collectRadiusMeters float64) (*Verifier, error) {
	if !(verifyRadiusMeters > 0) || math.IsInf(verifyRadiusMeters, 0) {
		return nil, &model.OutOfRangeError{Field: "verifyRadiusMeters", Value: verifyRadiusMeters}
	}
	if !(collectRadiusMeters > 0) || math.IsInf(collectRadiusMeters, 0) {
		return nil, &model.OutOfRangeError{Field: "collectRadiusMeters", Value: collectRadiusMeters}
	}
	return &Verifier{verifyRadius: verifyRadiusMeters, collectRadius: collectRadiusMeters}, nil
}

func (v *Verifier) VerifyRadius() float64  { return v.verifyRadius }
func (v *Verifier) CollectRadius() float64 { return v.collectRadius }

// CheckVerify uses radius when positive, otherwise the verify radius.
func (v *Verifier) CheckVerify(worker model.WorkerPosition, target geo.Point, radius float64) (Result, error) {
	if radius == 0 {
		radius = v.verifyRadius
	}
	return Check(worker, target, radius)
}

// CheckCollect applies the collect radius.
func (v *Verifier) CheckCollect(worker model.WorkerPosition, target geo.Point) (Result, error) {
	return Check(worker, target, v.collectRadius)
}
