package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Core domain types shared by the simulator, optimizer, store and API.

// RiskLevel is the discretized urgency of a zone derived from its fill percentage.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// ParseRiskLevel accepts any letter case; "" maps to LOW.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LOW":
		return RiskLow, true
	case "MEDIUM":
		return RiskMedium, true
	case "HIGH":
		return RiskHigh, true
	case "CRITICAL":
		return RiskCritical, true
	}
	return "", false
}

// Zone is a fixed collection point with simulated fill state.
// FillPercentage, RiskLevel, HotspotScore and PredictedOverflowMinutes are
// derived from CurrentFill by the simulator and are never set on their own.
type Zone struct {
	ID                       string    `json:"id"`
	Name                     string    `json:"name"`
	Ward                     string    `json:"ward,omitempty"`
	Lat                      float64   `json:"lat"`
	Lon                      float64   `json:"lon"`
	BinCapacity              float64   `json:"binCapacity"`
	CurrentFill              float64   `json:"currentFill"`
	GenerationRate           float64   `json:"generationRate"`
	LastCollectionTime       time.Time `json:"lastCollectionTime"`
	FillPercentage           float64   `json:"fillPercentage"`
	RiskLevel                RiskLevel `json:"riskLevel"`
	HotspotScore             float64   `json:"hotspotScore"`
	PredictedOverflowMinutes *float64  `json:"predictedOverflowMinutes"`
}

// ZoneState is the mutable part of a zone that survives restarts.
type ZoneState struct {
	ZoneID             string    `json:"zoneId"`
	CurrentFill        float64   `json:"currentFill"`
	LastCollectionTime time.Time `json:"lastCollectionTime"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// HouseholdSignal is a citizen "ready for pickup" request. It always ranks
// above every zone and lives until a collection against it is confirmed.
type HouseholdSignal struct {
	ID         string    `json:"id"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Ward       string    `json:"ward,omitempty"`
	WasteTypes []string  `json:"wasteTypes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RawSignal is a household signal as reported by the signal source.
type RawSignal struct {
	ID         string     `json:"id"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	WardNumber WardNumber `json:"ward_number"`
	WasteTypes []string   `json:"waste_types"`
	CreatedAt  time.Time  `json:"created_at"`
}

// WardNumber decodes from either a JSON string or a JSON number.
type WardNumber string

func (w *WardNumber) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*w = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*w = WardNumber(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		*w = WardNumber(strconv.FormatInt(i, 10))
		return nil
	}
	*w = WardNumber(n.String())
	return nil
}

// WorkerPosition is a field worker's reported location.
type WorkerPosition struct {
	Lat            float64  `json:"lat"`
	Lon            float64  `json:"lon"`
	AccuracyMeters *float64 `json:"accuracyMeters,omitempty"`
}

// TargetKind tags the concrete type behind a Target.
type TargetKind string

const (
	KindZone   TargetKind = "zone"
	KindSignal TargetKind = "signal"
)

// PriorityTier orders targets for routing; lower values are visited first.
type PriorityTier int

const (
	TierSignal PriorityTier = iota
	TierCritical
	TierHigh
	TierMedium
	TierLow
)

var tierNames = [...]string{"signal", "critical", "high", "medium", "low"}

func (t PriorityTier) String() string {
	if t < TierSignal || t > TierLow {
		return "unknown"
	}
	return tierNames[t]
}

func (t PriorityTier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *PriorityTier) UnmarshalText(b []byte) error {
	for i, n := range tierNames {
		if strings.EqualFold(string(b), n) {
			*t = PriorityTier(i)
			return nil
		}
	}
	return &ValidationError{Field: "tier", Reason: "unknown tier " + strconv.Quote(string(b))}
}

// TierForRisk maps a zone risk level onto its routing tier.
func TierForRisk(r RiskLevel) PriorityTier {
	switch r {
	case RiskCritical:
		return TierCritical
	case RiskHigh:
		return TierHigh
	case RiskMedium:
		return TierMedium
	default:
		return TierLow
	}
}

// Target is the point-with-priority view of a zone or a household signal.
// Exactly one of Zone and Signal is set, matching Kind.
type Target struct {
	Kind   TargetKind
	ID     string
	Name   string
	Lat    float64
	Lon    float64
	Tier   PriorityTier
	Score  float64
	Zone   *Zone
	Signal *HouseholdSignal
}

// ZoneTarget converts a zone into a routing target.
func ZoneTarget(z Zone) Target {
	zc := z
	return Target{
		Kind:  KindZone,
		ID:    z.ID,
		Name:  z.Name,
		Lat:   z.Lat,
		Lon:   z.Lon,
		Tier:  TierForRisk(z.RiskLevel),
		Score: z.HotspotScore,
		Zone:  &zc,
	}
}

// SignalTarget converts a household signal into a routing target.
func SignalTarget(s HouseholdSignal) Target {
	sc := s
	name := "Household pickup"
	if s.Ward != "" {
		name = "Household pickup (ward " + s.Ward + ")"
	}
	return Target{
		Kind:   KindSignal,
		ID:     s.ID,
		Name:   name,
		Lat:    s.Lat,
		Lon:    s.Lon,
		Tier:   TierSignal,
		Score:  SignalScore,
		Signal: &sc,
	}
}

// SignalScore is the sentinel score carried by household signals.
const SignalScore = 1e12

// RiskLevel reports the risk of the underlying entity; signals are always CRITICAL.
func (t Target) RiskLevel() RiskLevel {
	if t.Kind == KindZone && t.Zone != nil {
		return t.Zone.RiskLevel
	}
	return RiskCritical
}

// RouteStop is one visitation entry of an optimized route.
type RouteStop struct {
	Seq                    int              `json:"seq"`
	Kind                   TargetKind       `json:"kind"`
	ID                     string           `json:"id"`
	Name                   string           `json:"name"`
	Lat                    float64          `json:"lat"`
	Lon                    float64          `json:"lon"`
	RiskLevel              RiskLevel        `json:"riskLevel"`
	Tier                   PriorityTier     `json:"tier"`
	DistanceFromPreviousKm float64          `json:"distanceFromPreviousKm"`
	EstimatedMinutes       int              `json:"estimatedMinutes"`
	Zone                   *Zone            `json:"zone,omitempty"`
	Signal                 *HouseholdSignal `json:"signal,omitempty"`
}

// Route is an ordered collection route with totals summed over its legs.
type Route struct {
	Stops           []RouteStop `json:"route"`
	TotalDistanceKm float64     `json:"totalDistanceKm"`
	TotalTimeMin    int         `json:"totalTimeMin"`
	HotspotCount    int         `json:"hotspotCount"`
	SignalCount     int         `json:"signalCount"`
}

// Waypoints returns the start position followed by every stop, in order.
func (r Route) Waypoints(start WorkerPosition) [][2]float64 {
	out := make([][2]float64, 0, len(r.Stops)+1)
	out = append(out, [2]float64{start.Lat, start.Lon})
	for _, s := range r.Stops {
		out = append(out, [2]float64{s.Lat, s.Lon})
	}
	return out
}

// CollectionEvent records one confirmed collection against a zone or signal.
type CollectionEvent struct {
	ID             string     `json:"id"`
	TargetKind     TargetKind `json:"targetKind"`
	TargetID       string     `json:"targetId"`
	WorkerID       string     `json:"workerId,omitempty"`
	Amount         float64    `json:"amount"`
	WorkerLat      *float64   `json:"workerLat,omitempty"`
	WorkerLon      *float64   `json:"workerLon,omitempty"`
	DistanceMeters *float64   `json:"distanceMeters,omitempty"`
	FillBefore     float64    `json:"fillBefore"`
	FillAfter      float64    `json:"fillAfter"`
	CollectedAt    time.Time  `json:"collectedAt"`
}

// Subscription is a webhook registration for one or more event types.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// WorkerLocation is the last reported position of a field worker.
type WorkerLocation struct {
	WorkerID       string    `json:"workerId"`
	Lat            float64   `json:"lat"`
	Lon            float64   `json:"lon"`
	AccuracyMeters *float64  `json:"accuracyMeters,omitempty"`
	TS             time.Time `json:"ts"`
}

// Event types published to SSE/WebSocket listeners and webhook subscribers.
const (
	EventZonesTicked         = "zones.ticked"
	EventZoneCritical        = "zone.critical"
	EventCollectionConfirmed = "collection.confirmed"
	EventSignalReceived      = "signal.received"
	EventSignalRemoved       = "signal.removed"
)

// KnownEvents lists the event types a subscription may name.
var KnownEvents = []string{
	EventZonesTicked,
	EventZoneCritical,
	EventCollectionConfirmed,
	EventSignalReceived,
	EventSignalRemoved,
}
