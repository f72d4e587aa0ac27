package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service.
	Registry = prometheus.NewRegistry()

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// SimTicks counts completed simulator ticks.
	SimTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wastezone_sim_ticks_total", Help: "Completed simulator ticks."},
	)
	// ZonesByRisk is the number of zones currently at each risk level.
	ZonesByRisk = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wastezone_zones", Help: "Zones by risk level."},
		[]string{"risk"},
	)
	// ZoneFill is the fill percentage of each zone.
	ZoneFill = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "wastezone_zone_fill_percent", Help: "Zone fill percentage."},
		[]string{"zone"},
	)
	ActiveSignals = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wastezone_active_signals", Help: "Household signals awaiting collection."},
	)
	SignalSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wastezone_signal_syncs_total", Help: "Signal source syncs by outcome."},
		[]string{"outcome"},
	)

	OptimizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wastezone_optimize_duration_seconds", Help: "Route optimization latency.", Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1}},
	)
	RouteStops = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wastezone_route_stops", Help: "Stops per optimized route.", Buckets: prometheus.ExponentialBuckets(1, 2, 8)},
	)
	DegradedRoutes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wastezone_degraded_routes_total", Help: "Routes returned without road geometry."},
		[]string{"component"},
	)
	RoadRouterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wastezone_road_router_calls_total", Help: "Road router calls by outcome."},
		[]string{"outcome"},
	)

	// ProximityChecks counts geofence checks by action (verify, collect) and outcome.
	ProximityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wastezone_proximity_checks_total", Help: "Proximity checks by action and outcome."},
		[]string{"action", "outcome"},
	)
	Collections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wastezone_collections_total", Help: "Confirmed collections by target kind."},
		[]string{"kind"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency is in milliseconds.
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers every collector on Registry once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(
			HTTPRequests, HTTPDuration,
			SimTicks, ZonesByRisk, ZoneFill, ActiveSignals, SignalSyncs,
			OptimizeDuration, RouteStops, DegradedRoutes, RoadRouterCalls,
			ProximityChecks, Collections,
			WebhookDeliveries, WebhookLatency,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Outcome maps a boolean result onto the "ok"/"error" label values.
func Outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
