package api

import (
	"net/http"
	"time"

	"wastezone/internal/dispatch"
	"wastezone/internal/events"
	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/store"
)

type Server struct {
	Svc       *dispatch.Service
	Store     store.Store
	Broker    events.Broker
	Locations *LocationCache
	Log       logging.Logger

	// Config is the redacted settings view served at /debug/config.
	Config map[string]any
	// Heartbeat is the idle interval between SSE heartbeats.
	Heartbeat time.Duration
	Options   Options
}

// Options configure the middleware chain.
type Options struct {
	RateRPS        float64
	RateBurst      int
	RequestTimeout time.Duration
	AllowOrigins   string
}

// NewServer wires a Server around svc. A nil broker disables the live feed
// endpoints.
func NewServer(svc *dispatch.Service, st store.Store, broker events.Broker, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{
		Svc:       svc,
		Store:     st,
		Broker:    broker,
		Locations: NewLocationCache(),
		Log:       log,
		Config:    map[string]any{},
		Heartbeat: 15 * time.Second,
	}
}

// Routes registers every endpoint on a new ServeMux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Zones and hotspots
	mux.HandleFunc("/v1/zones", s.ZonesHandler)
	mux.HandleFunc("/v1/zones/", s.ZoneByIDHandler)
	mux.HandleFunc("/v1/zones/stream", s.ZoneStreamHandler)
	mux.HandleFunc("/v1/hotspots", s.HotspotsHandler)

	// Routing, collection and proximity
	mux.HandleFunc("/v1/routes/optimize", s.OptimizeHandler)
	mux.HandleFunc("/v1/collections", s.CollectionsHandler)
	mux.HandleFunc("/v1/proximity/verify", s.ProximityHandler)
	mux.HandleFunc("/v1/workers/", s.WorkerByIDHandler)

	// Household signals
	mux.HandleFunc("/v1/signals", s.SignalsHandler)
	mux.HandleFunc("/v1/signals/", s.SignalByIDHandler)

	// Live feed and webhooks
	mux.HandleFunc("/v1/ws", s.FeedWSHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	// Admin
	mux.HandleFunc("/v1/admin/tick", s.AdminTickHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/config", s.DebugJSON)
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	return mux
}

// Handler is Routes behind the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := s.Routes()
	var h http.Handler = mux
	h = withTimeout(s.Options.RequestTimeout, h)
	h = rateLimit(s.Options.RateRPS, s.Options.RateBurst, h)
	h = cors(s.Options.AllowOrigins, h)
	h = accessLog(s.Log, mux, h)
	return requestID(h)
}
