// Package roads is the client for the external road router that turns an
// ordered stop list into drivable path geometry.
package roads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"wastezone/internal/geo"
	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/tracing"
)

// Geometry is a road path through the requested waypoints.
type Geometry struct {
	Coordinates     [][2]float64 `json:"coordinates"` // [lat, lon] pairs
	DistanceMeters  float64      `json:"distanceMeters"`
	DurationSeconds float64      `json:"durationSeconds"`
}

// Router resolves waypoints into road geometry.
type Router interface {
	Route(ctx context.Context, waypoints []geo.Point) (Geometry, error)
}

type Config struct {
	BaseURL     string
	Profile     string // driving, cycling, foot
	Timeout     time.Duration
	RPS         float64
	Burst       int
	MaxAttempts int
	Backoff     time.Duration // first retry delay, doubled per attempt
}

func DefaultConfig() Config {
	return Config{
		Profile:     "driving",
		Timeout:     5 * time.Second,
		RPS:         5,
		Burst:       5,
		MaxAttempts: 4,
		Backoff:     200 * time.Millisecond,
	}
}

// OSRM calls the OSRM /route service.
type OSRM struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logging.Logger
}

func NewOSRM(cfg Config, log logging.Logger) (*OSRM, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("osrm: base URL is required")
	}
	d := DefaultConfig()
	if cfg.Profile == "" {
		cfg.Profile = d.Profile
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = d.Backoff
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	if log == nil {
		log = logging.Noop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OSRM{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, limiter: lim, log: log}, nil
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("osrm: status %d: %s", e.Code, e.Body)
}

type osrmRouteResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"` // [lon, lat]
		} `json:"geometry"`
	} `json:"routes"`
}

// Route asks OSRM for the full-overview path through waypoints, in order.
func (c *OSRM) Route(ctx context.Context, waypoints []geo.Point) (g Geometry, err error) {
	ctx, span := tracing.StartSpan(ctx, "roads.Route", attribute.Int("waypoints", len(waypoints)))
	defer func() {
		metrics.RoadRouterCalls.WithLabelValues(metrics.Outcome(err == nil)).Inc()
		tracing.End(span, err)
	}()

	if len(waypoints) < 2 {
		return Geometry{}, fmt.Errorf("osrm: need at least 2 waypoints, got %d", len(waypoints))
	}
	coords := make([]string, len(waypoints))
	for i, p := range waypoints {
		coords[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=full&geometries=geojson&steps=false",
		c.cfg.BaseURL, c.cfg.Profile, strings.Join(coords, ";"))

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return Geometry{}, err
	}
	defer resp.Body.Close()

	var body osrmRouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Geometry{}, fmt.Errorf("osrm: decode response: %w", err)
	}
	if body.Code != "Ok" || len(body.Routes) == 0 {
		return Geometry{}, fmt.Errorf("osrm: no route (%s: %s)", body.Code, body.Message)
	}
	r := body.Routes[0]
	g = Geometry{DistanceMeters: r.Distance, DurationSeconds: r.Duration}
	g.Coordinates = make([][2]float64, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		g.Coordinates = append(g.Coordinates, [2]float64{c[1], c[0]})
	}
	return g, nil
}

func (c *OSRM) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries network errors, 429 and 5xx responses with exponential
// backoff. Every attempt waits on the rate limiter first.
func (c *OSRM) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	backoff := c.cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("osrm: make request: %w", err)
		}
		resp, err := c.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || attempt == c.cfg.MaxAttempts {
			return nil, lastErr
		}
		c.log.Debug(ctx, "osrm retry", logging.Int("attempt", attempt), logging.Err(err), logging.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}

func retryable(err error) bool {
	var he *httpStatusError
	if errors.As(err, &he) {
		switch he.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}
