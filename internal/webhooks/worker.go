package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/store"
	"wastezone/internal/tracing"
)

// DeliveryQueue is the part of the store the worker drains.
type DeliveryQueue interface {
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]store.WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

type Config struct {
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
	Timeout     time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 10, Interval: time.Second, BatchSize: 50, Timeout: 5 * time.Second}
}

type Worker struct {
	Store       DeliveryQueue
	HTTP        *http.Client
	Log         logging.Logger
	MaxAttempts int
	Interval    time.Duration
	BatchSize   int
}

func NewWorker(s DeliveryQueue, cfg Config, log logging.Logger) *Worker {
	d := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: cfg.Timeout},
		Log:         log,
		MaxAttempts: cfg.MaxAttempts,
		Interval:    cfg.Interval,
		BatchSize:   cfg.BatchSize,
	}
}

// Run drains due deliveries every Interval until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.processOnce(ctx)
		}
	}
}

func (w *Worker) processOnce(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, w.BatchSize)
	if err != nil {
		w.Log.Warn(ctx, "webhook fetch failed", logging.Err(err))
		return 0
	}
	if len(items) == 0 {
		return 0
	}
	ctx, span := tracing.StartSpan(ctx, "webhooks.processOnce", attribute.Int("deliveries", len(items)))
	defer span.End()
	for _, it := range items {
		w.deliver(ctx, it)
	}
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	success := false
	next := time.Now().Add(nextBackoff(it.Attempts))
	code := 0
	lastErr := ""
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEventType, it.EventType)
		req.Header.Set(HeaderAttempt, strconv.Itoa(it.Attempts+1))
		if it.Secret != "" {
			req.Header.Set(HeaderSignature, SignHMAC(it.Secret, it.Payload))
		}
		var resp *http.Response
		resp, err = w.HTTP.Do(req)
		if err == nil {
			code = resp.StatusCode
			_ = resp.Body.Close()
			success = code >= 200 && code < 300
		}
	}
	latency := int(time.Since(start).Milliseconds())
	switch {
	case err != nil:
		lastErr = err.Error()
	case !success:
		lastErr = fmt.Sprintf("status %d", code)
	}

	status := "ok"
	if !success {
		status = "retry"
		if it.Attempts+1 >= w.MaxAttempts {
			status = "failed"
		}
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

	if status == "failed" {
		w.Log.Warn(ctx, "webhook delivery dead-lettered",
			logging.String("delivery", it.ID), logging.String("event", it.EventType),
			logging.Int("attempts", it.Attempts+1), logging.String("error", lastErr))
		if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
			w.Log.Error(ctx, "webhook fail update", logging.String("delivery", it.ID), logging.Err(err))
		}
		return
	}
	if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
		w.Log.Error(ctx, "webhook mark update", logging.String("delivery", it.ID), logging.Err(err))
	}
}

// nextBackoff doubles from one second and caps at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
