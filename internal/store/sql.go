package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"wastezone/internal/model"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQL is the database/sql backed Store shared by Postgres and SQLite.
// Timestamps are stored as Unix milliseconds so both dialects compare them
// the same way.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func newSQL(db *sql.DB, d Dialect) *SQL {
	return &SQL{db: db, dialect: d, now: time.Now}
}

func (s *SQL) Dialect() Dialect { return s.dialect }

// Migrate creates the schema if it does not exist yet.
func (s *SQL) Migrate(ctx context.Context) error {
	b, err := migrations.ReadFile("migrations/" + string(s.dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQL) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *SQL) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQL) SaveZoneStates(ctx context.Context, states []model.ZoneState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	q := s.rebind(`INSERT INTO zone_states (zone_id, current_fill, last_collection_ms, updated_ms) VALUES (?,?,?,?)
		ON CONFLICT (zone_id) DO UPDATE SET current_fill = excluded.current_fill,
			last_collection_ms = excluded.last_collection_ms, updated_ms = excluded.updated_ms`)
	for _, st := range states {
		updated := st.UpdatedAt
		if updated.IsZero() {
			updated = s.now()
		}
		if _, err := tx.ExecContext(ctx, q, st.ZoneID, st.CurrentFill, ms(st.LastCollectionTime), ms(updated)); err != nil {
			return fmt.Errorf("save zone %s: %w", st.ZoneID, err)
		}
	}
	return tx.Commit()
}

func (s *SQL) LoadZoneStates(ctx context.Context) ([]model.ZoneState, error) {
	rows, err := s.query(ctx, `SELECT zone_id, current_fill, last_collection_ms, updated_ms FROM zone_states ORDER BY zone_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.ZoneState{}
	for rows.Next() {
		var st model.ZoneState
		var last, upd int64
		if err := rows.Scan(&st.ZoneID, &st.CurrentFill, &last, &upd); err != nil {
			return nil, err
		}
		st.LastCollectionTime = fromMs(last)
		st.UpdatedAt = fromMs(upd)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQL) SaveSignal(ctx context.Context, sig model.HouseholdSignal) error {
	types, err := json.Marshal(nonNil(sig.WasteTypes))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO household_signals (id, lat, lng, ward_number, waste_types, status, created_ms) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lng = excluded.lng, ward_number = excluded.ward_number,
			waste_types = excluded.waste_types, status = excluded.status, created_ms = excluded.created_ms, completed_ms = NULL`,
		sig.ID, sig.Lat, sig.Lon, nullIfEmpty(sig.Ward), string(types), SignalReady, ms(sig.CreatedAt))
	return err
}

func (s *SQL) ListReadySignals(ctx context.Context) ([]model.RawSignal, error) {
	rows, err := s.query(ctx, `SELECT id, lat, lng, ward_number, waste_types, created_ms FROM household_signals
		WHERE status = ? ORDER BY created_ms, id`, SignalReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.RawSignal{}
	for rows.Next() {
		var r model.RawSignal
		var ward sql.NullString
		var types string
		var created int64
		if err := rows.Scan(&r.ID, &r.Lat, &r.Lng, &ward, &types, &created); err != nil {
			return nil, err
		}
		r.WardNumber = model.WardNumber(ward.String)
		if err := json.Unmarshal([]byte(types), &r.WasteTypes); err != nil {
			return nil, fmt.Errorf("signal %s waste types: %w", r.ID, err)
		}
		r.CreatedAt = fromMs(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQL) CompleteSignal(ctx context.Context, id string, at time.Time) error {
	return s.closeSignal(ctx, id, SignalCollected, at)
}

func (s *SQL) CancelSignal(ctx context.Context, id string, at time.Time) error {
	return s.closeSignal(ctx, id, SignalCancelled, at)
}

func (s *SQL) closeSignal(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE household_signals SET status = ?, completed_ms = ? WHERE id = ? AND status = ?`,
		status, ms(at), id, SignalReady)
	if err != nil {
		return err
	}
	return affected(res, "signal", id)
}

func (s *SQL) RecordCollection(ctx context.Context, ev model.CollectionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.exec(ctx, `INSERT INTO collections (id, target_kind, target_id, worker_id, amount, worker_lat, worker_lng, distance_m,
		fill_before, fill_after, collected_ms) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, string(ev.TargetKind), ev.TargetID, nullIfEmpty(ev.WorkerID), ev.Amount,
		nullFloat(ev.WorkerLat), nullFloat(ev.WorkerLon), nullFloat(ev.DistanceMeters),
		ev.FillBefore, ev.FillAfter, ms(ev.CollectedAt))
	return err
}

func (s *SQL) ListCollections(ctx context.Context, targetID string, limit int) ([]model.CollectionEvent, error) {
	q := `SELECT id, target_kind, target_id, worker_id, amount, worker_lat, worker_lng, distance_m, fill_before, fill_after, collected_ms
		FROM collections`
	args := []any{}
	if targetID != "" {
		q += ` WHERE target_id = ?`
		args = append(args, targetID)
	}
	q += ` ORDER BY collected_ms DESC, id LIMIT ?`
	args = append(args, clampLimit(limit))
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.CollectionEvent{}
	for rows.Next() {
		var ev model.CollectionEvent
		var kind string
		var worker sql.NullString
		var lat, lng, dist sql.NullFloat64
		var at int64
		if err := rows.Scan(&ev.ID, &kind, &ev.TargetID, &worker, &ev.Amount, &lat, &lng, &dist, &ev.FillBefore, &ev.FillAfter, &at); err != nil {
			return nil, err
		}
		ev.TargetKind = model.TargetKind(kind)
		ev.WorkerID = worker.String
		ev.WorkerLat, ev.WorkerLon, ev.DistanceMeters = floatPtr(lat), floatPtr(lng), floatPtr(dist)
		ev.CollectedAt = fromMs(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	sub := model.Subscription{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Events:    append([]string(nil), req.Events...),
		Secret:    req.Secret,
		CreatedAt: time.UnixMilli(ms(s.now())).UTC(),
	}
	events, err := json.Marshal(nonNil(sub.Events))
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = s.exec(ctx, `INSERT INTO subscriptions (id, url, events, secret, created_ms) VALUES (?,?,?,?,?)`,
		sub.ID, sub.URL, string(events), nullIfEmpty(sub.Secret), ms(sub.CreatedAt))
	if err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

func (s *SQL) scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var sub model.Subscription
		var events string
		var secret sql.NullString
		var created int64
		if err := rows.Scan(&sub.ID, &sub.URL, &events, &secret, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &sub.Events); err != nil {
			return nil, fmt.Errorf("subscription %s events: %w", sub.ID, err)
		}
		sub.Secret = secret.String
		sub.CreatedAt = fromMs(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubscriptionsForEvent filters in Go; the events column is portable JSON
// text rather than a Postgres array.
func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	rows, err := s.query(ctx, `SELECT id, url, events, secret, created_ms FROM subscriptions ORDER BY created_ms, id`)
	if err != nil {
		return nil, err
	}
	all, err := s.scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for _, sub := range all {
		if slices.Contains(sub.Events, eventType) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *SQL) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = clampLimit(limit)
	rows, err := s.query(ctx, `SELECT id, url, events, secret, created_ms FROM subscriptions WHERE id > ? ORDER BY id LIMIT ?`,
		cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	out, err := s.scanSubscriptions(rows)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) > limit {
		out = out[:limit]
		next = out[limit-1].ID
	}
	return out, next, nil
}

func (s *SQL) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, "subscription", id)
}

// EnqueueWebhook is idempotent per (event type, url, dedup key).
func (s *SQL) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	key := computeDedupKey(payload)
	now := ms(s.now())
	_, err := s.exec(ctx, `INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts,
		next_attempt_ms, dedup_key, created_ms) VALUES (?,?,?,?,?,?,?,0,?,?,?)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`,
		id, subscriptionID, eventType, url, nullIfEmpty(secret), string(payload), DeliveryPending, now, key, now)
	if err != nil {
		return "", err
	}
	var existing string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM webhook_deliveries WHERE event_type = ? AND url = ? AND dedup_key = ?`),
		eventType, url, key).Scan(&existing)
	if err != nil {
		return "", err
	}
	return existing, nil
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `SELECT id, subscription_id, event_type, url, secret, payload, status, attempts FROM webhook_deliveries
		WHERE status IN (?, ?) AND next_attempt_ms <= ? ORDER BY next_attempt_ms, created_ms LIMIT ?`,
		DeliveryPending, DeliveryRetry, ms(s.now()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var secret sql.NullString
		var payload string
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &secret, &payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		d.Secret = secret.String
		d.Payload = []byte(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	var res sql.Result
	var err error
	if success {
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, response_code = ?, latency_ms = ?,
			delivered_ms = ? WHERE id = ?`, DeliveryDelivered, responseCode, latencyMs, ms(s.now()), id)
	} else {
		next := s.now().Add(time.Minute)
		if nextAttemptAt != nil {
			next = *nextAttemptAt
		}
		res, err = s.exec(ctx, `UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, response_code = ?, latency_ms = ?,
			last_error = ?, next_attempt_ms = ? WHERE id = ?`, DeliveryRetry, responseCode, latencyMs, nullIfEmpty(lastError), ms(next), id)
	}
	if err != nil {
		return err
	}
	return affected(res, "delivery", id)
}

// FailWebhookDelivery marks the delivery failed and copies it to the DLQ.
func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = ?,
		response_code = ?, latency_ms = ? WHERE id = ?`), DeliveryFailed, nullIfEmpty(lastError), responseCode, latencyMs, id)
	if err != nil {
		return err
	}
	if err := affected(res, "delivery", id); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO webhook_dlq (id, delivery_id, event_type, url, payload, attempts, last_error, response_code, created_ms)
		SELECT CAST(? AS TEXT), id, event_type, url, payload, attempts, last_error, response_code, CAST(? AS BIGINT)
		FROM webhook_deliveries WHERE id = ?`),
		uuid.New().String(), ms(s.now()), id)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	q := `SELECT id, subscription_id, event_type, url, status, attempts, next_attempt_ms, last_error, response_code, created_ms, delivered_ms
		FROM webhook_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_ms DESC, id LIMIT ?`
	args = append(args, clampLimit(limit))
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, sub, ev, url, st string
		var attempts int
		var next, created int64
		var lastErr sql.NullString
		var code, delivered sql.NullInt64
		if err := rows.Scan(&id, &sub, &ev, &url, &st, &attempts, &next, &lastErr, &code, &created, &delivered); err != nil {
			return nil, err
		}
		item := map[string]any{
			"id": id, "subscriptionId": sub, "eventType": ev, "url": url, "status": st,
			"attempts": attempts, "nextAttemptAt": fromMs(next), "createdAt": fromMs(created),
		}
		if lastErr.Valid {
			item["lastError"] = lastErr.String
		}
		if code.Valid && code.Int64 != 0 {
			item["responseCode"] = int(code.Int64)
		}
		if delivered.Valid {
			item["deliveredAt"] = fromMs(delivered.Int64)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQL) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE webhook_deliveries SET status = ?, next_attempt_ms = ? WHERE id = ?`,
		DeliveryPending, ms(s.now()), id)
	if err != nil {
		return err
	}
	return affected(res, "delivery", id)
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQL) Close() error { return s.db.Close() }

func affected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %q: %w", what, id, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// IsNotFound reports whether err is the store's not-found sentinel or a
// database no-rows result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
