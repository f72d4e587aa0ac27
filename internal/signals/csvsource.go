package signals

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"wastezone/internal/model"
)

// CSVSource reads ready households from a CSV export dropped by an external
// collection-request system. The file is re-read on every call, so it is the
// authoritative ready set while it is configured. Households collected
// locally may linger in the export; Adapter.Sync keeps them closed until the
// row disappears or comes back with a later created_at.
//
// Columns are matched by header name. id, lat and lng are required;
// ward_number, waste_types (separated by ';' or '|') and created_at
// (RFC 3339 or unix milliseconds) are optional.
type CSVSource struct {
	Path string
}

func NewCSVSource(path string) *CSVSource { return &CSVSource{Path: path} }

func (c *CSVSource) ListReadySignals(ctx context.Context) ([]model.RawSignal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open signal csv: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseCSV(f)
}

var requiredColumns = []string{"id", "lat", "lng"}

// ParseCSV decodes a signal export. Rows with unparseable coordinates keep
// NaN in their place so Normalize rejects them and Sync counts them as
// skipped; a bad created_at is treated as missing.
func ParseCSV(r io.Reader) ([]model.RawSignal, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	cr.Comment = '#'

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, model.Invalid("csv", "missing column "+name)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []model.RawSignal
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		out = append(out, model.RawSignal{
			ID:         field(rec, "id"),
			Lat:        parseCoord(field(rec, "lat")),
			Lng:        parseCoord(field(rec, "lng")),
			WardNumber: model.WardNumber(field(rec, "ward_number")),
			WasteTypes: splitTypes(field(rec, "waste_types")),
			CreatedAt:  parseCreated(field(rec, "created_at")),
		})
	}
	return out, nil
}

func parseCoord(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

func splitTypes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == '|' })
}

func parseCreated(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
