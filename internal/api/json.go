package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"wastezone/internal/dispatch"
	"wastezone/internal/logging"
	"wastezone/internal/model"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Set on out-of-range collections.
	DistanceMeters   *float64 `json:"distanceMeters,omitempty"`
	RadiusMeters     *float64 `json:"radiusMeters,omitempty"`
	MoveCloserMeters *float64 `json:"moveCloserMeters,omitempty"`
}

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps a service error onto its problem response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	var (
		ve  *model.ValidationError
		oor *model.OutOfRangeError
		far *dispatch.TooFarError
	)
	switch {
	case errors.As(err, &far):
		res := far.Result
		writeProblemBody(w, Problem{
			Type:             "about:blank",
			Title:            "Worker out of range",
			Status:           http.StatusConflict,
			Detail:           err.Error(),
			Instance:         r.URL.Path,
			DistanceMeters:   &res.DistanceMeters,
			RadiusMeters:     &res.RadiusMeters,
			MoveCloserMeters: &res.MoveCloserMeters,
		})
	case errors.As(err, &ve), errors.As(err, &oor):
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
	case errors.Is(err, model.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	default:
		s.Log.Error(r.Context(), title, logging.Err(err), logging.String("path", r.URL.Path))
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), r.URL.Path)
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body is an error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return model.Invalid("body", "request body is empty")
		}
		return model.Invalid("body", err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.Invalid(key, fmt.Sprintf("%q is not an integer", v))
	}
	return n, nil
}
