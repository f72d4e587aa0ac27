package api

import (
	"net/http"
	"time"

	"wastezone/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	tick, at := s.Svc.Engine().Ticks()
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Config,
		"sim": map[string]any{
			"tick":     tick,
			"lastTick": at.UTC().Format(time.RFC3339),
			"zones":    len(s.Svc.Zones()),
			"signals":  len(s.Svc.Signals()),
			"workers":  s.Locations.Len(),
		},
	})
}
