package api

import (
	_ "embed"
	"encoding/json"
	"net/http"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openAPIYAML []byte

var (
	openAPIOnce sync.Once
	openAPIJSON []byte
	openAPIErr  error
)

// openAPIAsJSON converts the embedded document once.
func openAPIAsJSON() ([]byte, error) {
	openAPIOnce.Do(func() {
		var obj map[string]any
		if openAPIErr = yaml.Unmarshal(openAPIYAML, &obj); openAPIErr != nil {
			return
		}
		openAPIJSON, openAPIErr = json.Marshal(obj)
	})
	return openAPIJSON, openAPIErr
}

// OpenAPIHandler serves the OpenAPI document at /openapi.yaml and /openapi.json
func (s *Server) OpenAPIHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/openapi.json" {
		b, err := openAPIAsJSON()
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "OpenAPI parse failed", err.Error(), r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(openAPIYAML)
}

// DocsHandler serves a minimal ReDoc page referencing /openapi.yaml
func (s *Server) DocsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(`<!DOCTYPE html><html><head><title>Waste Zone API</title>
<meta charset="utf-8"/>
<meta name="viewport" content="width=device-width, initial-scale=1">
<script src="https://cdn.jsdelivr.net/npm/redoc@next/bundles/redoc.standalone.js"></script>
</head><body>
<redoc spec-url="/openapi.yaml"></redoc>
</body></html>`))
}
