package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/router"
)

const adminLogPrefix = "httptransport:admin"

// HealthOutput is the body of the health and ready endpoints.
type HealthOutput struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthOutput{Status: "healthy", Timestamp: now()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	out, status := s.readiness(r.Context())
	writeJSON(w, status, out)
}

func (s *Server) readiness(ctx context.Context) (HealthOutput, int) {
	out := HealthOutput{Status: "ready", Timestamp: now()}
	if s.opts.Ready == nil {
		return out, http.StatusOK
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	if err := s.opts.Ready(ctx); err != nil {
		out.Status = "not_ready"
		out.Error = err.Error()
		return out, http.StatusServiceUnavailable
	}
	return out, http.StatusOK
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.routes())
}

func (s *Server) routes() []router.RouteInfo {
	if s.opts.Routes == nil {
		return []router.RouteInfo{}
	}
	return s.opts.Routes()
}

// homePageTemplate is the admin overview: readiness, runtime figures and the route table.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Synapse</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-ready { color: #0066cc; font-weight: bold; }
    .status-not_ready { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .error { color: #cc0000; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Synapse</h1>

  <section>
    <h2>Status</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{if .Health.Error}}<p class="error">{{.Health.Error}}</p>{{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  {{if .Stats}}
  <section>
    <h2>Statistics</h2>
    <table>
      {{range .Stats}}<tr><th>{{.Name}}</th><td class="stat">{{.Value}}</td></tr>{{end}}
    </table>
  </section>
  {{end}}

  <section>
    <h2>Routes</h2>
    {{if not .Routes}}
    <p>No routes registered.</p>
    {{else}}
    <table>
      <thead><tr><th>Verb</th><th>Path</th><th>Method</th><th>Parameters</th></tr></thead>
      <tbody>
        {{range .Routes}}
        <tr>
          <td>{{.Verb}}</td>
          <td>{{.Path}}</td>
          <td>{{.Method}}</td>
          <td>{{range .Params}}{{.Name}} ({{.Source}}{{if .Required}}, required{{end}}) {{end}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type statRow struct {
	Name  string
	Value interface{}
}

// homeData is the data passed to the admin page template.
type homeData struct {
	Health HealthOutput
	Stats  []statRow
	Routes []router.RouteInfo
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		health, _ := s.readiness(r.Context())
		data := homeData{Health: health, Routes: s.routes()}
		if s.opts.Stats != nil {
			for name, v := range s.opts.Stats() {
				data.Stats = append(data.Stats, statRow{Name: name, Value: v})
			}
			sort.Slice(data.Stats, func(i, j int) bool { return data.Stats[i].Name < data.Stats[j].Name })
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", adminLogPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", adminLogPrefix, err))
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
