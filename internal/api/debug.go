package api

import (
    "context"
    "net/http"
    "sort"
    "time"

    "busrelay/internal/buildinfo"
)

type healthResponse struct {
    Status          string            `json:"status"`
    TrackedEntities int               `json:"trackedEntities"`
    Subscribers     int               `json:"subscribers"`
    Observers       int               `json:"observers"`
    Topics          int               `json:"topics"`
    Build           map[string]string `json:"build"`
}

// HealthHandler handles GET /health with live connection counts.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet && r.Method != http.MethodHead {
        writeError(w, http.StatusMethodNotAllowed, "method not allowed")
        return
    }
    st := s.Broker.Stats()
    writeJSON(w, http.StatusOK, healthResponse{
        Status:          "ok",
        TrackedEntities: st.TrackedEntities,
        Subscribers:     st.Subscribers,
        Observers:       st.Observers,
        Topics:          st.Topics,
        Build:           buildinfo.Info(),
    })
}

// ReadyHandler handles GET /readyz by running every dependency check.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
    defer cancel()
    names := make([]string, 0, len(s.opts.ReadyChecks))
    for name := range s.opts.ReadyChecks { names = append(names, name) }
    sort.Strings(names)
    checks := map[string]string{}
    status := http.StatusOK
    for _, name := range names {
        if err := s.opts.ReadyChecks[name](ctx); err != nil {
            checks[name] = err.Error()
            status = http.StatusServiceUnavailable
            continue
        }
        checks[name] = "ok"
    }
    ready := "ready"
    if status != http.StatusOK { ready = "not ready" }
    writeJSON(w, status, map[string]any{"status": ready, "checks": checks})
}

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
    info := map[string]any{
        "build":  buildinfo.Info(),
        "time":   time.Now().UTC().Format(time.RFC3339),
        "stats":  s.Broker.Stats(),
        "config": s.opts.DebugInfo,
    }
    writeJSON(w, http.StatusOK, info)
}
