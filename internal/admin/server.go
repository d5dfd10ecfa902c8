package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// TunnelStats is the narrow capability the admin server uses to report
// tunnel activity, implemented by internal/tunnel/server.Server. Keeping it
// an interface here (rather than importing the tunnel package directly)
// avoids a dependency cycle between admin and tunnel.
type TunnelStats interface {
	ActiveTunnelCount() int
	TotalTunnelsServed() int64
}

// Server is the management dashboard HTTP server. It fans out across one
// Registry per configured route, keyed by route pattern.
type Server struct {
	registries map[string]*Registry
	tunnels    TunnelStats
	startTime  time.Time
	version    string
	srv        *http.Server
}

// New creates a management dashboard Server over the given per-route
// registries. tunnels may be nil when the gateway is running without a
// tunnel server attached. Call Start to begin listening.
func New(registries []*Registry, tunnels TunnelStats, listenAddr string, startTime time.Time, version string) *Server {
	byPattern := make(map[string]*Registry, len(registries))
	for _, reg := range registries {
		byPattern[reg.Pattern()] = reg
	}

	s := &Server{
		registries: byPattern,
		tunnels:    tunnels,
		startTime:  startTime,
		version:    version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/routes", s.handleListRoutes)
	mux.HandleFunc("GET /api/targets", s.handleListTargets)
	mux.HandleFunc("POST /api/targets", s.handleAddTarget)
	mux.HandleFunc("DELETE /api/targets", s.handleRemoveTarget)
	mux.HandleFunc("POST /api/targets/block", s.handleBlock)
	mux.HandleFunc("POST /api/targets/unblock", s.handleUnblock)

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin dashboard listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the admin server within the given context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the server's HTTP handler, primarily for tests that want
// to exercise the routes via httptest without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ── Handlers ────────────────────────────────────────────────────────────────

type statsResponse struct {
	Uptime         string `json:"uptime"`
	Version        string `json:"version"`
	TotalRequests  int64  `json:"total_requests"`
	TotalErrors    int64  `json:"total_errors"`
	ActiveConns    int64  `json:"active_conns"`
	TargetsTotal   int    `json:"targets_total"`
	TargetsHealthy int    `json:"targets_healthy"`
	TargetsBlocked int    `json:"targets_blocked"`
	ActiveTunnels  int    `json:"active_tunnels,omitempty"`
	TotalTunnels   int64  `json:"total_tunnels,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var totalReqs, totalErrs, activeConns int64
	healthy, blocked, total := 0, 0, 0

	for _, reg := range s.registries {
		for _, tgt := range reg.List() {
			total++
			totalReqs += tgt.TotalRequests
			totalErrs += tgt.TotalErrors
			activeConns += tgt.ActiveConns
			if tgt.Healthy && !tgt.Blocked {
				healthy++
			}
			if tgt.Blocked {
				blocked++
			}
		}
	}

	resp := statsResponse{
		Uptime:         time.Since(s.startTime).Round(time.Second).String(),
		Version:        s.version,
		TotalRequests:  totalReqs,
		TotalErrors:    totalErrs,
		ActiveConns:    activeConns,
		TargetsTotal:   total,
		TargetsHealthy: healthy,
		TargetsBlocked: blocked,
	}
	if s.tunnels != nil {
		resp.ActiveTunnels = s.tunnels.ActiveTunnelCount()
		resp.TotalTunnels = s.tunnels.TotalTunnelsServed()
	}
	jsonOK(w, resp)
}

func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	patterns := make([]string, 0, len(s.registries))
	for p := range s.registries {
		patterns = append(patterns, p)
	}
	jsonOK(w, patterns)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(w, r)
	if !ok {
		return
	}
	jsonOK(w, reg.List())
}

func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(w, r)
	if !ok {
		return
	}
	var body struct {
		URL    string `json:"url"`
		Weight int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonErr(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.URL == "" {
		jsonErr(w, "url is required", http.StatusBadRequest)
		return
	}
	if body.Weight <= 0 {
		body.Weight = 1
	}
	if err := reg.Add(body.URL, body.Weight); err != nil {
		jsonErr(w, err.Error(), http.StatusConflict)
		return
	}
	slog.Info("admin: target added", "route", reg.Pattern(), "url", body.URL, "weight", body.Weight)
	jsonOK(w, map[string]string{"status": "added"})
}

func (s *Server) handleRemoveTarget(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(w, r)
	if !ok {
		return
	}
	u := r.URL.Query().Get("url")
	if u == "" {
		jsonErr(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	if err := reg.Remove(u); err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Info("admin: target removed", "route", reg.Pattern(), "url", u)
	jsonOK(w, map[string]string{"status": "removed"})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(w, r)
	if !ok {
		return
	}
	u := r.URL.Query().Get("url")
	if u == "" {
		jsonErr(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	if err := reg.Block(u); err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Info("admin: target blocked", "route", reg.Pattern(), "url", u)
	jsonOK(w, map[string]string{"status": "blocked"})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	reg, ok := s.registryFor(w, r)
	if !ok {
		return
	}
	u := r.URL.Query().Get("url")
	if u == "" {
		jsonErr(w, "url query parameter is required", http.StatusBadRequest)
		return
	}
	if err := reg.Unblock(u); err != nil {
		jsonErr(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Info("admin: target unblocked", "route", reg.Pattern(), "url", u)
	jsonOK(w, map[string]string{"status": "unblocked"})
}

// ── helpers ─────────────────────────────────────────────────────────────────

// registryFor resolves the ?route= query parameter to a Registry, writing a
// 400/404 response and returning ok=false if resolution fails. When exactly
// one route is configured, the parameter may be omitted.
func (s *Server) registryFor(w http.ResponseWriter, r *http.Request) (*Registry, bool) {
	pattern := r.URL.Query().Get("route")
	if pattern == "" {
		if len(s.registries) == 1 {
			for _, reg := range s.registries {
				return reg, true
			}
		}
		jsonErr(w, "route query parameter is required when multiple routes are configured", http.StatusBadRequest)
		return nil, false
	}
	reg, ok := s.registries[pattern]
	if !ok {
		jsonErr(w, "unknown route", http.StatusNotFound)
		return nil, false
	}
	return reg, true
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
