package udss

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer serves the operational endpoints on a listener separate from
// the proxy: health probes, Prometheus metrics, the root CA certificate for
// client installation, and a small JSON API over the blocklist.
type AdminServer struct {
	// Addr is the admin listen address.
	Addr string

	Blocker *Blocker
	CA      *CertAuthority
	Health  *HealthChecker
	Metrics *Metrics
	Stats   *TrafficStats

	// LogDropped reports records dropped by the database traffic log
	// (optional).
	LogDropped func() int64

	// Compress enables response compression.
	Compress bool

	Logger *slog.Logger

	mu  sync.Mutex
	srv *http.Server
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Status          string         `json:"status"`
	Uptime          string         `json:"uptime,omitempty"`
	BlockedDomains  int            `json:"blocked_domains"`
	BlockedPatterns int            `json:"blocked_patterns"`
	CAFingerprint   string         `json:"ca_fingerprint,omitempty"`
	LogDropped      int64          `json:"traffic_log_dropped"`
	Stats           *StatsSnapshot `json:"stats,omitempty"`
}

// BlocklistResponse is returned by GET /api/blocklist.
type BlocklistResponse struct {
	Domains  []string `json:"domains"`
	Patterns []string `json:"patterns"`
}

// CheckResponse is returned by GET /api/blocklist/check.
type CheckResponse struct {
	Host    string `json:"host"`
	Blocked bool   `json:"blocked"`
	Kind    string `json:"kind,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful actions.
type MessageResponse struct {
	Message string `json:"message"`
}

// Handler builds the admin router.
func (a *AdminServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if a.Health != nil {
		r.Get("/healthz", a.Health.HandleHealthz)
		r.Get("/readyz", a.Health.HandleReadyz)
	}
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}
	if a.CA != nil {
		r.Get("/ca.pem", a.handleCA)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", a.handleStatus)
		r.Get("/blocklist", a.handleBlocklist)
		r.Get("/blocklist/check", a.handleCheck)
		r.Post("/blocklist/reload", a.handleReload)
		r.Get("/ca.pem", a.handleCA)
	})

	if a.Compress {
		return Compress(r, 0)
	}
	return r
}

// ListenAndServe serves the admin endpoints on Addr until Shutdown.
func (a *AdminServer) ListenAndServe() error {
	l, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return ioErr("admin listen", err)
	}
	return a.Serve(l)
}

// Serve serves the admin endpoints on l.
func (a *AdminServer) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger().Handler(), slog.LevelWarn),
	}
	a.mu.Lock()
	a.srv = srv
	a.mu.Unlock()

	a.logger().Info("admin listening", "addr", l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return ioErr("admin serve", err)
	}
	return nil
}

// Shutdown gracefully stops the admin server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.srv
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (a *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{Status: "ok"}
	if a.Health != nil {
		resp.Uptime = a.Health.Uptime().String()
	}
	if a.Blocker != nil {
		resp.BlockedDomains, resp.BlockedPatterns = a.Blocker.Count()
	}
	if a.CA != nil {
		resp.CAFingerprint = a.CA.Fingerprint()
	}
	if a.LogDropped != nil {
		resp.LogDropped = a.LogDropped()
	}
	if a.Stats != nil {
		snap := a.Stats.Snapshot()
		resp.Stats = &snap
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleBlocklist(w http.ResponseWriter, _ *http.Request) {
	resp := BlocklistResponse{Domains: []string{}, Patterns: []string{}}
	if a.Blocker != nil {
		resp.Domains = a.Blocker.Domains()
		resp.Patterns = a.Blocker.Patterns()
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "host query parameter is required"})
		return
	}
	resp := CheckResponse{Host: host}
	if a.Blocker != nil {
		if m, ok := a.Blocker.Match(host); ok {
			resp.Blocked, resp.Kind, resp.Rule = true, m.Kind, m.Rule
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.Blocker == nil || a.Blocker.Source == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}
	if err := a.Blocker.Reload(r.Context()); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}
	a.logger().Info("blocklist reloaded via admin API")
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

func (a *AdminServer) handleCA(w http.ResponseWriter, r *http.Request) {
	if a.CA == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="udss-ca.pem"`)
	_, _ = w.Write(a.CA.CertPEM())
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger().Error("admin API write error", "error", err)
	}
}

func (a *AdminServer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
