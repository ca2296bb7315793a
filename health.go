package udss

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"
)

const readinessTimeout = 2 * time.Second

// HealthChecker answers liveness and readiness probes. The proxy is alive
// once its listener is up; it is ready when it is alive and every
// readiness check passes.
type HealthChecker struct {
	alive atomic.Bool
	ready atomic.Bool

	startTime time.Time

	// Checks run on every readiness probe.
	Checks []ReadinessCheck
}

// ReadinessCheck is a named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthResponse is the JSON body of /healthz and /readyz.
type HealthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{startTime: time.Now()}
}

func (h *HealthChecker) SetAlive(alive bool) { h.alive.Store(alive) }
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }
func (h *HealthChecker) IsAlive() bool       { return h.alive.Load() }

// Uptime returns the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.startTime).Truncate(time.Second)
}

// IsReady reports whether the proxy is ready and all checks pass.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	if !h.ready.Load() {
		return false
	}
	_, err := h.runChecks(ctx)
	return err == nil
}

func (h *HealthChecker) runChecks(ctx context.Context) (map[string]string, error) {
	if len(h.Checks) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	results := make(map[string]string, len(h.Checks))
	var errs []error
	for _, c := range h.Checks {
		if err := c.Check(ctx); err != nil {
			results[c.Name] = err.Error()
			errs = append(errs, err)
			continue
		}
		results[c.Name] = "ok"
	}
	return results, errors.Join(errs...)
}

// HandleHealthz serves the liveness probe.
func (h *HealthChecker) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "ok", Uptime: h.Uptime().String()}
	status := http.StatusOK
	if !h.IsAlive() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeHealth(w, status, resp)
}

// HandleReadyz serves the readiness probe.
func (h *HealthChecker) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Uptime: h.Uptime().String()}

	if !h.ready.Load() {
		resp.Status = "not ready"
		resp.Reason = "proxy not yet ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}

	results, err := h.runChecks(r.Context())
	resp.Checks = results
	if err != nil {
		resp.Status = "not ready"
		writeHealth(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Status = "ok"
	writeHealth(w, http.StatusOK, resp)
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// BlocklistCheck fails until b has loaded at least one rule or reload.
func BlocklistCheck(b *Blocker) ReadinessCheck {
	return ReadinessCheck{
		Name: "blocklist",
		Check: func(context.Context) error {
			if !b.Loaded() {
				return errors.New("blocklist not loaded")
			}
			return nil
		},
	}
}

// StoreCheck pings the database.
func StoreCheck(s *Store) ReadinessCheck {
	return ReadinessCheck{Name: "database", Check: s.Ping}
}
