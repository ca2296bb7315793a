package udss

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestAdmin(t *testing.T) (*AdminServer, *StaticSource) {
	t.Helper()
	src := &StaticSource{Domains: []string{"blocked.test"}, Patterns: []string{`^ads\.`}}
	b := NewBlocker(src)
	b.Logger = discardLogger()
	if err := b.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}

	h := NewHealthChecker()
	h.SetAlive(true)
	h.SetReady(true)

	return &AdminServer{
		Blocker: b,
		CA:      newTestCA(t),
		Health:  h,
		Metrics: NewMetrics(),
		Stats:   NewTrafficStats(),
		Logger:  discardLogger(),
	}, src
}

func doAdmin(t *testing.T, a *AdminServer, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

func TestAdminStatus(t *testing.T) {
	a, _ := newTestAdmin(t)
	a.LogDropped = func() int64 { return 7 }
	a.Stats.addBytes(false, 10, 20)

	rec := doAdmin(t, a, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decodeJSON[StatusResponse](t, rec)
	if resp.Status != "ok" {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.BlockedDomains != 1 || resp.BlockedPatterns != 1 {
		t.Errorf("counts = %d/%d, want 1/1", resp.BlockedDomains, resp.BlockedPatterns)
	}
	if resp.CAFingerprint != a.CA.Fingerprint() {
		t.Errorf("fingerprint = %q", resp.CAFingerprint)
	}
	if resp.LogDropped != 7 {
		t.Errorf("traffic_log_dropped = %d, want 7", resp.LogDropped)
	}
	if resp.Stats == nil || resp.Stats.HTTPBytesIn != 10 {
		t.Errorf("stats = %+v", resp.Stats)
	}
}

func TestAdminBlocklist(t *testing.T) {
	a, _ := newTestAdmin(t)

	resp := decodeJSON[BlocklistResponse](t, doAdmin(t, a, http.MethodGet, "/api/blocklist"))
	if len(resp.Domains) != 1 || resp.Domains[0] != "blocked.test" {
		t.Errorf("domains = %v", resp.Domains)
	}
	if len(resp.Patterns) != 1 || resp.Patterns[0] != `^ads\.` {
		t.Errorf("patterns = %v", resp.Patterns)
	}
}

func TestAdminBlocklistCheck(t *testing.T) {
	a, _ := newTestAdmin(t)

	tests := []struct {
		host    string
		blocked bool
		kind    string
	}{
		{"blocked.test", true, "domain"},
		{"BLOCKED.test", true, "domain"},
		{"ads.example.com", true, "pattern"},
		{"example.com", false, ""},
	}
	for _, tt := range tests {
		rec := doAdmin(t, a, http.MethodGet, "/api/blocklist/check?host="+tt.host)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", tt.host, rec.Code)
		}
		resp := decodeJSON[CheckResponse](t, rec)
		if resp.Blocked != tt.blocked || resp.Kind != tt.kind {
			t.Errorf("check(%q) = %+v, want blocked=%v kind=%q", tt.host, resp, tt.blocked, tt.kind)
		}
	}

	rec := doAdmin(t, a, http.MethodGet, "/api/blocklist/check")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing host: want 400, got %d", rec.Code)
	}
}

func TestAdminReload(t *testing.T) {
	a, src := newTestAdmin(t)
	src.Domains = []string{"one.test", "two.test"}

	rec := doAdmin(t, a, http.MethodPost, "/api/blocklist/reload")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}
	if d, _ := a.Blocker.Count(); d != 2 {
		t.Errorf("domains after reload = %d, want 2", d)
	}

	rec = doAdmin(t, a, http.MethodGet, "/api/blocklist/reload")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET reload: want 405, got %d", rec.Code)
	}
}

func TestAdminReloadFailure(t *testing.T) {
	a, _ := newTestAdmin(t)
	a.Blocker.Source = failingSource{err: errors.New("connection refused")}

	rec := doAdmin(t, a, http.MethodPost, "/api/blocklist/reload")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
	resp := decodeJSON[ErrorResponse](t, rec)
	if !strings.Contains(resp.Error, "connection refused") {
		t.Errorf("error = %q", resp.Error)
	}
	if d, _ := a.Blocker.Count(); d != 1 {
		t.Errorf("previous blocklist not kept: %d domains", d)
	}
}

func TestAdminReloadNotConfigured(t *testing.T) {
	a, _ := newTestAdmin(t)
	a.Blocker.Source = nil

	rec := doAdmin(t, a, http.MethodPost, "/api/blocklist/reload")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("want 501, got %d", rec.Code)
	}
}

func TestAdminCA(t *testing.T) {
	a, _ := newTestAdmin(t)

	for _, path := range []string{"/ca.pem", "/api/ca.pem"} {
		rec := doAdmin(t, a, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: want 200, got %d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/x-pem-file" {
			t.Errorf("%s: Content-Type = %q", path, ct)
		}
		if rec.Body.String() != string(a.CA.CertPEM()) {
			t.Errorf("%s: body is not the CA certificate", path)
		}
	}
}

func TestAdminProbesAndMetrics(t *testing.T) {
	a, _ := newTestAdmin(t)
	a.Health.Checks = []ReadinessCheck{BlocklistCheck(a.Blocker)}
	a.Metrics.RecordRejected("blocked")

	if rec := doAdmin(t, a, http.MethodGet, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := doAdmin(t, a, http.MethodGet, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d: %s", rec.Code, rec.Body)
	}

	rec := doAdmin(t, a, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `udss_requests_rejected_total{reason="blocked"} 1`) {
		t.Errorf("metrics output missing rejected counter:\n%s", rec.Body)
	}
}

func TestAdminCompression(t *testing.T) {
	a, src := newTestAdmin(t)
	a.Compress = true
	for i := range 100 {
		src.Domains = append(src.Domains, "host"+strings.Repeat("x", i%10)+".blocked.test")
	}
	if err := a.Blocker.Reload(t.Context()); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/blocklist", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	var resp BlocklistResponse
	if err := json.NewDecoder(zr).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Domains) < 10 {
		t.Errorf("got %d domains", len(resp.Domains))
	}
}

func TestAdminServeAndShutdown(t *testing.T) {
	a, _ := newTestAdmin(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- a.Serve(l) }()

	var resp *http.Response
	for range 50 {
		resp, err = http.Get("http://" + l.Addr().String() + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Errorf("Serve returned %v", err)
	}
}
