package udss

import (
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultUpstreamOptions(t *testing.T) {
	opts := DefaultUpstreamOptions()

	if opts.MaxIdleConnsPerHost != 100 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 100", opts.MaxIdleConnsPerHost)
	}
	if opts.IdleConnTimeout != 30*time.Second {
		t.Errorf("IdleConnTimeout = %v, want 30s", opts.IdleConnTimeout)
	}
	if !opts.VerifyCertificate {
		t.Error("VerifyCertificate should default to true")
	}
}

func TestUpstreamPool_Transport(t *testing.T) {
	p := NewUpstreamPool(DefaultUpstreamOptions())

	tests := []struct {
		scheme  string
		wantErr bool
	}{
		{"http", false},
		{"https", false},
		{"ftp", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			rt, err := p.Transport(tt.scheme)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transport(%q) error = %v, wantErr %v", tt.scheme, err, tt.wantErr)
			}
			if tt.wantErr && KindOf(err) != KindHTTP {
				t.Errorf("KindOf(err) = %v, want %v", KindOf(err), KindHTTP)
			}
			if !tt.wantErr && rt == nil {
				t.Error("nil transport")
			}
		})
	}

	httpRT, _ := p.Transport("http")
	httpsRT, _ := p.Transport("https")
	if httpRT == httpsRT {
		t.Error("http and https share one transport")
	}
}

func TestUpstreamPool_RoundTrip(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "pooled")
		_, _ = w.Write([]byte("hello from pool"))
	}))
	defer backend.Close()

	p := NewUpstreamPool(DefaultUpstreamOptions())

	for range 3 {
		req, _ := http.NewRequest("GET", backend.URL+"/test", nil)
		resp, err := p.RoundTrip(req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.Header.Get("X-Test") != "pooled" {
			t.Error("missing X-Test header")
		}
		if string(body) != "hello from pool" {
			t.Errorf("body = %q, want 'hello from pool'", body)
		}
	}

	stats := p.Stats()
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
	if stats.ActiveRequests != 0 {
		t.Errorf("ActiveRequests = %d, want 0", stats.ActiveRequests)
	}
}

func TestUpstreamPool_NoRedirects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer backend.Close()

	p := NewUpstreamPool(DefaultUpstreamOptions())
	req, _ := http.NewRequest("GET", backend.URL, nil)
	resp, err := p.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 passed through", resp.StatusCode)
	}
}

func TestUpstreamPool_TLSVerification(t *testing.T) {
	backend := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer backend.Close()

	trusted := x509.NewCertPool()
	trusted.AddCert(backend.Certificate())

	tests := []struct {
		name    string
		opts    func(*UpstreamOptions)
		wantErr bool
	}{
		{"untrusted root", func(*UpstreamOptions) {}, true},
		{"trusted root", func(o *UpstreamOptions) { o.RootCAs = trusted }, false},
		{"verification disabled", func(o *UpstreamOptions) { o.VerifyCertificate = false }, false},
		{"internal ip exempt", func(o *UpstreamOptions) { o.DisableVerifyInternalIP = true }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultUpstreamOptions()
			opts.RootCAs = x509.NewCertPool()
			tt.opts(&opts)
			p := NewUpstreamPool(opts)
			defer p.CloseIdleConnections()

			req, _ := http.NewRequest("GET", backend.URL, nil)
			resp, err := p.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				_ = resp.Body.Close()
			}
		})
	}
}

func TestIsInternalIP(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.0.10", true},
		{"172.16.5.4", true},
		{"169.254.1.1", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"example.com", false},
	}
	for _, tt := range tests {
		if got := isInternalIP(tt.host); got != tt.want {
			t.Errorf("isInternalIP(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}
