package udss

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// UpstreamOptions configures the transports of an [UpstreamPool].
type UpstreamOptions struct {
	// MaxIdleConnsPerHost is the maximum number of idle keep-alive
	// connections kept per upstream host. Zero means 100.
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection stays pooled.
	// Zero means 30 seconds.
	IdleConnTimeout time.Duration

	// DialTimeout bounds TCP connection setup. Zero means 30 seconds.
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero means 30 seconds.
	KeepAlive time.Duration

	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	// Zero means 10 seconds.
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after
	// the request is written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	// VerifyCertificate enables upstream certificate verification.
	VerifyCertificate bool

	// DisableVerifyInternalIP skips verification for upstreams addressed
	// by a private, loopback or link-local IP literal.
	DisableVerifyInternalIP bool

	// RootCAs used to verify upstream servers. Nil means the system pool.
	RootCAs *x509.CertPool
}

// DefaultUpstreamOptions returns options suited to a forward proxy.
func DefaultUpstreamOptions() UpstreamOptions {
	return UpstreamOptions{
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     30 * time.Second,
		DialTimeout:         30 * time.Second,
		KeepAlive:           30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		VerifyCertificate:   true,
	}
}

// UpstreamPool holds the two long-lived upstream clients: one for plain HTTP
// origins and one for HTTPS origins. Both pool idle keep-alive connections
// and never follow redirects. It is safe for concurrent use.
type UpstreamPool struct {
	http  *http.Transport
	https *http.Transport

	totalRequests  atomic.Int64
	activeRequests atomic.Int64
}

// NewUpstreamPool builds both transports from opts.
func NewUpstreamPool(opts UpstreamOptions) *UpstreamPool {
	if opts.MaxIdleConnsPerHost == 0 {
		opts.MaxIdleConnsPerHost = 100
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 30 * time.Second
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.TLSHandshakeTimeout == 0 {
		opts.TLSHandshakeTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: opts.KeepAlive,
	}

	base := func() *http.Transport {
		return &http.Transport{
			// Upstream requests go direct; the proxy environment of this
			// process must not apply to its clients.
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          0,
			MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
			IdleConnTimeout:       opts.IdleConnTimeout,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
			DisableCompression:    true,
		}
	}

	plain := base()

	tlsCfg := &tls.Config{
		RootCAs:            opts.RootCAs,
		InsecureSkipVerify: !opts.VerifyCertificate, //nolint:gosec // operator opt-out
		NextProtos:         []string{"http/1.1"},
	}
	secure := base()
	secure.TLSClientConfig = tlsCfg
	if opts.VerifyCertificate && opts.DisableVerifyInternalIP {
		secure.DialTLSContext = internalIPAwareDialer(dialer, tlsCfg, opts.TLSHandshakeTimeout)
	}

	return &UpstreamPool{http: plain, https: secure}
}

// internalIPAwareDialer returns a TLS dialer that verifies certificates
// except for upstreams addressed by an internal IP literal.
func internalIPAwareDialer(d *net.Dialer, cfg *tls.Config, timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}

		conf := cfg.Clone()
		conf.ServerName = host
		if isInternalIP(host) {
			conf.InsecureSkipVerify = true //nolint:gosec // internal upstreams opted out
		}

		raw, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		hsCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn := tls.Client(raw, conf)
		if err := conn.HandshakeContext(hsCtx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		return conn, nil
	}
}

func isInternalIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast()
}

// Transport returns the client for scheme, which must be http or https.
func (p *UpstreamPool) Transport(scheme string) (http.RoundTripper, error) {
	switch scheme {
	case "http":
		return p.http, nil
	case "https":
		return p.https, nil
	default:
		return nil, httpErr("select upstream client", fmt.Errorf("unsupported scheme %q", scheme))
	}
}

// RoundTrip sends req with the client matching its URL scheme. Redirects are
// returned to the caller, not followed.
func (p *UpstreamPool) RoundTrip(req *http.Request) (*http.Response, error) {
	t, err := p.Transport(req.URL.Scheme)
	if err != nil {
		return nil, err
	}

	p.totalRequests.Add(1)
	p.activeRequests.Add(1)
	defer p.activeRequests.Add(-1)

	return t.RoundTrip(req)
}

// CloseIdleConnections closes idle connections in both transports.
func (p *UpstreamPool) CloseIdleConnections() {
	p.http.CloseIdleConnections()
	p.https.CloseIdleConnections()
}

// Stats returns a snapshot of upstream request counters.
func (p *UpstreamPool) Stats() UpstreamStats {
	return UpstreamStats{
		TotalRequests:  p.totalRequests.Load(),
		ActiveRequests: p.activeRequests.Load(),
	}
}

// UpstreamStats holds a snapshot of upstream pool statistics.
type UpstreamStats struct {
	TotalRequests  int64 `json:"total_requests"`
	ActiveRequests int64 `json:"active_requests"`
}
