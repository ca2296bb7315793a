package udss

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Proxy is an intercepting forward proxy. Plain HTTP requests are forwarded
// to their origin; CONNECT requests are answered, their TLS terminated with
// a leaf certificate for the requested host, and the decrypted requests are
// dispatched exactly like plain ones. Every request is checked against the
// domain blocklist before any upstream work.
//
// A Proxy is configured through its exported fields before serving and must
// not be modified afterwards.
type Proxy struct {
	// Addr is the address to listen on (e.g., "0.0.0.0:50000"). It also
	// identifies the proxy itself for loop detection.
	Addr string

	// Certs issues leaf certificates for intercepted hosts.
	Certs LeafIssuer

	// Blocker decides which hosts are denied (optional).
	Blocker *Blocker

	// Upstream holds the HTTP and HTTPS origin clients.
	Upstream *UpstreamPool

	// Logger for proxy events
	Logger *slog.Logger

	// Metrics collects Prometheus metrics (optional)
	Metrics *Metrics

	// Stats counts connections and bytes for periodic snapshots (optional).
	Stats *TrafficStats

	// TrafficLog receives a record for every answered request (optional).
	TrafficLog TrafficLog

	// MaxBodySize bounds buffered request and response bodies in bytes.
	// Zero means unlimited.
	MaxBodySize int64

	// HandshakeTimeout bounds the client TLS handshake in a tunnel.
	// Zero means 10 seconds.
	HandshakeTimeout time.Duration

	// TunnelIdleTimeout closes a tunnel when no request arrives for this
	// long. Zero means 60 seconds.
	TunnelIdleTimeout time.Duration

	// ReadHeaderTimeout and IdleTimeout apply to plain client connections.
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration

	self atomic.Pointer[hostPort]

	baseOnce   sync.Once
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	tunnels  map[net.Conn]struct{}
	tunnelWG sync.WaitGroup
	closing  atomic.Bool
}

type hostPort struct {
	host string
	port int
}

// NewProxy creates a proxy listening on addr.
func NewProxy(addr string, certs LeafIssuer, blocker *Blocker, upstream *UpstreamPool) *Proxy {
	return &Proxy{
		Addr:     addr,
		Certs:    certs,
		Blocker:  blocker,
		Upstream: upstream,
		Logger:   slog.Default(),
	}
}

// ListenAndServe binds Addr and serves until Shutdown.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return ioErr("listen", err)
	}
	return p.Serve(listener)
}

// Serve accepts connections on l, handling each in its own goroutine.
// It returns http.ErrServerClosed after Shutdown.
func (p *Proxy) Serve(l net.Listener) error {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		host, _, _ := net.SplitHostPort(p.Addr)
		p.self.Store(&hostPort{host: strings.ToLower(host), port: tcp.Port})
	}

	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: p.ReadHeaderTimeout,
		IdleTimeout:       p.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(p.logger().Handler(), slog.LevelDebug),
		ConnState:         p.connState,
		BaseContext:       func(net.Listener) context.Context { return p.baseContext() },
	}

	p.mu.Lock()
	if p.closing.Load() {
		p.mu.Unlock()
		_ = l.Close()
		return http.ErrServerClosed
	}
	p.srv = srv
	p.listener = l
	p.mu.Unlock()

	p.logger().Info("proxy listening", "addr", l.Addr().String())
	return srv.Serve(l)
}

// ListenAddr returns the bound listener address, or nil before Serve.
func (p *Proxy) ListenAddr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Shutdown stops accepting connections, waits for in-flight requests and
// open tunnels to finish, and force-closes tunnels still open when ctx ends.
// Forcing also cancels every request still waiting on an upstream.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.closing.Store(true)

	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
		if err != nil {
			// Plain requests still in flight.
			p.abortRequests()
		}
	}

	done := make(chan struct{})
	go func() {
		p.tunnelWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.abortRequests()
		p.mu.Lock()
		for c := range p.tunnels {
			_ = c.Close()
		}
		p.mu.Unlock()
		select {
		case <-done:
		case <-time.After(forceCloseGrace):
			p.logger().Warn("tunnels still running after forced shutdown")
		}
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// baseContext is the parent of every request context. It is cancelled when
// Shutdown gives up waiting.
func (p *Proxy) baseContext() context.Context {
	p.baseOnce.Do(func() {
		p.baseCtx, p.cancelBase = context.WithCancel(context.Background())
	})
	return p.baseCtx
}

func (p *Proxy) abortRequests() {
	p.baseContext()
	p.cancelBase()
}

func (p *Proxy) connState(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		if p.Metrics != nil {
			p.Metrics.IncActiveConns()
		}
		if p.Stats != nil {
			p.Stats.connOpened(false)
		}
	case http.StateClosed, http.StateHijacked:
		if p.Metrics != nil {
			p.Metrics.DecActiveConns()
		}
		if p.Stats != nil {
			p.Stats.connClosed(false)
		}
	}
}

// action is what the dispatcher does with a request.
type action int

const (
	actRespond action = iota
	actForward
	actTunnel
)

// decision is the outcome of classifying one request.
type decision struct {
	action action

	// resp and reason are set for actRespond.
	resp   *Response
	reason string

	// host and port of the target.
	host string
	port int
}

func respond(status int, msg, reason string) decision {
	return decision{action: actRespond, resp: textResponse(status, msg), reason: reason}
}

// decide classifies req. The same checks apply to plain requests and to
// requests decrypted from a tunnel. It has no side effects.
func (p *Proxy) decide(req *http.Request) decision {
	if req.URL.Host == "" {
		return respond(http.StatusBadRequest, msgNoAuthority, "no_authority")
	}

	host, port := targetHostPort(req)
	if p.isSelf(host, port) {
		return respond(http.StatusLoopDetected, msgSelfLoop, "self_loop")
	}

	if host != "" && p.Blocker != nil {
		if m, ok := p.Blocker.Match(host); ok {
			d := respond(http.StatusForbidden, fmt.Sprintf(msgBlocked, host), "blocked")
			d.host, d.port = host, port
			p.logger().Info("blocked", "host", host, "match", m.Kind, "rule", m.Rule)
			return d
		}
	}

	if req.Method == http.MethodConnect {
		return decision{action: actTunnel, host: host, port: port}
	}

	switch req.URL.Scheme {
	case "http", "https":
	default:
		return respond(http.StatusBadRequest, msgBadScheme, "bad_scheme")
	}
	return decision{action: actForward, host: host, port: port}
}

// targetHostPort extracts the host and port of req's authority, applying
// the scheme's default port.
func targetHostPort(req *http.Request) (string, int) {
	defPort := 80
	if req.Method == http.MethodConnect || req.URL.Scheme == "https" {
		defPort = 443
	}

	authority := req.URL.Host
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return strings.Trim(authority, "[]"), defPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defPort
	}
	return host, port
}

// localAliases all name the local machine for loop detection.
var localAliases = map[string]bool{
	"":          true,
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// isSelf reports whether host:port names the proxy's own listener.
func (p *Proxy) isSelf(host string, port int) bool {
	self := p.self.Load()
	if self == nil {
		self = parseSelf(p.Addr)
		if self == nil {
			return false
		}
	}
	if port != self.port {
		return false
	}
	host = strings.ToLower(host)
	if host == self.host {
		return true
	}
	return localAliases[host] && localAliases[self.host]
}

func parseSelf(addr string) *hostPort {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil
	}
	return &hostPort{host: strings.ToLower(host), port: port}
}

// ServeHTTP dispatches one request read from a plain client connection.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tw := &trackingWriter{ResponseWriter: w}
	defer p.recoverRequest(tw, r)

	scheme := r.URL.Scheme
	if r.Method == http.MethodConnect {
		scheme = "connect"
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, scheme)
	}
	p.logger().Debug("request", "method", r.Method, "url", r.URL.String(), "client", r.RemoteAddr)

	rec := p.newRecord(r, false)
	d := p.decide(r)

	switch d.action {
	case actTunnel:
		p.handleConnect(tw, r, d, &rec, start)
		return
	case actForward:
		resp := p.forward(r, &rec)
		p.finish(&rec, r, resp, "", start)
		if err := resp.writeTo(tw); err != nil {
			p.logger().Debug("write response", "error", err)
		}
	default:
		_ = r.Body.Close()
		p.finish(&rec, r, d.resp, d.reason, start)
		_ = d.resp.writeTo(tw)
	}
}

// recoverRequest turns a panic in a request handler into a logged 500 so
// one faulty request cannot take down the listener.
func (p *Proxy) recoverRequest(tw *trackingWriter, r *http.Request) {
	v := recover()
	if v == nil {
		return
	}
	if v == http.ErrAbortHandler {
		panic(v)
	}
	p.logger().Error("panic serving request",
		"url", r.URL.String(),
		"error", internalErr("serve request", fmt.Errorf("panic: %v", v)),
		"stack", string(debug.Stack()),
	)
	if !tw.wroteHeader && !tw.hijacked {
		_ = textResponse(http.StatusInternalServerError, msgInternal).writeTo(tw)
	}
}

// newRecord starts a traffic record for req.
func (p *Proxy) newRecord(req *http.Request, tls bool) TrafficRecord {
	clientIP := req.RemoteAddr
	if h, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = h
	}
	host, _ := targetHostPort(req)
	if host == "" {
		host = req.Host
	}
	return TrafficRecord{
		SessionID:     NewSessionID(),
		Timestamp:     time.Now(),
		Method:        req.Method,
		Host:          host,
		Path:          req.URL.RequestURI(),
		RequestHeader: req.Header.Clone(),
		ClientIP:      clientIP,
		TLS:           tls,
	}
}

// finish completes rec with the response about to be sent and publishes it
// to metrics, stats and the traffic log.
func (p *Proxy) finish(rec *TrafficRecord, req *http.Request, resp *Response, reason string, start time.Time) {
	rec.StatusCode = resp.StatusCode
	rec.ResponseHeader = resp.Header
	rec.ResponseBody = bodyPreview(resp.Body)
	rec.ResponseSize = int64(len(resp.Body))
	rec.Duration = time.Since(start)
	if reason != "" {
		rec.Rejected = true
		rec.Reason = reason
	}
	upstreamFailed := reason == "" && rec.Error != "" && resp.StatusCode == http.StatusBadGateway

	proto := "http"
	if rec.TLS {
		proto = "tls"
	}
	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(req.Method, resp.StatusCode, rec.Duration)
		if reason != "" {
			p.Metrics.RecordRejected(reason)
		}
		p.Metrics.AddTrafficBytes("in", proto, int(rec.RequestSize))
		p.Metrics.AddTrafficBytes("out", proto, len(resp.Body))
	}
	if p.Stats != nil {
		p.Stats.addBytes(rec.TLS, int(rec.RequestSize), len(resp.Body))
		p.Stats.requestServed(reason != "", upstreamFailed)
	}
	if p.TrafficLog != nil {
		p.TrafficLog.Log(*rec)
	}
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// trackingWriter records whether a response has started so a recovered
// panic knows if it can still send a 500.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
	hijacked    bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wroteHeader = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wroteHeader = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := tw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	conn, brw, err := hj.Hijack()
	if err == nil {
		tw.hijacked = true
	}
	return conn, brw, err
}
