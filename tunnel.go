package udss

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"
)

const (
	defaultHandshakeTimeout  = 10 * time.Second
	defaultTunnelIdleTimeout = 60 * time.Second
	forceCloseGrace          = time.Second

	connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
)

// bufferedConn is a net.Conn whose first reads drain bytes the HTTP server
// had already buffered before the connection was hijacked.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// handleConnect answers an accepted CONNECT request on the plain listener
// and hands the hijacked connection to a tunnel goroutine.
func (p *Proxy) handleConnect(w *trackingWriter, r *http.Request, d decision, rec *TrafficRecord, start time.Time) {
	conn, brw, err := w.Hijack()
	if err != nil {
		p.logger().Error("hijack failed", "error", err)
		resp := textResponse(http.StatusInternalServerError, msgInternal)
		rec.Error = err.Error()
		p.finish(rec, r, resp, "", start)
		_ = resp.writeTo(w)
		return
	}

	// The server may have set deadlines for header reads; the tunnel
	// manages its own.
	_ = conn.SetDeadline(time.Time{})

	var c net.Conn = conn
	if brw != nil && brw.Reader.Buffered() > 0 {
		c = &bufferedConn{Conn: conn, r: brw.Reader}
	}

	if _, err := io.WriteString(c, connectEstablished); err != nil {
		p.logger().Debug("write connect response", "host", d.host, "error", err)
		_ = conn.Close()
		return
	}
	p.finish(rec, r, &Response{StatusCode: http.StatusOK}, "", start)

	p.startTunnel(c, d.host, rec.ClientIP)
}

// startTunnel serves c in a new goroutine tracked for Shutdown.
func (p *Proxy) startTunnel(c net.Conn, host, clientIP string) {
	if !p.trackTunnel(c) {
		_ = c.Close()
		return
	}
	go func() {
		defer p.untrackTunnel(c)
		p.serveTunnel(c, host, clientIP)
	}()
}

func (p *Proxy) trackTunnel(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing.Load() {
		return false
	}
	if p.tunnels == nil {
		p.tunnels = make(map[net.Conn]struct{})
	}
	p.tunnels[c] = struct{}{}
	p.tunnelWG.Add(1)
	return true
}

func (p *Proxy) untrackTunnel(c net.Conn) {
	p.mu.Lock()
	delete(p.tunnels, c)
	p.mu.Unlock()
	p.tunnelWG.Done()
}

// serveTunnel terminates TLS on c with a leaf for host and serves the
// decrypted requests. Failures before the first request close the
// connection without writing anything.
func (p *Proxy) serveTunnel(c net.Conn, host, clientIP string) {
	defer func() {
		if v := recover(); v != nil {
			p.logger().Error("panic in tunnel", "host", host,
				"error", internalErr("serve tunnel", fmt.Errorf("panic: %v", v)),
				"stack", string(debug.Stack()))
		}
	}()
	defer func() { _ = c.Close() }()

	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}
	if p.Stats != nil {
		p.Stats.connOpened(true)
		defer p.Stats.connClosed(true)
	}

	cert, err := p.Certs.GetCertificateForHost(host)
	if err != nil {
		p.logger().Error("issue leaf certificate", "host", host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		return
	}

	tlsConn := tls.Server(c, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	})

	timeout := p.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(p.baseContext(), timeout)
	err = tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		p.logger().Debug("TLS handshake with client", "host", host, "error", err)
		if p.Metrics != nil {
			p.Metrics.RecordTLSHandshakeError()
		}
		return
	}

	p.serveDecrypted(tlsConn, clientIP)
}

// serveDecrypted reads HTTP/1.1 requests from a decrypted tunnel one at a
// time and answers each through the dispatcher.
func (p *Proxy) serveDecrypted(conn net.Conn, clientIP string) {
	idle := p.TunnelIdleTimeout
	if idle <= 0 {
		idle = defaultTunnelIdleTimeout
	}
	br := bufio.NewReader(conn)

	for !p.closing.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		req, err := http.ReadRequest(br)
		if err != nil {
			if !isClosedConnErr(err) {
				p.logger().Debug("read tunneled request", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		req = req.WithContext(p.baseContext())

		start := time.Now()
		req.RemoteAddr = clientIP
		if p.Metrics != nil {
			p.Metrics.RecordRequest(req.Method, "https")
		}

		var d decision
		if req.Method != http.MethodConnect {
			if err := absoluteURL(req, "https"); err != nil {
				d = respond(http.StatusBadRequest, msgHostRequired, "bad_request")
			}
		}
		if d.resp == nil {
			d = p.decide(req)
		}
		rec := p.newRecord(req, true)

		switch d.action {
		case actTunnel:
			_ = req.Body.Close()
			if _, err := io.WriteString(conn, connectEstablished); err != nil {
				return
			}
			p.finish(&rec, req, &Response{StatusCode: http.StatusOK}, "", start)
			var inner net.Conn = conn
			if br.Buffered() > 0 {
				inner = &bufferedConn{Conn: conn, r: br}
			}
			p.serveTunnel(inner, d.host, clientIP)
			return

		case actForward:
			resp := p.forward(req, &rec)
			p.finish(&rec, req, resp, "", start)
			if err := resp.write(conn, req); err != nil {
				p.logger().Debug("write tunneled response", "error", err)
				return
			}

		default:
			_ = req.Body.Close()
			p.finish(&rec, req, d.resp, d.reason, start)
			if err := d.resp.write(conn, req); err != nil {
				return
			}
		}

		if req.Close {
			return
		}
	}
}

func isClosedConnErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
