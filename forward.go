package udss

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"strings"
)

// Proxy-authored response bodies.
const (
	msgNoAuthority     = "This is a proxy server. Direct requests are not allowed."
	msgSelfLoop        = "Request to self detected - preventing infinite loop"
	msgBlocked         = "Access to the domain '%s' is blocked by policy."
	msgBadRequestBody  = "Failed to read request body"
	msgBodyTooLarge    = "Request body too large"
	msgUpstreamFailed  = "Upstream request failed"
	msgBadResponseBody = "Failed to read response body"
	msgHostRequired    = "Host header required for relative URI"
	msgBadScheme       = "Unsupported URI scheme"
	msgInternal        = "Internal proxy error"
)

var errBodyTooLarge = errors.New("body exceeds size limit")

// Response is a fully buffered response, either relayed from upstream or
// authored by the proxy.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// contentLength advertised to the client. It differs from len(Body)
	// only for responses to HEAD.
	contentLength int64
}

// textResponse builds a proxy-authored plain-text response.
func textResponse(status int, msg string) *Response {
	return &Response{
		StatusCode:    status,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          []byte(msg),
		contentLength: int64(len(msg)),
	}
}

// writeTo relays r through a server ResponseWriter.
func (r *Response) writeTo(w http.ResponseWriter) error {
	h := w.Header()
	for k, vv := range r.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	if bodyAllowed(r.StatusCode) {
		h.Set("Content-Length", strconv.FormatInt(r.contentLength, 10))
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) == 0 {
		return nil
	}
	_, err := w.Write(r.Body)
	return err
}

// write serializes r as an HTTP/1.1 response to req onto a raw connection.
func (r *Response) write(w io.Writer, req *http.Request) error {
	resp := &http.Response{
		StatusCode:    r.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: r.contentLength,
		Request:       req,
		Close:         req != nil && req.Close,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if r.contentLength == 0 {
		resp.Body = http.NoBody
	}
	return resp.Write(w)
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

// Hop-by-hop headers that should not be forwarded
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}

// readBody reads all of rc, failing once more than limit bytes arrive. A
// non-positive limit means unlimited.
func readBody(rc io.ReadCloser, limit int64) ([]byte, error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil
	}
	defer func() { _ = rc.Close() }()

	if limit <= 0 {
		return io.ReadAll(rc)
	}
	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// absoluteURL rewrites an origin-form request URI into absolute form using
// the Host header and scheme. Requests already in absolute form only get a
// scheme if they lack one.
func absoluteURL(req *http.Request, scheme string) error {
	if req.URL.Host != "" {
		if req.URL.Scheme == "" {
			req.URL.Scheme = scheme
		}
		return nil
	}
	if req.Host == "" {
		return httpErr("absolutize uri", errors.New(msgHostRequired))
	}
	uri := req.URL.RequestURI()
	if uri == "*" {
		// OPTIONS * addresses the server as a whole.
		uri = "/"
	}
	u, err := url.Parse(scheme + "://" + req.Host + uri)
	if err != nil {
		return httpErr("absolutize uri", fmt.Errorf("invalid URI format: %w", err))
	}
	req.URL = u
	return nil
}

// forward relays req to its origin with both bodies fully buffered. It never
// returns nil; failures become proxy-authored responses. rec receives the
// upstream peer address and any error.
func (p *Proxy) forward(req *http.Request, rec *TrafficRecord) *Response {
	body, err := readBody(req.Body, p.MaxBodySize)
	if err != nil {
		rec.Error = err.Error()
		if errors.Is(err, errBodyTooLarge) {
			return textResponse(http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		}
		return textResponse(http.StatusBadRequest, msgBadRequestBody)
	}
	rec.RequestBody = bodyPreview(body)
	rec.RequestSize = int64(len(body))

	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			if host, _, err := net.SplitHostPort(info.Conn.RemoteAddr().String()); err == nil {
				rec.TargetIP = host
			}
		},
	}
	ctx := httptrace.WithClientTrace(req.Context(), trace)

	outReq := req.Clone(ctx)
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(body))
	outReq.ContentLength = int64(len(body))
	if len(body) == 0 {
		outReq.Body = http.NoBody
	}
	outReq.TransferEncoding = nil
	outReq.Close = false
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.Upstream.RoundTrip(outReq)
	if err != nil {
		p.logger().Warn("upstream request failed", "url", req.URL.String(), "error", err)
		rec.Error = err.Error()
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(req.URL.Scheme)
		}
		return textResponse(http.StatusBadGateway, msgUpstreamFailed)
	}

	respBody, err := readBody(resp.Body, p.MaxBodySize)
	if err != nil {
		p.logger().Warn("reading upstream body failed", "url", req.URL.String(), "error", err)
		rec.Error = err.Error()
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(req.URL.Scheme)
		}
		return textResponse(http.StatusBadGateway, msgBadResponseBody)
	}

	header := resp.Header.Clone()
	removeHopByHopHeaders(header)
	header.Del("Content-Length")

	out := &Response{
		StatusCode:    resp.StatusCode,
		Header:        header,
		Body:          respBody,
		contentLength: int64(len(respBody)),
	}
	if req.Method == http.MethodHead && resp.ContentLength > 0 {
		out.contentLength = resp.ContentLength
	}
	return out
}
