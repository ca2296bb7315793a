package udss

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// bodyPreviewLimit caps how much of each body is kept in a TrafficRecord.
const bodyPreviewLimit = 4096

// TrafficRecord describes one proxied request and its outcome.
type TrafficRecord struct {
	// SessionID correlates the request and response halves.
	SessionID string

	// Timestamp when the request was received.
	Timestamp time.Time

	Method string
	Host   string
	Path   string

	// RequestHeader and RequestBody are the client's request as received.
	// RequestBody is truncated to a short preview.
	RequestHeader http.Header
	RequestBody   []byte
	RequestSize   int64

	// ClientIP is the client's address; TargetIP the upstream peer, if any
	// connection was made.
	ClientIP string
	TargetIP string

	// TLS is true for requests decrypted from a CONNECT tunnel.
	TLS bool

	// Rejected is true when the proxy answered without contacting upstream
	// for policy reasons; Reason says why.
	Rejected bool
	Reason   string

	// StatusCode of the response sent to the client.
	StatusCode int

	// ResponseHeader and ResponseBody (preview) as relayed to the client.
	ResponseHeader http.Header
	ResponseBody   []byte

	// ResponseSize is the full response body length.
	ResponseSize int64

	Duration time.Duration

	// Error describes any failure while serving the request.
	Error string
}

// NewSessionID returns a random identifier for a TrafficRecord.
func NewSessionID() string {
	return uuid.NewString()
}

func bodyPreview(b []byte) []byte {
	if len(b) > bodyPreviewLimit {
		return b[:bodyPreviewLimit]
	}
	return b
}

// TrafficLog receives a record for every request the proxy answers.
// Implementations must not block the request path.
type TrafficLog interface {
	Log(TrafficRecord)
}

// MultiTrafficLog fans records out to several logs in order.
type MultiTrafficLog []TrafficLog

// Log implements TrafficLog.
func (m MultiTrafficLog) Log(r TrafficRecord) {
	for _, l := range m {
		l.Log(r)
	}
}

// AccessLogger writes structured access log entries for each proxied request.
// It uses slog.LogAttrs for low-allocation logging on the hot path.
type AccessLogger struct {
	logger *slog.Logger
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log implements TrafficLog.
func (al *AccessLogger) Log(e TrafficRecord) {
	attrs := make([]slog.Attr, 0, 14)

	attrs = append(attrs,
		slog.String("session", e.SessionID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.Bool("tls", e.TLS),
		slog.String("client", e.ClientIP),
	)

	if e.TargetIP != "" {
		attrs = append(attrs, slog.String("target", e.TargetIP))
	}

	attrs = append(attrs, slog.Int("status", e.StatusCode))
	if e.Rejected {
		attrs = append(attrs,
			slog.Bool("rejected", true),
			slog.String("reason", e.Reason),
		)
	} else {
		attrs = append(attrs, slog.Int64("bytes", e.ResponseSize))
	}

	attrs = append(attrs, slog.Duration("duration", e.Duration))

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if ua := e.RequestHeader.Get("User-Agent"); ua != "" {
		attrs = append(attrs, slog.String("user_agent", ua))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
