package udss

import (
	"sync/atomic"
	"time"
)

// TrafficStats counts connections and relayed bytes for the proxy_stats
// snapshots. All methods are safe for concurrent use.
type TrafficStats struct {
	started time.Time
	reset   atomic.Int64 // unix nanos of the last Reset

	httpConns   atomic.Int64
	tlsConns    atomic.Int64
	httpIn      atomic.Int64
	httpOut     atomic.Int64
	tlsIn       atomic.Int64
	tlsOut      atomic.Int64
	requests    atomic.Int64
	rejected    atomic.Int64
	upstreamErr atomic.Int64
}

// StatsSnapshot is a point-in-time copy of TrafficStats.
type StatsSnapshot struct {
	Timestamp             time.Time `json:"timestamp" db:"timestamp"`
	HTTPActiveConnections int64     `json:"http_active_connections" db:"http_active_connections"`
	HTTPBytesIn           int64     `json:"http_bytes_in" db:"http_bytes_in"`
	HTTPBytesOut          int64     `json:"http_bytes_out" db:"http_bytes_out"`
	TLSActiveConnections  int64     `json:"tls_active_connections" db:"tls_active_connections"`
	TLSBytesIn            int64     `json:"tls_bytes_in" db:"tls_bytes_in"`
	TLSBytesOut           int64     `json:"tls_bytes_out" db:"tls_bytes_out"`
	UptimeSeconds         int64     `json:"uptime_seconds" db:"uptime_seconds"`
	SecondsSinceReset     int64     `json:"seconds_since_reset" db:"seconds_since_reset"`
	Requests              int64     `json:"requests" db:"-"`
	Rejected              int64     `json:"rejected" db:"-"`
	UpstreamErrors        int64     `json:"upstream_errors" db:"-"`
}

// NewTrafficStats returns zeroed counters with uptime starting now.
func NewTrafficStats() *TrafficStats {
	s := &TrafficStats{started: time.Now()}
	s.reset.Store(s.started.UnixNano())
	return s
}

func (s *TrafficStats) connOpened(tls bool) {
	if tls {
		s.tlsConns.Add(1)
	} else {
		s.httpConns.Add(1)
	}
}

func (s *TrafficStats) connClosed(tls bool) {
	if tls {
		s.tlsConns.Add(-1)
	} else {
		s.httpConns.Add(-1)
	}
}

func (s *TrafficStats) addBytes(tls bool, in, out int) {
	if tls {
		s.tlsIn.Add(int64(in))
		s.tlsOut.Add(int64(out))
	} else {
		s.httpIn.Add(int64(in))
		s.httpOut.Add(int64(out))
	}
}

func (s *TrafficStats) requestServed(rejected, upstreamFailed bool) {
	s.requests.Add(1)
	if rejected {
		s.rejected.Add(1)
	}
	if upstreamFailed {
		s.upstreamErr.Add(1)
	}
}

// Snapshot returns the current counters.
func (s *TrafficStats) Snapshot() StatsSnapshot {
	now := time.Now()
	return StatsSnapshot{
		Timestamp:             now,
		HTTPActiveConnections: s.httpConns.Load(),
		HTTPBytesIn:           s.httpIn.Load(),
		HTTPBytesOut:          s.httpOut.Load(),
		TLSActiveConnections:  s.tlsConns.Load(),
		TLSBytesIn:            s.tlsIn.Load(),
		TLSBytesOut:           s.tlsOut.Load(),
		UptimeSeconds:         int64(now.Sub(s.started).Seconds()),
		SecondsSinceReset:     int64(now.Sub(time.Unix(0, s.reset.Load())).Seconds()),
		Requests:              s.requests.Load(),
		Rejected:              s.rejected.Load(),
		UpstreamErrors:        s.upstreamErr.Load(),
	}
}

// ResetBytes zeroes the byte counters and returns the snapshot taken just
// before. Connection gauges are left alone.
func (s *TrafficStats) ResetBytes() StatsSnapshot {
	snap := s.Snapshot()
	s.httpIn.Add(-snap.HTTPBytesIn)
	s.httpOut.Add(-snap.HTTPBytesOut)
	s.tlsIn.Add(-snap.TLSBytesIn)
	s.tlsOut.Add(-snap.TLSBytesOut)
	s.reset.Store(snap.Timestamp.UnixNano())
	return snap
}
