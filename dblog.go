package udss

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// TrafficWriter persists batches of traffic records. *Store implements it.
type TrafficWriter interface {
	WriteTraffic(ctx context.Context, records []TrafficRecord) error
}

// StatsWriter persists statistics snapshots. *Store implements it.
type StatsWriter interface {
	InsertStats(ctx context.Context, snap StatsSnapshot) error
	RollupHour(ctx context.Context, hour time.Time) error
}

const (
	defaultLogQueueSize = 10000
	logBatchSize        = 100
	logWriteTimeout     = 10 * time.Second
)

// DBTrafficLog is a TrafficLog that hands records to a background writer
// through a bounded queue. Log never blocks a request: when the queue is
// full the record is dropped and counted.
type DBTrafficLog struct {
	w      TrafficWriter
	queue  chan TrafficRecord
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64

	// Metrics counts dropped records (optional).
	Metrics *Metrics

	Logger *slog.Logger
}

// NewDBTrafficLog starts a writer draining a queue of size records into w.
func NewDBTrafficLog(w TrafficWriter, size int, logger *slog.Logger) *DBTrafficLog {
	if size <= 0 {
		size = defaultLogQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &DBTrafficLog{
		w:      w,
		queue:  make(chan TrafficRecord, size),
		done:   make(chan struct{}),
		Logger: logger,
	}
	go l.run()
	return l
}

// Log implements TrafficLog.
func (l *DBTrafficLog) Log(rec TrafficRecord) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop()
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.drop()
	}
}

func (l *DBTrafficLog) drop() {
	l.dropped.Add(1)
	if l.Metrics != nil {
		l.Metrics.RecordTrafficLogDropped()
	}
}

// Dropped returns how many records were discarded.
func (l *DBTrafficLog) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting records and waits until the queue is written or
// ctx ends.
func (l *DBTrafficLog) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *DBTrafficLog) run() {
	defer close(l.done)
	batch := make([]TrafficRecord, 0, logBatchSize)
	for rec := range l.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < logBatchSize {
			select {
			case r, ok := <-l.queue:
				if !ok {
					break fill
				}
				batch = append(batch, r)
			default:
				break fill
			}
		}
		l.write(batch)
	}
}

func (l *DBTrafficLog) write(batch []TrafficRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()
	if err := l.w.WriteTraffic(ctx, batch); err != nil {
		l.Logger.Error("write traffic log", "records", len(batch), "error", err)
	}
}

// StatsRecorder periodically stores TrafficStats snapshots, resetting the
// byte counters after each one, and rolls each completed hour up into the
// hourly table.
type StatsRecorder struct {
	Stats    *TrafficStats
	Writer   StatsWriter
	Interval time.Duration
	Logger   *slog.Logger

	lastHour time.Time
}

// Run records until ctx is cancelled, then stores a final snapshot.
func (r *StatsRecorder) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
			r.Flush(fctx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush stores one snapshot and, when an hour boundary has passed since the
// previous flush, rolls up the completed hour.
func (r *StatsRecorder) Flush(ctx context.Context) {
	snap := r.Stats.ResetBytes()
	if err := r.Writer.InsertStats(ctx, snap); err != nil {
		r.logger().Error("store proxy stats", "error", err)
	}

	hour := snap.Timestamp.UTC().Truncate(time.Hour)
	if r.lastHour.IsZero() {
		r.lastHour = hour
		return
	}
	if hour.After(r.lastHour) {
		if err := r.Writer.RollupHour(ctx, r.lastHour); err != nil {
			r.logger().Error("rollup proxy stats", "hour", r.lastHour, "error", err)
		}
		r.lastHour = hour
	}
}

func (r *StatsRecorder) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
