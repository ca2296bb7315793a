package udss

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

// Table definitions. The log and stats tables are range partitioned by
// timestamp; see PartitionManager.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS request_logs (
		id BIGSERIAL,
		host TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		header TEXT NOT NULL,
		body TEXT,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		session_id TEXT NOT NULL,
		client_ip TEXT NOT NULL,
		target_ip TEXT NOT NULL,
		is_rejected BOOLEAN NOT NULL DEFAULT FALSE,
		is_tls BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS request_logs_host_idx ON request_logs(host)`,
	`CREATE INDEX IF NOT EXISTS request_logs_timestamp_idx ON request_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS request_logs_is_rejected_idx ON request_logs(is_rejected)`,
	`CREATE INDEX IF NOT EXISTS request_logs_is_tls_idx ON request_logs(is_tls)`,
	`CREATE INDEX IF NOT EXISTS request_logs_client_ip_idx ON request_logs(client_ip)`,
	`CREATE INDEX IF NOT EXISTS request_logs_target_ip_idx ON request_logs(target_ip)`,

	`CREATE TABLE IF NOT EXISTS response_logs (
		id BIGSERIAL,
		session_id TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		response_time BIGINT NOT NULL,
		response_size BIGINT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		headers TEXT NOT NULL,
		body_preview TEXT,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS response_logs_session_id_idx ON response_logs(session_id)`,
	`CREATE INDEX IF NOT EXISTS response_logs_timestamp_idx ON response_logs(timestamp)`,
	`CREATE INDEX IF NOT EXISTS response_logs_status_code_idx ON response_logs(status_code)`,

	`CREATE TABLE IF NOT EXISTS proxy_stats (
		id SERIAL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		http_active_connections BIGINT NOT NULL,
		http_bytes_in DOUBLE PRECISION NOT NULL,
		http_bytes_out DOUBLE PRECISION NOT NULL,
		tls_active_connections BIGINT NOT NULL,
		tls_bytes_in DOUBLE PRECISION NOT NULL,
		tls_bytes_out DOUBLE PRECISION NOT NULL,
		uptime_seconds BIGINT NOT NULL,
		seconds_since_reset BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS proxy_stats_timestamp_idx ON proxy_stats(timestamp)`,

	`CREATE TABLE IF NOT EXISTS proxy_stats_hourly (
		id SERIAL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		http_connections_avg DOUBLE PRECISION NOT NULL,
		http_bytes_in DOUBLE PRECISION NOT NULL,
		http_bytes_out DOUBLE PRECISION NOT NULL,
		tls_connections_avg DOUBLE PRECISION NOT NULL,
		tls_bytes_in DOUBLE PRECISION NOT NULL,
		tls_bytes_out DOUBLE PRECISION NOT NULL,
		uptime_seconds BIGINT NOT NULL,
		PRIMARY KEY (id, timestamp)
	) PARTITION BY RANGE (timestamp)`,
	`CREATE INDEX IF NOT EXISTS proxy_stats_hourly_timestamp_idx ON proxy_stats_hourly(timestamp)`,

	`CREATE TABLE IF NOT EXISTS domain_blocks (
		id BIGSERIAL PRIMARY KEY,
		domain VARCHAR(255) NOT NULL,
		created_by VARCHAR(100) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS domain_blocks_domain_idx ON domain_blocks(domain)`,
	`CREATE INDEX IF NOT EXISTS domain_blocks_active_idx ON domain_blocks(active)`,

	`CREATE TABLE IF NOT EXISTS domain_pattern_blocks (
		id BIGSERIAL PRIMARY KEY,
		pattern VARCHAR(255) NOT NULL,
		created_by VARCHAR(100) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		description TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS domain_pattern_blocks_pattern_idx ON domain_pattern_blocks(pattern)`,
	`CREATE INDEX IF NOT EXISTS domain_pattern_blocks_active_idx ON domain_pattern_blocks(active)`,
}

// partitionedTables are the tables PartitionManager maintains.
var partitionedTables = []string{"request_logs", "response_logs", "proxy_stats", "proxy_stats_hourly"}

const (
	selectActiveDomains  = `SELECT domain FROM domain_blocks WHERE active = TRUE ORDER BY domain`
	selectActivePatterns = `SELECT pattern FROM domain_pattern_blocks WHERE active = TRUE ORDER BY pattern`

	insertRequestLog = `INSERT INTO request_logs
		(host, method, path, header, body, timestamp, session_id, client_ip, target_ip, is_rejected, is_tls)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	insertResponseLog = `INSERT INTO response_logs
		(session_id, status_code, response_time, response_size, timestamp, headers, body_preview)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	insertProxyStats = `INSERT INTO proxy_stats
		(timestamp, http_active_connections, http_bytes_in, http_bytes_out,
		 tls_active_connections, tls_bytes_in, tls_bytes_out, uptime_seconds, seconds_since_reset)
		VALUES (:timestamp, :http_active_connections, :http_bytes_in, :http_bytes_out,
		 :tls_active_connections, :tls_bytes_in, :tls_bytes_out, :uptime_seconds, :seconds_since_reset)`

	rollupProxyStats = `INSERT INTO proxy_stats_hourly
		(timestamp, http_connections_avg, http_bytes_in, http_bytes_out,
		 tls_connections_avg, tls_bytes_in, tls_bytes_out, uptime_seconds)
		SELECT $1, AVG(http_active_connections), SUM(http_bytes_in), SUM(http_bytes_out),
		 AVG(tls_active_connections), SUM(tls_bytes_in), SUM(tls_bytes_out), MAX(uptime_seconds)
		FROM proxy_stats
		WHERE timestamp >= $1 AND timestamp < $2
		HAVING COUNT(*) > 0`
)

// Store is the PostgreSQL persistence layer: blocklist tables, traffic logs
// and periodic statistics.
type Store struct {
	db *sqlx.DB

	Logger *slog.Logger
}

// OpenStore connects to the database described by cfg, sizes the pool and
// verifies the connection with a probe query.
func OpenStore(ctx context.Context, cfg DatabaseConfig) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, dbErr("open database", err)
	}
	db.SetMaxOpenConns(cfg.Pool.MaxConnections)
	db.SetMaxIdleConns(cfg.Pool.MaxConnections)
	db.SetConnMaxLifetime(cfg.Pool.Recycle)

	s := NewStore(db)
	timeout := cfg.Pool.ConnectionTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.Ping(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, Logger: slog.Default()}
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping runs a trivial query to check the connection.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return dbErr("probe database", err)
	}
	return nil
}

// InitSchema creates all tables and indices that do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return dbErr("init schema", fmt.Errorf("%s: %w", firstLine(stmt), err))
		}
	}
	s.logger().Info("database schema ready", "statements", len(schemaStatements))
	return nil
}

// WriteTraffic stores the request and response halves of each record in
// one transaction.
func (s *Store) WriteTraffic(ctx context.Context, records []TrafficRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbErr("begin traffic batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		if _, err := tx.ExecContext(ctx, insertRequestLog,
			r.Host, r.Method, r.Path, encodeHeader(r.RequestHeader), textColumn(r.RequestBody),
			r.Timestamp, r.SessionID, r.ClientIP, r.TargetIP, r.Rejected, r.TLS,
		); err != nil {
			return dbErr("insert request log", err)
		}
		if _, err := tx.ExecContext(ctx, insertResponseLog,
			r.SessionID, r.StatusCode, r.Duration.Milliseconds(), r.ResponseSize,
			r.Timestamp.Add(r.Duration), encodeHeader(r.ResponseHeader), textColumn(r.ResponseBody),
		); err != nil {
			return dbErr("insert response log", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return dbErr("commit traffic batch", err)
	}
	return nil
}

// InsertStats stores one proxy_stats snapshot.
func (s *Store) InsertStats(ctx context.Context, snap StatsSnapshot) error {
	if _, err := s.db.NamedExecContext(ctx, insertProxyStats, snap); err != nil {
		return dbErr("insert proxy stats", err)
	}
	return nil
}

// RollupHour aggregates the proxy_stats rows of the hour starting at hour
// into proxy_stats_hourly.
func (s *Store) RollupHour(ctx context.Context, hour time.Time) error {
	hour = hour.UTC().Truncate(time.Hour)
	if _, err := s.db.ExecContext(ctx, rollupProxyStats, hour, hour.Add(time.Hour)); err != nil {
		return dbErr("rollup proxy stats", err)
	}
	return nil
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// PostgresSource loads the active blocklist from the domain_blocks and
// domain_pattern_blocks tables.
type PostgresSource struct {
	DB *sqlx.DB
}

// NewPostgresSource returns a source reading from s.
func NewPostgresSource(s *Store) *PostgresSource {
	return &PostgresSource{DB: s.db}
}

// LoadActiveDomains implements BlocklistSource.
func (p *PostgresSource) LoadActiveDomains(ctx context.Context) ([]string, error) {
	var domains []string
	if err := p.DB.SelectContext(ctx, &domains, selectActiveDomains); err != nil {
		return nil, dbErr("load active domains", err)
	}
	return domains, nil
}

// LoadActivePatterns implements BlocklistSource.
func (p *PostgresSource) LoadActivePatterns(ctx context.Context) ([]string, error) {
	var patterns []string
	if err := p.DB.SelectContext(ctx, &patterns, selectActivePatterns); err != nil {
		return nil, dbErr("load active patterns", err)
	}
	return patterns, nil
}

// encodeHeader renders h as a JSON object for a TEXT column.
func encodeHeader(h map[string][]string) string {
	if len(h) == 0 {
		return "{}"
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// textColumn converts a body preview for a nullable TEXT column. PostgreSQL
// text rejects NUL bytes and invalid UTF-8.
func textColumn(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := strings.ToValidUTF8(string(b), "�")
	s = strings.ReplaceAll(s, "\x00", "")
	return &s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
