package udss

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete proxy configuration.
type Config struct {
	// Proxy listener configuration
	Server ServerConfig `mapstructure:"server"`

	// TLS/CA configuration
	TLS TLSConfig `mapstructure:"tls"`

	// Leaf certificate cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Upstream client pool configuration
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Blocklist configuration
	Filter FilterConfig `mapstructure:"filter"`

	// PostgreSQL configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Admin API configuration
	Admin AdminConfig `mapstructure:"admin"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig contains proxy listener settings.
type ServerConfig struct {
	// BindHost and BindPort form the listen address.
	BindHost string `mapstructure:"bind_host"`
	BindPort int    `mapstructure:"bind_port"`

	// ReadHeaderTimeout bounds reading request headers on plain connections
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`

	// IdleTimeout for keep-alive plain connections
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// TunnelIdleTimeout closes intercepted tunnels with no request activity
	TunnelIdleTimeout time.Duration `mapstructure:"tunnel_idle_timeout"`

	// MaxBodySize bounds buffered bodies in bytes (0 = unlimited)
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.BindHost, strconv.Itoa(s.BindPort))
}

// TLSConfig contains TLS/certificate settings.
type TLSConfig struct {
	// SSLDir holds the root CA files and the trusted_certs directory
	SSLDir string `mapstructure:"ssl_dir"`

	// VerifyCertificate enables upstream certificate verification
	VerifyCertificate bool `mapstructure:"verify_certificate"`

	// DisableVerifyInternalIP skips verification for internal IP upstreams
	DisableVerifyInternalIP bool `mapstructure:"disable_verify_internal_ip"`

	// HandshakeTimeout bounds the client handshake in a tunnel
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// LeafValidity for generated host certificates
	LeafValidity time.Duration `mapstructure:"leaf_validity"`

	// Organization and CommonName for a newly generated root
	Organization string `mapstructure:"organization"`
	CommonName   string `mapstructure:"common_name"`

	// CAValidYears for a newly generated root
	CAValidYears int `mapstructure:"ca_valid_years"`
}

// CacheConfig contains leaf certificate cache settings.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// UpstreamConfig contains upstream client pool settings.
type UpstreamConfig struct {
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	IdleConnTimeout       time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	KeepAlive             time.Duration `mapstructure:"keep_alive"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// FilterConfig contains blocklist settings.
type FilterConfig struct {
	// Domains is a list of exact hosts to block
	Domains []string `mapstructure:"domains"`

	// Patterns is a list of regular expressions matched against hosts
	Patterns []string `mapstructure:"patterns"`

	// Files are blocklist files (YAML or one domain per line)
	Files []string `mapstructure:"files"`

	// URLs are remote blocklists in the same formats as Files
	URLs []string `mapstructure:"urls"`

	// ReloadInterval for periodic reloads (0 = reload on SIGHUP only)
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	Connection   ConnectionConfig   `mapstructure:"connection"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Partitioning PartitioningConfig `mapstructure:"partitioning"`

	// LogQueueSize bounds traffic records waiting to be written
	LogQueueSize int `mapstructure:"log_queue_size"`

	// StatsInterval between proxy_stats snapshots (0 = disabled)
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// ConnectionConfig identifies the database.
type ConnectionConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConnections    int           `mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	Recycle           time.Duration `mapstructure:"recycle"`
}

// PartitioningConfig controls daily partitions of the log tables.
type PartitioningConfig struct {
	FuturePartitions int `mapstructure:"future_partitions"`
	RetentionDays    int `mapstructure:"retention_days"`
}

// DSN returns a lib/pq key/value connection string.
func (d DatabaseConfig) DSN() string {
	c := d.Connection
	pairs := []string{
		"host=" + quoteDSN(c.Host),
		"port=" + strconv.Itoa(c.Port),
		"dbname=" + quoteDSN(c.Database),
		"user=" + quoteDSN(c.User),
		"password=" + quoteDSN(c.Password),
		"sslmode=" + quoteDSN(c.SSLMode),
	}
	if secs := int(d.Pool.ConnectionTimeout.Seconds()); secs > 0 {
		pairs = append(pairs, "connect_timeout="+strconv.Itoa(secs))
	}
	return strings.Join(pairs, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// AdminConfig contains admin API settings.
type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`

	// Compress enables gzip/zstd/brotli response compression
	Compress bool `mapstructure:"compress"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// Access enables the per-request access log
	Access bool `mapstructure:"access"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BindHost:          "0.0.0.0",
			BindPort:          50000,
			ReadHeaderTimeout: 30 * time.Second,
			IdleTimeout:       90 * time.Second,
			TunnelIdleTimeout: 60 * time.Second,
			MaxBodySize:       100 << 20,
		},
		TLS: TLSConfig{
			SSLDir:            "ssl",
			VerifyCertificate: true,
			HandshakeTimeout:  10 * time.Second,
			LeafValidity:      DefaultLeafValidity,
			Organization:      "CoremaxTech",
			CommonName:        "UDSS Proxy Root CA",
			CAValidYears:      10,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1000,
			TTL:     300 * time.Second,
		},
		Upstream: UpstreamConfig{
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     30 * time.Second,
			DialTimeout:         30 * time.Second,
			KeepAlive:           30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		Filter: FilterConfig{
			ReloadInterval: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Connection: ConnectionConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "alicedb",
				User:     "dbadmin",
				Password: "dbadminpass",
				SSLMode:  "disable",
			},
			Pool: PoolConfig{
				MaxConnections:    20,
				ConnectionTimeout: 30 * time.Second,
				Recycle:           21600 * time.Second,
			},
			Partitioning: PartitioningConfig{
				FuturePartitions: 1,
				RetentionDays:    365,
			},
			LogQueueSize:  10000,
			StatsInterval: time.Minute,
		},
		Admin: AdminConfig{
			Addr:     "127.0.0.1:50001",
			Compress: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./udss.yaml, ./udss.yml, ./udss.json, ./udss.toml
// 3. $HOME/.udss/udss.yaml
// 4. /etc/udss/udss.yaml
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("udss")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.udss")
	v.AddConfigPath("/etc/udss")

	// Environment variables, e.g. UDSS_SERVER_BIND_PORT
	v.SetEnvPrefix("UDSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, configErr("read config", err)
		}
		// Config file not found is OK - use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configErr("unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a byte slice.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, configErr("read config", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configErr("unmarshal config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.bind_host", d.Server.BindHost)
	v.SetDefault("server.bind_port", d.Server.BindPort)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.tunnel_idle_timeout", d.Server.TunnelIdleTimeout)
	v.SetDefault("server.max_body_size", d.Server.MaxBodySize)

	v.SetDefault("tls.ssl_dir", d.TLS.SSLDir)
	v.SetDefault("tls.verify_certificate", d.TLS.VerifyCertificate)
	v.SetDefault("tls.disable_verify_internal_ip", d.TLS.DisableVerifyInternalIP)
	v.SetDefault("tls.handshake_timeout", d.TLS.HandshakeTimeout)
	v.SetDefault("tls.leaf_validity", d.TLS.LeafValidity)
	v.SetDefault("tls.organization", d.TLS.Organization)
	v.SetDefault("tls.common_name", d.TLS.CommonName)
	v.SetDefault("tls.ca_valid_years", d.TLS.CAValidYears)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.size", d.Cache.Size)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", d.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.keep_alive", d.Upstream.KeepAlive)
	v.SetDefault("upstream.tls_handshake_timeout", d.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", d.Upstream.ResponseHeaderTimeout)

	v.SetDefault("filter.domains", []string{})
	v.SetDefault("filter.patterns", []string{})
	v.SetDefault("filter.files", []string{})
	v.SetDefault("filter.urls", []string{})
	v.SetDefault("filter.reload_interval", d.Filter.ReloadInterval)

	v.SetDefault("database.enabled", d.Database.Enabled)
	v.SetDefault("database.connection.host", d.Database.Connection.Host)
	v.SetDefault("database.connection.port", d.Database.Connection.Port)
	v.SetDefault("database.connection.database", d.Database.Connection.Database)
	v.SetDefault("database.connection.user", d.Database.Connection.User)
	v.SetDefault("database.connection.password", d.Database.Connection.Password)
	v.SetDefault("database.connection.sslmode", d.Database.Connection.SSLMode)
	v.SetDefault("database.pool.max_connections", d.Database.Pool.MaxConnections)
	v.SetDefault("database.pool.connection_timeout", d.Database.Pool.ConnectionTimeout)
	v.SetDefault("database.pool.recycle", d.Database.Pool.Recycle)
	v.SetDefault("database.partitioning.future_partitions", d.Database.Partitioning.FuturePartitions)
	v.SetDefault("database.partitioning.retention_days", d.Database.Partitioning.RetentionDays)
	v.SetDefault("database.log_queue_size", d.Database.LogQueueSize)
	v.SetDefault("database.stats_interval", d.Database.StatsInterval)

	v.SetDefault("admin.enabled", d.Admin.Enabled)
	v.SetDefault("admin.addr", d.Admin.Addr)
	v.SetDefault("admin.compress", d.Admin.Compress)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.access", d.Logging.Access)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Server.BindPort < 0 || c.Server.BindPort > 65535:
		return configErr("validate", fmt.Errorf("server.bind_port %d out of range", c.Server.BindPort))
	case c.Server.MaxBodySize < 0:
		return configErr("validate", errors.New("server.max_body_size must not be negative"))
	case c.TLS.SSLDir == "":
		return configErr("validate", errors.New("tls.ssl_dir is required"))
	case c.Cache.Enabled && c.Cache.Size < 0:
		return configErr("validate", errors.New("cache.size must not be negative"))
	case c.Database.Enabled && c.Database.Pool.MaxConnections <= 0:
		return configErr("validate", errors.New("database.pool.max_connections must be positive"))
	case c.Admin.Enabled && c.Admin.Addr == "":
		return configErr("validate", errors.New("admin.addr is required when admin is enabled"))
	}
	return nil
}

// UpstreamOptions maps the upstream and TLS sections onto pool options.
// roots may be nil to use the system pool.
func (c *Config) UpstreamOptions(roots *x509.CertPool) UpstreamOptions {
	return UpstreamOptions{
		MaxIdleConnsPerHost:     c.Upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:         c.Upstream.IdleConnTimeout,
		DialTimeout:             c.Upstream.DialTimeout,
		KeepAlive:               c.Upstream.KeepAlive,
		TLSHandshakeTimeout:     c.Upstream.TLSHandshakeTimeout,
		ResponseHeaderTimeout:   c.Upstream.ResponseHeaderTimeout,
		VerifyCertificate:       c.TLS.VerifyCertificate,
		DisableVerifyInternalIP: c.TLS.DisableVerifyInternalIP,
		RootCAs:                 roots,
	}
}

// BuildBlocklistSource combines the filter section and any extra sources
// (such as the database) into one BlocklistSource.
func (c *Config) BuildBlocklistSource(extra ...BlocklistSource) BlocklistSource {
	var sources []BlocklistSource

	if len(c.Filter.Domains) > 0 || len(c.Filter.Patterns) > 0 {
		sources = append(sources, &StaticSource{
			Domains:  c.Filter.Domains,
			Patterns: c.Filter.Patterns,
		})
	}
	for _, path := range c.Filter.Files {
		sources = append(sources, NewFileSource(path))
	}
	for _, u := range c.Filter.URLs {
		sources = append(sources, NewURLSource(u))
	}
	sources = append(sources, extra...)

	switch len(sources) {
	case 0:
		return &StaticSource{}
	case 1:
		return sources[0]
	}
	return NewMultiSource(sources...)
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# udss - intercepting forward proxy configuration

server:
  # Listen address
  bind_host: "0.0.0.0"
  bind_port: 50000

  # Timeouts
  read_header_timeout: 30s
  idle_timeout: 90s
  tunnel_idle_timeout: 60s

  # Largest buffered request or response body in bytes (0 = unlimited)
  max_body_size: 104857600

tls:
  # Holds ca_cert.pem, ca_cert.crt, ca_key.pem and trusted_certs/
  ssl_dir: "ssl"

  # Verify upstream certificates
  verify_certificate: true
  disable_verify_internal_ip: false

  handshake_timeout: 10s
  leaf_validity: 168h

  # Subject of a newly generated root
  organization: "CoremaxTech"
  common_name: "UDSS Proxy Root CA"
  ca_valid_years: 10

cache:
  # Reuse leaf certificates across tunnels
  enabled: true
  size: 1000
  ttl: 300s

upstream:
  max_idle_conns_per_host: 100
  idle_conn_timeout: 30s
  dial_timeout: 30s
  keep_alive: 30s
  tls_handshake_timeout: 10s
  # response_header_timeout: 60s

filter:
  # Exact hosts
  domains:
    - "ads.example.com"

  # Regular expressions matched against the host
  patterns:
    - "^.*\\.doubleclick\\.net$"

  # Blocklist files: YAML {domains, patterns} or one domain per line
  # files:
  #   - "/etc/udss/blocklist.yaml"

  # Remote blocklists in the same formats
  # urls:
  #   - "https://blocklist.example.com/domains.txt"

  reload_interval: 5m

database:
  enabled: false
  connection:
    host: "localhost"
    port: 5432
    database: "alicedb"
    user: "dbadmin"
    password: "dbadminpass"
    sslmode: "disable"
  pool:
    max_connections: 20
    connection_timeout: 30s
    recycle: 6h
  partitioning:
    future_partitions: 1
    retention_days: 365
  log_queue_size: 10000
  stats_interval: 1m

admin:
  enabled: false
  addr: "127.0.0.1:50001"
  compress: true

logging:
  # Log level: debug, info, warn, error
  level: "info"

  # Log format: text, json
  format: "text"

  # Output: stdout, stderr, or file path
  output: "stderr"

  # Per-request access log
  access: false
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return ioErr("create directory", err)
		}
	}

	if err := os.WriteFile(path, []byte(example), 0644); err != nil {
		return ioErr("write example config", err)
	}
	return nil
}
