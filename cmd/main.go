package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/acmacalister/udss"
)

const (
	defaultFDLimit  = 1000000
	shutdownTimeout = 30 * time.Second
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to config file (default: search ./udss.yaml, ~/.udss/udss.yaml, /etc/udss/udss.yaml)")
		genConfig  = pflag.String("gen-config", "", "write an example config file to this path and exit")
		printCA    = pflag.Bool("print-ca", false, "print the root CA certificate (creating it if needed) and exit")
		verbose    = pflag.BoolP("verbose", "v", false, "debug logging (overrides logging.level)")
		fdLimit    = pflag.Uint64("fd-limit", envUint("FD_LIMIT", defaultFDLimit), "open file limit to request at startup (env FD_LIMIT)")
	)
	pflag.Parse()

	if *genConfig != "" {
		if err := udss.WriteExampleConfig(*genConfig); err != nil {
			fmt.Fprintln(os.Stderr, "generate config:", err)
			os.Exit(1)
		}
		fmt.Println("Generated", *genConfig)
		return
	}

	cfg, err := udss.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, closer, err := udss.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "set up logging:", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(logger)

	if *printCA {
		ca, err := loadCA(cfg, logger)
		if err != nil {
			logger.Error("load CA", "error", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(ca.CertPEM())
		return
	}

	if err := run(cfg, logger, *fdLimit); err != nil {
		logger.Error("udss exited", "error", err, "kind", udss.KindOf(err).String())
		_ = closer.Close()
		os.Exit(1)
	}
}

func run(cfg *udss.Config, logger *slog.Logger, fdLimit uint64) error {
	if n, err := udss.RaiseFDLimit(fdLimit); err != nil {
		logger.Warn("could not raise open file limit", "requested", fdLimit, "limit", n, "error", err)
	} else if n > 0 {
		logger.Info("open file limit", "limit", n)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Certificates.
	if err := udss.EnsureSSLDirectories(cfg.TLS.SSLDir); err != nil {
		return err
	}
	roots, trusted, err := udss.LoadTrustedCertificates(filepath.Join(cfg.TLS.SSLDir, udss.TrustedCertsSubdir), logger)
	if err != nil {
		return err
	}
	if len(trusted) > 0 {
		logger.Info("loaded trusted certificates", "files", trusted)
	}

	ca, err := loadCA(cfg, logger)
	if err != nil {
		return err
	}

	metrics := udss.NewMetrics()
	stats := udss.NewTrafficStats()
	health := udss.NewHealthChecker()

	var issuer udss.LeafIssuer = ca
	var leafCache *udss.LeafCache
	if cfg.Cache.Enabled {
		leafCache = udss.NewLeafCache(ca, cfg.Cache.Size, cfg.Cache.TTL)
		leafCache.Metrics = metrics
		issuer = leafCache
	}

	// Traffic logging and persistence.
	var logs udss.MultiTrafficLog
	if cfg.Logging.Access {
		logs = append(logs, udss.NewAccessLogger(logger.With("component", "access")))
	}

	var (
		store    *udss.Store
		dbLog    *udss.DBTrafficLog
		extra    []udss.BlocklistSource
		bgCancel = func() {}
	)
	if cfg.Database.Enabled {
		store, err = udss.OpenStore(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		store.Logger = logger.With("component", "store")

		if err := store.InitSchema(ctx); err != nil {
			return err
		}
		partitions := udss.NewPartitionManager(store, cfg.Database.Partitioning)
		if err := partitions.Ensure(ctx); err != nil {
			return err
		}
		if _, err := partitions.DropExpired(ctx); err != nil {
			logger.Warn("partition retention", "error", err)
		}

		dbLog = udss.NewDBTrafficLog(store, cfg.Database.LogQueueSize, logger.With("component", "dblog"))
		dbLog.Metrics = metrics
		logs = append(logs, dbLog)

		bgCtx, cancel := context.WithCancel(context.Background())
		bgCancel = cancel
		go partitions.Run(bgCtx, time.Hour)
		if cfg.Database.StatsInterval > 0 {
			recorder := &udss.StatsRecorder{
				Stats:    stats,
				Writer:   store,
				Interval: cfg.Database.StatsInterval,
				Logger:   logger.With("component", "stats"),
			}
			go recorder.Run(bgCtx)
		}

		extra = append(extra, udss.NewPostgresSource(store))
		health.Checks = append(health.Checks, udss.StoreCheck(store))
	}

	// Blocklist.
	blocker := udss.NewBlocker(cfg.BuildBlocklistSource(extra...))
	blocker.Logger = logger.With("component", "blocker")
	metrics.WireBlocker(blocker)
	if err := blocker.Reload(ctx); err != nil {
		logger.Warn("initial blocklist load failed, starting with an empty blocklist", "error", err)
	}
	if cfg.Filter.ReloadInterval > 0 {
		cancel := blocker.StartAutoReload(ctx, cfg.Filter.ReloadInterval)
		defer cancel()
	}
	health.Checks = append(health.Checks, udss.BlocklistCheck(blocker))

	// Proxy.
	upstream := udss.NewUpstreamPool(cfg.UpstreamOptions(roots))
	proxy := udss.NewProxy(cfg.Server.Addr(), issuer, blocker, upstream)
	proxy.Logger = logger.With("component", "proxy")
	proxy.Metrics = metrics
	proxy.Stats = stats
	proxy.MaxBodySize = cfg.Server.MaxBodySize
	proxy.HandshakeTimeout = cfg.TLS.HandshakeTimeout
	proxy.TunnelIdleTimeout = cfg.Server.TunnelIdleTimeout
	proxy.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	proxy.IdleTimeout = cfg.Server.IdleTimeout
	if len(logs) > 0 {
		proxy.TrafficLog = logs
	}

	var admin *udss.AdminServer
	if cfg.Admin.Enabled {
		admin = &udss.AdminServer{
			Addr:     cfg.Admin.Addr,
			Blocker:  blocker,
			CA:       ca,
			Health:   health,
			Metrics:  metrics,
			Stats:    stats,
			Compress: cfg.Admin.Compress,
			Logger:   logger.With("component", "admin"),
		}
		if dbLog != nil {
			admin.LogDropped = dbLog.Dropped
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil {
				logger.Error("admin server", "error", err)
			}
		}()
	}

	reloads := []udss.ReloadFunc{blocker.Reload}
	if leafCache != nil {
		reloads = append(reloads, func(context.Context) error {
			leafCache.Flush()
			return nil
		})
	}
	reloader := udss.WatchSIGHUP(logger, reloads...)
	defer reloader.Cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- proxy.ListenAndServe()
	}()
	health.SetAlive(true)
	health.SetReady(true)

	logger.Info("udss proxy started",
		"addr", cfg.Server.Addr(),
		"ca_fingerprint", ca.Fingerprint(),
		"database", cfg.Database.Enabled,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errc:
	}
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Warn("proxy shutdown", "error", err)
	}
	if serveErr == nil {
		serveErr = <-errc
	}
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	bgCancel()
	if dbLog != nil {
		if err := dbLog.Close(shutdownCtx); err != nil {
			logger.Warn("traffic log not fully written", "error", err, "dropped", dbLog.Dropped())
		}
	}
	upstream.CloseIdleConnections()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}

func loadCA(cfg *udss.Config, logger *slog.Logger) (*udss.CertAuthority, error) {
	ca, err := udss.LoadOrCreateCA(udss.CAOptions{
		Dir:          cfg.TLS.SSLDir,
		Organization: cfg.TLS.Organization,
		CommonName:   cfg.TLS.CommonName,
		ValidYears:   cfg.TLS.CAValidYears,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	ca.LeafValidity = cfg.TLS.LeafValidity
	return ca, nil
}

func envUint(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
