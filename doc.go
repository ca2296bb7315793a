// Package udss provides an intercepting forward proxy with domain blocking.
// Plain HTTP requests are forwarded to their origin; HTTPS requests arrive
// as CONNECT tunnels whose TLS is terminated with a leaf certificate signed
// by a local root CA, so the decrypted requests can be inspected, blocked,
// logged and forwarded like plain ones.
//
// # Architecture
//
// Every request, plain or decrypted, goes through the same dispatcher:
//
//  1. a request with no target authority is answered 400;
//  2. a request addressed to the proxy itself is answered 508;
//  3. a blocked host is answered 403 with the blocked message;
//  4. CONNECT opens a tunnel (tunnels may nest);
//  5. anything else is forwarded through the upstream client pool.
//
// # Basic Proxy
//
//	ca, err := udss.LoadOrCreateCA(udss.CAOptions{Dir: "ssl"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	blocker := udss.NewBlocker(&udss.StaticSource{Domains: []string{"ads.example.com"}})
//	if err := blocker.Reload(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	upstream := udss.NewUpstreamPool(udss.DefaultUpstreamOptions())
//	proxy := udss.NewProxy("0.0.0.0:50000", ca, blocker, upstream)
//	log.Fatal(proxy.ListenAndServe())
//
// Clients must trust ca.CertPEM() for intercepted HTTPS to verify.
//
// # Certificates
//
// LoadOrCreateCA keeps three files in the SSL directory: the certificate
// ca_cert.crt, the key ca_key.pem and the combined ca_cert.pem. A missing
// file is rebuilt from the others, and a new root is generated when none
// exist. Leaves are issued per host; wrap the authority in a LeafCache to
// reuse them:
//
//	proxy.Certs = udss.NewLeafCache(ca, 1000, 5*time.Minute)
//
// # Blocklists
//
// A Blocker holds exact domains and regular expression patterns. Its
// BlocklistSource is consulted on Reload; sources can be combined:
//
//	src := udss.NewMultiSource(
//	    udss.NewFileSource("/etc/udss/blocklist.txt"),
//	    udss.NewURLSource("https://lists.example.com/udss.txt"),
//	    udss.NewPostgresSource(store),
//	)
//	blocker := udss.NewBlocker(src)
//	cancel := blocker.StartAutoReload(ctx, 5*time.Minute)
//	defer cancel()
//
// Lookups never wait for a reload in progress.
//
// # Persistence
//
// With a database configured, request and response records are written by
// a DBTrafficLog through a bounded queue, traffic counters are snapshotted
// by a StatsRecorder, and a PartitionManager keeps daily partitions of the
// log and stats tables:
//
//	store, err := udss.OpenStore(ctx, cfg.Database)
//	...
//	dbLog := udss.NewDBTrafficLog(store, 10000, logger)
//	proxy.TrafficLog = udss.MultiTrafficLog{udss.NewAccessLogger(logger), dbLog}
//
// # Administration
//
// AdminServer serves /healthz, /readyz, /metrics, /ca.pem and a JSON API
// under /api on a separate listener. WatchSIGHUP reloads the blocklist on
// SIGHUP.
//
// # Configuration
//
// LoadConfig reads udss.yaml from the working directory, ~/.udss or
// /etc/udss, with UDSS_ prefixed environment variables taking precedence:
//
//	UDSS_SERVER_BIND_PORT=8080
//	UDSS_DATABASE_ENABLED=true
//	UDSS_DATABASE_CONNECTION_HOST=db.internal
package udss
