package udss

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Blocker answers whether a host is denied by the domain access policy. It
// holds an exact-match domain set and an ordered list of compiled regular
// expressions, each replaced wholesale on reload.
//
// Reads take shared locks and proceed in parallel. A reload builds both new
// collections without holding any lock and then swaps each under its own
// exclusive lock, so a reader always sees a complete collection from some
// finished reload. The two collections are swapped independently.
type Blocker struct {
	domainsMu sync.RWMutex
	domains   map[string]struct{}

	patternsMu sync.RWMutex
	patterns   []blockPattern

	loaded atomic.Bool

	// Source supplies the active blocklist for Reload (optional).
	Source BlocklistSource

	// Logger for reload events (defaults to slog.Default()).
	Logger *slog.Logger

	// OnReload is called after a successful reload with the new counts.
	OnReload func(domains, patterns int)

	// OnError is called when a reload fails.
	OnError func(err error)
}

// Match describes why a host was blocked.
type Match struct {
	// Kind is "domain" for an exact match or "pattern" for a regex match.
	Kind string

	// Rule is the matching domain or the source of the matching pattern.
	Rule string
}

// NewBlocker returns an empty Blocker that blocks nothing.
func NewBlocker(source BlocklistSource) *Blocker {
	return &Blocker{
		domains: make(map[string]struct{}),
		Source:  source,
		Logger:  slog.Default(),
	}
}

// blockPattern keeps a compiled pattern with the text it was loaded from.
type blockPattern struct {
	source string
	re     *regexp.Regexp
}

// Replace atomically replaces the domain set and pattern list. Hosts are
// compared lowercased, so patterns match case-insensitively. Patterns that
// fail to compile are logged and skipped; the number skipped is returned.
func (b *Blocker) Replace(domains, patterns []string) int {
	set := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = normalizeHost(d)
		if d == "" {
			continue
		}
		set[d] = struct{}{}
	}

	compiled := make([]blockPattern, 0, len(patterns))
	skipped := 0
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			b.logger().Warn("skipping invalid block pattern", "pattern", p, "error", err)
			skipped++
			continue
		}
		compiled = append(compiled, blockPattern{source: p, re: re})
	}

	b.domainsMu.Lock()
	b.domains = set
	b.domainsMu.Unlock()

	b.patternsMu.Lock()
	b.patterns = compiled
	b.patternsMu.Unlock()

	b.loaded.Store(true)
	return skipped
}

// Loaded reports whether a blocklist has been installed by Replace or a
// successful Reload.
func (b *Blocker) Loaded() bool { return b.loaded.Load() }

// Reload pulls the active domains and patterns from Source and replaces the
// current blocklist. On error the previous blocklist stays in effect.
func (b *Blocker) Reload(ctx context.Context) error {
	if b.Source == nil {
		return configErr("reload blocklist", errNoSource)
	}

	domains, err := b.Source.LoadActiveDomains(ctx)
	if err != nil {
		return b.reloadFailed(err)
	}
	patterns, err := b.Source.LoadActivePatterns(ctx)
	if err != nil {
		return b.reloadFailed(err)
	}

	skipped := b.Replace(domains, patterns)
	nd, np := b.Count()
	b.logger().Info("blocklist loaded", "domains", nd, "patterns", np, "skipped", skipped)
	if b.OnReload != nil {
		b.OnReload(nd, np)
	}
	return nil
}

func (b *Blocker) reloadFailed(err error) error {
	if KindOf(err) == KindOther {
		err = newError(KindDatabase, "load blocklist", err)
	}
	b.logger().Error("blocklist reload failed", "error", err)
	if b.OnError != nil {
		b.OnError(err)
	}
	return err
}

// StartAutoReload reloads the blocklist every interval until ctx is done or
// the returned cancel function is called.
func (b *Blocker) StartAutoReload(ctx context.Context, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = b.Reload(ctx)
			}
		}
	}()

	return cancel
}

// IsBlocked reports whether host is denied. An empty host is never blocked.
func (b *Blocker) IsBlocked(host string) bool {
	_, ok := b.Match(host)
	return ok
}

// Match returns the first rule that blocks host. Exact domains are checked
// before patterns; patterns are tried in the order they were loaded.
func (b *Blocker) Match(host string) (Match, bool) {
	host = normalizeHost(host)
	if host == "" {
		return Match{}, false
	}

	b.domainsMu.RLock()
	_, ok := b.domains[host]
	b.domainsMu.RUnlock()
	if ok {
		return Match{Kind: "domain", Rule: host}, true
	}

	b.patternsMu.RLock()
	defer b.patternsMu.RUnlock()
	for _, bp := range b.patterns {
		if bp.re.MatchString(host) {
			return Match{Kind: "pattern", Rule: bp.source}, true
		}
	}
	return Match{}, false
}

// Count returns the number of exact domains and patterns currently loaded.
func (b *Blocker) Count() (domains, patterns int) {
	b.domainsMu.RLock()
	domains = len(b.domains)
	b.domainsMu.RUnlock()

	b.patternsMu.RLock()
	patterns = len(b.patterns)
	b.patternsMu.RUnlock()
	return domains, patterns
}

// Domains returns a copy of the exact domain set in no particular order.
func (b *Blocker) Domains() []string {
	b.domainsMu.RLock()
	defer b.domainsMu.RUnlock()

	out := make([]string, 0, len(b.domains))
	for d := range b.domains {
		out = append(out, d)
	}
	return out
}

// Patterns returns the loaded pattern sources in evaluation order.
func (b *Blocker) Patterns() []string {
	b.patternsMu.RLock()
	defer b.patternsMu.RUnlock()

	out := make([]string, len(b.patterns))
	for i, bp := range b.patterns {
		out[i] = bp.source
	}
	return out
}

func (b *Blocker) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// normalizeHost lowercases host and strips surrounding whitespace and a
// trailing root dot.
func normalizeHost(host string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
}
