// Package probe answers "is this specific Git remote reachable right now",
// independently of the application-level online/offline flag. Results are
// cached for a few minutes since the probe is consulted on every scheduler
// tick while the network flag reads offline.
package probe

import (
	"context"
	"net"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/metrics"
)

const (
	defaultTimeout   = 3 * time.Second
	defaultCacheSize = 64
)

// DialFunc matches net.DialTimeout. Tests substitute it.
type DialFunc func(network, address string, timeout time.Duration) (net.Conn, error)

type Prober struct {
	ttl     time.Duration
	timeout time.Duration
	cache   *lru.Cache
	dial    DialFunc
	log     *logging.Logger
	now     func() time.Time
}

type cacheEntry struct {
	reachable bool
	at        time.Time
}

func New(ttl time.Duration, log *logging.Logger) *Prober {
	cache, _ := lru.New(defaultCacheSize)
	return &Prober{
		ttl:     ttl,
		timeout: defaultTimeout,
		cache:   cache,
		dial:    net.DialTimeout,
		log:     log,
		now:     time.Now,
	}
}

// WithDialer overrides the dialer. Used in tests.
func (p *Prober) WithDialer(dial DialFunc) *Prober {
	p.dial = dial
	return p
}

// WithClock overrides the clock. Used in tests.
func (p *Prober) WithClock(now func() time.Time) *Prober {
	p.now = now
	return p
}

// Reachable reports whether the host behind repoURL accepts TCP connections,
// using a short bounded timeout. Cached per host for the configured TTL.
func (p *Prober) Reachable(ctx context.Context, repoURL string) bool {
	addr := Address(repoURL)
	if addr == "" {
		return false
	}

	if v, ok := p.cache.Get(addr); ok {
		entry := v.(cacheEntry)
		if p.now().Sub(entry.at) < p.ttl {
			return entry.reachable
		}
	}

	reachable := p.probe(ctx, addr)
	p.cache.Add(addr, cacheEntry{reachable: reachable, at: p.now()})
	metrics.ProbeResult(reachable)
	p.log.Debugf("reachability probe %s: %v", addr, reachable)
	return reachable
}

func (p *Prober) probe(ctx context.Context, addr string) bool {
	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < timeout {
			timeout = remain
		}
	}
	if timeout <= 0 {
		return false
	}

	conn, err := p.dial("tcp", addr, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Address derives the host:port to probe from a repository URL. Returns an
// empty string when no host can be extracted.
func Address(repoURL string) string {
	if u, err := url.Parse(repoURL); err == nil && u.Host != "" {
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			switch u.Scheme {
			case "http":
				port = "80"
			case "ssh":
				port = "22"
			default:
				port = "443"
			}
		}
		return net.JoinHostPort(host, port)
	}

	// scp-like syntax: git@host:path
	if user, rest, ok := strings.Cut(repoURL, "@"); ok && !strings.Contains(user, "/") {
		host, _, _ := strings.Cut(rest, ":")
		if host != "" {
			return net.JoinHostPort(host, "22")
		}
	}

	return ""
}
