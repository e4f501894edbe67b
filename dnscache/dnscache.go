// Package dnscache resolves delivery endpoints through a DNS resolver, with a
// cache of positive and negative results.
package dnscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/mlog"
)

var (
	metricCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_dnscache_lookup_total",
			Help: "DNS cache lookups by type and result.",
		},
		[]string{
			"type",   // mx, ip
			"result", // hit, miss
		},
	)
)

// Error is returned for failed resolutions. Errors are cached like positive
// results, but with Config.NegativeTTL.
type Error struct {
	Name      string
	Type      string // "mx" or "ip".
	Permanent bool   // Retrying will not help, e.g. for a null MX.
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("resolving %s %s: %v", e.Type, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	ErrNullMX = errors.New("domain does not accept email as indicated with single dot for mx record")
	ErrNoIP   = errors.New("no ip addresses")
)

// MX is a mail exchanger for a domain.
type MX struct {
	Host dns.Domain
	Pref uint16
}

// Config holds TTL settings. Zero values are replaced with defaults.
//
// The resolver does not return the TTL of DNS answers, so successful lookups
// are cached for DefaultTTL, clamped to MinTTL and MaxTTL.
type Config struct {
	MinTTL      time.Duration // Lower bound for cached results. Default 5s.
	MaxTTL      time.Duration // Upper bound. Default 1h.
	DefaultTTL  time.Duration // Cache duration for successful lookups. Default 5m.
	NegativeTTL time.Duration // For failed lookups. Default 1m.
}

func (c Config) withDefaults() Config {
	if c.MinTTL <= 0 {
		c.MinTTL = 5 * time.Second
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = time.Hour
	}
	if c.MaxTTL < c.MinTTL {
		c.MaxTTL = c.MinTTL
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 5 * time.Minute
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = time.Minute
	}
	return c
}

type kind string

const (
	kindMX kind = "mx"
	kindIP kind = "ip"
)

type key struct {
	kind kind
	name string // Lower-case ASCII, without trailing dot.
}

type entry struct {
	mx      []MX
	ips     []net.IP
	err     error
	expires time.Time
}

// Cache is safe for concurrent use. Entries are replaced whole. Entries do
// not follow the TTLs of DNS records, they expire after Config.DefaultTTL or
// Config.NegativeTTL.
type Cache struct {
	resolver dns.Resolver
	config   Config
	log      mlog.Log

	// Now returns the current time, for tests.
	Now func() time.Time

	mu      sync.RWMutex
	entries map[key]entry
	group   singleflight.Group
}

// New returns a cache that resolves through resolver. Logger may be nil.
func New(resolver dns.Resolver, config Config, logger *slog.Logger) *Cache {
	return &Cache{
		resolver: resolver,
		config:   config.withDefaults(),
		log:      mlog.New("dnscache", logger),
		Now:      time.Now,
		entries:  map[key]entry{},
	}
}

func (c *Cache) clamp(ttl time.Duration) time.Duration {
	return min(max(ttl, c.config.MinTTL), c.config.MaxTTL)
}

func (c *Cache) get(k key) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[k]
	if !ok || !c.Now().Before(e.expires) {
		metricCache.WithLabelValues(string(k.kind), "miss").Inc()
		return entry{}, false
	}
	metricCache.WithLabelValues(string(k.kind), "hit").Inc()
	return e, true
}

func (c *Cache) put(k key, e entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = e
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// lookup returns a cached entry or resolves with fn. Concurrent misses for the
// same key share one resolution.
func (c *Cache) lookup(ctx context.Context, k key, fn func(ctx context.Context) entry) entry {
	if err := ctx.Err(); err != nil {
		return entry{err: &Error{Name: k.name, Type: string(k.kind), Err: err}}
	}
	if e, ok := c.get(k); ok {
		return e
	}
	ch := c.group.DoChan(string(k.kind)+" "+k.name, func() (any, error) {
		// Another caller may have stored a fresh entry in the meantime.
		if e, ok := c.get(k); ok {
			return e, nil
		}
		// Resolve independent of the first caller's cancellation, other callers may be waiting.
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		e := fn(lctx)
		c.put(k, e)
		return e, nil
	})
	select {
	case <-ctx.Done():
		return entry{err: &Error{Name: k.name, Type: string(k.kind), Err: ctx.Err()}}
	case r := <-ch:
		return r.Val.(entry)
	}
}

// LookupMX returns the mail exchangers for domain, ordered by preference.
// Hosts with equal preference keep the order of the resolver. A domain without
// MX records has an implicit MX, the domain itself with preference 0. A null
// MX ("." as only host) results in a permanent error.
func (c *Cache) LookupMX(ctx context.Context, domain dns.Domain) ([]MX, error) {
	k := key{kindMX, normalize(domain.ASCII)}
	e := c.lookup(ctx, k, func(ctx context.Context) entry {
		return c.resolveMX(ctx, domain)
	})
	return slices.Clone(e.mx), e.err
}

func (c *Cache) resolveMX(ctx context.Context, domain dns.Domain) entry {
	now := c.Now()
	negative := func(err error, permanent bool) entry {
		return entry{err: &Error{Name: domain.ASCII, Type: string(kindMX), Permanent: permanent, Err: err}, expires: now.Add(c.config.NegativeTTL)}
	}

	records, _, err := c.resolver.LookupMX(ctx, domain.ASCII+".")
	if err != nil && dns.IsNotFound(err) {
		// Implicit MX, the domain itself.
		c.log.Debug("no mx records, using implicit mx", slog.Any("domain", domain))
		return entry{mx: []MX{{Host: domain}}, expires: now.Add(c.clamp(c.config.DefaultTTL))}
	} else if err != nil {
		c.log.Debugx("mx lookup", err, slog.Any("domain", domain))
		return negative(err, false)
	}
	if len(records) == 1 && records[0].Host == "." {
		return negative(ErrNullMX, true)
	}
	if len(records) == 0 {
		return entry{mx: []MX{{Host: domain}}, expires: now.Add(c.clamp(c.config.DefaultTTL))}
	}

	records = slices.Clone(records)
	slices.SortStableFunc(records, func(a, b *net.MX) int {
		return int(a.Pref) - int(b.Pref)
	})
	var l []MX
	for _, r := range records {
		host, err := dns.ParseDomainLax(strings.TrimSuffix(r.Host, "."))
		if err != nil {
			c.log.Infox("bad mx host name, skipping", err, slog.Any("domain", domain), slog.String("host", r.Host))
			continue
		}
		l = append(l, MX{Host: host, Pref: r.Pref})
	}
	if len(l) == 0 {
		return negative(errors.New("no valid mx hosts"), false)
	}
	return entry{mx: l, expires: now.Add(c.clamp(c.config.DefaultTTL))}
}

// LookupIP returns the IPv4 and IPv6 addresses for host.
func (c *Cache) LookupIP(ctx context.Context, host dns.Domain) ([]net.IP, error) {
	k := key{kindIP, normalize(host.ASCII)}
	e := c.lookup(ctx, k, func(ctx context.Context) entry {
		now := c.Now()
		ips, _, err := c.resolver.LookupIP(ctx, "ip", host.ASCII+".")
		if err == nil && len(ips) == 0 {
			err = ErrNoIP
		}
		if err != nil {
			c.log.Debugx("ip lookup", err, slog.Any("host", host))
			return entry{err: &Error{Name: host.ASCII, Type: string(kindIP), Err: err}, expires: now.Add(c.config.NegativeTTL)}
		}
		return entry{ips: ips, expires: now.Add(c.clamp(c.config.DefaultTTL))}
	})
	return slices.Clone(e.ips), e.err
}

// AddMX stores MX records for domain, replacing any cached entry. The entry is
// used until expires, without TTL clamping.
func (c *Cache) AddMX(domain string, mx []MX, expires time.Time) {
	c.put(key{kindMX, normalize(domain)}, entry{mx: slices.Clone(mx), expires: expires})
}

// AddIP stores IPs for host, like AddMX.
func (c *Cache) AddIP(host string, ips []net.IP, expires time.Time) {
	c.put(key{kindIP, normalize(host)}, entry{ips: slices.Clone(ips), expires: expires})
}

// Flush removes all entries, returning the number removed.
func (c *Cache) Flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = map[key]entry{}
	c.log.Info("dns cache flushed", slog.Int("entries", n))
	return n
}

// IsPermanent returns whether err is a resolution error for which retrying
// will not help.
func IsPermanent(err error) bool {
	var derr *Error
	return errors.As(err, &derr) && derr.Permanent
}
