package dnscache

import (
	"context"
	"errors"
	"net"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/outq/dns"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

// countResolver counts lookups passed to the underlying resolver.
type countResolver struct {
	dns.Resolver
	mx, ip atomic.Int32
}

func (r *countResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	r.mx.Add(1)
	return r.Resolver.LookupMX(ctx, name)
}

func (r *countResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	r.ip.Add(1)
	return r.Resolver.LookupIP(ctx, network, host)
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newCache(t *testing.T, r dns.Resolver, cfg Config) (*Cache, *testClock, *countResolver) {
	cr := &countResolver{Resolver: r}
	clock := &testClock{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(cr, cfg, nil)
	c.Now = clock.Now
	return c, clock, cr
}

func xdomain(s string) dns.Domain {
	d, err := dns.ParseDomainLax(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLookupMX(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {
				{Host: "mx2.example.org.", Pref: 20},
				{Host: "mxb.example.org.", Pref: 10},
				{Host: "mxa.example.org.", Pref: 10},
			},
			"nullmx.example.": {{Host: ".", Pref: 0}},
			"lax.example.":    {{Host: "_dns_error.lax.example.", Pref: 10}},
		},
		Fail: []string{"mx temperror.example."},
	}
	c, _, _ := newCache(t, resolver, Config{})

	mx, err := c.LookupMX(ctxbg, xdomain("example.org"))
	tcheck(t, err, "lookup mx")
	tcompare(t, mx, []MX{
		{xdomain("mxb.example.org"), 10},
		{xdomain("mxa.example.org"), 10},
		{xdomain("mx2.example.org"), 20},
	})

	// Implicit MX.
	mx, err = c.LookupMX(ctxbg, xdomain("nomx.example"))
	tcheck(t, err, "lookup mx")
	tcompare(t, mx, []MX{{xdomain("nomx.example"), 0}})

	_, err = c.LookupMX(ctxbg, xdomain("nullmx.example"))
	if !errors.Is(err, ErrNullMX) || !IsPermanent(err) {
		t.Fatalf("got err %v, expected permanent null mx error", err)
	}

	_, err = c.LookupMX(ctxbg, xdomain("temperror.example"))
	var derr *Error
	if !errors.As(err, &derr) || derr.Permanent || !dns.IsTemporary(err) {
		t.Fatalf("got err %v, expected temporary dnscache error", err)
	}

	mx, err = c.LookupMX(ctxbg, xdomain("lax.example"))
	tcheck(t, err, "lookup mx with underscore host")
	tcompare(t, mx[0].Host.ASCII, "_dns_error.lax.example")
}

func TestTTL(t *testing.T) {
	resolver := dns.MockResolver{
		A:  map[string][]string{"mail.example.": {"10.0.0.1"}},
		MX: map[string][]*net.MX{"example.": {{Host: "mail.example.", Pref: 10}}},
	}
	c, clock, cr := newCache(t, resolver, Config{MinTTL: time.Minute, MaxTTL: time.Hour, DefaultTTL: 10 * time.Second, NegativeTTL: 30 * time.Second})

	// DefaultTTL is clamped to MinTTL.
	_, err := c.LookupMX(ctxbg, xdomain("example"))
	tcheck(t, err, "lookup")
	clock.now = clock.now.Add(time.Minute - time.Nanosecond)
	_, err = c.LookupMX(ctxbg, xdomain("Example"))
	tcheck(t, err, "lookup")
	tcompare(t, cr.mx.Load(), int32(1))

	// At expiry, the entry is not used anymore.
	clock.now = clock.now.Add(time.Nanosecond)
	_, err = c.LookupMX(ctxbg, xdomain("example"))
	tcheck(t, err, "lookup")
	tcompare(t, cr.mx.Load(), int32(2))

	// Negative results are cached for NegativeTTL.
	_, err = c.LookupIP(ctxbg, xdomain("unknown.example"))
	if err == nil || !dns.IsNotFound(err) {
		t.Fatalf("got %v, expected not found", err)
	}
	clock.now = clock.now.Add(29 * time.Second)
	_, err = c.LookupIP(ctxbg, xdomain("unknown.example"))
	if err == nil {
		t.Fatalf("expected cached error")
	}
	tcompare(t, cr.ip.Load(), int32(1))
	clock.now = clock.now.Add(time.Second)
	_, err = c.LookupIP(ctxbg, xdomain("unknown.example"))
	if err == nil {
		t.Fatalf("expected error")
	}
	tcompare(t, cr.ip.Load(), int32(2))

	ips, err := c.LookupIP(ctxbg, xdomain("mail.example"))
	tcheck(t, err, "lookup ip")
	tcompare(t, ips[0].String(), "10.0.0.1")
}

func TestPrime(t *testing.T) {
	c, clock, cr := newCache(t, dns.MockResolver{}, Config{})

	expires := clock.now.Add(10 * time.Second)
	c.AddMX("foobar.org", []MX{{xdomain("_dns_error.foobar.org"), 10}}, expires)
	c.AddIP("fallback.foobar.org.", []net.IP{net.ParseIP("127.0.0.1")}, expires)

	mx, err := c.LookupMX(ctxbg, xdomain("foobar.org"))
	tcheck(t, err, "lookup primed mx")
	tcompare(t, mx[0].Host.ASCII, "_dns_error.foobar.org")
	ips, err := c.LookupIP(ctxbg, xdomain("fallback.foobar.org"))
	tcheck(t, err, "lookup primed ip")
	tcompare(t, ips[0].String(), "127.0.0.1")
	tcompare(t, cr.mx.Load(), int32(0))
	tcompare(t, cr.ip.Load(), int32(0))

	// Past expiry, the resolver is used, which has no records.
	clock.now = expires
	_, err = c.LookupIP(ctxbg, xdomain("fallback.foobar.org"))
	if err == nil {
		t.Fatalf("expected error after expiry")
	}
	tcompare(t, cr.ip.Load(), int32(1))

	n := c.Flush()
	tcompare(t, n, 2)
}

func TestCanceled(t *testing.T) {
	c, _, _ := newCache(t, dns.MockResolver{}, Config{})
	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	_, err := c.LookupMX(ctx, xdomain("example.org"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, expected context.Canceled", err)
	}
}
