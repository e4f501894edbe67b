package routing

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/outq/dns"
)

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

func xdomain(t *testing.T, s string) dns.Domain {
	t.Helper()
	d, err := dns.ParseDomain(s)
	tcheck(t, err, "parse domain")
	return d
}

func testTable(t *testing.T) Table {
	t.Helper()
	table, err := NewTable(map[string]Route{
		"direct": {Kind: KindMX, Protocol: ProtocolSMTP},
		"fallback": {
			Kind:        KindRelay,
			Host:        "relay.example",
			Protocol:    ProtocolSMTP,
			TLS:         TLS{AllowInvalidCerts: true},
			Concurrency: 5,
			Timeout:     time.Minute,
		},
		"lmtp": {Kind: KindRelay, Host: "127.0.0.1", Protocol: ProtocolLMTP},
	})
	tcheck(t, err, "new table")
	return table
}

func TestEvaluate(t *testing.T) {
	table := testTable(t)

	p, err := NewPolicy([]Rule{
		{Cond: RecipientDomain{[]string{"local.example"}}, Route: "lmtp"},
		{Cond: AttemptsBelow{1}, Route: "direct"},
		{Cond: All{AttemptsAtLeast{1}, Not{Fact{"fallback", "off"}}}, Route: "fallback"},
		{Route: "direct"},
	}, table)
	tcheck(t, err, "new policy")

	test := func(c Context, exp string) {
		t.Helper()
		r, err := p.Evaluate(c)
		tcheck(t, err, "evaluate")
		tcompare(t, r.Name, exp)

		// Same input, same result.
		r2, err := p.Evaluate(c)
		tcheck(t, err, "evaluate again")
		tcompare(t, r2, r)
	}

	rcpt := xdomain(t, "remote.example")
	test(Context{Attempts: 0, RecipientDomain: rcpt}, "direct")
	test(Context{Attempts: 1, RecipientDomain: rcpt}, "fallback")
	test(Context{Attempts: 1, RecipientDomain: rcpt, Facts: map[string]string{"fallback": "off"}}, "direct")
	test(Context{Attempts: 3, RecipientDomain: xdomain(t, "local.example")}, "lmtp")

	r, err := p.Evaluate(Context{Attempts: 1, RecipientDomain: rcpt})
	tcheck(t, err, "evaluate")
	tcompare(t, r.Concurrency, 5)
	tcompare(t, r.TLS.AllowInvalidCerts, true)
	tcompare(t, r.Endpoint("remote.example"), "relay.example:587")
}

func TestMatchDomain(t *testing.T) {
	p, err := NewPolicy([]Rule{
		{Cond: SenderDomain{[]string{".Example.ORG"}}, Route: "fallback"},
		{Cond: Any{RecipientDomain{[]string{"münchen.example"}}}, Route: "lmtp"},
		{Cond: Always{}, Route: "direct"},
	}, testTable(t))
	tcheck(t, err, "new policy")

	test := func(sender, rcpt, exp string) {
		t.Helper()
		c := Context{RecipientDomain: xdomain(t, rcpt)}
		if sender != "" {
			c.SenderDomain = xdomain(t, sender)
		}
		r, err := p.Evaluate(c)
		tcheck(t, err, "evaluate")
		tcompare(t, r.Name, exp)
	}

	test("example.org", "x.example", "fallback")
	test("sub.example.org", "x.example", "fallback")
	test("badexample.org", "x.example", "direct")
	test("", "x.example", "direct")
	test("", "xn--mnchen-3ya.example", "lmtp")
}

func TestNewPolicyErrors(t *testing.T) {
	table := testTable(t)

	bad := func(rules []Rule) {
		t.Helper()
		p, err := NewPolicy(rules, table)
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Fatalf("got err %v, expected ConfigError", err)
		}
		if p != nil {
			t.Fatalf("got policy for invalid rules")
		}
	}

	bad(nil)
	bad([]Rule{{Route: "unknown"}})
	bad([]Rule{{Cond: AttemptsBelow{1}, Route: "direct"}})
	bad([]Rule{{Cond: AttemptsAtLeast{1}, Route: "direct"}})
	bad([]Rule{{Cond: Not{}, Route: "direct"}, {Route: "direct"}})
	bad([]Rule{{Cond: RecipientDomain{}, Route: "direct"}, {Route: "direct"}})
	bad([]Rule{{Cond: Any{}, Route: "direct"}, {Route: "direct"}})
	bad([]Rule{{Cond: Fact{}, Route: "direct"}, {Route: "direct"}})

	// Structurally unconditional.
	_, err := NewPolicy([]Rule{{Cond: All{Always{}, AttemptsAtLeast{0}}, Route: "direct"}}, table)
	tcheck(t, err, "unconditional all")

	var p *Policy
	_, err = p.Evaluate(Context{})
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("evaluate without policy: got %v, expected ConfigError", err)
	}
}

func TestRouteValidate(t *testing.T) {
	bad := func(r Route) {
		t.Helper()
		_, err := NewTable(map[string]Route{"r": r})
		var cerr *ConfigError
		if !errors.As(err, &cerr) {
			t.Fatalf("got err %v, expected ConfigError", err)
		}
	}
	bad(Route{Kind: "other", Protocol: ProtocolSMTP})
	bad(Route{Kind: KindRelay, Protocol: ProtocolSMTP})
	bad(Route{Kind: KindMX, Host: "x.example", Protocol: ProtocolSMTP})
	bad(Route{Kind: KindMX, Protocol: "uucp"})
	bad(Route{Kind: KindMX, Protocol: ProtocolSMTP, TLS: TLS{Disable: true, Required: true}})
	bad(Route{Kind: KindRelay, Host: "x", Protocol: ProtocolSMTP, Port: 70000})
	bad(Route{Kind: KindRelay, Host: "x", Protocol: ProtocolLMTP, TLS: TLS{Required: true}})
	if _, err := NewTable(map[string]Route{"r": {Kind: KindRelay, Host: "x", Protocol: ProtocolLMTP, TLS: TLS{Implicit: true, Required: true}}}); err != nil {
		t.Fatalf("lmtp with implicit tls: %v", err)
	}

	tcompare(t, Route{Kind: KindMX, Protocol: ProtocolSMTP}.EffectivePort(), 25)
	tcompare(t, Route{Kind: KindRelay, Protocol: ProtocolSMTP, TLS: TLS{Implicit: true}}.EffectivePort(), 465)
	tcompare(t, Route{Kind: KindRelay, Protocol: ProtocolLMTP}.EffectivePort(), 24)
	tcompare(t, Route{}.EffectiveTimeout(), DefaultTimeout)
}
