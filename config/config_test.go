package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/routing"
)

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

const testConfig = `DataDir: data
LogLevel: info
PackageLogLevels:
	queue: debug
Hostname: mail.test.example
Postmaster: postmaster@mail.test.example
Queue:
	BackoffInitial: 1m
	Expiry: 48h
Routes:
	direct:
		Kind: mx
		Concurrency: 10
	fallback:
		Kind: relay
		Host: fallback.foobar.example
		Port: 9925
		TLS:
			AllowInvalidCerts: true
		Concurrency: 5
		Timeout: 2m
	local:
		Kind: relay
		Host: 127.0.0.1
		Protocol: lmtp
Routing:
	-
		If:
			ToDomain:
				- .local.example
			Not:
				Facts:
					site: backup
		Route: local
	-
		If:
			MinimumAttempts: 1
		Route: fallback
	-
		Route: direct
Facts:
	site: main
`

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "outq.conf")
	err := os.WriteFile(p, []byte(s), 0600)
	tcheck(t, err, "write config")
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, testConfig)
	c, errs := Load(p)
	if len(errs) > 0 {
		t.Fatalf("load: %v", errs)
	}

	tcompare(t, c.Static.DataDir, filepath.Join(filepath.Dir(p), "data"))
	tcompare(t, c.Static.HostnameDomain.ASCII, "mail.test.example")
	tcompare(t, c.Static.PostmasterPath.String(), "postmaster@mail.test.example")
	tcompare(t, c.Log, map[string]slog.Level{"": mlog.LevelInfo, "queue": mlog.LevelDebug})
	tcompare(t, c.Static.Queue.BackoffInitial, time.Minute)
	tcompare(t, c.Static.Queue.Expiry, 48*time.Hour)

	fallback, ok := c.Policy.Route("fallback")
	if !ok {
		t.Fatalf("missing fallback route")
	}
	tcompare(t, fallback, routing.Route{
		Name:        "fallback",
		Kind:        routing.KindRelay,
		Host:        "fallback.foobar.example",
		Port:        9925,
		Protocol:    routing.ProtocolSMTP,
		TLS:         routing.TLS{AllowInvalidCerts: true},
		Concurrency: 5,
		Timeout:     2 * time.Minute,
	})
	local, _ := c.Policy.Route("local")
	tcompare(t, local.Protocol, routing.ProtocolLMTP)
	tcompare(t, local.EffectivePort(), 24)

	facts := c.Static.Facts
	eval := func(attempts int, rcptDomain string, facts map[string]string) string {
		t.Helper()
		r, err := c.Policy.Evaluate(routing.Context{
			Attempts:        attempts,
			RecipientDomain: dns.Domain{ASCII: rcptDomain},
			Facts:           facts,
		})
		tcheck(t, err, "evaluate")
		return r.Name
	}
	tcompare(t, eval(0, "foobar.example", facts), "direct")
	tcompare(t, eval(1, "foobar.example", facts), "fallback")
	tcompare(t, eval(3, "x.local.example", facts), "local")
	tcompare(t, eval(3, "x.local.example", map[string]string{"site": "backup"}), "fallback")
	tcompare(t, eval(0, "local.example", facts), "local")
}

func TestLoadErrors(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "missing.conf"))
	tcompare(t, len(errs), 1)

	check := func(replace, with, expErr string) {
		t.Helper()
		s := strings.Replace(testConfig, replace, with, 1)
		if s == testConfig {
			t.Fatalf("replacing %q did not change config", replace)
		}
		_, errs := Load(writeConfig(t, s))
		if len(errs) == 0 {
			t.Fatalf("expected error %q, got none", expErr)
		}
		for _, err := range errs {
			if strings.Contains(err.Error(), expErr) {
				return
			}
		}
		t.Fatalf("expected error %q, got %v", expErr, errs)
	}

	check("LogLevel: info", "LogLevel: bogus", "invalid log level")
	check("queue: debug", "queue: bogus", "invalid package log level")
	check("Hostname: mail.test.example", "Hostname: bad host", "parsing hostname")
	check("Postmaster: postmaster@mail.test.example", "Postmaster: postmaster", "parsing postmaster")
	check("\t-\n\t\tRoute: direct\n", "\t-\n\t\tRoute: missing\n", "unknown route")
	check("\t\tKind: mx\n", "\t\tKind: carrier-pigeon\n", "unknown kind")
	check("\t-\n\t\tRoute: direct\n", "\t-\n\t\tIf:\n\t\t\tMinimumAttempts: 5\n\t\tRoute: direct\n", "must match unconditionally")
	check("\t\tProtocol: lmtp\n", "\t\tProtocol: lmtp\n\t\tTLS:\n\t\t\tDisable: true\n\t\t\tRequired: true\n", "tls disabled")

	// Policy errors are configuration errors.
	s := strings.Replace(testConfig, "\t-\n\t\tRoute: direct\n", "\t-\n\t\tRoute: missing\n", 1)
	_, errs = Load(writeConfig(t, s))
	var cerr *routing.ConfigError
	if !errors.As(errs[len(errs)-1], &cerr) {
		t.Fatalf("expected routing config error, got %v", errs)
	}
}
