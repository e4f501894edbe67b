package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/dnscache"
	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/queue"
	"github.com/mjl-/outq/routing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestCommands(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range cmds {
		name := strings.Join(c.words, " ")
		if seen[name] {
			t.Fatalf("duplicate command %q", name)
		}
		seen[name] = true

		c.gather()
		if c.help == "" {
			t.Fatalf("command %q without help", name)
		}
		if usage := c.makeUsage(); !strings.HasPrefix(usage, "usage: outq "+name) {
			t.Fatalf("bad usage for %q: %q", name, usage)
		}
	}
}

type nopAdapter struct{}

func (nopAdapter) Attempt(ctx context.Context, a queue.Attempt) map[int64]queue.Outcome {
	return nil
}

func TestReload(t *testing.T) {
	log := mlog.New("serve", nil)
	dir := t.TempDir()
	st, err := queue.OpenDB(context.Background(), log, dir)
	tcheck(t, err, "open queue db")
	defer st.Close()

	table, err := routing.NewTable(map[string]routing.Route{"direct": {Kind: routing.KindMX, Protocol: routing.ProtocolSMTP}})
	tcheck(t, err, "route table")
	policy, err := routing.NewPolicy([]routing.Rule{{Cond: routing.Always{}, Route: "direct"}}, table)
	tcheck(t, err, "policy")
	q, err := queue.New(queue.Config{
		Store:    st,
		Resolver: dnscache.New(dns.MockResolver{}, dnscache.Config{}, nil),
		Adapter:  nopAdapter{},
		Policy:   policy,
	})
	tcheck(t, err, "new queue")

	path := filepath.Join(dir, "outq.conf")
	good := "DataDir: data\nLogLevel: info\nHostname: mail.test.example\nPostmaster: postmaster@mail.test.example\nRoutes:\n\tdirect:\n\t\tKind: mx\nRouting:\n\t-\n\t\tRoute: direct\n"
	err = os.WriteFile(path, []byte(good), 0600)
	tcheck(t, err, "write config")
	reload(log, path, q)

	// Invalid config is logged and ignored.
	bad := strings.Replace(good, "Route: direct", "Route: missing", 1)
	err = os.WriteFile(path, []byte(bad), 0600)
	tcheck(t, err, "write config")
	reload(log, path, q)

	err = os.Remove(path)
	tcheck(t, err, "remove config")
	reload(log, path, q)

	if metrics.Panics.Load() > 0 {
		t.Fatalf("panic during reload")
	}
}
