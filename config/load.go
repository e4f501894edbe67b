package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/mjl-/sconf"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/routing"
	"github.com/mjl-/outq/smtp"
)

// Load parses and validates the config file at path. On errors, no config is
// returned, all errors found are.
func Load(path string) (*Config, []error) {
	c := &Config{
		Static: Static{DataDir: "."},
		Path:   path,
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("OUTQ_CONFIG") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use outq -config ... or set OUTQ_CONFIG=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", path, err)}
	}

	if errs := c.prepare(); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// prepare checks the static config and fills in the derived fields.
func (c *Config) prepare() (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	s := &c.Static

	if lvl, ok := mlog.Levels[s.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": lvl}
	} else {
		addErrorf("invalid log level %q", s.LogLevel)
		c.Log = map[string]slog.Level{}
	}
	for pkg, v := range s.PackageLogLevels {
		if lvl, ok := mlog.Levels[v]; ok {
			c.Log[pkg] = lvl
		} else {
			addErrorf("invalid package log level %q for package %q", v, pkg)
		}
	}

	if !filepath.IsAbs(s.DataDir) {
		s.DataDir = filepath.Join(filepath.Dir(c.Path), s.DataDir)
	}

	hostname, err := dns.ParseDomain(s.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != s.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), s.Hostname)
	}
	s.HostnameDomain = hostname

	pm, err := smtp.ParseAddress(s.Postmaster)
	if err != nil {
		addErrorf("parsing postmaster address: %s", err)
	}
	s.PostmasterPath = pm.Path()

	if s.Queue.BatchSize < 0 {
		addErrorf("queue batch size must not be negative")
	}
	if s.Queue.BackoffMax > 0 && s.Queue.BackoffMax < s.Queue.BackoffInitial {
		addErrorf("queue backoff max %v smaller than initial %v", s.Queue.BackoffMax, s.Queue.BackoffInitial)
	}
	if s.DNSCache.MaxTTL > 0 && s.DNSCache.MaxTTL < s.DNSCache.MinTTL {
		addErrorf("dns cache max ttl %v smaller than min ttl %v", s.DNSCache.MaxTTL, s.DNSCache.MinTTL)
	}

	if s.Admin != nil && s.Admin.PasswordFile != "" && !filepath.IsAbs(s.Admin.PasswordFile) {
		s.Admin.PasswordFile = filepath.Join(filepath.Dir(c.Path), s.Admin.PasswordFile)
	}

	policy, err := s.BuildPolicy()
	if err != nil {
		errs = append(errs, err)
	}
	c.Policy = policy
	return errs
}

// BuildPolicy returns the routing policy for the configured routes and rules.
func (s Static) BuildPolicy() (*routing.Policy, error) {
	routes := map[string]routing.Route{}
	for name, r := range s.Routes {
		routes[name] = r.route()
	}
	table, err := routing.NewTable(routes)
	if err != nil {
		return nil, err
	}

	var rules []routing.Rule
	for _, r := range s.Routing {
		rule := routing.Rule{Route: r.Route}
		if r.If != nil {
			rule.Cond = r.If.cond()
		}
		rules = append(rules, rule)
	}
	return routing.NewPolicy(rules, table)
}

func (r Route) route() routing.Route {
	rr := routing.Route{
		Kind:        routing.Kind(r.Kind),
		Host:        r.Host,
		Port:        r.Port,
		Protocol:    routing.Protocol(r.Protocol),
		Concurrency: r.Concurrency,
		Timeout:     r.Timeout,
		Socks:       r.Socks,
	}
	if rr.Protocol == "" {
		rr.Protocol = routing.ProtocolSMTP
	}
	if r.TLS != nil {
		rr.TLS = routing.TLS{
			Implicit:          r.TLS.Implicit,
			AllowInvalidCerts: r.TLS.AllowInvalidCerts,
			Disable:           r.TLS.Disable,
			Required:          r.TLS.Required,
		}
	}
	return rr
}

func (c Condition) cond() routing.Cond {
	l := Match{c.MinimumAttempts, c.AttemptsBelow, c.ToDomain, c.FromDomain, c.Facts}.conds()
	if len(c.Any) > 0 {
		var alts routing.Any
		for _, m := range c.Any {
			alts = append(alts, m.cond())
		}
		l = append(l, alts)
	}
	if c.Not != nil {
		l = append(l, routing.Not{Cond: c.Not.cond()})
	}
	if len(l) == 0 {
		return routing.Always{}
	}
	if len(l) == 1 {
		return l[0]
	}
	return routing.All(l)
}

func (m Match) cond() routing.Cond {
	l := m.conds()
	switch len(l) {
	case 0:
		return routing.Always{}
	case 1:
		return l[0]
	}
	return routing.All(l)
}

func (m Match) conds() []routing.Cond {
	var l []routing.Cond
	if m.MinimumAttempts > 0 {
		l = append(l, routing.AttemptsAtLeast{N: m.MinimumAttempts})
	}
	if m.AttemptsBelow > 0 {
		l = append(l, routing.AttemptsBelow{N: m.AttemptsBelow})
	}
	if len(m.ToDomain) > 0 {
		l = append(l, routing.RecipientDomain{Domains: m.ToDomain})
	}
	if len(m.FromDomain) > 0 {
		l = append(l, routing.SenderDomain{Domains: m.FromDomain})
	}
	names := make([]string, 0, len(m.Facts))
	for k := range m.Facts {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		l = append(l, routing.Fact{Name: k, Value: m.Facts[k]})
	}
	return l
}
