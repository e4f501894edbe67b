package config

import (
	"log/slog"
	"time"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/routing"
	"github.com/mjl-/outq/smtp"
)

// Static is the parsed form of outq.conf. Fields with sconf:"-" are set
// after parsing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the queue database and message files are stored. If this is a relative path, it is relative to the directory of outq.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. queue, dnscache, smtpdeliver, routing, webadmin)."`
	Hostname         string            `sconf-doc:"Full hostname of this system, used in EHLO and as reporting MTA in delivery status notifications."`
	Postmaster       string            `sconf-doc:"Address used as From header in delivery status notifications, e.g. postmaster@<hostname>."`

	Queue    Queue    `sconf:"optional" sconf-doc:"Retry schedule and expiry of queued messages."`
	DNSCache DNSCache `sconf:"optional" sconf-doc:"Caching of MX and IP lookups for delivery."`

	Routes  map[string]Route  `sconf-doc:"Routes that messages can be delivered through, by name. Route 'direct' with Kind mx is typical for delivery to the MX hosts of recipient domains."`
	Routing []Rule            `sconf-doc:"Rules selecting a route for a delivery attempt. The rules are evaluated in order for each attempt, the first rule with a matching condition selects the route. The last rule must not have a condition."`
	Facts   map[string]string `sconf:"optional" sconf-doc:"Facts about this system that rules can match on, e.g. site: eu."`

	Admin *Admin `sconf:"optional" sconf-doc:"HTTP listener for the admin API and prometheus metrics. Without it, the queue can only be managed by restarting."`

	HostnameDomain dns.Domain `sconf:"-" json:"-"`
	PostmasterPath smtp.Path  `sconf:"-" json:"-"`
}

type Queue struct {
	BatchSize      int           `sconf:"optional" sconf-doc:"Number of due recipients considered in a scheduling pass. Default 100."`
	BackoffInitial time.Duration `sconf:"optional" sconf-doc:"Delay before the second attempt after a temporary failure. The delay doubles for each further attempt. Default 7m30s."`
	BackoffMax     time.Duration `sconf:"optional" sconf-doc:"Maximum delay between attempts. Default 24h."`
	Expiry         time.Duration `sconf:"optional" sconf-doc:"Time after queueing after which a temporary failure fails the recipient. Default 120h (5 days)."`
}

type DNSCache struct {
	MinTTL      time.Duration `sconf:"optional" sconf-doc:"Minimum time to cache a lookup result. Default 5s."`
	MaxTTL      time.Duration `sconf:"optional" sconf-doc:"Maximum time to cache a lookup result. Default 1h."`
	DefaultTTL  time.Duration `sconf:"optional" sconf-doc:"Time to cache successful lookups. Default 5m."`
	NegativeTTL time.Duration `sconf:"optional" sconf-doc:"Time to cache failed lookups. Default 1m."`
}

// Route is a route as configured. It is turned into a routing.Route.
type Route struct {
	Kind        string        `sconf-doc:"How endpoints are found: mx for the MX hosts of the recipient domain, relay for the configured Host."`
	Host        string        `sconf:"optional" sconf-doc:"Host name or IP address of the relay, for kind relay."`
	Port        int           `sconf:"optional" sconf-doc:"Port to connect to. Default 25 for mx, 587 for relay, 465 with implicit TLS, 24 for lmtp."`
	Protocol    string        `sconf:"optional" sconf-doc:"Protocol to speak, smtp (default) or lmtp."`
	TLS         *RouteTLS     `sconf:"optional" sconf-doc:"TLS policy. By default, STARTTLS is used if offered, with certificate verification, and delivery continues without TLS if it fails."`
	Concurrency int           `sconf:"optional" sconf-doc:"Maximum number of simultaneous delivery attempts through this route. Default 0, unlimited."`
	Timeout     time.Duration `sconf:"optional" sconf-doc:"Maximum duration of a single delivery attempt. Default 10m."`
	Socks       string        `sconf:"optional" sconf-doc:"Address (host:port) of a SOCKS5 proxy to connect through."`
}

type RouteTLS struct {
	Implicit          bool `sconf:"optional" sconf-doc:"Start TLS immediately after connecting instead of using STARTTLS."`
	AllowInvalidCerts bool `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the remote host."`
	Disable           bool `sconf:"optional" sconf-doc:"Never use TLS."`
	Required          bool `sconf:"optional" sconf-doc:"Fail the attempt (temporarily) if TLS cannot be established."`
}

// Rule selects Route if its condition matches.
type Rule struct {
	If    *Condition `sconf:"optional" sconf-doc:"Condition for this rule. All of its fields must match. Absent for the final rule."`
	Route string     `sconf-doc:"Name of route to use when the condition matches."`
}

// Condition matches if all its match fields match, at least one of Any
// matches (if present) and Not does not match (if present).
type Condition struct {
	MinimumAttempts int               `sconf:"optional" sconf-doc:"Matches if at least this many attempts have been made. Used for a fallback relay after direct delivery failed."`
	AttemptsBelow   int               `sconf:"optional" sconf-doc:"Matches if fewer attempts than this have been made."`
	ToDomain        []string          `sconf:"optional" sconf-doc:"Matches if the recipient domain is one of these. Domains starting with a dot match subdomains."`
	FromDomain      []string          `sconf:"optional" sconf-doc:"Like ToDomain, for the sender domain."`
	Facts           map[string]string `sconf:"optional" sconf-doc:"Matches if each fact has the given value."`
	Any             []Match           `sconf:"optional" sconf-doc:"Matches if at least one of these matches."`
	Not             *Match            `sconf:"optional" sconf-doc:"Matches if this does not match."`
}

// Match is a set of conditions that must all match.
type Match struct {
	MinimumAttempts int               `sconf:"optional"`
	AttemptsBelow   int               `sconf:"optional"`
	ToDomain        []string          `sconf:"optional"`
	FromDomain      []string          `sconf:"optional"`
	Facts           map[string]string `sconf:"optional"`
}

type Admin struct {
	Listen       string `sconf-doc:"Address to listen on, e.g. 127.0.0.1:8025."`
	PasswordFile string `sconf:"optional" sconf-doc:"File with bcrypt hash of the admin password, for HTTP basic authentication with any username. Relative paths are relative to the directory of outq.conf. Without a password file, the admin API is only reachable from loopback addresses."`
}

// Config is a loaded and validated configuration.
type Config struct {
	Static Static
	Log    map[string]slog.Level
	Policy *routing.Policy
	Path   string // Of the config file.
}
