// Package routing decides by which route a recipient is delivered.
//
// A Policy is an ordered list of rules, each a condition over a Context with
// the name of a route from a Table. The first rule with a satisfied condition
// determines the route. Policies are evaluated anew for each delivery attempt,
// so a recipient can move to another route, e.g. a fallback relay after
// failed attempts through MX.
package routing

import (
	"fmt"
	"strconv"
	"time"
)

// Kind is how the endpoints of a route are found.
type Kind string

const (
	// KindMX delivers to the MX hosts of the recipient domain.
	KindMX Kind = "mx"
	// KindRelay delivers to the fixed host of the route.
	KindRelay Kind = "relay"
)

// Protocol spoken to the endpoint.
type Protocol string

const (
	ProtocolSMTP Protocol = "smtp"
	ProtocolLMTP Protocol = "lmtp"
)

// TLS holds the TLS policy of a route.
type TLS struct {
	Implicit          bool // Start TLS immediately after connecting, instead of STARTTLS.
	AllowInvalidCerts bool // Skip certificate verification.
	Disable           bool // Never attempt TLS.
	Required          bool // Fail the attempt if TLS cannot be established.
}

// Route is an immutable delivery route. Routes are shared between goroutines,
// they must not be modified after being added to a Table.
type Route struct {
	Name        string
	Kind        Kind
	Host        string // For KindRelay, host name or IP.
	Port        int    // If 0, the default port for protocol and TLS mode is used.
	Protocol    Protocol
	TLS         TLS
	Concurrency int           // Maximum simultaneous attempts through this route, in this process. 0 is unlimited.
	Timeout     time.Duration // For a single attempt. 0 means DefaultTimeout.
	Socks       string        // Optional SOCKS5 proxy "host:port" to dial through.
}

// DefaultTimeout is the attempt timeout for routes without explicit timeout.
const DefaultTimeout = 10 * time.Minute

// EffectivePort returns the configured port, or the default for the route.
func (r Route) EffectivePort() int {
	switch {
	case r.Port > 0:
		return r.Port
	case r.Protocol == ProtocolLMTP:
		return 24
	case r.TLS.Implicit:
		return 465
	case r.Kind == KindRelay:
		return 587
	}
	return 25
}

// EffectiveTimeout returns the configured timeout, or DefaultTimeout.
func (r Route) EffectiveTimeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// Endpoint returns the key that identifies where recipients on this route are
// delivered: the recipient domain for MX routes, host:port for relays.
func (r Route) Endpoint(rcptDomain string) string {
	if r.Kind == KindRelay {
		return r.Host + ":" + strconv.Itoa(r.EffectivePort())
	}
	return rcptDomain
}

// Validate checks the fields of a route.
func (r Route) Validate() error {
	switch r.Kind {
	case KindMX:
		if r.Host != "" {
			return fmt.Errorf("route %q: host not allowed for kind mx", r.Name)
		}
	case KindRelay:
		if r.Host == "" {
			return fmt.Errorf("route %q: relay requires host", r.Name)
		}
	default:
		return fmt.Errorf("route %q: unknown kind %q", r.Name, r.Kind)
	}
	switch r.Protocol {
	case ProtocolSMTP, ProtocolLMTP:
	default:
		return fmt.Errorf("route %q: unknown protocol %q", r.Name, r.Protocol)
	}
	if r.TLS.Disable && (r.TLS.Implicit || r.TLS.Required) {
		return fmt.Errorf("route %q: tls disabled conflicts with implicit or required tls", r.Name)
	}
	if r.Protocol == ProtocolLMTP && r.TLS.Required && !r.TLS.Implicit {
		return fmt.Errorf("route %q: lmtp with required tls needs implicit tls", r.Name)
	}
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("route %q: invalid port %d", r.Name, r.Port)
	}
	if r.Concurrency < 0 {
		return fmt.Errorf("route %q: negative concurrency", r.Name)
	}
	return nil
}

// Table holds routes by name.
type Table map[string]Route

// NewTable returns a table of the routes, with names set from the map keys.
// All routes are validated.
func NewTable(routes map[string]Route) (Table, error) {
	t := Table{}
	for name, r := range routes {
		r.Name = name
		if err := r.Validate(); err != nil {
			return nil, &ConfigError{Reason: err.Error()}
		}
		t[name] = r
	}
	return t, nil
}
