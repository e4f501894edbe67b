package routing

import (
	"fmt"
	"strings"

	"github.com/mjl-/outq/dns"
)

// Context is the input for evaluating conditions.
type Context struct {
	Attempts        int // Attempts made so far, 0 for the first attempt.
	RecipientDomain dns.Domain
	SenderDomain    dns.Domain // Zero for the null reverse path.
	Facts           map[string]string
}

// Cond is a condition in a routing rule. The implementations in this package
// are the only ones.
type Cond interface {
	Match(c Context) bool
	String() string
	cond()
}

// Always is satisfied for every context.
type Always struct{}

// AttemptsAtLeast is satisfied if at least N attempts have been made.
type AttemptsAtLeast struct{ N int }

// AttemptsBelow is satisfied if fewer than N attempts have been made.
type AttemptsBelow struct{ N int }

// RecipientDomain matches if the recipient domain matches one of the
// domains. A domain starting with a dot also matches its subdomains.
type RecipientDomain struct{ Domains []string }

// SenderDomain is like RecipientDomain, for the sender domain.
type SenderDomain struct{ Domains []string }

// Fact matches if the administrator fact Name has Value.
type Fact struct{ Name, Value string }

// All matches if all conditions match, or if there are none.
type All []Cond

// Any matches if one of the conditions matches.
type Any []Cond

// Not inverts a condition.
type Not struct{ Cond Cond }

func (Always) cond()          {}
func (AttemptsAtLeast) cond() {}
func (AttemptsBelow) cond()   {}
func (RecipientDomain) cond() {}
func (SenderDomain) cond()    {}
func (Fact) cond()            {}
func (All) cond()             {}
func (Any) cond()             {}
func (Not) cond()             {}

func (Always) Match(c Context) bool            { return true }
func (x AttemptsAtLeast) Match(c Context) bool { return c.Attempts >= x.N }
func (x AttemptsBelow) Match(c Context) bool   { return c.Attempts < x.N }
func (x RecipientDomain) Match(c Context) bool { return matchDomain(x.Domains, c.RecipientDomain) }
func (x SenderDomain) Match(c Context) bool    { return matchDomain(x.Domains, c.SenderDomain) }

func (x Fact) Match(c Context) bool {
	v, ok := c.Facts[x.Name]
	return ok && v == x.Value
}

func (x All) Match(c Context) bool {
	for _, e := range x {
		if !e.Match(c) {
			return false
		}
	}
	return true
}

func (x Any) Match(c Context) bool {
	for _, e := range x {
		if e.Match(c) {
			return true
		}
	}
	return false
}

func (x Not) Match(c Context) bool { return !x.Cond.Match(c) }

func (Always) String() string            { return "always" }
func (x AttemptsAtLeast) String() string { return fmt.Sprintf("attempts>=%d", x.N) }
func (x AttemptsBelow) String() string   { return fmt.Sprintf("attempts<%d", x.N) }
func (x RecipientDomain) String() string { return "rcptdomain(" + strings.Join(x.Domains, ",") + ")" }
func (x SenderDomain) String() string    { return "senderdomain(" + strings.Join(x.Domains, ",") + ")" }
func (x Fact) String() string            { return fmt.Sprintf("fact(%s=%s)", x.Name, x.Value) }
func (x All) String() string             { return "all(" + condStrings(x) + ")" }
func (x Any) String() string             { return "any(" + condStrings(x) + ")" }
func (x Not) String() string             { return "not(" + x.Cond.String() + ")" }

func condStrings(l []Cond) string {
	var s []string
	for _, c := range l {
		s = append(s, c.String())
	}
	return strings.Join(s, ",")
}

// Domains in conditions are lower-case ASCII (IDNA). A zero domain never
// matches.
func matchDomain(l []string, d dns.Domain) bool {
	if d.IsZero() {
		return false
	}
	for _, e := range l {
		if d.ASCII == e || strings.HasPrefix(e, ".") && (d.ASCII == e[1:] || strings.HasSuffix(d.ASCII, e)) {
			return true
		}
	}
	return false
}

// unconditional returns whether c is satisfied by every context. Only
// structurally obvious cases are recognized.
func unconditional(c Cond) bool {
	switch x := c.(type) {
	case nil, Always:
		return true
	case AttemptsAtLeast:
		return x.N <= 0
	case All:
		for _, e := range x {
			if !unconditional(e) {
				return false
			}
		}
		return true
	case Any:
		for _, e := range x {
			if unconditional(e) {
				return true
			}
		}
	}
	return false
}

// validate checks for nil conditions nested in All/Any/Not, and normalizes
// domains to lower-case ASCII.
func validate(c Cond) (Cond, error) {
	switch x := c.(type) {
	case RecipientDomain:
		l, err := normalizeDomains(x.Domains)
		return RecipientDomain{l}, err
	case SenderDomain:
		l, err := normalizeDomains(x.Domains)
		return SenderDomain{l}, err
	case Fact:
		if x.Name == "" {
			return nil, fmt.Errorf("fact without name")
		}
	case All:
		l := make(All, len(x))
		for i, e := range x {
			ne, err := validateNested(e)
			if err != nil {
				return nil, err
			}
			l[i] = ne
		}
		return l, nil
	case Any:
		if len(x) == 0 {
			return nil, fmt.Errorf("any without conditions")
		}
		l := make(Any, len(x))
		for i, e := range x {
			ne, err := validateNested(e)
			if err != nil {
				return nil, err
			}
			l[i] = ne
		}
		return l, nil
	case Not:
		ne, err := validateNested(x.Cond)
		if err != nil {
			return nil, err
		}
		return Not{ne}, nil
	}
	return c, nil
}

func validateNested(c Cond) (Cond, error) {
	if c == nil {
		return nil, fmt.Errorf("missing nested condition")
	}
	return validate(c)
}

func normalizeDomains(l []string) ([]string, error) {
	if len(l) == 0 {
		return nil, fmt.Errorf("domain condition without domains")
	}
	r := make([]string, len(l))
	for i, s := range l {
		var dot string
		if strings.HasPrefix(s, ".") {
			dot = "."
			s = s[1:]
		}
		d, err := dns.ParseDomain(s)
		if err != nil {
			return nil, fmt.Errorf("parsing domain %q: %v", s, err)
		}
		r[i] = dot + d.ASCII
	}
	return r, nil
}
