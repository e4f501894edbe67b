package smtp

import (
	"fmt"
	"strings"

	"github.com/mjl-/outq/dns"
)

// Path is an SMTP forward or reverse path as used in MAIL FROM and RCPT TO.
// The zero value is the null reverse path "<>".
type Path struct {
	Localpart Localpart
	IPDomain  dns.IPDomain
}

func (p Path) IsZero() bool {
	return p.Localpart == "" && p.IPDomain.IsZero()
}

// String returns the path with ASCII-only domain, without angle brackets.
func (p Path) String() string {
	return p.XString(false)
}

// XString is like String, with unicode domain names if utf8 is set.
func (p Path) XString(utf8 bool) string {
	if p.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.IPDomain.XString(utf8)
}

// DSNString returns the path for the address fields in a DSN. Without utf8,
// the domain is IDNA and the localpart is encoded as utf-8-addr-xtext.
func (p Path) DSNString(utf8 bool) string {
	if utf8 {
		return p.XString(true)
	}
	return p.Localpart.DSNString(false) + "@" + p.IPDomain.XString(false)
}

// Equal compares localparts exactly and domains case-insensitively.
func (p Path) Equal(o Path) bool {
	if p.Localpart != o.Localpart {
		return false
	}
	if len(p.IPDomain.IP) > 0 || len(o.IPDomain.IP) > 0 {
		return p.IPDomain.IP.Equal(o.IPDomain.IP)
	}
	return strings.EqualFold(p.IPDomain.Domain.ASCII, o.IPDomain.Domain.ASCII)
}

// ParsePath parses a path as found in a queued message, with optional angle
// brackets. An empty string or "<>" is the null path.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "<"), ">")
	if s == "" {
		return Path{}, nil
	}
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	rem, ok := strings.CutPrefix(rem, "@")
	if !ok {
		return Path{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	ipd, err := dns.ParseIPDomain(rem)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Path{lp, ipd}, nil
}
