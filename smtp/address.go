package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/outq/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is the decoded part of an address before the "@". Quoting and
// escaping are removed. An empty localpart is valid.
type Localpart string

func isAtext(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// String returns the localpart as dot-string if possible, and as quoted-string
// otherwise, for use in SMTP commands and headers.
func (lp Localpart) String() string {
	dotstr := true
	for _, atom := range strings.Split(string(lp), ".") {
		if atom == "" || strings.IndexFunc(atom, func(c rune) bool { return !isAtext(c) }) >= 0 {
			dotstr = false
			break
		}
	}
	if dotstr {
		return string(lp)
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// DSNString returns the localpart for use in a DSN. Without utf8, characters
// outside printable ASCII and the specials "\", "+" and "=" are encoded as
// utf-8-addr-xtext from RFC 6533.
func (lp Localpart) DSNString(utf8 bool) string {
	if utf8 {
		return lp.String()
	}
	var b strings.Builder
	for _, c := range lp {
		if c > 0x20 && c < 0x7f && c != '\\' && c != '+' && c != '=' {
			b.WriteRune(c)
		} else {
			fmt.Fprintf(&b, `\x{%x}`, c)
		}
	}
	return b.String()
}

// IsInternational returns whether the localpart has non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	return strings.IndexFunc(string(lp), func(c rune) bool { return c > 0x7f }) >= 0
}

// Address is a parsed email address with a domain (not an IP literal).
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Path returns the address as SMTP path.
func (a Address) Path() Path {
	return Path{Localpart: a.Localpart, IPDomain: dns.IPDomain{Domain: a.Domain}}
}

// Pack returns the address for use in SMTP, with a unicode domain only if
// smtputf8 is set.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// ParseAddress parses an address of the form localpart@domain. UTF-8 is
// allowed in both parts.
func ParseAddress(s string) (Address, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	rem, ok := strings.CutPrefix(rem, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses s as localpart only, without trailing data.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

// parseLocalpart parses a dot-string or quoted-string from the start of s and
// returns it with the remainder.
func parseLocalpart(s string) (lp Localpart, rem string, err error) {
	var r string
	if strings.HasPrefix(s, `"`) {
		r, rem, err = parseQuoted(s[1:])
	} else {
		r, rem, err = parseDotString(s)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadLocalpart, err)
	}
	// Generated bounce addresses in the wild exceed the 64 octets from RFC 5321.
	if len(r) > 128 {
		return "", "", fmt.Errorf("%w: localpart longer than 128 octets", ErrBadLocalpart)
	}
	return Localpart(r), rem, nil
}

func parseDotString(s string) (string, string, error) {
	var b strings.Builder
	for {
		n := strings.IndexFunc(s, func(c rune) bool { return !isAtext(c) })
		if n < 0 {
			n = len(s)
		}
		if n == 0 {
			if s == "" {
				return "", "", errors.New("need at least one char for atom")
			}
			return "", "", fmt.Errorf("expected at least one char for atom, got %q", s[:1])
		}
		b.WriteString(s[:n])
		s = s[n:]
		if !strings.HasPrefix(s, ".") {
			return b.String(), s, nil
		}
		b.WriteByte('.')
		s = s[1:]
	}
}

func parseQuoted(s string) (string, string, error) {
	var b strings.Builder
	var esc bool
	for i, c := range s {
		switch {
		case esc:
			if c < ' ' || c >= 0x7f {
				return "", "", fmt.Errorf("bad escaped char %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c < 0x7f || c > 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("invalid character %q", c)
		}
	}
	return "", "", errors.New("missing closing double quote")
}
