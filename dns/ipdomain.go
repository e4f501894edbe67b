package dns

import (
	"net"
	"strings"
)

// IPDomain is an ip address, a domain, or empty.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// String returns a string representation of either the IP or domain (with
// UTF-8).
func (d IPDomain) String() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.Name()
}

// LogString returns a string with both ASCII-only and optional UTF-8
// representation.
func (d IPDomain) LogString() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.LogString()
}

// XString is like String, but only returns UTF-8 domains if utf8 is true.
func (d IPDomain) XString(utf8 bool) string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.XName(utf8)
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}

// ParseIPDomain parses s as an IP address, optionally in SMTP address
// literal syntax ([1.2.3.4], [IPv6:::1]), or as a domain name.
func ParseIPDomain(s string) (IPDomain, error) {
	ls := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	ls = strings.TrimPrefix(ls, "IPv6:")
	if ip := net.ParseIP(ls); ip != nil {
		return IPDomain{IP: ip}, nil
	}
	d, err := ParseDomain(s)
	if err != nil {
		return IPDomain{}, err
	}
	return IPDomain{Domain: d}, nil
}
