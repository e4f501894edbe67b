// Package ratelimit limits events per IP address and its surrounding subnets
// within fixed time windows, e.g. failed authentication attempts.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Prefix lengths of the three address classes that are counted: the address
// (or IPv6 /64), a small subnet and a larger subnet.
var (
	prefixes4 = [3]int{32, 26, 21}
	prefixes6 = [3]int{64, 48, 32}
)

type key struct {
	class  uint8
	masked [16]byte
}

// Window limits counts per address class within a fixed time window. Counts
// start at zero in each new window.
type Window struct {
	Duration time.Duration
	Limits   [3]int64 // For the address, the small subnet and the large subnet.

	period int64 // Start of current window, in Durations since the epoch.
	counts map[key]int64
}

// Limiter counts events per IP in one or more windows, typically a short
// window allowing bursts and a long window limiting the sustained rate.
type Limiter struct {
	sync.Mutex
	Windows []Window
}

func keys(ip net.IP) (l [3]key) {
	prefixes, bits := prefixes6, 128
	if ip.To4() != nil {
		prefixes, bits = prefixes4, 32
	}
	for i, ones := range prefixes {
		masked := ip.Mask(net.CIDRMask(ones, bits))
		l[i] = key{uint8(i), [16]byte(masked.To16())}
	}
	return
}

// Add counts n events for ip at tm if that keeps all counts within their
// limits, and returns whether it did.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.add(ip, tm, n, true)
}

// CanAdd returns whether Add would succeed, without counting.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.add(ip, tm, n, false)
}

func (l *Limiter) add(ip net.IP, tm time.Time, n int64, record bool) bool {
	l.Lock()
	defer l.Unlock()

	ks := keys(ip)
	for i := range l.Windows {
		w := &l.Windows[i]
		if period := tm.UnixNano() / int64(w.Duration); period > w.period || w.counts == nil {
			w.period = period
			w.counts = map[key]int64{}
		}
		for j, k := range ks {
			if w.counts[k]+n > w.Limits[j] {
				return false
			}
		}
	}
	if record {
		for _, w := range l.Windows {
			for _, k := range ks {
				w.counts[k] += n
			}
		}
	}
	return true
}

// Reset removes the counts of ip in the current windows, also from the counts
// of its subnets. Used after a successful authentication.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	ks := keys(ip)
	for _, w := range l.Windows {
		if w.counts == nil || tm.UnixNano()/int64(w.Duration) != w.period {
			continue
		}
		n := w.counts[ks[0]]
		for _, k := range ks {
			w.counts[k] -= n
		}
	}
}
