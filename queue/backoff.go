package queue

import (
	"time"

	"github.com/mjl-/outq/outq-"
)

var jitter = outq.NewPseudoRand()

// Backoff determines the delay before the next attempt after a temporary
// failure. With the defaults, attempts are made after 0, 7.5m, 15m, 30m, 1h,
// 2h, 4h, 8h, 16h, then every 24h until expiry.
type Backoff struct {
	Initial time.Duration // Delay after the first failed attempt. Default 7.5m.
	Max     time.Duration // Upper bound for the delay. Default 24h.
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = 7*time.Minute + 30*time.Second
	}
	if b.Max <= 0 {
		b.Max = 24 * time.Hour
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the delay after attempts failed attempts, at least 1. The
// delay doubles with each attempt until Max. A random jitter below a tenth
// of Initial is added before capping at Max, spreading retries for many
// recipients that failed at the same time. Delays never decrease with more
// attempts: the jitter is smaller than the doubling step, and once capped
// the delay is Max.
func (b Backoff) Delay(attempts int) time.Duration {
	b = b.withDefaults()
	d := b.Initial
	for i := 1; i < attempts && d < b.Max; i++ {
		d *= 2
	}
	if j := int64(b.Initial / 10); j > 0 {
		d += time.Duration(jitter.Int63n(j))
	}
	return min(d, b.Max)
}

// nextDue returns the time for the next attempt after a temporary failure at
// now, clamped to expiry.
func (b Backoff) nextDue(attempts int, now, expiry time.Time) time.Time {
	due := now.Add(b.Delay(attempts))
	if !expiry.IsZero() && due.After(expiry) {
		return expiry
	}
	return due
}
