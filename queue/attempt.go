package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/dnscache"
	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/routing"
	"github.com/mjl-/outq/smtp"
)

var (
	metricAttempt = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outq_queue_attempt_duration_seconds",
			Help:    "Delivery attempts for a batch of recipients through a route, including resolving endpoints.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"route",
			"result", // ok, okpartial, temperror, permerror, timeout, canceled
		},
	)
)

// Result of a delivery attempt for a recipient.
type Result int

const (
	TemporaryFailure Result = iota
	PermanentFailure
	Success
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case PermanentFailure:
		return "permanent"
	}
	return "temporary"
}

// Outcome of an attempt for a single recipient.
type Outcome struct {
	Result     Result
	Detail     string // Error message or response text.
	Code       int    // SMTP reply code, if any.
	Secode     string // Enhanced status code without class, e.g. "1.1", if any.
	RemoteHost string // Host that gave the response, empty if none was reached.
}

// Endpoint is a host to deliver to, with its resolved addresses.
type Endpoint struct {
	Host dns.IPDomain
	IPs  []net.IP
	Port int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host.XString(false), e.Port)
}

// Attempt is a delivery of a message to one or more recipients at an
// endpoint, through a route.
type Attempt struct {
	Route      routing.Route
	Endpoint   Endpoint
	Msg        Msg
	Open       func() (io.ReadCloser, error) // Returns a new reader for the message.
	Recipients []Recipient
}

// Adapter makes delivery attempts. All failures, including connection and TLS
// failures, are returned as outcomes. The result has an outcome per recipient
// ID. Recipients without outcome, e.g. when ctx expired, get a temporary
// failure.
type Adapter interface {
	Attempt(ctx context.Context, a Attempt) map[int64]Outcome
}

// batch is a group of recipients of the same message, delivered through the
// same route to the same endpoint.
type batch struct {
	msgID    int64
	route    routing.Route
	endpoint string // Recipient domain for mx routes, host:port for relays.
	rcpts    []Recipient
	release  func()
}

// deliver attempts delivery for a batch of recipients that are inflight. It
// runs in its own goroutine. Each recipient gets an outcome.
func (q *Queue) deliver(ctx context.Context, log mlog.Log, b batch) {
	start := time.Now()
	ids := make([]int64, len(b.rcpts))
	for i, r := range b.rcpts {
		ids[i] = r.ID
	}
	outcomes := map[int64]Outcome{}

	qlog := log.WithCid(b.rcpts[0].AttemptID).With(
		slog.Int64("msgid", b.msgID),
		slog.String("route", b.route.Name),
		slog.String("endpoint", b.endpoint))

	defer func() {
		b.release()
		q.attemptDone(ids)
		q.wg.Done()
	}()

	var ctxErr error
	defer func() {
		x := recover()
		if x != nil {
			qlog.Error("deliver panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Queue)
		}
		// Every recipient must leave the inflight state, also after a panic.
		q.settle(qlog, b, outcomes, x)
		metricAttempt.WithLabelValues(b.route.Name, attemptResult(ctxErr, outcomes)).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	// The deadline is the route timeout, but not beyond the first expiry of a
	// recipient, so it can still fail before its expiry.
	deadline := start.Add(b.route.EffectiveTimeout())
	for _, r := range b.rcpts {
		if !r.Expiry.IsZero() && r.Expiry.Before(deadline) && r.Expiry.After(start) {
			deadline = r.Expiry
		}
	}
	actx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	actx = context.WithValue(actx, mlog.CidKey, b.rcpts[0].AttemptID)

	m, _, err := q.store.Load(actx, b.msgID)
	if err != nil {
		qlog.Errorx("loading message for delivery", err)
		ctxErr = actx.Err()
		return
	}
	open := func() (io.ReadCloser, error) {
		return q.store.OpenBody(actx, b.msgID)
	}

	if b.route.Kind == routing.KindRelay {
		q.deliverRelay(actx, qlog, b, m, open, outcomes)
	} else {
		q.deliverMX(actx, qlog, b, m, open, outcomes)
	}
	ctxErr = actx.Err()
}

func (q *Queue) deliverRelay(ctx context.Context, log mlog.Log, b batch, m Msg, open func() (io.ReadCloser, error), outcomes map[int64]Outcome) {
	host, err := dns.ParseIPDomain(b.route.Host)
	if err != nil {
		failAll(b.rcpts, outcomes, Outcome{Result: TemporaryFailure, Detail: fmt.Sprintf("parsing relay host: %v", err), Secode: smtp.SeSys3Misconfigured5})
		return
	}
	ep, o, ok := q.resolveEndpoint(ctx, host, b.route.EffectivePort())
	if !ok {
		failAll(b.rcpts, outcomes, o)
		return
	}
	q.attempt(ctx, log, Attempt{b.route, ep, m, open, b.rcpts}, outcomes)
}

// deliverMX tries the MX hosts of the recipient domain in order of
// preference. Recipients that got a temporary failure at one host are tried at
// the next.
func (q *Queue) deliverMX(ctx context.Context, log mlog.Log, b batch, m Msg, open func() (io.ReadCloser, error), outcomes map[int64]Outcome) {
	dom := b.rcpts[0].Domain
	if dom.IsIP() {
		ep := Endpoint{Host: dom, IPs: []net.IP{dom.IP}, Port: b.route.EffectivePort()}
		q.attempt(ctx, log, Attempt{b.route, ep, m, open, b.rcpts}, outcomes)
		return
	}

	mxl, err := q.resolver.LookupMX(ctx, dom.Domain)
	if err != nil {
		o := Outcome{Result: TemporaryFailure, Detail: err.Error(), Secode: smtp.SeNet4Name3}
		if dnscache.IsPermanent(err) {
			o = Outcome{Result: PermanentFailure, Detail: err.Error(), Code: smtp.C556DomainNoMail, Secode: smtp.SeAddr1NullMX}
		}
		failAll(b.rcpts, outcomes, o)
		return
	}

	pending := b.rcpts
	for _, mx := range mxl {
		if ctx.Err() != nil {
			break
		}
		ep, o, ok := q.resolveEndpoint(ctx, dns.IPDomain{Domain: mx.Host}, b.route.EffectivePort())
		if !ok {
			log.Debug("skipping mx host", slog.Any("host", mx.Host), slog.String("err", o.Detail))
			failAll(pending, outcomes, o)
			continue
		}
		q.attempt(ctx, log, Attempt{b.route, ep, m, open, pending}, outcomes)
		var next []Recipient
		for _, r := range pending {
			if outcomes[r.ID].Result == TemporaryFailure {
				next = append(next, r)
			}
		}
		pending = next
		if len(pending) == 0 {
			break
		}
	}
}

// resolveEndpoint looks up the IPs of host. On failure, the outcome for the
// recipients is returned.
func (q *Queue) resolveEndpoint(ctx context.Context, host dns.IPDomain, port int) (Endpoint, Outcome, bool) {
	if host.IsIP() {
		return Endpoint{Host: host, IPs: []net.IP{host.IP}, Port: port}, Outcome{}, true
	}
	ips, err := q.resolver.LookupIP(ctx, host.Domain)
	if err != nil {
		return Endpoint{}, Outcome{Result: TemporaryFailure, Detail: err.Error(), Secode: smtp.SeNet4Name3, RemoteHost: host.XString(false)}, false
	}
	return Endpoint{Host: host, IPs: ips, Port: port}, Outcome{}, true
}

// attempt calls the adapter and merges its outcomes. Recipients without an
// outcome from the adapter get a temporary failure.
func (q *Queue) attempt(ctx context.Context, log mlog.Log, a Attempt, outcomes map[int64]Outcome) {
	log.Debug("attempting delivery", slog.Any("endpoint", a.Endpoint), slog.Int("recipients", len(a.Recipients)))
	result := q.adapter.Attempt(ctx, a)
	for _, r := range a.Recipients {
		o, ok := result[r.ID]
		if !ok {
			detail := "no outcome from transport"
			if err := ctx.Err(); err != nil {
				detail = err.Error()
			}
			o = Outcome{Result: TemporaryFailure, Detail: detail, Secode: smtp.SeNet4Other0, RemoteHost: a.Endpoint.Host.XString(false)}
		}
		outcomes[r.ID] = o
	}
}

func failAll(rcpts []Recipient, outcomes map[int64]Outcome, o Outcome) {
	for _, r := range rcpts {
		outcomes[r.ID] = o
	}
}

func attemptResult(ctxErr error, outcomes map[int64]Outcome) string {
	var ok, perm, temp int
	for _, o := range outcomes {
		switch o.Result {
		case Success:
			ok++
		case PermanentFailure:
			perm++
		default:
			temp++
		}
	}
	switch {
	case ok > 0 && perm+temp == 0:
		return "ok"
	case ok > 0:
		return "okpartial"
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(ctxErr, context.Canceled):
		return "canceled"
	case perm > 0 && temp == 0:
		return "permerror"
	}
	return "temperror"
}
