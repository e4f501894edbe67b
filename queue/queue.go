// Package queue is the outbound delivery queue: it schedules delivery attempts
// for queued recipients, through routes selected by a routing policy, limited
// by route concurrency, and processes the outcomes with retries, expiry and
// delivery status notifications.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/mjl-/outq/dnscache"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/outq-"
	"github.com/mjl-/outq/routing"
	"github.com/mjl-/outq/smtp"
)

var (
	metricFinal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_queue_recipient_final_total",
			Help: "Recipients that reached a final state.",
		},
		[]string{
			"state", // delivered, failed
		},
	)
	metricHeld = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outq_queue_held_total",
			Help: "Recipients held because no route could be selected.",
		},
	)
	metricSaturated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_queue_route_saturated_total",
			Help: "Batches not started because all slots of the route were in use.",
		},
		[]string{"route"},
	)
)

// DefaultExpiry is the time after enqueue after which temporary failures
// become permanent.
const DefaultExpiry = 5 * 24 * time.Hour

// Config for a Queue. Store, Resolver, Adapter and Policy are required.
type Config struct {
	Store    Store
	Resolver *dnscache.Cache
	Adapter  Adapter
	Notifier Notifier // Optional, for DSNs.

	Policy *routing.Policy
	Facts  map[string]string // Administrator facts for routing conditions.

	Backoff   Backoff
	Expiry    time.Duration // Default DefaultExpiry.
	BatchSize int           // Recipients to consider per scheduling pass. Default 100.

	Log *slog.Logger
	Now func() time.Time // For tests.
}

type routingState struct {
	policy *routing.Policy
	facts  map[string]string
}

// slot limits concurrent attempts through a route.
type slot struct {
	concurrency int
	sem         *semaphore.Weighted
}

// Queue schedules deliveries. Start the delivery loop with Start. Operator
// functions can be called concurrently.
type Queue struct {
	store    Store
	resolver *dnscache.Cache
	adapter  Adapter
	notifier Notifier
	backoff  Backoff
	expiry   time.Duration
	batch    int
	log      mlog.Log
	now      func() time.Time

	routing atomic.Pointer[routingState]

	kickc   chan struct{}
	results chan []int64
	stopped chan struct{} // Closed when the loop has stopped.
	wg      sync.WaitGroup

	// Only accessed by the loop goroutine.
	busy           map[int64]struct{} // Recipients in an attempt from this process.
	blocked        map[int64]struct{} // Recipients not started for lack of a route slot, until a slot is released or routing changes.
	blockedRouting *routingState      // Routing of the pass that filled blocked.
	slots          map[string]*slot
}

// New returns a queue. Call Start to begin deliveries.
func New(c Config) (*Queue, error) {
	if c.Store == nil || c.Resolver == nil || c.Adapter == nil {
		return nil, fmt.Errorf("queue needs store, resolver and adapter")
	}
	if c.Policy == nil {
		return nil, &routing.ConfigError{Reason: "no routing policy"}
	}
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	q := &Queue{
		store:    c.Store,
		resolver: c.Resolver,
		adapter:  c.Adapter,
		notifier: c.Notifier,
		backoff:  c.Backoff.withDefaults(),
		expiry:   c.Expiry,
		batch:    c.BatchSize,
		log:      mlog.New("queue", c.Log),
		now:      c.Now,
		kickc:    make(chan struct{}, 1),
		results:  make(chan []int64),
		stopped:  make(chan struct{}),
		busy:     map[int64]struct{}{},
		blocked:  map[int64]struct{}{},
		slots:    map[string]*slot{},
	}
	q.routing.Store(&routingState{c.Policy, c.Facts})
	return q, nil
}

// SetRouting replaces the routing policy and facts, e.g. after reloading the
// configuration. Attempts in progress keep their route. Recipients waiting for a
// route slot are evaluated again in the next pass.
func (q *Queue) SetRouting(p *routing.Policy, facts map[string]string) {
	q.routing.Store(&routingState{p, facts})
	q.kick()
}

func (q *Queue) kick() {
	select {
	case q.kickc <- struct{}{}:
	default:
	}
}

// Start resets recipients left inflight by a previous process and starts the
// delivery loop. The loop stops when ctx is canceled; attempts in progress are
// aborted, use Wait to wait for them.
func (q *Queue) Start(ctx context.Context) error {
	n, err := q.store.ResetInFlight(ctx)
	if err != nil {
		return fmt.Errorf("resetting inflight recipients: %w", err)
	}
	if n > 0 {
		q.log.Info("rescheduled recipients with interrupted attempts", slog.Int("count", n))
	}

	go func() {
		defer close(q.stopped)

		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.kickc:
			case <-timer.C:
			case ids := <-q.results:
				for _, id := range ids {
					delete(q.busy, id)
				}
				// A slot was released, blocked recipients may go now.
				clear(q.blocked)
			}

			q.launchWork(ctx)
			timer.Reset(q.nextWork(ctx))
		}
	}()
	return nil
}

// Wait waits until the loop has stopped and attempts have finished.
func (q *Queue) Wait() {
	<-q.stopped
	q.wg.Wait()
}

func (q *Queue) attemptDone(ids []int64) {
	select {
	case q.results <- ids:
	case <-q.stopped:
	}
}

func (q *Queue) exclude() map[int64]struct{} {
	if len(q.busy) == 0 {
		return q.blocked
	}
	l := make(map[int64]struct{}, len(q.busy)+len(q.blocked))
	for id := range q.busy {
		l[id] = struct{}{}
	}
	for id := range q.blocked {
		l[id] = struct{}{}
	}
	return l
}

func (q *Queue) nextWork(ctx context.Context) time.Duration {
	due, err := q.store.NextDueTime(ctx, q.exclude())
	if errors.Is(err, ErrAbsent) {
		return 24 * time.Hour
	} else if err != nil {
		q.log.Errorx("finding time for next delivery attempt", err)
		return time.Minute
	}
	return max(due.Sub(q.now()), 0)
}

type batchKey struct {
	msgID    int64
	route    string
	endpoint string
}

// launchWork starts attempts for due recipients, at most one per batch of
// recipients sharing message, route and endpoint.
func (q *Queue) launchWork(ctx context.Context) {
	q.completePending(ctx)

	rs := q.routing.Load()
	if rs != q.blockedRouting {
		// Blocked recipients may be on another route now.
		clear(q.blocked)
		q.blockedRouting = rs
	}

	now := q.now()
	rcpts, err := q.store.NextDue(ctx, now, q.batch, q.exclude())
	if err != nil {
		q.log.Errorx("querying for work in queue", err)
		outq.Sleep(ctx, time.Second)
		return
	}
	if len(rcpts) == 0 {
		return
	}

	msgs := map[int64]Msg{}
	var order []batchKey
	batches := map[batchKey]*batch{}
	for _, r := range rcpts {
		m, ok := msgs[r.MsgID]
		if !ok {
			m, _, err = q.store.Load(ctx, r.MsgID)
			if err != nil {
				q.log.Errorx("loading message for recipient", err, slog.Int64("msgid", r.MsgID), slog.Int64("rcptid", r.ID))
				continue
			}
			msgs[r.MsgID] = m
		}

		rc := routing.Context{
			Attempts:        r.Attempts,
			RecipientDomain: r.Domain.Domain,
			SenderDomain:    m.SenderDomain.Domain,
			Facts:           rs.facts,
		}
		route, err := rs.policy.Evaluate(rc)
		if err != nil {
			q.hold(ctx, r, err)
			continue
		}

		k := batchKey{r.MsgID, route.Name, route.Endpoint(r.DomainStr)}
		b, ok := batches[k]
		if !ok {
			b = &batch{msgID: r.MsgID, route: route, endpoint: k.endpoint}
			batches[k] = b
			order = append(order, k)
		}
		b.rcpts = append(b.rcpts, r)
	}

	for _, k := range order {
		b := batches[k]
		release, ok := q.acquire(b.route)
		if !ok {
			metricSaturated.WithLabelValues(b.route.Name).Inc()
			q.log.Debug("no slot for route, recipients stay scheduled", slog.String("route", b.route.Name), slog.Int("recipients", len(b.rcpts)))
			for _, r := range b.rcpts {
				q.blocked[r.ID] = struct{}{}
			}
			continue
		}

		attemptID := outq.Cid()
		var inflight []Recipient
		for _, r := range b.rcpts {
			nr, err := q.store.BeginAttempt(ctx, r.ID, attemptID, b.route.Name, now)
			if err != nil {
				q.log.Infox("recipient not started", err, slog.Int64("rcptid", r.ID))
				continue
			}
			inflight = append(inflight, nr)
			q.busy[r.ID] = struct{}{}
		}
		if len(inflight) == 0 {
			release()
			continue
		}
		b.rcpts = inflight
		b.release = release
		q.wg.Add(1)
		go q.deliver(ctx, q.log, *b)
	}
}

// acquire takes a slot of the route without blocking.
func (q *Queue) acquire(r routing.Route) (release func(), ok bool) {
	if r.Concurrency <= 0 {
		return func() {}, true
	}
	s := q.slots[r.Name]
	if s == nil || s.concurrency != r.Concurrency {
		// Routes changed by a reload get a new semaphore. Attempts holding
		// a slot of the old one release to the old one.
		s = &slot{r.Concurrency, semaphore.NewWeighted(int64(r.Concurrency))}
		q.slots[r.Name] = s
	}
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { s.sem.Release(1) }) }, true
}

// hold marks a recipient for which no route could be selected.
func (q *Queue) hold(ctx context.Context, r Recipient, err error) {
	metricHeld.Inc()
	q.log.Errorx("no route for recipient, holding", err, slog.Int64("rcptid", r.ID), slog.Int64("msgid", r.MsgID))
	nr := r
	nr.State = StateHeld
	nr.LastError = err.Error()
	if err := q.store.UpdateRecipient(ctx, nr, StateScheduled, r.AttemptID); err != nil {
		q.log.Errorx("storing held state for recipient", err, slog.Int64("rcptid", r.ID))
	}
}

// applyOutcome returns r updated for outcome o of an attempt.
func (q *Queue) applyOutcome(r Recipient, o Outcome, now time.Time) Recipient {
	r.Attempts++
	r.LastError = o.Detail
	r.LastCode = o.Code
	r.LastSecode = o.Secode
	r.RemoteMTA = o.RemoteHost
	switch o.Result {
	case Success:
		r.State = StateDelivered
	case PermanentFailure:
		r.State = StateFailed
	default:
		if !r.Expiry.IsZero() && !now.Before(r.Expiry) {
			r.State = StateFailed
			r.LastError = "delivery expired: " + o.Detail
			r.LastSecode = smtp.SeNet4DeliveryExpired7
			break
		}
		r.State = StateScheduled
		due := q.backoff.nextDue(r.Attempts, now, r.Expiry)
		if due.After(r.Due) {
			r.Due = due
		}
	}
	return r
}

// settle stores the outcomes of an attempt. Recipients without outcome get a
// temporary failure. Writes are done without the attempt context, they must
// also happen for canceled attempts.
func (q *Queue) settle(log mlog.Log, b batch, outcomes map[int64]Outcome, panicked any) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := q.now()
	var terminal bool
	for _, r := range b.rcpts {
		o, ok := outcomes[r.ID]
		if !ok {
			o = Outcome{Result: TemporaryFailure, Detail: "delivery attempt aborted", Secode: smtp.SeNet4Other0}
			if panicked != nil {
				o.Detail = "internal error during delivery attempt"
				o.Secode = smtp.SeSys3Other0
			}
		}
		nr := q.applyOutcome(r, o, now)
		rlog := log.With(
			slog.Int64("rcptid", r.ID),
			slog.Any("recipient", r.Path()),
			slog.Int("attempts", nr.Attempts))
		err := q.store.UpdateRecipient(ctx, nr, StateInFlight, r.AttemptID)
		if errors.Is(err, ErrStale) || errors.Is(err, ErrAbsent) {
			rlog.Infox("outcome for recipient not stored, changed or removed during attempt", err)
			continue
		} else if err != nil {
			rlog.Errorx("storing outcome for recipient", err)
			continue
		}
		switch nr.State {
		case StateDelivered:
			rlog.Info("delivered", slog.String("remote", o.RemoteHost))
		case StateFailed:
			rlog.Errorx("delivery failed", errors.New(nr.LastError), slog.Int("code", o.Code), slog.String("secode", nr.LastSecode))
		default:
			rlog.Infox("temporary failure, will retry", errors.New(o.Detail), slog.Time("due", nr.Due))
		}
		if nr.State.Terminal() {
			terminal = true
			metricFinal.WithLabelValues(string(nr.State)).Inc()
		}
	}
	if terminal {
		q.complete(ctx, log, b.msgID)
	}
}

// Time a completing caller holds a message for sending its report. Also the
// delay before retrying a failed report.
const notifyClaim = 5 * time.Minute

// complete removes the message if all recipients are terminal, after sending
// a report to the notifier if needed. Only one caller completes a message. If
// the notifier fails, the message is kept and completion is tried again by
// the loop. The logger carries the message id.
func (q *Queue) complete(ctx context.Context, log mlog.Log, msgID int64) {
	_, err := q.store.Complete(ctx, msgID, q.now(), notifyClaim, func(m Msg, rcpts []Recipient) error {
		rep := makeReport(m, rcpts)
		if len(rep.Recipients) == 0 || q.notifier == nil {
			return nil
		}
		if m.IsDSN || m.Sender().IsZero() {
			log.Debug("not sending dsn for message with null sender")
			return nil
		}
		rep.Headers = q.readHeaders(ctx, log, msgID)
		if err := q.notifier.Notify(ctx, rep); err != nil {
			return fmt.Errorf("sending delivery status notification (attempt %d): %w", m.NotifyAttempts, err)
		}
		return nil
	})
	if err != nil {
		log.Errorx("completing message, will retry", err, slog.Duration("retryin", notifyClaim))
	}
}

// completePending retries completion of messages for which sending a report
// failed earlier.
func (q *Queue) completePending(ctx context.Context) {
	ids, err := q.store.PendingNotify(ctx, q.now())
	if err != nil {
		q.log.Errorx("listing messages with pending report", err)
		return
	}
	for _, id := range ids {
		q.complete(ctx, q.log.With(slog.Int64("msgid", id)), id)
	}
}

// Enqueue adds a message for delivery and kicks the queue. Recipients without
// Due are due immediately, recipients without Expiry get the configured
// expiry.
func (q *Queue) Enqueue(ctx context.Context, m *Msg, body io.Reader, rcpts []Recipient) error {
	now := q.now()
	if m.Queued.IsZero() {
		m.Queued = now
	}
	for i := range rcpts {
		rcpts[i].State = StateScheduled
		if rcpts[i].Due.IsZero() {
			rcpts[i].Due = now
		}
		if rcpts[i].Expiry.IsZero() {
			rcpts[i].Expiry = now.Add(q.expiry)
		}
	}
	if err := q.store.Enqueue(ctx, m, body, rcpts); err != nil {
		return err
	}
	q.log.Debug("message queued", slog.Int64("msgid", m.ID), slog.Any("sender", m.Sender()), slog.Int("recipients", len(rcpts)))
	q.kick()
	return nil
}

// Retry schedules the next attempt for the recipient now. Held recipients
// become scheduled. Route concurrency limits still apply.
func (q *Queue) Retry(ctx context.Context, rcptID int64) (Recipient, error) {
	r, err := q.store.SetDue(ctx, rcptID, q.now())
	if err != nil {
		return Recipient{}, err
	}
	q.log.Info("retry requested", slog.Int64("rcptid", rcptID))
	q.kick()
	return r, nil
}

// Fail fails a scheduled or held recipient, as if delivery failed permanently.
// A DSN is sent if requested.
func (q *Queue) Fail(ctx context.Context, rcptID int64) error {
	r, err := q.store.Recipient(ctx, rcptID)
	if err != nil {
		return err
	}
	switch r.State {
	case StateInFlight:
		return ErrInFlight
	case StateDelivered, StateFailed:
		return ErrTerminal
	}
	nr := r
	nr.State = StateFailed
	nr.LastError = "delivery canceled by admin"
	nr.LastCode = 0
	nr.LastSecode = smtp.SeOther00
	nr.RemoteMTA = ""
	if err := q.store.UpdateRecipient(ctx, nr, r.State, r.AttemptID); err != nil {
		return err
	}
	metricFinal.WithLabelValues(string(StateFailed)).Inc()
	q.log.Info("recipient failed by admin", slog.Int64("rcptid", rcptID))
	q.complete(ctx, q.log.With(slog.Int64("msgid", r.MsgID)), r.MsgID)
	q.kick()
	return nil
}

// Drop removes a message and its recipients without DSN.
func (q *Queue) Drop(ctx context.Context, msgID int64) error {
	if err := q.store.Drop(ctx, msgID); err != nil {
		return err
	}
	q.log.Info("message dropped", slog.Int64("msgid", msgID))
	q.kick()
	return nil
}

// List returns recipients matching the filter, ordered by due time.
func (q *Queue) List(ctx context.Context, f Filter) ([]Recipient, error) {
	return q.store.List(ctx, f)
}

// Flush empties the DNS cache used for resolving endpoints.
func (q *Queue) Flush() int {
	return q.resolver.Flush()
}
