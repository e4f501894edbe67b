// Package webadmin serves the admin API over HTTP, for listing the queue
// and operating on queued messages, and prometheus metrics.
package webadmin

import (
	"context"
	"crypto/subtle"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/mail"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/outq-"
	"github.com/mjl-/outq/queue"
	"github.com/mjl-/outq/ratelimit"
	"github.com/mjl-/outq/smtp"
)

var pkglog = mlog.New("webadmin", nil)

//go:embed adminapi.json
var adminapiJSON []byte

var adminDoc = mustParseAPI("admin", adminapiJSON)

var collector *sherpaprom.Collector

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("outqadmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

type ctxKey string

// queueCtxKey holds the *queue.Queue for API calls.
const queueCtxKey ctxKey = "queue"

// Admin exports the admin API functions under /api/. Function calls require
// valid HTTP basic authentication, or a loopback connection if no password
// file is configured.
type Admin struct{}

// Handler serves the admin API and metrics.
type Handler struct {
	queue        *queue.Queue
	passwordFile string
	log          mlog.Log
	api          http.Handler
	metrics      http.Handler
	limiter      *ratelimit.Limiter // Of authentication attempts, reset on success.

	// We keep the last successful password hash and Authorization header, so we
	// don't bcrypt for each request. Reset by ManageAuthCache.
	authCache struct {
		sync.Mutex
		lastSuccessHash, lastSuccessAuth string
	}
}

// NewHandler returns a handler for the admin API of q. If passwordFile is
// empty, only loopback connections are allowed, without authentication.
func NewHandler(q *queue.Queue, passwordFile string, logger *slog.Logger) (*Handler, error) {
	doc := adminDoc
	api, err := sherpa.NewHandler("/api/", outq.Version, Admin{}, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	return &Handler{
		queue:        q,
		passwordFile: passwordFile,
		log:          mlog.New("webadmin", logger),
		api:          api,
		metrics:      promhttp.Handler(),
		limiter: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Duration: time.Minute, Limits: [...]int64{10, 30, 90}},
				{Duration: 24 * time.Hour, Limits: [...]int64{50, 150, 450}},
			},
		},
	}, nil
}

// ManageAuthCache periodically clears the authentication cache, until ctx is
// canceled. Started when serving.
func (h *Handler) ManageAuthCache(ctx context.Context) {
	for {
		h.authCache.Lock()
		h.authCache.lastSuccessHash = ""
		h.authCache.lastSuccessAuth = ""
		h.authCache.Unlock()
		if outq.Sleep(ctx, 15*time.Minute) {
			return
		}
	}
}

// checkAuth checks the request against the password file (with a bcrypt
// hash), or requires a loopback remote address without password file. The
// username is ignored. On failure, a response is written and false returned.
func (h *Handler) checkAuth(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	log := h.log.WithContext(ctx)

	respondAuthFail := func() bool {
		w.Header().Set("WWW-Authenticate", `Basic realm="outq admin"`)
		http.Error(w, "http 401 - unauthorized - outq admin - login with any username and the admin password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	start := time.Now()
	var remoteIP net.IP
	defer func() {
		metrics.AuthenticationInc("webadmin", "httpbasic", authResult)
		if authResult == "ok" && remoteIP != nil && h.passwordFile != "" {
			h.limiter.Reset(remoteIP, start)
		}
	}()

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err != nil {
		log.Errorx("parsing remote address", err, slog.String("addr", r.RemoteAddr))
	} else {
		remoteIP = net.ParseIP(host)
	}

	if h.passwordFile == "" {
		if remoteIP == nil || !remoteIP.IsLoopback() {
			authResult = "badcreds"
			log.Info("admin request from non-loopback address without password file", slog.Any("remote", remoteIP))
			http.Error(w, "http 403 - forbidden - admin api only available from loopback without password file", http.StatusForbidden)
			return false
		}
		authResult = "ok"
		return true
	}

	if remoteIP != nil && !h.limiter.Add(remoteIP, start, 1) {
		authResult = "ratelimited"
		metrics.AuthenticationRatelimitedInc("webadmin")
		http.Error(w, "http 429 - too many auth attempts", http.StatusTooManyRequests)
		return false
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(h.passwordFile)
	if err != nil {
		log.Errorx("reading admin password file", err, slog.String("path", h.passwordFile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))

	h.authCache.Lock()
	defer h.authCache.Unlock()
	if passwordhash != "" && passwordhash == h.authCache.lastSuccessHash && subtle.ConstantTimeCompare([]byte(authHdr), []byte(h.authCache.lastSuccessAuth)) == 1 {
		authResult = "ok"
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	_, password, ok := strings.Cut(string(auth), ":")
	if !ok || password == "" {
		log.Info("failed authentication attempt", slog.Any("remote", remoteIP))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(password)); err != nil {
		authResult = "badcreds"
		log.Info("failed authentication attempt", slog.Any("remote", remoteIP))
		return respondAuthFail()
	}
	h.authCache.lastSuccessHash = passwordhash
	h.authCache.lastSuccessAuth = authHdr
	authResult = "ok"
	return true
}

// ServeHTTP serves /metrics without authentication, and the API under /api/
// with authentication.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, outq.Cid())
	defer h.logPanic(ctx, w)

	switch {
	case r.URL.Path == "/metrics":
		h.metrics.ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/"):
		if !h.checkAuth(ctx, w, r) {
			// Response already sent.
			return
		}
		ctx = context.WithValue(ctx, queueCtxKey, h.queue)
		h.api.ServeHTTP(w, r.WithContext(ctx))
	default:
		http.NotFound(w, r)
	}
}

// logPanic recovers from a panic in an API call that is not a sherpa error,
// and responds with a server error.
func (h *Handler) logPanic(ctx context.Context, w http.ResponseWriter) {
	x := recover()
	if x == nil {
		return
	}
	h.log.WithContext(ctx).Error("recover from panic", slog.Any("panic", x))
	debug.PrintStack()
	metrics.PanicInc(metrics.Webadmin)
	http.Error(w, "500 - internal server error", http.StatusInternalServerError)
}

func xqueue(ctx context.Context) *queue.Queue {
	return ctx.Value(queueCtxKey).(*queue.Queue)
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Infox(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

// xcheckqueuef turns errors about the state of a recipient into user errors,
// and others into server errors.
func xcheckqueuef(ctx context.Context, err error, format string, args ...any) {
	if errors.Is(err, queue.ErrAbsent) {
		pkglog.WithContext(ctx).Debugx("not found", err)
		panic(&sherpa.Error{Code: "user:notFound", Message: fmt.Sprintf(format, args...) + ": not found"})
	}
	if errors.Is(err, queue.ErrInFlight) || errors.Is(err, queue.ErrTerminal) || errors.Is(err, queue.ErrFilter) || errors.Is(err, queue.ErrStale) {
		xcheckuserf(ctx, err, format, args...)
	}
	xcheckf(ctx, err, format, args...)
}

// QueueFilter selects recipients in the queue. Zero fields are not applied.
type QueueFilter struct {
	MsgID  int64
	States []string // scheduled, inflight, held, delivered, failed.
	To     string   // Substring of recipient address.
	Due    string   // "<$duration" or ">$duration" relative to now, e.g. "<1h", or "<now".
}

// QueueRecipient is a recipient of a queued message with its delivery state.
type QueueRecipient struct {
	ID          int64
	MsgID       int64
	Recipient   string
	State       string
	Attempts    int
	Due         time.Time
	Expiry      time.Time
	LastAttempt *time.Time
	LastError   string
	LastRoute   string
	RemoteMTA   string
}

func queueRecipient(r queue.Recipient) QueueRecipient {
	return QueueRecipient{
		ID:          r.ID,
		MsgID:       r.MsgID,
		Recipient:   r.Path().XString(true),
		State:       string(r.State),
		Attempts:    r.Attempts,
		Due:         r.Due,
		Expiry:      r.Expiry,
		LastAttempt: r.LastAttempt,
		LastError:   r.LastError,
		LastRoute:   r.LastRoute,
		RemoteMTA:   r.RemoteMTA,
	}
}

// QueueList returns the recipients in the queue matching the filter, ordered
// by due time.
func (Admin) QueueList(ctx context.Context, filter QueueFilter) []QueueRecipient {
	f := queue.Filter{
		MsgID: filter.MsgID,
		To:    filter.To,
		Due:   filter.Due,
	}
	for _, s := range filter.States {
		f.States = append(f.States, queue.State(s))
	}
	l, err := xqueue(ctx).List(ctx, f)
	xcheckqueuef(ctx, err, "listing queue")
	r := make([]QueueRecipient, len(l))
	for i, rcpt := range l {
		r[i] = queueRecipient(rcpt)
	}
	return r
}

// QueueAdd queues message for delivery from sender (empty for the null
// reverse path) to recipients, returning the id of the queued message. The
// message must have CRLF line endings.
func (Admin) QueueAdd(ctx context.Context, from string, to []string, message string) int64 {
	if len(to) == 0 {
		xcheckuserf(ctx, errors.New("no recipients"), "queueing message")
	}
	sender, err := smtp.ParsePath(from)
	xcheckuserf(ctx, err, "parsing sender")
	international := func(p smtp.Path) bool {
		return p.Localpart.IsInternational() || p.IPDomain.Domain.Unicode != ""
	}

	m := &queue.Msg{
		SenderLocalpart: sender.Localpart,
		SenderDomain:    sender.IPDomain,
		SMTPUTF8:        international(sender),
	}
	for _, c := range []byte(message) {
		if c >= 0x80 {
			m.Has8bit = true
			break
		}
	}
	if msg, err := mail.ReadMessage(strings.NewReader(message)); err != nil {
		xcheckuserf(ctx, err, "parsing message header")
	} else {
		m.MessageID = msg.Header.Get("Message-Id")
	}

	var rcpts []queue.Recipient
	for _, s := range to {
		p, err := smtp.ParsePath(s)
		xcheckuserf(ctx, err, "parsing recipient %q", s)
		if p.IsZero() {
			xcheckuserf(ctx, errors.New("empty recipient"), "parsing recipient")
		}
		m.SMTPUTF8 = m.SMTPUTF8 || international(p)
		rcpts = append(rcpts, queue.Recipient{Localpart: p.Localpart, Domain: p.IPDomain})
	}
	err = xqueue(ctx).Enqueue(ctx, m, strings.NewReader(message), rcpts)
	xcheckf(ctx, err, "queueing message")
	return m.ID
}

// QueueRetry schedules an attempt for a recipient now, also for a held
// recipient.
func (Admin) QueueRetry(ctx context.Context, rcptID int64) QueueRecipient {
	r, err := xqueue(ctx).Retry(ctx, rcptID)
	xcheckqueuef(ctx, err, "retrying recipient")
	return queueRecipient(r)
}

// QueueFail fails a recipient that is not in flight, sending a DSN if
// requested.
func (Admin) QueueFail(ctx context.Context, rcptID int64) {
	err := xqueue(ctx).Fail(ctx, rcptID)
	xcheckqueuef(ctx, err, "failing recipient")
}

// QueueDrop removes a message and all its recipients from the queue, without
// DSN.
func (Admin) QueueDrop(ctx context.Context, msgID int64) {
	err := xqueue(ctx).Drop(ctx, msgID)
	xcheckqueuef(ctx, err, "dropping message")
}

// DNSFlush removes all entries from the DNS cache, returning the number of
// entries removed.
func (Admin) DNSFlush(ctx context.Context) int {
	return xqueue(ctx).Flush()
}
