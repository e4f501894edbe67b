// Package smtpdeliver delivers queued messages over SMTP or LMTP.
//
// An Adapter makes one session per attempt: it connects to the first
// reachable IP of the endpoint, optionally through a SOCKS5 proxy, negotiates
// TLS as the route prescribes, and transfers the message to all recipients
// of the attempt. Every failure becomes an outcome for the recipients it
// affects.
package smtpdeliver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/net/proxy"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/queue"
	"github.com/mjl-/outq/routing"
	osmtp "github.com/mjl-/outq/smtp"
)

var (
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_smtpdeliver_connection_total",
			Help: "Connections made for delivery attempts.",
		},
		[]string{
			"result", // ok, dialerror, tlserror, protoerror
		},
	)
	metricTLS = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outq_smtpdeliver_tls_total",
			Help: "TLS mode of established delivery sessions.",
		},
		[]string{
			"mode", // implicit, starttls, plain
		},
	)
)

// Dialer is used to make connections, e.g. a net.Dialer or a SOCKS5 dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Adapter implements queue.Adapter.
type Adapter struct {
	Hostname dns.Domain // Used in EHLO/LHLO.
	Dialer   Dialer     // If nil, a net.Dialer is used.

	// For tests, added to the TLS config, e.g. root CAs.
	TLSConfig *tls.Config

	log mlog.Log
}

var _ queue.Adapter = (*Adapter)(nil)

// New returns an adapter that identifies itself as hostname.
func New(hostname dns.Domain, log *slog.Logger) *Adapter {
	return &Adapter{Hostname: hostname, log: mlog.New("smtpdeliver", log)}
}

// Session timeout when the attempt context has no deadline.
const defaultSessionTimeout = 5 * time.Minute

// errTLS is wrapped by errors negotiating TLS.
var errTLS = errors.New("tls")

// sessionError is an error that ended a session before recipients got a
// response of their own.
type sessionError struct {
	stage string // dial, tls, hello, mail, data.
	err   error
}

func (e sessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e sessionError) Unwrap() error {
	return e.err
}

// Attempt delivers the message of att to its recipients.
func (a *Adapter) Attempt(ctx context.Context, att queue.Attempt) (result map[int64]queue.Outcome) {
	log := a.log.WithContext(ctx).With(
		slog.String("route", att.Route.Name),
		slog.Any("endpoint", att.Endpoint))

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Error("delivery attempt panic", slog.Any("panic", x))
		debug.PrintStack()
		metrics.PanicInc(metrics.Smtpdeliver)
		// The queue gives recipients without outcome a temporary failure.
		result = nil
	}()

	result = map[int64]queue.Outcome{}
	remote := att.Endpoint.Host.XString(false)

	dialer, err := a.dialer(att.Route)
	if err != nil {
		failAll(att.Recipients, result, temporary(remote, osmtp.SeSys3Misconfigured5, err))
		return result
	}

	var lastErr error
	for _, ip := range att.Endpoint.IPs {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(att.Endpoint.Port))
		err := a.session(ctx, log, dialer, addr, att, result, false)
		if err == nil {
			return result
		}
		lastErr = err
		var se sessionError
		if errors.As(err, &se) && se.stage == "tls" && !att.Route.TLS.Required && !att.Route.TLS.Implicit {
			// Opportunistic STARTTLS failed, try again on the same IP without TLS.
			log.Infox("starttls failed, trying without tls", err, slog.String("addr", addr))
			clear(result)
			err = a.session(ctx, log, dialer, addr, att, result, true)
			if err == nil {
				return result
			}
			lastErr = err
		}
		if ctx.Err() != nil || !errors.As(err, &se) || se.stage != "dial" {
			break
		}
		log.Debugx("connecting failed, trying next ip", err, slog.String("addr", addr))
	}
	if lastErr == nil {
		lastErr = errors.New("no ip addresses for endpoint")
	}
	applySessionError(att.Recipients, result, remote, lastErr)
	return result
}

func (a *Adapter) dialer(r routing.Route) (Dialer, error) {
	var d Dialer = a.Dialer
	if d == nil {
		d = &net.Dialer{}
	}
	if r.Socks == "" {
		return d, nil
	}
	var fwd proxy.Dialer = &net.Dialer{}
	if pd, ok := d.(proxy.Dialer); ok {
		fwd = pd
	}
	sd, err := proxy.SOCKS5("tcp", r.Socks, nil, fwd)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %v", err)
	}
	cd, ok := sd.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer is not a context dialer")
	}
	return cd, nil
}

// session delivers in one SMTP session to addr. Recipients that got a
// response are added to result. A non-nil error applies to all recipients
// without outcome in result.
func (a *Adapter) session(ctx context.Context, log mlog.Log, dialer Dialer, addr string, att queue.Attempt, result map[int64]queue.Outcome, skipTLS bool) error {
	route := att.Route
	remote := att.Endpoint.Host.XString(false)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		metricConnection.WithLabelValues("dialerror").Inc()
		return sessionError{"dial", err}
	}
	// The client has no context support, the deadline and cancelation are
	// applied to the connection.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultSessionTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return sessionError{"dial", err}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	tlsConfig := a.tlsConfig(att.Endpoint.Host, route.TLS)
	mode := "plain"
	if route.TLS.Implicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			metricConnection.WithLabelValues("tlserror").Inc()
			return sessionError{"tls", fmt.Errorf("%w: %v", errTLS, err)}
		}
		conn = tlsConn
		mode = "implicit"
	}

	// STARTTLS is only done for SMTP, the client cannot switch an LMTP session to
	// TLS. Routes with LMTP and required TLS must use implicit TLS.
	starttls := !route.TLS.Implicit && !route.TLS.Disable && !skipTLS && route.Protocol != routing.ProtocolLMTP
	if route.Protocol == routing.ProtocolLMTP && route.TLS.Required && !route.TLS.Implicit {
		conn.Close()
		metricConnection.WithLabelValues("tlserror").Inc()
		return sessionError{"tls", fmt.Errorf("%w: required but lmtp only supports implicit tls", errTLS)}
	}

	var c *smtp.Client
	switch {
	case route.Protocol == routing.ProtocolLMTP:
		c = smtp.NewClientLMTP(conn)
	case starttls:
		// Greeting, EHLO and STARTTLS. The handshake itself happens with the next
		// command, our EHLO below.
		var err error
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			if notOffered(err) {
				if route.TLS.Required {
					metricConnection.WithLabelValues("tlserror").Inc()
				}
				return sessionError{"tls", fmt.Errorf("%w: required but not offered by server", errTLS)}
			}
			metricConnection.WithLabelValues("tlserror").Inc()
			return sessionError{"tls", fmt.Errorf("%w: %v", errTLS, err)}
		}
		mode = "starttls"
	default:
		c = smtp.NewClient(conn)
	}
	defer func() {
		err := c.Close()
		if err != nil && ctx.Err() == nil {
			log.Debugx("closing smtp client", err)
		}
	}()

	if err := c.Hello(a.Hostname.ASCII); err != nil {
		if state, ok := c.TLSConnectionState(); mode == "starttls" && (!ok || !state.HandshakeComplete) {
			metricConnection.WithLabelValues("tlserror").Inc()
			return sessionError{"tls", fmt.Errorf("%w: %v", errTLS, err)}
		}
		metricConnection.WithLabelValues("protoerror").Inc()
		return sessionError{"hello", err}
	}
	metricConnection.WithLabelValues("ok").Inc()
	metricTLS.WithLabelValues(mode).Inc()
	log.Debug("session established", slog.String("addr", addr), slog.String("tls", mode))

	m := att.Msg
	smtputf8 := m.SMTPUTF8
	if smtputf8 {
		if ok, _ := c.Extension("SMTPUTF8"); !ok {
			failAll(att.Recipients, result, queue.Outcome{
				Result:     queue.PermanentFailure,
				Detail:     "message requires smtputf8, not supported by server",
				Code:       osmtp.C554TransactionFailed,
				Secode:     osmtp.SeProto5Other0,
				RemoteHost: remote,
			})
			c.Quit()
			return nil
		}
	}
	mailOpts := &smtp.MailOptions{UTF8: smtputf8}
	if ok, _ := c.Extension("8BITMIME"); ok && m.Has8bit {
		mailOpts.Body = smtp.Body8BitMIME
	}
	if ok, _ := c.Extension("SIZE"); ok && m.Size > 0 {
		mailOpts.Size = m.Size
	}
	if err := c.Mail(pathString(m.Sender(), smtputf8), mailOpts); err != nil {
		return sessionError{"mail", err}
	}

	var accepted []queue.Recipient
	for _, r := range att.Recipients {
		if err := c.Rcpt(pathString(r.Path(), smtputf8), nil); err != nil {
			result[r.ID] = outcome(remote, err)
			continue
		}
		accepted = append(accepted, r)
	}
	if len(accepted) == 0 {
		c.Reset()
		c.Quit()
		return nil
	}

	body, err := att.Open()
	if err != nil {
		return sessionError{"data", fmt.Errorf("opening message: %w", err)}
	}
	defer body.Close()

	if route.Protocol == routing.ProtocolLMTP {
		return a.lmtpData(c, body, accepted, remote, smtputf8, result)
	}

	w, err := c.Data()
	if err != nil {
		failAll(accepted, result, outcome(remote, err))
		return nil
	}
	if _, err := io.Copy(w, body); err != nil {
		return sessionError{"data", err}
	}
	if err := w.Close(); err != nil {
		failAll(accepted, result, outcome(remote, err))
		return nil
	}
	failAll(accepted, result, queue.Outcome{Result: queue.Success, Code: osmtp.C250Completed, Detail: "message accepted", RemoteHost: remote})
	if err := c.Quit(); err != nil {
		log.Debugx("quit after delivery", err)
	}
	return nil
}

// lmtpData transfers the message and collects a response per recipient.
func (a *Adapter) lmtpData(c *smtp.Client, body io.Reader, accepted []queue.Recipient, remote string, smtputf8 bool, result map[int64]queue.Outcome) error {
	byAddr := map[string][]queue.Recipient{}
	for _, r := range accepted {
		k := pathString(r.Path(), smtputf8)
		byAddr[k] = append(byAddr[k], r)
	}
	w, err := c.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		o := queue.Outcome{Result: queue.Success, Code: osmtp.C250Completed, Detail: "message accepted", RemoteHost: remote}
		if status != nil && status.Code >= 300 {
			o = outcome(remote, status)
		}
		for _, r := range byAddr[rcpt] {
			result[r.ID] = o
		}
	})
	if err != nil {
		failAll(accepted, result, outcome(remote, err))
		return nil
	}
	if _, err := io.Copy(w, body); err != nil {
		return sessionError{"data", err}
	}
	if err := w.Close(); err != nil {
		// Statuses that were read are kept, remaining recipients get this error.
		for _, r := range accepted {
			if _, ok := result[r.ID]; !ok {
				result[r.ID] = outcome(remote, err)
			}
		}
		return nil
	}
	for _, r := range accepted {
		if _, ok := result[r.ID]; !ok {
			result[r.ID] = queue.Outcome{Result: queue.TemporaryFailure, Detail: "no lmtp status for recipient", Secode: osmtp.SeProto5Other0, RemoteHost: remote}
		}
	}
	c.Quit()
	return nil
}

func (a *Adapter) tlsConfig(host dns.IPDomain, t routing.TLS) *tls.Config {
	var config *tls.Config
	if a.TLSConfig != nil {
		config = a.TLSConfig.Clone()
	} else {
		config = &tls.Config{}
	}
	if host.IsDomain() {
		config.ServerName = host.Domain.ASCII
	} else {
		config.ServerName = host.IP.String()
	}
	config.InsecureSkipVerify = t.AllowInvalidCerts
	config.MinVersion = tls.VersionTLS12
	return config
}

// pathString returns the path as used in MAIL FROM and RCPT TO, with IP
// addresses as address literals.
func pathString(p osmtp.Path, smtputf8 bool) string {
	if p.IsZero() {
		return ""
	}
	if p.IPDomain.IsIP() {
		return p.Localpart.String() + "@[" + p.IPDomain.IP.String() + "]"
	}
	return p.XString(smtputf8)
}

// outcome turns an error for a command into an outcome. Responses with 5xx
// codes are permanent, everything else is temporary.
func outcome(remote string, err error) queue.Outcome {
	var serr *smtp.SMTPError
	if !errors.As(err, &serr) {
		return temporary(remote, osmtp.SeNet4Other0, err)
	}
	o := queue.Outcome{
		Result:     queue.TemporaryFailure,
		Code:       serr.Code,
		Detail:     responseString(serr),
		RemoteHost: remote,
	}
	if serr.EnhancedCode[0] > 0 {
		o.Secode = fmt.Sprintf("%d.%d", serr.EnhancedCode[1], serr.EnhancedCode[2])
	}
	if osmtp.Permanent(serr.Code) {
		o.Result = queue.PermanentFailure
	}
	return o
}

func responseString(e *smtp.SMTPError) string {
	if e.EnhancedCode[0] > 0 {
		return fmt.Sprintf("%d %d.%d.%d %s", e.Code, e.EnhancedCode[0], e.EnhancedCode[1], e.EnhancedCode[2], e.Message)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message)
}

func temporary(remote, secode string, err error) queue.Outcome {
	return queue.Outcome{Result: queue.TemporaryFailure, Detail: err.Error(), Secode: secode, RemoteHost: remote}
}

// applySessionError sets outcomes for recipients that have none after a
// session ended with err.
func applySessionError(rcpts []queue.Recipient, result map[int64]queue.Outcome, remote string, err error) {
	var o queue.Outcome
	var se sessionError
	switch {
	case errors.Is(err, errTLS):
		o = temporary(remote, osmtp.SePol7EncNeeded10, err)
	case errors.As(err, &se) && se.stage == "dial":
		o = temporary(remote, osmtp.SeNet4BadConn2, err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) || isTimeout(err):
		o = temporary(remote, osmtp.SeNet4Congestion5, err)
	default:
		o = outcome(remote, err)
	}
	for _, r := range rcpts {
		if _, ok := result[r.ID]; !ok {
			result[r.ID] = o
		}
	}
}

// notOffered returns whether err from starting TLS is about a server that does
// not announce STARTTLS. Responses from the server are SMTP errors and
// connection problems are i/o errors, the remaining error is from the missing
// extension.
func notOffered(err error) bool {
	var serr *smtp.SMTPError
	var nerr net.Error
	return !errors.As(err, &serr) && !errors.As(err, &nerr) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func failAll(rcpts []queue.Recipient, result map[int64]queue.Outcome, o queue.Outcome) {
	for _, r := range rcpts {
		result[r.ID] = o
	}
}
