package smtpdeliver

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/queue"
	"github.com/mjl-/outq/routing"
	osmtp "github.com/mjl-/outq/smtp"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	if err != nil {
		t.Helper()
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

const testmsg = "From: <john@test.example>\r\nTo: <ok@foobar.example>\r\nSubject: test\r\n\r\ntest email\r\n.leading dot\r\n"

func fakeCert(t *testing.T, name string) tls.Certificate {
	privKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize)) // Fake key, don't use this for real!
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	buf, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	tcheck(t, err, "making certificate")
	cert, err := x509.ParseCertificate(buf)
	tcheck(t, err, "parsing generated certificate")
	return tls.Certificate{
		Certificate: [][]byte{buf},
		PrivateKey:  privKey,
		Leaf:        cert,
	}
}

type received struct {
	from  string
	rcpts []string
	data  string
	tls   bool
}

// backend is an smtp/lmtp server that accepts or rejects recipients by
// localpart.
type backend struct {
	sync.Mutex
	msgs     []received
	rcptErr  map[string]error // By localpart.
	dataErr  error
	lmtpErr  map[string]error // By localpart, for lmtp data.
	sessions int
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.Lock()
	b.sessions++
	b.Unlock()
	return &session{b: b, conn: c}, nil
}

func (b *backend) received() []received {
	b.Lock()
	defer b.Unlock()
	return append([]received(nil), b.msgs...)
}

type session struct {
	b     *backend
	conn  *smtp.Conn
	from  string
	rcpts []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	lp, _, _ := strings.Cut(to, "@")
	if err := s.b.rcptErr[lp]; err != nil {
		return err
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.b.dataErr != nil {
		return s.b.dataErr
	}
	_, isTLS := s.conn.Conn().(*tls.Conn)
	s.b.Lock()
	defer s.b.Unlock()
	s.b.msgs = append(s.b.msgs, received{s.from, s.rcpts, string(buf), isTLS})
	return nil
}

func (s *session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var accepted []string
	for _, rcpt := range s.rcpts {
		lp, _, _ := strings.Cut(rcpt, "@")
		err := s.b.lmtpErr[lp]
		status.SetStatus(rcpt, err)
		if err == nil {
			accepted = append(accepted, rcpt)
		}
	}
	s.b.Lock()
	defer s.b.Unlock()
	s.b.msgs = append(s.b.msgs, received{s.from, accepted, string(buf), false})
	return nil
}

func newServer(t *testing.T, be *backend, lmtp bool, tlsConfig *tls.Config) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	s := smtp.NewServer(be)
	s.Domain = "mx.foobar.example"
	s.LMTP = lmtp
	s.TLSConfig = tlsConfig
	s.AllowInsecureAuth = true
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	go s.Serve(ln)
	t.Cleanup(func() {
		s.Close()
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func testAdapter() *Adapter {
	return New(dns.Domain{ASCII: "mail.test.example"}, nil)
}

func rcpt(id int64, localpart string) queue.Recipient {
	return queue.Recipient{ID: id, Localpart: osmtp.Localpart(localpart), Domain: dns.IPDomain{Domain: dns.Domain{ASCII: "foobar.example"}}}
}

func testAttempt(route routing.Route, port int, rcpts ...queue.Recipient) queue.Attempt {
	return queue.Attempt{
		Route: route,
		Endpoint: queue.Endpoint{
			Host: dns.IPDomain{Domain: dns.Domain{ASCII: "localhost"}},
			IPs:  []net.IP{net.ParseIP("127.0.0.1")},
			Port: port,
		},
		Msg: queue.Msg{
			ID:              1,
			SenderLocalpart: "john",
			SenderDomain:    dns.IPDomain{Domain: dns.Domain{ASCII: "test.example"}},
			Size:            int64(len(testmsg)),
		},
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(testmsg)), nil
		},
		Recipients: rcpts,
	}
}

func normalize(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func TestDeliver(t *testing.T) {
	be := &backend{
		rcptErr: map[string]error{
			"reject": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
			"temp":   &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try again later"},
		},
	}
	port := newServer(t, be, false, nil)

	// Opportunistic TLS, the server does not offer STARTTLS so delivery continues
	// in plain text.
	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok"), rcpt(2, "reject"), rcpt(3, "temp")))

	tcompare(t, len(result), 3)
	tcompare(t, result[1].Result, queue.Success)
	tcompare(t, result[1].RemoteHost, "localhost")
	tcompare(t, result[2], queue.Outcome{Result: queue.PermanentFailure, Code: 550, Secode: "1.1", Detail: "550 5.1.1 no such user", RemoteHost: "localhost"})
	tcompare(t, result[3], queue.Outcome{Result: queue.TemporaryFailure, Code: 451, Secode: "3.0", Detail: "451 4.3.0 try again later", RemoteHost: "localhost"})

	msgs := be.received()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].from, "john@test.example")
	tcompare(t, msgs[0].rcpts, []string{"ok@foobar.example"})
	tcompare(t, normalize(msgs[0].data), normalize(testmsg))
	tcompare(t, msgs[0].tls, false)
}

func TestDataRejected(t *testing.T) {
	be := &backend{
		rcptErr: map[string]error{
			"reject": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		},
		dataErr: &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 7, 1}, Message: "content rejected"},
	}
	port := newServer(t, be, false, nil)

	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP, TLS: routing.TLS{Disable: true}}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "a"), rcpt(2, "b"), rcpt(3, "reject")))
	for _, id := range []int64{1, 2} {
		tcompare(t, result[id].Result, queue.PermanentFailure)
		tcompare(t, result[id].Code, 554)
		tcompare(t, result[id].Secode, "7.1")
	}
	tcompare(t, result[3].Code, 550)
	tcompare(t, len(be.received()), 0)
}

func TestAllRecipientsRejected(t *testing.T) {
	be := &backend{
		rcptErr: map[string]error{
			"a": &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
		},
	}
	port := newServer(t, be, false, nil)
	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP}
	att := testAttempt(route, port, rcpt(1, "a"))
	att.Open = func() (io.ReadCloser, error) {
		t.Fatalf("message opened without accepted recipients")
		return nil, nil
	}
	result := testAdapter().Attempt(ctxbg, att)
	tcompare(t, result[1].Result, queue.PermanentFailure)
}

func TestSTARTTLS(t *testing.T) {
	cert := fakeCert(t, "localhost")
	be := &backend{}
	port := newServer(t, be, false, &tls.Config{Certificates: []tls.Certificate{cert}})

	// Self-signed certificate, accepted because the route allows it.
	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP, TLS: routing.TLS{AllowInvalidCerts: true, Required: true}}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.Success)
	msgs := be.received()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].tls, true)

	// Required TLS with unverifiable certificate fails temporarily, nothing is
	// delivered.
	route.TLS = routing.TLS{Required: true}
	result = testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.TemporaryFailure)
	tcompare(t, result[1].Secode, osmtp.SePol7EncNeeded10)
	tcompare(t, len(be.received()), 1)

	// Opportunistic TLS falls back to plain text on a new connection.
	route.TLS = routing.TLS{}
	result = testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.Success)
	msgs = be.received()
	tcompare(t, len(msgs), 2)
	tcompare(t, msgs[1].tls, false)

	// Disabled TLS does not try STARTTLS at all.
	route.TLS = routing.TLS{Disable: true}
	result = testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.Success)
	tcompare(t, be.received()[2].tls, false)
}

func TestTLSRequiredNotOffered(t *testing.T) {
	be := &backend{}
	port := newServer(t, be, false, nil)
	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP, TLS: routing.TLS{Required: true}}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.TemporaryFailure)
	tcompare(t, result[1].Secode, osmtp.SePol7EncNeeded10)
	if !strings.Contains(result[1].Detail, "required but not offered") {
		t.Fatalf("unexpected detail %q", result[1].Detail)
	}
	tcompare(t, len(be.received()), 0)
}

func TestLMTP(t *testing.T) {
	be := &backend{
		lmtpErr: map[string]error{
			"full": &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"},
		},
	}
	port := newServer(t, be, true, nil)

	route := routing.Route{Name: "local", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolLMTP, TLS: routing.TLS{Disable: true}}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok"), rcpt(2, "full")))
	tcompare(t, result[1].Result, queue.Success)
	tcompare(t, result[2].Result, queue.TemporaryFailure)
	tcompare(t, result[2].Code, 452)
	tcompare(t, result[2].Secode, "2.2")

	msgs := be.received()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].rcpts, []string{"ok@foobar.example"})
}

func TestConnectFailure(t *testing.T) {
	// Find a port without listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok"), rcpt(2, "other")))
	for _, id := range []int64{1, 2} {
		tcompare(t, result[id].Result, queue.TemporaryFailure)
		tcompare(t, result[id].Secode, osmtp.SeNet4BadConn2)
	}

	// No IPs at all.
	att := testAttempt(route, port, rcpt(1, "ok"))
	att.Endpoint.IPs = nil
	result = testAdapter().Attempt(ctxbg, att)
	tcompare(t, result[1].Result, queue.TemporaryFailure)
}

func TestNextIP(t *testing.T) {
	be := &backend{}
	port := newServer(t, be, false, nil)

	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP}
	att := testAttempt(route, port, rcpt(1, "ok"))
	// Nothing listens on 127.0.0.2, the second address is used.
	att.Endpoint.IPs = []net.IP{net.ParseIP("127.0.0.2"), net.ParseIP("127.0.0.1")}
	result := testAdapter().Attempt(ctxbg, att)
	tcompare(t, result[1].Result, queue.Success)
	tcompare(t, len(be.received()), 1)
}

func TestTimeout(t *testing.T) {
	// A server that never sends its greeting.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP}
	ctx, cancel := context.WithTimeout(ctxbg, 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	result := testAdapter().Attempt(ctx, testAttempt(route, ln.Addr().(*net.TCPAddr).Port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.TemporaryFailure)
	if d := time.Since(start); d > 10*time.Second {
		t.Fatalf("attempt took %v, deadline not applied", d)
	}
}

func TestSocksMisconfigured(t *testing.T) {
	route := routing.Route{Name: "relay", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolSMTP, Socks: "127.0.0.1:1"}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, 25, rcpt(1, "ok")))
	// The proxy is unreachable, that is a connection failure.
	tcompare(t, result[1].Result, queue.TemporaryFailure)
}

func TestOutcome(t *testing.T) {
	o := outcome("mx.example", &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "too big"})
	tcompare(t, o, queue.Outcome{Result: queue.PermanentFailure, Code: 552, Secode: "3.4", Detail: "552 5.3.4 too big", RemoteHost: "mx.example"})

	o = outcome("mx.example", &smtp.SMTPError{Code: 421, EnhancedCode: smtp.NoEnhancedCode, Message: "closing"})
	tcompare(t, o, queue.Outcome{Result: queue.TemporaryFailure, Code: 421, Detail: "421 closing", RemoteHost: "mx.example"})

	o = outcome("mx.example", errors.New("connection reset"))
	tcompare(t, o.Result, queue.TemporaryFailure)
	tcompare(t, o.Code, 0)
	tcompare(t, o.Secode, osmtp.SeNet4Other0)
}

func TestNotOffered(t *testing.T) {
	tcompare(t, notOffered(errors.New("smtp: server doesn't support STARTTLS")), true)
	tcompare(t, notOffered(&smtp.SMTPError{Code: 454, Message: "tls not available"}), false)
	tcompare(t, notOffered(io.EOF), false)
	tcompare(t, notOffered(&net.OpError{Op: "read", Err: errors.New("connection reset")}), false)
}

func TestLMTPTLS(t *testing.T) {
	be := &backend{}
	port := newServer(t, be, true, nil)

	// Opportunistic TLS is not attempted over LMTP, delivery is in plain text.
	route := routing.Route{Name: "local", Kind: routing.KindRelay, Host: "localhost", Protocol: routing.ProtocolLMTP}
	result := testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.Success)

	route.TLS = routing.TLS{Required: true}
	result = testAdapter().Attempt(ctxbg, testAttempt(route, port, rcpt(1, "ok")))
	tcompare(t, result[1].Result, queue.TemporaryFailure)
	tcompare(t, result[1].Secode, osmtp.SePol7EncNeeded10)
	tcompare(t, len(be.received()), 1)
}

func TestPathString(t *testing.T) {
	p := osmtp.Path{Localpart: "a", IPDomain: dns.IPDomain{IP: net.ParseIP("10.0.0.1")}}
	tcompare(t, pathString(p, false), "a@[10.0.0.1]")
	tcompare(t, pathString(osmtp.Path{}, false), "")
	p = osmtp.Path{Localpart: "a", IPDomain: dns.IPDomain{Domain: dns.Domain{ASCII: "xn--mnchen-3ya.example", Unicode: "münchen.example"}}}
	tcompare(t, pathString(p, false), "a@xn--mnchen-3ya.example")
	tcompare(t, pathString(p, true), "a@münchen.example")
}
