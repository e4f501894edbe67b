package dsn

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/smtp"
)

func xparsePath(s string) smtp.Path {
	p, err := smtp.ParsePath(s)
	if err != nil {
		panic(fmt.Sprintf("parsing path %q: %v", s, err))
	}
	return p
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %#v, expected %#v", got, exp)
	}
}

type part struct {
	contentType string
	cte         string
	body        string
}

// tparse returns the message headers and the parts of a composed DSN.
func tparse(t *testing.T, data []byte) (mail.Header, []part) {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parsing content-type: %v", err)
	}
	tcompare(t, mt, "multipart/report")
	tcompare(t, params["report-type"], "delivery-status")

	var parts []part
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextRawPart()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("next part: %v", err)
		}
		buf, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("reading part: %v", err)
		}
		parts = append(parts, part{p.Header.Get("Content-Type"), p.Header.Get("Content-Transfer-Encoding"), string(buf)})
	}
	return msg.Header, parts
}

func TestCompose(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	retryUntil := now.Add(48 * time.Hour)

	m := Message{
		From:       xparsePath("postmaster@mail.example"),
		To:         xparsePath("<mjl@remote.example>"),
		Subject:    "mail delivery failed",
		References: "<orig@remote.example>",
		TextBody:   "delivery failed\n",

		OriginalEnvelopeID: "envid123",
		ReportingMTA:       "mail.example",
		ArrivalDate:        now,

		Recipients: []Recipient{
			{
				FinalRecipient:  xparsePath("bill@foobar.example"),
				Action:          Failed,
				Status:          "5.1.1 no such user",
				RemoteMTA:       "mx.foobar.example",
				DiagnosticCode:  "550 5.1.1 no such\r\nuser",
				LastAttemptDate: now,
			},
			{
				FinalRecipient:    xparsePath("carol@foobar.example"),
				OriginalRecipient: xparsePath("carol@orig.example"),
				Action:            Delayed,
				WillRetryUntil:    &retryUntil,
			},
		},
		Original: []byte("From: <mjl@remote.example>\r\nSubject: test\r\n\r\nbody\r\n"),
	}
	data, err := m.compose(true, now)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !strings.HasSuffix(m.MessageID, "@mail.example") {
		t.Fatalf("unexpected message-id %q", m.MessageID)
	}

	h, parts := tparse(t, data)
	tcompare(t, h.Get("Subject"), "mail delivery failed")
	tcompare(t, h.Get("References"), "<orig@remote.example>")
	tcompare(t, h.Get("Message-Id"), "<"+m.MessageID+">")
	tcompare(t, len(parts), 3)

	// Original message did not need smtputf8, so no utf-8 types.
	tcompare(t, parts[0], part{"text/plain", "7BIT", "delivery failed\r\n"})
	tcompare(t, parts[1].contentType, "message/delivery-status")
	tcompare(t, parts[2], part{"text/rfc822-headers", "7BIT", "From: <mjl@remote.example>\r\nSubject: test\r\n\r\n"})

	status := parts[1].body
	for _, s := range []string{
		"Original-Envelope-ID: envid123\r\n",
		"Reporting-MTA: dns; mail.example\r\n",
		"Final-Recipient: rfc822;bill@foobar.example\r\n",
		"Action: failed\r\n",
		"Status: 5.1.1 (no such user)\r\n",
		"Remote-MTA: dns; mx.foobar.example\r\n",
		"Diagnostic-Code: smtp; 550 5.1.1 no such user\r\n",
		"Original-Recipient: rfc822;carol@orig.example\r\n",
		"Action: delayed\r\n",
		"Status: 4.0.0\r\n",
		"Will-Retry-Until: 3 Mar 2024 12:00:00 +0000\r\n",
	} {
		if !strings.Contains(status, s) {
			t.Fatalf("status part missing %q:\n%s", s, status)
		}
	}
}

func TestComposeUTF8(t *testing.T) {
	d, err := dns.ParseDomain("münchen.example")
	if err != nil {
		t.Fatalf("parse domain: %v", err)
	}
	m := Message{
		SMTPUTF8:     true,
		From:         xparsePath("postmaster@mail.example"),
		To:           smtp.Path{Localpart: "møx", IPDomain: dns.IPDomain{Domain: d}},
		Subject:      "mail delivery failed",
		ReportingMTA: "mail.example",
		Recipients: []Recipient{
			{FinalRecipient: smtp.Path{Localpart: "ü", IPDomain: dns.IPDomain{Domain: d}}, Action: Failed},
		},
		Original: []byte("Subject: ü\r\n\r\n"),
	}

	// Remote supports smtputf8.
	data, err := m.Compose(true)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	_, parts := tparse(t, data)
	tcompare(t, parts[1].contentType, "message/global-delivery-status")
	tcompare(t, parts[2].contentType, "message/global-headers")
	if !strings.Contains(parts[1].body, "Final-Recipient: utf-8;ü@münchen.example\r\n") {
		t.Fatalf("missing utf-8 recipient:\n%s", parts[1].body)
	}

	// Remote does not, recipients are encoded and original headers are base64.
	data, err = m.Compose(false)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	_, parts = tparse(t, data)
	tcompare(t, parts[1].contentType, "message/delivery-status")
	tcompare(t, parts[2].cte, "BASE64")
	if !strings.Contains(parts[1].body, `Final-Recipient: rfc822;\x{fc}@xn--mnchen-3ya.example`) {
		t.Fatalf("missing encoded recipient:\n%s", parts[1].body)
	}
}

func TestComposeErrors(t *testing.T) {
	m := Message{ReportingMTA: "mail.example"}
	if _, err := m.Compose(false); err == nil {
		t.Fatalf("expected error for dsn without recipients")
	}
	m = Message{Recipients: []Recipient{{Action: Failed}}}
	if _, err := m.Compose(false); err == nil {
		t.Fatalf("expected error for dsn without reporting mta")
	}
}

func TestHasCode(t *testing.T) {
	tcompare(t, HasCode("5.1.1 no such user"), true)
	tcompare(t, HasCode("4.4.7"), true)
	tcompare(t, HasCode("550 no such user"), false)
	tcompare(t, HasCode("55.1.1"), false)
}
