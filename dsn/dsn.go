// Package dsn composes Delivery Status Notification messages, see RFC 3464 and
// RFC 6533.
package dsn

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mjl-/outq/smtp"
)

// RFC5322Z is the date-time format for message headers and DSN fields.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"

// Message is a DSN about one queued message: headers for the DSN itself, a
// human-readable explanation, per-message and per-recipient status fields,
// and optionally the headers of the original message.
type Message struct {
	SMTPUTF8 bool // Whether the original message required smtputf8.

	// From header, e.g. postmaster of the reporting host. The DSN itself
	// must be sent with a null reverse path.
	From smtp.Path

	// To header and recipient of the DSN: the sender of the original message.
	To smtp.Path

	Subject string

	// Set by Compose.
	MessageID string

	// Message-ID of the original message, so the DSN is threaded with it.
	References string

	// Human-readable text. Lines end with bare newlines, converted to CRLF
	// when composing.
	TextBody string

	// Per-message fields.
	OriginalEnvelopeID string
	ReportingMTA       string // Required, host name of the reporting MTA.
	ArrivalDate        time.Time

	// At least one recipient is required.
	Recipients []Recipient

	// Original message or its headers, included as third part. Optional.
	Original []byte
}

// Action of a DSN recipient.
type Action string

const (
	Failed    Action = "failed"
	Delayed   Action = "delayed"
	Delivered Action = "delivered"
	Relayed   Action = "relayed"
	Expanded  Action = "expanded"
)

// Recipient holds the per-recipient fields.
type Recipient struct {
	FinalRecipient smtp.Path
	Action         Action

	// Enhanced status code, e.g. "5.1.1". Text after the code is added as
	// comment. If empty, a generic code for the action is used.
	Status string

	// Recipient from the DSN ORCPT parameter, if any.
	OriginalRecipient smtp.Path

	// Host that returned the final response, if any.
	RemoteMTA string

	// Response from RemoteMTA, e.g. "550 5.1.1 no such user".
	DiagnosticCode  string
	LastAttemptDate time.Time
	FinalLogID      string

	// For delayed deliveries, until when delivery will be attempted.
	WillRetryUntil *time.Time
}

// Compose returns the DSN message. If smtputf8 is set and the original message
// required smtputf8, the global (UTF-8) DSN media types are used.
func (m *Message) Compose(smtputf8 bool) ([]byte, error) {
	return m.compose(smtputf8, time.Now())
}

func (m *Message) compose(smtputf8 bool, now time.Time) ([]byte, error) {
	if !m.SMTPUTF8 {
		smtputf8 = false
	}
	if len(m.Recipients) == 0 {
		return nil, errors.New("missing per-recipient fields")
	}
	if m.ReportingMTA == "" {
		return nil, errors.New("missing reporting mta")
	}

	// Errors are checked once, after composing.
	msgw := &errWriter{w: &bytes.Buffer{}}
	header := func(k, v string) {
		fmt.Fprintf(msgw, "%s: %s\r\n", k, v)
	}

	header("From", fmt.Sprintf("<%s>", m.From.XString(smtputf8)))
	header("To", fmt.Sprintf("<%s>", m.To.XString(smtputf8)))
	header("Subject", m.Subject)
	m.MessageID = uuid.NewString() + "@" + m.ReportingMTA
	header("Message-Id", fmt.Sprintf("<%s>", m.MessageID))
	if m.References != "" {
		header("References", m.References)
	}
	header("Date", now.Format(RFC5322Z))
	header("MIME-Version", "1.0")
	mp := multipart.NewWriter(msgw)
	header("Content-Type", fmt.Sprintf(`multipart/report; report-type="delivery-status"; boundary="%s"`, mp.Boundary()))
	fmt.Fprint(msgw, "\r\n")

	textHdr := textproto.MIMEHeader{}
	if smtputf8 {
		textHdr.Set("Content-Type", "text/plain; charset=utf-8")
		textHdr.Set("Content-Transfer-Encoding", "8BIT")
	} else {
		textHdr.Set("Content-Type", "text/plain")
		textHdr.Set("Content-Transfer-Encoding", "7BIT")
	}
	textp, err := mp.CreatePart(textHdr)
	if err != nil {
		return nil, err
	}
	if _, err := textp.Write([]byte(strings.ReplaceAll(m.TextBody, "\n", "\r\n"))); err != nil {
		return nil, err
	}

	statusHdr := textproto.MIMEHeader{}
	if smtputf8 {
		statusHdr.Set("Content-Type", "message/global-delivery-status")
		statusHdr.Set("Content-Transfer-Encoding", "8BIT")
	} else {
		statusHdr.Set("Content-Type", "message/delivery-status")
		statusHdr.Set("Content-Transfer-Encoding", "7BIT")
	}
	statusp, err := mp.CreatePart(statusHdr)
	if err != nil {
		return nil, err
	}
	if err := m.writeStatus(statusp, smtputf8); err != nil {
		return nil, err
	}

	if m.Original != nil {
		if err := m.writeOriginal(mp, smtputf8); err != nil {
			return nil, err
		}
	}

	if err := mp.Close(); err != nil {
		return nil, err
	}
	if msgw.err != nil {
		return nil, msgw.err
	}
	return msgw.w.Bytes(), nil
}

func (m *Message) writeStatus(w io.Writer, smtputf8 bool) error {
	ew := &errWriter{w: &bytes.Buffer{}}
	status := func(k, v string) {
		fmt.Fprintf(ew, "%s: %s\r\n", k, v)
	}

	// Per-message fields, then a block for each recipient.
	if m.OriginalEnvelopeID != "" {
		status("Original-Envelope-ID", m.OriginalEnvelopeID)
	}
	status("Reporting-MTA", "dns; "+m.ReportingMTA)
	if !m.ArrivalDate.IsZero() {
		status("Arrival-Date", m.ArrivalDate.Format(RFC5322Z))
	}

	addrType := "rfc822;"
	if smtputf8 {
		addrType = "utf-8;"
	}
	for _, r := range m.Recipients {
		fmt.Fprint(ew, "\r\n")
		if !r.OriginalRecipient.IsZero() {
			status("Original-Recipient", addrType+r.OriginalRecipient.DSNString(smtputf8))
		}
		status("Final-Recipient", addrType+r.FinalRecipient.DSNString(smtputf8))
		status("Action", string(r.Action))
		st := r.Status
		if st == "" {
			switch r.Action {
			case Delayed:
				st = "4.0.0"
			case Failed:
				st = "5.0.0"
			default:
				st = "2.0.0"
			}
		}
		status("Status", withComment(st))
		if r.RemoteMTA != "" {
			status("Remote-MTA", "dns; "+r.RemoteMTA)
		}
		if r.DiagnosticCode != "" {
			status("Diagnostic-Code", "smtp; "+oneLine(r.DiagnosticCode))
		}
		if !r.LastAttemptDate.IsZero() {
			status("Last-Attempt-Date", r.LastAttemptDate.Format(RFC5322Z))
		}
		if r.FinalLogID != "" {
			status("Final-Log-ID", r.FinalLogID)
		}
		if r.WillRetryUntil != nil {
			status("Will-Retry-Until", r.WillRetryUntil.Format(RFC5322Z))
		}
	}
	if ew.err != nil {
		return ew.err
	}
	_, err := w.Write(ew.w.Bytes())
	return err
}

// writeOriginal adds the header section of the original message.
func (m *Message) writeOriginal(mp *multipart.Writer, smtputf8 bool) error {
	headers := m.Original
	if i := bytes.Index(headers, []byte("\r\n\r\n")); i >= 0 {
		headers = headers[:i+4]
	}

	hdr := textproto.MIMEHeader{}
	switch {
	case smtputf8:
		hdr.Set("Content-Type", "message/global-headers")
		hdr.Set("Content-Transfer-Encoding", "8BIT")
	case m.SMTPUTF8:
		// UTF-8 headers cannot be sent as 7bit.
		hdr.Set("Content-Type", "text/rfc822-headers; charset=utf-8")
		hdr.Set("Content-Transfer-Encoding", "BASE64")
	default:
		hdr.Set("Content-Type", "text/rfc822-headers")
		hdr.Set("Content-Transfer-Encoding", "7BIT")
	}
	p, err := mp.CreatePart(hdr)
	if err != nil {
		return err
	}
	if smtputf8 || !m.SMTPUTF8 {
		_, err := p.Write(headers)
		return err
	}
	data := base64.StdEncoding.EncodeToString(headers)
	for len(data) > 0 {
		n := min(len(data), 76)
		if _, err := p.Write([]byte(data[:n] + "\r\n")); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

type errWriter struct {
	w   *bytes.Buffer
	err error
}

func (w *errWriter) Write(buf []byte) (int, error) {
	if w.err != nil {
		return -1, w.err
	}
	n, err := w.w.Write(buf)
	w.err = err
	return n, err
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// withComment formats an enhanced status code with optional trailing text as
// "code (text)".
func withComment(s string) string {
	code, rest := codeLine(s)
	if code == "" {
		return s
	}
	if rest != "" {
		return code + " (" + oneLine(rest) + ")"
	}
	return code
}

// codeLine splits s into an enhanced status code and the remaining text. The
// code is empty if s does not start with one.
func codeLine(s string) (string, string) {
	t := strings.SplitN(s, " ", 2)
	l := strings.Split(t[0], ".")
	if len(l) != 3 {
		return "", s
	}
	for i, e := range l {
		if _, err := strconv.ParseInt(e, 10, 32); err != nil {
			return "", s
		}
		if i == 0 && len(e) != 1 {
			return "", s
		}
	}
	var rest string
	if len(t) == 2 {
		rest = t[1]
	}
	return t[0], rest
}

// HasCode returns whether line starts with an enhanced status code.
func HasCode(line string) bool {
	code, _ := codeLine(line)
	return code != ""
}
