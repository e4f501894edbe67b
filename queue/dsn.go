package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/dsn"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/smtp"
)

// Report describes the final state of recipients of a message for which a
// delivery status notification was requested.
type Report struct {
	QueueID    int64
	Sender     smtp.Path
	MessageID  string
	EnvID      string
	SMTPUTF8   bool
	Queued     time.Time
	Recipients []ReportRecipient
	Headers    []byte // Header section of the original message, may be nil.
}

// ReportRecipient is a recipient in a Report.
type ReportRecipient struct {
	Recipient   smtp.Path
	ORCPT       string
	Action      dsn.Action
	Status      string // Enhanced status code, e.g. "5.1.1".
	Detail      string // Final error or response.
	Code        int
	RemoteMTA   string
	LastAttempt time.Time
}

// Notifier is given reports for completed messages. Reports are only made for
// messages with a non-null sender, and only contain recipients that failed
// without NoNotifyFailure or were delivered with NotifySuccess.
type Notifier interface {
	Notify(ctx context.Context, rep Report) error
}

// makeReport returns the report for a completed message. Its Recipients are
// empty if no notification is needed.
func makeReport(m Msg, rcpts []Recipient) Report {
	rep := Report{
		QueueID:   m.ID,
		Sender:    m.Sender(),
		MessageID: m.MessageID,
		EnvID:     m.EnvID,
		SMTPUTF8:  m.SMTPUTF8,
		Queued:    m.Queued,
	}
	for _, r := range rcpts {
		rr := ReportRecipient{
			Recipient: r.Path(),
			ORCPT:     r.ORCPT,
			Detail:    r.LastError,
			Code:      r.LastCode,
			RemoteMTA: r.RemoteMTA,
		}
		if r.LastAttempt != nil {
			rr.LastAttempt = *r.LastAttempt
		}
		secode := r.LastSecode
		if secode == "" {
			secode = smtp.SeOther00
		}
		switch {
		case r.State == StateFailed && !r.NoNotifyFailure:
			rr.Action = dsn.Failed
			rr.Status = "5." + secode
		case r.State == StateDelivered && r.NotifySuccess:
			rr.Action = dsn.Delivered
			rr.Status = "2." + secode
		default:
			continue
		}
		rep.Recipients = append(rep.Recipients, rr)
	}
	return rep
}

// readHeaders returns the header section of a queued message, or nil.
func (q *Queue) readHeaders(ctx context.Context, log mlog.Log, msgID int64) []byte {
	f, err := q.store.OpenBody(ctx, msgID)
	if err != nil {
		log.Errorx("opening message for headers for dsn", err)
		return nil
	}
	defer func() {
		err := f.Close()
		log.Check(err, "closing message file")
	}()
	buf, err := io.ReadAll(io.LimitReader(f, 64*1024))
	if err != nil {
		log.Errorx("reading message headers for dsn", err)
		return nil
	}
	if i := bytes.Index(buf, []byte("\r\n\r\n")); i >= 0 {
		return buf[:i+4]
	}
	return nil
}

// DSNNotifier composes a DSN for a report and queues it for delivery to the
// original sender, with a null reverse path.
type DSNNotifier struct {
	Queue      *Queue
	Hostname   dns.Domain // Reporting MTA.
	Postmaster smtp.Path  // From header of DSNs.
}

var _ Notifier = DSNNotifier{}

func (n DSNNotifier) Notify(ctx context.Context, rep Report) error {
	if rep.Sender.IsZero() {
		return fmt.Errorf("not sending dsn to null reverse path")
	}

	var failed, delivered int
	var text strings.Builder
	dm := dsn.Message{
		SMTPUTF8:           rep.SMTPUTF8,
		From:               n.Postmaster,
		To:                 rep.Sender,
		OriginalEnvelopeID: rep.EnvID,
		ReportingMTA:       n.Hostname.ASCII,
		ArrivalDate:        rep.Queued,
		Original:           rep.Headers,
	}
	if rep.MessageID != "" {
		dm.References = "<" + strings.Trim(rep.MessageID, "<>") + ">"
	}
	for _, r := range rep.Recipients {
		dr := dsn.Recipient{
			FinalRecipient:  r.Recipient,
			Action:          r.Action,
			Status:          r.Status,
			RemoteMTA:       r.RemoteMTA,
			LastAttemptDate: r.LastAttempt,
			FinalLogID:      fmt.Sprintf("%d", rep.QueueID),
		}
		if r.Code > 0 && r.RemoteMTA != "" {
			dr.DiagnosticCode = r.Detail
			if !strings.HasPrefix(dr.DiagnosticCode, fmt.Sprintf("%d", r.Code)) {
				dr.DiagnosticCode = fmt.Sprintf("%d %s", r.Code, r.Detail)
			}
		}
		if s, ok := strings.CutPrefix(r.ORCPT, "rfc822;"); ok {
			if p, err := smtp.ParsePath(strings.TrimSpace(s)); err == nil {
				dr.OriginalRecipient = p
			}
		}
		dm.Recipients = append(dm.Recipients, dr)

		switch r.Action {
		case dsn.Failed:
			failed++
			fmt.Fprintf(&text, "Delivery to %s failed: %s\n", r.Recipient.XString(rep.SMTPUTF8), r.Detail)
		case dsn.Delivered:
			delivered++
			fmt.Fprintf(&text, "Delivered to %s.\n", r.Recipient.XString(rep.SMTPUTF8))
		}
	}
	switch {
	case failed > 0 && delivered > 0:
		dm.Subject = "mail delivery partially failed"
	case failed > 0:
		dm.Subject = "mail delivery failed"
	default:
		dm.Subject = "mail delivered"
	}
	dm.TextBody = fmt.Sprintf("This is a delivery status notification from %s about the message you sent.\n\n%s", n.Hostname.XName(rep.SMTPUTF8), text.String())

	data, err := dm.Compose(rep.SMTPUTF8)
	if err != nil {
		return fmt.Errorf("composing dsn: %w", err)
	}
	m := &Msg{
		MessageID: dm.MessageID,
		SMTPUTF8:  rep.SMTPUTF8,
		Has8bit:   rep.SMTPUTF8,
		IsDSN:     true,
	}
	rcpt := Recipient{
		Localpart: rep.Sender.Localpart,
		Domain:    rep.Sender.IPDomain,
	}
	if err := n.Queue.Enqueue(ctx, m, bytes.NewReader(data), []Recipient{rcpt}); err != nil {
		return fmt.Errorf("queueing dsn: %w", err)
	}
	return nil
}
