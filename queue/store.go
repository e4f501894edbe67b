package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/outq/dns"
	"github.com/mjl-/outq/mlog"
	"github.com/mjl-/outq/smtp"
)

var (
	ErrStale    = errors.New("recipient changed by another attempt or operation")
	ErrInFlight = errors.New("delivery attempt in progress for recipient")
	ErrTerminal = errors.New("recipient already delivered or failed")
	ErrAbsent   = bstore.ErrAbsent
	ErrFilter   = errors.New("invalid filter")
)

// State of a recipient. Recipients move from scheduled to inflight for each
// attempt, and back to scheduled on a temporary failure, until delivered or
// failed.
type State string

const (
	StateScheduled State = "scheduled"
	StateInFlight  State = "inflight"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
	StateHeld      State = "held" // Routing could not be evaluated, waits for operator retry.
)

// Terminal returns whether no further attempts are made for the state.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Msg is a queued message. The message file is immutable, stored under the
// data directory as queue/<id>.
type Msg struct {
	ID              int64
	Queued          time.Time `bstore:"default now"`
	SenderLocalpart smtp.Localpart
	SenderDomain    dns.IPDomain // Zero for the null reverse path.
	Size            int64
	MessageID       string // Message-ID header, for References in a DSN.
	SMTPUTF8        bool
	Has8bit         bool
	EnvID           string // DSN ENVID parameter.
	IsDSN           bool   // Generated by us, never causes another DSN.

	// Set when all recipients are final and the message is claimed for sending
	// the report. Until NotifyDue, no other caller completes the message. If
	// notifying failed, completion is tried again at NotifyDue.
	NotifyDue      time.Time `bstore:"index"`
	NotifyAttempts int
}

// Sender returns the path for MAIL FROM.
func (m Msg) Sender() smtp.Path {
	return smtp.Path{Localpart: m.SenderLocalpart, IPDomain: m.SenderDomain}
}

// Recipient is a recipient of a queued message, with its delivery state.
type Recipient struct {
	ID        int64
	MsgID     int64 `bstore:"nonzero,ref Msg"`
	Localpart smtp.Localpart
	Domain    dns.IPDomain
	DomainStr string // Unicode, or bracketed IP, for filtering.

	State       State     `bstore:"index"`
	Attempts    int       // Attempts made, each with an outcome.
	Due         time.Time `bstore:"index"` // Next attempt, for scheduled recipients.
	Expiry      time.Time // Fixed at enqueue. Temporary failures after expiry fail the recipient.
	AttemptID   int64     // Of the current or last attempt. Guards updates.
	LastAttempt *time.Time
	LastError   string
	LastCode    int
	LastSecode  string
	LastRoute   string
	RemoteMTA   string // Host that gave the last response.

	NotifySuccess   bool   // DSN NOTIFY=SUCCESS.
	NoNotifyFailure bool   // DSN NOTIFY=NEVER, or NOTIFY without FAILURE. By default failures are reported.
	ORCPT           string // DSN ORCPT, as "rfc822;" address.
}

// Path returns the recipient for RCPT TO.
func (r Recipient) Path() smtp.Path {
	return smtp.Path{Localpart: r.Localpart, IPDomain: r.Domain}
}

func formatIPDomain(d dns.IPDomain) string {
	if len(d.IP) > 0 {
		return "[" + d.IP.String() + "]"
	}
	return d.Domain.Name()
}

// Filter selects recipients. Zero fields are not applied.
type Filter struct {
	IDs    []int64 // Recipient IDs.
	MsgID  int64
	States []State
	To     string // Substring of recipient address.
	Due    string // "<$duration" or ">$duration" relative to now, or "<now"/">now".
}

func (f Filter) apply(q *bstore.Query[Recipient]) error {
	if len(f.IDs) > 0 {
		q.FilterIDs(f.IDs)
	}
	if f.MsgID != 0 {
		q.FilterNonzero(Recipient{MsgID: f.MsgID})
	}
	if len(f.States) > 0 {
		l := make([]any, len(f.States))
		for i, s := range f.States {
			l[i] = s
		}
		q.FilterEqual("State", l...)
	}
	if f.Due != "" {
		s := f.Due
		before := strings.HasPrefix(s, "<")
		if !before && !strings.HasPrefix(s, ">") {
			return fmt.Errorf(`%w: due must start with "<" for before or ">" for after`, ErrFilter)
		}
		s = s[1:]
		t := time.Now()
		if s != "now" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%w: parsing due duration %q: %v", ErrFilter, f.Due, err)
			}
			t = t.Add(d)
		}
		if before {
			q.FilterLess("Due", t)
		} else {
			q.FilterGreater("Due", t)
		}
	}
	if f.To != "" {
		q.FilterFn(func(r Recipient) bool {
			return strings.Contains(r.Path().XString(true), f.To)
		})
	}
	return nil
}

// Store persists queued messages and recipient state. Updates to a recipient
// are atomic, and transitions away from inflight are guarded by the attempt
// id, so a stale attempt cannot overwrite newer state.
type Store interface {
	// Enqueue adds a message with its body and recipients, setting their IDs.
	Enqueue(ctx context.Context, m *Msg, body io.Reader, rcpts []Recipient) error

	// NextDue returns scheduled recipients with Due at or before now, ordered
	// by Due, skipping recipients in exclude.
	NextDue(ctx context.Context, now time.Time, limit int, exclude map[int64]struct{}) ([]Recipient, error)

	// NextDueTime returns the earliest Due of scheduled recipients not in
	// exclude, or ErrAbsent.
	NextDueTime(ctx context.Context, exclude map[int64]struct{}) (time.Time, error)

	// BeginAttempt moves a scheduled recipient to inflight with attemptID and
	// route. ErrStale is returned if the recipient is no longer scheduled.
	BeginAttempt(ctx context.Context, rcptID, attemptID int64, route string, now time.Time) (Recipient, error)

	// UpdateRecipient stores r if the stored recipient is still in state from
	// with attemptID. Otherwise ErrStale is returned.
	UpdateRecipient(ctx context.Context, r Recipient, from State, attemptID int64) error

	// SetDue sets Due of a scheduled or held recipient, making it scheduled.
	// ErrInFlight or ErrTerminal is returned for other states.
	SetDue(ctx context.Context, rcptID int64, due time.Time) (Recipient, error)

	// Complete removes a message and its recipients if all recipients are
	// terminal, and returns true. The message is first claimed in a single
	// transaction until now+claim, so only one caller at a time calls fn. If fn
	// is not nil, it is called before the message is removed. If fn fails, the
	// message is kept with NotifyDue set to the end of the claim, and the error
	// is returned. PendingNotify returns it once NotifyDue has passed.
	Complete(ctx context.Context, msgID int64, now time.Time, claim time.Duration, fn func(m Msg, rcpts []Recipient) error) (bool, error)

	// PendingNotify returns IDs of messages with NotifyDue set, at or before now.
	PendingNotify(ctx context.Context, now time.Time) ([]int64, error)

	// ResetInFlight makes inflight recipients scheduled again, for use at
	// startup, when no attempts can be in progress.
	ResetInFlight(ctx context.Context) (int, error)

	Load(ctx context.Context, msgID int64) (Msg, []Recipient, error)
	Recipient(ctx context.Context, rcptID int64) (Recipient, error)
	List(ctx context.Context, f Filter) ([]Recipient, error)

	// Drop removes a message and its recipients regardless of state.
	Drop(ctx context.Context, msgID int64) error

	OpenBody(ctx context.Context, msgID int64) (io.ReadCloser, error)
}

// DBTypes are the types stored in the queue database.
var DBTypes = []any{Msg{}, Recipient{}}

// DBStore is a Store in a bstore database, with message files in a directory.
type DBStore struct {
	DB  *bstore.DB
	dir string
	log mlog.Log
}

var _ Store = (*DBStore)(nil)

// OpenDB opens or creates the queue database at dir/index.db. Message files
// are stored in dir.
func OpenDB(ctx context.Context, log mlog.Log, dir string) (*DBStore, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}
	qpath := filepath.Join(dir, "index.db")
	isNew := false
	if _, err := os.Stat(qpath); err != nil && os.IsNotExist(err) {
		isNew = true
	}
	db, err := bstore.Open(ctx, qpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		if isNew {
			os.Remove(qpath)
		}
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	return &DBStore{DB: db, dir: dir, log: log}, nil
}

// Close closes the database.
func (s *DBStore) Close() error {
	return s.DB.Close()
}

func (s *DBStore) bodyPath(msgID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(msgID, 10))
}

func (s *DBStore) Enqueue(ctx context.Context, m *Msg, body io.Reader, rcpts []Recipient) (rerr error) {
	if len(rcpts) == 0 {
		return fmt.Errorf("message needs at least one recipient")
	}
	if m.ID != 0 {
		return fmt.Errorf("id of queued message must be 0")
	}

	tx, err := s.DB.Begin(ctx, true)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			err := tx.Rollback()
			s.log.Check(err, "rollback of enqueue")
		}
	}()

	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// Write the message file before committing, a message in the database
	// always has a file.
	p := s.bodyPath(m.ID)
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		return fmt.Errorf("creating message file: %w", err)
	}
	defer func() {
		if f != nil {
			err := f.Close()
			s.log.Check(err, "closing message file")
		}
		if rerr != nil {
			err := os.Remove(p)
			s.log.Check(err, "removing message file after failed enqueue", slog.String("path", p))
		}
	}()
	n, err := io.Copy(f, body)
	if err != nil {
		return fmt.Errorf("writing message file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync message file: %w", err)
	}
	err = f.Close()
	f = nil
	if err != nil {
		return fmt.Errorf("closing message file: %w", err)
	}
	if m.Size != n {
		m.Size = n
		if err := tx.Update(m); err != nil {
			return fmt.Errorf("updating message size: %w", err)
		}
	}

	for i := range rcpts {
		r := &rcpts[i]
		if r.ID != 0 {
			return fmt.Errorf("id of queued recipient must be 0")
		}
		r.MsgID = m.ID
		r.DomainStr = formatIPDomain(r.Domain)
		if r.State == "" {
			r.State = StateScheduled
		}
		if err := tx.Insert(r); err != nil {
			return fmt.Errorf("inserting recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx = nil
	return nil
}

func (s *DBStore) NextDue(ctx context.Context, now time.Time, limit int, exclude map[int64]struct{}) ([]Recipient, error) {
	q := bstore.QueryDB[Recipient](ctx, s.DB)
	q.FilterEqual("State", StateScheduled)
	q.FilterLessEqual("Due", now)
	if len(exclude) > 0 {
		q.FilterFn(func(r Recipient) bool {
			_, ok := exclude[r.ID]
			return !ok
		})
	}
	q.SortAsc("Due")
	if limit > 0 {
		q.Limit(limit)
	}
	return q.List()
}

func (s *DBStore) NextDueTime(ctx context.Context, exclude map[int64]struct{}) (time.Time, error) {
	q := bstore.QueryDB[Recipient](ctx, s.DB)
	q.FilterEqual("State", StateScheduled)
	if len(exclude) > 0 {
		q.FilterFn(func(r Recipient) bool {
			_, ok := exclude[r.ID]
			return !ok
		})
	}
	q.SortAsc("Due")
	q.Limit(1)
	r, err := q.Get()
	if err != nil && !errors.Is(err, ErrAbsent) {
		return time.Time{}, err
	}
	due := r.Due

	mq := bstore.QueryDB[Msg](ctx, s.DB)
	mq.FilterGreater("NotifyDue", time.Time{})
	mq.SortAsc("NotifyDue")
	mq.Limit(1)
	m, merr := mq.Get()
	if merr != nil && !errors.Is(merr, ErrAbsent) {
		return time.Time{}, merr
	}
	switch {
	case err != nil && merr != nil:
		return time.Time{}, ErrAbsent
	case err != nil || merr == nil && m.NotifyDue.Before(due):
		due = m.NotifyDue
	}
	return due, nil
}

func (s *DBStore) BeginAttempt(ctx context.Context, rcptID, attemptID int64, route string, now time.Time) (Recipient, error) {
	var r Recipient
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		r = Recipient{ID: rcptID}
		if err := tx.Get(&r); err != nil {
			return err
		}
		if r.State != StateScheduled {
			return ErrStale
		}
		r.State = StateInFlight
		r.AttemptID = attemptID
		r.LastRoute = route
		r.LastAttempt = &now
		return tx.Update(&r)
	})
	return r, err
}

func (s *DBStore) UpdateRecipient(ctx context.Context, r Recipient, from State, attemptID int64) error {
	return s.DB.Write(ctx, func(tx *bstore.Tx) error {
		cur := Recipient{ID: r.ID}
		if err := tx.Get(&cur); err != nil {
			return err
		}
		if cur.State != from || cur.AttemptID != attemptID || cur.MsgID != r.MsgID {
			return ErrStale
		}
		return tx.Update(&r)
	})
}

func (s *DBStore) SetDue(ctx context.Context, rcptID int64, due time.Time) (Recipient, error) {
	var r Recipient
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		r = Recipient{ID: rcptID}
		if err := tx.Get(&r); err != nil {
			return err
		}
		switch r.State {
		case StateInFlight:
			return ErrInFlight
		case StateDelivered, StateFailed:
			return ErrTerminal
		}
		r.State = StateScheduled
		r.Due = due
		return tx.Update(&r)
	})
	return r, err
}

func (s *DBStore) Complete(ctx context.Context, msgID int64, now time.Time, claim time.Duration, fn func(m Msg, rcpts []Recipient) error) (bool, error) {
	var m Msg
	var rcpts []Recipient
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		m = Msg{ID: msgID}
		if err := tx.Get(&m); err != nil {
			return err
		}
		if now.Before(m.NotifyDue) {
			// Claimed by another caller, or waiting for a retry of its report.
			return nil
		}
		var err error
		rcpts, err = bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MsgID: msgID}).SortAsc("ID").List()
		if err != nil {
			return fmt.Errorf("listing recipients: %w", err)
		}
		if slices.ContainsFunc(rcpts, func(r Recipient) bool { return !r.State.Terminal() }) {
			rcpts = nil
			return nil
		}
		m.NotifyDue = now.Add(claim)
		m.NotifyAttempts++
		return tx.Update(&m)
	})
	if errors.Is(err, ErrAbsent) {
		// Completed by another caller, or dropped.
		return false, nil
	} else if err != nil || rcpts == nil {
		return false, err
	}

	if fn != nil {
		if err := fn(m, rcpts); err != nil {
			return false, err
		}
	}

	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MsgID: msgID}).Delete(); err != nil {
			return fmt.Errorf("deleting recipients: %w", err)
		}
		return tx.Delete(&Msg{ID: msgID})
	})
	if errors.Is(err, ErrAbsent) {
		// Dropped while notifying.
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("removing completed message: %w", err)
	}
	p := s.bodyPath(msgID)
	err = os.Remove(p)
	s.log.Check(err, "removing message file of completed message", slog.String("path", p))
	return true, nil
}

func (s *DBStore) PendingNotify(ctx context.Context, now time.Time) ([]int64, error) {
	q := bstore.QueryDB[Msg](ctx, s.DB)
	q.FilterGreater("NotifyDue", time.Time{})
	q.FilterLessEqual("NotifyDue", now)
	q.SortAsc("NotifyDue")
	var ids []int64
	err := q.IDs(&ids)
	return ids, err
}

func (s *DBStore) ResetInFlight(ctx context.Context) (int, error) {
	q := bstore.QueryDB[Recipient](ctx, s.DB)
	q.FilterEqual("State", StateInFlight)
	return q.UpdateFields(map[string]any{"State": StateScheduled})
}

func (s *DBStore) Load(ctx context.Context, msgID int64) (Msg, []Recipient, error) {
	var m Msg
	var rcpts []Recipient
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		m = Msg{ID: msgID}
		if err := tx.Get(&m); err != nil {
			return err
		}
		var err error
		rcpts, err = bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MsgID: msgID}).SortAsc("ID").List()
		return err
	})
	return m, rcpts, err
}

func (s *DBStore) Recipient(ctx context.Context, rcptID int64) (Recipient, error) {
	r := Recipient{ID: rcptID}
	err := s.DB.Get(ctx, &r)
	return r, err
}

func (s *DBStore) List(ctx context.Context, f Filter) ([]Recipient, error) {
	q := bstore.QueryDB[Recipient](ctx, s.DB)
	if err := f.apply(q); err != nil {
		return nil, err
	}
	q.SortAsc("Due", "ID")
	return q.List()
}

func (s *DBStore) Drop(ctx context.Context, msgID int64) error {
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := bstore.QueryTx[Recipient](tx).FilterNonzero(Recipient{MsgID: msgID}).Delete(); err != nil {
			return fmt.Errorf("deleting recipients: %w", err)
		}
		return tx.Delete(&Msg{ID: msgID})
	})
	if err != nil {
		return err
	}
	p := s.bodyPath(msgID)
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("removing message file: %w", err)
	}
	return nil
}

func (s *DBStore) OpenBody(ctx context.Context, msgID int64) (io.ReadCloser, error) {
	f, err := os.Open(s.bodyPath(msgID))
	if err != nil {
		return nil, fmt.Errorf("open message file: %w", err)
	}
	return f, nil
}
