package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/outq/webadmin"
)

func flagFilter(fs *flag.FlagSet, f *webadmin.QueueFilter) {
	fs.Int64Var(&f.MsgID, "msgid", 0, "id of queued message")
	fs.Func("state", "comma-separated list of states: scheduled, inflight, held, delivered, failed", func(v string) error {
		f.States = append(f.States, strings.Split(v, ",")...)
		return nil
	})
	fs.StringVar(&f.To, "to", "", `recipient address of message, use "@example.com" to match all recipients in a domain`)
	fs.StringVar(&f.Due, "due", "", `filter by time of next delivery attempt relative to now, value must start with "<" (before now) or ">" (after now), e.g. "<1h"`)
}

func xparseIDs(args []string) []int64 {
	var l []int64
	for _, s := range args {
		id, err := strconv.ParseInt(s, 10, 64)
		xcheckf(err, "parsing id %q", s)
		l = append(l, id)
	}
	return l
}

func cmdQueueList(c *cmd) {
	c.params = "[filterflags]"
	c.help = `List matching recipients in the delivery queue.

Prints each recipient with its ID, message ID, state, number of attempts, next
delivery attempt, route of the last attempt and last error.
`
	var f webadmin.QueueFilter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	l, err := xadminClient().QueueList(context.Background(), f)
	xcheckf(err, "listing queue")
	for _, r := range l {
		var last string
		if r.LastAttempt != nil {
			last = fmt.Sprintf(" last %s via %s", r.LastAttempt.Format(time.RFC3339), r.LastRoute)
			if r.RemoteMTA != "" {
				last += " at " + r.RemoteMTA
			}
		}
		fmt.Printf("%d msg %d %s %s attempts %d due %s%s\n", r.ID, r.MsgID, r.Recipient, r.State, r.Attempts, r.Due.Format(time.RFC3339), last)
		if r.LastError != "" {
			fmt.Printf("\terror: %s\n", r.LastError)
		}
	}
	if len(l) == 0 {
		fmt.Println("(empty)")
	}
}

func cmdQueueAdd(c *cmd) {
	c.params = "[-from address] recipient ... <message"
	c.help = `Add a message to the queue for delivery.

The message is read from stdin, in internet mail format. Bare newlines are
converted to CRLF. Without -from, the message is sent with the null reverse path
and no DSNs are sent for it.
`
	var from string
	c.flag.StringVar(&from, "from", "", "sender address for MAIL FROM, DSNs are sent to it")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading message")
	if !bytes.Contains(buf, []byte("\r\n")) {
		buf = bytes.ReplaceAll(buf, []byte("\n"), []byte("\r\n"))
	}
	msgID, err := xadminClient().QueueAdd(context.Background(), from, args, string(buf))
	xcheckf(err, "adding message to queue")
	fmt.Printf("queued as message %d\n", msgID)
}

func cmdQueueRetry(c *cmd) {
	c.params = "recipientid ..."
	c.help = `Schedule delivery attempts for recipients now.

Held recipients, for which no route could be selected, are scheduled again.
Concurrency limits of routes still apply.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	client := xadminClient()
	for _, id := range xparseIDs(args) {
		r, err := client.QueueRetry(context.Background(), id)
		xcheckf(err, "retrying recipient %d", id)
		fmt.Printf("%d %s due %s\n", r.ID, r.Recipient, r.Due.Format(time.RFC3339))
	}
}

func cmdQueueFail(c *cmd) {
	c.params = "recipientid ..."
	c.help = `Fail delivery to recipients, sending DSNs.

Failing a recipient is handled like a permanent delivery failure. Recipients
with a delivery attempt in progress cannot be failed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	client := xadminClient()
	for _, id := range xparseIDs(args) {
		err := client.QueueFail(context.Background(), id)
		xcheckf(err, "failing recipient %d", id)
	}
	fmt.Printf("%d recipients marked as failed\n", len(args))
}

func cmdQueueDrop(c *cmd) {
	c.params = "msgid ..."
	c.help = `Remove messages and their recipients from the queue.

Dangerous operation, the message is removed without DSN.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	client := xadminClient()
	for _, id := range xparseIDs(args) {
		err := client.QueueDrop(context.Background(), id)
		xcheckf(err, "dropping message %d", id)
	}
	fmt.Printf("%d messages dropped\n", len(args))
}

func cmdDNSFlush(c *cmd) {
	c.help = `Remove all entries from the DNS cache of a running outq.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	n, err := xadminClient().DNSFlush(context.Background())
	xcheckf(err, "flushing dns cache")
	fmt.Printf("%d entries removed\n", n)
}
