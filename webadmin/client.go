package webadmin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mjl-/sherpa/client"

	"github.com/mjl-/outq/metrics"
	"github.com/mjl-/outq/mlog"
)

// Client calls functions of the admin API, as used by the outq queue
// subcommands. API errors are returned as *sherpa.Error, also for HTTP-level
// failures like a rejected password.
type Client struct {
	*client.Client
}

// NewClient returns a client for the admin API at baseURL, e.g.
// http://127.0.0.1:8025/api/. If password is not empty, it is sent with HTTP
// basic authentication.
func NewClient(baseURL, password string, logger *slog.Logger) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	functions := make([]string, len(adminDoc.Functions))
	for i, fn := range adminDoc.Functions {
		functions[i] = fn.Name
	}
	c, err := client.New(baseURL, functions)
	if err != nil {
		return nil, fmt.Errorf("sherpa client: %w", err)
	}
	c.HTTPClient = &http.Client{
		Timeout: time.Minute,
		Transport: &transport{
			password: password,
			log:      mlog.New("webadmin", logger),
			next:     http.DefaultTransport,
		},
	}
	return &Client{c}, nil
}

// transport adds authentication to requests and tracks them in metrics.
type transport struct {
	password string
	log      mlog.Log
	next     http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (resp *http.Response, rerr error) {
	if t.password != "" {
		req = req.Clone(req.Context())
		req.SetBasicAuth("admin", t.password)
	}
	start := time.Now()
	var code int
	defer func() {
		metrics.HTTPClientObserve(req.Context(), t.log, "webadmin", req.Method, code, rerr, start)
	}()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	code = resp.StatusCode
	return resp, nil
}

func (c *Client) QueueList(ctx context.Context, filter QueueFilter) (l []QueueRecipient, err error) {
	err = c.Call(ctx, &l, "QueueList", filter)
	return
}

func (c *Client) QueueAdd(ctx context.Context, from string, to []string, message string) (msgID int64, err error) {
	err = c.Call(ctx, &msgID, "QueueAdd", from, to, message)
	return
}

func (c *Client) QueueRetry(ctx context.Context, rcptID int64) (r QueueRecipient, err error) {
	err = c.Call(ctx, &r, "QueueRetry", rcptID)
	return
}

func (c *Client) QueueFail(ctx context.Context, rcptID int64) error {
	return c.Call(ctx, nil, "QueueFail", rcptID)
}

func (c *Client) QueueDrop(ctx context.Context, msgID int64) error {
	return c.Call(ctx, nil, "QueueDrop", msgID)
}

func (c *Client) DNSFlush(ctx context.Context) (n int, err error) {
	err = c.Call(ctx, &n, "DNSFlush")
	return
}
