package natsbus

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/preproc/pkg/protocol"
)

// Client talks to a manager over the bus: collectors submit values,
// operators query the queue.
type Client struct {
	conn    Conn
	subj    Subjects
	timeout time.Duration
}

// NewClient creates a client for subjects below prefix. Requests without a
// deadline get timeout.
func NewClient(conn Conn, prefix string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{conn: conn, subj: NewSubjects(prefix), timeout: timeout}
}

// Submit publishes a batch of collected values. There is no reply.
func (c *Client) Submit(values []protocol.RawValue) error {
	data, err := protocol.Encode(protocol.SubmitValues{Values: values})
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.subj.Values(), data); err != nil {
		return fmt.Errorf("failed to publish values: %w", err)
	}
	return nil
}

func (c *Client) QueueDepth(ctx context.Context) (int, error) {
	var r protocol.QueueDepthReply
	err := c.request(ctx, c.subj.Queue(), struct{}{}, &r)
	return r.Depth, err
}

func (c *Client) Test(ctx context.Context, req protocol.TestRequest) (protocol.TestResult, error) {
	var r protocol.TestResult
	err := c.request(ctx, c.subj.Test(), req, &r)
	return r, err
}

func (c *Client) DiagnosticStats(ctx context.Context) (protocol.DiagStats, error) {
	var r protocol.DiagStats
	err := c.request(ctx, c.subj.Diag(), struct{}{}, &r)
	return r, err
}

// Top lists the items with the most unflushed values, or with oldest set the
// items whose values have waited longest.
func (c *Client) Top(ctx context.Context, limit int, oldest bool) ([]protocol.TopItem, error) {
	var r protocol.TopReply
	err := c.request(ctx, c.subj.Top(), protocol.TopRequest{Limit: limit, Oldest: oldest}, &r)
	return r.Items, err
}

func (c *Client) request(ctx context.Context, subject string, req, reply any) error {
	data, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", subject, err)
	}
	return protocol.DecodeReply(msg.Data, reply)
}
