// Package mailer sends [smtpmime.Message] values through a pool of SMTP
// sessions.
//
//	client, err := mailer.New(cfg)
//	if err != nil { ... }
//	defer client.Close(ctx)
//
//	res, err := client.Send(ctx, &smtpmime.Message{
//		From:    "alerts@example.com",
//		To:      []string{"ops@example.com"},
//		Subject: "Disk almost full",
//		Text:    "/var is at 93%.",
//	})
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/smtpclient"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
	"github.com/alexisbouchez/smtpmail/smtpmime"
	"github.com/alexisbouchez/smtpmail/smtppool"
)

// SendResult describes a message the relay accepted.
type SendResult struct {
	MessageID string
	// Recipients are the envelope recipients the relay accepted.
	Recipients []string
	// Rejected is non-empty only when Config.AllowRcptErrors is set and some
	// recipients were refused.
	Rejected []smtp.RecipientFailure
	// Response is the text of the final reply, usually with a queue id.
	Response string
}

type sessionPool interface {
	Acquire(ctx context.Context) (*smtpclient.Session, error)
	Release(s *smtpclient.Session)
	Close(ctx context.Context) error
}

// Client sends messages. It is safe for concurrent use.
type Client struct {
	pool        sessionPool
	ownHostname string
	logger      *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	poolOpts []smtppool.Option
}

// WithLogger sets the structured logger for the client and its pool.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPoolOptions passes options to the pool.
func WithPoolOptions(opts ...smtppool.Option) Option {
	return func(o *options) { o.poolOpts = append(o.poolOpts, opts...) }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	o.poolOpts = append([]smtppool.Option{smtppool.WithLogger(o.logger)}, o.poolOpts...)
	return o
}

// New returns a client with a pool of its own.
func New(cfg smtpconfig.Config, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	pool, err := smtppool.New(cfg, o.poolOpts...)
	if err != nil {
		return nil, err
	}
	return newClient(pool, pool.Config(), o.logger), nil
}

// NewShared returns a client using the registry pool called name, created
// from cfg if it does not exist yet. An existing pool keeps its own
// configuration, OwnHostname included. Closing the client releases its
// handle.
func NewShared(reg *smtppool.Registry, name string, cfg smtpconfig.Config, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	shared, err := reg.Open(name, cfg, o.poolOpts...)
	if err != nil {
		return nil, err
	}
	return newClient(shared, shared.Config(), o.logger), nil
}

func newClient(pool sessionPool, cfg smtpconfig.Config, logger *slog.Logger) *Client {
	return &Client{
		pool:        pool,
		ownHostname: cfg.EHLOName(),
		logger:      logger,
	}
}

// Send encodes msg and delivers it in one mail transaction on a pooled
// session. The message is validated before any connection is used. After
// Close it fails with smtp.ErrPoolClosed, even while a shared pool stays
// open for other clients.
func (c *Client) Send(ctx context.Context, msg *smtpmime.Message) (*SendResult, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, smtp.ErrPoolClosed
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg *smtpmime.Message) (*SendResult, error) {
	enc, err := smtpmime.Encode(msg, c.ownHostname)
	if err != nil {
		return nil, err
	}

	s, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := s.Send(ctx, enc.Envelope, enc.Data)
	c.pool.Release(s)
	if err != nil {
		c.logger.Warn("send failed",
			"message_id", enc.MessageID, "session", s.ID(), "permanent", smtp.IsPermanent(err), "error", err)
		return nil, fmt.Errorf("mailer: send %s: %w", enc.MessageID, err)
	}

	c.logger.Info("message sent",
		"message_id", enc.MessageID,
		"session", s.ID(),
		"recipients", len(receipt.Accepted),
		"rejected", len(receipt.Rejected),
		"response", receipt.Response,
	)
	return &SendResult{
		MessageID:  enc.MessageID,
		Recipients: receipt.Accepted,
		Rejected:   receipt.Rejected,
		Response:   receipt.Response,
	}, nil
}

// SendAsync runs Send in a new goroutine and reports the outcome to done,
// which may be nil. Close waits for sends queued before it.
func (c *Client) SendAsync(ctx context.Context, msg *smtpmime.Message, done func(*SendResult, error)) {
	if done == nil {
		done = func(*SendResult, error) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		go done(nil, smtp.ErrPoolClosed)
		return
	}
	c.pending.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.pending.Done()
		done(c.send(ctx, msg))
	}()
}

// Close waits for pending SendAsync calls, then closes the pool (or
// releases the shared pool handle). Sends after Close fail with
// smtp.ErrPoolClosed.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	wait := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(wait)
	}()
	select {
	case <-wait:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	return c.pool.Close(ctx)
}
