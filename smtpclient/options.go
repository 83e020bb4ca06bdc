package smtpclient

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
)

// Dialer opens the transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	dialer    Dialer
	tlsConfig *tls.Config
	logger    *slog.Logger
	id        uint64
}

// WithDialer sets the dialer used to reach the relay.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTLSConfig overrides the TLS configuration built from the Config.
func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) { o.tlsConfig = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithID sets the session identifier instead of taking the next one from
// the process-wide sequence.
func WithID(id uint64) Option {
	return func(o *options) { o.id = id }
}
