package smtppool

import (
	"log/slog"
	"time"

	"github.com/alexisbouchez/smtpmail/smtpclient"
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	name          string
	logger        *slog.Logger
	sessionOpts   []smtpclient.Option
	sweepInterval time.Duration
	quitTimeout   time.Duration
	now           func() time.Time
}

// WithName sets the pool name used in logs and metric labels. It defaults
// to the relay address followed by a per-process sequence number.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the structured logger. Sessions log through it too unless
// WithSessionOptions says otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSessionOptions passes options to every smtpclient.Dial.
func WithSessionOptions(opts ...smtpclient.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithSweepInterval sets how often idle sessions are checked for expiry.
// A negative interval disables the background sweep; expired sessions are
// then only evicted by Acquire.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithClock replaces time.Now for idle bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithQuitTimeout bounds the QUIT exchange of sessions leaving the pool.
// It defaults to DefaultQuitTimeout.
func WithQuitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.quitTimeout = d
		}
	}
}
