package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/textproto"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

var lastID atomic.Uint64

// Session is one connection to the relay. It is not safe for concurrent
// use; the pool hands it to one caller at a time.
type Session struct {
	id        uint64
	cfg       smtpconfig.Config
	tlsConfig *tls.Config
	conn      *textproto.Conn
	logger    *slog.Logger

	state    State
	greeting string
	exts     smtp.Extensions
	authed   bool
	tls      bool
	err      error
	sends    int
}

// Dial connects to the relay named by cfg and runs the session up to Ready:
// greeting, EHLO, STARTTLS and authentication. On failure the connection is
// closed and the cause returned.
func Dial(ctx context.Context, cfg smtpconfig.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		dialer: &net.Dialer{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == 0 {
		o.id = lastID.Add(1)
	}

	tlsConfig := o.tlsConfig
	if tlsConfig == nil && (cfg.SSL || cfg.StartTLS != smtpconfig.StartTLSDisabled) {
		var err error
		if tlsConfig, err = cfg.TLSConfig(); err != nil {
			return nil, err
		}
	}
	if tlsConfig != nil && tlsConfig.ServerName == "" {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.ServerName = cfg.Hostname
	}

	s := &Session{
		id:        o.id,
		cfg:       cfg,
		tlsConfig: tlsConfig,
		logger:    o.logger.With("session", o.id, "relay", cfg.Addr()),
		state:     StateConnecting,
	}
	if err := s.handshake(ctx, o.dialer); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(ctx context.Context, dialer Dialer) error {
	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	nc, err := dialer.DialContext(connectCtx, "tcp", s.cfg.Addr())
	if err != nil {
		return s.fail(&smtp.ConnectionError{Op: "dial", Err: contextCause(connectCtx, err)})
	}
	if s.cfg.SSL {
		tc := tls.Client(nc, s.tlsConfig)
		if err := tc.HandshakeContext(connectCtx); err != nil {
			nc.Close()
			return s.fail(&smtp.ConnectionError{Op: "tls handshake", Err: err})
		}
		nc = tc
		s.tls = true
	}
	s.conn = textproto.NewConn(nc)

	s.setState(StateGreeting)
	reply, err := s.readReply(connectCtx, "greeting")
	if err != nil {
		return err
	}
	if reply.Code != int(smtp.ReplyServiceReady) {
		return s.fail(&smtp.ProtocolError{Op: "greeting", Line: reply.String(), Err: replyError(reply)})
	}
	s.greeting = reply.Text()

	if err := s.ehlo(ctx); err != nil {
		return err
	}
	if err := s.startTLS(ctx); err != nil {
		return err
	}
	if err := s.authenticate(ctx); err != nil {
		return err
	}

	s.setState(StateReady)
	s.logger.Debug("session ready", "tls", s.tls, "authenticated", s.authed)
	return nil
}

// ehlo sends EHLO and falls back to HELO when the command is not recognised
// (RFC 5321 §4.1.1.1). After HELO the session has no extensions.
func (s *Session) ehlo(ctx context.Context) error {
	s.setState(StateEhlo)
	name := s.cfg.EHLOName()

	reply, err := s.cmd(ctx, "ehlo", "EHLO %s", name)
	if err != nil {
		return err
	}
	if reply.Code == int(smtp.ReplyOK) {
		s.exts = smtp.ParseEHLOResponse(reply.Lines)
		return nil
	}
	if !smtp.ReplyCode(reply.Code).IsCommandUnrecognized() {
		return s.fail(&smtp.ProtocolError{Op: "ehlo", Line: reply.String(), Err: replyError(reply)})
	}

	reply, err = s.cmd(ctx, "helo", "HELO %s", name)
	if err != nil {
		return err
	}
	if reply.Code != int(smtp.ReplyOK) {
		return s.fail(&smtp.ProtocolError{Op: "helo", Line: reply.String(), Err: replyError(reply)})
	}
	s.exts = nil
	return nil
}

// startTLS upgrades the plain connection in place (RFC 3207) and repeats
// EHLO on the secured channel.
func (s *Session) startTLS(ctx context.Context) error {
	mode := s.cfg.StartTLS
	if s.tls || mode == smtpconfig.StartTLSDisabled {
		return nil
	}
	if !s.exts.Has(smtp.ExtSTARTTLS) {
		if mode == smtpconfig.StartTLSRequired {
			return s.fail(&smtp.ProtocolError{Op: "starttls", Err: errors.New("STARTTLS required but not advertised")})
		}
		return nil
	}

	s.setState(StateTLSUpgrade)
	reply, err := s.cmd(ctx, "starttls", "STARTTLS")
	if err != nil {
		return err
	}
	if reply.Code != int(smtp.ReplyServiceReady) {
		if mode == smtpconfig.StartTLSRequired {
			return s.fail(&smtp.ProtocolError{Op: "starttls", Line: reply.String(), Err: replyError(reply)})
		}
		s.logger.Warn("STARTTLS refused, continuing in plaintext", "code", reply.Code)
		return nil
	}

	hsCtx, cancel := s.commandContext(ctx)
	defer cancel()
	tc := tls.Client(s.conn.NetConn(), s.tlsConfig)
	if err := tc.HandshakeContext(hsCtx); err != nil {
		return s.fail(&smtp.ConnectionError{Op: "starttls handshake", Err: err})
	}
	s.conn.ReplaceConn(tc)
	s.tls = true

	return s.ehlo(ctx)
}

func (s *Session) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CommandTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

// cmd writes one command line and reads its reply.
func (s *Session) cmd(ctx context.Context, op, format string, args ...any) (textproto.Reply, error) {
	if err := s.writeLine(ctx, op, fmt.Sprintf(format, args...)); err != nil {
		return textproto.Reply{}, err
	}
	return s.readReply(ctx, op)
}

func (s *Session) writeLine(ctx context.Context, op, line string) error {
	stop := s.armDeadline(ctx)
	defer stop()
	if err := s.conn.WriteLine(line); err != nil {
		return s.fail(&smtp.ConnectionError{Op: op, Err: contextCause(ctx, err)})
	}
	return nil
}

// readReply reads a reply. Transport errors and malformed replies are fatal.
func (s *Session) readReply(ctx context.Context, op string) (textproto.Reply, error) {
	stop := s.armDeadline(ctx)
	defer stop()

	reply, err := s.conn.ReadReply()
	if err != nil {
		var malformed *textproto.MalformedReplyError
		if errors.As(err, &malformed) {
			return reply, s.fail(&smtp.ProtocolError{Op: op, Line: malformed.Line, Err: err})
		}
		return reply, s.fail(&smtp.ConnectionError{Op: op, Err: contextCause(ctx, err)})
	}
	s.logger.Debug("smtp reply", "op", op, "code", reply.Code)
	return reply, nil
}

// armDeadline maps ctx and the command timeout onto the connection deadline
// and interrupts blocked I/O when ctx is cancelled.
func (s *Session) armDeadline(ctx context.Context) (stop func() bool) {
	s.conn.SetDeadlineFromContext(ctx, s.cfg.CommandTimeout)
	nc := s.conn.NetConn()
	return context.AfterFunc(ctx, func() {
		nc.SetDeadline(time.Unix(1, 0))
	})
}

func contextCause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// fail moves the session to Failed, closes the transport and records the
// first failure cause.
func (s *Session) fail(err error) error {
	if s.err == nil {
		s.err = err
	}
	if s.state != StateFailed {
		s.logger.Warn("session failed", "state", s.state, "error", err)
	}
	s.state = StateFailed
	if s.conn != nil {
		s.conn.Close()
	}
	return err
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("session state", "from", s.state, "to", st)
	s.state = st
}

// Noop sends NOOP (RFC 5321 §4.1.1.9). A non-250 reply is returned as an
// *smtp.SMTPError and leaves the session Ready.
func (s *Session) Noop(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	reply, err := s.cmd(ctx, "noop", "NOOP")
	if err != nil {
		return err
	}
	if reply.Code != int(smtp.ReplyOK) {
		return replyError(reply)
	}
	return nil
}

// Quit sends QUIT and closes the connection (RFC 5321 §4.1.1.10). A failed
// or already closed session is left as is.
func (s *Session) Quit(ctx context.Context) error {
	if s.state == StateFailed || s.state == StateQuit {
		return nil
	}
	s.setState(StateQuit)
	defer s.conn.Close()

	stop := s.armDeadline(ctx)
	defer stop()
	if _, err := s.conn.Cmd("QUIT"); err != nil {
		return &smtp.ConnectionError{Op: "quit", Err: contextCause(ctx, err)}
	}
	return nil
}

// Close closes the connection without QUIT.
func (s *Session) Close() error {
	if s.state == StateFailed || s.state == StateQuit {
		return nil
	}
	s.setState(StateQuit)
	return s.conn.Close()
}

func (s *Session) checkReady() error {
	switch s.state {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", smtp.ErrSessionUnusable, s.err)
	default:
		return fmt.Errorf("%w: session is %s", smtp.ErrSessionUnusable, s.state)
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint64 { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Usable reports whether the session can run another transaction.
func (s *Session) Usable() bool { return s.state == StateReady }

// Err returns the cause recorded when the session failed.
func (s *Session) Err() error { return s.err }

// Greeting returns the text of the server's 220 greeting.
func (s *Session) Greeting() string { return s.greeting }

// Extensions returns the capabilities from the last EHLO, or nil after HELO.
func (s *Session) Extensions() smtp.Extensions { return s.exts }

// Authenticated reports whether AUTH succeeded.
func (s *Session) Authenticated() bool { return s.authed }

// IsTLS reports whether the connection is encrypted.
func (s *Session) IsTLS() bool { return s.tls }

// MaxSize returns the SIZE limit advertised by the server, or 0.
func (s *Session) MaxSize() int64 { return s.exts.MaxSize() }

// replyError converts a reply into an *smtp.SMTPError, splitting off an
// enhanced status code on the first line when present.
func replyError(reply textproto.Reply) *smtp.SMTPError {
	e := &smtp.SMTPError{Code: smtp.ReplyCode(reply.Code), Message: reply.Text()}
	if len(reply.Lines) > 0 {
		if cl, su, de, rest := textproto.ParseEnhancedCode(reply.Lines[0]); cl != 0 {
			e.EnhancedCode = smtp.EnhancedCode{Class: cl, Subject: su, Detail: de}
			lines := append([]string{rest}, reply.Lines[1:]...)
			e.Message = textproto.Reply{Lines: lines}.Text()
		}
	}
	return e
}
