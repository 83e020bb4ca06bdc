package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

// Message is one message accepted by a Relay.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Relay is a real SMTP server backed by emersion/go-smtp that stores every
// accepted message.
type Relay struct {
	srv *gosmtp.Server
	ln  net.Listener

	rejected map[string]bool
	username string
	password string

	connections atomic.Int64
	mu          sync.Mutex
	messages    []Message
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithRejectedRecipients makes RCPT TO fail with 550 for the addresses.
func WithRejectedRecipients(addrs ...string) RelayOption {
	return func(r *Relay) {
		for _, a := range addrs {
			r.rejected[strings.ToLower(a)] = true
		}
	}
}

// WithCredentials requires AUTH PLAIN with the given credentials before MAIL.
func WithCredentials(username, password string) RelayOption {
	return func(r *Relay) {
		r.username = username
		r.password = password
	}
}

// WithMaxMessageBytes advertises and enforces a SIZE limit.
func WithMaxMessageBytes(n int64) RelayOption {
	return func(r *Relay) { r.srv.MaxMessageBytes = n }
}

// WithRelayTLS advertises STARTTLS using the given server config.
func WithRelayTLS(c *tls.Config) RelayOption {
	return func(r *Relay) { r.srv.TLSConfig = c }
}

// NewRelay starts a Relay on a loopback port. It is closed by t.Cleanup.
func NewRelay(t testing.TB, opts ...RelayOption) *Relay {
	t.Helper()

	r := &Relay{rejected: make(map[string]bool)}
	r.srv = gosmtp.NewServer(r)
	r.srv.Domain = "relay.test"
	r.srv.AllowInsecureAuth = true
	r.srv.ReadTimeout = 10 * time.Second
	r.srv.WriteTimeout = 10 * time.Second
	r.srv.MaxRecipients = 100
	for _, opt := range opts {
		opt(r)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	r.ln = ln

	go func() {
		if err := r.srv.Serve(ln); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) &&
			!strings.Contains(err.Error(), "use of closed") {
			t.Logf("smtptest: relay stopped: %v", err)
		}
	}()
	t.Cleanup(func() { r.srv.Close() })
	return r
}

// Addr returns the listening address.
func (r *Relay) Addr() string { return r.ln.Addr().String() }

// Config returns a configuration pointing at the relay. Credentials are
// filled in and login set to required when the relay demands them.
func (r *Relay) Config() smtpconfig.Config {
	cfg := clientConfig(portOf(r.Addr()))
	if r.username != "" {
		cfg.Login = smtpconfig.LoginRequired
		cfg.Username = r.username
		cfg.Password = r.password
	}
	if r.srv.TLSConfig != nil {
		cfg.StartTLS = smtpconfig.StartTLSRequired
		cfg.TrustAll = true
	}
	return cfg
}

// Connections returns how many sessions the relay has opened.
func (r *Relay) Connections() int {
	return int(r.connections.Load())
}

// Messages returns the accepted messages in order.
func (r *Relay) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// NewSession implements gosmtp.Backend.
func (r *Relay) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	r.connections.Add(1)
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay  *Relay
	authed bool
	from   string
	to     []string
}

func (s *relaySession) AuthMechanisms() []string {
	if s.relay.username == "" {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.relay.username || password != s.relay.password {
			return gosmtp.ErrAuthFailed
		}
		s.authed = true
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.relay.username != "" && !s.authed {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if s.relay.rejected[strings.ToLower(to)] {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(rd io.Reader) error {
	data, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	s.relay.mu.Lock()
	s.relay.messages = append(s.relay.messages, Message{From: s.from, To: s.to, Data: data})
	s.relay.mu.Unlock()
	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}
