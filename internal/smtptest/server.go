package smtptest

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexisbouchez/smtpmail/internal/textproto"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

// Dialogue tokens understood by Server.
const (
	Drop = "<drop>" // As a reply: close the connection instead of answering.
	Hang = "<hang>" // As a reply: never answer, keep reading until the peer goes away.
	Any  = "*"      // As an expected command: accept any line.
)

// Server replays a fixed dialogue on every accepted connection.
//
// The dialogue is the greeting followed by pairs of expected command prefix
// and reply. A reply may span lines separated by "\n". After a 354 reply the
// server reads a dot-stuffed body and answers with the next dialogue entry.
// After a 220 reply to STARTTLS it performs the server TLS handshake when a
// TLS config is set. Once the dialogue is exhausted it answers QUIT with 221,
// RSET and NOOP with 250 and anything else with 502.
type Server struct {
	t        testing.TB
	ln       net.Listener
	dialogue []string

	mu         sync.Mutex
	tlsConfig  *tls.Config
	conns      int
	commands   []string
	bodies     []string
	mismatches []string
	open       map[net.Conn]struct{}
	closed     bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer starts a Server on a loopback port. It is closed by t.Cleanup.
func NewServer(t testing.TB, dialogue ...string) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &Server{
		t:        t,
		ln:       ln,
		dialogue: dialogue,
		open:     make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// SetTLSConfig enables the STARTTLS handshake.
func (s *Server) SetTLSConfig(c *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConfig = c
}

// Addr returns the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Config returns a configuration pointing at the server with STARTTLS and
// login disabled and short timeouts.
func (s *Server) Config() smtpconfig.Config {
	return clientConfig(s.Port())
}

func clientConfig(port int) smtpconfig.Config {
	cfg := smtpconfig.Default()
	cfg.Hostname = "127.0.0.1"
	cfg.Port = port
	cfg.StartTLS = smtpconfig.StartTLSDisabled
	cfg.Login = smtpconfig.LoginDisabled
	cfg.OwnHostname = "client.test"
	cfg.ConnectTimeout = 5 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	return cfg
}

// Connections returns how many connections were accepted.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// Commands returns every line received, across connections, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// HasCommand reports whether any received line starts with prefix.
func (s *Server) HasCommand(prefix string) bool {
	for _, c := range s.Commands() {
		if hasPrefixFold(c, prefix) {
			return true
		}
	}
	return false
}

// Bodies returns the DATA bodies received, dot-stuffing removed.
func (s *Server) Bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

// Close stops the server, drops open connections and reports dialogue
// mismatches on t.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.ln.Close()
		for c := range s.open {
			c.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		for _, m := range s.mismatches {
			s.t.Errorf("smtptest: %s", m)
		}
	})
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			nc.Close()
			return
		}
		s.conns++
		s.open[nc] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	defer s.wg.Done()
	conn := textproto.NewConn(nc)
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.open, nc)
		s.mu.Unlock()
	}()

	script := s.dialogue
	if len(script) == 0 || !writeReply(conn, script[0]) {
		return
	}
	script = script[1:]

	for {
		line, err := conn.ReadLine(textproto.MaxReplyLineLen)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		if len(script) < 2 {
			if !fallback(conn, line) {
				return
			}
			continue
		}

		expect, reply := script[0], script[1]
		script = script[2:]
		if expect != Any && !hasPrefixFold(line, expect) {
			s.mu.Lock()
			s.mismatches = append(s.mismatches, fmt.Sprintf("got command %q, want %q", line, expect))
			s.mu.Unlock()
		}
		if !writeReply(conn, reply) {
			return
		}

		switch {
		case strings.HasPrefix(reply, "354"):
			body, err := io.ReadAll(conn.DotReader())
			if err != nil {
				return
			}
			s.mu.Lock()
			s.bodies = append(s.bodies, string(body))
			s.mu.Unlock()

			final := "250 2.0.0 OK queued"
			if len(script) > 0 {
				final, script = script[0], script[1:]
			}
			if !writeReply(conn, final) {
				return
			}
		case strings.EqualFold(line, "STARTTLS") && strings.HasPrefix(reply, "220"):
			s.mu.Lock()
			cfg := s.tlsConfig
			s.mu.Unlock()
			if cfg == nil {
				return
			}
			tc := tls.Server(conn.NetConn(), cfg)
			tc.SetDeadline(time.Now().Add(5 * time.Second))
			if err := tc.Handshake(); err != nil {
				return
			}
			tc.SetDeadline(time.Time{})
			conn.ReplaceConn(tc)
		case strings.HasPrefix(reply, "221"):
			return
		}
	}
}

func fallback(conn *textproto.Conn, line string) bool {
	verb, _, _ := strings.Cut(strings.ToUpper(line), " ")
	switch verb {
	case "QUIT":
		conn.WriteReply(221, "2.0.0 Bye")
		return false
	case "RSET", "NOOP":
		return conn.WriteReply(250, "2.0.0 OK") == nil
	default:
		return conn.WriteReply(502, "5.5.2 Command not recognized") == nil
	}
}

func writeReply(conn *textproto.Conn, reply string) bool {
	switch reply {
	case Drop:
		return false
	case Hang:
		io.Copy(io.Discard, conn.NetConn())
		return false
	}
	return conn.WriteLines(strings.Split(reply, "\n")...) == nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Port helper for configs built from a listener address.
func portOf(addr string) int {
	_, p, _ := net.SplitHostPort(addr)
	n, _ := strconv.Atoi(p)
	return n
}
