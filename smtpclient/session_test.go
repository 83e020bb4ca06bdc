package smtpclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/smtptest"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

const greeting = "220 relay.test ESMTP ready"

// ehloReply builds a multi-line 250 EHLO reply advertising exts.
func ehloReply(exts ...string) string {
	lines := append([]string{"relay.test greets client.test"}, exts...)
	for i := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		lines[i] = "250" + sep + lines[i]
	}
	return strings.Join(lines, "\n")
}

func dial(t *testing.T, cfg smtpconfig.Config) *Session {
	t.Helper()
	s, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDial(t *testing.T) {
	srv := smtptest.NewServer(t,
		"220-relay.test ESMTP\n220 welcome",
		"EHLO client.test", ehloReply("SIZE 1000", "8BITMIME", "PIPELINING"),
	)

	s := dial(t, srv.Config())

	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.Usable())
	assert.NotZero(t, s.ID())
	assert.Equal(t, "relay.test ESMTP\nwelcome", s.Greeting())
	assert.Equal(t, int64(1000), s.MaxSize())
	assert.True(t, s.Extensions().Has(smtp.Ext8BITMIME))
	assert.False(t, s.IsTLS())
	assert.False(t, s.Authenticated())

	require.NoError(t, s.Noop(context.Background()))
	require.NoError(t, s.Quit(context.Background()))
	assert.Equal(t, StateQuit, s.State())
	assert.Equal(t, []string{"EHLO client.test", "NOOP", "QUIT"}, srv.Commands())
}

func TestDial_WithID(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("SIZE 1000"))

	s, err := Dial(context.Background(), srv.Config(), WithID(42), WithDialer(&net.Dialer{}))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, uint64(42), s.ID())
}

func TestDial_HELOFallback(t *testing.T) {
	for _, code := range []string{"500 5.5.1 Command unrecognized", "502 5.5.2 Not implemented"} {
		t.Run(code[:3], func(t *testing.T) {
			srv := smtptest.NewServer(t,
				greeting,
				"EHLO client.test", code,
				"HELO client.test", "250 relay.test",
			)

			s := dial(t, srv.Config())
			assert.Equal(t, StateReady, s.State())
			assert.Nil(t, s.Extensions())
			assert.Zero(t, s.MaxSize())
		})
	}
}

func TestDial_EHLORejected(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", "550 5.7.1 go away")

	_, err := Dial(context.Background(), srv.Config())

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "ehlo", protoErr.Op)
	assert.False(t, srv.HasCommand("HELO"))
}

func TestDial_BadGreeting(t *testing.T) {
	srv := smtptest.NewServer(t, "554 5.3.2 no service")

	_, err := Dial(context.Background(), srv.Config())

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "greeting", protoErr.Op)
	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, smtp.ReplyTransactionFailed, smtpErr.Code)
	assert.Equal(t, "no service", smtpErr.Message)
}

func TestDial_MalformedGreeting(t *testing.T) {
	srv := smtptest.NewServer(t, "hello there")

	_, err := Dial(context.Background(), srv.Config())

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "hello there", protoErr.Line)
}

func TestDial_DroppedAfterGreeting(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", smtptest.Drop)

	_, err := Dial(context.Background(), srv.Config())

	var connErr *smtp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ehlo", connErr.Op)
}

func TestDial_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := smtpconfig.Default()
	cfg.Hostname = "127.0.0.1"
	cfg.Port = port
	cfg.StartTLS = smtpconfig.StartTLSDisabled

	_, err = Dial(context.Background(), cfg)

	var connErr *smtp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "dial", connErr.Op)
	assert.False(t, smtp.IsPermanent(err))
}

func TestDial_CancelledContext(t *testing.T) {
	srv := smtptest.NewServer(t, greeting)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, srv.Config())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDial_CommandTimeout(t *testing.T) {
	// The server never answers EHLO.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte(greeting + "\r\n"))
		time.Sleep(2 * time.Second)
	}()

	cfg := smtpconfig.Default()
	cfg.Hostname = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.StartTLS = smtpconfig.StartTLSDisabled
	cfg.CommandTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err = Dial(context.Background(), cfg)

	var connErr *smtp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDial_InvalidConfig(t *testing.T) {
	cfg := smtpconfig.Default()
	cfg.MaxPoolSize = 0

	_, err := Dial(context.Background(), cfg)
	assert.ErrorContains(t, err, "MaxPoolSize")
}

func TestStartTLS(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO client.test", ehloReply("STARTTLS", "SIZE 1000"),
		"STARTTLS", "220 2.0.0 Ready to start TLS",
		"EHLO client.test", ehloReply("SIZE 5000", "AUTH PLAIN"),
	)
	srv.SetTLSConfig(smtptest.ServerTLSConfig(t))

	cfg := srv.Config()
	cfg.StartTLS = smtpconfig.StartTLSOptional
	cfg.TrustAll = true

	s := dial(t, cfg)

	assert.True(t, s.IsTLS())
	assert.Equal(t, int64(5000), s.MaxSize())
	assert.False(t, s.Extensions().Has(smtp.ExtSTARTTLS))
	require.NoError(t, s.Noop(context.Background()))
}

func TestStartTLS_RequiredNotAdvertised(t *testing.T) {
	srv := smtptest.NewServer(t, greeting, "EHLO", ehloReply("SIZE 1000"))

	cfg := srv.Config()
	cfg.StartTLS = smtpconfig.StartTLSRequired
	cfg.TrustAll = true

	_, err := Dial(context.Background(), cfg)

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "starttls", protoErr.Op)
	assert.False(t, srv.HasCommand("STARTTLS"))
}

func TestStartTLS_OptionalRefused(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("STARTTLS"),
		"STARTTLS", "454 4.7.0 TLS not available",
	)

	cfg := srv.Config()
	cfg.StartTLS = smtpconfig.StartTLSOptional

	s := dial(t, cfg)
	assert.Equal(t, StateReady, s.State())
	assert.False(t, s.IsTLS())
}

func TestStartTLS_RequiredRefused(t *testing.T) {
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("STARTTLS"),
		"STARTTLS", "454 4.7.0 TLS not available",
	)

	cfg := srv.Config()
	cfg.StartTLS = smtpconfig.StartTLSRequired

	_, err := Dial(context.Background(), cfg)

	var protoErr *smtp.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestStartTLS_HandshakeFailure(t *testing.T) {
	// No server TLS config: the server drops the connection after 220.
	srv := smtptest.NewServer(t,
		greeting,
		"EHLO", ehloReply("STARTTLS"),
		"STARTTLS", "220 go ahead",
	)

	cfg := srv.Config()
	cfg.StartTLS = smtpconfig.StartTLSOptional

	_, err := Dial(context.Background(), cfg)

	var connErr *smtp.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "starttls handshake", connErr.Op)
}

func TestImplicitTLS(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	tlsLn := tlsListener(t, ln)
	go func() {
		c, err := tlsLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.Write([]byte(greeting + "\r\n"))
		buf := make([]byte, 512)
		c.Read(buf)
		c.Write([]byte("250 relay.test\r\n"))
		c.Read(buf)
	}()

	cfg := smtpconfig.Default()
	cfg.Hostname = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.SSL = true
	cfg.TrustAll = true
	cfg.OwnHostname = "client.test"

	s := dial(t, cfg)
	assert.True(t, s.IsTLS())
	assert.Equal(t, StateReady, s.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "send-transaction", StateSendTransaction.String())
	assert.Equal(t, "State(99)", State(99).String())
}

func TestReplyError(t *testing.T) {
	s := smtptest.NewServer(t, greeting, "EHLO", ehloReply("SIZE 1"), "NOOP", "421-4.3.2 shutting\n421 down soon")
	sess := dial(t, s.Config())

	err := sess.Noop(context.Background())

	var smtpErr *smtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, smtp.ReplyServiceNotAvailable, smtpErr.Code)
	assert.Equal(t, smtp.EnhancedCode{Class: 4, Subject: 3, Detail: 2}, smtpErr.EnhancedCode)
	assert.Equal(t, "shutting\ndown soon", smtpErr.Message)
	assert.True(t, sess.Usable())
}
