package smtpclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/metrics"
	"github.com/alexisbouchez/smtpmail/smtpconfig"
)

// authenticate applies the configured login mode after EHLO.
func (s *Session) authenticate(ctx context.Context) error {
	if s.cfg.Login == smtpconfig.LoginDisabled {
		return nil
	}
	required := s.cfg.Login == smtpconfig.LoginRequired

	if !s.cfg.HasCredentials() {
		if required {
			return s.fail(&smtp.AuthenticationError{Err: smtp.ErrNoCredentials})
		}
		return nil
	}

	mech := smtp.SelectMechanism(s.exts.AuthMechanisms(), s.cfg.AuthMethods)
	if mech == smtp.MechanismNone {
		if required {
			return s.fail(&smtp.AuthenticationError{Err: smtp.ErrNoMechanism})
		}
		s.logger.Debug("no common authentication mechanism, continuing unauthenticated",
			"offered", s.exts.AuthMechanisms())
		return nil
	}

	s.setState(StateAuthenticating)
	client, err := mech.Client(smtp.Credentials{
		Identity: s.cfg.AuthIdentity,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		Host:     s.cfg.Hostname,
	})
	if err != nil {
		return s.fail(&smtp.AuthenticationError{Mechanism: mech, Err: err})
	}

	if err := s.auth(ctx, mech, client); err != nil {
		metrics.AuthAttempts.WithLabelValues(mech.String(), metrics.ResultFailure).Inc()
		return err
	}
	metrics.AuthAttempts.WithLabelValues(mech.String(), metrics.ResultSuccess).Inc()
	s.authed = true
	s.logger.Info("authenticated", "mechanism", mech.String())
	return nil
}

// auth runs the AUTH exchange (RFC 4954 §4): challenges arrive base64 in 334
// replies, responses go back base64 on their own line, 235 ends it. Every
// failure, transport errors included, is an *smtp.AuthenticationError.
func (s *Session) auth(ctx context.Context, mech smtp.Mechanism, client sasl.Client) error {
	name, ir, err := client.Start()
	if err != nil {
		return s.fail(&smtp.AuthenticationError{Mechanism: mech, Err: err})
	}

	cmd := "AUTH " + name
	if ir != nil {
		cmd += " " + encodeResponse(ir)
	}
	if err := s.writeLine(ctx, "auth", cmd); err != nil {
		return &smtp.AuthenticationError{Mechanism: mech, Err: err}
	}

	for {
		reply, err := s.readReply(ctx, "auth")
		if err != nil {
			return &smtp.AuthenticationError{Mechanism: mech, Err: err}
		}
		switch smtp.ReplyCode(reply.Code) {
		case smtp.ReplyAuthOK:
			return nil
		case smtp.ReplyAuthContinue:
		default:
			return s.fail(&smtp.AuthenticationError{Mechanism: mech, Err: replyError(reply)})
		}

		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(reply.Text()))
		if err != nil {
			s.cancelAuth(ctx)
			return s.fail(&smtp.AuthenticationError{Mechanism: mech, Err: fmt.Errorf("decoding challenge: %w", err)})
		}
		resp, err := client.Next(challenge)
		if err != nil {
			s.cancelAuth(ctx)
			return s.fail(&smtp.AuthenticationError{Mechanism: mech, Err: err})
		}
		if err := s.writeLine(ctx, "auth", base64.StdEncoding.EncodeToString(resp)); err != nil {
			return &smtp.AuthenticationError{Mechanism: mech, Err: err}
		}
	}
}

// encodeResponse encodes an initial response; an empty one is sent as "=".
func encodeResponse(ir []byte) string {
	if len(ir) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(ir)
}

// cancelAuth aborts the exchange with "*" and drains the server's 501.
func (s *Session) cancelAuth(ctx context.Context) {
	stop := s.armDeadline(ctx)
	defer stop()
	if err := s.conn.WriteLine("*"); err == nil {
		s.conn.ReadReply()
	}
}
