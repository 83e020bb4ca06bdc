package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexisbouchez/smtpmail"
	"github.com/alexisbouchez/smtpmail/internal/metrics"
)

// Receipt describes a message the relay accepted.
type Receipt struct {
	Accepted []string
	// Rejected is non-empty only when rejected recipients are allowed and
	// some, but not all, were refused.
	Rejected []smtp.RecipientFailure
	// Response is the text of the final 250 reply, usually with a queue id.
	Response string
}

// Send runs one mail transaction: MAIL FROM, RCPT TO for each recipient,
// DATA. The data is the complete RFC 5322 message; dot-stuffing and CRLF
// line endings are applied while it is written.
//
// A message larger than the server's SIZE limit, or one that needs SMTPUTF8
// from a server without it, is refused before anything is sent.
func (s *Session) Send(ctx context.Context, env smtp.Envelope, data []byte) (*Receipt, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if len(env.Recipients) == 0 {
		return nil, &smtp.TransactionError{Op: "MAIL", Err: errors.New("no recipients")}
	}
	if limit := s.exts.MaxSize(); limit > 0 && int64(len(data)) > limit {
		return nil, &smtp.TransactionError{
			Op:  "MAIL",
			Err: fmt.Errorf("message size %d exceeds server limit %d", len(data), limit),
		}
	}
	utf8 := env.SMTPUTF8 || !isASCII(env.From) || !allASCII(env.Recipients)
	if utf8 && !s.exts.Has(smtp.ExtSMTPUTF8) {
		return nil, &smtp.TransactionError{Op: "MAIL", Err: errors.New("internationalized address but server lacks SMTPUTF8")}
	}

	s.setState(StateSendTransaction)
	receipt, err := s.transact(ctx, env, data, utf8)
	if s.state == StateSendTransaction {
		s.setState(StateReady)
	}
	s.sends++

	metrics.MessagesSent.WithLabelValues(sendResult(s, receipt, err)).Inc()
	return receipt, err
}

func sendResult(s *Session, r *Receipt, err error) string {
	switch {
	case err == nil && len(r.Rejected) > 0:
		return metrics.ResultPartial
	case err == nil:
		return metrics.ResultSuccess
	case s.state == StateFailed:
		return metrics.ResultFailure
	default:
		return metrics.ResultRejected
	}
}

func (s *Session) transact(ctx context.Context, env smtp.Envelope, data []byte, utf8 bool) (*Receipt, error) {
	if s.sends > 0 {
		if err := s.reset(ctx); err != nil {
			return nil, err
		}
	}

	reply, err := s.cmd(ctx, "MAIL", "MAIL FROM:<%s>%s", env.From, s.mailParams(data, utf8))
	if err != nil {
		return nil, err
	}
	if reply.Code != int(smtp.ReplyOK) {
		return nil, s.abort(ctx, &smtp.TransactionError{Op: "MAIL", Err: replyError(reply)})
	}

	receipt := &Receipt{}
	for _, rcpt := range env.Recipients {
		reply, err := s.cmd(ctx, "RCPT", "RCPT TO:<%s>", rcpt)
		if err != nil {
			return nil, err
		}
		if reply.Code == int(smtp.ReplyOK) || reply.Code == int(smtp.ReplyUserNotLocal) {
			receipt.Accepted = append(receipt.Accepted, rcpt)
			continue
		}
		receipt.Rejected = append(receipt.Rejected, smtp.RecipientFailure{Address: rcpt, Err: replyError(reply)})
		if !s.cfg.AllowRcptErrors {
			return nil, s.abort(ctx, &smtp.RecipientError{Failures: receipt.Rejected})
		}
		s.logger.Info("recipient rejected", "recipient", rcpt, "code", reply.Code)
	}
	if len(receipt.Accepted) == 0 {
		return nil, s.abort(ctx, &smtp.RecipientError{Failures: receipt.Rejected})
	}

	reply, err = s.cmd(ctx, "DATA", "DATA")
	if err != nil {
		return nil, err
	}
	if reply.Code != int(smtp.ReplyStartMailInput) {
		return nil, s.abort(ctx, &smtp.TransactionError{Op: "DATA", Err: replyError(reply)})
	}

	if err := s.writeBody(ctx, data); err != nil {
		return nil, err
	}
	reply, err = s.readReply(ctx, "DATA")
	if err != nil {
		return nil, err
	}
	if reply.Code != int(smtp.ReplyOK) {
		return nil, &smtp.TransactionError{Op: "DATA", Err: replyError(reply)}
	}
	receipt.Response = reply.Text()
	return receipt, nil
}

func (s *Session) writeBody(ctx context.Context, data []byte) error {
	stop := s.armDeadline(ctx)
	defer stop()

	w := s.conn.DotWriter()
	if _, err := w.Write(data); err != nil {
		return s.fail(&smtp.ConnectionError{Op: "DATA", Err: contextCause(ctx, err)})
	}
	if err := w.Close(); err != nil {
		return s.fail(&smtp.ConnectionError{Op: "DATA", Err: contextCause(ctx, err)})
	}
	return nil
}

// mailParams builds the MAIL FROM extension parameters the server
// advertised: SIZE (RFC 1870), BODY (RFC 6152) and SMTPUTF8 (RFC 6531).
func (s *Session) mailParams(data []byte, utf8 bool) string {
	var b strings.Builder
	if s.exts.Has(smtp.ExtSIZE) {
		fmt.Fprintf(&b, " SIZE=%d", len(data))
	}
	if s.exts.Has(smtp.Ext8BITMIME) && has8Bit(data) {
		b.WriteString(" BODY=8BITMIME")
	}
	if utf8 {
		b.WriteString(" SMTPUTF8")
	}
	return b.String()
}

// reset sends RSET before a transaction on a reused session. Any reply is
// accepted; only a transport failure stops the transaction.
func (s *Session) reset(ctx context.Context) error {
	reply, err := s.cmd(ctx, "RSET", "RSET")
	if err != nil {
		return err
	}
	if reply.Code != int(smtp.ReplyOK) {
		s.logger.Debug("RSET not accepted", "code", reply.Code)
	}
	return nil
}

// abort ends a transaction the server refused with RSET and returns cause.
// A transport failure during RSET fails the session but cause still wins.
func (s *Session) abort(ctx context.Context, cause error) error {
	s.cmd(ctx, "RSET", "RSET")
	return cause
}

func has8Bit(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	return !has8Bit([]byte(s))
}

func allASCII(addrs []string) bool {
	for _, a := range addrs {
		if !isASCII(a) {
			return false
		}
	}
	return true
}
