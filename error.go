package smtp

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the pool and the session engine.
var (
	// ErrPoolClosed is returned to callers queued on, or arriving at, a pool
	// that is shutting down.
	ErrPoolClosed = errors.New("smtp: pool closing")

	// ErrSessionUnusable is returned when a session that is not Ready is asked
	// to run a transaction.
	ErrSessionUnusable = errors.New("smtp: session unusable")

	// ErrNoMechanism is returned when login is required but the server and the
	// configuration share no authentication mechanism.
	ErrNoMechanism = errors.New("smtp: no supported authentication mechanism")

	// ErrNoCredentials is returned when login is required but no username or
	// password is configured.
	ErrNoCredentials = errors.New("smtp: no credentials configured")
)

// SMTPError represents an SMTP protocol error with a reply code,
// optional enhanced status code, and human-readable message.
type SMTPError struct {
	Code         ReplyCode
	EnhancedCode EnhancedCode
	Message      string
}

// Error implements the error interface.
func (e *SMTPError) Error() string {
	if !e.EnhancedCode.IsZero() {
		return fmt.Sprintf("smtp: %d %s %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("smtp: %d %s", e.Code, e.Message)
}

// Temporary reports whether the error represents a transient failure (4xx).
func (e *SMTPError) Temporary() bool {
	return e.Code.IsTransient()
}

// ConnectionError is a transport-level failure: dial, TLS handshake, read or
// write on the socket.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("smtp: %s: connection error: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is a malformed reply or a reply the dialogue did not allow at
// that point. Line carries the raw server line.
type ProtocolError struct {
	Op   string
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Line != "" && e.Err != nil:
		return fmt.Sprintf("smtp: %s: unexpected reply %q: %v", e.Op, e.Line, e.Err)
	case e.Line != "":
		return fmt.Sprintf("smtp: %s: unexpected reply %q", e.Op, e.Line)
	default:
		return fmt.Sprintf("smtp: %s: %v", e.Op, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthenticationError reports a failed mechanism negotiation or a rejected
// credential exchange.
type AuthenticationError struct {
	Mechanism Mechanism
	Err       error
}

func (e *AuthenticationError) Error() string {
	if e.Mechanism == MechanismNone {
		return fmt.Sprintf("smtp: authentication failed: %v", e.Err)
	}
	return fmt.Sprintf("smtp: %s authentication failed: %v", e.Mechanism, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// RecipientFailure is one RCPT TO rejected by the server.
type RecipientFailure struct {
	Address string
	Err     *SMTPError
}

// RecipientError reports rejected recipients.
type RecipientError struct {
	Failures []RecipientFailure
}

func (e *RecipientError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s (%d %s)", f.Address, f.Err.Code, f.Err.Message))
	}
	return fmt.Sprintf("smtp: %d recipient(s) rejected: %s", len(e.Failures), strings.Join(parts, ", "))
}

func (e *RecipientError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// TransactionError is a MAIL FROM or DATA level failure.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("smtp: %s: transaction failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent (5xx) rejection that a retry
// will not fix. Transport errors and 4xx replies are not permanent. A
// RecipientError is permanent only if every rejection is.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	var rcptErr *RecipientError
	if errors.As(err, &rcptErr) {
		if len(rcptErr.Failures) == 0 {
			return false
		}
		for _, f := range rcptErr.Failures {
			if !f.Err.Code.IsPermanent() {
				return false
			}
		}
		return true
	}

	var smtpErr *SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code.IsPermanent()
	}
	return false
}
