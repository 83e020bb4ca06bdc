// Package smtp provides the protocol types shared by the pooled SMTP client.
//
// This package contains reply codes, enhanced status codes, the client error
// taxonomy, EHLO capability parsing, address validation and the SASL
// mechanisms used to authenticate against a relay. It is used by the
// [github.com/alexisbouchez/smtpmail/smtpclient] session engine, the
// [github.com/alexisbouchez/smtpmail/smtppool] connection pool and the
// [github.com/alexisbouchez/smtpmail/mailer] façade.
//
// # Errors
//
// Server replies surface as [*SMTPError]. Failures are classified by where
// they happened: [*ConnectionError] for the transport, [*ProtocolError] for a
// malformed or unexpected reply, [*AuthenticationError], [*RecipientError]
// and [*TransactionError]. All of them unwrap to their cause, so
// [errors.As] can reach the underlying [*SMTPError]. Use [IsPermanent] to tell
// a 5xx rejection from a transient failure.
//
// # Authentication
//
// [Mechanism] is the closed set of supported SASL mechanisms. Pick one with
// [SelectMechanism] and build the client side of the exchange with
// [Mechanism.Client].
//
// # Extensions
//
// The [Extension] type and [Extensions] map track EHLO-advertised
// capabilities. Use [ParseEHLOResponse] to parse a server's EHLO reply.
package smtp
