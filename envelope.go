package smtp

// Envelope is the RFC 5321 addressing of one transaction: the MAIL FROM
// reverse-path and the RCPT TO forward-paths. It is independent of the
// From/To/Cc header fields of the message itself.
type Envelope struct {
	From       string
	Recipients []string
	// SMTPUTF8 is set when an address needs the SMTPUTF8 extension (RFC 6531).
	SMTPUTF8 bool
}
