package smtp

// ReplyCode represents a three-digit SMTP reply code as defined in RFC 5321 §4.2.
type ReplyCode int

// Reply code classes (RFC 5321 §4.2.1).
const (
	ClassPositiveCompletion   = 2 // 2xx
	ClassPositiveIntermediate = 3 // 3xx
	ClassTransientNegative    = 4 // 4xx
	ClassPermanentNegative    = 5 // 5xx
)

// Reply codes the client reacts to (RFC 5321 §4.2.2, §4.2.3, RFC 4954).
const (
	ReplyServiceReady   ReplyCode = 220
	ReplyServiceClosing ReplyCode = 221
	ReplyAuthOK         ReplyCode = 235
	ReplyOK             ReplyCode = 250
	ReplyUserNotLocal   ReplyCode = 251
	ReplyAuthContinue   ReplyCode = 334
	ReplyStartMailInput ReplyCode = 354

	ReplyServiceNotAvailable ReplyCode = 421
	ReplyMailboxBusy         ReplyCode = 450
	ReplyLocalError          ReplyCode = 451
	ReplyInsufficientStorage ReplyCode = 452
	ReplyTempAuthFailure     ReplyCode = 454

	ReplySyntaxError       ReplyCode = 500
	ReplySyntaxParamError  ReplyCode = 501
	ReplyCommandNotImpl    ReplyCode = 502
	ReplyBadSequence       ReplyCode = 503
	ReplyAuthRequired      ReplyCode = 530
	ReplyAuthFailed        ReplyCode = 535
	ReplyMailboxNotFound   ReplyCode = 550
	ReplyExceededStorage   ReplyCode = 552
	ReplyMailboxNameError  ReplyCode = 553
	ReplyTransactionFailed ReplyCode = 554
)

// Class returns the reply class (first digit): 2, 3, 4, or 5.
func (c ReplyCode) Class() int {
	return int(c) / 100
}

// IsPositive returns true for 2xx and 3xx reply codes.
func (c ReplyCode) IsPositive() bool {
	cl := c.Class()
	return cl == ClassPositiveCompletion || cl == ClassPositiveIntermediate
}

// IsTransient returns true for 4xx reply codes (temporary failures).
func (c ReplyCode) IsTransient() bool {
	return c.Class() == ClassTransientNegative
}

// IsPermanent returns true for 5xx reply codes (permanent failures).
func (c ReplyCode) IsPermanent() bool {
	return c.Class() == ClassPermanentNegative
}

// IsCommandUnrecognized reports whether the reply says the server does not
// know the command at all, the signal to fall back from EHLO to HELO.
func (c ReplyCode) IsCommandUnrecognized() bool {
	return c == ReplySyntaxError || c == ReplyCommandNotImpl
}
