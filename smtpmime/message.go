package smtpmime

import (
	"errors"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/alexisbouchez/smtpmail"
)

// Validation errors returned by [Message.Validate].
var (
	ErrNoSender     = errors.New("smtpmime: message has no sender")
	ErrNoRecipients = errors.New("smtpmime: message has no recipients")
	ErrNoContent    = errors.New("smtpmime: message has no text, html or attachment")
	ErrInvalidField = errors.New("smtpmime: invalid header field")
)

// AddressError reports an address that failed to parse.
type AddressError struct {
	Field   string
	Address string
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("smtpmime: invalid %s address %q: %v", e.Field, e.Address, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// Header is one caller-supplied header field.
type Header struct {
	Key   string
	Value string
}

// Attachment is a file carried in a multipart/mixed message. Data is sent
// base64 encoded.
type Attachment struct {
	Data        []byte
	ContentType string // Defaults to application/octet-stream.
	// Disposition is "attachment" or "inline". It defaults to "inline" when
	// ContentID is set and "attachment" otherwise.
	Disposition string
	Filename    string
	Description string
	ContentID   string
}

// Message is a mail to encode and send. Addresses may carry a display name
// ("Jane <jane@example.com>").
type Message struct {
	From string
	// BounceAddress, when set, is used for MAIL FROM instead of From.
	BounceAddress string
	To            []string
	Cc            []string
	// Bcc recipients get the message but never appear in its header.
	Bcc []string

	Subject string
	Text    string
	HTML    string
	// TextFromHTML derives the text alternative from HTML when Text is
	// empty.
	TextFromHTML bool
	Attachments  []Attachment

	// Headers are added after the generated ones, in order. A caller header
	// replaces a generated field with the same name.
	Headers []Header
	// FixedHeaders suppresses the generated From, To, Cc, Subject, Date and
	// Message-ID fields: only Headers and the MIME structure fields are
	// written.
	FixedHeaders bool

	// MessageID overrides the generated Message-ID. Angle brackets are
	// optional.
	MessageID string
	// Date defaults to the time of encoding.
	Date time.Time
}

// AddHeader appends a header field.
func (m *Message) AddHeader(key, value string) *Message {
	m.Headers = append(m.Headers, Header{Key: key, Value: value})
	return m
}

// Validate checks that the message can be sent: a sender, at least one
// recipient, some content, parseable addresses and well-formed header
// fields.
func (m *Message) Validate() error {
	if m.Text == "" && m.HTML == "" && len(m.Attachments) == 0 {
		return ErrNoContent
	}
	if m.From == "" && (!m.FixedHeaders || m.BounceAddress == "") {
		return ErrNoSender
	}
	if len(m.To)+len(m.Cc)+len(m.Bcc) == 0 {
		return ErrNoRecipients
	}
	for _, h := range m.Headers {
		if err := validateField(h); err != nil {
			return err
		}
	}
	_, err := m.Envelope()
	return err
}

// Envelope returns the SMTP envelope of the message: the bounce address (or
// From) and the bare To, Cc and Bcc addresses with duplicates removed.
func (m *Message) Envelope() (smtp.Envelope, error) {
	var env smtp.Envelope

	if m.From != "" {
		if _, _, err := parseAddress("From", m.From); err != nil {
			return env, err
		}
	}

	sender := m.BounceAddress
	field := "bounce"
	if sender == "" {
		sender, field = m.From, "From"
	}
	from, mbox, err := parseAddress(field, sender)
	if err != nil {
		return env, err
	}
	env.From = from.Address
	env.SMTPUTF8 = !mbox.IsASCII()

	seen := make(map[string]bool)
	for _, list := range []struct {
		field string
		addrs []string
	}{{"To", m.To}, {"Cc", m.Cc}, {"Bcc", m.Bcc}} {
		for _, s := range list.addrs {
			addr, mbox, err := parseAddress(list.field, s)
			if err != nil {
				return env, err
			}
			if seen[mbox.Key()] {
				continue
			}
			seen[mbox.Key()] = true
			env.Recipients = append(env.Recipients, addr.Address)
			if !mbox.IsASCII() {
				env.SMTPUTF8 = true
			}
		}
	}
	if len(env.Recipients) == 0 {
		return env, ErrNoRecipients
	}
	return env, nil
}

// parseAddress accepts a bare address or a name-addr and checks the mailbox
// itself.
func parseAddress(field, s string) (*mail.Address, smtp.Mailbox, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return nil, smtp.Mailbox{}, &AddressError{Field: field, Address: s, Err: err}
	}
	mbox, err := smtp.ParseMailbox(addr.Address)
	if err != nil {
		return nil, smtp.Mailbox{}, &AddressError{Field: field, Address: s, Err: err}
	}
	return addr, mbox, nil
}

func parseAddressList(field string, list []string) ([]*mail.Address, error) {
	addrs := make([]*mail.Address, 0, len(list))
	for _, s := range list {
		addr, _, err := parseAddress(field, s)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func validateField(h Header) error {
	if h.Key == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidField)
	}
	for i := 0; i < len(h.Key); i++ {
		c := h.Key[i]
		if c <= ' ' || c >= 0x7f || c == ':' {
			return fmt.Errorf("%w: name %q", ErrInvalidField, h.Key)
		}
	}
	if strings.ContainsAny(h.Value, "\r\n") {
		return fmt.Errorf("%w: %s value contains a line break", ErrInvalidField, textproto.CanonicalMIMEHeaderKey(h.Key))
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
