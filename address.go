package smtp

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"unicode/utf8"
)

// Length limits from RFC 5321 §4.5.3.1.
const (
	maxLocalPart = 64
	maxDomain    = 255
	maxLabel     = 63
	maxPath      = 254 // 256 octets of path minus the angle brackets.
)

// ErrInvalidMailbox is wrapped by every ParseMailbox failure.
var ErrInvalidMailbox = errors.New("smtp: invalid mailbox")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidMailbox}, args...)...)
}

// Mailbox is an envelope address, local-part@domain.
type Mailbox struct {
	LocalPart string
	Domain    string
}

func (m Mailbox) String() string {
	if m.IsZero() {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// IsZero reports whether the mailbox is empty, as in the null reverse-path.
func (m Mailbox) IsZero() bool {
	return m.LocalPart == "" && m.Domain == ""
}

// IsASCII reports whether the mailbox can be sent without SMTPUTF8.
func (m Mailbox) IsASCII() bool {
	return isASCII(m.LocalPart) && isASCII(m.Domain)
}

// Key returns the mailbox folded to lower case, for duplicate detection.
func (m Mailbox) Key() string {
	return strings.ToLower(m.String())
}

// ParseMailbox parses a bare address as used in MAIL FROM and RCPT TO. The
// local part is a dot-atom (UTF-8 allowed) or a quoted string; the domain is
// a hostname or an address literal.
func ParseMailbox(s string) (Mailbox, error) {
	switch {
	case s == "":
		return Mailbox{}, invalid("empty address")
	case len(s) > maxPath:
		return Mailbox{}, invalid("address longer than %d octets", maxPath)
	case !utf8.ValidString(s):
		return Mailbox{}, invalid("address is not valid UTF-8")
	}

	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Mailbox{}, invalid("missing @ in %q", s)
	}
	m := Mailbox{LocalPart: s[:at], Domain: s[at+1:]}
	if err := checkLocalPart(m.LocalPart); err != nil {
		return Mailbox{}, err
	}
	if err := checkDomain(m.Domain); err != nil {
		return Mailbox{}, err
	}
	return m, nil
}

func checkLocalPart(local string) error {
	switch {
	case local == "":
		return invalid("empty local-part")
	case len(local) > maxLocalPart:
		return invalid("local-part longer than %d octets", maxLocalPart)
	}
	if n := len(local); n >= 2 && local[0] == '"' && local[n-1] == '"' {
		return checkQuoted(local[1 : n-1])
	}

	for _, atom := range strings.Split(local, ".") {
		if atom == "" {
			return invalid("empty atom in local-part %q", local)
		}
		for _, r := range atom {
			if !isAtext(r) {
				return invalid("character %q not allowed in local-part", r)
			}
		}
	}
	return nil
}

// isAtext reports whether r may appear in an atom. Non-ASCII characters are
// atext under RFC 6531.
func isAtext(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r >= utf8.RuneSelf:
		return r != utf8.RuneError
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)
}

func checkQuoted(s string) error {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\':
			i++
			if i == len(s) {
				return invalid("trailing backslash in quoted local-part")
			}
		case c == '"':
			return invalid("unescaped quote in quoted local-part")
		case c < ' ' || c == 0x7f:
			return invalid("control character in quoted local-part")
		}
	}
	return nil
}

func checkDomain(domain string) error {
	switch {
	case domain == "":
		return invalid("empty domain")
	case len(domain) > maxDomain:
		return invalid("domain longer than %d octets", maxDomain)
	case domain[0] == '[':
		return checkLiteral(domain)
	}

	for _, label := range strings.Split(domain, ".") {
		switch {
		case label == "":
			return invalid("empty label in domain %q", domain)
		case len(label) > maxLabel:
			return invalid("domain label longer than %d octets", maxLabel)
		case label[0] == '-' || label[len(label)-1] == '-':
			return invalid("domain label %q starts or ends with a hyphen", label)
		}
		for _, r := range label {
			if !isLetDig(r) && r != '-' {
				return invalid("character %q not allowed in domain", r)
			}
		}
	}
	return nil
}

// checkLiteral accepts [192.0.2.1] and [IPv6:2001:db8::1].
func checkLiteral(domain string) error {
	if domain[len(domain)-1] != ']' {
		return invalid("unclosed address literal %q", domain)
	}
	lit := domain[1 : len(domain)-1]
	if v6, ok := strings.CutPrefix(lit, "IPv6:"); ok {
		if ip, err := netip.ParseAddr(v6); err == nil && ip.Is6() && ip.Zone() == "" {
			return nil
		}
		return invalid("bad IPv6 address literal %q", domain)
	}
	if ip, err := netip.ParseAddr(lit); err == nil && ip.Is4() {
		return nil
	}
	return invalid("bad address literal %q", domain)
}

// isLetDig allows U-labels as well as LDH names.
func isLetDig(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return r >= utf8.RuneSelf && r != utf8.RuneError
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
