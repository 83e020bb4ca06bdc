package smtp

import (
	"strconv"
	"strings"
)

// Extension represents an SMTP service extension keyword (RFC 5321 §2.2).
type Extension string

// Standard SMTP extension keywords.
const (
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtAUTH                Extension = "AUTH"
	ExtSIZE                Extension = "SIZE"
	ExtPIPELINING          Extension = "PIPELINING"
	Ext8BITMIME            Extension = "8BITMIME"
	ExtDSN                 Extension = "DSN"
	ExtENHANCEDSTATUSCODES Extension = "ENHANCEDSTATUSCODES"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtCHUNKING            Extension = "CHUNKING"
)

// Extensions holds the set of SMTP extensions advertised in an EHLO response,
// mapped from keyword to parameters (e.g., "AUTH" → "PLAIN LOGIN").
// A nil Extensions means the server only answered HELO.
type Extensions map[Extension]string

// Has reports whether the extension set includes the given keyword.
func (e Extensions) Has(ext Extension) bool {
	_, ok := e[ext]
	return ok
}

// Param returns the parameter string for the given extension keyword.
func (e Extensions) Param(ext Extension) string {
	return e[ext]
}

// AuthMechanisms returns the SASL mechanism names advertised with AUTH,
// upper-cased, in server order.
func (e Extensions) AuthMechanisms() []string {
	param := e.Param(ExtAUTH)
	if param == "" {
		return nil
	}
	return strings.Fields(strings.ToUpper(param))
}

// MaxSize returns the message size limit advertised via SIZE (RFC 1870),
// or 0 if none was advertised.
func (e Extensions) MaxSize() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(e.Param(ExtSIZE)), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseEHLOResponse parses the lines of a multi-line 250 EHLO response into
// an Extensions map. Each line after the first (the greeting) is expected to
// be "KEYWORD [params]". The pre-standard "AUTH=MECH ..." form some servers
// still send is folded into AUTH.
func ParseEHLOResponse(lines []string) Extensions {
	exts := make(Extensions)
	for i, line := range lines {
		if i == 0 {
			continue // Skip the greeting line (hostname).
		}
		keyword, params, _ := strings.Cut(strings.TrimSpace(line), " ")
		keyword = strings.ToUpper(keyword)
		if legacy, ok := strings.CutPrefix(keyword, "AUTH="); ok {
			keyword = string(ExtAUTH)
			params = strings.TrimSpace(legacy + " " + params)
		}
		if keyword == "" {
			continue
		}
		if prev, ok := exts[Extension(keyword)]; ok && keyword == string(ExtAUTH) {
			params = mergeFields(prev, params)
		}
		exts[Extension(keyword)] = params
	}
	return exts
}

func mergeFields(a, b string) string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range append(strings.Fields(a), strings.Fields(b)...) {
		up := strings.ToUpper(f)
		if !seen[up] {
			seen[up] = true
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}
