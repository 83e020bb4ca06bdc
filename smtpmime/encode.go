package smtpmime

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"

	"github.com/alexisbouchez/smtpmail"
)

// maxLineLen is the RFC 5322 line limit, CRLF excluded.
const maxLineLen = 998

// Encoded is a message ready for a mail transaction.
type Encoded struct {
	Envelope smtp.Envelope
	// MessageID is the Message-ID field value, angle brackets included. It
	// is empty when FixedHeaders is set and the caller gave none.
	MessageID string
	Data      []byte
	// EightBit is set when Data holds bytes outside US-ASCII.
	EightBit bool
}

// Fields owned by the encoder. Caller headers with these names are ignored.
var structural = map[string]bool{
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

var now = time.Now

// Encode renders msg as an RFC 5322 message with CRLF line endings.
// ownHostname is the right-hand side of a generated Message-ID.
//
// The body is a single part, a multipart/alternative of text and HTML, or a
// multipart/mixed of either followed by the attachments.
func Encode(msg *Message, ownHostname string) (*Encoded, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	env, err := msg.Envelope()
	if err != nil {
		return nil, err
	}

	text := msg.Text
	if text == "" && msg.HTML != "" && msg.TextFromHTML {
		text = html2text.HTML2Text(msg.HTML)
	}

	var bodies []leaf
	if text != "" {
		bodies = append(bodies, textLeaf("text/plain", text))
	}
	if msg.HTML != "" {
		bodies = append(bodies, textLeaf("text/html", msg.HTML))
	}
	attachments := make([]leaf, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, attachmentLeaf(a))
	}

	var h mail.Header
	var root *leaf
	switch {
	case len(attachments) > 0:
		h.SetContentType("multipart/mixed", map[string]string{"boundary": newBoundary()})
	case len(bodies) > 1:
		h.SetContentType("multipart/alternative", map[string]string{"boundary": newBoundary()})
	default:
		root = &bodies[0]
		h.Set("Content-Transfer-Encoding", root.header.Get("Content-Transfer-Encoding"))
		h.Set("Content-Type", root.header.Get("Content-Type"))
	}

	messageID, err := writeHeader(&h, msg, ownHostname)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("smtpmime: %w", err)
	}
	switch {
	case root != nil:
		_, err = w.Write(root.body)
	case len(attachments) > 0:
		err = writeMixed(w, bodies, attachments)
	default:
		err = writeParts(w, bodies)
	}
	if err != nil {
		return nil, fmt.Errorf("smtpmime: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("smtpmime: %w", err)
	}

	data := buf.Bytes()
	return &Encoded{
		Envelope:  env,
		MessageID: messageID,
		Data:      data,
		EightBit:  !isASCII(string(data)),
	}, nil
}

// writeHeader fills h with the top-level fields. Fields come out in the
// reverse of the order they are added, so the list is built back to front.
func writeHeader(h *mail.Header, msg *Message, ownHostname string) (string, error) {
	h.Set("MIME-Version", "1.0")

	caller := make(map[string]bool)
	for i := len(msg.Headers) - 1; i >= 0; i-- {
		f := msg.Headers[i]
		key := textproto.CanonicalMIMEHeaderKey(f.Key)
		if structural[key] {
			continue
		}
		caller[key] = true
		h.Add(key, f.Value)
	}

	if msg.FixedHeaders {
		if !caller["Message-Id"] {
			return "", nil
		}
		id, err := h.MessageID()
		if err != nil || id == "" {
			return strings.TrimSpace(h.Get("Message-Id")), nil
		}
		return "<" + id + ">", nil
	}

	id := strings.Trim(strings.TrimSpace(msg.MessageID), "<>")
	if id == "" {
		id = newMessageID(ownHostname)
	}
	if caller["Message-Id"] {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	} else {
		h.Add("Message-Id", "<"+id+">")
	}

	if !caller["Date"] {
		date := msg.Date
		if date.IsZero() {
			date = now()
		}
		h.Add("Date", date.Format(time.RFC1123Z))
	}
	if !caller["Subject"] && msg.Subject != "" {
		var subject mail.Header
		subject.SetSubject(msg.Subject)
		h.Add("Subject", subject.Get("Subject"))
	}

	lists := []struct {
		key   string
		addrs []string
	}{{"Cc", msg.Cc}, {"To", msg.To}, {"From", []string{msg.From}}}
	for _, l := range lists {
		if caller[l.key] || len(l.addrs) == 0 || l.addrs[0] == "" {
			continue
		}
		addrs, err := parseAddressList(l.key, l.addrs)
		if err != nil {
			return "", err
		}
		var field mail.Header
		field.SetAddressList(l.key, addrs)
		h.Add(l.key, field.Get(l.key))
	}

	return "<" + id + ">", nil
}

// newMessageID returns "unixnano.uuid@host", without angle brackets.
func newMessageID(host string) string {
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%d.%s@%s", now().UnixNano(), uuid.NewString(), host)
}

func newBoundary() string {
	return "=_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// leaf is a body part with its encoded-on-write content.
type leaf struct {
	header message.Header
	body   []byte
}

// textLeaf picks 7bit for ASCII text with short lines and quoted-printable
// otherwise.
func textLeaf(mediaType, s string) leaf {
	s = normalizeNewlines(s)

	var l leaf
	if isASCII(s) && !hasLongLine(s) {
		l.header.Set("Content-Transfer-Encoding", "7bit")
	} else {
		l.header.Set("Content-Transfer-Encoding", "quoted-printable")
	}
	l.header.SetContentType(mediaType, map[string]string{"charset": "utf-8"})
	l.body = []byte(s)
	return l
}

func attachmentLeaf(a Attachment) leaf {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	disposition := a.Disposition
	if disposition == "" {
		disposition = "attachment"
		if a.ContentID != "" {
			disposition = "inline"
		}
	}

	var l leaf
	// Added back to front, see writeHeader.
	if a.ContentID != "" {
		l.header.Set("Content-Id", "<"+strings.Trim(a.ContentID, "<>")+">")
	}
	if a.Description != "" {
		l.header.SetText("Content-Description", a.Description)
	}
	l.header.Set("Content-Transfer-Encoding", "base64")
	if a.Filename != "" {
		l.header.SetContentDisposition(disposition, map[string]string{"filename": a.Filename})
	} else {
		l.header.SetContentDisposition(disposition, nil)
	}

	mediaType, params, err := mimeType(contentType)
	if err != nil {
		l.header.Set("Content-Type", contentType)
	} else {
		if a.Filename != "" {
			params["name"] = a.Filename
		}
		l.header.SetContentType(mediaType, params)
	}
	l.body = a.Data
	return l
}

func mimeType(s string) (string, map[string]string, error) {
	var h message.Header
	h.Set("Content-Type", s)
	mediaType, params, err := h.ContentType()
	if params == nil {
		params = make(map[string]string)
	}
	return mediaType, params, err
}

func writeMixed(w *message.Writer, bodies, attachments []leaf) error {
	switch len(bodies) {
	case 0:
	case 1:
		if err := writeLeaf(w, bodies[0]); err != nil {
			return err
		}
	default:
		var alt message.Header
		alt.SetContentType("multipart/alternative", map[string]string{"boundary": newBoundary()})
		aw, err := w.CreatePart(alt)
		if err != nil {
			return err
		}
		if err := writeParts(aw, bodies); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
	}
	return writeParts(w, attachments)
}

func writeParts(w *message.Writer, parts []leaf) error {
	for _, p := range parts {
		if err := writeLeaf(w, p); err != nil {
			return err
		}
	}
	return nil
}

func writeLeaf(w *message.Writer, p leaf) error {
	pw, err := w.CreatePart(p.header)
	if err != nil {
		return err
	}
	if _, err := pw.Write(p.body); err != nil {
		return err
	}
	return pw.Close()
}

// normalizeNewlines turns CR, LF and CRLF line breaks into CRLF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func hasLongLine(s string) bool {
	for _, line := range strings.Split(s, "\r\n") {
		if len(line) > maxLineLen {
			return true
		}
	}
	return false
}
