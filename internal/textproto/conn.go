// Package textproto implements the SMTP line protocol the session engine
// runs on: CRLF line I/O, multi-line reply parsing and dot-stuffed DATA
// streams. A Conn can swap its net.Conn in place after a STARTTLS upgrade.
package textproto

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxCommandLineLen is the maximum length of an SMTP command line
// including CRLF (RFC 5321 §4.5.3.1.4).
const MaxCommandLineLen = 512

// MaxReplyLineLen bounds reply lines read from a relay.
const MaxReplyLineLen = 2048

const bufSize = 4096

// Conn wraps a net.Conn with buffered line reading and writing.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

// NewConn returns a Conn reading from and writing to c.
func NewConn(c net.Conn) *Conn {
	tc := &Conn{}
	tc.ReplaceConn(c)
	return tc
}

// ReplaceConn swaps the underlying net.Conn, typically for the *tls.Conn
// wrapping it, and discards anything buffered for the old one.
func (c *Conn) ReplaceConn(nc net.Conn) {
	c.conn = nc
	c.r = bufio.NewReaderSize(nc, bufSize)
	c.w = bufio.NewWriterSize(nc, bufSize)
}

// NetConn returns the underlying net.Conn.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// SetDeadlineFromContext arms the connection deadline for the next I/O step.
// The earlier of ctx's deadline and now+fallback wins; a zero fallback and a
// context without deadline clear it.
func (c *Conn) SetDeadlineFromContext(ctx context.Context, fallback time.Duration) error {
	var dl time.Time
	if fallback > 0 {
		dl = time.Now().Add(fallback)
	}
	if ctxDl, ok := ctx.Deadline(); ok && (dl.IsZero() || ctxDl.Before(dl)) {
		dl = ctxDl
	}
	return c.conn.SetDeadline(dl)
}

// ReadLine reads one line and strips the trailing CRLF (or bare LF).
// Lines longer than maxLen bytes, terminator included, are consumed and
// reported as an error.
func (c *Conn) ReadLine(maxLen int) (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := c.r.ReadLine()
		if err != nil {
			return "", err
		}
		line = append(line, chunk...)
		if len(line)+2 > maxLen {
			for isPrefix && err == nil {
				_, isPrefix, err = c.r.ReadLine()
			}
			return "", fmt.Errorf("smtp: line too long (max %d bytes)", maxLen)
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

// WriteLine writes line plus CRLF and flushes.
func (c *Conn) WriteLine(line string) error {
	return c.WriteLines(line)
}

// WriteLines writes each line plus CRLF and flushes once.
func (c *Conn) WriteLines(lines ...string) error {
	for _, line := range lines {
		c.w.WriteString(line)
		c.w.WriteString("\r\n")
	}
	return c.w.Flush()
}

// Reply is a parsed SMTP reply (RFC 5321 §4.2).
type Reply struct {
	Code  int
	Lines []string // Text of each line, without code and separator.
}

// Text joins the reply lines with newlines.
func (r Reply) Text() string {
	return strings.Join(r.Lines, "\n")
}

// String renders the reply the way it appeared on the wire, one line per
// reply line, without CRLF.
func (r Reply) String() string {
	var b strings.Builder
	for i, line := range r.Lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		sep := byte(' ')
		if i < len(r.Lines)-1 {
			sep = '-'
		}
		fmt.Fprintf(&b, "%03d%c%s", r.Code, sep, line)
	}
	return b.String()
}

// MalformedReplyError is returned by ReadReply for a line that is not a
// valid reply line. Line holds the raw text as received.
type MalformedReplyError struct {
	Line   string
	Reason string
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("smtp: malformed reply %q: %s", e.Line, e.Reason)
}

// ReadReply reads a complete reply, following "code-text" continuation lines
// up to the final "code text" line. Every line must carry the same code.
func (c *Conn) ReadReply() (Reply, error) {
	var reply Reply
	for {
		line, err := c.ReadLine(MaxReplyLineLen)
		if err != nil {
			return Reply{}, fmt.Errorf("smtp: reading reply: %w", err)
		}
		code, sep, text, err := parseReplyLine(line)
		if err != nil {
			return Reply{}, err
		}
		if len(reply.Lines) > 0 && code != reply.Code {
			return Reply{}, &MalformedReplyError{Line: line, Reason: fmt.Sprintf("code changed from %d", reply.Code)}
		}
		reply.Code = code
		reply.Lines = append(reply.Lines, text)
		if sep != '-' {
			return reply, nil
		}
	}
}

func parseReplyLine(line string) (code int, sep byte, text string, err error) {
	if len(line) < 3 {
		return 0, 0, "", &MalformedReplyError{Line: line, Reason: "too short"}
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return 0, 0, "", &MalformedReplyError{Line: line, Reason: "code is not three digits"}
		}
	}
	code, _ = strconv.Atoi(line[:3])
	if code < 200 || code > 599 {
		return 0, 0, "", &MalformedReplyError{Line: line, Reason: "code out of range"}
	}
	if len(line) == 3 {
		return code, ' ', "", nil
	}
	switch line[3] {
	case ' ', '-':
		return code, line[3], line[4:], nil
	default:
		return 0, 0, "", &MalformedReplyError{Line: line, Reason: "bad separator"}
	}
}

// WriteReply writes a single or multi-line reply and flushes.
func (c *Conn) WriteReply(code int, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	return c.WriteLines(strings.Split(Reply{Code: code, Lines: lines}.String(), "\n")...)
}

// Cmd writes a formatted command line and reads the reply.
func (c *Conn) Cmd(format string, args ...any) (Reply, error) {
	if err := c.WriteLine(fmt.Sprintf(format, args...)); err != nil {
		return Reply{}, err
	}
	return c.ReadReply()
}

// DotReader returns a reader over a dot-stuffed DATA body. It undoes the
// stuffing and reports io.EOF after the terminating "." line.
func (c *Conn) DotReader() io.Reader {
	return newDotReader(c.r)
}

// DotWriter returns a writer that dot-stuffs the body and normalises line
// endings to CRLF. Close writes the terminating "." line and flushes.
func (c *Conn) DotWriter() io.WriteCloser {
	return newDotWriter(c.w)
}

// ParseEnhancedCode splits a leading RFC 3463 status code ("5.1.1 text")
// off a reply line. Lines without one yield zeros and the text unchanged.
func ParseEnhancedCode(text string) (class, subject, detail int, rest string) {
	code, rest, _ := strings.Cut(text, " ")
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return 0, 0, 0, text
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, 0, 0, text
		}
		nums[i] = n
	}
	if nums[0] != 2 && nums[0] != 4 && nums[0] != 5 {
		return 0, 0, 0, text
	}
	return nums[0], nums[1], nums[2], rest
}
