package textproto

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

// crlf applies the dotWriter's line ending rules to data.
func crlf(data []byte) []byte {
	var out []byte
	prevCR := false
	for _, b := range data {
		if b == '\n' && !prevCR {
			out = append(out, '\r')
		}
		out = append(out, b)
		prevCR = b == '\r'
	}
	switch {
	case len(out) == 0, bytes.HasSuffix(out, []byte("\r\n")):
	case prevCR:
		out = append(out, '\n')
	default:
		out = append(out, '\r', '\n')
	}
	return out
}

func FuzzDotRoundTrip(f *testing.F) {
	f.Add([]byte("Hello\r\n"))
	f.Add([]byte(".leading dot\r\n"))
	f.Add([]byte("..double\r\n"))
	f.Add([]byte(""))
	f.Add([]byte("no trailing newline"))
	f.Add([]byte(".\r\n"))
	f.Add([]byte("bare\nlf\n."))
	f.Add([]byte("\r\n.\r\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		var buf bytes.Buffer
		dw := newDotWriter(bufio.NewWriter(&buf))
		dw.Write(data)
		if err := dw.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}

		got, err := io.ReadAll(newDotReader(bufio.NewReader(&buf)))
		if err != nil {
			t.Fatalf("DotReader: %v", err)
		}
		if want := crlf(data); !bytes.Equal(got, want) {
			t.Fatalf("round trip = %q, want %q", got, want)
		}
	})
}

func FuzzReadReply(f *testing.F) {
	f.Add("250 OK\r\n")
	f.Add("250-first\r\n250 last\r\n")
	f.Add("500\r\n")
	f.Add("abc\r\n")
	f.Add("")

	f.Fuzz(func(t *testing.T, input string) {
		reply, err := NewConn(newScriptConn(input)).ReadReply()
		if err != nil {
			var mErr *MalformedReplyError
			if !errors.As(err, &mErr) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				if len(input) < MaxReplyLineLen-2 {
					t.Fatalf("unexpected error kind: %v", err)
				}
			}
			return
		}
		if reply.Code < 200 || reply.Code > 599 || len(reply.Lines) == 0 {
			t.Fatalf("invalid reply %+v", reply)
		}
	})
}
