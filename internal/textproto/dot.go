package textproto

import (
	"bufio"
	"bytes"
	"io"
)

// dotReader undoes RFC 5321 §4.5.2 transparency one line at a time and stops
// at the "." line. A stream that ends before it yields io.ErrUnexpectedEOF.
type dotReader struct {
	r    *bufio.Reader
	buf  []byte
	done bool
}

func newDotReader(r *bufio.Reader) *dotReader {
	return &dotReader{r: r}
}

func (d *dotReader) Read(p []byte) (int, error) {
	for len(d.buf) == 0 {
		if d.done {
			return 0, io.EOF
		}
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte{'.'}) {
			d.done = true
			continue
		}
		if line[0] == '.' {
			line = line[1:]
		}
		d.buf = line
	}
	n := copy(p, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}

// dotWriter stuffs a leading "." on every line, turns bare LF into CRLF and
// terminates the body with ".\r\n" on Close.
type dotWriter struct {
	w         *bufio.Writer
	beginLine bool
	prevCR    bool
	closed    bool
}

func newDotWriter(w *bufio.Writer) *dotWriter {
	return &dotWriter{w: w, beginLine: true}
}

func (d *dotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}
	for i, b := range p {
		if b == '\n' && !d.prevCR {
			if err := d.w.WriteByte('\r'); err != nil {
				return i, err
			}
		}
		if d.beginLine && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return i, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return i, err
		}
		d.prevCR = b == '\r'
		d.beginLine = b == '\n'
	}
	return len(p), nil
}

func (d *dotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	switch {
	case d.prevCR:
		d.w.WriteString("\n")
	case !d.beginLine:
		d.w.WriteString("\r\n")
	}
	d.w.WriteString(".\r\n")
	return d.w.Flush()
}
