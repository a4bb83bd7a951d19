package message

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned by Decoder.Decode when the request line is not
	// of the form "METHOD PATH HTTP<version>".
	ErrMalformed = errors.New("malformed request line")

	// ErrUnsupportedMethod is returned by Decoder.Decode for well-formed
	// request lines whose method is not served. The request's Method, Path and
	// Version are still filled in.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrUnderflow is returned when not all bytes can be written.
	ErrUnderflow = errors.New("underflow")
)

const (
	DefaultIdleTimeout = 300 * time.Millisecond
	DefaultReadTimeout = 30 * time.Second
)

// Conn is the part of net.Conn the decoder needs. Deadlines delimit bodies.
type Conn interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Decoder reads one request from a connection.
type Decoder struct {
	// IdleTimeout is how long the connection may go silent before the body
	// is considered complete. Zero means DefaultIdleTimeout.
	IdleTimeout time.Duration

	// ReadTimeout bounds reading the request line and the headers. Zero
	// means DefaultReadTimeout; negative means no bound.
	ReadTimeout time.Duration

	one      [1]byte
	chunk    []byte
	deadline time.Time
}

// Decode reads a request line, then, for PUT requests, skips the headers and
// captures the body; for any other request whatever the client sends after the
// request line is drained and discarded. Draining never outlasts the read
// timeout, even for a client that keeps sending. Any error means no response
// should be written.
func (d *Decoder) Decode(conn Conn, r *Request) error {
	*r = Request{}
	d.deadline = time.Time{}
	if timeout := d.readTimeout(); timeout > 0 {
		d.deadline = time.Now().Add(timeout)
		if err := conn.SetReadDeadline(d.deadline); err != nil {
			return err
		}
	}
	line, err := d.readLine(conn)
	if err != nil {
		return fmt.Errorf("request line: %w", err)
	}
	if err := parseRequestLine(line, r); err != nil {
		d.discard(conn)
		return err
	}
	switch r.Method {
	case MethodPut:
		if err := d.skipHeaders(conn); err != nil {
			return fmt.Errorf("headers: %w", err)
		}
		r.Body, err = d.readIdle(conn, true, time.Time{})
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		return nil
	case MethodGet, MethodDelete:
		if _, err := d.readIdle(conn, false, d.deadline); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		return nil
	default:
		d.discard(conn)
		return fmt.Errorf("%.20q: %w", r.Method, ErrUnsupportedMethod)
	}
}

// discard drains input ahead of closing a connection without a response, so
// that closing does not reset the connection under the client.
func (d *Decoder) discard(conn Conn) {
	_, _ = d.readIdle(conn, false, d.deadline)
}

func (d *Decoder) readTimeout() time.Duration {
	if d.ReadTimeout == 0 {
		return DefaultReadTimeout
	}
	return d.ReadTimeout
}

func (d *Decoder) idleTimeout() time.Duration {
	if d.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return d.IdleTimeout
}

func (d *Decoder) readByte(conn Conn) (byte, error) {
	if _, err := io.ReadFull(conn, d.one[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	return d.one[0], nil
}

// The request line has no length limit. It is read one byte at a time so
// that nothing past the line feed is consumed.
func (d *Decoder) readLine(conn Conn) (string, error) {
	var line strings.Builder
	for {
		b, err := d.readByte(conn)
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return line.String(), nil
		}
		line.WriteByte(b)
	}
}

func parseRequestLine(line string, r *Request) error {
	line = strings.TrimSuffix(line, "\r")
	fields := strings.Fields(line)
	if len(fields) != 3 || !strings.HasPrefix(fields[2], "HTTP") {
		return fmt.Errorf("%.40q: %w", line, ErrMalformed)
	}
	r.Method = Method(fields[0])
	r.Path = fields[1]
	r.Version = strings.TrimPrefix(fields[2], "HTTP")
	return nil
}

// skipHeaders discards bytes up to and including the CR LF CR LF sequence
// that ends the header section. The state counts how much of the sequence has
// been seen. The request line's own terminator counts as the first CR LF, so
// that a request without headers only needs one more CR LF.
func (d *Decoder) skipHeaders(conn Conn) error {
	state := 2
	for state < 4 {
		b, err := d.readByte(conn)
		if err != nil {
			return err
		}
		switch {
		case b == '\r' && state%2 == 0:
			state++
		case b == '\n' && state%2 == 1:
			state++
		default:
			state = 0
		}
	}
	return nil
}

// readIdle reads until the connection is closed, stays silent for the idle
// timeout, or the deadline (if not zero) passes. None is an error: that is how
// the end of a body is detected. With keep false, the bytes are discarded.
func (d *Decoder) readIdle(conn Conn, keep bool, deadline time.Time) ([]byte, error) {
	if d.chunk == nil {
		d.chunk = make([]byte, 32*1024)
	}
	body := []byte{}
	for {
		next := time.Now().Add(d.idleTimeout())
		if !deadline.IsZero() && deadline.Before(next) {
			next = deadline
		}
		if err := conn.SetReadDeadline(next); err != nil {
			return nil, err
		}
		n, err := conn.Read(d.chunk)
		if keep {
			body = append(body, d.chunk[:n]...)
		}
		if err == nil {
			continue
		}
		if err == io.EOF || isTimeout(err) {
			return body, nil
		}
		return nil, err
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Encoder writes responses.
type Encoder struct {
	buf []byte
}

func (e *Encoder) Encode(w io.Writer, r Response) error {
	e.buf = e.buf[:0]
	e.buf = append(e.buf, "HTTP/1.1 "...)
	e.buf = strconv.AppendInt(e.buf, int64(r.Status), 10)
	e.buf = append(e.buf, ' ')
	e.buf = append(e.buf, r.Reason...)
	e.buf = append(e.buf, "\r\n"...)
	switch {
	case r.Framed:
		e.buf = append(e.buf, "Content-Length: "...)
		e.buf = strconv.AppendInt(e.buf, int64(len(r.Body)), 10)
		e.buf = append(e.buf, "\r\n\r\n"...)
		e.buf = append(e.buf, r.Body...)
	case len(r.Body) > 0:
		e.buf = append(e.buf, r.Body...)
	default:
		e.buf = append(e.buf, "\r\n"...)
	}
	n, err := w.Write(e.buf)
	if err != nil {
		return err
	}
	if n != len(e.buf) {
		return fmt.Errorf("wrote %d of %d bytes: %w", n, len(e.buf), ErrUnderflow)
	}
	return nil
}
