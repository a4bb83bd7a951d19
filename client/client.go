package client

import (
	"bytes"
	"errors"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the server answers 404.
	ErrNotFound = errors.New("not found")

	// ErrNoResponse is returned when the server closes the connection without
	// answering, e.g., because it is over capacity or did not like the request.
	ErrNoResponse = errors.New("no response")

	// ErrBadResponse is returned for responses that cannot be parsed.
	ErrBadResponse = errors.New("bad response")
)

// StatusError carries the status line of a response that is neither a success
// nor a 404.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Reason)
}

type options struct {
	address string
	timeout time.Duration
}

type Option func(*options)

func WithAddress(value string) Option {
	return func(o *options) {
		o.address = value
	}
}

func WithTimeout(value time.Duration) Option {
	return func(o *options) {
		o.timeout = value
	}
}

// Upload describes where an uploaded file can be downloaded from.
type Upload struct {
	Key string
	URL string
}

// Client speaks the server's wire protocol, one connection per request.
type Client struct {
	opts options
}

func New(opts ...Option) *Client {
	var c Client
	c.opts.address = "127.0.0.1:80"
	c.opts.timeout = 10 * time.Second
	for _, o := range opts {
		o(&c.opts)
	}
	return &c
}

// Put uploads data. The name only contributes to the key, it is not kept.
// The write side of the connection is closed after the body, so the server
// does not have to wait for the connection to go idle.
func (c *Client) Put(name string, data []byte) (Upload, error) {
	var request bytes.Buffer
	fmt.Fprintf(&request, "PUT /%s HTTP/1.1\r\n\r\n", url.PathEscape(strings.TrimPrefix(name, "/")))
	request.Write(data)
	status, reason, _, err := c.do(request.Bytes())
	if err != nil {
		return Upload{}, err
	}
	if status != 200 {
		return Upload{}, &StatusError{Status: status, Reason: reason}
	}
	start := strings.Index(reason, `"`)
	end := strings.LastIndex(reason, `"`)
	if start < 0 || end <= start {
		return Upload{}, fmt.Errorf("%q: no download link: %w", reason, ErrBadResponse)
	}
	link := reason[start+1 : end]
	return Upload{
		Key: link[strings.LastIndex(link, "/")+1:],
		URL: link,
	}, nil
}

func (c *Client) Get(key string) ([]byte, error) {
	status, reason, rest, err := c.do([]byte(fmt.Sprintf("GET /%s HTTP/1.1\r\n\r\n", key)))
	if err != nil {
		return nil, err
	}
	switch status {
	case 200:
		return parseFramedBody(rest)
	case 404:
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	default:
		return nil, &StatusError{Status: status, Reason: reason}
	}
}

func (c *Client) Delete(key string) error {
	status, reason, _, err := c.do([]byte(fmt.Sprintf("DELETE /%s HTTP/1.1\r\n\r\n", key)))
	if err != nil {
		return err
	}
	switch status {
	case 200:
		return nil
	case 404:
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	default:
		return &StatusError{Status: status, Reason: reason}
	}
}

// do sends a raw request and reads the response until the server closes the
// connection.
func (c *Client) do(request []byte) (status int, reason string, rest []byte, err error) {
	conn, err := net.DialTimeout("tcp", c.opts.address, c.opts.timeout)
	if err != nil {
		return 0, "", nil, err
	}
	defer func() {
		_ = conn.Close()
	}()
	if err := conn.SetDeadline(time.Now().Add(c.opts.timeout)); err != nil {
		return 0, "", nil, err
	}
	if _, err := conn.Write(request); err != nil {
		return 0, "", nil, fmt.Errorf("%v: %w", err, ErrNoResponse)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return 0, "", nil, fmt.Errorf("%v: %w", err, ErrNoResponse)
		}
	}
	response, err := ioutil.ReadAll(conn)
	if len(response) == 0 {
		if err != nil {
			return 0, "", nil, fmt.Errorf("%v: %w", err, ErrNoResponse)
		}
		return 0, "", nil, ErrNoResponse
	}
	if err != nil {
		return 0, "", nil, err
	}
	return parseStatusLine(response)
}

func parseStatusLine(response []byte) (status int, reason string, rest []byte, err error) {
	i := bytes.Index(response, []byte("\r\n"))
	if i < 0 {
		return 0, "", nil, fmt.Errorf("%.40q: unterminated status line: %w", response, ErrBadResponse)
	}
	line := string(response[:i])
	rest = response[i+2:]
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, "", nil, fmt.Errorf("%.40q: %w", line, ErrBadResponse)
	}
	status, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", nil, fmt.Errorf("%.40q: %v: %w", line, err, ErrBadResponse)
	}
	if len(fields) == 3 {
		reason = fields[2]
	}
	return status, reason, rest, nil
}

func parseFramedBody(rest []byte) ([]byte, error) {
	length := -1
	for {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			return nil, fmt.Errorf("unterminated headers: %w", ErrBadResponse)
		}
		header := string(rest[:i])
		rest = rest[i+2:]
		if header == "" {
			break
		}
		colon := strings.IndexByte(header, ':')
		if colon < 0 {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(header[:colon]), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(header[colon+1:]))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%q: %w", header, ErrBadResponse)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, fmt.Errorf("missing content length: %w", ErrBadResponse)
	}
	if len(rest) < length {
		return nil, fmt.Errorf("read %d of %d bytes: %w", len(rest), length, ErrBadResponse)
	}
	return rest[:length], nil
}
