package message

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Method is the verb of a request line. Only MethodPut, MethodGet and
// MethodDelete are served.
type Method string

const (
	// MethodPut uploads the request body. It is the only method whose body is
	// read: after the request line, header bytes are skipped up to the first
	// empty line, and the body is whatever arrives before the connection goes
	// idle.
	MethodPut Method = "PUT"

	// MethodGet downloads the blob named by the final component of the path.
	MethodGet Method = "GET"

	// MethodDelete removes the blob named by the final component of the path.
	MethodDelete Method = "DELETE"
)

// Request is one connection's command.
type Request struct {
	Method Method

	// Requested resource, verbatim from the request line.
	Path string

	// Whatever follows the literal "HTTP" in the request line, e.g., "/1.1".
	// Parsed but not enforced.
	Version string

	// Only set for MethodPut.
	Body []byte
}

// printable makes client-controlled text safe to log: anything with
// non-printable or non-ASCII runes is shown in hex, and long text is clipped.
func printable(s string) string {
	const max = 40
	if strings.IndexFunc(s, func(r rune) bool {
		return r > unicode.MaxASCII || !unicode.IsPrint(r)
	}) >= 0 {
		s = fmt.Sprintf("%x", s)
	}
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

// String implements fmt.Stringer. Fields are passed through printable, and the
// body is summarized by its length.
func (r Request) String() string {
	return fmt.Sprintf("method=%s path=%s version=%s body=%d",
		printable(string(r.Method)), printable(r.Path), printable(r.Version), len(r.Body))
}

// Response is a status line, optionally followed by a body.
type Response struct {
	Status int
	Reason string

	// Framed responses carry a Content-Length header and a blank line before
	// the body. Unframed bodies are written verbatim after the status line,
	// and an empty unframed body is replaced by a blank line.
	Framed bool
	Body   []byte
}

// String implements fmt.Stringer.
func (r Response) String() string {
	return fmt.Sprintf("status=%d reason=%s framed=%t body=%d",
		r.Status, printable(r.Reason), r.Framed, len(r.Body))
}

// NewCreated constructs the response to a successful upload. Rather than a
// framed body, it carries instructions on how to download the file again.
func NewCreated(host string, key string, retention time.Duration) Response {
	url := fmt.Sprintf("http://%s/%s", host, key)
	return Response{
		Status: 200,
		Reason: fmt.Sprintf("Your file should be accessible at %q for the next %s, to download the file, run:",
			url, retentionText(retention)),
		Body: []byte(fmt.Sprintf("$ curl %s | cat > FILENAME.txt\r\n", url)),
	}
}

// NewContent constructs the response to a successful download.
func NewContent(body []byte) Response {
	return Response{
		Status: 200,
		Reason: "OK",
		Framed: true,
		Body:   body,
	}
}

func NewNotFound(path string) Response {
	return Response{
		Status: 404,
		Reason: fmt.Sprintf("Failed to get file at %s", path),
	}
}

func NewDeleted(path string) Response {
	return Response{
		Status: 200,
		Reason: fmt.Sprintf("The file hosted at %s has been removed", path),
	}
}

func NewNotDeleted(path string) Response {
	return Response{
		Status: 404,
		Reason: fmt.Sprintf("The file hosted at %s could not be removed", path),
	}
}

// NewConflict constructs the response to an upload for which no free key
// could be found.
func NewConflict() Response {
	return Response{
		Status: 409,
		Reason: "Could not allocate a name for your file, please retry",
	}
}

func NewInsufficientStorage() Response {
	return Response{
		Status: 507,
		Reason: "Storage is full, please retry later",
	}
}

func NewInternalError() Response {
	return Response{
		Status: 500,
		Reason: "Could not store your file",
	}
}

func retentionText(d time.Duration) string {
	switch {
	case d == time.Hour:
		return "hour"
	case d > 0 && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", d/time.Hour)
	case d == time.Minute:
		return "minute"
	case d > 0 && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", d/time.Minute)
	default:
		return d.String()
	}
}
