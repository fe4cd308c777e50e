package h1

import (
	"fmt"
	"strconv"

	"github.com/albertbausili/hqsession/internal/message"
)

// Pre-allocated framing fragments
var (
	statusLine200 = []byte("HTTP/1.1 200 OK\r\n")
	headerSep     = []byte(": ")
	crlf          = []byte("\r\n")
	chunkEnd      = []byte("0\r\n\r\n")
)

// Writer serializes one HTTP/1.x message, choosing between content-length,
// chunked and close-delimited body framing.
type Writer struct {
	headersSent bool
	chunked     bool
	done        bool
}

// NewWriter creates a message writer.
func NewWriter() *Writer {
	return &Writer{}
}

// AppendHeader appends the start line and headers of msg to b. When eom is
// set the message has no body. A non-final (1xx) response leaves the writer
// ready for the next header.
func (w *Writer) AppendHeader(b []byte, msg *message.Message, eom bool) ([]byte, error) {
	if w.headersSent {
		return b, fmt.Errorf("h1: headers already sent")
	}
	if msg.IsRequest() {
		b = appendRequestLine(b, msg)
	} else {
		b = appendStatusLine(b, msg)
	}

	hasLength := msg.Header.Has("content-length")
	informational := !msg.IsRequest() && msg.IsInformational()
	te := msg.Header.Get("transfer-encoding")
	explicitChunked := asciiContainsFoldString(te, "chunked")
	if !hasLength && !eom && !informational && te == "" {
		// An HTTP/1.0 response body runs until the stream FIN. Requests
		// whose method carries no body get no body framing.
		if msg.IsRequest() {
			w.chunked = methodExpectsBody(msg.Method)
		} else {
			w.chunked = msg.VersionMinor != 0
		}
	}
	if msg.IsRequest() && msg.Authority != "" && !msg.Header.Has("host") {
		b = appendField(b, "host", msg.Authority)
	}
	for _, f := range msg.Header {
		b = appendField(b, f[0], f[1])
	}
	if w.chunked {
		b = appendField(b, "transfer-encoding", "chunked")
	}
	if explicitChunked && !informational {
		w.chunked = true
	}
	if eom && msg.IsRequest() && !hasLength && methodExpectsBody(msg.Method) {
		b = appendField(b, "content-length", "0")
	}
	b = append(b, crlf...)

	if informational {
		return b, nil
	}
	w.headersSent = true
	if eom {
		w.done = true
	}
	return b, nil
}

// AppendBody appends body bytes to b.
func (w *Writer) AppendBody(b []byte, data []byte) ([]byte, error) {
	if !w.headersSent || w.done {
		return b, fmt.Errorf("h1: body outside of message")
	}
	if len(data) == 0 {
		return b, nil
	}
	if w.chunked {
		b = strconv.AppendInt(b, int64(len(data)), 16)
		b = append(b, crlf...)
		b = append(b, data...)
		return append(b, crlf...), nil
	}
	return append(b, data...), nil
}

// AppendTrailers appends trailers and ends a chunked message. Trailers on
// non-chunked messages are dropped.
func (w *Writer) AppendTrailers(b []byte, trailers message.Header) []byte {
	if !w.chunked || w.done {
		return b
	}
	b = append(b, '0', '\r', '\n')
	for _, f := range trailers {
		b = appendField(b, f[0], f[1])
	}
	w.done = true
	return append(b, crlf...)
}

// AppendEOM appends whatever terminates the message body.
func (w *Writer) AppendEOM(b []byte) []byte {
	if w.done {
		return b
	}
	w.done = true
	if w.chunked {
		return append(b, chunkEnd...)
	}
	return b
}

// Done reports whether the message was completed.
func (w *Writer) Done() bool { return w.done }

func appendRequestLine(b []byte, msg *message.Message) []byte {
	path := msg.Path
	if path == "" {
		path = "/"
	}
	b = append(b, msg.Method...)
	b = append(b, ' ')
	b = append(b, path...)
	b = append(b, " HTTP/1."...)
	b = strconv.AppendInt(b, int64(msg.VersionMinor), 10)
	return append(b, crlf...)
}

func appendStatusLine(b []byte, msg *message.Message) []byte {
	if msg.Status == 200 && msg.VersionMinor == 1 && msg.Reason == "" {
		return append(b, statusLine200...)
	}
	reason := msg.Reason
	if reason == "" {
		reason = statusText(msg.Status)
	}
	b = append(b, "HTTP/1."...)
	b = strconv.AppendInt(b, int64(msg.VersionMinor), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(msg.Status), 10)
	b = append(b, ' ')
	b = append(b, reason...)
	return append(b, crlf...)
}

func appendField(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, headerSep...)
	b = append(b, value...)
	return append(b, crlf...)
}

func methodExpectsBody(method string) bool {
	return method == "POST" || method == "PUT" || method == "PATCH"
}

// statusText returns the status text for common HTTP status codes.
func statusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 429:
		return "Too Many Requests"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}
