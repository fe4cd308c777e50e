// Package h1 provides HTTP/1.x message framing for the h1q session
// variants: an incremental response parser and request/response writers.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/albertbausili/hqsession/internal/message"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrUnexpectedEOF is returned when the stream ends inside a message.
	ErrUnexpectedEOF = errors.New("h1: unexpected end of stream")
	// ErrTrailingData is returned for bytes after a complete response.
	ErrTrailingData = errors.New("h1: data after end of message")
)

// maxLineLength bounds status, header and chunk-size lines.
const maxLineLength = 64 << 10

// EventKind identifies a parse event.
type EventKind int

// Parse events
const (
	EventNone EventKind = iota
	EventHeaders
	EventBody
	EventTrailers
	EventEOM
)

// Event is one parse result.
type Event struct {
	Kind     EventKind
	Msg      *message.Message
	Data     []byte
	Trailers message.Header
}

type parseState int

const (
	stateStatusLine parseState = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkCRLF
	stateTrailers
	stateUntilEOF
	stateDone
)

// Parser incrementally parses one HTTP/1.x response (plus any 1xx responses
// preceding it) from a stream.
type Parser struct {
	buf       []byte
	state     parseState
	resp      *message.Message
	trailers  message.Header
	remaining int64
	eof       bool
	method    string
}

// NewParser creates a response parser.
func NewParser() *Parser {
	return &Parser{}
}

// SetRequestMethod records the request method; responses to HEAD carry no
// body.
func (p *Parser) SetRequestMethod(method string) {
	p.method = method
}

// Feed appends stream bytes.
func (p *Parser) Feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// FeedEOF marks the end of the stream.
func (p *Parser) FeedEOF() {
	p.eof = true
}

// Buffered returns the number of unparsed bytes.
func (p *Parser) Buffered() int { return len(p.buf) }

// Done reports whether the final response was fully parsed.
func (p *Parser) Done() bool { return p.state == stateDone }

// Next returns the next event. EventNone means more input is needed.
func (p *Parser) Next() (Event, error) {
	for {
		switch p.state {
		case stateStatusLine:
			line, ok, err := p.readLine()
			if err != nil || !ok {
				return Event{}, p.needMore(err)
			}
			resp, err := parseStatusLine(line)
			if err != nil {
				return Event{}, err
			}
			p.resp = resp
			p.state = stateHeaders

		case stateHeaders:
			line, ok, err := p.readLine()
			if err != nil || !ok {
				return Event{}, p.needMore(err)
			}
			if len(line) > 0 {
				if err := appendHeaderLine(&p.resp.Header, line); err != nil {
					return Event{}, err
				}
				continue
			}
			resp := p.resp
			if err := p.startBody(resp); err != nil {
				return Event{}, err
			}
			return Event{Kind: EventHeaders, Msg: resp}, nil

		case stateBody:
			if p.remaining == 0 {
				p.state = stateDone
				return Event{Kind: EventEOM}, nil
			}
			if len(p.buf) == 0 {
				return Event{}, p.needMore(nil)
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			data := p.take(int(n))
			p.remaining -= n
			return Event{Kind: EventBody, Data: data}, nil

		case stateUntilEOF:
			if len(p.buf) > 0 {
				return Event{Kind: EventBody, Data: p.take(len(p.buf))}, nil
			}
			if p.eof {
				p.state = stateDone
				return Event{Kind: EventEOM}, nil
			}
			return Event{}, nil

		case stateChunkSize:
			line, ok, err := p.readLine()
			if err != nil || !ok {
				return Event{}, p.needMore(err)
			}
			if semi := bytes.IndexByte(line, ';'); semi != -1 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
			if err != nil || size < 0 {
				return Event{}, fmt.Errorf("invalid chunk size: %q", line)
			}
			if size == 0 {
				p.state = stateTrailers
				continue
			}
			p.remaining = size
			p.state = stateChunkData

		case stateChunkData:
			if len(p.buf) == 0 {
				return Event{}, p.needMore(nil)
			}
			n := int64(len(p.buf))
			if n > p.remaining {
				n = p.remaining
			}
			data := p.take(int(n))
			p.remaining -= n
			if p.remaining == 0 {
				p.state = stateChunkCRLF
			}
			return Event{Kind: EventBody, Data: data}, nil

		case stateChunkCRLF:
			line, ok, err := p.readLine()
			if err != nil || !ok {
				return Event{}, p.needMore(err)
			}
			if len(line) != 0 {
				return Event{}, fmt.Errorf("missing CRLF after chunk data")
			}
			p.state = stateChunkSize

		case stateTrailers:
			line, ok, err := p.readLine()
			if err != nil || !ok {
				return Event{}, p.needMore(err)
			}
			if len(line) > 0 {
				if err := appendHeaderLine(&p.trailers, line); err != nil {
					return Event{}, err
				}
				continue
			}
			if p.trailers.Len() > 0 {
				t := p.trailers
				p.trailers = nil
				p.state = stateBody
				p.remaining = 0
				return Event{Kind: EventTrailers, Trailers: t}, nil
			}
			p.state = stateDone
			return Event{Kind: EventEOM}, nil

		case stateDone:
			if len(p.buf) > 0 {
				return Event{}, ErrTrailingData
			}
			return Event{}, nil
		}
	}
}

// needMore maps "no complete line yet" onto EventNone, or onto an error when
// the stream already ended.
func (p *Parser) needMore(err error) error {
	if err != nil {
		return err
	}
	if p.eof {
		return ErrUnexpectedEOF
	}
	return nil
}

// startBody picks the body framing for resp once its headers are complete.
func (p *Parser) startBody(resp *message.Message) error {
	switch {
	case resp.IsInformational():
		p.state = stateStatusLine
		p.resp = nil
		return nil
	case resp.Status == 204 || resp.Status == 304 || p.method == "HEAD":
		p.state = stateBody
		p.remaining = 0
		return nil
	}
	if te := resp.Header.Get("transfer-encoding"); te != "" {
		if !asciiContainsFoldString(te, "chunked") {
			return fmt.Errorf("unsupported transfer-encoding: %s", te)
		}
		p.state = stateChunkSize
		return nil
	}
	if v := resp.Header.Get("content-length"); v != "" {
		cl, ok := parseInt64Bytes([]byte(strings.TrimSpace(v)))
		if !ok {
			return fmt.Errorf("invalid content-length: %q", v)
		}
		p.state = stateBody
		p.remaining = cl
		return nil
	}
	p.state = stateUntilEOF
	return nil
}

func (p *Parser) take(n int) []byte {
	data := make([]byte, n)
	copy(data, p.buf[:n])
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return data
}

// readLine consumes one CRLF terminated line.
func (p *Parser) readLine() ([]byte, bool, error) {
	lineEnd := bytes.Index(p.buf, []byte("\r\n"))
	if lineEnd == -1 {
		if len(p.buf) > maxLineLength {
			return nil, false, fmt.Errorf("line exceeds %d bytes", maxLineLength)
		}
		return nil, false, nil
	}
	line := p.buf[:lineEnd]
	p.buf = p.buf[lineEnd+2:]
	return line, true, nil
}

// parseStatusLine parses VERSION SP STATUS [SP REASON].
func parseStatusLine(line []byte) (*message.Message, error) {
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line")
	}
	resp := &message.Message{}
	switch string(parts[0]) {
	case "HTTP/1.1":
		resp.VersionMajor, resp.VersionMinor = 1, 1
	case "HTTP/1.0":
		resp.VersionMajor, resp.VersionMinor = 1, 0
	default:
		return nil, fmt.Errorf("unsupported HTTP version: %s", parts[0])
	}
	status, ok := parseInt64Bytes(parts[1])
	if !ok || len(parts[1]) != 3 || status < 100 {
		return nil, fmt.Errorf("invalid status code: %q", parts[1])
	}
	resp.Status = int(status)
	if len(parts) == 3 {
		resp.Reason = string(parts[2])
	}
	return resp, nil
}

// appendHeaderLine parses "name: value" into h.
func appendHeaderLine(h *message.Header, line []byte) error {
	colonIdx := bytes.IndexByte(line, ':')
	if colonIdx == -1 {
		return fmt.Errorf("invalid header line")
	}
	name := string(bytes.TrimSpace(line[:colonIdx]))
	value := string(bytes.TrimSpace(line[colonIdx+1:]))
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name: %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %q", name)
	}
	h.Add(name, value)
	return nil
}

// asciiContainsFoldString reports whether s contains sub under ASCII case-insensitive comparison
func asciiContainsFoldString(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	n := len(s)
	m := len(sub)
	if m > n {
		return false
	}
	for i := 0; i <= n-m; i++ {
		match := true
		for j := 0; j < m; j++ {
			cs := s[i+j]
			ct := sub[j]
			if 'A' <= cs && cs <= 'Z' {
				cs |= 0x20
			}
			if 'A' <= ct && ct <= 'Z' {
				ct |= 0x20
			}
			if cs != ct {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// parseInt64Bytes parses a base-10 int64 from ASCII bytes, returning ok=false on error
func parseInt64Bytes(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}
