// Package message provides the HTTP message representation shared by the
// per-stream codecs and the session.
package message

import (
	"strconv"
	"strings"
)

// Header is an ordered list of header fields. Names are stored lowercase.
type Header [][2]string

// Add appends a header field.
func (h *Header) Add(name, value string) {
	*h = append(*h, [2]string{strings.ToLower(name), value})
}

// Set replaces all values of name with value.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value of name, or "".
func (h Header) Get(name string) string {
	name = strings.ToLower(name)
	for _, f := range h {
		if f[0] == name {
			return f[1]
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Header) Has(name string) bool {
	name = strings.ToLower(name)
	for _, f := range h {
		if f[0] == name {
			return true
		}
	}
	return false
}

// Values returns all values of name in order.
func (h Header) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, f := range h {
		if f[0] == name {
			out = append(out, f[1])
		}
	}
	return out
}

// Del removes every field called name.
func (h *Header) Del(name string) {
	name = strings.ToLower(name)
	out := (*h)[:0]
	for _, f := range *h {
		if f[0] != name {
			out = append(out, f)
		}
	}
	*h = out
}

// Len returns the number of fields.
func (h Header) Len() int { return len(h) }

// Clone returns a deep copy.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// Message is an HTTP request or response. Requests set Method/Scheme/
// Authority/Path, responses set Status.
type Message struct {
	Method    string
	Scheme    string
	Authority string
	Path      string

	Status int
	Reason string

	// VersionMajor/VersionMinor are only meaningful for HTTP/1.x framing.
	VersionMajor int
	VersionMinor int

	Header Header
}

// NewRequest builds a request message.
func NewRequest(method, scheme, authority, path string) *Message {
	return &Message{
		Method:       method,
		Scheme:       scheme,
		Authority:    authority,
		Path:         path,
		VersionMajor: 1,
		VersionMinor: 1,
	}
}

// NewResponse builds a response message.
func NewResponse(status int) *Message {
	return &Message{Status: status, VersionMajor: 1, VersionMinor: 1}
}

// IsRequest reports whether m carries a request line.
func (m *Message) IsRequest() bool { return m.Method != "" }

// IsInformational reports a 1xx response; those precede the final response.
func (m *Message) IsInformational() bool { return m.Status >= 100 && m.Status < 200 }

// ContentLength returns the parsed content-length header, or -1.
func (m *Message) ContentLength() int64 {
	v := m.Header.Get("content-length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// WantsClose reports whether the message carries "Connection: close".
func (m *Message) WantsClose() bool {
	for _, v := range m.Header.Values("connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "close") {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Header = m.Header.Clone()
	return &c
}
