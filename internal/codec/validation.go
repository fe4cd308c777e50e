package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/albertbausili/hqsession/internal/message"
	"github.com/albertbausili/hqsession/internal/qpack"
	"golang.org/x/net/http/httpguts"
)

func isConnectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func validateRequestHeaders(fields []qpack.Field) error {
	var (
		hasMethod   bool
		hasScheme   bool
		hasPath     bool
		seenRegular bool
		seenPseudo  = make(map[string]bool)
	)

	for _, f := range fields {
		name := f.Name
		value := f.Value

		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}

		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return fmt.Errorf("pseudo-header %s appears after regular header", name)
			}
			if seenPseudo[name] {
				return fmt.Errorf("duplicate pseudo-header: %s", name)
			}
			seenPseudo[name] = true

			switch name {
			case ":method":
				hasMethod = true
			case ":scheme":
				hasScheme = true
			case ":path":
				hasPath = true
				if value == "" {
					return fmt.Errorf("empty :path pseudo-header")
				}
			case ":authority":
			default:
				return fmt.Errorf("unknown pseudo-header: %s", name)
			}
			continue
		}

		seenRegular = true
		if err := validateRegular(name, value); err != nil {
			return err
		}
	}

	if !hasMethod {
		return fmt.Errorf("missing required :method pseudo-header")
	}
	if !hasScheme {
		return fmt.Errorf("missing required :scheme pseudo-header")
	}
	if !hasPath {
		return fmt.Errorf("missing required :path pseudo-header")
	}
	return nil
}

func validateResponseHeaders(fields []qpack.Field) error {
	var (
		hasStatus   bool
		seenRegular bool
	)

	for _, f := range fields {
		name := f.Name
		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}
		if strings.HasPrefix(name, ":") {
			if seenRegular {
				return fmt.Errorf("pseudo-header %s appears after regular header", name)
			}
			if name != ":status" {
				return fmt.Errorf("unknown pseudo-header: %s", name)
			}
			if hasStatus {
				return fmt.Errorf("duplicate pseudo-header: %s", name)
			}
			hasStatus = true
			continue
		}
		seenRegular = true
		if err := validateRegular(name, f.Value); err != nil {
			return err
		}
	}

	if !hasStatus {
		return fmt.Errorf("missing required :status pseudo-header")
	}
	return nil
}

// validateTrailerHeaders validates trailing headers.
// Trailers MUST NOT contain pseudo-headers and follow the same connection-specific
// header restrictions as regular headers.
func validateTrailerHeaders(fields []qpack.Field) error {
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return fmt.Errorf("header field name must be lowercase: %s", f.Name)
		}
		if strings.HasPrefix(f.Name, ":") {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", f.Name)
		}
		if err := validateRegular(f.Name, f.Value); err != nil {
			return err
		}
	}
	return nil
}

func validateRegular(name, value string) error {
	if isConnectionSpecific(name) {
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	}
	if name == "te" && value != "trailers" {
		return fmt.Errorf("TE header must be 'trailers', got: %s", value)
	}
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name: %q", name)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %s", name)
	}
	return nil
}

func validateContentLength(h message.Header, bodyLength int64) error {
	for _, v := range h.Values("content-length") {
		expected, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid content-length value: %s", v)
		}
		if expected != bodyLength {
			return fmt.Errorf("content-length (%d) does not match body length (%d)",
				expected, bodyLength)
		}
	}
	return nil
}

// fieldsFromMessage converts msg into an HTTP/3 field section, dropping
// connection-specific headers.
func fieldsFromMessage(msg *message.Message) []qpack.Field {
	fields := make([]qpack.Field, 0, msg.Header.Len()+4)
	if msg.IsRequest() {
		authority := msg.Authority
		if authority == "" {
			authority = msg.Header.Get("host")
		}
		path := msg.Path
		if path == "" {
			path = "/"
		}
		fields = append(fields,
			qpack.Field{Name: ":method", Value: msg.Method},
			qpack.Field{Name: ":scheme", Value: msg.Scheme},
			qpack.Field{Name: ":authority", Value: authority},
			qpack.Field{Name: ":path", Value: path},
		)
	} else {
		fields = append(fields, qpack.Field{Name: ":status", Value: strconv.Itoa(msg.Status)})
	}
	for _, f := range msg.Header {
		if isConnectionSpecific(f[0]) || f[0] == "host" {
			continue
		}
		fields = append(fields, qpack.Field{Name: f[0], Value: f[1]})
	}
	return fields
}

func fieldsFromHeader(h message.Header) []qpack.Field {
	fields := make([]qpack.Field, 0, h.Len())
	for _, f := range h {
		fields = append(fields, qpack.Field{Name: f[0], Value: f[1]})
	}
	return fields
}

// responseFromFields builds a response message from a validated field section.
func responseFromFields(fields []qpack.Field) (*message.Message, error) {
	if err := validateResponseHeaders(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := message.NewResponse(0)
	for _, f := range fields {
		if f.Name == ":status" {
			status, err := strconv.Atoi(f.Value)
			if err != nil || status < 100 || status > 999 {
				return nil, fmt.Errorf("%w: invalid :status %q", ErrMalformed, f.Value)
			}
			msg.Status = status
			continue
		}
		msg.Header.Add(f.Name, f.Value)
	}
	return msg, nil
}

// requestFromFields builds a request message from a validated field section.
func requestFromFields(fields []qpack.Field) (*message.Message, error) {
	if err := validateRequestHeaders(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := message.NewRequest("", "", "", "")
	for _, f := range fields {
		switch f.Name {
		case ":method":
			msg.Method = f.Value
		case ":scheme":
			msg.Scheme = f.Value
		case ":authority":
			msg.Authority = f.Value
		case ":path":
			msg.Path = f.Value
		default:
			msg.Header.Add(f.Name, f.Value)
		}
	}
	return msg, nil
}

func headerFromFields(fields []qpack.Field) (message.Header, error) {
	if err := validateTrailerHeaders(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var h message.Header
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h, nil
}
