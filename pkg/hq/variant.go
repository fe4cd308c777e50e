package hq

import (
	"fmt"

	"github.com/albertbausili/hqsession/internal/codec"
	"github.com/albertbausili/hqsession/internal/h3/frame"
	"github.com/albertbausili/hqsession/internal/qpack"
)

// Variant selects the wire protocol spoken on the QUIC connection.
type Variant int

// Protocol variants
const (
	// VariantH1QV1 carries HTTP/1.1 on each bidirectional stream with no
	// control stream. Draining is signalled with "Connection: close".
	VariantH1QV1 Variant = iota
	// VariantH1QV2 adds a control stream carrying GOAWAY to VariantH1QV1.
	VariantH1QV2
	// VariantH3 is HTTP/3 with QPACK header compression.
	VariantH3
)

// ALPN tokens for each variant
const (
	ALPNH1QV1 = "h1q-fb"
	ALPNH1QV2 = "h1q-fb-v2"
	ALPNH3    = "h3"
)

func (v Variant) String() string {
	switch v {
	case VariantH1QV1:
		return ALPNH1QV1
	case VariantH1QV2:
		return ALPNH1QV2
	case VariantH3:
		return ALPNH3
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// ParseVariant maps an ALPN token to its variant.
func ParseVariant(alpn string) (Variant, error) {
	switch alpn {
	case ALPNH1QV1:
		return VariantH1QV1, nil
	case ALPNH1QV2:
		return VariantH1QV2, nil
	case ALPNH3:
		return VariantH3, nil
	}
	return 0, fmt.Errorf("hq: unknown protocol %q", alpn)
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// variantOps holds the behavior that differs between variants. One
// implementation is chosen when the session is created.
type variantOps interface {
	variant() Variant
	// controlStreamType reports the type of the local and peer control
	// streams; ok is false when the variant has none.
	controlStreamType() (t frame.StreamType, ok bool)
	// exchangesSettings reports whether both sides open their control stream
	// with SETTINGS.
	exchangesSettings() bool
	// usesQPACK reports whether QPACK encoder and decoder streams exist.
	usesQPACK() bool
	// readyOnTransport reports whether the session becomes active as soon
	// as the transport is ready, without waiting for peer SETTINGS.
	readyOnTransport() bool
	// drainsWithGoaway reports whether Drain sends GOAWAY frames. Otherwise
	// draining marks outgoing requests with "Connection: close".
	drainsWithGoaway() bool
	// peerDrainsWithClose reports whether a response carrying
	// "Connection: close" drains the session.
	peerDrainsWithClose() bool
	newStreamCodec(id uint64, enc *qpack.Encoder, dec *qpack.Decoder) codec.StreamCodec
}

func newVariantOps(v Variant) (variantOps, error) {
	switch v {
	case VariantH1QV1:
		return h1qV1{}, nil
	case VariantH1QV2:
		return h1qV2{}, nil
	case VariantH3:
		return h3Ops{}, nil
	}
	return nil, fmt.Errorf("hq: unsupported variant %v", v)
}

type h1qV1 struct{}

func (h1qV1) variant() Variant { return VariantH1QV1 }
func (h1qV1) controlStreamType() (frame.StreamType, bool) { return 0, false }
func (h1qV1) exchangesSettings() bool { return false }
func (h1qV1) usesQPACK() bool { return false }
func (h1qV1) readyOnTransport() bool { return true }
func (h1qV1) drainsWithGoaway() bool { return false }
func (h1qV1) peerDrainsWithClose() bool { return true }

func (h1qV1) newStreamCodec(id uint64, _ *qpack.Encoder, _ *qpack.Decoder) codec.StreamCodec {
	return codec.NewH1QStream(id)
}

type h1qV2 struct{}

func (h1qV2) variant() Variant { return VariantH1QV2 }
func (h1qV2) controlStreamType() (frame.StreamType, bool) {
	return frame.StreamH1QControl, true
}
func (h1qV2) exchangesSettings() bool { return false }
func (h1qV2) usesQPACK() bool { return false }
func (h1qV2) readyOnTransport() bool { return true }
func (h1qV2) drainsWithGoaway() bool { return true }
func (h1qV2) peerDrainsWithClose() bool { return false }

func (h1qV2) newStreamCodec(id uint64, _ *qpack.Encoder, _ *qpack.Decoder) codec.StreamCodec {
	return codec.NewH1QStream(id)
}

type h3Ops struct{}

func (h3Ops) variant() Variant { return VariantH3 }
func (h3Ops) controlStreamType() (frame.StreamType, bool) {
	return frame.StreamControl, true
}
func (h3Ops) exchangesSettings() bool { return true }
func (h3Ops) usesQPACK() bool { return true }
func (h3Ops) readyOnTransport() bool { return false }
func (h3Ops) drainsWithGoaway() bool { return true }
func (h3Ops) peerDrainsWithClose() bool { return false }

func (h3Ops) newStreamCodec(id uint64, enc *qpack.Encoder, dec *qpack.Decoder) codec.StreamCodec {
	return codec.NewH3Stream(id, codec.RoleClient, enc, dec)
}
