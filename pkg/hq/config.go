// Package hq implements the client side of an HTTP session over a QUIC-style
// multi-stream transport, for the h1q-fb, h1q-fb-v2 and h3 protocols.
package hq

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// Config holds the session configuration options.
type Config struct {
	Variant             Variant        `toml:"variant"`                // Protocol spoken on the connection
	QPACKTableCapacity  uint64         `toml:"qpack_table_capacity"`   // Dynamic table capacity offered to the peer
	QPACKBlockedStreams int            `toml:"qpack_blocked_streams"`  // Maximum streams blocked on the dynamic table
	MaxFieldSectionSize uint64         `toml:"max_field_section_size"` // Largest decoded header section (0 for unlimited)
	QPACKBlockTimeout   time.Duration  `toml:"qpack_block_timeout"`    // How long a header block may stay blocked
	DrainGoawayDelay    time.Duration  `toml:"drain_goaway_delay"`     // Delay between the two drain GOAWAYs
	IngressBufferLimit  int            `toml:"ingress_buffer_limit"`   // Bytes buffered per paused stream before failing it
	RequestIDHeader     string         `toml:"request_id_header"`      // Header carrying a generated request id (empty disables)
	Logger              zerolog.Logger `toml:"-"`                      // Logger for session events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Variant:             VariantH3,
		QPACKTableCapacity:  4096,
		QPACKBlockedStreams: 100,
		MaxFieldSectionSize: 0, // Unlimited
		QPACKBlockTimeout:   5 * time.Second,
		DrainGoawayDelay:    50 * time.Millisecond,
		IngressBufferLimit:  64 << 10, // 64 KB
		Logger:              zerolog.Nop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if _, err := newVariantOps(c.Variant); err != nil {
		return err
	}
	if c.QPACKBlockedStreams < 0 {
		c.QPACKBlockedStreams = 100
	}
	if c.QPACKBlockTimeout <= 0 {
		c.QPACKBlockTimeout = 5 * time.Second
	}
	if c.DrainGoawayDelay <= 0 {
		c.DrainGoawayDelay = 50 * time.Millisecond
	}
	if c.IngressBufferLimit <= 0 {
		c.IngressBufferLimit = 64 << 10
	}
	if c.QPACKTableCapacity > 1<<30 {
		return fmt.Errorf("hq: qpack table capacity %d too large", c.QPACKTableCapacity)
	}
	return nil
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("hq: load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
