package hq

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per transaction (defaults to stdout)
	Logger zerolog.Logger
	// Level is the level of successful transactions (default: info)
	Level zerolog.Level
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Logger: zerolog.New(os.Stdout).With().Timestamp().Logger(),
		Level:  zerolog.InfoLevel,
	}
}

// Logger returns a middleware that logs each transaction when it detaches.
func Logger() Middleware {
	return LoggerWithConfig(DefaultLoggerConfig())
}

// LoggerWithConfig returns a middleware that logs transactions with custom
// configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	return func(next Handler) Handler {
		return &loggingHandler{handlerWrapper: handlerWrapper{next: next}, config: config}
	}
}

type loggingHandler struct {
	handlerWrapper
	config LoggerConfig

	tr        *Transaction
	start     time.Time
	method    string
	path      string
	status    int
	bodyBytes int
	err       *Error
}

func (l *loggingHandler) SetTransaction(tr *Transaction) {
	l.tr = tr
	l.start = time.Now()
	tr.addSendHook(func(msg *Message) {
		l.method = msg.Method
		l.path = msg.Path
	})
	l.next.SetTransaction(tr)
}

func (l *loggingHandler) OnHeadersComplete(msg *Message) {
	if !msg.IsInformational() {
		l.status = msg.Status
	}
	l.next.OnHeadersComplete(msg)
}

func (l *loggingHandler) OnBody(data []byte) {
	l.bodyBytes += len(data)
	l.next.OnBody(data)
}

func (l *loggingHandler) OnError(err *Error) {
	l.err = err
	l.next.OnError(err)
}

func (l *loggingHandler) OnDetachTransaction() {
	var ev *zerolog.Event
	if l.err != nil {
		ev = l.config.Logger.Error().Stringer("kind", l.err.Kind).Str("error", l.err.Error())
	} else {
		ev = l.config.Logger.WithLevel(l.config.Level)
	}
	ev.Uint64("stream", l.tr.ID()).
		Str("session", l.tr.Session().ID()).
		Str("method", l.method).
		Str("path", l.path).
		Int("status", l.status).
		Int("bytes", l.bodyBytes).
		Dur("duration", time.Since(l.start)).
		Msg("transaction")
	l.next.OnDetachTransaction()
}

// DecompressConfig defines the configuration options for the Decompress
// middleware.
type DecompressConfig struct {
	// MaxSize bounds the decoded body size (default: 16 MB)
	MaxSize int64
	// AdvertiseEncodings adds accept-encoding to requests that lack it
	AdvertiseEncodings bool
}

// DefaultDecompressConfig returns a DecompressConfig with sensible defaults.
func DefaultDecompressConfig() DecompressConfig {
	return DecompressConfig{
		MaxSize:            16 << 20,
		AdvertiseEncodings: true,
	}
}

// Decompress returns a middleware that decodes br and gzip response bodies.
func Decompress() Middleware {
	return DecompressWithConfig(DefaultDecompressConfig())
}

// DecompressWithConfig returns a middleware that decodes response bodies
// with custom configuration. Encoded bodies are buffered and delivered as a
// single OnBody call before trailers or EOM.
func DecompressWithConfig(config DecompressConfig) Middleware {
	if config.MaxSize <= 0 {
		config.MaxSize = 16 << 20
	}
	return func(next Handler) Handler {
		return &decompressHandler{handlerWrapper: handlerWrapper{next: next}, config: config}
	}
}

type decompressHandler struct {
	handlerWrapper
	config DecompressConfig

	tr       *Transaction
	encoding string
	buf      bytes.Buffer
	failed   bool
}

func (d *decompressHandler) SetTransaction(tr *Transaction) {
	d.tr = tr
	if d.config.AdvertiseEncodings {
		tr.addSendHook(func(msg *Message) {
			if !msg.Header.Has("accept-encoding") {
				msg.Header.Add("accept-encoding", "br, gzip")
			}
		})
	}
	d.next.SetTransaction(tr)
}

func (d *decompressHandler) OnHeadersComplete(msg *Message) {
	if !msg.IsInformational() {
		switch enc := strings.ToLower(strings.TrimSpace(msg.Header.Get("content-encoding"))); enc {
		case "br", "gzip":
			d.encoding = enc
			msg.Header.Del("content-encoding")
			msg.Header.Del("content-length")
		}
	}
	d.next.OnHeadersComplete(msg)
}

func (d *decompressHandler) OnBody(data []byte) {
	if d.encoding == "" {
		d.next.OnBody(data)
		return
	}
	d.buf.Write(data)
}

func (d *decompressHandler) OnTrailers(trailers Header) {
	if !d.flush() {
		return
	}
	d.next.OnTrailers(trailers)
}

func (d *decompressHandler) OnEOM() {
	if !d.flush() {
		return
	}
	d.next.OnEOM()
}

func (d *decompressHandler) OnError(err *Error) {
	if d.failed {
		return
	}
	d.next.OnError(err)
}

// flush decodes the buffered body and reports whether delivery may
// continue.
func (d *decompressHandler) flush() bool {
	if d.failed {
		return false
	}
	if d.encoding == "" || d.buf.Len() == 0 {
		return true
	}
	body, err := d.decode()
	d.buf.Reset()
	if err != nil {
		d.failed = true
		d.next.OnError(&Error{
			Kind:     KindParse,
			Code:     ErrGeneralProtocolError,
			StreamID: d.tr.ID(),
			msg:      fmt.Sprintf("decode %s body: %v", d.encoding, err),
			cause:    err,
		})
		d.tr.SendAbort()
		return false
	}
	if len(body) > 0 {
		d.next.OnBody(body)
	}
	return true
}

func (d *decompressHandler) decode() ([]byte, error) {
	var r io.Reader
	switch d.encoding {
	case "br":
		r = brotli.NewReader(&d.buf)
	case "gzip":
		zr, err := gzip.NewReader(&d.buf)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	body, err := io.ReadAll(io.LimitReader(r, d.config.MaxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > d.config.MaxSize {
		return nil, fmt.Errorf("decoded body exceeds %d bytes", d.config.MaxSize)
	}
	return body, nil
}
