// Package logging builds the zerolog loggers used by the command line tools.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides
const (
	EnvLevel   = "HQ_LOG_LEVEL"
	EnvNoColor = "HQ_LOG_NOCOLOR"
)

// Options controls New.
type Options struct {
	App     string
	Level   zerolog.Level
	Out     io.Writer
	NoColor bool
}

// New returns a console logger tagged with the app name. HQ_LOG_LEVEL and
// HQ_LOG_NOCOLOR override the options when set.
func New(opts Options) zerolog.Logger {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	level := opts.Level
	if v := os.Getenv(EnvLevel); v != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = l
		}
	}
	noColor := opts.NoColor
	if v := os.Getenv(EnvNoColor); v != "" && v != "0" && !strings.EqualFold(v, "false") {
		noColor = true
	}

	output := zerolog.ConsoleWriter{
		Out:        opts.Out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	logger := zerolog.New(output).Level(level).With().Timestamp()
	if opts.App != "" {
		logger = logger.Str("app", opts.App)
	}
	return logger.Logger()
}
