package gnetmux

import (
	"github.com/panjf2000/gnet/v2/pkg/logging"
	"github.com/rs/zerolog"
)

// gnetLogger routes gnet's internal logging through zerolog.
type gnetLogger struct {
	l zerolog.Logger
}

var _ logging.Logger = gnetLogger{}

func newGnetLogger(l zerolog.Logger) gnetLogger {
	return gnetLogger{l: l.With().Str("component", "gnet").Logger()}
}

func (g gnetLogger) Debugf(format string, args ...any) { g.l.Debug().Msgf(format, args...) }
func (g gnetLogger) Infof(format string, args ...any)  { g.l.Info().Msgf(format, args...) }
func (g gnetLogger) Warnf(format string, args ...any)  { g.l.Warn().Msgf(format, args...) }
func (g gnetLogger) Errorf(format string, args ...any) { g.l.Error().Msgf(format, args...) }

// Fatalf logs at error level; gnet must not take the process down.
func (g gnetLogger) Fatalf(format string, args ...any) { g.l.Error().Msgf(format, args...) }
