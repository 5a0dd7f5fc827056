package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/emaforlin/ws-echo/config"
)

// New builds the root logger. Format "console" writes human readable lines,
// anything else writes one JSON object per line.
func New(cfg config.LogConfig, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("failed to parse log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: !isTerminal(w)}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// StdLogger adapts logger for APIs that only accept a *log.Logger, such as
// http.Server.ErrorLog. Every line becomes a warn level event.
func StdLogger(logger zerolog.Logger, component string) *log.Logger {
	return log.New(lineWriter{logger: logger.With().Str("component", component).Logger()}, "", 0)
}

type lineWriter struct {
	logger zerolog.Logger
}

func (w lineWriter) Write(p []byte) (int, error) {
	w.logger.Warn().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}
