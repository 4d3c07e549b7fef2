package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger from cfg and the environment overrides,
// and installs it as the zerolog global logger.
func InitLogger(app string, cfg LogConfig) zerolog.Logger {
	ApplyEnvOverrides(&cfg)
	logger := NewLogger(os.Stderr, app, cfg)
	log.Logger = logger
	return logger
}

// NewLogger returns a console logger writing to w.
func NewLogger(w io.Writer, app string, cfg LogConfig) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
		NoColor:    cfg.NoColor,
	}
	if !cfg.Timestamp {
		output.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	ctx := zerolog.New(output).Level(cfg.zerologLevel()).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	return ctx.Logger()
}
