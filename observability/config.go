package observability

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "RFCOMM_LOG_LEVEL"
	EnvLogTimestamp = "RFCOMM_LOG_TIMESTAMP"
	EnvLogNoColor   = "RFCOMM_LOG_NOCOLOR"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// LogConfig selects the level and console format of the process logger.
type LogConfig struct {
	Level     string `mapstructure:"level" toml:"level" yaml:"level"`
	Timestamp bool   `mapstructure:"timestamp" toml:"timestamp" yaml:"timestamp"`
	NoColor   bool   `mapstructure:"no_color" toml:"no_color" yaml:"no_color"`
}

func DefaultLogConfig(profile Profile) LogConfig {
	switch profile {
	case ProfileTest:
		return LogConfig{Level: "debug", Timestamp: false, NoColor: true}
	default:
		return LogConfig{Level: "info", Timestamp: true}
	}
}

func ApplyEnvOverrides(cfg *LogConfig) {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if _, ok := parseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func (cfg LogConfig) zerologLevel() zerolog.Level {
	lvl, ok := parseLevel(cfg.Level)
	if !ok {
		return zerolog.InfoLevel
	}
	return lvl
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
