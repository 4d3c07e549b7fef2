// Package config loads rfcommctl configuration files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/progrium/rfcomm-go/mux"
	"github.com/progrium/rfcomm-go/observability"
)

// File is the configuration of rfcommctl.
type File struct {
	Mux mux.Config              `mapstructure:"mux" toml:"mux" yaml:"mux"`
	Log observability.LogConfig `mapstructure:"log" toml:"log" yaml:"log"`

	// MetricsAddr serves Prometheus metrics at /metrics when set.
	MetricsAddr string `mapstructure:"metrics_addr" toml:"metrics_addr" yaml:"metrics_addr"`
	// TracePath records every frame to a CBOR trace file when set.
	TracePath string `mapstructure:"trace_path" toml:"trace_path" yaml:"trace_path"`
	// Listen is the URL serve listens on.
	Listen string `mapstructure:"listen" toml:"listen" yaml:"listen"`
	// Forward is the tcp:// or unix:// URL every served channel is forwarded to.
	// Channels are echoed when it is empty.
	Forward string `mapstructure:"forward" toml:"forward" yaml:"forward"`
}

// Default returns the rfcommctl defaults. Credit-based flow is not advertised
// since the peers reached over network transports may enforce credits.
func Default() File {
	cfg := File{
		Mux: mux.DefaultConfig(),
		Log: observability.DefaultLogConfig(observability.ProfileRuntime),
	}
	cfg.Mux.CreditBasedFlow = false
	return cfg
}

// Load reads a TOML or YAML file, chosen by extension, over the defaults.
func Load(path string) (File, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	raw := map[string]any{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		return File{}, fmt.Errorf("config load failed (%s): unknown format %q", path, ext)
	}
	if err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := decode(raw, &cfg); err != nil {
		return File{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// decode merges raw into out. Durations are written as strings like "20s".
func decode(raw map[string]any, out *File) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func Validate(cfg File) error {
	if cfg.Mux.MaxFrameSize == 0 || cfg.Mux.MaxFrameSize > 32767 {
		return fmt.Errorf("config: mux.max_frame_size must be between 1 and 32767, got %d", cfg.Mux.MaxFrameSize)
	}
	if cfg.Mux.ResponseTimeout < 0 {
		return fmt.Errorf("config: mux.response_timeout must not be negative")
	}
	if cfg.Forward != "" && !strings.HasPrefix(cfg.Forward, "tcp://") && !strings.HasPrefix(cfg.Forward, "unix://") {
		return fmt.Errorf("config: forward must be a tcp:// or unix:// URL, got %q", cfg.Forward)
	}
	return nil
}
