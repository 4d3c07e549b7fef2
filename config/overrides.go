package config

import (
	"fmt"
	"strings"

	"github.com/progrium/clon-go"
)

// ApplyOverrides applies command line arguments such as mux.max_frame_size=64
// or log.level=debug to cfg.
func ApplyOverrides(cfg *File, args []string) error {
	if len(args) == 0 {
		return nil
	}
	v, err := clon.Parse(args)
	if err != nil {
		return fmt.Errorf("config: invalid overrides: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("config: overrides must be key=value pairs")
	}
	if err := decode(expandKeys(m), cfg); err != nil {
		return fmt.Errorf("config: invalid overrides: %w", err)
	}
	return Validate(*cfg)
}

// expandKeys turns dotted keys into nested maps.
func expandKeys(m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		if sub, ok := v.(map[string]any); ok {
			v = expandKeys(sub)
		}
		parts := strings.Split(k, ".")
		dst := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := dst[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				dst[p] = next
			}
			dst = next
		}
		last := parts[len(parts)-1]
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[last].(map[string]any); ok {
				for sk, sv := range sub {
					existing[sk] = sv
				}
				continue
			}
		}
		dst[last] = v
	}
	return out
}
