// Package config loads the bus's YAML configuration file and resolves
// it against CLI flags and built-in defaults, following the same
// three-tier priority the teacher uses in cmd/orchestrator/main.go:
// CLI flag > config file > built-in default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the bus's full configuration surface (spec §10
// "Configuration"): socket prefix, idle timeout, auto-start, and
// debug/logging knobs. Unlike the teacher's Config (which also
// describes agent pools and cell topologies — concepts this spec has
// no equivalent of), every field here maps onto something §4.6 or §10
// actually names.
//
// Durations are stored as plain seconds, matching the teacher's
// AwaitTimeoutSeconds convention: yaml.v3 has no built-in
// time.Duration codec, so a "30s"-style string would need a custom
// UnmarshalYAML the teacher never wrote either.
type Config struct {
	SocketPrefix       string `yaml:"socket_prefix"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	AutoStart          bool   `yaml:"auto_start"`
	Debug              bool   `yaml:"debug"`
	HistorySize        int    `yaml:"history_size"`
	OutboundBufferSize int    `yaml:"outbound_buffer_size"`
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Defaults returns the built-in configuration used when no file and no
// flag overrides it (spec §5: idle shutdown "default 30s in
// production; chosen higher for debugging scenarios" — Defaults here
// is the production tier; a longer timeout comes only from the config
// file or --idle-timeout, since cmd/busd does not change it for
// --debug runs).
func Defaults() Config {
	return Config{
		SocketPrefix:       "symposium-daemon",
		IdleTimeoutSeconds: 30,
		AutoStart:          true,
		Debug:              false,
		HistorySize:        50,
		OutboundBufferSize: 256,
	}
}

// Load reads a YAML config file and overlays it onto Defaults(). A
// missing file is not an error: it just means "use the defaults",
// matching how an agent process with no config.yaml still has to
// start (the teacher instead treats a missing orchestrator config.yaml
// as a hard error, since GOX always needs an explicit cell topology —
// the bus has no equivalent mandatory file).
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		cfg.IdleTimeoutSeconds = Defaults().IdleTimeoutSeconds
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = Defaults().HistorySize
	}
	if cfg.OutboundBufferSize <= 0 {
		cfg.OutboundBufferSize = Defaults().OutboundBufferSize
	}
	return cfg, nil
}
