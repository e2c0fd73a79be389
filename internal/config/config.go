package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DaemonConfig is the full forgectl configuration as loaded from TOML.
type DaemonConfig struct {
	ID          string       `toml:"id"`
	Addr        string       `toml:"addr"`
	CorsOrigins []string     `toml:"cors_origins"`
	Worker      WorkerConfig `toml:"worker"`
	Pool        PoolConfig   `toml:"pool"`
}

// WorkerConfig describes how worker processes are launched.
type WorkerConfig struct {
	Command  string   `toml:"command"`
	BaseArgs []string `toml:"base_args"`
}

// PoolConfig holds pool and expiration tuning. Durations are TOML strings
// ("90s", "2m") parsed with time.ParseDuration.
type PoolConfig struct {
	MaxIdle           string `toml:"max_idle"`
	SweepInterval     string `toml:"sweep_interval"`
	ShutdownGrace     string `toml:"shutdown_grace"`
	DisableExpiration bool   `toml:"disable_expiration"`
}

func LoadDaemonConfig(path string) (DaemonConfig, error) {
	var cfg DaemonConfig
	if err := loadToml(path, &cfg); err != nil {
		return DaemonConfig{}, err
	}
	if cfg.ID == "" {
		cfg.ID = "forged.local"
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7400"
	}
	if err := ValidateDaemonConfig(cfg); err != nil {
		return DaemonConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateDaemonConfig(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("daemon config missing id")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("daemon config missing addr")
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		return fmt.Errorf("daemon config missing worker command")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"pool.max_idle", cfg.Pool.MaxIdle},
		{"pool.sweep_interval", cfg.Pool.SweepInterval},
		{"pool.shutdown_grace", cfg.Pool.ShutdownGrace},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(field.value)); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}
	return nil
}

// Duration parses an optional TOML duration string, returning fallback when
// the field is unset.
func Duration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
