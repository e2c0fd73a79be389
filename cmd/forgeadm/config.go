package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type adminConfig struct {
	Addr    string
	Timeout time.Duration
}

type fileConfig struct {
	Addr      string `toml:"addr"`
	Timeout   string `toml:"timeout"`
	TimeoutMS int64  `toml:"timeout_ms"`
}

func defaultAdminConfig() adminConfig {
	return adminConfig{
		Addr:    "127.0.0.1:7400",
		Timeout: 5 * time.Second,
	}
}

func loadAdminConfig(path string) (adminConfig, error) {
	cfg := defaultAdminConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return adminConfig{}, fmt.Errorf("load forgeadm config: %w", err)
	}

	if meta.IsDefined("addr") {
		addr := strings.TrimSpace(raw.Addr)
		if addr != "" {
			cfg.Addr = addr
		}
	}

	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return adminConfig{}, fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}

	if meta.IsDefined("timeout_ms") {
		cfg.Timeout = time.Duration(raw.TimeoutMS) * time.Millisecond
	}

	return cfg, nil
}
