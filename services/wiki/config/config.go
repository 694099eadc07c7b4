// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the instance configuration.
//
// Settings come from defaults, then a YAML file, then IBIS_* environment
// variables. The federation allow and block lists can be reloaded while the
// server runs; see Watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the whole instance configuration.
type Config struct {
	Federation FederationConfig `yaml:"federation"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Options    OptionsConfig    `yaml:"options"`
}

// FederationConfig controls identity and peers.
type FederationConfig struct {
	Domain          string        `yaml:"domain" validate:"required,hostname_port|hostname"`
	TLS             bool          `yaml:"tls"`
	Allowlist       []string      `yaml:"allowlist,omitempty"`
	Blocklist       []string      `yaml:"blocklist,omitempty"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	DeliveryRate    float64       `yaml:"delivery_rate" validate:"gt=0"`
	DeliveryBurst   int           `yaml:"delivery_burst" validate:"gte=1"`
	StaleAfter      time.Duration `yaml:"stale_after" validate:"gt=0"`
	CommentMaxDepth int           `yaml:"comment_max_depth" validate:"gte=1"`
	// VerifySignatures rejects unsigned inbox deliveries.
	VerifySignatures bool `yaml:"verify_signatures"`
}

// StorageConfig locates the database.
type StorageConfig struct {
	Path     string `yaml:"path" validate:"required_unless=InMemory true"`
	InMemory bool   `yaml:"in_memory"`
}

// HTTPConfig controls the listener.
type HTTPConfig struct {
	Bind string `yaml:"bind" validate:"required,hostname_port"`
}

// LoggingConfig controls pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// TelemetryConfig selects the trace and OTel metric exporters.
type TelemetryConfig struct {
	Tracing      string `yaml:"tracing" validate:"oneof=none stdout otlp"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Tracing otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=prometheus stdout"`
}

// OptionsConfig holds instance policy switches.
type OptionsConfig struct {
	RegistrationOpen bool `yaml:"registration_open"`
	ArticleApproval  bool `yaml:"article_approval"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Federation: FederationConfig{
			Domain:           "localhost:8080",
			FetchTimeout:     10 * time.Second,
			DeliveryRate:     20,
			DeliveryBurst:    10,
			StaleAfter:       24 * time.Hour,
			CommentMaxDepth:  50,
			VerifySignatures: true,
		},
		Storage:   StorageConfig{Path: "data"},
		HTTP:      HTTPConfig{Bind: "127.0.0.1:8080"},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Tracing: "none", Metrics: "prometheus"},
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("IBIS_DOMAIN"); v != "" {
		cfg.Federation.Domain = v
	}
	if v := os.Getenv("IBIS_BIND"); v != "" {
		cfg.HTTP.Bind = v
	}
	if v := os.Getenv("IBIS_DATA_DIR"); v != "" {
		cfg.Storage.Path = v
	}
	if v, ok := os.LookupEnv("IBIS_ALLOWLIST"); ok {
		cfg.Federation.Allowlist = splitList(v)
	}
	if v, ok := os.LookupEnv("IBIS_BLOCKLIST"); ok {
		cfg.Federation.Blocklist = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Write stores cfg as YAML at path, refusing to overwrite.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
