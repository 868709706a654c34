// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize caps the size of loaded configuration files.
const MaxConfigFileSize = 1 << 20

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ShutdownGraceSeconds bounds graceful shutdown.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds" validate:"gte=0,lte=300"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	// EndpointURL is the Ollama-compatible base URL.
	EndpointURL string `yaml:"endpoint_url" validate:"required,url"`

	// Model is the model name.
	Model string `yaml:"model" validate:"required"`

	// TimeoutSeconds bounds one generation round-trip.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gt=0,lte=300"`

	// Temperature for generation.
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=2"`

	// MaxTokens caps completion length.
	MaxTokens int `yaml:"max_tokens" validate:"gt=0,lte=8192"`

	// UseRichPrompt selects the few-shot prompt template.
	UseRichPrompt bool `yaml:"use_rich_prompt"`

	// MaxInFlight caps concurrent generation requests.
	MaxInFlight int64 `yaml:"max_in_flight" validate:"gte=0,lte=64"`

	// RequestsPerSecond rate-limits generation; 0 disables.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
}

// DatabaseConfig configures the FalkorDB connection.
type DatabaseConfig struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" validate:"gt=0,lte=65535"`

	// GraphName is the graph key queried by every call.
	GraphName string `yaml:"graph_name" validate:"required"`

	// QueryTimeoutSeconds bounds one query execution.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" validate:"gt=0,lte=120"`

	// PoolSize bounds the connection pool.
	PoolSize int `yaml:"pool_size" validate:"gte=0,lte=128"`

	// MaxQueryWorkers caps concurrent queries at the executor.
	MaxQueryWorkers int64 `yaml:"max_query_workers" validate:"gte=0,lte=256"`
}

// PipelineConfig configures translation behavior.
type PipelineConfig struct {
	// MaxRetries bounds regeneration attempts after a rejected candidate.
	MaxRetries int `yaml:"max_retries" validate:"gte=0,lte=5"`

	// TotalDeadlineSeconds bounds one whole translation, all stages and
	// retries included.
	TotalDeadlineSeconds int `yaml:"total_deadline_seconds" validate:"gt=0,lte=120"`

	// FuzzyCutoff is the similarity floor for did-you-mean corrections.
	FuzzyCutoff float64 `yaml:"fuzzy_cutoff" validate:"gte=0,lte=1"`

	// PatternTablePath overrides the embedded pattern catalog; watched for
	// hot reload when set.
	PatternTablePath string `yaml:"pattern_table_path"`

	// CachePath is the translation cache directory; "" disables persistence
	// and keeps the cache in memory.
	CachePath string `yaml:"cache_path"`

	// CacheTTLHours is the translation cache entry lifetime.
	CacheTTLHours int `yaml:"cache_ttl_hours" validate:"gte=0,lte=720"`

	// SchemaRefreshSeconds is the snapshot refresh interval; 0 disables
	// periodic refresh.
	SchemaRefreshSeconds int `yaml:"schema_refresh_seconds" validate:"gte=0,lte=86400"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format is one of text, json.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:           ":8080",
			ShutdownGraceSeconds: 10,
		},
		LLM: LLMConfig{
			EndpointURL:       "http://localhost:11434",
			Model:             "llama3.1:8b",
			TimeoutSeconds:    30,
			Temperature:       0.1,
			MaxTokens:         512,
			MaxInFlight:       4,
			RequestsPerSecond: 0,
		},
		Database: DatabaseConfig{
			Host:                "localhost",
			Port:                6379,
			GraphName:           "org",
			QueryTimeoutSeconds: 15,
			PoolSize:            8,
			MaxQueryWorkers:     16,
		},
		Pipeline: PipelineConfig{
			MaxRetries:           2,
			TotalDeadlineSeconds: 30,
			FuzzyCutoff:          0.6,
			CacheTTLHours:        24,
			SchemaRefreshSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads, merges, and validates configuration.
//
// Description:
//
//	Starts from Default and overlays the YAML file, so a config file only
//	needs to state what differs. An empty path returns the validated
//	defaults.
//
// Inputs:
//   - path: Configuration file path, or "" for defaults.
//
// Outputs:
//   - Config: The validated configuration.
//   - error: Non-nil if reading, parsing, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("Load: reading %s: %w", path, err)
		}
		if len(data) > MaxConfigFileSize {
			return Config{}, fmt.Errorf("Load: config exceeds maximum size (%d > %d)", len(data), MaxConfigFileSize)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("Load: parsing %s: %w", path, err)
		}
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("Load: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Convenience duration accessors.

func (c LLMConfig) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

func (c DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

func (c PipelineConfig) TotalDeadline() time.Duration {
	return time.Duration(c.TotalDeadlineSeconds) * time.Second
}

func (c PipelineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

func (c PipelineConfig) SchemaRefreshInterval() time.Duration {
	return time.Duration(c.SchemaRefreshSeconds) * time.Second
}

func (c ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}
