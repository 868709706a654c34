// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orgatlas runs the natural-language query service for the
// organization graph.
//
// Usage:
//
//	orgatlas serve
//	orgatlas serve --config /etc/orgatlas/config.yaml
//	orgatlas query "who is on the mobile team"
//	orgatlas schema
//
// Example requests against a running server:
//
//	# Health check
//	curl http://localhost:8080/v1/health
//
//	# Translate and execute a question
//	curl -X POST http://localhost:8080/v1/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "How many employees are there?"}'
//
//	# Inspect the discovered graph schema
//	curl http://localhost:8080/v1/schema | jq
package main

import (
	"fmt"
	"os"

	"log/slog"

	"github.com/spf13/cobra"

	"github.com/EkmanLabs/orgatlas/services/nlq/config"
)

// configPath holds the --config persistent flag value.
var configPath string

func main() {
	root := &cobra.Command{
		Use:           "orgatlas",
		Short:         "Natural-language query service for the organization graph",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	root.AddCommand(newServeCmd(), newQueryCmd(), newSchemaCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the configured logger as the
// process default.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
