// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/EkmanLabs/orgatlas/services/nlq/orchestrator"
)

// queryVerbose holds the --verbose flag for the query command.
var queryVerbose bool

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [question...]",
		Short: "Translate and execute one question, print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runQuery,
	}
	cmd.Flags().BoolVarP(&queryVerbose, "verbose", "v", false, "Print pipeline stage progress to stderr")
	return cmd
}

func runQuery(_ *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()

	var listener orchestrator.StageListener
	if queryVerbose {
		listener = func(ev orchestrator.StageEvent) {
			fmt.Fprintf(os.Stderr, "[%s] %s %s\n", ev.At.Format(time.TimeOnly), ev.Stage, ev.Detail)
		}
	}

	question := strings.Join(args, " ")
	tr := comps.pipeline.Translate(ctx, question, listener)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tr); err != nil {
		return err
	}
	if tr.Outcome == orchestrator.OutcomeFailure {
		return fmt.Errorf("translation failed")
	}
	return nil
}
