// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Introspect the graph and print the discovered schema",
		RunE:  runSchema,
	}
}

func runSchema(_ *cobra.Command, _ []string) error {
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

	desc := comps.schemas.Current()
	if desc == nil {
		return fmt.Errorf("schema introspection failed; is the database reachable at %s:%d?",
			cfg.Database.Host, cfg.Database.Port)
	}

	for _, name := range desc.LabelNames() {
		ls := desc.Labels[name]
		fmt.Printf("(:%s)\n", name)
		for _, prop := range desc.PropertyNames(name) {
			fmt.Printf("  %s: %s\n", prop, ls.Properties[prop])
		}
		if len(ls.Samples) > 0 {
			fmt.Printf("  samples: %s\n", strings.Join(ls.Samples, ", "))
		}
	}
	fmt.Printf("\nRelationships: %s\n", strings.Join(desc.RelationshipNames(), ", "))
	return nil
}
