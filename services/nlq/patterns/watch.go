// Copyright (C) 2025 Ekman Labs (oss@ekmanlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package patterns

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// Catalog Holder and Hot Reload
// =============================================================================

// CatalogHolder publishes the active catalog through an atomic pointer so the
// matcher never sees a partially loaded pattern set.
//
// Thread Safety: Safe for concurrent use.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
	path    string
	logger  *slog.Logger
}

// NewCatalogHolder creates a holder seeded with the given catalog.
//
// Inputs:
//   - initial: The starting catalog. Must not be nil.
//   - path: Override file to watch for reloads, or "" for the embedded catalog.
//   - logger: Logger instance. Must not be nil.
func NewCatalogHolder(initial *Catalog, path string, logger *slog.Logger) *CatalogHolder {
	if logger == nil {
		logger = slog.Default()
	}
	h := &CatalogHolder{path: path, logger: logger}
	h.current.Store(initial)
	return h
}

// Current returns the active catalog.
func (h *CatalogHolder) Current() *Catalog {
	return h.current.Load()
}

// Swap publishes a new catalog.
func (h *CatalogHolder) Swap(c *Catalog) {
	h.current.Store(c)
}

// Watch reloads the override file on writes until ctx is done.
//
// Description:
//
//	Watches the file's directory rather than the file itself so editors
//	that rename-and-replace still trigger a reload. A reload that fails to
//	parse or validate keeps the previous catalog live and logs the error;
//	a bad edit must never take the fast path down.
//
// Inputs:
//   - ctx: Context bounding the watch loop.
//
// Outputs:
//   - error: Non-nil only if the watcher could not be established.
func (h *CatalogHolder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(h.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				catalog, err := LoadCatalogFile(h.path)
				if err != nil {
					h.logger.Error("pattern catalog reload failed; keeping previous catalog",
						slog.String("path", h.path),
						slog.String("error", err.Error()),
					)
					continue
				}
				h.Swap(catalog)
				h.logger.Info("pattern catalog reloaded",
					slog.String("path", h.path),
					slog.Int("patterns", catalog.Len()),
				)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("pattern catalog watcher error",
					slog.String("error", err.Error()),
				)
			}
		}
	}()
	return nil
}
