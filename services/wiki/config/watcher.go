// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ListSetter receives reloaded federation lists.
type ListSetter interface {
	Set(allow, block []string)
}

// Watcher reloads the federation lists when the config file changes.
//
// # Description
//
// The directory holding the file is watched, so editors that replace the
// file instead of writing it in place are seen too. A file that no longer
// parses or validates is logged and ignored; the previous lists stay.
//
// # Thread Safety
//
// Run should be called once.
type Watcher struct {
	path    string
	target  ListSetter
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, target ListSetter, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, target: target, watcher: w, logger: logger.With("component", "config")}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-ctx.Done():
			return nil
		}
	}
}

// Reload re-reads the file and pushes its lists to the target.
func (w *Watcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring config change", slog.String("error", err.Error()))
		return
	}
	w.target.Set(cfg.Federation.Allowlist, cfg.Federation.Blocklist)
	w.logger.Info("federation lists reloaded",
		slog.Int("allow", len(cfg.Federation.Allowlist)),
		slog.Int("block", len(cfg.Federation.Blocklist)))
}
