// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jeranaias/streamcore/internal/config"
)

// =============================================================================
// CONFIG FILE WATCHER
// =============================================================================

// configWatcher reloads a config file whenever it changes on disk and
// hands each valid result to the caller. Editors often replace files by
// rename, so the parent directory is watched and events are filtered by
// name and debounced.
type configWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	load     func() (*config.Config, error)
	log      zerolog.Logger
}

func newConfigWatcher(path string, debounce time.Duration, load func() (*config.Config, error), log zerolog.Logger) (*configWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	return &configWatcher{
		path:     abs,
		watcher:  w,
		debounce: debounce,
		load:     load,
		log:      log,
	}, nil
}

// Run delivers reloaded configs on out until ctx is done. Invalid files are
// logged and skipped; the previous config stays in effect.
func (cw *configWatcher) Run(ctx context.Context, out chan<- *config.Config) {
	defer cw.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != cw.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(cw.debounce)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn().Err(err).Msg("config watcher error")

		case <-timer.C:
			cfg, err := cw.load()
			if err != nil {
				cw.log.Warn().Err(err).Str("path", cw.path).Msg("ignoring invalid config change")
				continue
			}
			cw.log.Info().Str("path", cw.path).Msg("config reloaded")
			select {
			case out <- cfg:
			case <-ctx.Done():
				return
			}
		}
	}
}
