// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// debounceWindow coalesces the burst of events an editor save produces.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// fresh config to the callback. Invalid intermediate states are logged and
// skipped; the last good config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// Watch begins watching path and invokes onChange with every successfully
// reloaded config.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file on save, which drops
	// a watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{path: path, watcher: fsw, cancel: cancel}
	go w.run(ctx, onChange)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.cancel()
	return w.watcher.Close()
}

// run processes events with debouncing.
func (w *Watcher) run(ctx context.Context, onChange func(*Config)) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := LoadFromPath(w.path)
			if err != nil {
				log.Printf("CONFIG_RELOAD_SKIPPED | path=%s error=%v", w.path, err)
				continue
			}
			log.Printf("CONFIG_RELOADED | path=%s", w.path)
			onChange(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG_WATCH_ERROR | error=%v", err)
		}
	}
}
