// Copyright 2026 © The Codeagent Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the configuration files and reloads the layered
// configuration when one of them changes.
type Watcher struct {
	mu          sync.RWMutex
	opts        Options
	paths       []string
	interval    time.Duration
	lastModTime map[string]time.Time
	config      *Config
	listeners   []func(*Config)
	logger      *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads the configuration described by opts and prepares to watch
// the files it came from, plus the global and project files even when they
// do not exist yet.
func NewWatcher(opts Options, wopts ...WatcherOption) (*Watcher, error) {
	cfg, err := Load(opts)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		opts:        opts,
		interval:    2 * time.Second,
		lastModTime: make(map[string]time.Time),
		config:      cfg,
		logger:      slog.Default(),
	}
	for _, opt := range wopts {
		opt(w)
	}
	w.paths = watchPaths(opts, cfg)
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTime[path] = info.ModTime()
		}
	}
	return w, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Paths returns the watched files.
func (w *Watcher) Paths() []string {
	return append([]string(nil), w.paths...)
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if w.checkForChanges() {
				w.reload()
			}
		}
	}
}

func (w *Watcher) checkForChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if _, seen := w.lastModTime[path]; seen {
				delete(w.lastModTime, path)
				changed = true
			}
			continue
		}
		lastMod, exists := w.lastModTime[path]
		if !exists || !info.ModTime().Equal(lastMod) {
			w.lastModTime[path] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	cfg, err := Load(w.opts)
	if err != nil {
		w.logger.Warn("config.reload.failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reloaded", slog.Int("sources", len(cfg.Sources)))
	for _, fn := range listeners {
		fn(cfg)
	}
}

func watchPaths(opts Options, cfg *Config) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, p := range cfg.Sources {
		add(p)
	}
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		add(joinConfig(home))
	}
	add(joinConfig(cfg.Project.Dir))
	add(opts.ConfigPath)
	return paths
}
