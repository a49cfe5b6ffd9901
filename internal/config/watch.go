package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands the new
// configuration to a callback. Invalid edits are logged and skipped.
type Watcher struct {
	cli      *CLI
	path     string
	onReload func(*Config)
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a Watcher for the file cfg was loaded from.
func NewWatcher(cli *CLI, cfg *Config, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	if cfg.filePath == "" {
		return nil, errors.New("config: nothing to watch, no config file in use")
	}
	path, err := filepath.Abs(cfg.filePath)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", cfg.filePath, err)
	}

	// Reloads must read the same file even if CONFIG_PATH was unset.
	reloadCLI := *cli
	reloadCLI.Config = path

	return &Watcher{
		cli:      &reloadCLI,
		path:     path,
		onReload: onReload,
		logger:   logger.With("component", "config_watcher"),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the file
// itself so that editors replacing the file via rename are picked up.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.cli)
	if err != nil {
		w.logger.Warn("config reload rejected; keeping previous configuration", "path", w.path, "err", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}
