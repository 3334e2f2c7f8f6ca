package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = 300 * time.Millisecond

// Watcher reloads a config file when it changes on disk. Each valid
// reload is handed to the apply callback; a file that fails to load or
// validate is skipped and the previous configuration stays active.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	base    string
	log     *slog.Logger
	apply   func(*Config)

	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching path. The parent directory is watched rather
// than the file itself because editors and deploy tools typically
// replace the file, which would drop a direct watch.
func Watch(path string, logger *slog.Logger, apply func(*Config)) (*Watcher, error) {
	if apply == nil {
		return nil, fmt.Errorf("config: apply callback is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		watcher: fw,
		path:    abs,
		base:    filepath.Base(abs),
		log:     logger,
		apply:   apply,
		done:    make(chan struct{}),
	}
	go w.loop()

	logger.Info("config: watching for changes", "path", abs)
	return w, nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	var pendingAt time.Time

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != w.base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pendingAt = time.Now()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("config: watcher error", "err", err)
		case <-ticker.C:
			// Trailing edge: reload once writes have settled.
			if pendingAt.IsZero() || time.Since(pendingAt) < debounce {
				continue
			}
			pendingAt = time.Time{}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		w.log.Warn("config: reload skipped", "path", w.path, "err", err)
		return
	}
	w.log.Info("config: reloaded", "path", w.path)
	w.apply(cfg)
}
