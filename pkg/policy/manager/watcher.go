package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherRunning is returned by Watch on a watcher already watching.
var ErrWatcherRunning = errors.New("file watcher already running")

// FileWatcherConfig contains configuration for the file watcher.
type FileWatcherConfig struct {
	// Path is the bundle file or directory to watch.
	Path string

	// DebounceInterval is the quiet period after the last event before
	// onChange runs (default: 100ms)
	DebounceInterval time.Duration

	// Extensions limits events to bundle files (default: [".yaml", ".yml"])
	Extensions []string

	// SkipHidden ignores files and directories starting with a dot.
	SkipHidden bool
}

// FileWatcher watches a bundle directory, including directories created
// after the watch started.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	config   FileWatcherConfig
	debounce *Debouncer
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewFileWatcher creates a file watcher.
func NewFileWatcher(config *FileWatcherConfig, logger *slog.Logger) (*FileWatcher, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("watch path cannot be empty")
	}
	cfg := *config
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = 100 * time.Millisecond
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultLoaderConfig().Extensions
	}
	if logger == nil {
		logger = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &FileWatcher{
		watcher:  w,
		config:   cfg,
		debounce: NewDebouncer(cfg.DebounceInterval),
		logger:   logger,
	}, nil
}

// Watch blocks until ctx is done, calling onChange after each burst of
// bundle file events. onChange never runs concurrently with itself.
func (fw *FileWatcher) Watch(ctx context.Context, onChange func()) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return ErrWatcherRunning
	}
	fw.running = true
	fw.mu.Unlock()
	defer func() {
		fw.mu.Lock()
		fw.running = false
		fw.mu.Unlock()
	}()

	if err := fw.add(fw.config.Path); err != nil {
		return fmt.Errorf("watch %s: %w", fw.config.Path, err)
	}
	fw.logger.Info("watching bundle directory",
		"path", fw.config.Path,
		"debounce", fw.config.DebounceInterval)

	var runMu sync.Mutex
	run := func() {
		runMu.Lock()
		defer runMu.Unlock()
		onChange()
	}

	for {
		select {
		case <-ctx.Done():
			fw.debounce.Stop()
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("fsnotify events channel closed")
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !fw.hidden(event.Name) {
					if err := fw.add(event.Name); err != nil {
						fw.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
					continue
				}
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debug("bundle file event", "path", event.Name, "op", event.Op.String())
			fw.debounce.Trigger(run)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("fsnotify errors channel closed")
			}
			fw.logger.Error("file watcher error", "error", err)
		}
	}
}

// Close releases the fsnotify watcher. Watch must have returned.
func (fw *FileWatcher) Close() error {
	fw.debounce.Stop()
	return fw.watcher.Close()
}

func (fw *FileWatcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fw.watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && fw.hidden(p) {
			return filepath.SkipDir
		}
		return fw.watcher.Add(p)
	})
}

func (fw *FileWatcher) hidden(path string) bool {
	return fw.config.SkipHidden && strings.HasPrefix(filepath.Base(path), ".")
}

func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod || fw.hidden(event.Name) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(event.Name))
	for _, valid := range fw.config.Extensions {
		if ext == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

// Debouncer runs the last triggered callback once no trigger arrived for
// the interval.
type Debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger (re)starts the quiet period. After Stop it does nothing.
func (d *Debouncer) Trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			callback()
		}
	})
}

// Stop cancels a pending callback. It is safe to call more than once.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
