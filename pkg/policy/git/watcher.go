package git

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrWatcherRunning is returned by Start on a running watcher.
var ErrWatcherRunning = errors.New("watcher already running")

// ReloadFunc loads the bundles in dir, read at commit. A non-nil error
// leaves the previously loaded revision in force.
type ReloadFunc func(ctx context.Context, dir string, commit *CommitInfo) error

// WatcherStats are counters for the poll loop.
type WatcherStats struct {
	Polls          int64
	Reloads        int64
	FailedReloads  int64
	SkippedCommits int64
	LastReload     time.Time
	LastReloadDur  time.Duration
}

// Watcher polls a Repository and reloads bundles when a commit touches a
// bundle file. Bursts of commits inside the debounce window cause a single
// reload of the newest one.
type Watcher struct {
	repo     *Repository
	interval time.Duration
	debounce time.Duration
	reload   ReloadFunc
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	timer    *time.Timer
	loaded   string
	rejected string
	stats    WatcherStats
}

// NewWatcher builds a watcher. A zero debounce reloads synchronously from
// the poll.
func NewWatcher(repo *Repository, interval, debounce time.Duration, reload ReloadFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		repo:     repo,
		interval: interval,
		debounce: debounce,
		reload:   reload,
		logger:   logger.With("component", "policy.git"),
	}
}

// Start records the current HEAD as loaded and polls until ctx is done or
// Stop is called. The caller is expected to have loaded HEAD already.
func (w *Watcher) Start(ctx context.Context) error {
	head, err := w.repo.Head()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWatcherRunning
	}
	w.running = true
	w.stop = make(chan struct{})
	w.loaded = head.SHA

	w.logger.Info("watching bundle repository",
		"repository", w.repo.cfg.Repository,
		"branch", w.repo.cfg.Branch,
		"interval", w.interval,
		"head", head.Short())

	go w.loop(ctx, w.stop)
	return nil
}

// Stop ends polling and cancels a pending debounced reload.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stop)
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := w.Check(ctx); err != nil {
				w.logger.Warn("bundle repository poll failed", "error", err)
			}
		}
	}
}

// Check pulls once and schedules a reload when bundle files changed.
func (w *Watcher) Check(ctx context.Context) error {
	w.mu.Lock()
	w.stats.Polls++
	w.mu.Unlock()

	res, err := w.repo.Pull(ctx)
	if err != nil {
		return err
	}
	if !res.Changed() {
		return nil
	}

	if !res.BundlesChanged(w.repo.cfg.Path) {
		w.mu.Lock()
		w.stats.SkippedCommits++
		w.loaded = res.ToSHA
		w.mu.Unlock()
		w.logger.Debug("commit did not touch bundles",
			"from", shortSHA(res.FromSHA), "to", shortSHA(res.ToSHA))
		return nil
	}

	if w.debounce <= 0 {
		return w.apply(ctx)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.apply(ctx); err != nil {
			w.logger.Error("bundle reload failed", "error", err)
		}
	})
	return nil
}

// apply reloads the bundles at HEAD. A failed reload remembers the
// rejected commit and keeps the previous one in force.
func (w *Watcher) apply(ctx context.Context) error {
	head, err := w.repo.Head()
	if err != nil {
		return err
	}

	start := time.Now()
	err = w.reload(ctx, w.repo.BundleDir(), head)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastReload = time.Now()
	w.stats.LastReloadDur = time.Since(start)
	if err != nil {
		w.stats.FailedReloads++
		w.rejected = head.SHA
		w.logger.Error("rejected bundle revision, previous revision stays in force",
			"rejected", head.Short(),
			"in_force", shortSHA(w.loaded),
			"error", err)
		return err
	}
	w.stats.Reloads++
	w.logger.Info("bundles reloaded",
		"from", shortSHA(w.loaded),
		"to", head.Short(),
		"duration", w.stats.LastReloadDur)
	w.loaded = head.SHA
	w.rejected = ""
	return nil
}

// Loaded returns the SHA of the revision currently in force.
func (w *Watcher) Loaded() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

// Rejected returns the SHA of the last revision whose reload failed, or ""
// once a later revision loads.
func (w *Watcher) Rejected() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rejected
}

// Stats returns a copy of the poll counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
