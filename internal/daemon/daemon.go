// Package daemon runs the background loop that keeps a clone converged:
// it watches the collection directories for edits, keeps the query cache
// fresh, and runs a periodic sync against the distribution branch.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/core"
	"github.com/loomlabs/loom/internal/entity"
)

// Options configures the daemon.
type Options struct {
	// SyncInterval is the periodic sync cadence.
	SyncInterval time.Duration

	// DebounceInterval is how long to wait before processing queued file
	// changes, batching rapid editor writes together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultOptions returns options derived from the loaded configuration.
func DefaultOptions(cfg *config.Config) *Options {
	return &Options{
		SyncInterval:     cfg.SyncInterval,
		DebounceInterval: cfg.Debounce,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// FileLogger returns a rotating log sink for long-running daemons.
func FileLogger(repoRoot string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filepath.Join(repoRoot, config.LoomDir, "daemon.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}, "[daemon] ", log.LstdFlags)
}

// Daemon watches the store and syncs on an interval.
type Daemon struct {
	core *core.Core
	opts *Options

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an open workspace.
func New(c *core.Core, opts *Options) (*Daemon, error) {
	if c == nil {
		return nil, fmt.Errorf("core cannot be nil")
	}
	if opts == nil {
		opts = DefaultOptions(c.Config())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		core:        c,
		opts:        opts,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon until ctx is cancelled. It rebuilds the cache,
// watches every collection directory, and syncs on the configured
// interval.
func (d *Daemon) Start(ctx context.Context) error {
	d.opts.Logger.Println("starting")

	if err := d.core.EnableCache(); err != nil {
		return fmt.Errorf("initial cache build failed: %w", err)
	}

	for _, col := range entity.All() {
		dir := filepath.Join(d.core.Store().Root(), col.Dir)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return err
		}
		if err := d.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		d.opts.Logger.Printf("watching %s", dir)
	}

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.processChangeQueue()
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.opts.Logger.Println("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.cancel()
	if err := d.watcher.Close(); err != nil {
		d.opts.Logger.Printf("error closing watcher: %v", err)
	}
	d.wg.Wait()
	d.opts.Logger.Println("stopped")
	return nil
}

func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			// In-flight atomic writes surface as temp-file events; only
			// the rename to the final name matters.
			if strings.HasPrefix(name, ".tmp-") || filepath.Ext(name) != ".json" {
				continue
			}
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.opts.Logger.Printf("watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains the debounce queue: a file is processed once
// it has been quiet for a full debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.drainQueue()
		}
	}
}

func (d *Daemon) drainQueue() {
	cutoff := time.Now().Add(-d.opts.DebounceInterval)

	d.changeQueueMu.Lock()
	var ready []string
	for path, queued := range d.changeQueue {
		if queued.Before(cutoff) {
			ready = append(ready, path)
			delete(d.changeQueue, path)
		}
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		id := strings.TrimSuffix(filepath.Base(path), ".json")
		if err := d.core.RefreshCache(id); err != nil {
			d.opts.Logger.Printf("cache refresh failed for %s: %v", id, err)
		}
	}
}

func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			report, err := d.core.Sync(d.ctx)
			if err != nil {
				if d.ctx.Err() != nil {
					return
				}
				d.opts.Logger.Printf("sync failed: %v", err)
				continue
			}
			if report.Inbound > 0 || report.Outbound > 0 || report.Merged > 0 {
				d.opts.Logger.Printf("sync: inbound=%d outbound=%d merged=%d discards=%d",
					report.Inbound, report.Outbound, report.Merged, report.Discards)
			}
		}
	}
}
