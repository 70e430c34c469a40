// Copyright 2025 Baton Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trigger

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/internal/log"
)

// FileChanged is the event type the watcher emits onto the bus. Bind a
// workflow to it through the Registry to react to file changes.
const FileChanged = "file-changed"

// Watcher defaults.
const (
	DefaultDebounceWindow = 500 * time.Millisecond
	DefaultEventsPerSec   = 10
)

// WatcherConfig controls the file watcher.
type WatcherConfig struct {
	// Dirs are the directories to watch (non-recursive).
	Dirs []string

	// DebounceWindow coalesces rapid changes to the same path.
	DebounceWindow time.Duration

	// EventsPerSec rate-limits emissions during change storms.
	EventsPerSec float64
}

// Watcher turns filesystem changes into bus events, debounced per path and
// rate-limited globally.
type Watcher struct {
	fs      *fsnotify.Watcher
	bus     *eventbus.Bus
	limiter *rate.Limiter
	metrics Metrics
	logger  *slog.Logger

	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher creates a file watcher and registers the configured directories.
func NewWatcher(bus *eventbus.Bus, logger *slog.Logger, cfg WatcherConfig, opts ...Option) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := buildOptions(opts)
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.EventsPerSec <= 0 {
		cfg.EventsPerSec = DefaultEventsPerSec
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range cfg.Dirs {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, err
		}
	}

	return &Watcher{
		fs:       fs,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.EventsPerSec), 1),
		metrics:  o.metrics,
		logger:   logger.With(slog.String("component", "filewatcher")),
		debounce: cfg.DebounceWindow,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the watch loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Close stops watching and cancels pending debounce timers.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for _, timer := range w.pending {
		timer.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// schedule arms (or re-arms) the per-path debounce timer.
func (w *Watcher) schedule(ev fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if timer, ok := w.pending[ev.Name]; ok {
		timer.Stop()
	}
	op := ev.Op.String()
	w.pending[ev.Name] = time.AfterFunc(w.debounce, func() {
		w.emit(ev.Name, op)
	})
}

func (w *Watcher) emit(path, op string) {
	w.mu.Lock()
	delete(w.pending, path)
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	if !w.limiter.Allow() {
		w.logger.Debug("change suppressed by rate limit", slog.String("path", path))
		return
	}

	w.bus.Emit(FileChanged, "filewatcher", map[string]any{
		"path": path,
		"op":   op,
	})
	if w.metrics != nil {
		w.metrics.TriggerFired("file")
	}
	w.logger.Debug("file change emitted",
		slog.String("path", path),
		slog.String(log.EventKey, FileChanged),
	)
}
