// Package watcher reports debounced file changes in a set of flat
// directories.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Op is the kind of change observed for a file.
type Op string

const (
	OpChanged Op = "changed" // created or written
	OpRemoved Op = "removed" // removed or renamed away
)

// Change is the last observed change of one file within a batch.
type Change struct {
	Path string    `json:"path"`
	Op   Op        `json:"op"`
	At   time.Time `json:"at"`
}

// Handler receives a batch of changes sorted by path.
type Handler func([]Change)

// Config holds watcher configuration.
type Config struct {
	// Quiet is how long no new event must arrive before a batch is delivered.
	Quiet time.Duration
	// MaxPending delivers a batch early once this many files have changed.
	MaxPending int
	// Match selects file names by base name. Nil matches every file.
	Match func(name string) bool
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.Quiet <= 0 {
		c.Quiet = 500 * time.Millisecond
	}
	if c.MaxPending <= 0 {
		c.MaxPending = 100
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Watcher batches fsnotify events per file.
type Watcher struct {
	fs      *fsnotify.Watcher
	cfg     Config
	handler Handler
	logger  zerolog.Logger

	mu      sync.Mutex
	dirs    map[string]struct{}
	pending map[string]Change
	timer   clockwork.Timer

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a watcher that delivers batches to handler.
func New(cfg Config, handler Handler, logger zerolog.Logger) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("watcher handler is required")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		fs:      fsw,
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger.With().Str("component", "watcher").Logger(),
		dirs:    make(map[string]struct{}),
		pending: make(map[string]Change),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching dir. Subdirectories are not watched.
func (w *Watcher) Add(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to watch %s: not a directory", abs)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.dirs[abs]; ok {
		return nil
	}
	if err := w.fs.Add(abs); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	w.dirs[abs] = struct{}{}
	w.logger.Info().Str("path", abs).Msg("Watching directory")
	return nil
}

// Dirs returns the watched directories sorted.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	slices.Sort(dirs)
	return dirs
}

// Start runs the event loop until Close.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Close stops the event loop and delivers whatever is pending.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.fs.Close()
		w.flush()
	})
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
			w.observe(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")
		}
	}
}

func opOf(ev fsnotify.Event) (Op, bool) {
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return OpRemoved, true
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return OpChanged, true
	}
	return "", false
}

func (w *Watcher) observe(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return
	}
	if w.cfg.Match != nil && !w.cfg.Match(name) {
		return
	}
	op, ok := opOf(ev)
	if !ok {
		return
	}

	w.mu.Lock()
	w.pending[ev.Name] = Change{Path: ev.Name, Op: op, At: w.cfg.Clock.Now()}
	full := len(w.pending) >= w.cfg.MaxPending
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !full {
		w.timer = w.cfg.Clock.AfterFunc(w.cfg.Quiet, w.flush)
	}
	w.mu.Unlock()

	if full {
		w.flush()
	}
}

// flush hands the pending batch to the handler on the calling goroutine.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]Change, 0, len(w.pending))
	for _, c := range w.pending {
		batch = append(batch, c)
	}
	w.pending = make(map[string]Change)
	w.mu.Unlock()

	slices.SortFunc(batch, func(a, b Change) int { return strings.Compare(a.Path, b.Path) })
	w.logger.Debug().Int("count", len(batch)).Msg("Delivering file changes")
	w.handler(batch)
}
