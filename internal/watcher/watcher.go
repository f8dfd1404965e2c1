// Package watcher supplements the scheduler with filesystem events: rapid
// changes under the corpus root are debounced into a single reindex trigger.
package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period required before a trigger fires.
const DefaultDebounce = 2 * time.Second

// Config tunes the watcher.
type Config struct {
	Root     string
	Debounce time.Duration
	// Ignores lists directory names that are never watched.
	Ignores []string
}

var defaultIgnores = []string{".git", "node_modules", "vendor", "__pycache__", ".venv", "dist", "build", ".idea", ".vscode"}

// Watcher translates filesystem events into reindex triggers.
type Watcher struct {
	cfg     Config
	trigger func()
	logger  *slog.Logger

	fsw       *fsnotify.Watcher
	ignoreSet map[string]struct{}

	mu    sync.Mutex
	dirty bool
	timer *time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher that calls trigger once the tree has been quiet for
// the debounce window.
func New(cfg Config, trigger func(), logger *slog.Logger) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if len(cfg.Ignores) == 0 {
		cfg.Ignores = defaultIgnores
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ignoreSet := make(map[string]struct{}, len(cfg.Ignores))
	for _, name := range cfg.Ignores {
		ignoreSet[name] = struct{}{}
	}
	return &Watcher{
		cfg:       cfg,
		trigger:   trigger,
		logger:    logger,
		fsw:       fsw,
		ignoreSet: ignoreSet,
		stop:      make(chan struct{}),
	}, nil
}

// Start registers watches for the root and every non-ignored subdirectory,
// then begins dispatching.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.ignoredDir(d.Name()) && path != w.cfg.Root {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
	if err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts dispatching and closes the underlying watcher.
func (w *Watcher) Stop() error {
	close(w.stop)
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch_error", slog.String("error", err.Error()))
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if w.ignoredPath(ev.Name) {
		return
	}
	// New directories need their own watch before events inside them arrive.
	if ev.Op.Has(fsnotify.Create) {
		if err := w.fsw.Add(ev.Name); err == nil {
			w.logger.Debug("watch_added", slog.String("path", ev.Name))
		}
	}
	if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		w.markDirty()
	}
}

// markDirty arms (or re-arms) the debounce timer. The trigger fires once the
// tree has been quiet for the full window.
func (w *Watcher) markDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dirty = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.Debounce, w.fire)
		return
	}
	w.timer.Reset(w.cfg.Debounce)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	select {
	case <-w.stop:
		return
	default:
	}
	w.logger.Info("change_detected_triggering_reindex")
	w.trigger()
}

func (w *Watcher) ignoredDir(name string) bool {
	_, ok := w.ignoreSet[name]
	return ok || strings.HasPrefix(name, ".")
}

func (w *Watcher) ignoredPath(path string) bool {
	rel, err := filepath.Rel(w.cfg.Root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "." || part == ".." || part == "" {
			continue
		}
		if _, ok := w.ignoreSet[part]; ok {
			return true
		}
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}
