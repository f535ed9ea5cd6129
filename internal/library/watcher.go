package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vidgrep/vidgrep/internal/log"
)

// settleWindow is how long a file must stop changing before it is ingested.
// New recordings and in-progress copies fire many Write events; ingesting
// half-copied files would hash garbage.
const settleWindow = 2 * time.Second

// Watcher turns fsnotify events under the media roots into video ingests.
type Watcher struct {
	scanner *Scanner
	roots   []string
	settle  time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher feeding the scanner's ingest path.
func NewWatcher(scanner *Scanner, roots []string) *Watcher {
	return &Watcher{
		scanner: scanner,
		roots:   roots,
		settle:  settleWindow,
		pending: make(map[string]*time.Timer),
	}
}

// Run blocks until ctx is cancelled, dispatching debounced ingests for
// created and renamed video files. Subdirectories are watched recursively.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponentFromContext(ctx, "library.watcher")

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	for _, root := range w.roots {
		if err := addRecursive(fsw, root); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, root).
				Str(log.FieldEvent, "watch.root_failed").
				Msg("media root not watchable")
		}
	}

	defer w.drainTimers()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str(log.FieldEvent, "watch.error").Msg("fsnotify error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New directories join the watch set so nested drops are seen.
		if event.Op&fsnotify.Create != 0 {
			_ = addRecursive(fsw, event.Name)
		}
		return
	}
	if !IsVideoFile(event.Name) {
		return
	}

	w.scheduleIngest(ctx, event.Name)
}

// scheduleIngest (re)starts the settle timer for a path. Each further event
// pushes the ingest back until the file goes quiet.
func (w *Watcher) scheduleIngest(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.scanner.Ingest(ctx, path); err != nil {
			logger := log.WithComponentFromContext(ctx, "library.watcher")
			logger.Warn().
				Err(err).
				Str(log.FieldPath, path).
				Str(log.FieldEvent, "watch.ingest_failed").
				Msg("could not ingest watched file")
		}
	})
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return nil
			}
		}
		return nil
	})
}
