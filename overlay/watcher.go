package overlay

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxWatchedDirs bounds how many directories below a root are watched.
const maxWatchedDirs = 4096

// Watcher is a headless Presenter. It records badges in memory and
// watches the directories of the current sync root, reporting changed
// paths to OnChange so their badge can be requested again.
type Watcher struct {
	fs       *fsnotify.Watcher
	log      *slog.Logger
	OnChange func(path string)

	mu      sync.RWMutex
	badges  map[string]string
	watched map[string]struct{}
	done    chan struct{}
}

// NewWatcher creates a Watcher. Run must be called to deliver events.
func NewWatcher(log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:      fw,
		log:     log,
		badges:  make(map[string]string),
		watched: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// WatchRoot watches root and the directories below it.
func (w *Watcher) WatchRoot(root string) {
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if n >= maxWatchedDirs {
			return filepath.SkipAll
		}
		w.add(path)
		n++
		return nil
	})
	if err != nil {
		w.log.Warn("failed to walk sync root", "root", root, "error", err)
	}
	w.log.Info("watching sync root", "root", root, "dirs", n)
}

func (w *Watcher) add(dir string) {
	if err := w.fs.Add(dir); err != nil {
		w.log.Debug("cannot watch directory", "dir", dir, "error", err)
		return
	}
	w.mu.Lock()
	w.watched[dir] = struct{}{}
	w.mu.Unlock()
}

// UnwatchRoot stops watching root and everything below it and forgets
// their badges.
func (w *Watcher) UnwatchRoot(root string) {
	prefix := root + string(filepath.Separator)
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if dir == root || strings.HasPrefix(dir, prefix) {
			_ = w.fs.Remove(dir)
			delete(w.watched, dir)
		}
	}
	for path := range w.badges {
		if path == root || strings.HasPrefix(path, prefix) {
			delete(w.badges, path)
		}
	}
	w.log.Info("stopped watching sync root", "root", root)
}

// SetBadge records status for path.
func (w *Watcher) SetBadge(path, status string) {
	w.mu.Lock()
	prev := w.badges[path]
	w.badges[path] = status
	w.mu.Unlock()
	if prev != status {
		w.log.Debug("badge", "path", path, "status", status)
	}
}

// Badge returns the badge last set for path.
func (w *Watcher) Badge(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.badges[path]
	return s, ok
}

// Watched reports whether dir is being watched.
func (w *Watcher) Watched(dir string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watched[dir]
	return ok
}

// Run delivers filesystem events until ctx is done or Close is called.
// New directories are watched as they appear.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.log.Warn("filesystem events dropped", "error", err)
				continue
			}
			w.log.Debug("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) && isDir(ev.Name) {
		w.add(ev.Name)
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.badges, ev.Name)
		delete(w.watched, ev.Name)
		w.mu.Unlock()
		return
	}
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if w.OnChange != nil {
		w.OnChange(ev.Name)
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// Close stops Run and releases the underlying watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	select {
	case <-w.done:
		w.mu.Unlock()
		return nil
	default:
		close(w.done)
	}
	w.mu.Unlock()
	return w.fs.Close()
}
