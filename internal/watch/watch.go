// Package watch restarts processes when files under their watch paths change.
package watch

import (
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

// DefaultDebounce is the quiet period after the last event before a change fires.
const DefaultDebounce = 500 * time.Millisecond

type root struct {
	path string
	dir  bool
}

// Watcher multiplexes one fsnotify watcher over many process ids.
type Watcher struct {
	fw       *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration
	onChange func(id int)

	mu      sync.Mutex
	roots   map[int][]root
	dirRefs map[string]int
	timers  map[int]*time.Timer
	closed  bool
	done    chan struct{}
}

func New(log *slog.Logger, debounce time.Duration, onChange func(id int)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		fw:       fw,
		log:      log,
		debounce: debounce,
		onChange: onChange,
		roots:    map[int][]root{},
		dirRefs:  map[string]int{},
		timers:   map[int]*time.Timer{},
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add watches paths on behalf of id, replacing any earlier registration.
// Relative paths resolve against cwd. Directories are watched recursively; a
// file is watched through its parent directory.
func (w *Watcher) Add(id int, cwd string, paths []string) error {
	var roots []root
	for _, p := range paths {
		if !filepath.IsAbs(p) && cwd != "" {
			p = filepath.Join(cwd, p)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve watch path %s: %w", p, err)
		}
		fi, err := os.Stat(abs)
		if err != nil {
			return fmt.Errorf("stat watch path: %w", err)
		}
		roots = append(roots, root{path: abs, dir: fi.IsDir()})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watcher closed")
	}
	w.removeLocked(id)
	w.roots[id] = roots
	for _, r := range roots {
		if !r.dir {
			w.addDirLocked(filepath.Dir(r.path))
			continue
		}
		_ = filepath.WalkDir(r.path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				w.log.Warn("watch walk failed", "path", path, "error", err)
				return nil
			}
			if d.IsDir() {
				if skipDir(d.Name()) && path != r.path {
					return filepath.SkipDir
				}
				w.addDirLocked(path)
			}
			return nil
		})
	}
	w.log.Debug("watching paths", "id", id, "paths", len(roots))
	return nil
}

// Remove drops id's registration and any pending change for it.
func (w *Watcher) Remove(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(id)
}

// Watching reports whether id has an active registration.
func (w *Watcher) Watching(id int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.roots[id]
	return ok
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
	w.mu.Unlock()
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) removeLocked(id int) {
	if t, ok := w.timers[id]; ok {
		t.Stop()
		delete(w.timers, id)
	}
	roots, ok := w.roots[id]
	if !ok {
		return
	}
	delete(w.roots, id)
	for _, r := range roots {
		if !r.dir {
			w.releaseDirLocked(filepath.Dir(r.path))
			continue
		}
		for dir := range w.dirRefs {
			if within(dir, r.path) {
				w.releaseDirLocked(dir)
			}
		}
	}
}

func (w *Watcher) addDirLocked(dir string) {
	if w.dirRefs[dir] == 0 {
		if err := w.fw.Add(dir); err != nil {
			w.log.Warn("failed to watch directory", "dir", dir, "error", err)
			return
		}
	}
	w.dirRefs[dir]++
}

func (w *Watcher) releaseDirLocked(dir string) {
	n, ok := w.dirRefs[dir]
	if !ok {
		return
	}
	if n <= 1 {
		delete(w.dirRefs, dir)
		_ = w.fw.Remove(dir)
		return
	}
	w.dirRefs[dir] = n - 1
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for id, roots := range w.roots {
		for _, r := range roots {
			if !matches(r, ev.Name) {
				continue
			}
			if r.dir && ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !skipDir(fi.Name()) {
					w.addDirLocked(ev.Name)
				}
			}
			w.scheduleLocked(id, ev.Name)
			break
		}
	}
}

func (w *Watcher) scheduleLocked(id int, path string) {
	if t, ok := w.timers[id]; ok {
		t.Reset(w.debounce)
		return
	}
	w.log.Debug("change detected", "id", id, "path", path)
	w.timers[id] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		_, live := w.roots[id]
		delete(w.timers, id)
		closed := w.closed
		w.mu.Unlock()
		if live && !closed && w.onChange != nil {
			w.onChange(id)
		}
	})
}

func matches(r root, name string) bool {
	if r.dir {
		return within(name, r.path)
	}
	return filepath.Clean(name) == r.path
}

func within(path, dir string) bool {
	path = filepath.Clean(path)
	return path == dir || strings.HasPrefix(path, dir+string(filepath.Separator))
}

func skipDir(name string) bool {
	return name == ".git" || name == "node_modules"
}
