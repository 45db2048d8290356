package filestore

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// event is a relevant change below the store root.
type event struct {
	name       string
	dirCreated bool
}

// watcher wraps fsnotify and filters out lock and temp files.
type watcher struct {
	fs     *fsnotify.Watcher
	logger *slog.Logger
	root   string

	events chan event
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	watched map[string]bool
	closed  bool
}

func newWatcher(root string, logger *slog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &watcher{
		fs:      fw,
		logger:  logger,
		root:    root,
		events:  make(chan event, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		watched: make(map[string]bool),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

// add starts watching dir. Adding a watched directory is a no-op.
func (w *watcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("watcher closed")
	}
	if w.watched[dir] {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

func (w *watcher) close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			converted, ok := w.convert(ev)
			if !ok {
				continue
			}
			select {
			case w.events <- converted:
			case <-w.done:
				return
			}

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convert keeps JSON file events and directory creation/removal.
func (w *watcher) convert(ev fsnotify.Event) (event, bool) {
	if ev.Op == fsnotify.Chmod {
		return event{}, false
	}
	if strings.HasSuffix(ev.Name, fileExt) {
		return event{name: ev.Name}, true
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			return event{name: ev.Name, dirCreated: true}, true
		}
		return event{}, false
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		wasDir := w.watched[ev.Name]
		delete(w.watched, ev.Name)
		w.mu.Unlock()
		if wasDir {
			return event{name: ev.Name}, true
		}
	}
	return event{}, false
}
