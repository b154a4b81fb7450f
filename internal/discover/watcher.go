package discover

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits after the last build
// file change before firing a refresh.
const DefaultDebounce = 300 * time.Millisecond

// Watcher invalidates discovery results when build files change.
//
// It watches the directories of the files a discovery pass matched and
// coalesces change bursts (editors often write a file several times in
// quick succession) into a single refresh notification.
type Watcher struct {
	discovery *Discovery
	rootDir   string
	debounce  time.Duration
	onChange  func(path string)

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	patterns []string
	dirs     map[string]bool
	timer    *time.Timer
	lastPath string
	closed   bool

	done sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the change coalescing window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnChange sets the callback fired (on the watcher goroutine)
// after a debounced build file change. The path is the last file that
// changed.
func WithOnChange(fn func(path string)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher creates a build-file watcher tied to a discovery manager.
// Changed files matching any registered source pattern clear the
// cached result for rootDir.
func NewWatcher(discovery *Discovery, rootDir string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		discovery: discovery,
		rootDir:   rootDir,
		debounce:  DefaultDebounce,
		watcher:   fsw,
		dirs:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.reloadPatterns()

	w.done.Add(1)
	go w.processLoop()

	return w, nil
}

// Track adds the directories of the given files to the watch set.
// Typically called with the source files of a discovery result.
func (w *Watcher) Track(files ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}

	for _, file := range files {
		dir := filepath.Dir(file)
		if w.dirs[dir] {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = true
	}
	return nil
}

// reloadPatterns snapshots the source patterns used for matching.
func (w *Watcher) reloadPatterns() {
	names := w.discovery.Sources()

	w.discovery.mu.RLock()
	var patterns []string
	for _, name := range names {
		if src, ok := w.discovery.sources[name]; ok {
			patterns = append(patterns, src.Patterns()...)
		}
	}
	w.discovery.mu.RUnlock()

	w.mu.Lock()
	w.patterns = patterns
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.done.Wait()
	return err
}

func (w *Watcher) processLoop() {
	defer w.done.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}
	if !w.matches(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.lastPath = event.Name
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

// fire invalidates the cache and notifies once per debounced burst.
func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	path := w.lastPath
	onChange := w.onChange
	w.mu.Unlock()

	w.discovery.ClearCacheFor(w.rootDir)
	if onChange != nil {
		onChange(path)
	}
}

// matches reports whether the file name matches any source pattern.
func (w *Watcher) matches(path string) bool {
	w.mu.Lock()
	patterns := w.patterns
	w.mu.Unlock()

	base := filepath.Base(path)
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}
