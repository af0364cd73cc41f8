package localfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem notifications into debounced dirty-directory
// hints so the daemon can evaluate a local source early instead of
// waiting for the next scheduled cycle. Hints are advisory; a missed
// one only delays a sync until the scheduler fires.
type Watcher struct {
	client    *Client
	fsWatcher *fsnotify.Watcher
	settle    time.Duration

	// Dirty directories (root-relative) and when they last changed.
	dirty   map[string]time.Time
	dirtyMu sync.Mutex

	hints  chan string
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher watches the client's root and every directory under it.
// settle is how long a directory must stay quiet before a hint fires.
func NewWatcher(client *Client, settle time.Duration) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &Watcher{
		client:    client,
		fsWatcher: fsWatcher,
		settle:    settle,
		dirty:     make(map[string]time.Time),
		hints:     make(chan string, 64),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
	}, nil
}

// Hints returns root-relative directory paths that changed and settled.
func (w *Watcher) Hints() <-chan string { return w.hints }

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error { return w.errors }

// Start registers watches recursively and begins the event loops.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.client.Root(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: scanning will record it
		}
		if d.IsDir() {
			if werr := w.fsWatcher.Add(p); werr != nil {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	return nil
}

// Stop shuts the watcher down and closes its channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.hints)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// New directories need their own watch.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsWatcher.Add(event.Name)
				}
			}

			dir := filepath.Dir(event.Name)
			if rel, ok := w.relOf(dir); ok {
				w.dirtyMu.Lock()
				w.dirty[rel] = time.Now()
				w.dirtyMu.Unlock()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

// settleLoop emits a hint for each dirty directory once it has been
// quiet for the settle window, coalescing bursts of events.
func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case now := <-ticker.C:
			threshold := now.Add(-w.settle)

			w.dirtyMu.Lock()
			var ready []string
			for rel, last := range w.dirty {
				if last.Before(threshold) {
					ready = append(ready, rel)
				}
			}
			for _, rel := range ready {
				delete(w.dirty, rel)
			}
			w.dirtyMu.Unlock()

			for _, rel := range ready {
				select {
				case w.hints <- rel:
				default:
					// Channel full: re-mark so the hint is not lost.
					w.dirtyMu.Lock()
					w.dirty[rel] = now
					w.dirtyMu.Unlock()
				}
			}
		}
	}
}

// relOf converts an absolute directory to the client's root-relative
// form, reporting false for paths outside the root.
func (w *Watcher) relOf(abs string) (string, bool) {
	rel, err := filepath.Rel(w.client.Root(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

// PendingDirty reports how many directories are waiting to settle.
func (w *Watcher) PendingDirty() int {
	w.dirtyMu.Lock()
	defer w.dirtyMu.Unlock()
	return len(w.dirty)
}
