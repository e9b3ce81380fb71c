package correlation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps the catalog of a rules directory current.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	current  *Catalog
	onChange []func(*Catalog)
}

// NewWatcher loads dir once. Reloads happen on Reload or, after Watch, on file
// changes settled for the debounce interval.
func NewWatcher(dir string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w := &Watcher{dir: dir, debounce: debounce, logger: logger}
	cat, err := LoadDir(dir, logger)
	if err != nil {
		return nil, err
	}
	w.current = cat
	return w, nil
}

// Current returns the latest catalog.
func (w *Watcher) Current() *Catalog {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked with every reloaded catalog.
func (w *Watcher) OnChange(fn func(*Catalog)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Reload re-reads the directory now. On error the current catalog is kept.
func (w *Watcher) Reload() (*Catalog, error) {
	cat, err := LoadDir(w.dir, w.logger)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.current = cat
	callbacks := make([]func(*Catalog), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(cat)
	}
	return cat, nil
}

// Watch starts watching the directory. Call the returned stop function to clean up.
func (w *Watcher) Watch() (stop func(), err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", w.dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer fw.Close()
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !isRuleFile(ev.Name) || ev.Has(fsnotify.Chmod) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(w.debounce, func() {
					if _, err := w.Reload(); err != nil {
						w.logger.Error("rules reload failed, keeping previous catalog", "dir", w.dir, "err", err)
					}
				})
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("rules watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
