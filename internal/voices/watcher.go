package voices

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler runs after the catalog was reloaded with the keys of voices
// that are no longer installed.
type ChangeHandler func(removed []string)

// Watcher reloads the catalog file when it changes. Bursts of events are
// debounced.
type Watcher struct {
	path     string
	catalog  *Catalog
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	handlers []ChangeHandler
	stop     chan struct{}
	done     chan struct{}
}

func NewWatcher(path string, catalog *Catalog, log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		catalog:  catalog,
		watcher:  w,
		debounce: 300 * time.Millisecond,
		logger:   log.With(slog.String("component", "voice-watcher")),
	}, nil
}

// OnChange registers a handler for reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start watches the catalog's directory, so editors that replace the file
// are seen too.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
	w.logger.Info("voice catalog watcher started", slog.String("path", w.path))
	return nil
}

func (w *Watcher) Close() {
	if w.stop != nil {
		close(w.stop)
		<-w.done
	}
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.Reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("voice watcher error", slogError(err))
		}
	}
}

// Reload reads the catalog file again and notifies handlers. A file that
// fails to parse leaves the current catalog in place.
func (w *Watcher) Reload() {
	voices, err := LoadFile(w.path)
	if err != nil {
		w.logger.Warn("voice catalog reload failed", slogError(err))
		return
	}
	removed := w.catalog.Replace(voices)
	w.logger.Info("voice catalog reloaded",
		slog.Int("voices", len(w.catalog.Voices())),
		slog.Any("removed", removed))

	w.mu.Lock()
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(removed)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
