package config

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses the burst of events editors emit per save.
const debounce = 250 * time.Millisecond

// ChangeFunc is called after a successful reload.
type ChangeFunc func(prev, next *Config)

// Watcher hot-reloads the configuration file. A reload that fails to
// parse or validate is logged and the previous configuration stays in
// effect.
type Watcher struct {
	path   string
	logger *log.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []ChangeFunc

	fsw  *fsnotify.Watcher
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger reload outcomes go to.
func WithWatcherLogger(logger *log.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher loads path once and prepares to watch it. The initial
// load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}

	w := &Watcher{
		path:    path,
		logger:  log.New(io.Discard, "", 0),
		current: cfg,
		fsw:     fsw,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching the file.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.path); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

// Config returns the currently effective configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn ChangeFunc) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Reload re-reads the file immediately.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	callbacks := make([]ChangeFunc, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Printf("[config] change callback panicked: %v", r)
				}
			}()
			fn(old, cfg)
		}()
	}
	w.logger.Printf("[config] reloaded %s", w.path)
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-w.stop:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounce, func() {
					if err := w.Reload(); err != nil {
						w.logger.Printf("[config] reload failed, keeping previous: %v", err)
					}
				})

			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				// editors often replace the file; try to re-arm
				time.AfterFunc(time.Second, func() {
					if err := w.fsw.Add(w.path); err != nil {
						w.logger.Printf("[config] re-watch %s: %v", w.path, err)
					}
				})
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[config] watch error: %v", err)
		}
	}
}
