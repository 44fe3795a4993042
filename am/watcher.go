package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/logger"
)

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 500 * time.Millisecond

// ReloadCallback receives the reloaded configuration.
type ReloadCallback func(*Config) error

// ConfigWatcher reloads configuration when any watched file changes and
// hands the result to registered callbacks. A config that fails to load or
// validate is logged and dropped; callbacks only ever see valid configs.
type ConfigWatcher struct {
	files   map[string]bool
	watcher *fsnotify.Watcher
	load    func() (*Config, error)
	logger  *zap.SugaredLogger

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounce      time.Duration
	debounceTimer *time.Timer
	done          chan struct{}
}

// NewConfigWatcher watches paths for changes. Parent directories are watched
// rather than the files themselves so that editors which replace the file
// on save are still seen.
func NewConfigWatcher(paths []string, log *zap.SugaredLogger) (*ConfigWatcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("no config files to watch")
	}
	if log == nil {
		log = logger.Logger
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	files := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "failed to resolve %s", p)
		}
		files[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
		dirs[dir] = true
	}

	return &ConfigWatcher{
		files:    files,
		watcher:  w,
		load:     reloadGlobal,
		logger:   log.Named("config-watcher"),
		debounce: DefaultDebounce,
		done:     make(chan struct{}),
	}, nil
}

func reloadGlobal() (*Config, error) {
	Reset()
	return Load()
}

// OnReload registers a callback run after each successful reload.
func (cw *ConfigWatcher) OnReload(cb ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, cb)
}

// Start begins watching in the background.
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

// Stop stops watching. Pending debounced reloads are discarded.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	err := cw.watcher.Close()
	<-cw.done
	return err
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !cw.files[filepath.Clean(event.Name)] {
				continue
			}
			cw.logger.Debugw("Config file changed", "file", event.Name, "op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed, keeping previous configuration", logger.FieldError, err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	cfg, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Infow("Config reloaded", "callbacks", len(callbacks))
	for _, cb := range callbacks {
		if err := cb(cfg); err != nil {
			cw.logger.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}
