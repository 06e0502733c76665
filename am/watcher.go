package am

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/teranos/groupcast/errors"
	"github.com/teranos/groupcast/logger"
)

// hotKeys are the settings a running serve applies without a restart.
var hotKeys = map[string]bool{
	"gateway.rate_per_second":      true,
	"gateway.retry_base_delay_ms":  true,
	"dispatch.retry_delay_seconds": true,
}

// ConfigWatcher re-reads am.toml when it changes and hands the new Config to
// its callbacks. The parent directory is watched, so editors that save by
// renaming a temp file over am.toml are seen too.
type ConfigWatcher struct {
	configPath string
	fsw        *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []ReloadCallback
	current   *Config
	pending   *time.Timer
	debounce  time.Duration
	started   bool
	load      func() (*Config, error)

	ownWriteMu sync.Mutex
	ownWrite   bool

	done chan struct{}
}

// ReloadCallback receives a validated, reloaded Config.
type ReloadCallback func(*Config) error

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches configPath, which must exist.
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", configPath)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "failed to watch config directory %s", filepath.Dir(abs))
	}

	return &ConfigWatcher{
		configPath: abs,
		fsw:        fsw,
		debounce:   500 * time.Millisecond,
		load:       reloadGlobal,
		done:       make(chan struct{}),
	}, nil
}

// OnReload registers a callback. Callbacks run in registration order; one
// failing does not stop the rest.
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite suppresses the reload for the next change event. SetValue
// calls it so `am set` from a serving process does not reload twice.
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.ownWriteMu.Lock()
	cw.ownWrite = true
	cw.ownWriteMu.Unlock()
}

func (cw *ConfigWatcher) checkOwnWrite() bool {
	cw.ownWriteMu.Lock()
	defer cw.ownWriteMu.Unlock()
	was := cw.ownWrite
	cw.ownWrite = false
	return was
}

// WithLoader replaces how the config is re-read.
func (cw *ConfigWatcher) WithLoader(load func() (*Config, error)) *ConfigWatcher {
	cw.load = load
	return cw
}

// WithCurrent records the config in effect, so reloads can report which
// changed settings still need a restart.
func (cw *ConfigWatcher) WithCurrent(cfg *Config) *ConfigWatcher {
	cw.mu.Lock()
	cw.current = cfg
	cw.mu.Unlock()
	return cw
}

func reloadGlobal() (*Config, error) {
	Reset()
	return Load()
}

// Start watches in the background until Stop.
func (cw *ConfigWatcher) Start() {
	cw.mu.Lock()
	cw.started = true
	cw.mu.Unlock()
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	defer close(cw.done)
	log := logger.ComponentLogger("am")
	for {
		select {
		case event, ok := <-cw.fsw.Events:
			if !ok {
				return
			}
			if !cw.relevant(event) {
				continue
			}
			if cw.checkOwnWrite() {
				log.Debugw("Config watcher ignoring own write", logger.FieldPath, event.Name)
				continue
			}
			log.Infow("Config file changed", logger.FieldPath, event.Name, "op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.fsw.Errors:
			if !ok {
				return
			}
			log.Warnw("Config watcher error", logger.FieldError, err)
		}
	}
}

// relevant reports whether event rewrote the watched file.
func (cw *ConfigWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != cw.configPath || isBackupFile(event.Name) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	cw.pending = time.AfterFunc(cw.debounce, func() {
		if err := cw.reload(); err != nil {
			logger.ComponentLogger("am").Errorw("Config reload failed", logger.FieldError, err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	next, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid, keeping current settings")
	}

	cw.mu.Lock()
	prev := cw.current
	cw.current = next
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	log := logger.ComponentLogger("am")
	if prev != nil {
		if keys := restartRequired(prev, next); len(keys) > 0 {
			log.Warnw("Changed settings take effect after restart", "keys", keys)
		}
	}
	log.Infow("Config reloaded", logger.FieldPath, cw.configPath)

	for _, callback := range callbacks {
		if err := callback(next); err != nil {
			log.Warnw("Config reload callback failed", logger.FieldError, err)
		}
	}
	return nil
}

// restartRequired lists changed keys that are not hot-reloadable.
func restartRequired(prev, next *Config) []string {
	before, err := flatten(prev)
	if err != nil {
		return nil
	}
	after, err := flatten(next)
	if err != nil {
		return nil
	}
	var keys []string
	for k, v := range after {
		if hotKeys[k] {
			continue
		}
		if old, ok := before[k]; !ok || old != v {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok && !hotKeys[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stop closes the watcher, drops a pending reload and waits for the loop.
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.pending != nil {
		cw.pending.Stop()
	}
	started := cw.started
	cw.mu.Unlock()

	var err error
	if cw.fsw != nil {
		err = cw.fsw.Close()
	}
	if started {
		<-cw.done
	}
	return err
}

// isBackupFile matches the .back1-.back3 copies written by SetValue.
func isBackupFile(path string) bool {
	switch filepath.Ext(path) {
	case ".back1", ".back2", ".back3":
		return true
	}
	return false
}

// SetGlobalWatcher registers the watcher SetValue marks its own writes on.
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the registered watcher, or nil.
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
