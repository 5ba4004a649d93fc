package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the bursts of write events that editors emit when
// saving a file.
const debounceDelay = 500 * time.Millisecond

// ChangeCallback receives the old and new value of a watched config path.
type ChangeCallback func(oldValue, newValue any)

// Manager owns the live Config snapshot and the hot-reload machinery.
// Snapshot reads are lock-free; reloads swap the snapshot atomically and
// fan out change callbacks keyed by dotted config paths.
type Manager struct {
	path     string
	snapshot atomic.Pointer[Config]

	mu        sync.Mutex
	callbacks map[string][]ChangeCallback
	order     []string // registration order of paths

	watcher     *fsnotify.Watcher
	done        chan struct{}
	wg          sync.WaitGroup
	reloading   atomic.Bool
	lastTrigger atomic.Int64 // unix nanos of the newest watch trigger
}

// NewManager creates a manager for the given config file path.
// Call Load before Snapshot or StartWatch.
func NewManager(path string) *Manager {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Manager{
		path:      abs,
		callbacks: make(map[string][]ChangeCallback),
	}
}

// Path returns the absolute config file path.
func (m *Manager) Path() string { return m.path }

// Load reads the config file once and installs the initial snapshot.
func (m *Manager) Load() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.snapshot.Store(cfg)
	slog.Info("config loaded", "path", m.path)
	return nil
}

// Snapshot returns the current immutable config snapshot.
func (m *Manager) Snapshot() *Config {
	return m.snapshot.Load()
}

// OnChange registers a callback for a dotted config path such as "gateway"
// or "chat.ban_user_id". Unknown paths are rejected.
func (m *Manager) OnChange(path string, cb ChangeCallback) error {
	if _, err := valueAt(Default(), path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callbacks[path]; !ok {
		m.order = append(m.order, path)
	}
	m.callbacks[path] = append(m.callbacks[path], cb)
	return nil
}

// StartWatch begins watching the config file's directory for writes.
// Watching the directory instead of the file survives rename-on-save editors.
func (m *Manager) StartWatch() error {
	if m.watcher != nil {
		return fmt.Errorf("config watch already running")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("config watch: %w", err)
	}
	m.watcher = w
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.watch()
	slog.Info("config watch started", "path", m.path)
	return nil
}

// StopWatch terminates the watcher and waits for in-flight reloads.
func (m *Manager) StopWatch() error {
	if m.watcher == nil {
		return nil
	}
	close(m.done)
	err := m.watcher.Close()
	m.wg.Wait()
	m.watcher = nil
	slog.Info("config watch stopped")
	return err
}

func (m *Manager) watch() {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			trigger := time.Now().UnixNano()
			m.lastTrigger.Store(trigger)
			m.wg.Add(1)
			go m.debouncedReload(trigger)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		case <-m.done:
			return
		}
	}
}

// debouncedReload sleeps out the debounce window, then reloads unless a
// newer trigger superseded it or a reload is already running. A trigger
// dropped while reloading is fine: the editor's settle-and-save pattern
// will produce another.
func (m *Manager) debouncedReload(trigger int64) {
	defer m.wg.Done()

	select {
	case <-time.After(debounceDelay):
	case <-m.done:
		return
	}
	if m.lastTrigger.Load() > trigger {
		return
	}
	if !m.reloading.CompareAndSwap(false, true) {
		slog.Debug("config reload already in progress, skipping")
		return
	}
	defer m.reloading.Store(false)
	m.Reload()
}

// Reload re-parses the config file. On parse failure the current snapshot
// stays installed and no callbacks fire.
func (m *Manager) Reload() bool {
	oldCfg := m.snapshot.Load()
	newCfg, err := Load(m.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous config", "error", err)
		slog.Warn("fix the config file and save again to retry")
		return false
	}
	m.snapshot.Store(newCfg)
	slog.Info("config reloaded", "path", m.path)
	m.notifyChanges(oldCfg, newCfg)
	return true
}

func (m *Manager) notifyChanges(oldCfg, newCfg *Config) {
	if oldCfg == nil {
		return
	}
	m.mu.Lock()
	paths := append([]string(nil), m.order...)
	callbacks := make(map[string][]ChangeCallback, len(m.callbacks))
	for p, cbs := range m.callbacks {
		callbacks[p] = append([]ChangeCallback(nil), cbs...)
	}
	m.mu.Unlock()

	for _, path := range paths {
		oldVal, err := valueAt(oldCfg, path)
		if err != nil {
			continue
		}
		newVal, _ := valueAt(newCfg, path)
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}
		slog.Info("config change detected", "path", path)
		for _, cb := range callbacks[path] {
			m.invoke(path, cb, oldVal, newVal)
		}
	}
}

// invoke isolates one callback so a panicking handler cannot prevent the
// remaining callbacks from running.
func (m *Manager) invoke(path string, cb ChangeCallback, oldVal, newVal any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("config change callback panicked", "path", path, "panic", r)
		}
	}()
	cb(oldVal, newVal)
}

// valueAt resolves a dotted path against the config struct using toml tags.
func valueAt(cfg *Config, path string) (any, error) {
	v := reflect.ValueOf(cfg).Elem()
	for _, part := range strings.Split(path, ".") {
		if v.Kind() != reflect.Struct {
			return nil, fmt.Errorf("config path %q: %q is not a section", path, part)
		}
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown config path %q", path)
		}
		v = field
	}
	return v.Interface(), nil
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("toml")
		if tag == name || (tag == "" && strings.EqualFold(t.Field(i).Name, name)) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}
