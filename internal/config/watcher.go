package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher holds the current configuration as an atomically-swapped
// snapshot and reloads it when the backing file changes on disk. Per §5,
// "configuration ... reloaded by polling a versioned snapshot. Each poller
// re-reads config at most once per cycle"; Watcher.Current() is the cheap,
// lock-free read each poller cycle performs.
type Watcher struct {
	current atomic.Pointer[Config]
	watcher *fsnotify.Watcher
	version atomic.Uint64
}

// NewWatcher wraps an already-loaded Config and begins watching its
// backing file for changes. Failure to start the filesystem watch is
// logged and non-fatal: the monitor still runs on the initial config, it
// simply will not hot-reload.
func NewWatcher(initial Config) *Watcher {
	w := &Watcher{}
	w.current.Store(&initial)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to start config file watcher - hot reload disabled")
		return w
	}
	if err := fw.Add(initial.ConfigFile); err != nil {
		log.Warn().Err(err).Str("file", initial.ConfigFile).Msg("Failed to watch config file - hot reload disabled")
		fw.Close()
		return w
	}
	w.watcher = fw

	go w.run()
	return w
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config file watcher error")
		}
	}
}

func (w *Watcher) reload() {
	prev := w.current.Load()
	next := *prev
	if err := next.loadFile(next.ConfigFile); err != nil {
		log.Warn().Err(err).Msg("Failed to reload config file - keeping previous config")
		return
	}
	next.applyDefaults()
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Warn().Interface("panic", r).Msg("Reloaded config failed validation - keeping previous config")
			}
		}()
		next.validate()
		w.current.Store(&next)
		w.version.Add(1)
		log.Info().Uint64("version", w.version.Load()).Msg("Configuration reloaded")
	}()
}

// Current returns the current configuration snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Version returns the number of successful reloads applied so far.
func (w *Watcher) Version() uint64 {
	return w.version.Load()
}

// Close stops the underlying filesystem watch, if one was started.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
