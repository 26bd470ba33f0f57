package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	debounceDelay = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// Watcher monitors the .env file and hands each successfully reloaded
// Config to a callback.
type Watcher struct {
	mu       sync.Mutex
	current  *Config
	envPath  string
	onReload func(*Config)

	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time
	pollEvery   time.Duration
}

// NewWatcher creates a watcher for cfg's .env file. onReload runs on the
// watcher goroutine.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	w := &Watcher{
		current:   cfg,
		envPath:   cfg.EnvPath(),
		onReload:  onReload,
		stopChan:  make(chan struct{}),
		pollEvery: pollInterval,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Start begins watching. When the directory cannot be watched it falls back
// to polling the file's modification time.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		dir := filepath.Dir(w.envPath)
		if addErr := fsw.Add(dir); addErr != nil {
			log.Warn().Err(addErr).Str("path", dir).Msg("Failed to watch config directory")
			_ = fsw.Close()
			err = addErr
		}
	}
	if err != nil {
		log.Warn().Msg("Falling back to polling for config changes")
		go w.pollForChanges()
		return nil
	}

	w.mu.Lock()
	w.watcher = fsw
	w.mu.Unlock()

	go w.handleEvents(fsw.Events, fsw.Errors)
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

// ReloadNow reloads immediately (e.g. on SIGHUP).
func (w *Watcher) ReloadNow() {
	w.reload()
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Let the writer finish.
			time.Sleep(debounceDelay)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reload()

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil || !stat.ModTime().After(w.lastModTime) {
				continue
			}
			w.lastModTime = stat.ModTime()
			log.Info().Msg("Detected .env file change via polling")
			w.reload()

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	prev := w.current
	w.mu.Unlock()

	next, err := prev.Reload()
	if err != nil {
		log.Error().Err(err).Str("file", w.envPath).Msg("Config reload failed; keeping previous settings")
		return
	}

	w.mu.Lock()
	w.current = next
	w.mu.Unlock()

	log.Info().
		Dur("online_check_interval", next.OnlineCheckInterval).
		Dur("offline_grace_period", next.OfflineGracePeriod).
		Bool("offline_mode", next.OfflineMode).
		Msg("Configuration reloaded")

	if w.onReload != nil {
		w.onReload(next)
	}
}
