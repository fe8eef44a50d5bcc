package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Runtime holds the settings that may change without a restart.
type Runtime struct {
	PollInterval   time.Duration
	MaxConcurrency int
	SubmitTimeout  time.Duration
	LogLevel       string
}

// Runtime returns the hot-reloadable part of c.
func (c *Config) Runtime() Runtime {
	return Runtime{
		PollInterval:   c.PollInterval,
		MaxConcurrency: c.MaxConcurrency,
		SubmitTimeout:  c.SubmitTimeout,
		LogLevel:       c.LogLevel,
	}
}

// Watcher monitors the .env file and reports runtime setting changes.
type Watcher struct {
	envPath     string
	watcher     *fsnotify.Watcher
	lastModTime time.Time
	mu          sync.Mutex
	current     Runtime
	onChange    func(Runtime)

	debounce     time.Duration
	pollInterval time.Duration
}

// NewWatcher creates a watcher for envPath starting from initial. onChange
// runs with the full new runtime settings whenever one of them changes.
func NewWatcher(envPath string, initial Runtime, onChange func(Runtime)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		envPath:      envPath,
		watcher:      watcher,
		current:      initial,
		onChange:     onChange,
		debounce:     100 * time.Millisecond,
		pollInterval: 5 * time.Second,
	}
	if stat, err := os.Stat(envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Current returns the runtime settings last applied.
func (w *Watcher) Current() Runtime {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run watches until ctx is cancelled. When the directory cannot be watched
// it falls back to polling the file's modification time.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		w.pollForChanges(ctx)
		return nil
	}

	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	w.watchForChanges(ctx)
	return nil
}

// Reload re-reads the .env file, e.g. on SIGHUP.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges(ctx context.Context) {
	target := filepath.Clean(w.envPath)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// wait for the write to complete
			select {
			case <-time.After(w.debounce):
			case <-ctx.Done():
				return
			}
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) pollForChanges(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil || !stat.ModTime().After(w.lastModTime) {
				continue
			}
			log.Info().Msg("Detected .env file change via polling")
			w.lastModTime = stat.ModTime()
			w.reload()

		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Str("file", w.envPath).Msg("Failed to read .env file")
		}
		return
	}

	w.mu.Lock()
	next, changes := applyRuntime(w.current, envMap)
	w.current = next
	callback := w.onChange
	w.mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No runtime changes detected in .env file")
		return
	}
	log.Info().Strs("changes", changes).Msg("Applied .env file changes to runtime config")
	if callback != nil {
		callback(next)
	}
}

// applyRuntime overlays the runtime keys present in env onto cur. Invalid
// values are logged and ignored.
func applyRuntime(cur Runtime, env map[string]string) (Runtime, []string) {
	next := cur
	var changes []string

	value := func(key string) (string, bool) {
		raw, ok := env[EnvKey(key)]
		return strings.Trim(strings.TrimSpace(raw), "'\""), ok && raw != ""
	}

	if raw, ok := value(KeyPollInterval); ok {
		if d, err := time.ParseDuration(raw); err != nil || d < time.Second {
			log.Warn().Str("value", raw).Msg("Ignoring invalid poll interval")
		} else if d != cur.PollInterval {
			next.PollInterval = d
			changes = append(changes, "poll interval "+d.String())
		}
	}
	if raw, ok := value(KeyMaxConcurrency); ok {
		if n, err := strconv.Atoi(raw); err != nil || n < 1 || n > 256 {
			log.Warn().Str("value", raw).Msg("Ignoring invalid max concurrency")
		} else if n != cur.MaxConcurrency {
			next.MaxConcurrency = n
			changes = append(changes, "max concurrency "+strconv.Itoa(n))
		}
	}
	if raw, ok := value(KeySubmitTimeout); ok {
		if d, err := time.ParseDuration(raw); err != nil || d < time.Second {
			log.Warn().Str("value", raw).Msg("Ignoring invalid submit timeout")
		} else if d != cur.SubmitTimeout {
			next.SubmitTimeout = d
			changes = append(changes, "submit timeout "+d.String())
		}
	}
	if raw, ok := value(KeyLogLevel); ok {
		level := strings.ToLower(raw)
		if !validLogLevel(level) {
			log.Warn().Str("value", raw).Msg("Ignoring invalid log level")
		} else if level != cur.LogLevel {
			next.LogLevel = level
			changes = append(changes, "log level "+level)
		}
	}
	return next, changes
}
