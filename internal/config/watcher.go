package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/sandesh/internal/observability"
	"github.com/harun/sandesh/pkg/prompt"
)

const defaultSettleDelay = 200 * time.Millisecond

// PersonaHandler receives a freshly loaded persona.
type PersonaHandler func(prompt.Persona)

// WatcherConfig configures a persona Watcher.
type WatcherConfig struct {
	Path        string
	SettleDelay time.Duration
	OnReload    PersonaHandler
	Logger      *zerolog.Logger
}

// Watcher reloads the persona file when it changes on disk. Editors often
// replace files instead of writing them in place, so the parent directory is
// watched and events are filtered by name.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	settle   time.Duration
	onReload PersonaHandler
	logger   zerolog.Logger

	timerMu sync.Mutex
	timer   *time.Timer

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher creates a persona watcher. Start must be called to begin watching.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("persona path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload handler is required")
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve persona path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     abs,
		settle:   cfg.SettleDelay,
		onReload: cfg.OnReload,
		logger:   logger.With().Str("component", "persona-watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the persona file's directory.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Persona watcher started")
	return nil
}

// Stop stops watching. It is safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)

		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()

		if cerr := w.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		w.wg.Wait()
		w.logger.Info().Msg("Persona watcher stopped")
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule debounces bursts of writes into one reload.
func (w *Watcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, func() {
		select {
		case <-w.done:
			return
		default:
			w.reload()
		}
	})
}

func (w *Watcher) reload() {
	persona, err := prompt.LoadPersonaFile(w.path)
	if err != nil {
		// keep the previous persona until the file is valid again
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Persona reload failed")
		return
	}
	w.onReload(persona)
	observability.RecordConfigAudit(context.Background(), "persona_reload", w.path,
		map[string]interface{}{"name": persona.Name})
	w.logger.Info().Str("path", w.path).Str("name", persona.Name).Msg("Persona reloaded")
}
