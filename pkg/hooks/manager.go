// Package hooks runs operator shell scripts when sessions change state.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AnyEvent matches every event.
const AnyEvent = "*"

const defaultTimeout = 30 * time.Second

// Hook is one script bound to an event.
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager runs the hooks registered for an event. A nil or disabled Manager
// does nothing.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	byEvent map[string][]Hook
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewManager validates cfg and indexes the enabled hooks by event.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
	}
	if !cfg.Enabled {
		return m, nil
	}

	for _, hook := range cfg.Hooks {
		if !hook.Enabled {
			continue
		}
		event := strings.TrimSpace(hook.Event)
		if event == "" {
			return nil, fmt.Errorf("hook event is required")
		}
		if strings.TrimSpace(hook.Script) == "" {
			return nil, fmt.Errorf("hook script is required for event %q", event)
		}
		if hook.Timeout <= 0 {
			hook.Timeout = defaultTimeout
		}
		m.byEvent[event] = append(m.byEvent[event], hook)
	}
	return m, nil
}

// Len returns the number of enabled hooks.
func (m *Manager) Len() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, hooks := range m.byEvent {
		n += len(hooks)
	}
	return n
}

func (m *Manager) hooksFor(event string) []Hook {
	if m == nil || !m.enabled {
		return nil
	}
	hooks := append([]Hook(nil), m.byEvent[event]...)
	if event != AnyEvent {
		hooks = append(hooks, m.byEvent[AnyEvent]...)
	}
	return hooks
}

// Trigger runs every hook for event in order and joins their errors.
func (m *Manager) Trigger(ctx context.Context, event string, data map[string]string) error {
	hooks := m.hooksFor(event)
	var errs []error
	for _, hook := range hooks {
		if err := m.run(ctx, event, hook, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatch runs the hooks for event in the background. Failures are logged.
// It returns false when nothing was started.
func (m *Manager) Dispatch(event string, data map[string]string) bool {
	hooks := m.hooksFor(event)
	if len(hooks) == 0 {
		return false
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for _, hook := range hooks {
			if err := m.run(context.Background(), event, hook, data); err != nil {
				m.logger.Warn().Err(err).Str("event", event).Str("hook_id", hook.ID).Msg("Hook failed")
			}
		}
	}()
	return true
}

// Close stops accepting dispatches and waits for running hooks.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, event string, hook Hook, data map[string]string) error {
	hookID := hook.ID
	if strings.TrimSpace(hookID) == "" {
		hookID = event
	}

	runCtx, cancel := context.WithTimeout(ctx, hook.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = environment(event, data)

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", hookID, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", hookID, err)
	}

	if text != "" {
		m.logger.Debug().Str("event", event).Str("hook_id", hookID).Str("output", text).Msg("Hook executed")
	}
	return nil
}

// environment exposes the event as SANDESH_HOOK_EVENT and each data key as
// SANDESH_HOOK_<KEY>.
func environment(event string, data map[string]string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, "SANDESH_HOOK_EVENT="+event)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, "SANDESH_HOOK_"+envKey(k)+"="+data[k])
	}
	return env
}

func envKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
