package cli

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/internal/daemon"
)

func TestStatusCommand(t *testing.T) {
	t.Run("stopped", func(t *testing.T) {
		dir := t.TempDir()
		out, err := execute(t, "status", "--config", writeConfig(t, dir, nil))
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("running", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfig(t, dir, nil)
		require.NoError(t, os.WriteFile(daemon.PIDFile(dir), []byte(strconv.Itoa(os.Getpid())), 0644))

		out, err := execute(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))
		assert.Contains(t, out, "Uptime:")
	})
}

func TestStopCommand_NotRunning(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "stop", "--config", writeConfig(t, dir, nil))
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon is not running")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatDuration(tt.duration))
		})
	}
}
