package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/pkg/prompt"
)

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"Asha","instructions":"Be kind."}`), 0644))

	reloaded := make(chan prompt.Persona, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:        path,
		SettleDelay: 20 * time.Millisecond,
		OnReload:    func(p prompt.Persona) { reloaded <- p },
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	require.NoError(t, os.WriteFile(path, []byte(`{"name":"Meera","instructions":"Be brief."}`), 0644))

	select {
	case p := <-reloaded:
		assert.Equal(t, "Meera", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("persona was not reloaded")
	}

	// an invalid file keeps the previous persona
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"broken"}`), 0644))
	select {
	case p := <-reloaded:
		t.Fatalf("unexpected reload: %+v", p)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(WatcherConfig{
		Path:     filepath.Join(dir, "persona.json"),
		OnReload: func(prompt.Persona) {},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestNewWatcher_RequiresPathAndHandler(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnReload: func(prompt.Persona) {}})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Path: "persona.json"})
	assert.Error(t, err)
}
