package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/sandesh/pkg/bridge"
	"github.com/harun/sandesh/pkg/transport/loopback"
)

func TestEventLoopRun(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir()))
	t.Cleanup(d.release)

	loop := NewEventLoop(d)
	loop.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop in time")
	}
}

func TestEventLoopReport(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir()))
	t.Cleanup(d.release)

	ctx := context.Background()
	_, err := d.GetRegistry().Create(ctx, loopback.Name)
	require.NoError(t, err)
	_, err = d.GetRegistry().Create(ctx, loopback.Name)
	require.NoError(t, err)

	byState := NewEventLoop(d).report()
	assert.Equal(t, 2, byState[bridge.StateCreated])
}
