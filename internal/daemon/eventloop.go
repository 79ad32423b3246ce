package daemon

import (
	"context"
	"time"

	"github.com/harun/sandesh/pkg/bridge"
)

const statsInterval = 30 * time.Second

// EventLoop periodically reports registry health
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run logs session and lane statistics until ctx ends
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.log
	logger.Info().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.report()
		}
	}
}

// report logs session counts by state and every busy contact lane.
func (e *EventLoop) report() map[bridge.State]int {
	logger := e.daemon.log
	registry := e.daemon.registry

	byState := make(map[bridge.State]int)
	for _, snap := range registry.List() {
		byState[snap.State]++
	}

	event := logger.Debug()
	for state, n := range byState {
		event = event.Int(string(state), n)
	}
	event.Msg("Session stats")

	for sessionID, lanes := range registry.LaneStats() {
		for contactID, stats := range lanes {
			logger.Debug().
				Str("session_id", sessionID).
				Str("lane", contactID).
				Int("queued", stats.Queued).
				Bool("running", stats.Running).
				Msg("Lane stats")
		}
	}

	return byState
}
