package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, opts ServiceOptions) *Service {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	s := NewService(opts)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestSpec(t *testing.T) {
	tests := []struct {
		name     string
		schedule Schedule
		want     string
		wantErr  string
	}{
		{name: "every", schedule: Every(30 * time.Second), want: "@every 30s"},
		{name: "every too short", schedule: Every(10 * time.Millisecond), wantErr: "at least 1s"},
		{name: "cron", schedule: Schedule{Kind: ScheduleKindCron, Expr: "*/5 * * * *"}, want: "*/5 * * * *"},
		{name: "cron with tz", schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 3 * * *", TZ: "UTC"}, want: "CRON_TZ=UTC 0 3 * * *"},
		{name: "cron bad tz", schedule: Schedule{Kind: ScheduleKindCron, Expr: "0 3 * * *", TZ: "Nowhere/Land"}, wantErr: "invalid timezone"},
		{name: "cron missing expr", schedule: Schedule{Kind: ScheduleKindCron}, wantErr: "requires 'expr'"},
		{name: "unknown kind", schedule: Schedule{Kind: "at"}, wantErr: "unknown schedule kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Spec(tt.schedule)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCalculateNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 30, 0, time.UTC)

	next, err := CalculateNextRun(Every(time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), next)

	next, err = CalculateNextRun(Schedule{Kind: ScheduleKindCron, Expr: "0 10 * * *", TZ: "UTC"}, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), next.UTC())

	_, err = CalculateNextRun(Schedule{Kind: ScheduleKindCron, Expr: "not a cron"}, now)
	assert.Error(t, err)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("@every 90s", "")
	require.NoError(t, err)
	assert.Equal(t, Every(90*time.Second), s)

	s, err = ParseSchedule(" */10 * * * * ", "UTC")
	require.NoError(t, err)
	assert.Equal(t, ScheduleKindCron, s.Kind)
	assert.Equal(t, "*/10 * * * *", s.Expr)
	assert.Equal(t, "UTC", s.TZ)

	_, err = ParseSchedule("@every soon", "")
	assert.Error(t, err)
	_, err = ParseSchedule("@every 1ms", "")
	assert.Error(t, err)
	_, err = ParseSchedule("every minute", "")
	assert.Error(t, err)
}

func TestService_AddJob(t *testing.T) {
	s := newTestService(t, ServiceOptions{})
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddJob("sweep", Every(time.Minute), noop))
	assert.Error(t, s.AddJob("sweep", Every(time.Minute), noop), "duplicate names are rejected")
	assert.Error(t, s.AddJob("", Every(time.Minute), noop))
	assert.Error(t, s.AddJob("nil", Every(time.Minute), nil))
	assert.Error(t, s.AddJob("bad", Schedule{Kind: ScheduleKindCron, Expr: "61 * * * *"}, noop))

	status := s.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "sweep", status[0].Name)

	s.RemoveJob("sweep")
	assert.Empty(t, s.Status())
}

func TestService_RunNowTracksState(t *testing.T) {
	s := newTestService(t, ServiceOptions{})

	fail := true
	require.NoError(t, s.AddJob("persist", Every(time.Hour), func(context.Context) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	}))

	assert.Error(t, s.RunNow("persist"))
	assert.Error(t, s.RunNow("persist"))
	st := s.Status()[0]
	assert.Equal(t, "error", st.LastStatus)
	assert.Equal(t, "disk full", st.LastError)
	assert.Equal(t, 2, st.ConsecutiveErrors)

	fail = false
	require.NoError(t, s.RunNow("persist"))
	st = s.Status()[0]
	assert.Equal(t, "ok", st.LastStatus)
	assert.Equal(t, 0, st.ConsecutiveErrors)
	assert.Equal(t, 3, st.Runs)

	assert.Error(t, s.RunNow("missing"))
}

func TestService_TimeoutBoundsRun(t *testing.T) {
	s := newTestService(t, ServiceOptions{Timeout: 20 * time.Millisecond})

	require.NoError(t, s.AddJob("slow", Every(time.Hour), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	assert.ErrorIs(t, s.RunNow("slow"), context.DeadlineExceeded)
}

func TestService_RunsOnSchedule(t *testing.T) {
	s := newTestService(t, ServiceOptions{})

	var runs int32
	require.NoError(t, s.AddJob("tick", Every(time.Second), func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}))
	s.Start()
	s.Start()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) >= 1
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Error(t, s.AddJob("late", Every(time.Minute), func(context.Context) error { return nil }))
}
