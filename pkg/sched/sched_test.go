package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunUntilStopped(t *testing.T) {
	var fast, slow atomic.Int32
	s := New(Task{Name: "fast", Every: 5 * time.Millisecond, Fn: func(context.Context) { fast.Add(1) }})
	s.Add(Task{Name: "slow", Every: time.Hour, Fn: func(context.Context) { slow.Add(1) }})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)

	require.Eventually(t, func() bool { return fast.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	n := fast.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, fast.Load())
	assert.Zero(t, slow.Load())
}

func TestParentCancelStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	s := New(Task{Name: "t", Every: 5 * time.Millisecond, Fn: func(context.Context) { runs.Add(1) }})
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	s := New()
	s.Stop()
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}
