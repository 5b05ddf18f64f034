package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stopWithin(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("failing", func(context.Context) error { return errors.New("boom") })
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, "failing: boom", err.Error())
	assert.Equal(t, int64(0), s.Counters().Active)
	assert.Equal(t, uint64(2), s.Counters().Started)
}

func TestGoRecoversPanic(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("panicky", func(context.Context) error { panic("oops") })

	err := stopWithin(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")

	snap := s.Snapshot()
	require.Len(t, snap.Routines, 1)
	assert.Equal(t, uint64(1), snap.Routines[0].Panics)
}

func TestCancellationIsNotAnError(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go0("loop", func(ctx context.Context) { <-ctx.Done() })
	s.Go("ctx", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, stopWithin(t, s))
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	require.Eventually(t, func() bool { return s.Counters().Active == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Routines, 1)
	assert.Equal(t, uint64(2), snap.Routines[0].Restarts)
	assert.Equal(t, "flaky: transient", snap.FirstError)
	_ = stopWithin(t, s)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("dead", func(context.Context) error {
		runs.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())
	assert.Error(t, s.Context().Err())
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	s := NewSupervisor(context.Background())
	started := make(chan struct{})
	s.GoRestart("worker", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return errors.New("interrupted")
	})
	<-started
	assert.NoError(t, stopWithin(t, s))
	assert.Empty(t, s.Snapshot().Routines[0].LastErr)
}

func TestGoRestartRevivesCleanExitWhenAsked(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("poller", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithStopOnCleanExit(false))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), s.Counters().Active)
	assert.Equal(t, uint64(2), s.Snapshot().Routines[0].Restarts)
	assert.NoError(t, stopWithin(t, s))
}
