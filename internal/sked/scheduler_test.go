package sked

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcey/libsourcey-go/internal/async"
)

func newTestLoop(t *testing.T) *async.Loop {
	t.Helper()
	loop := async.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Stop)
	return loop
}

func TestScheduleAtRunsOnceThenDrops(t *testing.T) {
	loop := newTestLoop(t)
	s := New(loop)

	var runs atomic.Int32
	s.Schedule(&Task{
		ID:      "once",
		Trigger: At(time.Now().Add(10 * time.Millisecond)),
		Run:     func() { runs.Add(1) },
	})

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), runs.Load())
}

func TestScheduleEveryReschedulesUntilAfterRunStops(t *testing.T) {
	loop := newTestLoop(t)
	s := New(loop)

	var runs atomic.Int32
	s.Schedule(&Task{
		ID:      "repeating",
		Trigger: Every{Interval: 10 * time.Millisecond},
		Run:     func() { runs.Add(1) },
		AfterRun: func() bool {
			return runs.Load() < 3
		},
	})

	require.Eventually(t, func() bool { return runs.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), runs.Load())
}

func TestBeforeRunVetoSkipsWithoutCancelingFutureRuns(t *testing.T) {
	loop := newTestLoop(t)
	s := New(loop)

	var attempts, runs atomic.Int32
	s.Schedule(&Task{
		ID:      "gated",
		Trigger: Every{Interval: 10 * time.Millisecond},
		BeforeRun: func() bool {
			attempts.Add(1)
			return attempts.Load() > 1 // veto the first attempt only
		},
		Run: func() { runs.Add(1) },
	})

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, attempts.Load(), int32(2))
}

func TestCancelRemovesScheduledTask(t *testing.T) {
	loop := newTestLoop(t)
	s := New(loop)

	var runs atomic.Int32
	s.Schedule(&Task{
		ID:      "cancel-me",
		Trigger: At(time.Now().Add(30 * time.Millisecond)),
		Run:     func() { runs.Add(1) },
	})
	s.Cancel("cancel-me")

	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int32(0), runs.Load())
}

func TestClearDropsAllTasks(t *testing.T) {
	loop := newTestLoop(t)
	s := New(loop)

	var runs atomic.Int32
	for i := 0; i < 3; i++ {
		s.Schedule(&Task{
			Trigger: At(time.Now().Add(20 * time.Millisecond)),
			Run:     func() { runs.Add(1) },
		})
	}
	s.Clear()

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int32(0), runs.Load())
}

func TestDailyTriggerPicksNextOccurrence(t *testing.T) {
	past := Daily{Hour: 0, Minute: 0, Second: 0}
	next, ok := past.Next(time.Time{})
	require.True(t, ok)
	require.True(t, next.After(time.Now()))
	require.True(t, next.Before(time.Now().Add(24*time.Hour+time.Minute)))
}
