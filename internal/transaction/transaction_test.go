package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionSucceedsOnMatchingResponse(t *testing.T) {
	sent := 0
	opts := Options{
		Retries:   3,
		Intervals: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
		FinalWait: 50 * time.Millisecond,
		Send: func(attempt int) error {
			sent++
			return nil
		},
		Match: func(resp interface{}) bool {
			return resp.(string) == "pong"
		},
	}
	tr := New(opts)
	tr.Run()

	require.Eventually(t, func() bool { return sent >= 1 }, time.Second, time.Millisecond)
	require.True(t, tr.Deliver("pong"))

	<-tr.Done()
	require.Equal(t, StateSuccess, tr.State())
	require.Equal(t, "pong", tr.Result())
}

func TestTransactionFailsAfterRetriesExhausted(t *testing.T) {
	opts := Options{
		Retries:   2,
		Intervals: []time.Duration{1 * time.Millisecond},
		FinalWait: 5 * time.Millisecond,
		Send: func(attempt int) error {
			return nil
		},
		Match: func(resp interface{}) bool { return false },
	}
	tr := New(opts)
	tr.Run()

	<-tr.Done()
	require.Equal(t, StateFailed, tr.State())
	kind, _ := tr.Failure()
	require.Equal(t, FailureTimeout, kind)
}

func TestTransactionCancelIsIdempotent(t *testing.T) {
	opts := Options{
		Retries:   5,
		Intervals: []time.Duration{time.Second, time.Second, time.Second, time.Second},
		FinalWait: time.Second,
		Send:      func(attempt int) error { return nil },
		Match:     func(resp interface{}) bool { return false },
	}
	tr := New(opts)
	tr.Run()

	tr.Cancel()
	tr.Cancel()
	<-tr.Done()
	require.Equal(t, StateCancelled, tr.State())
}

func TestDeliverAfterTerminalStateIsNoop(t *testing.T) {
	opts := ReliableOptions(func(attempt int) error { return nil }, func(resp interface{}) bool { return false })
	opts.FinalWait = 5 * time.Millisecond
	tr := New(opts)
	tr.Run()
	<-tr.Done()
	require.False(t, tr.Deliver("late"))
}
