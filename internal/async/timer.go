package async

import (
	"sync/atomic"
	"time"
)

// timerEntry is the loop-internal heap element; Timer wraps it with the
// public, Handle-shaped API.
type timerEntry struct {
	deadline  time.Time
	repeat    time.Duration
	cancelled atomic.Bool
	onFire    func()
	index     int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Timer is a Handle specialization firing a callback once (After) or
// repeatedly (Every) on the owning loop, grounded on
// original_source/src/base/include/scy/timer.h's start(timeout, interval).
type Timer struct {
	*handleCore
	entry *timerEntry
	fn    func()
}

// NewTimer creates a Timer bound to loop. It does not start until After or
// Every is called.
func NewTimer(loop *Loop, fn func()) *Timer {
	t := &Timer{handleCore: newHandleCore(loop), fn: fn}
	return t
}

// After schedules fn to run once after d elapses.
func (t *Timer) After(d time.Duration) {
	t.start(d, 0)
}

// Every schedules fn to run once after d, then repeatedly every d until
// Close or Stop.
func (t *Timer) Every(d time.Duration) {
	t.start(d, d)
}

func (t *Timer) start(delay, repeat time.Duration) {
	t.assertOwnerOrUnstarted()
	if t.entry != nil {
		t.entry.cancelled.Store(true)
	}
	t.markInitialized()
	t.entry = &timerEntry{
		deadline: time.Now().Add(delay),
		repeat:   repeat,
		onFire: func() {
			if t.closed() {
				return
			}
			t.fn()
		},
	}
	t.loop.scheduleTimer(t.entry)
}

// Stop cancels pending firing without closing the handle; the Timer can be
// restarted with After/Every afterward.
func (t *Timer) Stop() {
	if t.entry != nil {
		t.entry.cancelled.Store(true)
		t.loop.cancelTimer(t.entry)
	}
}

// Close stops the timer and marks the handle closed, per the Handle
// contract in spec.md §3: no further callbacks fire after Close returns.
func (t *Timer) Close() {
	t.Stop()
	t.handleCore.close()
}
