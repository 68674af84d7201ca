// Package async implements the single-threaded cooperative event loop that
// every socket, timer, idler and packet-stream callback in this module runs
// on (spec.md §4.1, §5). It is grounded on original_source's libuv wrapper
// (src/base/include/scy/handle.h, src/base/include/scy/idler.h,
// src/base/include/scy/timer.h) translated from a C-callback reactor into a
// Go channel-driven one, in the spirit of the teacher's own
// broker.go:(*BrokerContext).Broker() dispatch loop (a single goroutine
// draining a channel of work items).
package async

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a cooperative, single-goroutine scheduler. All Handles created
// against a Loop must be mutated only from the goroutine that calls Run.
// Cross-goroutine callers use Post, the loop's async wake primitive.
type Loop struct {
	tasks    chan func()
	deferred chan func()
	stop     chan struct{}
	done     chan struct{}

	owner    atomic.Uint64
	running  atomic.Bool
	mu       sync.Mutex
	timers   timerHeap
	idlers   []*Idler
	handles  map[*handleCore]struct{}
}

// NewLoop constructs a Loop that is not yet running. Call Run from the
// goroutine that should become its owner.
func NewLoop() *Loop {
	return &Loop{
		tasks:    make(chan func(), 256),
		deferred: make(chan func(), 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		handles:  make(map[*handleCore]struct{}),
	}
}

var defaultLoopOnce sync.Once
var defaultLoop *Loop

// DefaultLoop returns a process-wide convenience Loop. Production code
// should prefer constructing and injecting its own Loop (design note in
// spec.md §9 on avoiding global singletons); this exists only for sample
// binaries and tests, the way original LibSourcey's uv::defaultLoop() did.
func DefaultLoop() *Loop {
	defaultLoopOnce.Do(func() {
		defaultLoop = NewLoop()
	})
	return defaultLoop
}

// OnLoop reports whether the calling goroutine is this Loop's owner.
func (l *Loop) OnLoop() bool {
	return l.running.Load() && l.owner.Load() == goroutineID()
}

// assertOwner panics if called off the loop goroutine while the loop is
// running; it is a no-op before Run is called (handles may be constructed
// from any goroutine, only mutated once the loop is live).
func (l *Loop) assertOwner() {
	if l.running.Load() && l.owner.Load() != goroutineID() {
		panic("async: handle accessed from a goroutine other than its owning loop")
	}
}

// Post schedules f to run on the loop goroutine. Safe to call from any
// goroutine; this is the cross-thread submission path spec.md §5 requires
// ("external code that wants to call into the core from another thread
// MUST use this wake primitive").
func (l *Loop) Post(f func()) {
	select {
	case l.tasks <- f:
	case <-l.done:
	}
}

// deferTick schedules f to run on the next iteration of Run's loop, after
// the current batch of work has been drained. Used for the adapter
// deferred-destruction contract in spec.md §4.2.
func (l *Loop) deferTick(f func()) {
	select {
	case l.deferred <- f:
	case <-l.done:
	}
}

// DeferTick exposes deferTick to other packages that need the same
// defer-to-next-tick contract outside a Handle -- netio's adapter chain
// splices a replacement in immediately but must not free the adapter it
// replaced until any callback frame currently executing on the loop has
// returned, per spec.md §4.2.
func (l *Loop) DeferTick(f func()) {
	l.deferTick(f)
}

// scheduleTimer adds a timer to the loop's heap. Internal; Timer calls this.
func (l *Loop) scheduleTimer(t *timerEntry) {
	l.mu.Lock()
	heap.Push(&l.timers, t)
	l.mu.Unlock()
}

func (l *Loop) cancelTimer(t *timerEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.timers {
		if e == t {
			heap.Remove(&l.timers, i)
			return
		}
	}
}

func (l *Loop) addIdler(i *Idler) {
	l.mu.Lock()
	l.idlers = append(l.idlers, i)
	l.mu.Unlock()
}

func (l *Loop) removeIdler(i *Idler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for idx, e := range l.idlers {
		if e == i {
			l.idlers = append(l.idlers[:idx], l.idlers[idx+1:]...)
			return
		}
	}
}

func (l *Loop) nextTimerDeadline() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].deadline, true
}

// popDueTimers removes and returns every timer entry whose deadline has
// elapsed, rescheduling repeating ones.
func (l *Loop) popDueTimers(now time.Time) []*timerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var due []*timerEntry
	for len(l.timers) > 0 && !l.timers[0].deadline.After(now) {
		t := heap.Pop(&l.timers).(*timerEntry)
		due = append(due, t)
		if t.repeat > 0 && !t.cancelled.Load() {
			t.deadline = now.Add(t.repeat)
			heap.Push(&l.timers, t)
		}
	}
	return due
}

func (l *Loop) snapshotIdlers() []*Idler {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Idler, len(l.idlers))
	copy(out, l.idlers)
	return out
}

// Run drains the loop until Stop is called. It owns the calling goroutine
// for its duration; every Handle registered against l must only be touched
// from callbacks Run invokes (directly, or via Post).
func (l *Loop) Run() {
	l.owner.Store(goroutineID())
	l.running.Store(true)
	defer l.running.Store(false)
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.drainDeferred()
			return
		case f := <-l.tasks:
			f()
			l.drainDeferred()
			continue
		default:
		}

		deadline, hasTimer := l.nextTimerDeadline()
		var timeout <-chan time.Time
		if hasTimer {
			d := time.Until(deadline)
			if d <= 0 {
				l.fireDueTimers()
				l.drainDeferred()
				continue
			}
			tm := time.NewTimer(d)
			defer tm.Stop()
			timeout = tm.C
		} else if idlers := l.snapshotIdlers(); len(idlers) > 0 {
			for _, idler := range idlers {
				idler.fire()
			}
			l.drainDeferred()
			continue
		}

		select {
		case <-l.stop:
			l.drainDeferred()
			return
		case f := <-l.tasks:
			f()
		case <-timeout:
			l.fireDueTimers()
		}
		l.drainDeferred()
	}
}

func (l *Loop) fireDueTimers() {
	for _, t := range l.popDueTimers(time.Now()) {
		if t.cancelled.Load() {
			continue
		}
		t.onFire()
	}
}

func (l *Loop) drainDeferred() {
	for {
		select {
		case f := <-l.deferred:
			f()
		default:
			return
		}
	}
}

// Stop ends Run at its next opportunity. Idempotent.
func (l *Loop) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}
