package sked

import (
	"container/heap"
	"time"

	"github.com/rs/zerolog"

	"github.com/sourcey/libsourcey-go/internal/async"
	"github.com/sourcey/libsourcey-go/internal/logging"
)

// Scheduler runs Tasks on their Trigger's schedule. All task bookkeeping
// (the heap, byID) is only ever touched on loop's goroutine: Schedule,
// Cancel and Clear always hop onto the loop via Post, whatever goroutine
// calls them,
// mirroring the original Scheduler's Mutex::ScopedLock guard around
// _tasks but replacing the lock with loop-affinity, per spec.md §5.
type Scheduler struct {
	loop  *async.Loop
	tasks taskHeap
	byID  map[string]*Task
	timer *async.Timer
	log   zerolog.Logger
}

// New creates a Scheduler bound to loop. It runs no tasks until Schedule
// is called.
func New(loop *async.Loop) *Scheduler {
	s := &Scheduler{
		loop: loop,
		byID: make(map[string]*Task),
		log:  logging.New("sked", nil),
	}
	s.timer = async.NewTimer(loop, s.fire)
	return s
}

// Schedule adds task to the scheduler, computing its first run time from
// its Trigger. A task whose Trigger is already exhausted (Next returns
// ok=false) is a no-op, matching the original's "timeout() false" skip.
func (s *Scheduler) Schedule(task *Task) {
	s.loop.Post(func() {
		if !task.computeNext() {
			s.log.Debug().Str("task", task.ID).Msg("trigger already exhausted, not scheduling")
			return
		}
		if task.ID != "" {
			if old, ok := s.byID[task.ID]; ok {
				s.removeLocked(old)
			}
			s.byID[task.ID] = task
		}
		heap.Push(&s.tasks, task)
		s.rearm()
	})
}

// Cancel removes the task with the given ID, if scheduled. Safe to call
// from any goroutine.
func (s *Scheduler) Cancel(id string) {
	s.loop.Post(func() {
		task, ok := s.byID[id]
		if !ok {
			return
		}
		s.removeLocked(task)
		s.rearm()
	})
}

// Clear removes every scheduled task.
func (s *Scheduler) Clear() {
	s.loop.Post(func() {
		s.tasks = nil
		s.byID = make(map[string]*Task)
		s.timer.Stop()
	})
}

// removeLocked drops task from the heap and byID map. Must run on loop.
func (s *Scheduler) removeLocked(task *Task) {
	delete(s.byID, task.ID)
	if task.index >= 0 && task.index < len(s.tasks) && s.tasks[task.index] == task {
		heap.Remove(&s.tasks, task.index)
	}
}

// rearm re-points the backing Timer at the earliest scheduled task's next
// run time, or stops it if the scheduler is empty. Must run on loop.
func (s *Scheduler) rearm() {
	if len(s.tasks) == 0 {
		s.timer.Stop()
		return
	}
	delay := time.Until(s.tasks[0].next)
	if delay < 0 {
		delay = 0
	}
	s.timer.After(delay)
}

// fire runs every task whose next run time has arrived, in original
// order ("Run the task" in Scheduler::run), then reschedules or drops
// each according to its AfterRun result, matching the original's
// destroy-after-run vs onRun branches.
func (s *Scheduler) fire() {
	now := time.Now()
	for len(s.tasks) > 0 && !s.tasks[0].next.After(now) {
		task := heap.Pop(&s.tasks).(*Task)
		delete(s.byID, task.ID)

		if task.BeforeRun != nil && !task.BeforeRun() {
			s.log.Debug().Str("task", task.ID).Msg("skipping task, beforeRun vetoed")
			// The original leaves a vetoed task's schedule untouched and
			// re-polls it every 3ms, which only works because its loop
			// never blocks on anything else. A loop-owned timer can't
			// busy-spin like that without starving everything else on
			// the loop, so a veto here consumes this due time and moves
			// the task to its Trigger's next occurrence instead.
			task.lastRun = task.next
			if task.computeNext() {
				if task.ID != "" {
					s.byID[task.ID] = task
				}
				heap.Push(&s.tasks, task)
			}
			continue
		}

		s.log.Debug().Str("task", task.ID).Msg("running task")
		task.Run()
		task.lastRun = now

		repeat := true
		if task.AfterRun != nil {
			repeat = task.AfterRun()
		}
		if !repeat {
			continue
		}
		if task.computeNext() {
			if task.ID != "" {
				s.byID[task.ID] = task
			}
			heap.Push(&s.tasks, task)
		}
	}
	s.rearm()
}

// taskHeap is a container/heap.Interface min-heap over *Task ordered by
// next run time, replacing the original's std::sort-on-every-update with
// an incrementally maintained heap -- same "next task to trigger is at
// the front" invariant, cheaper to keep up to date.
type taskHeap []*Task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].next.Before(h[j].next) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*Task); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
