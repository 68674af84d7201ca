package sked

import "time"

// Task is one schedulable unit of work, grounded on sked::Task's
// beforeRun/run/afterRun lifecycle: BeforeRun can veto a run (the
// original's "task list may have changed during the timeout duration"
// guard), Run does the work, and AfterRun's return value decides whether
// the task stays scheduled (true, matching the original's onRun/repeat
// path) or is removed after this run (false, matching destroy-after-run).
type Task struct {
	// ID names the task for logging and Scheduler.Cancel.
	ID string

	// Trigger decides when this task next runs.
	Trigger Trigger

	// Run performs the task's work. Required.
	Run func()

	// BeforeRun, if set, gates whether Run fires this cycle. Returning
	// false skips this cycle without affecting future scheduling.
	BeforeRun func() bool

	// AfterRun, if set, decides whether the task is rescheduled after
	// Run returns. The zero value (nil) means "always reschedule",
	// matching a Trigger like Every that's meant to run indefinitely.
	AfterRun func() bool

	lastRun time.Time
	next    time.Time
	index   int // heap position, maintained by Scheduler
}

func (t *Task) computeNext() (ok bool) {
	t.next, ok = t.Trigger.Next(t.lastRun)
	return ok
}
