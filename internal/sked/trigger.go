// Package sked is a task scheduler layered on internal/async's Timer,
// grounded on original_source/src/sked/src/scheduler.cpp's Scheduler:
// that C++ scheduler keeps a mutex-guarded task list sorted by next
// trigger time and polls it every 3ms (scy::sleep(3)), running whichever
// task is at the front once its trigger times out. This package drops
// the poll loop in favor of a single loop-owned internal/async.Timer
// that's always armed for exactly the next task's deadline, per
// spec.md §5's "external code posts work onto the loop rather than
// polling it" philosophy -- the behavior (sorted task list, one task at
// a time, run/beforeRun/afterRun lifecycle) is unchanged.
package sked

import "time"

// Trigger computes a task's next run time given the last time it ran (the
// zero Time if it has never run). ok is false once the trigger will never
// fire again, mirroring the original's Trigger::timeout()/expired() pair
// collapsed into one call.
type Trigger interface {
	Next(last time.Time) (next time.Time, ok bool)
}

// At fires exactly once, at the given time.
type At time.Time

func (a At) Next(last time.Time) (time.Time, bool) {
	if !last.IsZero() {
		return time.Time{}, false
	}
	return time.Time(a), true
}

// Every fires repeatedly, Interval apart, starting Interval after the
// scheduler first sees the task.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(last time.Time) (time.Time, bool) {
	if e.Interval <= 0 {
		return time.Time{}, false
	}
	if last.IsZero() {
		return time.Now().Add(e.Interval), true
	}
	return last.Add(e.Interval), true
}

// Daily fires once per day at the given hour/minute/second, in loc (UTC
// if loc is nil).
type Daily struct {
	Hour, Minute, Second int
	Location             *time.Location
}

func (d Daily) Next(last time.Time) (time.Time, bool) {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, d.Second, 0, loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, true
}
