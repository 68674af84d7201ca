package sked

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTriggersComputeNextRunTime(t *testing.T) {
	Convey("Given the scheduler's Trigger implementations", t, func() {
		now := time.Now()

		Convey("At fires once at its configured time and never again", func() {
			when := now.Add(time.Hour)
			next, ok := At(when).Next(time.Time{})
			So(ok, ShouldBeTrue)
			So(next.Equal(when), ShouldBeTrue)

			_, ok = At(when).Next(now)
			So(ok, ShouldBeFalse)
		})

		Convey("Every computes the first fire Interval from now", func() {
			next, ok := Every{Interval: time.Minute}.Next(time.Time{})
			So(ok, ShouldBeTrue)
			So(next.After(now), ShouldBeTrue)
			So(next.Before(now.Add(2*time.Minute)), ShouldBeTrue)
		})

		Convey("Every computes subsequent fires Interval after the last run", func() {
			last := now
			next, ok := Every{Interval: 5 * time.Second}.Next(last)
			So(ok, ShouldBeTrue)
			So(next.Equal(last.Add(5*time.Second)), ShouldBeTrue)
		})

		Convey("Every with a non-positive interval never fires", func() {
			_, ok := Every{}.Next(time.Time{})
			So(ok, ShouldBeFalse)
		})

		Convey("Daily always lands within the next 24 hours", func() {
			next, ok := Daily{Hour: 3, Minute: 30}.Next(time.Time{})
			So(ok, ShouldBeTrue)
			So(next.After(now), ShouldBeTrue)
			So(next.Before(now.Add(24*time.Hour+time.Minute)), ShouldBeTrue)
		})
	})
}
