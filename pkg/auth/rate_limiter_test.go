package auth

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestRateLimiterAllow(t *testing.T) {
	Convey("Given a limiter with capacity 2", t, func() {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		rl := NewRateLimiter(2, time.Second)
		rl.now = func() time.Time { return clock }
		rl.last = clock

		ok1 := rl.Allow()
		ok2 := rl.Allow()
		ok3 := rl.Allow()

		Convey("Then the third call should be limited", func() {
			So(ok1, ShouldBeTrue)
			So(ok2, ShouldBeTrue)
			So(ok3, ShouldBeFalse)
			So(rl.WaitTime(), ShouldEqual, 500*time.Millisecond)
		})

		Convey("And after waiting it allows again", func() {
			clock = clock.Add(time.Second)
			So(rl.Allow(), ShouldBeTrue)
		})

		Convey("And a reset refills the bucket", func() {
			rl.Reset()
			So(rl.WaitTime(), ShouldEqual, time.Duration(0))
			So(rl.Allow(), ShouldBeTrue)
		})
	})
}

func TestNewRateLimiterRejectsZero(t *testing.T) {
	Convey("When creating a limiter without a rate", t, func() {
		So(func() { NewRateLimiter(0, time.Second) }, ShouldPanic)
	})
}
