// Package clock supplies the seconds counter used for per-peer timers,
// wrapping github.com/jonboulle/clockwork so tests can inject a fake clock
// instead of sleeping real wall time.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock reports a second counter. All peer timers (last_rx, last_tx,
// last_ping, bubble/ping windows) are compared using this value.
// NowSeconds is the Unix time in whole seconds of Now; with the real clock
// it follows wall-clock adjustments and is not monotonic.
type Clock interface {
	NowSeconds() int64
	Now() time.Time
}

type realClock struct {
	clockwork.Clock
}

// New returns a Clock backed by the real system clock.
func New() Clock {
	return &realClock{Clock: clockwork.NewRealClock()}
}

func (c *realClock) NowSeconds() int64 {
	return c.Clock.Now().Unix()
}

// FakeClock is a controllable Clock for tests.
type FakeClock struct {
	clockwork.FakeClock
}

// NewFake returns a FakeClock fixed at an arbitrary but stable instant.
func NewFake() *FakeClock {
	return &FakeClock{FakeClock: clockwork.NewFakeClock()}
}

func (c *FakeClock) NowSeconds() int64 {
	return c.FakeClock.Now().Unix()
}

func (c *FakeClock) Now() time.Time {
	return c.FakeClock.Now()
}
