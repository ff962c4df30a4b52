// Package ratelimit implements the per-second token bucket that bounds
// ICMPv6 error emission.
package ratelimit

import (
	"sync"

	"github.com/teredo-go/teredo/internal/clock"
)

// DefaultRateMs is the default ICMP_RATE_LIMIT_MS: a new token becomes
// available every this many milliseconds, refilled in bulk once per wall
// clock second.
const DefaultRateMs = 100 // 1000/100 = 10 tokens/second

// Limiter is a per-second token bucket. It is safe for concurrent use.
type Limiter struct {
	mu sync.Mutex

	clk        clock.Clock
	perSecond  int
	lastSecond int64
	remaining  int
}

// New constructs a Limiter that allows perSecond emissions each wall-clock
// second, using clk for time.
func New(clk clock.Clock, perSecond int) *Limiter {
	if perSecond <= 0 {
		perSecond = 1000 / DefaultRateMs
	}
	return &Limiter{clk: clk, perSecond: perSecond}
}

// Allow consumes one token if available, reporting whether emission should
// proceed. Each new wall-clock second refills the bucket to perSecond
// regardless of how many tokens remained.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.NowSeconds()
	if now != l.lastSecond {
		l.lastSecond = now
		l.remaining = l.perSecond
	}
	if l.remaining <= 0 {
		return false
	}
	l.remaining--
	return true
}
