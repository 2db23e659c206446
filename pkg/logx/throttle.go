package logx

import (
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Throttle caps how many warnings per second reach the Warn level.
// Suppressed warnings are demoted to Debug instead of being lost.
//
// Zero value allows everything.
type Throttle struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// NewThrottle returns a throttle allowing perSec warnings per second.
// perSec <= 0 disables throttling.
func NewThrottle(perSec int) *Throttle {
	t := &Throttle{}
	t.SetRate(perSec)
	return t
}

// SetRate swaps the limit. Safe to call concurrently with Warn.
func (t *Throttle) SetRate(perSec int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if perSec <= 0 {
		t.lim = nil
		return
	}
	t.lim = rate.NewLimiter(rate.Limit(perSec), perSec)
}

func (t *Throttle) allow() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	lim := t.lim
	t.mu.Unlock()
	return lim == nil || lim.Allow()
}

// Warn logs at warn level when the budget allows, debug otherwise.
func (t *Throttle) Warn(l Logger, msg string, fields ...Field) {
	if t.allow() {
		l.logSkip(3, zerolog.WarnLevel, msg, fields...)
		return
	}
	l.logSkip(3, zerolog.DebugLevel, msg, append(fields, Bool("throttled", true))...)
}
