package timeutil

import (
	"runtime"
	"time"
)

// Sleeper pauses the calling goroutine. The control loop sleeps through a
// Sleeper so the pacing policy is chosen once per process.
type Sleeper interface {
	Sleep(d time.Duration)
}

// PerfSleeper sleeps with sub-millisecond accuracy. The bulk of the interval
// is spent in the scheduler's sleep, and the last SpinWindow is spent
// yielding in a loop against the clock, which avoids the coarse wakeup
// granularity of a plain time.Sleep on short intervals.
type PerfSleeper struct {
	Clock      Clock
	SpinWindow time.Duration
}

// DefaultSpinWindow is how much of each sleep is spent spinning.
const DefaultSpinWindow = 200 * time.Microsecond

// NewPerfSleeper returns a PerfSleeper on the given clock. A nil clock uses
// the wall clock.
func NewPerfSleeper(clock Clock) *PerfSleeper {
	if clock == nil {
		clock = RealClock{}
	}
	return &PerfSleeper{Clock: clock, SpinWindow: DefaultSpinWindow}
}

// Sleep blocks for d.
func (s *PerfSleeper) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if _, wall := s.Clock.(RealClock); !wall {
		s.Clock.Sleep(d)
		return
	}
	deadline := time.Now().Add(d)
	if coarse := d - s.SpinWindow; coarse > 0 {
		time.Sleep(coarse)
	}
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

// SleepMs is a convenience wrapper taking milliseconds.
func (s *PerfSleeper) SleepMs(ms float64) {
	s.Sleep(time.Duration(ms * float64(time.Millisecond)))
}
