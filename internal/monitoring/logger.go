// Package monitoring holds the process-wide diagnostic logger used on hot
// paths such as the control cycle and the vision channel.
package monitoring

import (
	"log"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but
// may be replaced by SetLogger so tests can capture or mute cycle output.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Sampler rate-limits a recurring message by occurrence count. The first
// occurrence (or the first Burst, when set) is always logged, then every
// Every-th one, with the number of suppressed occurrences appended.
type Sampler struct {
	Every uint64
	Burst uint64

	mu         sync.Mutex
	count      uint64
	suppressed uint64
}

// NewSampler returns a Sampler that logs one in every n occurrences.
func NewSampler(n uint64) *Sampler {
	if n == 0 {
		n = 1
	}
	return &Sampler{Every: n}
}

// NewBurstSampler returns a Sampler that logs the first burst occurrences
// and then one in every n.
func NewBurstSampler(burst, n uint64) *Sampler {
	s := NewSampler(n)
	s.Burst = burst
	return s
}

// Logf records an occurrence and logs it if it falls on the sampling stride.
// It reports whether the message was emitted.
func (s *Sampler) Logf(format string, v ...interface{}) bool {
	s.mu.Lock()
	s.count++
	emit := s.count == 1 || s.count <= s.Burst || s.count%s.Every == 0
	suppressed := s.suppressed
	if emit {
		s.suppressed = 0
	} else {
		s.suppressed++
	}
	s.mu.Unlock()

	if !emit {
		return false
	}
	if suppressed > 0 {
		Logf(format+" (%d similar suppressed)", append(v, suppressed)...)
	} else {
		Logf(format, v...)
	}
	return true
}

// Count returns the total number of recorded occurrences.
func (s *Sampler) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
