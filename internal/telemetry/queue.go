package telemetry

import (
	"sync/atomic"

	"github.com/banshee-data/pursuit/internal/monitoring"
)

// DefaultQueueSize is used when NewQueue is given a non-positive size.
const DefaultQueueSize = 256

// Queue is a bounded single-consumer channel of samples. TryPush never
// blocks: when the queue is full the new sample is dropped and counted.
type Queue struct {
	ch      chan Sample
	dropped atomic.Uint64
	full    *monitoring.Sampler
}

// NewQueue returns a Queue holding at most size samples.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		ch:   make(chan Sample, size),
		full: monitoring.NewSampler(100),
	}
}

// TryPush enqueues s and reports whether it was accepted.
func (q *Queue) TryPush(s Sample) bool {
	select {
	case q.ch <- s:
		return true
	default:
		q.dropped.Add(1)
		q.full.Logf("telemetry queue full (%d), dropping sample", cap(q.ch))
		return false
	}
}

// C returns the receive side for the consumer.
func (q *Queue) C() <-chan Sample { return q.ch }

// Drain discards everything currently queued and returns the count.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the number of samples rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
