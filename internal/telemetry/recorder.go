package telemetry

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/pursuit/internal/timeutil"
)

// Store persists batches of samples for a run. The slice is reused once the
// call returns.
type Store interface {
	InsertTelemetrySamples(runID string, samples []Sample) error
}

// Recorder drains a Queue into a Store in batches and feeds an optional
// Plotter. It is the only consumer of the queue.
type Recorder struct {
	Queue   *Queue
	Store   Store // optional
	Plotter *Plotter
	RunID   string

	BatchSize     int
	FlushInterval time.Duration
	Clock         timeutil.Clock

	recorded  uint64
	failed    uint64
	lastError error
}

// NewRecorder returns a recorder with a 100-sample batch and 1s flush.
func NewRecorder(q *Queue, store Store, runID string) *Recorder {
	return &Recorder{
		Queue:         q,
		Store:         store,
		RunID:         runID,
		BatchSize:     100,
		FlushInterval: time.Second,
		Clock:         timeutil.RealClock{},
	}
}

// Run consumes samples until ctx is done, then flushes whatever remains
// queued. It returns the last store error, if any.
func (r *Recorder) Run(ctx context.Context) error {
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.FlushInterval <= 0 {
		r.FlushInterval = time.Second
	}
	if r.Clock == nil {
		r.Clock = timeutil.RealClock{}
	}
	ticker := r.Clock.NewTicker(r.FlushInterval)
	defer ticker.Stop()

	batch := make([]Sample, 0, r.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.collectRemaining(batch)
			r.flush(batch)
			log.Printf("Telemetry recorder stopped: %d samples recorded, %d failed, %d dropped at queue",
				r.recorded, r.failed, r.Queue.Dropped())
			return r.lastError
		case s := <-r.Queue.C():
			batch = r.add(batch, s)
			if len(batch) >= r.BatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C():
			batch = r.flush(batch)
		}
	}
}

func (r *Recorder) add(batch []Sample, s Sample) []Sample {
	if r.Plotter != nil {
		r.Plotter.Sample(s)
	}
	return append(batch, s)
}

func (r *Recorder) collectRemaining(batch []Sample) []Sample {
	for {
		select {
		case s := <-r.Queue.C():
			batch = r.add(batch, s)
		default:
			return batch
		}
	}
}

func (r *Recorder) flush(batch []Sample) []Sample {
	if len(batch) == 0 {
		return batch
	}
	if r.Store == nil {
		r.recorded += uint64(len(batch))
		return batch[:0]
	}
	if err := r.Store.InsertTelemetrySamples(r.RunID, batch); err != nil {
		r.failed += uint64(len(batch))
		r.lastError = err
		log.Printf("Failed to record %d telemetry samples: %v", len(batch), err)
	} else {
		r.recorded += uint64(len(batch))
	}
	return batch[:0]
}

// Recorded returns the number of samples handed to the store.
func (r *Recorder) Recorded() uint64 { return r.recorded }
