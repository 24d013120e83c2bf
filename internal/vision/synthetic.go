package vision

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/pursuit/internal/timeutil"
)

// SyntheticSource emits empty timestamped frame pairs at a fixed rate. It
// stands in for the stereo cameras in dev mode.
type SyntheticSource struct {
	FPS   float64
	Clock timeutil.Clock
	// Limit stops the source after this many pairs. Zero means unlimited.
	Limit int

	n int
}

// Next implements FrameSource.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, Frame, error) {
	if s.Clock == nil {
		s.Clock = timeutil.RealClock{}
	}
	if s.Limit > 0 && s.n >= s.Limit {
		return Frame{}, Frame{}, io.EOF
	}
	if s.FPS > 0 {
		s.Clock.Sleep(time.Duration(float64(time.Second) / s.FPS))
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, Frame{}, err
	}
	s.n++
	f := Frame{Timestamp: s.Clock.Now()}
	return f, f, nil
}

func (s *SyntheticSource) Close() error { return nil }

// OrbitDetector reports a target moving on a horizontal circle, derived from
// the frame timestamp. Every MissEvery-th frame reports no detection.
type OrbitDetector struct {
	Center    r3.Vector
	RadiusMM  float64
	Period    time.Duration
	MissEvery int

	epoch time.Time
	n     int
}

// NewOrbitDetector returns a detector circling 3m ahead of the origin.
func NewOrbitDetector() *OrbitDetector {
	return &OrbitDetector{
		Center:   r3.Vector{X: 3000, Y: 0, Z: 0},
		RadiusMM: 500,
		Period:   4 * time.Second,
	}
}

// Update implements Detector.
func (d *OrbitDetector) Update(left, _ Frame) (r3.Vector, bool) {
	d.n++
	if d.MissEvery > 0 && d.n%d.MissEvery == 0 {
		return r3.Vector{}, false
	}
	if d.epoch.IsZero() {
		d.epoch = left.Timestamp
	}
	phase := 2 * math.Pi * left.Timestamp.Sub(d.epoch).Seconds() / d.Period.Seconds()
	return d.Center.Add(r3.Vector{
		Y: d.RadiusMM * math.Cos(phase),
		Z: d.RadiusMM * math.Sin(phase),
	}), true
}
