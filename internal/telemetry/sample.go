// Package telemetry carries per-cycle control samples off the control loop.
// The loop pushes without blocking; a consumer drains the queue into the
// device-state store and, optionally, a PNG run report.
package telemetry

import (
	"time"

	"github.com/golang/geo/r3"
)

// Sample is one control cycle's record.
type Sample struct {
	Timestamp time.Time
	Position  r3.Vector // mm, estimate the cycle acted on
	DistanceM float64

	PanDeg  float64 // commanded
	TiltDeg float64

	// Encoder readback. EncoderOK is false when the read failed.
	EncoderPanDeg  float64
	EncoderTiltDeg float64
	EncoderOK      bool

	FocusSteps int
	FocusMoved bool
}

// PanErrorDeg returns commanded minus encoder pan, or 0 without a reading.
func (s Sample) PanErrorDeg() float64 {
	if !s.EncoderOK {
		return 0
	}
	return s.PanDeg - s.EncoderPanDeg
}

// TiltErrorDeg returns commanded minus encoder tilt, or 0 without a reading.
func (s Sample) TiltErrorDeg() float64 {
	if !s.EncoderOK {
		return 0
	}
	return s.TiltDeg - s.EncoderTiltDeg
}
