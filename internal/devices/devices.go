// Package devices defines the capability interfaces the control loop needs
// from its hardware collaborators, a registry that opens them from device
// config, and simulated implementations for dev mode and tests.
package devices

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"
)

// ActuatorDriver drives the pan/tilt mirror motors.
type ActuatorDriver interface {
	Open() error
	Close() error
	// SetSyncAngles commands both motors in one synchronized write.
	SetSyncAngles(panDeg, tiltDeg float64) error
	// SyncAngles reads both encoder angles.
	SyncAngles() (panDeg, tiltDeg float64, err error)
}

// LensAxis names a motorized lens axis.
type LensAxis int

const (
	LensZoom LensAxis = iota
	LensFocus
	LensIris
)

func (a LensAxis) String() string {
	switch a {
	case LensZoom:
		return "zoom"
	case LensFocus:
		return "focus"
	case LensIris:
		return "iris"
	default:
		return fmt.Sprintf("LensAxis(%d)", int(a))
	}
}

// LensDriver drives the motorized lens.
type LensDriver interface {
	Connect() error
	Disconnect() error
	MoveAbsolute(axis LensAxis, steps int) error
	MoveRelative(axis LensAxis, delta int) error
	// Position returns the current step position of axis.
	Position(axis LensAxis) (int, error)
}

// MeasurementSource supplies the target position each cycle.
type MeasurementSource interface {
	Start(ctx context.Context) error
	// Current returns the latest position in mm, global frame. When lost is
	// true the position is meaningless.
	Current() (pos r3.Vector, lost bool)
	Close() error
}
