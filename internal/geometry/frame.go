// Package geometry maps global tracking-space positions into the pan and
// tilt actuator frames and derives mirror angles from them.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/units"
)

// ErrSingularRotation is returned when the calibration rotation cannot be
// inverted.
var ErrSingularRotation = errors.New("rotation matrix is singular")

// singularDet is the determinant magnitude below which a rotation is treated
// as singular. Calibration rotations are orthonormal, so |det| is close to 1.
const singularDet = 1e-9

// Frame is the static calibration relating the global frame to the pan and
// tilt frames. Pan and tilt rotate about different points, so each has its
// own origin; both share one rotation. The inverse rotation is computed once
// at construction.
type Frame struct {
	panOrigin  r3.Vector
	tiltOrigin r3.Vector
	meanOrigin r3.Vector
	rot        [3][3]float64
	inv        [3][3]float64
}

// NewFrame builds a Frame and inverts its rotation.
func NewFrame(panOrigin, tiltOrigin r3.Vector, rotation [3][3]float64) (*Frame, error) {
	data := make([]float64, 0, 9)
	for _, row := range rotation {
		data = append(data, row[:]...)
	}
	r := mat.NewDense(3, 3, data)
	if math.Abs(mat.Det(r)) < singularDet {
		return nil, ErrSingularRotation
	}
	var inv mat.Dense
	if err := inv.Inverse(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSingularRotation, err)
	}

	f := &Frame{
		panOrigin:  panOrigin,
		tiltOrigin: tiltOrigin,
		meanOrigin: panOrigin.Add(tiltOrigin).Mul(0.5),
		rot:        rotation,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			f.inv[i][j] = inv.At(i, j)
		}
	}
	return f, nil
}

// FrameFromConfig builds the calibration frame of a validated device config.
// A singular rotation is reported as a configuration error.
func FrameFromConfig(cfg *config.DeviceConfig) (*Frame, error) {
	c := cfg.Calibration
	if c == nil {
		return nil, &config.ConfigError{Device: cfg.ID, Key: "calibration", Reason: "missing"}
	}
	var rot [3][3]float64
	for i := range rot {
		copy(rot[i][:], c.RotationMatrix[i])
	}
	f, err := NewFrame(vec(c.PanOrigin), vec(c.TiltOrigin), rot)
	if err != nil {
		return nil, &config.ConfigError{Device: cfg.ID, Key: "calibration.rotation_matrix", Reason: err.Error()}
	}
	return f, nil
}

func vec(v []float64) r3.Vector {
	return r3.Vector{X: v[0], Y: v[1], Z: v[2]}
}

func apply(m *[3][3]float64, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m[0][0]*v.X + m[0][1]*v.Y + m[0][2]*v.Z,
		Y: m[1][0]*v.X + m[1][1]*v.Y + m[1][2]*v.Z,
		Z: m[2][0]*v.X + m[2][1]*v.Y + m[2][2]*v.Z,
	}
}

// PanLocal maps a global position into the pan frame: R⁻¹·(p − pan_origin).
func (f *Frame) PanLocal(p r3.Vector) r3.Vector {
	return apply(&f.inv, p.Sub(f.panOrigin))
}

// TiltLocal maps a global position into the tilt frame.
func (f *Frame) TiltLocal(p r3.Vector) r3.Vector {
	return apply(&f.inv, p.Sub(f.tiltOrigin))
}

// PanGlobal is the inverse of PanLocal.
func (f *Frame) PanGlobal(local r3.Vector) r3.Vector {
	return apply(&f.rot, local).Add(f.panOrigin)
}

// TiltGlobal is the inverse of TiltLocal.
func (f *Frame) TiltGlobal(local r3.Vector) r3.Vector {
	return apply(&f.rot, local).Add(f.tiltOrigin)
}

// MeanOrigin is the midpoint of the pan and tilt origins.
func (f *Frame) MeanOrigin() r3.Vector { return f.meanOrigin }

// DistanceM returns the distance from the mean origin to p, in metres.
// p is in millimetres.
func (f *Frame) DistanceM(p r3.Vector) float64 {
	return units.MMToM(p.Sub(f.meanOrigin).Norm())
}

// Angles returns the azimuth and elevation of a local-frame position, in
// degrees. Azimuth is measured from +X towards +Y, elevation from the XY
// plane towards +Z.
func Angles(local r3.Vector) (azimuth, elevation float64) {
	azimuth = math.Atan2(local.Y, local.X) * 180 / math.Pi
	elevation = math.Atan2(local.Z, math.Hypot(local.X, local.Y)) * 180 / math.Pi
	return azimuth, elevation
}
