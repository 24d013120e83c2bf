// Package focus converts target distance to lens focus motor steps and
// decides when a new focus move is worth issuing.
package focus

import "math"

const (
	MinSteps = 0
	MaxSteps = 65535
)

// Controller evaluates the lens calibration polynomial.
type Controller struct {
	// Coefficients of the distance→steps polynomial, highest degree first.
	// Distance is in metres.
	Coefficients []float64
}

// NewController returns a controller for the given calibration. A nil or
// empty coefficient slice yields an uncalibrated controller.
func NewController(coefficients []float64) *Controller {
	c := make([]float64, len(coefficients))
	copy(c, coefficients)
	return &Controller{Coefficients: c}
}

// Calibrated reports whether the controller has coefficients.
func (c *Controller) Calibrated() bool {
	return c != nil && len(c.Coefficients) > 0
}

// DistanceToSteps returns the focus position for distanceM, clamped to
// [MinSteps, MaxSteps]. An uncalibrated controller returns 0; callers treat
// that as "no focus move".
func (c *Controller) DistanceToSteps(distanceM float64) int {
	if !c.Calibrated() {
		return 0
	}
	v := Polyval(c.Coefficients, distanceM)
	if math.IsNaN(v) {
		return 0
	}
	if v <= MinSteps {
		return MinSteps
	}
	if v >= MaxSteps {
		return MaxSteps
	}
	return int(v)
}

// Polyval evaluates a polynomial with coefficients highest degree first.
func Polyval(coefficients []float64, x float64) float64 {
	var y float64
	for _, c := range coefficients {
		y = y*x + c
	}
	return y
}

// Gate suppresses focus moves until the distance has changed by more than
// Threshold since the last commanded move.
type Gate struct {
	Controller *Controller
	Threshold  float64 // metres

	last  float64
	moves uint64
}

// NewGate returns a Gate. The last commanded distance starts at 0, so the
// first target further than Threshold triggers a move.
func NewGate(c *Controller, thresholdM float64) *Gate {
	return &Gate{Controller: c, Threshold: thresholdM}
}

// Check returns the focus steps to command for distanceM and whether a move
// should be issued at all. Uncalibrated controllers never move.
func (g *Gate) Check(distanceM float64) (int, bool) {
	if !g.Controller.Calibrated() {
		return 0, false
	}
	if math.Abs(distanceM-g.last) <= g.Threshold {
		return 0, false
	}
	g.last = distanceM
	g.moves++
	return g.Controller.DistanceToSteps(distanceM), true
}

// LastDistance returns the distance of the last commanded move.
func (g *Gate) LastDistance() float64 { return g.last }

// Moves returns the number of moves issued.
func (g *Gate) Moves() uint64 { return g.moves }
