package geometry

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/pursuit/internal/config"
)

// Direction selects how a geometric angle orders onto the motor band.
type Direction int

const (
	// Decreasing maps +Domain to the low end of the band.
	Decreasing Direction = iota
	// Increasing maps +Domain to the high end of the band.
	Increasing
)

// ParseDirection converts a config direction string.
func ParseDirection(s string) Direction {
	if s == config.DirectionIncreasing {
		return Increasing
	}
	return Decreasing
}

func (d Direction) String() string {
	if d == Increasing {
		return config.DirectionIncreasing
	}
	return config.DirectionDecreasing
}

const (
	DefaultDomain    = 45.0
	DefaultHalfRange = 22.5
)

// AxisMap linearly rescales a geometric angle in [-Domain, Domain] onto the
// motor band [Mid-HalfRange, Mid+HalfRange]. Results are clamped to the band
// and rounded to two decimals.
type AxisMap struct {
	Mid       float64
	HalfRange float64
	Domain    float64
	Direction Direction
}

// NewAxisMap returns an AxisMap with the default ±45° domain and ±22.5° band.
func NewAxisMap(mid float64, dir Direction) AxisMap {
	return AxisMap{Mid: mid, HalfRange: DefaultHalfRange, Domain: DefaultDomain, Direction: dir}
}

// Map converts a geometric angle to a motor angle in degrees.
func (m AxisMap) Map(angle float64) float64 {
	lo, hi := m.Mid-m.HalfRange, m.Mid+m.HalfRange
	inMin, inMax := m.Domain, -m.Domain
	if m.Direction == Increasing {
		inMin, inMax = -m.Domain, m.Domain
	}
	v := numToRange(angle, inMin, inMax, lo, hi)
	v = math.Max(lo, math.Min(hi, v))
	return math.Round(v*100) / 100
}

func numToRange(x, inMin, inMax, outMin, outMax float64) float64 {
	return (x-inMin)*(outMax-outMin)/(inMax-inMin) + outMin
}

// Transform turns a global target position into motor angles.
type Transform struct {
	Frame *Frame
	Pan   AxisMap
	Tilt  AxisMap
}

// NewTransform builds the transform for a validated device config.
func NewTransform(cfg *config.DeviceConfig) (*Transform, error) {
	f, err := FrameFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	mid := cfg.GetMirrorMid()
	return &Transform{
		Frame: f,
		Pan:   NewAxisMap(mid, ParseDirection(cfg.GetPanDirection())),
		Tilt:  NewAxisMap(mid, ParseDirection(cfg.GetTiltDirection())),
	}, nil
}

// Angles returns the pan and tilt motor angles for a global position. Pan
// uses the azimuth in the pan frame, tilt the elevation in the tilt frame.
func (t *Transform) Angles(p r3.Vector) (pan, tilt float64) {
	az, _ := Angles(t.Frame.PanLocal(p))
	_, el := Angles(t.Frame.TiltLocal(p))
	return t.Pan.Map(az), t.Tilt.Map(el)
}
