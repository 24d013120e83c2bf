// Package fusion turns the per-cycle target measurement into the position the
// mirror is steered at. The filtered path runs an adaptive Kalman filter with
// latency compensation; the bypass path hands the raw measurement through.
package fusion

import (
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/units"
)

// Measurement is one cycle's reading from the measurement source.
type Measurement struct {
	Position r3.Vector // mm, global frame
	Lost     bool
}

// Estimate is the position the current cycle acts on. When Lost is set there
// is nothing to act on and the cycle skips actuation.
type Estimate struct {
	Position r3.Vector // mm
	Velocity r3.Vector // mm/s, zero on the bypass path
	Lost     bool
}

// Estimator produces one Estimate per control cycle. dt is the time since
// the previous cycle.
type Estimator interface {
	Step(m Measurement, dt time.Duration) Estimate
}

// Filtered runs predict, update and adapt in that order against a single
// Kalman instance, then applies latency compensation and a speed-gated lead.
type Filtered struct {
	Kalman *Kalman

	// Latency is the fixed look-ahead applied after filtering.
	Latency time.Duration
	// Lead is the extra linear extrapolation applied when the estimated
	// speed exceeds LeadSpeedMPS.
	Lead         time.Duration
	LeadSpeedMPS float64
}

// NewFiltered returns a Filtered estimator with the default lead policy:
// 1ms latency compensation, 2ms extra lead above 5 m/s.
func NewFiltered(k *Kalman) *Filtered {
	return &Filtered{
		Kalman:       k,
		Latency:      time.Millisecond,
		Lead:         2 * time.Millisecond,
		LeadSpeedMPS: 5.0,
	}
}

// Step implements Estimator.
func (f *Filtered) Step(m Measurement, dt time.Duration) Estimate {
	f.Kalman.Predict(dt)
	if !m.Lost {
		f.Kalman.Update(m.Position)
		f.Kalman.AdaptProcessNoise(m.Position)
	}
	if !f.Kalman.Initialized() {
		return Estimate{Lost: true}
	}

	pos, vel := f.Kalman.PredictWithLatency(f.Latency)
	if units.MMPSToMPS(vel.Norm()) > f.LeadSpeedMPS {
		pos = pos.Add(vel.Mul(f.Lead.Seconds()))
	}
	return Estimate{Position: pos, Velocity: vel}
}

// Passthrough hands the raw measurement to the cycle unchanged. A lost
// measurement yields a lost estimate.
type Passthrough struct{}

// Step implements Estimator.
func (Passthrough) Step(m Measurement, _ time.Duration) Estimate {
	if m.Lost {
		return Estimate{Lost: true}
	}
	return Estimate{Position: m.Position}
}

// New selects the estimator for a device config. The choice between the
// filtered and bypass paths is made here, once, and the outlier gate is
// layered in front only when configured.
func New(cfg *config.DeviceConfig) Estimator {
	var est Estimator = Passthrough{}
	if cfg.GetUseKalman() {
		kc := DefaultKalmanConfig()
		kc.ProcessNoise = cfg.GetProcessNoise()
		kc.MeasurementNoise = cfg.GetMeasurementNoise()
		kc.AdaptWindow = cfg.GetAdaptWindow()
		f := NewFiltered(NewKalman(kc))
		f.Latency = cfg.GetLatency()
		f.Lead = cfg.GetLead()
		f.LeadSpeedMPS = cfg.GetLeadSpeedMPS()
		est = f
	}
	if cfg.GetOutlierRejection() {
		est = NewOutlierGate(est, cfg.GetMaxJumpMM(), cfg.GetProbationFrames())
	}
	return est
}
