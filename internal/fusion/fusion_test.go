package fusion

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pursuit/internal/config"
)

func near(t *testing.T, want, got r3.Vector, tol float64, msgAndArgs ...interface{}) {
	t.Helper()
	assert.LessOrEqual(t, got.Sub(want).Norm(), tol, msgAndArgs...)
}

func TestKalman_FirstUpdateSeedsState(t *testing.T) {
	k := NewKalman(DefaultKalmanConfig())
	assert.False(t, k.Initialized())

	// Predict before any measurement is a no-op.
	k.Predict(10 * time.Millisecond)
	assert.Equal(t, r3.Vector{}, k.Position())

	z := r3.Vector{X: 100, Y: -50, Z: 20}
	k.Update(z)
	assert.True(t, k.Initialized())
	assert.Equal(t, z, k.Position())
	assert.Equal(t, r3.Vector{}, k.Velocity())
}

func TestKalman_LostCyclesAreKinematic(t *testing.T) {
	k := NewKalman(DefaultKalmanConfig())
	dt := 5 * time.Millisecond
	vel := r3.Vector{X: 800, Y: -200, Z: 50}
	p := r3.Vector{X: 1000}
	for i := 0; i < 400; i++ {
		k.Predict(dt)
		k.Update(p)
		k.AdaptProcessNoise(p)
		p = p.Add(vel.Mul(dt.Seconds()))
	}

	for i := 0; i < 50; i++ {
		before, v := k.Position(), k.Velocity()
		k.Predict(dt)
		near(t, before.Add(v.Mul(dt.Seconds())), k.Position(), 1e-9, "cycle %d", i)
		assert.Equal(t, v, k.Velocity(), "velocity must not change without measurements")
	}
}

func TestKalman_ConvergesOnStationaryTarget(t *testing.T) {
	k := NewKalman(DefaultKalmanConfig())
	z := r3.Vector{X: 1000, Y: 200, Z: -300}
	for i := 0; i < 500; i++ {
		k.Predict(10 * time.Millisecond)
		k.Update(z)
		k.AdaptProcessNoise(z)
	}
	near(t, z, k.Position(), 0.5)
	assert.Less(t, k.Velocity().Norm(), 1.0)
}

func TestKalman_AdaptProcessNoiseBounded(t *testing.T) {
	cfg := DefaultKalmanConfig()
	cfg.AdaptWindow = 5
	k := NewKalman(cfg)

	z := r3.Vector{X: 1000}
	for i := 0; i < 200; i++ {
		k.Predict(10 * time.Millisecond)
		k.Update(z)
		k.AdaptProcessNoise(z)
	}
	// Perfect measurements drive the scale to its floor.
	assert.InDelta(t, cfg.MinQScale, k.QScale(), 1e-9)

	// Large erratic innovations push it up again, never past the ceiling.
	for i := 0; i < 400; i++ {
		z = r3.Vector{X: 1000 + float64((i%2)*2-1)*300}
		k.Predict(10 * time.Millisecond)
		k.Update(z)
		k.AdaptProcessNoise(z)
	}
	assert.Greater(t, k.QScale(), cfg.MinQScale)
	assert.LessOrEqual(t, k.QScale(), cfg.MaxQScale)
}

func TestKalman_PredictWithLatencyDoesNotMutate(t *testing.T) {
	k := NewKalman(DefaultKalmanConfig())
	for i := 0; i < 50; i++ {
		k.Predict(10 * time.Millisecond)
		z := r3.Vector{X: float64(i) * 10}
		k.Update(z)
	}
	pos, vel := k.Position(), k.Velocity()
	variance := k.PositionVariance()

	got, gotVel := k.PredictWithLatency(time.Millisecond)
	near(t, pos.Add(vel.Mul(0.001)), got, 1e-9)
	assert.Equal(t, vel, gotVel)
	assert.Equal(t, pos, k.Position())
	assert.Equal(t, variance, k.PositionVariance())
}

func convergedOnRamp(cfg KalmanConfig, vel r3.Vector) *Kalman {
	k := NewKalman(cfg)
	dt := 5 * time.Millisecond
	p := r3.Vector{X: 1000}
	for i := 0; i < 400; i++ {
		k.Predict(dt)
		k.Update(p)
		k.AdaptProcessNoise(p)
		p = p.Add(vel.Mul(dt.Seconds()))
	}
	return k
}

func TestKalman_LongGapAppliesFullDt(t *testing.T) {
	vel := r3.Vector{X: 1000}
	k := convergedOnRamp(DefaultKalmanConfig(), vel)

	// Lost cycles spaced well beyond the receive timeout.
	dt := 300 * time.Millisecond
	for i := 0; i < 5; i++ {
		before, v := k.Position(), k.Velocity()
		k.Predict(dt)
		near(t, before.Add(v.Mul(dt.Seconds())), k.Position(), 1e-6, "cycle %d", i)
		assert.InDelta(t, 300, k.Position().X-before.X, 5, "cycle %d", i)
	}
}

func TestKalman_SubSteppedPredictMatchesSingleStep(t *testing.T) {
	vel := r3.Vector{X: 600, Y: -150}
	stepped := convergedOnRamp(DefaultKalmanConfig(), vel)

	cfg := DefaultKalmanConfig()
	cfg.MaxPredictDt = time.Hour
	single := convergedOnRamp(cfg, vel)

	stepped.Predict(750 * time.Millisecond)
	single.Predict(750 * time.Millisecond)
	near(t, single.Position(), stepped.Position(), 1e-6)
	assert.InDelta(t, single.PositionVariance(), stepped.PositionVariance(), 1e-6*single.PositionVariance())
}

func trackRamp(t *testing.T, est Estimator, vel r3.Vector, steps int) (last r3.Vector, e Estimate) {
	t.Helper()
	dt := time.Millisecond
	p := r3.Vector{X: 2000}
	for i := 0; i < steps; i++ {
		e = est.Step(Measurement{Position: p}, dt)
		last = p
		p = p.Add(vel.Mul(dt.Seconds()))
	}
	return last, e
}

func TestFiltered_LeadOnlyForFastTargets(t *testing.T) {
	t.Run("slow target gets latency only", func(t *testing.T) {
		f := NewFiltered(NewKalman(DefaultKalmanConfig()))
		vel := r3.Vector{Y: 1000} // 1 m/s
		last, e := trackRamp(t, f, vel, 3000)
		require.False(t, e.Lost)
		near(t, last.Add(vel.Mul(0.001)), e.Position, 0.5)
	})

	t.Run("fast target gets latency plus lead", func(t *testing.T) {
		f := NewFiltered(NewKalman(DefaultKalmanConfig()))
		vel := r3.Vector{Y: 8000} // 8 m/s
		last, e := trackRamp(t, f, vel, 3000)
		require.False(t, e.Lost)
		near(t, last.Add(vel.Mul(0.003)), e.Position, 2)
		assert.InDelta(t, 8000, e.Velocity.Norm(), 20)
	})
}

func TestFiltered_LostBeforeFirstMeasurement(t *testing.T) {
	f := NewFiltered(NewKalman(DefaultKalmanConfig()))
	e := f.Step(Measurement{Lost: true}, time.Millisecond)
	assert.True(t, e.Lost)

	e = f.Step(Measurement{Position: r3.Vector{X: 5}}, time.Millisecond)
	assert.False(t, e.Lost)
	assert.Equal(t, r3.Vector{X: 5}, e.Position)

	// Once initialised, a lost cycle still yields a predicted estimate.
	e = f.Step(Measurement{Lost: true}, time.Millisecond)
	assert.False(t, e.Lost)
}

func TestPassthrough(t *testing.T) {
	var p Passthrough
	e := p.Step(Measurement{Position: r3.Vector{X: 1, Y: 2, Z: 3}}, 0)
	assert.Equal(t, Estimate{Position: r3.Vector{X: 1, Y: 2, Z: 3}}, e)
	assert.True(t, p.Step(Measurement{Lost: true}, 0).Lost)
}

type recordingEstimator struct {
	seen []Measurement
}

func (r *recordingEstimator) Step(m Measurement, _ time.Duration) Estimate {
	r.seen = append(r.seen, m)
	return Passthrough{}.Step(m, 0)
}

func TestOutlierGate(t *testing.T) {
	rec := &recordingEstimator{}
	g := NewOutlierGate(rec, 500, 3)

	home := r3.Vector{X: 1000}
	far := r3.Vector{X: 3000}

	assert.False(t, g.Step(Measurement{Position: home}, 0).Lost)
	assert.False(t, g.Step(Measurement{Position: home.Add(r3.Vector{Y: 400})}, 0).Lost)

	// A jump is rejected and put on probation.
	assert.True(t, g.Step(Measurement{Position: far}, 0).Lost)
	assert.True(t, g.OnProbation())
	assert.True(t, g.Step(Measurement{Position: far.Add(r3.Vector{Y: 10})}, 0).Lost)

	// The third consistent frame promotes the candidate.
	e := g.Step(Measurement{Position: far.Add(r3.Vector{Y: 20})}, 0)
	assert.False(t, e.Lost)
	assert.False(t, g.OnProbation())
	assert.Equal(t, uint64(2), g.Rejected())
	assert.Equal(t, uint64(1), g.Reacquired())

	// Subsequent nearby measurements pass straight through.
	assert.False(t, g.Step(Measurement{Position: far.Add(r3.Vector{Y: 30})}, 0).Lost)

	// Lost measurements bypass the gate.
	assert.True(t, g.Step(Measurement{Lost: true}, 0).Lost)
	assert.Len(t, rec.seen, 7)
}

func TestOutlierGate_InconsistentCandidatesRestartProbation(t *testing.T) {
	g := NewOutlierGate(Passthrough{}, 500, 2)
	g.Step(Measurement{Position: r3.Vector{}}, 0)

	assert.True(t, g.Step(Measurement{Position: r3.Vector{X: 5000}}, 0).Lost)
	assert.True(t, g.Step(Measurement{Position: r3.Vector{X: -5000}}, 0).Lost)
	assert.True(t, g.Step(Measurement{Position: r3.Vector{X: 5000}}, 0).Lost)
	assert.False(t, g.Step(Measurement{Position: r3.Vector{X: 5100}}, 0).Lost)
}

func TestNew(t *testing.T) {
	off := false
	on := true

	est := New(&config.DeviceConfig{Tracking: &config.Tracking{UseKalman: &off}})
	assert.IsType(t, Passthrough{}, est)

	est = New(&config.DeviceConfig{})
	f, ok := est.(*Filtered)
	require.True(t, ok)
	assert.Equal(t, time.Millisecond, f.Latency)
	assert.Equal(t, 2*time.Millisecond, f.Lead)
	assert.Equal(t, 5.0, f.LeadSpeedMPS)

	est = New(&config.DeviceConfig{Tracking: &config.Tracking{
		OutlierRejection: &config.OutlierRejection{Enabled: &on},
	}})
	g, ok := est.(*OutlierGate)
	require.True(t, ok)
	assert.Equal(t, 500.0, g.MaxJumpMM)
	assert.Equal(t, 10, g.ProbationFrames)
	assert.IsType(t, &Filtered{}, g.Next)
}
