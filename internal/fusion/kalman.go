package fusion

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// KalmanConfig holds the tuning of the adaptive filter. Positions are in mm.
type KalmanConfig struct {
	// ProcessNoise is the white-acceleration spectral density (mm²/s³)
	// before adaptation.
	ProcessNoise float64
	// MeasurementNoise is the per-axis measurement variance (mm²).
	MeasurementNoise float64
	// InitialVelocityVar seeds the velocity covariance on first measurement.
	InitialVelocityVar float64
	// AdaptWindow is the number of innovations averaged before the process
	// noise scale is revised.
	AdaptWindow int
	// MinQScale and MaxQScale bound the adaptive process noise multiplier.
	MinQScale float64
	MaxQScale float64
	// MaxPredictDt is the longest single transition step. Longer gaps are
	// integrated as several equal steps so the full dt is always applied.
	MaxPredictDt time.Duration
}

// DefaultKalmanConfig returns the tuning used when a device config does not
// override it.
func DefaultKalmanConfig() KalmanConfig {
	return KalmanConfig{
		ProcessNoise:       50,
		MeasurementNoise:   1,
		InitialVelocityVar: 1e6,
		AdaptWindow:        20,
		MinQScale:          0.1,
		MaxQScale:          100,
		MaxPredictDt:       100 * time.Millisecond,
	}
}

const (
	stateDim = 6
	measDim  = 3
)

// Kalman is a constant-velocity Kalman filter over 3D position with an
// innovation-driven adaptive process noise. The state is
// [x y z vx vy vz]ᵀ in mm and mm/s.
type Kalman struct {
	cfg KalmanConfig

	x *mat.VecDense // state
	P *mat.Dense    // covariance
	F *mat.Dense    // transition, rebuilt per predict
	Q *mat.Dense    // process noise, rebuilt per predict
	H *mat.Dense
	R *mat.Dense

	// Innovation covariance and prior state from the latest update.
	S      *mat.Dense
	xPrior *mat.VecDense

	qScale      float64
	nis         []float64
	nisNext     int
	nisFull     bool
	initialized bool
}

// NewKalman returns an uninitialised filter. The first Update seeds the
// state from the measurement.
func NewKalman(cfg KalmanConfig) *Kalman {
	def := DefaultKalmanConfig()
	if cfg.ProcessNoise <= 0 {
		cfg.ProcessNoise = def.ProcessNoise
	}
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = def.MeasurementNoise
	}
	if cfg.InitialVelocityVar <= 0 {
		cfg.InitialVelocityVar = def.InitialVelocityVar
	}
	if cfg.AdaptWindow <= 0 {
		cfg.AdaptWindow = def.AdaptWindow
	}
	if cfg.MinQScale <= 0 {
		cfg.MinQScale = def.MinQScale
	}
	if cfg.MaxQScale < cfg.MinQScale {
		cfg.MaxQScale = math.Max(def.MaxQScale, cfg.MinQScale)
	}
	if cfg.MaxPredictDt <= 0 {
		cfg.MaxPredictDt = def.MaxPredictDt
	}

	k := &Kalman{
		cfg:    cfg,
		x:      mat.NewVecDense(stateDim, nil),
		P:      mat.NewDense(stateDim, stateDim, nil),
		F:      mat.NewDense(stateDim, stateDim, nil),
		Q:      mat.NewDense(stateDim, stateDim, nil),
		H:      mat.NewDense(measDim, stateDim, nil),
		R:      mat.NewDense(measDim, measDim, nil),
		qScale: 1,
		nis:    make([]float64, cfg.AdaptWindow),
	}
	for i := 0; i < measDim; i++ {
		k.H.Set(i, i, 1)
		k.R.Set(i, i, cfg.MeasurementNoise)
	}
	return k
}

// Initialized reports whether the filter has seen a measurement.
func (k *Kalman) Initialized() bool { return k.initialized }

// QScale returns the current adaptive process noise multiplier.
func (k *Kalman) QScale() float64 { return k.qScale }

// setTransition rebuilds F and Q for a step of dt seconds.
func (k *Kalman) setTransition(dt float64) {
	k.F.Zero()
	k.Q.Zero()
	q := k.cfg.ProcessNoise * k.qScale
	dt2 := dt * dt
	for i := 0; i < measDim; i++ {
		k.F.Set(i, i, 1)
		k.F.Set(i+3, i+3, 1)
		k.F.Set(i, i+3, dt)

		k.Q.Set(i, i, q*dt2*dt/3)
		k.Q.Set(i, i+3, q*dt2/2)
		k.Q.Set(i+3, i, q*dt2/2)
		k.Q.Set(i+3, i+3, q*dt)
	}
}

// Predict advances the state by dt under the constant velocity model. The
// transition is rebuilt for dt first so irregular cycle timing is modelled
// exactly; gaps longer than MaxPredictDt are integrated in equal steps.
func (k *Kalman) Predict(dt time.Duration) {
	if !k.initialized || dt <= 0 {
		return
	}
	steps := 1
	if dt > k.cfg.MaxPredictDt {
		steps = int((dt + k.cfg.MaxPredictDt - 1) / k.cfg.MaxPredictDt)
		if steps > maxPredictSteps {
			steps = maxPredictSteps
		}
	}
	k.setTransition(dt.Seconds() / float64(steps))
	for i := 0; i < steps; i++ {
		k.predictStep()
	}
}

// maxPredictSteps bounds the work done for one very long gap. The constant
// velocity transition is exact for any step length, so beyond this the
// steps just get longer.
const maxPredictSteps = 1000

func (k *Kalman) predictStep() {
	var x mat.VecDense
	x.MulVec(k.F, k.x)
	k.x.CopyVec(&x)

	var fp, fpf mat.Dense
	fp.Mul(k.F, k.P)
	fpf.Mul(&fp, k.F.T())
	fpf.Add(&fpf, k.Q)
	k.P.Copy(&fpf)
}

// Update corrects the state with a position measurement in mm.
func (k *Kalman) Update(z r3.Vector) {
	zv := mat.NewVecDense(measDim, []float64{z.X, z.Y, z.Z})
	if !k.initialized {
		k.x.SetVec(0, z.X)
		k.x.SetVec(1, z.Y)
		k.x.SetVec(2, z.Z)
		k.P.Zero()
		for i := 0; i < measDim; i++ {
			k.P.Set(i, i, k.cfg.MeasurementNoise)
			k.P.Set(i+3, i+3, k.cfg.InitialVelocityVar)
		}
		k.initialized = true
		return
	}

	k.xPrior = mat.VecDenseCopyOf(k.x)

	// y = z - Hx
	var hx, y mat.VecDense
	hx.MulVec(k.H, k.x)
	y.SubVec(zv, &hx)

	// S = HPHᵀ + R
	var hp, s mat.Dense
	hp.Mul(k.H, k.P)
	s.Mul(&hp, k.H.T())
	s.Add(&s, k.R)
	k.S = mat.DenseCopyOf(&s)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return
	}

	// K = PHᵀS⁻¹
	var pht, gain mat.Dense
	pht.Mul(k.P, k.H.T())
	gain.Mul(&pht, &sInv)

	var ky mat.VecDense
	ky.MulVec(&gain, &y)
	k.x.AddVec(k.x, &ky)

	// P = (I - KH)P
	var kh mat.Dense
	kh.Mul(&gain, k.H)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)
	var p mat.Dense
	p.Mul(ikh, k.P)
	k.P.Copy(&p)
}

// AdaptProcessNoise revises the process noise scale from the normalised
// innovation of z against the prior of the latest update. When the average
// normalised innovation over the window exceeds its expected value (the
// measurement dimension) the motion model is trusted less, otherwise more.
func (k *Kalman) AdaptProcessNoise(z r3.Vector) {
	if k.S == nil || k.xPrior == nil {
		return
	}
	var sInv mat.Dense
	if err := sInv.Inverse(k.S); err != nil {
		return
	}
	var hx, y mat.VecDense
	hx.MulVec(k.H, k.xPrior)
	y.SubVec(mat.NewVecDense(measDim, []float64{z.X, z.Y, z.Z}), &hx)
	nis := mat.Inner(&y, &sInv, &y)

	k.nis[k.nisNext] = nis
	k.nisNext = (k.nisNext + 1) % len(k.nis)
	if k.nisNext == 0 {
		k.nisFull = true
	}
	if !k.nisFull {
		return
	}

	var mean float64
	for _, v := range k.nis {
		mean += v
	}
	mean /= float64(len(k.nis))

	ratio := mean / measDim
	// Move the scale by at most 2x per revision.
	ratio = math.Max(0.5, math.Min(2, ratio))
	k.qScale = math.Max(k.cfg.MinQScale, math.Min(k.cfg.MaxQScale, k.qScale*math.Sqrt(ratio)))
}

// PredictWithLatency returns the position and velocity projected latency
// ahead of the current state. The filter state is not modified.
func (k *Kalman) PredictWithLatency(latency time.Duration) (pos, vel r3.Vector) {
	pos, vel = k.Position(), k.Velocity()
	return pos.Add(vel.Mul(latency.Seconds())), vel
}

// Position returns the estimated position in mm.
func (k *Kalman) Position() r3.Vector {
	return r3.Vector{X: k.x.AtVec(0), Y: k.x.AtVec(1), Z: k.x.AtVec(2)}
}

// Velocity returns the estimated velocity in mm/s.
func (k *Kalman) Velocity() r3.Vector {
	return r3.Vector{X: k.x.AtVec(3), Y: k.x.AtVec(4), Z: k.x.AtVec(5)}
}

// PositionVariance returns the trace of the position covariance block.
func (k *Kalman) PositionVariance() float64 {
	return k.P.At(0, 0) + k.P.At(1, 1) + k.P.At(2, 2)
}
