package devices

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/serialport"
	"github.com/banshee-data/pursuit/internal/timeutil"
)

var errNotOpen = errors.New("device not open")

// SimActuator is a simulated mirror: the encoder angle follows the commanded
// angle with a first-order lag.
type SimActuator struct {
	mu    sync.Mutex
	clock timeutil.Clock

	// Tau is the motor time constant.
	Tau time.Duration
	// ReadError, if set, is returned by the next SyncAngles call.
	ReadError error

	open                  bool
	targetPan, targetTilt float64
	pan, tilt             float64
	last                  time.Time
	writes                int
}

// NewSimActuator returns a simulated actuator resting at mid on both axes.
func NewSimActuator(clock timeutil.Clock, mid float64) *SimActuator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimActuator{
		clock:      clock,
		Tau:        5 * time.Millisecond,
		targetPan:  mid,
		targetTilt: mid,
		pan:        mid,
		tilt:       mid,
	}
}

func (a *SimActuator) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = true
	a.last = a.clock.Now()
	return nil
}

func (a *SimActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	return nil
}

// settle advances the encoder toward the target. Called with mu held.
func (a *SimActuator) settle() {
	now := a.clock.Now()
	dt := now.Sub(a.last)
	a.last = now
	if dt <= 0 {
		return
	}
	k := 1.0
	if a.Tau > 0 {
		k = 1 - math.Exp(-dt.Seconds()/a.Tau.Seconds())
	}
	a.pan += (a.targetPan - a.pan) * k
	a.tilt += (a.targetTilt - a.tilt) * k
}

func (a *SimActuator) SetSyncAngles(panDeg, tiltDeg float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return errNotOpen
	}
	a.settle()
	a.targetPan, a.targetTilt = panDeg, tiltDeg
	a.writes++
	return nil
}

func (a *SimActuator) SyncAngles() (float64, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return 0, 0, errNotOpen
	}
	if a.ReadError != nil {
		err := a.ReadError
		a.ReadError = nil
		return 0, 0, err
	}
	a.settle()
	return a.pan, a.tilt, nil
}

// Target returns the last commanded angles.
func (a *SimActuator) Target() (panDeg, tiltDeg float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetPan, a.targetTilt
}

// Writes returns the number of accepted SetSyncAngles calls.
func (a *SimActuator) Writes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writes
}

// SimLens is a simulated motorized lens with instantaneous moves.
type SimLens struct {
	mu sync.Mutex

	// ConnectError, if set, is returned by Connect.
	ConnectError error

	connected bool
	pos       [3]int
	moves     [3]int
}

func NewSimLens() *SimLens { return &SimLens{} }

func (l *SimLens) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ConnectError != nil {
		return l.ConnectError
	}
	l.connected = true
	return nil
}

func (l *SimLens) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	return nil
}

func clampSteps(v int) int {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return v
}

func (l *SimLens) MoveAbsolute(axis LensAxis, steps int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return errNotOpen
	}
	if axis < LensZoom || axis > LensIris {
		return errors.New("unknown lens axis")
	}
	l.pos[axis] = clampSteps(steps)
	l.moves[axis]++
	return nil
}

func (l *SimLens) MoveRelative(axis LensAxis, delta int) error {
	l.mu.Lock()
	if axis < LensZoom || axis > LensIris {
		l.mu.Unlock()
		return errors.New("unknown lens axis")
	}
	target := l.pos[axis] + delta
	l.mu.Unlock()
	return l.MoveAbsolute(axis, target)
}

func (l *SimLens) Position(axis LensAxis) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return 0, errNotOpen
	}
	if axis < LensZoom || axis > LensIris {
		return 0, errors.New("unknown lens axis")
	}
	return l.pos[axis], nil
}

// Moves returns the number of moves issued on axis.
func (l *SimLens) Moves(axis LensAxis) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moves[axis]
}

// SimMocap reports a target on a vertical circle 3m down the X axis. Every
// DropoutEvery-th read reports the target as lost.
type SimMocap struct {
	mu    sync.Mutex
	clock timeutil.Clock

	Center       r3.Vector
	RadiusMM     float64
	Period       time.Duration
	DropoutEvery int

	started bool
	epoch   time.Time
	reads   int
}

// NewSimMocap returns a simulated mocap source.
func NewSimMocap(clock timeutil.Clock) *SimMocap {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimMocap{
		clock:    clock,
		Center:   r3.Vector{X: 3000},
		RadiusMM: 500,
		Period:   4 * time.Second,
	}
}

func (m *SimMocap) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.epoch = m.clock.Now()
	return nil
}

func (m *SimMocap) Current() (r3.Vector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return r3.Vector{}, true
	}
	m.reads++
	if m.DropoutEvery > 0 && m.reads%m.DropoutEvery == 0 {
		return r3.Vector{}, true
	}
	phase := 2 * math.Pi * m.clock.Since(m.epoch).Seconds() / m.Period.Seconds()
	return m.Center.Add(r3.Vector{
		Y: m.RadiusMM * math.Cos(phase),
		Z: m.RadiusMM * math.Sin(phase),
	}), false
}

func (m *SimMocap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
	return nil
}

// NewSimulatedRegistry returns a registry whose actuator, lens and mocap
// entries are all simulated, under the driver names the config uses, with
// in-memory serial ports.
func NewSimulatedRegistry(clock timeutil.Clock) *Registry {
	r := NewRegistry()
	r.Opener = serialport.TestableOpener(nil)
	actuator := func(_ serialport.Port, cfg *config.DeviceConfig) (ActuatorDriver, error) {
		return NewSimActuator(clock, cfg.GetMirrorMid()), nil
	}
	lens := func(serialport.Port, *config.DeviceConfig) (LensDriver, error) {
		return NewSimLens(), nil
	}
	mocap := func(*config.DeviceConfig) (MeasurementSource, error) {
		return NewSimMocap(clock), nil
	}
	r.RegisterActuator("dynamixel", actuator)
	r.RegisterActuator("simulated", actuator)
	r.RegisterLens("theia", lens)
	r.RegisterLens("simulated", lens)
	for _, system := range []string{config.MocapQualisys, config.MocapVicon, config.MocapSimulated} {
		r.RegisterMocap(system, mocap)
	}
	return r
}
