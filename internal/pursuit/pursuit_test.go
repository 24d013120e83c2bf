package pursuit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/devices"
	"github.com/banshee-data/pursuit/internal/monitoring"
	"github.com/banshee-data/pursuit/internal/serialport"
	"github.com/banshee-data/pursuit/internal/telemetry"
	"github.com/banshee-data/pursuit/internal/timeutil"
	"github.com/banshee-data/pursuit/internal/vision"
)

func ptr[T any](v T) *T { return &v }

func muteLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

type fakeActuator struct {
	mu       sync.Mutex
	opened   bool
	closes   int
	commands [][2]float64
	setErr   error
	readErr  error
	closeErr error
}

func (a *fakeActuator) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = true
	return nil
}

func (a *fakeActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opened = false
	a.closes++
	return a.closeErr
}

func (a *fakeActuator) SetSyncAngles(pan, tilt float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.setErr != nil {
		return a.setErr
	}
	a.commands = append(a.commands, [2]float64{pan, tilt})
	return nil
}

// SyncAngles reports the last command plus a small encoder offset.
func (a *fakeActuator) SyncAngles() (float64, float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr != nil {
		err := a.readErr
		a.readErr = nil
		return 0, 0, err
	}
	if len(a.commands) == 0 {
		return 0, 0, nil
	}
	last := a.commands[len(a.commands)-1]
	return last[0] + 0.1234, last[1] - 0.0049, nil
}

func (a *fakeActuator) Commands() [][2]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][2]float64(nil), a.commands...)
}

type fakeMocap struct {
	mu       sync.Mutex
	script   []r3.Vector // a zero vector reads as lost
	reads    int
	started  bool
	closed   bool
	closeErr error
}

func (m *fakeMocap) Start(context.Context) error {
	m.started = true
	return nil
}

func (m *fakeMocap) Current() (r3.Vector, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return r3.Vector{}, true
	}
	i := m.reads
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	m.reads++
	p := m.script[i]
	return p, p == (r3.Vector{})
}

func (m *fakeMocap) Close() error {
	m.closed = true
	return m.closeErr
}

type memLensStore struct {
	mu      sync.Mutex
	states  map[string]config.LensState
	loadErr error
	saveErr error
	saves   int
}

func (s *memLensStore) LoadLensState(device string) (*config.LensState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	st, ok := s.states[device]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *memLensStore) SaveLensState(device string, st config.LensState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.states == nil {
		s.states = make(map[string]config.LensState)
	}
	s.states[device] = st
	return nil
}

type fakeProcess struct {
	mu         sync.Mutex
	stops      int
	kills      int
	exitOnStop bool
	exitOnKill bool
	done       chan struct{}
	exited     bool
	exitErr    error
}

func newFakeProcess(exitOnStop, exitOnKill bool) *fakeProcess {
	return &fakeProcess{exitOnStop: exitOnStop, exitOnKill: exitOnKill, done: make(chan struct{})}
}

func (p *fakeProcess) exit() {
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.exitOnStop {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kills++
	if p.exitOnKill {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error { return p.exitErr }

type rig struct {
	cfg      *config.DeviceConfig
	clock    *timeutil.MockClock
	actuator *fakeActuator
	lens     *devices.SimLens
	mocap    *fakeMocap
	store    *memLensStore
	queue    *telemetry.Queue
	registry *devices.Registry
}

// newRig returns a mocap-mode device with an identity calibration, a
// passthrough estimator and a lens focusing 1000 steps per metre.
func newRig(t *testing.T) *rig {
	t.Helper()
	muteLogs(t)
	r := &rig{
		cfg: &config.DeviceConfig{
			ID:             "DART_1",
			HardwareParams: &config.HardwareParams{MirrorMid: ptr(45.0)},
			Calibration: &config.Calibration{
				PanOrigin:      []float64{0, 0, 0},
				TiltOrigin:     []float64{0, 0, 0},
				RotationMatrix: [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
			},
			Devices: &config.Devices{
				DynamixelPort:   ptr("/dev/ttyUSB0"),
				DynamixelDriver: ptr("fake"),
				TheiaPort:       ptr("/dev/ttyUSB1"),
				TheiaDriver:     ptr("fake"),
				Mocap:           &config.Mocap{System: ptr(config.MocapSimulated)},
			},
			Tracking:        &config.Tracking{UseKalman: ptr(false)},
			LensCalibration: &config.LensCalibration{Coefficients: []float64{1000, 0}},
		},
		clock:    timeutil.NewMockClock(time.Unix(1700000000, 0)),
		actuator: &fakeActuator{},
		lens:     devices.NewSimLens(),
		mocap:    &fakeMocap{},
		store:    &memLensStore{},
		queue:    telemetry.NewQueue(16),
	}
	r.registry = devices.NewRegistry()
	r.registry.Opener = serialport.TestableOpener(nil)
	r.registry.RegisterActuator("fake", func(serialport.Port, *config.DeviceConfig) (devices.ActuatorDriver, error) {
		return r.actuator, nil
	})
	r.registry.RegisterLens("fake", func(serialport.Port, *config.DeviceConfig) (devices.LensDriver, error) {
		return r.lens, nil
	})
	r.registry.RegisterMocap(config.MocapSimulated, func(*config.DeviceConfig) (devices.MeasurementSource, error) {
		return r.mocap, nil
	})
	return r
}

func (r *rig) deps() Deps {
	return Deps{
		Registry:  r.registry,
		Clock:     r.clock,
		Sleeper:   r.clock,
		LensStore: r.store,
		Telemetry: r.queue,
	}
}

func (r *rig) start(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(r.cfg, r.deps())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Shutdown() })
	return o
}

func (r *rig) samples() []telemetry.Sample {
	var out []telemetry.Sample
	for {
		select {
		case s := <-r.queue.C():
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestCycle_TargetStraightAhead(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)
	assert.Equal(t, StateInitializing, o.State())

	assert.Equal(t, CycleActuated, o.Cycle(context.Background()))

	assert.Equal(t, [][2]float64{{45, 45}}, r.actuator.Commands())
	samples := r.samples()
	require.Len(t, samples, 1)
	want := telemetry.Sample{
		Timestamp:      time.Unix(1700000000, 0),
		Position:       r3.Vector{X: 2000},
		DistanceM:      2,
		PanDeg:         45,
		TiltDeg:        45,
		EncoderPanDeg:  45.12,
		EncoderTiltDeg: 45,
		EncoderOK:      true,
		FocusSteps:     2000,
		FocusMoved:     true,
	}
	if diff := cmp.Diff(want, samples[0]); diff != "" {
		t.Errorf("sample mismatch (-want +got):\n%s", diff)
	}

	focus, err := r.lens.Position(devices.LensFocus)
	require.NoError(t, err)
	assert.Equal(t, 2000, focus)

	// Mocap mode paces each cycle between command and read-back.
	assert.Equal(t, []time.Duration{time.Millisecond}, r.clock.Sleeps())

	st := o.Stats()
	assert.Equal(t, uint64(1), st.Iterations)
	assert.Equal(t, uint64(1), st.Actuated)
	assert.Equal(t, uint64(1), st.FocusMoves)
}

func TestCycle_FocusHysteresis(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}, {X: 2050}, {X: 2200}}
	o := r.start(t)
	movesBefore := r.lens.Moves(devices.LensFocus)

	for i := 0; i < 3; i++ {
		require.Equal(t, CycleActuated, o.Cycle(context.Background()))
	}

	samples := r.samples()
	require.Len(t, samples, 3)
	assert.True(t, samples[0].FocusMoved)
	assert.False(t, samples[1].FocusMoved)
	assert.Equal(t, 2000, samples[1].FocusSteps)
	assert.True(t, samples[2].FocusMoved)
	assert.Equal(t, 2200, samples[2].FocusSteps)
	assert.Equal(t, movesBefore+2, r.lens.Moves(devices.LensFocus))
}

func TestCycle_LostTargetSkipsActuation(t *testing.T) {
	r := newRig(t)
	o := r.start(t)

	assert.Equal(t, CycleSkippedLost, o.Cycle(context.Background()))
	assert.Empty(t, r.actuator.Commands())
	assert.Empty(t, r.samples())
	assert.Empty(t, r.clock.Sleeps())
	assert.Equal(t, uint64(1), o.Stats().SkippedLost)
}

func TestCycle_Cancelled(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, CycleCancelled, o.Cycle(ctx))
	assert.Empty(t, r.actuator.Commands())
	assert.Equal(t, uint64(0), o.Stats().Iterations)
}

func TestCycle_DeviceFaultsDoNotStopTheLoop(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)

	r.actuator.readErr = errors.New("encoder timeout")
	assert.Equal(t, CycleActuated, o.Cycle(context.Background()))
	samples := r.samples()
	require.Len(t, samples, 1)
	assert.False(t, samples[0].EncoderOK)
	assert.Equal(t, 0.0, samples[0].PanErrorDeg())

	r.actuator.setErr = errors.New("bus error")
	assert.Equal(t, CycleActuated, o.Cycle(context.Background()))

	st := o.Stats()
	assert.Equal(t, uint64(1), st.EncoderErrors)
	assert.Equal(t, uint64(1), st.ActuatorErrors)
	assert.Equal(t, uint64(2), st.Actuated)
}

func TestCycle_FullQueueDropsSamples(t *testing.T) {
	r := newRig(t)
	r.queue = telemetry.NewQueue(1)
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)

	for i := 0; i < 3; i++ {
		assert.Equal(t, CycleActuated, o.Cycle(context.Background()))
	}
	assert.Len(t, r.actuator.Commands(), 3)
	assert.Equal(t, uint64(2), r.queue.Dropped())
	assert.Equal(t, uint64(2), o.Stats().TelemetryDropped)
	assert.Len(t, r.samples(), 1)
}

func TestLens_RestoresSavedStateAndZoom(t *testing.T) {
	r := newRig(t)
	r.cfg.LensCalibration.ZoomSteps = ptr(500)
	r.cfg.Devices.TheiaState = &config.LensState{ZoomPosition: 1, FocusPosition: 2, IrisPosition: 3}
	r.store.states = map[string]config.LensState{
		"DART_1": {ZoomPosition: 100, FocusPosition: 200, IrisPosition: 300},
	}
	o := r.start(t)
	require.NotNil(t, o.Lens())

	for axis, want := range map[devices.LensAxis]int{
		devices.LensZoom:  500,
		devices.LensFocus: 200,
		devices.LensIris:  300,
	} {
		got, err := r.lens.Position(axis)
		require.NoError(t, err)
		assert.Equal(t, want, got, axis.String())
	}

	r.mocap.script = []r3.Vector{{X: 3000}}
	require.Equal(t, CycleActuated, o.Cycle(context.Background()))
	require.NoError(t, o.Shutdown())

	assert.Equal(t, config.LensState{ZoomPosition: 500, FocusPosition: 3000, IrisPosition: 300}, r.store.states["DART_1"])
}

func TestLens_FallsBackToConfigState(t *testing.T) {
	r := newRig(t)
	r.cfg.Devices.TheiaState = &config.LensState{ZoomPosition: 10, FocusPosition: 20, IrisPosition: 30}
	r.store.loadErr = errors.New("disk error")
	o := r.start(t)
	require.NotNil(t, o.Lens())

	zoom, err := r.lens.Position(devices.LensZoom)
	require.NoError(t, err)
	assert.Equal(t, 10, zoom)
}

func TestLens_ConnectFailureDisablesFocus(t *testing.T) {
	r := newRig(t)
	r.lens.ConnectError = errors.New("no such device")
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)
	assert.Nil(t, o.Lens())

	assert.Equal(t, CycleActuated, o.Cycle(context.Background()))
	samples := r.samples()
	require.Len(t, samples, 1)
	assert.False(t, samples[0].FocusMoved)
	assert.Equal(t, uint64(0), o.gate.Moves())
	assert.Zero(t, o.gate.LastDistance())
	assert.Equal(t, uint64(0), o.Stats().FocusMoves)

	require.NoError(t, o.Shutdown())
	assert.Equal(t, 0, r.store.saves)
}

func TestLens_NoPortConfigured(t *testing.T) {
	r := newRig(t)
	r.cfg.Devices.TheiaPort = nil
	o := r.start(t)
	assert.Nil(t, o.Lens())
}

func TestShutdown_RunsEveryStep(t *testing.T) {
	r := newRig(t)
	r.actuator.closeErr = errors.New("torque off failed")
	r.mocap.closeErr = errors.New("stream already closed")
	r.store.saveErr = errors.New("read-only filesystem")
	o := r.start(t)

	err := o.Shutdown()
	require.Error(t, err)
	assert.ErrorContains(t, err, "torque off failed")
	assert.ErrorContains(t, err, "stream already closed")
	assert.ErrorContains(t, err, "read-only filesystem")

	assert.True(t, r.mocap.closed)
	assert.Equal(t, 1, r.actuator.closes)
	assert.Equal(t, 1, r.store.saves)
	_, perr := r.lens.Position(devices.LensZoom)
	assert.Error(t, perr, "lens should be disconnected")
	assert.Equal(t, StateTerminated, o.State())

	// Idempotent.
	assert.Equal(t, err, o.Shutdown())
	assert.Equal(t, 1, r.actuator.closes)
}

func TestNew_FatalConfigErrors(t *testing.T) {
	t.Run("singular calibration", func(t *testing.T) {
		r := newRig(t)
		r.cfg.Calibration.RotationMatrix = [][]float64{{0, 0, 0}, {0, 1, 0}, {0, 0, 1}}
		_, err := New(r.cfg, r.deps())
		require.Error(t, err)
		assert.True(t, config.IsConfigError(err))
		assert.False(t, r.actuator.opened)
	})
	t.Run("missing actuator port", func(t *testing.T) {
		r := newRig(t)
		r.cfg.Devices.DynamixelPort = nil
		_, err := New(r.cfg, r.deps())
		require.Error(t, err)
		assert.True(t, config.IsConfigError(err))
	})
	t.Run("unregistered actuator driver", func(t *testing.T) {
		r := newRig(t)
		r.cfg.Devices.DynamixelDriver = ptr("xl430")
		_, err := New(r.cfg, r.deps())
		assert.ErrorIs(t, err, devices.ErrNotRegistered)
	})
	t.Run("mocap system without client", func(t *testing.T) {
		r := newRig(t)
		r.cfg.Devices.Mocap = &config.Mocap{System: ptr(config.MocapVicon), IP: ptr("10.0.0.5"), Port: ptr(801)}
		_, err := New(r.cfg, r.deps())
		require.Error(t, err)
		assert.True(t, config.IsConfigError(err))

		// Everything opened before the failure is released.
		assert.False(t, r.actuator.opened)
		assert.Equal(t, 1, r.actuator.closes)
		_, perr := r.lens.Position(devices.LensZoom)
		assert.Error(t, perr)
		assert.Equal(t, 0, r.store.saves)
	})
	t.Run("no registry", func(t *testing.T) {
		r := newRig(t)
		_, err := New(r.cfg, Deps{})
		assert.Error(t, err)
	})
}

func visualRig(t *testing.T, packets ...[]byte) (*rig, *vision.MockUDPSocket, *fakeProcess, Deps) {
	t.Helper()
	r := newRig(t)
	r.cfg.Tracking.Mode = ptr(config.ModeVisual)
	r.cfg.Vision = &config.Vision{ProducerCommand: []string{"vision-producer"}}
	sock := vision.NewMockUDPSocket(packets...)
	proc := newFakeProcess(true, true)
	deps := r.deps()
	deps.ListenVision = func(port int) (vision.UDPSocket, error) {
		assert.Equal(t, 12345, port)
		return sock, nil
	}
	deps.ProducerArgs = []string{"-dev"}
	deps.StartProducer = func(argv []string) (Process, error) {
		assert.Equal(t, []string{"vision-producer", "-device", "DART_1", "-dev"}, argv)
		return proc, nil
	}
	return r, sock, proc, deps
}

func TestCycle_VisualMode(t *testing.T) {
	valid, err := vision.Encode(vision.Packet{Timestamp: 1, Point: r3.Vector{X: 4000}, FrameID: 1})
	require.NoError(t, err)
	r, sock, proc, deps := visualRig(t, []byte(`{"frame_id": 1}`), valid)

	o, err := New(r.cfg, deps)
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, CycleMalformed, o.Cycle(ctx))
	assert.Equal(t, CycleActuated, o.Cycle(ctx))
	// Nothing more arrives within the receive timeout.
	assert.Equal(t, CycleSkippedLost, o.Cycle(ctx))

	assert.Equal(t, [][2]float64{{45, 45}}, r.actuator.Commands())
	// The loop is paced by packet arrival, not by sleeping.
	assert.Empty(t, r.clock.Sleeps())

	st := o.Stats()
	assert.Equal(t, uint64(3), st.Iterations)
	assert.Equal(t, uint64(1), st.Malformed)
	assert.Equal(t, uint64(1), st.SkippedLost)
	require.NotNil(t, st.Vision)
	assert.Equal(t, uint64(1), st.Vision.Received)

	require.NoError(t, o.Shutdown())
	assert.Equal(t, 1, proc.stops)
	assert.Equal(t, 0, proc.kills)
	assert.True(t, sock.Closed)
}

func TestNew_ProducerTargetsDeviceEntry(t *testing.T) {
	r, _, _, deps := visualRig(t)
	r.cfg.ID = "DART_2"
	r.cfg.Vision.ProducerCommand = []string{"/opt/pursuit/bin/vision-producer", "-v"}
	r.cfg.Vision.UDPPort = ptr(12346)
	deps.ConfigPath = "/etc/pursuit/devices.json"
	deps.ProducerArgs = nil
	deps.ListenVision = func(port int) (vision.UDPSocket, error) {
		assert.Equal(t, 12346, port)
		return vision.NewMockUDPSocket(), nil
	}
	var got []string
	deps.StartProducer = func(argv []string) (Process, error) {
		got = argv
		return newFakeProcess(true, true), nil
	}

	o, err := New(r.cfg, deps)
	require.NoError(t, err)
	want := []string{
		"/opt/pursuit/bin/vision-producer", "-v",
		"-config", "/etc/pursuit/devices.json",
		"-device", "DART_2",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("producer argv mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, o.Shutdown())
}

func TestNew_VisualProducerStartFailure(t *testing.T) {
	r, sock, _, deps := visualRig(t)
	deps.StartProducer = func([]string) (Process, error) { return nil, errors.New("executable not found") }

	_, err := New(r.cfg, deps)
	assert.ErrorContains(t, err, "executable not found")
	assert.True(t, sock.Closed)
	assert.Equal(t, 1, r.actuator.closes)
}

func TestStopProcess(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))

	t.Run("graceful", func(t *testing.T) {
		p := newFakeProcess(true, true)
		require.NoError(t, stopProcess(p, clock, 5*time.Second, 2*time.Second))
		assert.Equal(t, 1, p.stops)
		assert.Equal(t, 0, p.kills)
	})
	t.Run("already exited", func(t *testing.T) {
		p := newFakeProcess(true, true)
		p.exit()
		require.NoError(t, stopProcess(p, clock, 5*time.Second, 2*time.Second))
		assert.Equal(t, 0, p.stops)
	})
	t.Run("escalates to kill", func(t *testing.T) {
		p := newFakeProcess(false, true)
		require.NoError(t, stopProcess(p, clock, 0, 2*time.Second))
		assert.Equal(t, 1, p.stops)
		assert.Equal(t, 1, p.kills)
	})
	t.Run("survives kill", func(t *testing.T) {
		p := newFakeProcess(false, false)
		err := stopProcess(p, clock, 0, 0)
		assert.ErrorContains(t, err, "still running")
		assert.Equal(t, 1, p.kills)
	})
}

func TestStartExec_StopsChild(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	p, err := StartExec([]string{sleep, "30"})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)

	assert.NoError(t, p.Err(), "no exit status while running")

	require.NoError(t, stopProcess(p, timeutil.RealClock{}, 5*time.Second, 2*time.Second))
	select {
	case <-p.Done():
	default:
		t.Fatal("process not reaped")
	}
	assert.ErrorContains(t, p.Err(), "terminated")

	_, err = StartExec(nil)
	assert.Error(t, err)
}

func TestStartExec_ReportsExitStatus(t *testing.T) {
	muteLogs(t)
	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	wait := func(p Process) {
		t.Helper()
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("process did not exit")
		}
	}

	p, err := StartExec([]string{shell, "-c", "exit 3"})
	require.NoError(t, err)
	wait(p)
	var exitErr *exec.ExitError
	require.ErrorAs(t, p.Err(), &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	require.NoError(t, stopProcess(p, timeutil.RealClock{}, time.Second, time.Second))

	p, err = StartExec([]string{shell, "-c", "exit 0"})
	require.NoError(t, err)
	wait(p)
	assert.NoError(t, p.Err())
}

func TestRun_UntilCancelled(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}}
	deps := r.deps()
	deps.Telemetry = nil
	o, err := New(r.cfg, deps)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return len(r.actuator.Commands()) >= 5 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, StateTerminated, o.State())
	st := o.Stats()
	assert.GreaterOrEqual(t, st.Actuated, uint64(5))
	assert.Greater(t, st.ControlHz, 0.0)
	assert.Greater(t, st.Elapsed, time.Duration(0))
	assert.True(t, r.mocap.closed)

	assert.Error(t, o.Run(context.Background()), "a terminated loop cannot run again")
}

func TestAdminRoutes(t *testing.T) {
	r := newRig(t)
	r.mocap.script = []r3.Vector{{X: 2000}}
	o := r.start(t)
	o.Cycle(context.Background())

	mux := http.NewServeMux()
	o.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/pursuit", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var st Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "DART_1", st.DeviceID)
	assert.Equal(t, "mocap", st.Mode)
	assert.Equal(t, "initializing", st.State)
	assert.Equal(t, uint64(1), st.Actuated)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "shutting_down", StateShuttingDown.String())
	assert.Equal(t, "State(7)", State(7).String())
	assert.Equal(t, "skipped_lost", CycleSkippedLost.String())
	assert.Equal(t, "CycleOutcome(9)", CycleOutcome(9).String())
}
