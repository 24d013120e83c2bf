// Package pursuit runs the tracking loop: each cycle turns the latest target
// measurement into mirror angles and a focus command, and records the
// result. The Orchestrator owns every device for the lifetime of a run.
package pursuit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/devices"
	"github.com/banshee-data/pursuit/internal/focus"
	"github.com/banshee-data/pursuit/internal/fusion"
	"github.com/banshee-data/pursuit/internal/geometry"
	"github.com/banshee-data/pursuit/internal/monitoring"
	"github.com/banshee-data/pursuit/internal/rt"
	"github.com/banshee-data/pursuit/internal/telemetry"
	"github.com/banshee-data/pursuit/internal/timeutil"
	"github.com/banshee-data/pursuit/internal/vision"
)

// LensStateStore persists lens positions across runs.
type LensStateStore interface {
	LoadLensState(device string) (*config.LensState, error)
	SaveLensState(device string, s config.LensState) error
}

// Deps are the collaborators the orchestrator is built from. Only Registry
// is required.
type Deps struct {
	Registry *devices.Registry

	Clock   timeutil.Clock
	Sleeper timeutil.Sleeper

	// LensStore is optional. Without it the lens starts from the positions
	// in the config file and nothing is saved at shutdown.
	LensStore LensStateStore

	// Telemetry receives one sample per actuated cycle. When nil the
	// orchestrator creates and owns a queue, and drains it at shutdown.
	// A caller-supplied queue is drained by the caller.
	Telemetry *telemetry.Queue

	// ListenVision opens the vision receive socket. Defaults to
	// vision.ListenUDP.
	ListenVision func(port int) (vision.UDPSocket, error)
	// StartProducer launches the vision producer. Defaults to StartExec.
	StartProducer ProcessStarter
	// ConfigPath is passed to the producer with -config so it reads the
	// same device file. Empty leaves the producer on its default path.
	ConfigPath string
	// ProducerArgs are appended to the configured producer command, after
	// the -config and -device flags.
	ProducerArgs []string

	// RealTime raises the scheduling priority of the loop in Run.
	RealTime bool
}

// Stats is a snapshot of loop counters.
type Stats struct {
	DeviceID  string
	Mode      string
	State     string
	StartedAt time.Time
	Elapsed   time.Duration

	Iterations     uint64
	Actuated       uint64
	SkippedLost    uint64
	Malformed      uint64
	ActuatorErrors uint64
	EncoderErrors  uint64
	FocusMoves     uint64
	FocusErrors    uint64

	TelemetryDropped uint64
	ControlHz        float64
	Vision           *vision.ReceiverStats `json:",omitempty"`
}

// Orchestrator is the tracking loop for one device.
type Orchestrator struct {
	cfg   *config.DeviceConfig
	mode  string
	clock timeutil.Clock
	sleep timeutil.Sleeper
	store LensStateStore

	transform *geometry.Transform
	estimator fusion.Estimator
	gate      *focus.Gate

	actuator devices.ActuatorDriver
	lens     devices.LensDriver // nil when unavailable
	mocap    devices.MeasurementSource
	receiver *vision.Receiver
	producer Process

	queue     *telemetry.Queue
	ownsQueue bool

	cycleSleep time.Duration
	stopWait   time.Duration
	killWait   time.Duration
	realTime   bool

	// lensState tracks the last commanded lens positions. Iris cannot be
	// read back from the driver.
	lensState config.LensState

	state     atomic.Int32
	lastCycle time.Time
	startedAt time.Time

	actuatorLog *monitoring.Sampler
	encoderLog  *monitoring.Sampler
	focusLog    *monitoring.Sampler

	mu      sync.Mutex
	stats   Stats
	endedAt time.Time

	shutdownOnce sync.Once
	shutdownErr  error
}

// New performs the Initializing phase: calibration, estimator, actuator,
// lens, and the measurement source for the configured mode. On error every
// resource opened so far is released and the orchestrator is not usable.
func New(cfg *config.DeviceConfig, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, errors.New("pursuit: no device registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Sleeper == nil {
		deps.Sleeper = timeutil.NewPerfSleeper(deps.Clock)
	}
	if deps.ListenVision == nil {
		deps.ListenVision = func(port int) (vision.UDPSocket, error) { return vision.ListenUDP(port) }
	}
	if deps.StartProducer == nil {
		deps.StartProducer = StartExec
	}

	o := &Orchestrator{
		cfg:         cfg,
		mode:        cfg.GetMode(),
		clock:       deps.Clock,
		sleep:       deps.Sleeper,
		store:       deps.LensStore,
		queue:       deps.Telemetry,
		cycleSleep:  cfg.GetCycleSleep(),
		stopWait:    cfg.GetStopTimeout(),
		killWait:    cfg.GetKillTimeout(),
		realTime:    deps.RealTime,
		actuatorLog: monitoring.NewSampler(50),
		encoderLog:  monitoring.NewSampler(50),
		focusLog:    monitoring.NewSampler(50),
	}
	if o.queue == nil {
		o.queue = telemetry.NewQueue(cfg.GetTelemetryQueue())
		o.ownsQueue = true
	}
	o.state.Store(int32(StateInitializing))
	o.lastCycle = o.clock.Now()
	o.stats.DeviceID = cfg.ID
	o.stats.Mode = o.mode

	if err := o.init(deps); err != nil {
		if cerr := o.release(false); cerr != nil {
			log.Printf("Error releasing resources after failed start of %s: %v", cfg.ID, cerr)
		}
		o.state.Store(int32(StateTerminated))
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) init(deps Deps) error {
	var err error
	o.transform, err = geometry.NewTransform(o.cfg)
	if err != nil {
		return err
	}
	log.Printf("Calibration loaded for %s: mirror mid %.2f, pan %s, tilt %s",
		o.cfg.ID, o.cfg.GetMirrorMid(), o.transform.Pan.Direction, o.transform.Tilt.Direction)

	o.estimator = fusion.New(o.cfg)

	o.actuator, err = deps.Registry.OpenActuator(o.cfg)
	if err != nil {
		return err
	}
	if err := o.actuator.Open(); err != nil {
		return fmt.Errorf("failed to open actuator for %s: %w", o.cfg.ID, err)
	}

	o.gate = focus.NewGate(focus.NewController(o.cfg.GetLensCoefficients()), o.cfg.GetFocusHysteresisM())
	lens, err := deps.Registry.OpenLens(o.cfg)
	if err != nil {
		log.Printf("Lens unavailable for %s, focus control disabled: %v", o.cfg.ID, err)
	} else if lens != nil {
		o.lens = o.bringUpLens(lens)
	} else {
		log.Printf("No lens port configured for %s, focus control disabled", o.cfg.ID)
	}

	switch o.mode {
	case config.ModeVisual:
		return o.initVisual(deps)
	default:
		o.mocap, err = deps.Registry.OpenMocap(o.cfg)
		if err != nil {
			return err
		}
		if err := o.mocap.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start mocap for %s: %w", o.cfg.ID, err)
		}
		log.Printf("Mocap tracking for %s using %s", o.cfg.ID, o.cfg.GetMocapSystem())
	}
	return nil
}

func (o *Orchestrator) initVisual(deps Deps) error {
	port := o.cfg.GetVisionPort()
	sock, err := deps.ListenVision(port)
	if err != nil {
		return fmt.Errorf("failed to bind vision port %d: %w", port, err)
	}
	o.receiver = vision.NewReceiver(sock, vision.ReceiverConfig{
		Timeout: o.cfg.GetReceiveTimeout(),
		RcvBuf:  65536,
		Clock:   o.clock,
	})

	o.producer, err = deps.StartProducer(producerArgv(o.cfg, deps))
	if err != nil {
		return err
	}
	log.Printf("Visual tracking for %s: receiving on port %d, producer pid %d", o.cfg.ID, port, o.producer.Pid())
	return nil
}

func (o *Orchestrator) refocus(sample *telemetry.Sample) {
	steps, move := o.gate.Check(sample.DistanceM)
	if !move {
		return
	}
	if err := o.lens.MoveAbsolute(devices.LensFocus, steps); err != nil {
		o.focusLog.Logf("Focus command to %d steps failed: %v", steps, err)
		o.count(func(s *Stats) { s.FocusErrors++ })
		return
	}
	o.lensState.FocusPosition = steps
	sample.FocusSteps = steps
	sample.FocusMoved = true
	o.count(func(s *Stats) { s.FocusMoves++ })
}

// producerArgv is the configured command followed by the flags that point
// the producer at this device's entry in the config file.
func producerArgv(cfg *config.DeviceConfig, deps Deps) []string {
	argv := append([]string(nil), cfg.GetProducerCommand()...)
	if deps.ConfigPath != "" {
		argv = append(argv, "-config", deps.ConfigPath)
	}
	argv = append(argv, "-device", cfg.ID)
	return append(argv, deps.ProducerArgs...)
}

// Run executes control cycles until ctx is cancelled, then shuts down. It
// returns the shutdown error, if any.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return fmt.Errorf("pursuit: cannot run from state %s", o.State())
	}
	o.startedAt = o.clock.Now()
	o.lastCycle = o.startedAt
	o.mu.Lock()
	o.stats.StartedAt = o.startedAt
	o.mu.Unlock()
	log.Printf("Tracking loop running for %s (%s mode)", o.cfg.ID, o.mode)

	if o.realTime {
		release, _ := rt.Elevate(rt.DefaultNice)
		defer release()
	}
	for {
		if o.Cycle(ctx) == CycleCancelled {
			break
		}
	}
	return o.Shutdown()
}

// Cycle runs one control cycle: acquire, estimate, focus, actuate, read
// back and record. Faults inside a cycle are logged and counted; they never
// stop the loop.
func (o *Orchestrator) Cycle(ctx context.Context) CycleOutcome {
	if ctx.Err() != nil {
		return CycleCancelled
	}

	m, outcome := o.measure(ctx)
	switch outcome {
	case CycleCancelled:
		return outcome
	case CycleMalformed:
		o.count(func(s *Stats) { s.Iterations++; s.Malformed++ })
		return outcome
	}

	now := o.clock.Now()
	dt := now.Sub(o.lastCycle)
	o.lastCycle = now

	est := o.estimator.Step(m, dt)
	if est.Lost {
		o.count(func(s *Stats) { s.Iterations++; s.SkippedLost++ })
		return CycleSkippedLost
	}

	sample := telemetry.Sample{
		Timestamp:  now,
		Position:   est.Position,
		DistanceM:  o.transform.Frame.DistanceM(est.Position),
		FocusSteps: o.lensState.FocusPosition,
	}
	// The gate only advances when there is a lens to move.
	if o.lens != nil {
		o.refocus(&sample)
	}

	sample.PanDeg, sample.TiltDeg = o.transform.Angles(est.Position)
	if err := o.actuator.SetSyncAngles(sample.PanDeg, sample.TiltDeg); err != nil {
		o.actuatorLog.Logf("Failed to command mirror to pan %.2f tilt %.2f: %v", sample.PanDeg, sample.TiltDeg, err)
		o.count(func(s *Stats) { s.ActuatorErrors++ })
	}

	if o.mode != config.ModeVisual && o.cycleSleep > 0 {
		o.sleep.Sleep(o.cycleSleep)
	}

	if pan, tilt, err := o.actuator.SyncAngles(); err != nil {
		o.encoderLog.Logf("Failed to read mirror encoders: %v", err)
		o.count(func(s *Stats) { s.EncoderErrors++ })
	} else {
		sample.EncoderPanDeg = round2(pan)
		sample.EncoderTiltDeg = round2(tilt)
		sample.EncoderOK = true
	}

	o.queue.TryPush(sample)
	o.count(func(s *Stats) { s.Iterations++; s.Actuated++ })
	return CycleActuated
}

// measure acquires this cycle's target measurement from the active source.
// Only CycleCancelled and CycleMalformed are meaningful outcomes; anything
// else means m is valid (possibly Lost).
func (o *Orchestrator) measure(ctx context.Context) (fusion.Measurement, CycleOutcome) {
	if o.receiver == nil {
		pos, lost := o.mocap.Current()
		return fusion.Measurement{Position: pos, Lost: lost}, CycleActuated
	}
	pkt, status := o.receiver.Receive(ctx)
	switch status {
	case vision.StatusOK:
		return fusion.Measurement{Position: pkt.Point}, CycleActuated
	case vision.StatusMalformed:
		return fusion.Measurement{}, CycleMalformed
	case vision.StatusClosed:
		return fusion.Measurement{}, CycleCancelled
	default:
		return fusion.Measurement{Lost: true}, CycleActuated
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (o *Orchestrator) count(f func(*Stats)) {
	o.mu.Lock()
	f(&o.stats)
	o.mu.Unlock()
}

// Shutdown stops the producer, closes every device and persists the lens
// state. Every step runs even if an earlier one fails; the errors are
// joined. It is safe to call more than once.
func (o *Orchestrator) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.state.Store(int32(StateShuttingDown))
		o.mu.Lock()
		o.endedAt = o.clock.Now()
		o.mu.Unlock()

		st := o.Stats()
		log.Printf("Shutting down %s: %d cycles (%d actuated, %d lost, %d malformed) at %.1f Hz",
			o.cfg.ID, st.Iterations, st.Actuated, st.SkippedLost, st.Malformed, st.ControlHz)
		if st.ActuatorErrors > 0 || st.EncoderErrors > 0 || st.FocusErrors > 0 {
			log.Printf("Device errors during run: %d actuator, %d encoder, %d focus",
				st.ActuatorErrors, st.EncoderErrors, st.FocusErrors)
		}

		o.shutdownErr = o.release(true)

		if o.ownsQueue {
			if n := o.queue.Drain(); n > 0 {
				log.Printf("Discarded %d unrecorded telemetry samples", n)
			}
		}
		o.state.Store(int32(StateTerminated))
		log.Printf("Tracking loop for %s terminated", o.cfg.ID)
	})
	return o.shutdownErr
}

// release frees everything New acquired, in reverse dependency order.
func (o *Orchestrator) release(saveLens bool) error {
	var errs []error
	if o.producer != nil {
		if err := stopProcess(o.producer, o.clock, o.stopWait, o.killWait); err != nil {
			errs = append(errs, err)
		}
	}
	if o.receiver != nil {
		if err := o.receiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close vision receiver: %w", err))
		}
	}
	if saveLens && o.lens != nil {
		if err := o.saveLensState(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.mocap != nil {
		if err := o.mocap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mocap: %w", err))
		}
	}
	if o.actuator != nil {
		if err := o.actuator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close actuator: %w", err))
		}
	}
	if o.lens != nil {
		if err := o.lens.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("failed to disconnect lens: %w", err))
		}
	}
	return errors.Join(errs...)
}

// State returns the current lifecycle phase.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Stats returns a snapshot of the loop counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	st := o.stats
	end := o.endedAt
	o.mu.Unlock()

	st.State = o.State().String()
	st.TelemetryDropped = o.queue.Dropped()
	if !st.StartedAt.IsZero() {
		if end.IsZero() {
			end = o.clock.Now()
		}
		st.Elapsed = end.Sub(st.StartedAt)
		if st.Elapsed > 0 {
			st.ControlHz = float64(st.Iterations) / st.Elapsed.Seconds()
		}
	}
	if o.receiver != nil {
		rs := o.receiver.Stats()
		st.Vision = &rs
	}
	return st
}

// Lens returns the lens driver, or nil when focus control is disabled.
func (o *Orchestrator) Lens() devices.LensDriver { return o.lens }
