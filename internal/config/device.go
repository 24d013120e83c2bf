package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultConfigPath is the device configuration file used when no -config
// flag is given.
const DefaultConfigPath = "config/devices.json"

// Tracking modes.
const (
	ModeMocap  = "mocap"
	ModeVisual = "visual"
)

// Mocap systems.
const (
	MocapQualisys  = "qualisys"
	MocapVicon     = "vicon"
	MocapSimulated = "simulated"
)

// Angle remap directions. "decreasing" maps +45° to the low end of the
// operating band, "increasing" maps +45° to the high end.
const (
	DirectionDecreasing = "decreasing"
	DirectionIncreasing = "increasing"
)

// File is the on-disk configuration: one DeviceConfig per device identity.
type File map[string]*DeviceConfig

// DeviceConfig is the configuration of one pursuit device. Every field is
// optional in JSON; Get* methods supply defaults and Validate enforces the
// keys the control loop cannot run without.
type DeviceConfig struct {
	// ID is the device identity the config was loaded for.
	ID string `json:"-"`

	HardwareParams  *HardwareParams  `json:"hardware_params,omitempty"`
	Calibration     *Calibration     `json:"calibration,omitempty"`
	Devices         *Devices         `json:"devices,omitempty"`
	Tracking        *Tracking        `json:"tracking,omitempty"`
	LensCalibration *LensCalibration `json:"lens_calibration,omitempty"`
	Vision          *Vision          `json:"vision,omitempty"`
}

type HardwareParams struct {
	MirrorMid *float64 `json:"mirror_mid,omitempty"`
}

// Calibration relates the global tracking frame to the pan and tilt frames.
type Calibration struct {
	PanOrigin      []float64   `json:"pan_origin,omitempty"`
	TiltOrigin     []float64   `json:"tilt_origin,omitempty"`
	RotationMatrix [][]float64 `json:"rotation_matrix,omitempty"`
}

// SerialOptions mirrors the serial line settings of a device port.
type SerialOptions struct {
	BaudRate int    `json:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty"`
}

// LensState holds the last known lens motor positions in steps.
type LensState struct {
	ZoomPosition  int `json:"zoom_position"`
	FocusPosition int `json:"focus_position"`
	IrisPosition  int `json:"iris_position"`
}

type Devices struct {
	DynamixelPort   *string        `json:"dynamixel_port,omitempty"`
	DynamixelDriver *string        `json:"dynamixel_driver,omitempty"`
	DynamixelSerial *SerialOptions `json:"dynamixel_serial,omitempty"`
	TheiaPort       *string        `json:"theia_port,omitempty"`
	TheiaDriver     *string        `json:"theia_driver,omitempty"`
	TheiaSerial     *SerialOptions `json:"theia_serial,omitempty"`
	TheiaState      *LensState     `json:"theia_state,omitempty"`
	Mocap           *Mocap         `json:"mocap,omitempty"`
}

type Mocap struct {
	System *string `json:"system,omitempty"`
	IP     *string `json:"ip,omitempty"`
	Port   *int    `json:"port,omitempty"`
}

// OutlierRejection configures the jump gate applied to incoming measurements.
type OutlierRejection struct {
	Enabled         *bool    `json:"enabled,omitempty"`
	MaxJumpMM       *float64 `json:"max_jump_mm,omitempty"`
	ProbationFrames *int     `json:"probation_frames,omitempty"`
}

type Tracking struct {
	UseKalman        *bool             `json:"use_kalman,omitempty"`
	Mode             *string           `json:"mode,omitempty"`
	LatencyMs        *float64          `json:"latency_ms,omitempty"`
	LeadMs           *float64          `json:"lead_ms,omitempty"`
	LeadSpeedMPS     *float64          `json:"lead_speed_mps,omitempty"`
	FocusHysteresisM *float64          `json:"focus_hysteresis_m,omitempty"`
	PanDirection     *string           `json:"pan_direction,omitempty"`
	TiltDirection    *string           `json:"tilt_direction,omitempty"`
	CycleSleepMs     *float64          `json:"cycle_sleep_ms,omitempty"`
	TelemetryQueue   *int              `json:"telemetry_queue,omitempty"`
	ProcessNoise     *float64          `json:"process_noise,omitempty"`
	MeasurementNoise *float64          `json:"measurement_noise,omitempty"`
	AdaptWindow      *int              `json:"adapt_window,omitempty"`
	OutlierRejection *OutlierRejection `json:"outlier_rejection,omitempty"`
}

// LensCalibration maps focus distance to motor steps. Coefficients are
// polynomial coefficients, highest degree first.
type LensCalibration struct {
	Coefficients []float64 `json:"coefficients,omitempty"`
	ZoomSteps    *int      `json:"zoom_steps,omitempty"`
}

type Vision struct {
	UDPPort          *int     `json:"udp_port,omitempty"`
	BroadcastPorts   []int    `json:"broadcast_ports,omitempty"`
	BroadcastAddr    *string  `json:"broadcast_addr,omitempty"`
	ReceiveTimeoutMs *int     `json:"receive_timeout_ms,omitempty"`
	ProducerCommand  []string `json:"producer_command,omitempty"`
	StopTimeoutMs    *int     `json:"stop_timeout_ms,omitempty"`
	KillTimeoutMs    *int     `json:"kill_timeout_ms,omitempty"`
	FPS              *float64 `json:"fps,omitempty"`
}

// ConfigError reports a missing or invalid configuration key. Startup must
// not proceed past one.
type ConfigError struct {
	Device string
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config %s.%s: %s", e.Device, e.Key, e.Reason)
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func missing(device, key string) error {
	return &ConfigError{Device: device, Key: key, Reason: "missing"}
}

func invalid(device, key, format string, v ...interface{}) error {
	return &ConfigError{Device: device, Key: key, Reason: fmt.Sprintf(format, v...)}
}

// LoadFile loads a device configuration file.
// The file must have a .json extension and be under 1MB.
func LoadFile(path string) (File, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f := File{}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return f, nil
}

// Device returns the validated configuration for one device identity.
func (f File) Device(id string) (*DeviceConfig, error) {
	cfg, ok := f[id]
	if !ok || cfg == nil {
		return nil, &ConfigError{Key: id, Reason: fmt.Sprintf("no configuration for device (have %v)", f.IDs())}
	}
	cfg.ID = id
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IDs returns the configured device identities in sorted order.
func (f File) IDs() []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the keys the control loop requires and the values that
// have a constrained domain.
func (c *DeviceConfig) Validate() error {
	if c.Calibration == nil {
		return missing(c.ID, "calibration")
	}
	if len(c.Calibration.PanOrigin) == 0 {
		return missing(c.ID, "calibration.pan_origin")
	}
	if len(c.Calibration.PanOrigin) != 3 {
		return invalid(c.ID, "calibration.pan_origin", "want 3 elements, got %d", len(c.Calibration.PanOrigin))
	}
	if len(c.Calibration.TiltOrigin) == 0 {
		return missing(c.ID, "calibration.tilt_origin")
	}
	if len(c.Calibration.TiltOrigin) != 3 {
		return invalid(c.ID, "calibration.tilt_origin", "want 3 elements, got %d", len(c.Calibration.TiltOrigin))
	}
	if len(c.Calibration.RotationMatrix) == 0 {
		return missing(c.ID, "calibration.rotation_matrix")
	}
	if len(c.Calibration.RotationMatrix) != 3 {
		return invalid(c.ID, "calibration.rotation_matrix", "want 3 rows, got %d", len(c.Calibration.RotationMatrix))
	}
	for i, row := range c.Calibration.RotationMatrix {
		if len(row) != 3 {
			return invalid(c.ID, "calibration.rotation_matrix", "row %d: want 3 columns, got %d", i, len(row))
		}
	}

	if c.GetDynamixelPort() == "" {
		return missing(c.ID, "devices.dynamixel_port")
	}

	switch mode := c.GetMode(); mode {
	case ModeMocap:
		if err := c.validateMocap(); err != nil {
			return err
		}
	case ModeVisual:
	default:
		return invalid(c.ID, "tracking.mode", "unknown tracking mode %q", mode)
	}

	for _, key := range []struct {
		name, value string
	}{
		{"tracking.pan_direction", c.GetPanDirection()},
		{"tracking.tilt_direction", c.GetTiltDirection()},
	} {
		if key.value != DirectionDecreasing && key.value != DirectionIncreasing {
			return invalid(c.ID, key.name, "must be %q or %q, got %q", DirectionDecreasing, DirectionIncreasing, key.value)
		}
	}

	if h := c.GetFocusHysteresisM(); h < 0 {
		return invalid(c.ID, "tracking.focus_hysteresis_m", "must be non-negative, got %f", h)
	}
	if n := c.GetTelemetryQueue(); n <= 0 {
		return invalid(c.ID, "tracking.telemetry_queue", "must be positive, got %d", n)
	}
	if n := c.GetProbationFrames(); n < 0 {
		return invalid(c.ID, "tracking.outlier_rejection.probation_frames", "must be non-negative, got %d", n)
	}
	if c.GetMode() == ModeVisual && len(c.GetProducerCommand()) == 0 {
		return missing(c.ID, "vision.producer_command")
	}
	return nil
}

func (c *DeviceConfig) validateMocap() error {
	switch system := c.GetMocapSystem(); system {
	case MocapSimulated:
		return nil
	case MocapQualisys:
		if c.GetMocapIP() == "" {
			return missing(c.ID, "devices.mocap.ip")
		}
	case MocapVicon:
		if c.GetMocapIP() == "" {
			return missing(c.ID, "devices.mocap.ip")
		}
		if c.GetMocapPort() == 0 {
			return missing(c.ID, "devices.mocap.port")
		}
	default:
		return invalid(c.ID, "devices.mocap.system", "unknown mocap system %q", system)
	}
	return nil
}

// GetMirrorMid returns the motor neutral angle in degrees.
func (c *DeviceConfig) GetMirrorMid() float64 {
	if c.HardwareParams == nil || c.HardwareParams.MirrorMid == nil {
		return 45
	}
	return *c.HardwareParams.MirrorMid
}

func (c *DeviceConfig) devices() *Devices {
	if c.Devices == nil {
		return &Devices{}
	}
	return c.Devices
}

func (c *DeviceConfig) tracking() *Tracking {
	if c.Tracking == nil {
		return &Tracking{}
	}
	return c.Tracking
}

func (c *DeviceConfig) vision() *Vision {
	if c.Vision == nil {
		return &Vision{}
	}
	return c.Vision
}

func (c *DeviceConfig) mocap() *Mocap {
	if m := c.devices().Mocap; m != nil {
		return m
	}
	return &Mocap{}
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func msOr(p *int, def time.Duration) time.Duration {
	if p == nil || *p <= 0 {
		return def
	}
	return time.Duration(*p) * time.Millisecond
}

func (c *DeviceConfig) GetDynamixelPort() string   { return stringOr(c.devices().DynamixelPort, "") }
func (c *DeviceConfig) GetDynamixelDriver() string { return stringOr(c.devices().DynamixelDriver, "dynamixel") }
func (c *DeviceConfig) GetTheiaPort() string       { return stringOr(c.devices().TheiaPort, "") }
func (c *DeviceConfig) GetTheiaDriver() string     { return stringOr(c.devices().TheiaDriver, "theia") }

// GetDynamixelSerial returns the actuator line settings, default 1Mbaud 8N1.
func (c *DeviceConfig) GetDynamixelSerial() SerialOptions {
	return serialOr(c.devices().DynamixelSerial, 1000000)
}

// GetTheiaSerial returns the lens line settings, default 115200 8N1.
func (c *DeviceConfig) GetTheiaSerial() SerialOptions {
	return serialOr(c.devices().TheiaSerial, 115200)
}

func serialOr(o *SerialOptions, baud int) SerialOptions {
	out := SerialOptions{BaudRate: baud, DataBits: 8, StopBits: 1, Parity: "N"}
	if o == nil {
		return out
	}
	if o.BaudRate > 0 {
		out.BaudRate = o.BaudRate
	}
	if o.DataBits > 0 {
		out.DataBits = o.DataBits
	}
	if o.StopBits > 0 {
		out.StopBits = o.StopBits
	}
	if o.Parity != "" {
		out.Parity = o.Parity
	}
	return out
}

// GetTheiaState returns the lens positions stored in the config file.
func (c *DeviceConfig) GetTheiaState() LensState {
	if s := c.devices().TheiaState; s != nil {
		return *s
	}
	return LensState{}
}

func (c *DeviceConfig) GetMocapSystem() string { return stringOr(c.mocap().System, MocapQualisys) }
func (c *DeviceConfig) GetMocapIP() string     { return stringOr(c.mocap().IP, "") }
func (c *DeviceConfig) GetMocapPort() int      { return intOr(c.mocap().Port, 0) }

// GetUseKalman reports whether sensor fusion is enabled (default true).
func (c *DeviceConfig) GetUseKalman() bool {
	if p := c.tracking().UseKalman; p != nil {
		return *p
	}
	return true
}

// GetMode returns the tracking mode (default mocap).
func (c *DeviceConfig) GetMode() string { return stringOr(c.tracking().Mode, ModeMocap) }

// GetLatency returns the fixed post-filter latency compensation.
func (c *DeviceConfig) GetLatency() time.Duration {
	return time.Duration(floatOr(c.tracking().LatencyMs, 1) * float64(time.Millisecond))
}

// GetLead returns the extra extrapolation horizon applied to fast targets.
func (c *DeviceConfig) GetLead() time.Duration {
	return time.Duration(floatOr(c.tracking().LeadMs, 2) * float64(time.Millisecond))
}

// GetLeadSpeedMPS returns the speed above which the extra lead is applied.
func (c *DeviceConfig) GetLeadSpeedMPS() float64 { return floatOr(c.tracking().LeadSpeedMPS, 5.0) }

// GetFocusHysteresisM returns the focus re-command threshold in metres. The
// vision feed is noisier, so its default is wider.
func (c *DeviceConfig) GetFocusHysteresisM() float64 {
	def := 0.1
	if c.GetMode() == ModeVisual {
		def = 0.3
	}
	return floatOr(c.tracking().FocusHysteresisM, def)
}

// GetPanDirection returns the pan remap direction. Mocap calibration maps
// +45° to the low end; the vision frame is mirrored in pan.
func (c *DeviceConfig) GetPanDirection() string {
	def := DirectionDecreasing
	if c.GetMode() == ModeVisual {
		def = DirectionIncreasing
	}
	return stringOr(c.tracking().PanDirection, def)
}

func (c *DeviceConfig) GetTiltDirection() string {
	return stringOr(c.tracking().TiltDirection, DirectionDecreasing)
}

// GetCycleSleep returns the per-cycle pacing sleep used when the loop is not
// blocked on the vision channel.
func (c *DeviceConfig) GetCycleSleep() time.Duration {
	return time.Duration(floatOr(c.tracking().CycleSleepMs, 1) * float64(time.Millisecond))
}

func (c *DeviceConfig) GetTelemetryQueue() int { return intOr(c.tracking().TelemetryQueue, 256) }

func (c *DeviceConfig) GetProcessNoise() float64 { return floatOr(c.tracking().ProcessNoise, 50) }

func (c *DeviceConfig) GetMeasurementNoise() float64 {
	return floatOr(c.tracking().MeasurementNoise, 1)
}

func (c *DeviceConfig) GetAdaptWindow() int { return intOr(c.tracking().AdaptWindow, 20) }

func (c *DeviceConfig) outlier() *OutlierRejection {
	if o := c.tracking().OutlierRejection; o != nil {
		return o
	}
	return &OutlierRejection{}
}

// GetOutlierRejection reports whether the jump gate is active (default off).
func (c *DeviceConfig) GetOutlierRejection() bool {
	if p := c.outlier().Enabled; p != nil {
		return *p
	}
	return false
}

func (c *DeviceConfig) GetMaxJumpMM() float64  { return floatOr(c.outlier().MaxJumpMM, 500) }
func (c *DeviceConfig) GetProbationFrames() int { return intOr(c.outlier().ProbationFrames, 10) }

// GetLensCoefficients returns the focus polynomial, or nil if uncalibrated.
func (c *DeviceConfig) GetLensCoefficients() []float64 {
	if c.LensCalibration == nil {
		return nil
	}
	return c.LensCalibration.Coefficients
}

// GetZoomSteps returns the operational zoom position and whether one is set.
func (c *DeviceConfig) GetZoomSteps() (int, bool) {
	if c.LensCalibration == nil || c.LensCalibration.ZoomSteps == nil {
		return 0, false
	}
	return *c.LensCalibration.ZoomSteps, true
}

// GetVisionPort returns the UDP port this device receives vision packets on.
func (c *DeviceConfig) GetVisionPort() int {
	if p := c.vision().UDPPort; p != nil && *p > 0 {
		return *p
	}
	switch c.ID {
	case "DART_1":
		return 12345
	case "DART_2":
		return 12346
	default:
		return 12347
	}
}

// GetBroadcastPorts returns the ports the vision producer fans out to.
func (c *DeviceConfig) GetBroadcastPorts() []int {
	if ports := c.vision().BroadcastPorts; len(ports) > 0 {
		return ports
	}
	return []int{12345, 12346, 12347}
}

func (c *DeviceConfig) GetBroadcastAddr() string {
	return stringOr(c.vision().BroadcastAddr, "255.255.255.255")
}

func (c *DeviceConfig) GetReceiveTimeout() time.Duration {
	return msOr(c.vision().ReceiveTimeoutMs, 100*time.Millisecond)
}

// GetProducerCommand returns the argv of the vision producer process.
func (c *DeviceConfig) GetProducerCommand() []string {
	if cmd := c.vision().ProducerCommand; len(cmd) > 0 {
		return cmd
	}
	return []string{"vision-producer"}
}

func (c *DeviceConfig) GetStopTimeout() time.Duration {
	return msOr(c.vision().StopTimeoutMs, 5*time.Second)
}

func (c *DeviceConfig) GetKillTimeout() time.Duration {
	return msOr(c.vision().KillTimeoutMs, 2*time.Second)
}

func (c *DeviceConfig) GetVisionFPS() float64 { return floatOr(c.vision().FPS, 120) }
