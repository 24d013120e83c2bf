package devices

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/banshee-data/pursuit/internal/config"
	"github.com/banshee-data/pursuit/internal/serialport"
)

// ErrNotRegistered is returned when config names a driver no factory was
// registered for.
var ErrNotRegistered = errors.New("driver not registered")

type (
	ActuatorFactory func(port serialport.Port, cfg *config.DeviceConfig) (ActuatorDriver, error)
	LensFactory     func(port serialport.Port, cfg *config.DeviceConfig) (LensDriver, error)
	MocapFactory    func(cfg *config.DeviceConfig) (MeasurementSource, error)
)

// Registry maps driver names from device config to factories. Actuator and
// lens factories receive an already opened serial port.
type Registry struct {
	mu        sync.RWMutex
	actuators map[string]ActuatorFactory
	lenses    map[string]LensFactory
	mocaps    map[string]MocapFactory

	// Opener opens serial ports for actuator and lens factories.
	Opener serialport.Opener
}

// NewRegistry returns a registry that opens real serial ports. Only the
// simulated mocap system is registered.
func NewRegistry() *Registry {
	r := &Registry{
		actuators: make(map[string]ActuatorFactory),
		lenses:    make(map[string]LensFactory),
		mocaps:    make(map[string]MocapFactory),
		Opener:    serialport.Open,
	}
	r.RegisterMocap(config.MocapSimulated, func(cfg *config.DeviceConfig) (MeasurementSource, error) {
		return NewSimMocap(nil), nil
	})
	return r
}

func (r *Registry) RegisterActuator(name string, f ActuatorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actuators[name] = f
}

func (r *Registry) RegisterLens(name string, f LensFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lenses[name] = f
}

func (r *Registry) RegisterMocap(system string, f MocapFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mocaps[system] = f
}

// Names lists the registered drivers by kind, for diagnostics.
func (r *Registry) Names() (actuators, lenses, mocaps []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.actuators), sortedKeys(r.lenses), sortedKeys(r.mocaps)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenActuator opens the actuator port and constructs the configured driver.
// The driver is returned unopened; the caller calls Open.
func (r *Registry) OpenActuator(cfg *config.DeviceConfig) (ActuatorDriver, error) {
	name := cfg.GetDynamixelDriver()
	r.mu.RLock()
	f, ok := r.actuators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("actuator %q: %w", name, ErrNotRegistered)
	}

	opts := serialport.FromConfig(cfg.GetDynamixelSerial())
	port, err := r.Opener(cfg.GetDynamixelPort(), opts)
	if err != nil {
		return nil, fmt.Errorf("actuator port: %w", err)
	}
	drv, err := f(port, cfg)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("actuator %q: %w", name, err)
	}
	log.Printf("Actuator %q on %s (%s)", name, cfg.GetDynamixelPort(), opts)
	return drv, nil
}

// OpenLens constructs the configured lens driver. It returns nil, nil when
// the device has no lens port configured.
func (r *Registry) OpenLens(cfg *config.DeviceConfig) (LensDriver, error) {
	path := cfg.GetTheiaPort()
	if path == "" {
		return nil, nil
	}
	name := cfg.GetTheiaDriver()
	r.mu.RLock()
	f, ok := r.lenses[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("lens %q: %w", name, ErrNotRegistered)
	}

	opts := serialport.FromConfig(cfg.GetTheiaSerial())
	port, err := r.Opener(path, opts)
	if err != nil {
		return nil, fmt.Errorf("lens port: %w", err)
	}
	drv, err := f(port, cfg)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("lens %q: %w", name, err)
	}
	log.Printf("Lens %q on %s (%s)", name, path, opts)
	return drv, nil
}

// OpenMocap constructs the measurement source for the configured mocap
// system. A system with no registered client is a configuration error.
func (r *Registry) OpenMocap(cfg *config.DeviceConfig) (MeasurementSource, error) {
	system := cfg.GetMocapSystem()
	r.mu.RLock()
	f, ok := r.mocaps[system]
	r.mu.RUnlock()
	if !ok {
		return nil, &config.ConfigError{
			Device: cfg.ID,
			Key:    "devices.mocap.system",
			Reason: fmt.Sprintf("no client available for mocap system %q", system),
		}
	}
	src, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("mocap %q: %w", system, err)
	}
	return src, nil
}
