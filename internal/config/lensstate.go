package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLensStore persists lens positions back into the device configuration
// file under devices.theia_state. Keys it does not know about are preserved.
type FileLensStore struct {
	Path string

	mu sync.Mutex
}

// NewFileLensStore returns a lens store backed by the config file at path.
func NewFileLensStore(path string) *FileLensStore {
	return &FileLensStore{Path: path}
}

// LoadLensState returns the stored lens state for device, or nil if none.
func (s *FileLensStore) LoadLensState(device string) (*LensState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := LoadFile(s.Path)
	if err != nil {
		return nil, err
	}
	cfg, ok := f[device]
	if !ok || cfg == nil || cfg.Devices == nil || cfg.Devices.TheiaState == nil {
		return nil, nil
	}
	st := *cfg.Devices.TheiaState
	return &st, nil
}

// SaveLensState writes state into the device's theia_state. The file is
// replaced atomically.
func (s *FileLensStore) SaveLensState(device string, state LensState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var root map[string]map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse config JSON: %w", err)
	}
	dev, ok := root[device]
	if !ok || dev == nil {
		return &ConfigError{Key: device, Reason: "no configuration for device"}
	}
	devices, _ := dev["devices"].(map[string]any)
	if devices == nil {
		devices = map[string]any{}
		dev["devices"] = devices
	}
	devices["theia_state"] = state

	out, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config JSON: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".devices-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp config: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}
