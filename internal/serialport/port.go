package serialport

import (
	"fmt"
	"io"
	"sort"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal interface drivers need from an open serial line.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort is implemented by ports that support a read timeout.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a serial port at path.
type Opener func(path string, opts Options) (Port, error)

// Open opens a real serial port at path.
func Open(path string, opts Options) (Port, error) {
	if path == "" {
		return nil, fmt.Errorf("no serial port path given")
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("invalid options for %s: %w", path, err)
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return port, nil
}

// ListPorts returns the serial ports present on the system, sorted.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}
