// Package serialport opens the serial lines used by the actuator and lens
// drivers.
package serialport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/pursuit/internal/config"
)

// Options describes the serial connection parameters used when opening a
// port. The fields mirror config.SerialOptions.
type Options struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// FromConfig converts device config line settings.
func FromConfig(o config.SerialOptions) Options {
	return Options{BaudRate: o.BaudRate, DataBits: o.DataBits, StopBits: o.StopBits, Parity: o.Parity}
}

// Normalise validates the options and applies defaults for any unset values.
// An unset baud rate defaults to 115200.
func (o Options) Normalise() (Options, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// String renders the options as e.g. "1000000 8N1".
func (o Options) String() string {
	return fmt.Sprintf("%d %d%s%d", o.BaudRate, o.DataBits, o.Parity, o.StopBits)
}

// SerialMode converts the options into the serial.Mode structure required
// by go.bug.st/serial.
func (o Options) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalise()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}
