package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by TestablePort after Close.
var ErrClosed = errors.New("serial port closed")

// TestablePort implements TimeoutPort in memory for tests and simulated
// devices.
type TestablePort struct {
	mu sync.Mutex

	Path    string
	Options Options

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer
	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned once by the next call if set.
	ReadError  error
	WriteError error
	CloseError error

	Closed      bool
	ReadTimeout time.Duration
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// TestableOpener returns an Opener that hands out TestablePorts and records
// them by path.
func TestableOpener(opened map[string]*TestablePort) Opener {
	var mu sync.Mutex
	return func(path string, opts Options) (Port, error) {
		if path == "" {
			return nil, errors.New("no serial port path given")
		}
		if _, err := opts.Normalise(); err != nil {
			return nil, err
		}
		p := NewTestablePort()
		p.Path, p.Options = path, opts
		if opened != nil {
			mu.Lock()
			opened[path] = p
			mu.Unlock()
		}
		return p, nil
	}
}

func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, ErrClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, ErrClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutPort.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// IsClosed reports whether Close was called.
func (t *TestablePort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}
