package vision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/pursuit/internal/monitoring"
	"github.com/banshee-data/pursuit/internal/timeutil"
)

// Status is the outcome of one Receive call.
type Status int

const (
	// StatusOK means a valid packet was received.
	StatusOK Status = iota
	// StatusTimeout means nothing arrived within the receive timeout. The
	// caller treats the target as lost for this cycle.
	StatusTimeout
	// StatusMalformed means a datagram arrived but failed validation.
	StatusMalformed
	// StatusClosed means the context ended or the socket was closed.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusMalformed:
		return "malformed"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Timeout bounds one Receive call.
	Timeout time.Duration
	// PollInterval is the read deadline granularity; the context is checked
	// between polls.
	PollInterval time.Duration
	// RcvBuf is the socket receive buffer size. Zero leaves the OS default.
	RcvBuf int
	// SilenceWarning is how long without any packet before a warning is
	// logged.
	SilenceWarning time.Duration
	Clock          timeutil.Clock
}

// ReceiverStats is a snapshot of receive counters.
type ReceiverStats struct {
	Received     uint64
	Malformed    uint64
	Timeouts     uint64
	ReadErrors   uint64
	LastFrameID  int64
	LastPacketAt time.Time
}

// Receiver performs the control loop's blocking receive on the vision
// channel. Receive returns as soon as one datagram arrives, so the loop runs
// at the packet arrival rate.
type Receiver struct {
	sock UDPSocket
	cfg  ReceiverConfig
	buf  []byte

	started         time.Time
	silenceReported bool

	malformedLog *monitoring.Sampler
	readErrLog   *monitoring.Sampler

	mu    sync.Mutex
	stats ReceiverStats
}

// NewReceiver wraps sock. Zero config fields take defaults: 100ms timeout,
// 20ms poll, 10s silence warning.
func NewReceiver(sock UDPSocket, cfg ReceiverConfig) *Receiver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.PollInterval > cfg.Timeout {
		cfg.PollInterval = cfg.Timeout
	}
	if cfg.SilenceWarning <= 0 {
		cfg.SilenceWarning = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.RcvBuf > 0 {
		if err := sock.SetReadBuffer(cfg.RcvBuf); err != nil {
			log.Printf("Warning: Failed to set vision receive buffer size to %d: %v", cfg.RcvBuf, err)
		}
	}
	return &Receiver{
		sock:         sock,
		cfg:          cfg,
		buf:          make([]byte, 2*MaxPacketSize),
		started:      cfg.Clock.Now(),
		malformedLog: monitoring.NewBurstSampler(10, 100),
		readErrLog:   monitoring.NewSampler(100),
	}
}

// Receive blocks until a datagram arrives, the timeout elapses or ctx ends.
// The wait is split into PollInterval chunks so cancellation is observed
// promptly.
func (r *Receiver) Receive(ctx context.Context) (Packet, Status) {
	polls := int((r.cfg.Timeout + r.cfg.PollInterval - 1) / r.cfg.PollInterval)
	for i := 0; i < polls; i++ {
		if ctx.Err() != nil {
			return Packet{}, StatusClosed
		}
		r.sock.SetReadDeadline(time.Now().Add(r.cfg.PollInterval))

		n, addr, err := r.sock.ReadFromUDP(r.buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return Packet{}, StatusClosed
			}
			r.mu.Lock()
			r.stats.ReadErrors++
			r.mu.Unlock()
			r.readErrLog.Logf("Vision UDP read error: %v", err)
			continue
		}

		p, err := Decode(r.buf[:n])
		now := r.cfg.Clock.Now()
		r.mu.Lock()
		r.stats.LastPacketAt = now
		if err != nil {
			r.stats.Malformed++
			r.mu.Unlock()
			r.malformedLog.Logf("Discarding vision packet from %v: %v", addr, err)
			return Packet{}, StatusMalformed
		}
		r.stats.Received++
		r.stats.LastFrameID = p.FrameID
		received := r.stats.Received
		r.mu.Unlock()

		if received%500 == 0 {
			monitoring.Logf("Vision: %d packets received, last frame %d at (%.1f, %.1f, %.1f)",
				received, p.FrameID, p.Point.X, p.Point.Y, p.Point.Z)
		}
		return p, StatusOK
	}

	r.mu.Lock()
	r.stats.Timeouts++
	never := r.stats.LastPacketAt.IsZero()
	r.mu.Unlock()
	if never && !r.silenceReported && r.cfg.Clock.Since(r.started) >= r.cfg.SilenceWarning {
		r.silenceReported = true
		log.Printf("Warning: no vision data received on %v after %v", r.sock.LocalAddr(), r.cfg.SilenceWarning)
	}
	return Packet{}, StatusTimeout
}

// Stats returns a snapshot of the receive counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close closes the socket. A blocked Receive returns StatusClosed.
func (r *Receiver) Close() error {
	return r.sock.Close()
}
