package vision

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	"github.com/banshee-data/pursuit/internal/monitoring"
)

// Broadcaster fans each packet out to a fixed set of UDP destinations. It
// never waits on receivers: a failed send is counted, logged at a sampled
// rate and otherwise ignored.
type Broadcaster struct {
	conn  PacketWriter
	dests []*net.UDPAddr

	sent    atomic.Uint64
	failed  atomic.Uint64
	sampler *monitoring.Sampler
}

// NewBroadcaster opens a broadcast-capable socket that sends to addr on each
// of ports.
func NewBroadcaster(ctx context.Context, addr string, ports []int) (*Broadcaster, error) {
	lc := net.ListenConfig{Control: enableBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to open broadcast socket: %w", err)
	}
	b, err := NewBroadcasterWithWriter(pc.(*net.UDPConn), addr, ports)
	if err != nil {
		pc.Close()
		return nil, err
	}
	log.Printf("Vision broadcaster sending to %s on ports %v", addr, ports)
	return b, nil
}

// NewBroadcasterWithWriter sends through an existing writer.
func NewBroadcasterWithWriter(w PacketWriter, addr string, ports []int) (*Broadcaster, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil, fmt.Errorf("invalid broadcast address %q", addr)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no broadcast ports configured")
	}
	dests := make([]*net.UDPAddr, 0, len(ports))
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("invalid broadcast port %d", p)
		}
		dests = append(dests, &net.UDPAddr{IP: ip, Port: p})
	}
	return &Broadcaster{
		conn:    w,
		dests:   dests,
		sampler: monitoring.NewSampler(100),
	}, nil
}

// Send encodes p and writes it to every destination. It returns the number
// of destinations the write failed for.
func (b *Broadcaster) Send(p Packet) int {
	data, err := Encode(p)
	if err != nil {
		b.sampler.Logf("Vision frame %d not sent: %v", p.FrameID, err)
		return len(b.dests)
	}
	return b.SendRaw(data)
}

// SendRaw writes an already encoded envelope to every destination.
func (b *Broadcaster) SendRaw(data []byte) int {
	failures := 0
	for _, d := range b.dests {
		if _, err := b.conn.WriteToUDP(data, d); err != nil {
			failures++
			b.failed.Add(1)
			b.sampler.Logf("Vision send to %v failed: %v", d, err)
			continue
		}
		b.sent.Add(1)
	}
	return failures
}

// Stats returns the number of successful and failed datagram writes.
func (b *Broadcaster) Stats() (sent, failed uint64) {
	return b.sent.Load(), b.failed.Load()
}

// Close closes the underlying socket.
func (b *Broadcaster) Close() error {
	return b.conn.Close()
}
