package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/pursuit/internal/timeutil"
)

// ReplayOptions configures ReplayCapture.
type ReplayOptions struct {
	// Port filters UDP datagrams by destination port. Zero accepts all.
	Port int
	// Speed scales the recorded inter-packet gaps: 1 is real time, 2 is
	// twice as fast. Zero replays without pacing.
	Speed float64
	Clock timeutil.Clock
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Packets   int
	Forwarded int
	Skipped   int
	Duration  time.Duration
}

// ReplayCapture reads a pcap file of recorded vision traffic and hands each
// matching UDP payload to sink, reproducing the recorded timing.
func ReplayCapture(ctx context.Context, path string, opts ReplayOptions, sink func([]byte)) (ReplayStats, error) {
	var stats ReplayStats
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return stats, fmt.Errorf("failed to read capture header: %w", err)
	}

	start := opts.Clock.Now()
	var prev time.Time
	for {
		if err := ctx.Err(); err != nil {
			stats.Duration = opts.Clock.Since(start)
			return stats, err
		}

		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read capture packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		packet := gopacket.NewPacket(data, r.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			stats.Skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 || (opts.Port != 0 && int(udp.DstPort) != opts.Port) {
			stats.Skipped++
			continue
		}

		if opts.Speed > 0 && !prev.IsZero() {
			if gap := ci.Timestamp.Sub(prev); gap > 0 {
				opts.Clock.Sleep(time.Duration(float64(gap) / opts.Speed))
			}
		}
		prev = ci.Timestamp

		sink(udp.Payload)
		stats.Forwarded++

		if stats.Forwarded%10000 == 0 {
			log.Printf("Capture replay progress: %d packets forwarded", stats.Forwarded)
		}
	}

	stats.Duration = opts.Clock.Since(start)
	log.Printf("Capture replay complete: %d packets read, %d forwarded, %d skipped in %v",
		stats.Packets, stats.Forwarded, stats.Skipped, stats.Duration)
	return stats, nil
}
