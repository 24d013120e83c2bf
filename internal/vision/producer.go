package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/pursuit/internal/timeutil"
)

// Frame is one camera image. Pixel decoding belongs to the detector.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// FrameSource yields synchronised stereo frame pairs at the camera rate.
// Next returns io.EOF when the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (left, right Frame, err error)
	Close() error
}

// Detector locates the target in a stereo pair. ok is false when the target
// is not visible in this pair.
type Detector interface {
	Update(left, right Frame) (point r3.Vector, ok bool)
}

// Sender is the fan-out side of the channel.
type Sender interface {
	Send(p Packet) int
}

// Producer runs the vision process loop: acquire a pair, detect, broadcast.
type Producer struct {
	Source   FrameSource
	Detector Detector
	Sender   Sender
	Clock    timeutil.Clock

	// LogEvery is the frame stride for progress and send-failure logs.
	LogEvery int64

	frames    int64
	detected  int64
	sendFails int64
}

// Run processes frames until ctx ends or the source is exhausted. Send
// failures never stop the loop.
func (p *Producer) Run(ctx context.Context) error {
	if p.Clock == nil {
		p.Clock = timeutil.RealClock{}
	}
	if p.LogEvery <= 0 {
		p.LogEvery = 100
	}
	defer p.Source.Close()

	start := p.Clock.Now()
	for {
		if ctx.Err() != nil {
			p.logSummary(start)
			return nil
		}
		left, right, err := p.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				p.logSummary(start)
				return nil
			}
			return fmt.Errorf("frame acquisition failed: %w", err)
		}
		p.frames++

		point, ok := p.Detector.Update(left, right)
		if !ok {
			continue
		}
		p.detected++

		ts := p.Clock.Now()
		pkt := Packet{
			Timestamp: float64(ts.UnixNano()) / 1e9,
			Point:     point,
			FrameID:   p.frames,
		}
		if failed := p.Sender.Send(pkt); failed > 0 {
			p.sendFails++
			if p.frames%p.LogEvery == 0 {
				log.Printf("Vision frame %d: %d destination(s) failed", p.frames, failed)
			}
		}
	}
}

func (p *Producer) logSummary(start time.Time) {
	elapsed := p.Clock.Since(start).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(p.frames) / elapsed
	}
	log.Printf("Vision producer stopped: %d frames, %d detections, %d send failures (%.1f fps)",
		p.frames, p.detected, p.sendFails, fps)
}

// Frames returns the number of frame pairs processed.
func (p *Producer) Frames() int64 { return p.frames }

// Detections returns the number of frames with a detection.
func (p *Producer) Detections() int64 { return p.detected }
