// Package vision carries 3D target points from the stereo vision process to
// the control loop. Packets are single JSON datagrams broadcast to one or
// more ports with no acknowledgement, ordering or retry.
package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// MaxPacketSize bounds a single envelope. Real envelopes are ~100 bytes.
const MaxPacketSize = 1500

// ErrMalformed is wrapped by Decode for envelopes that fail validation.
var ErrMalformed = errors.New("malformed vision packet")

// Packet is one detection from one processed stereo frame pair.
type Packet struct {
	// Timestamp is the producer's wall clock in seconds since the epoch.
	Timestamp float64
	// Point is the triangulated target position in mm.
	Point   r3.Vector
	FrameID int64
}

// Time returns the packet timestamp as a time.Time.
func (p Packet) Time() time.Time {
	sec, frac := math.Modf(p.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

type wirePacket struct {
	Timestamp *float64   `json:"timestamp"`
	Point3D   []*float64 `json:"point_3d"`
	FrameID   int64      `json:"frame_id"`
}

// Encode serialises p as a compact JSON envelope:
//
//	{"timestamp":1712.5,"point_3d":[x,y,z],"frame_id":7}
func Encode(p Packet) ([]byte, error) {
	ts, x, y, z := p.Timestamp, p.Point.X, p.Point.Y, p.Point.Z
	data, err := json.Marshal(wirePacket{
		Timestamp: &ts,
		Point3D:   []*float64{&x, &y, &z},
		FrameID:   p.FrameID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode vision packet: %w", err)
	}
	return data, nil
}

// envelope is the decode side of wirePacket. frame_id is read as a float
// since some producers write every number with a decimal point.
type envelope struct {
	Timestamp *float64          `json:"timestamp"`
	Point3D   []json.RawMessage `json:"point_3d"`
	FrameID   *float64          `json:"frame_id"`
}

// Decode parses and validates an envelope. Envelopes without a timestamp or
// without at least three numeric point_3d elements are malformed; elements
// past the third are not inspected.
func Decode(data []byte) (Packet, error) {
	var w envelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Timestamp == nil {
		return Packet{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if len(w.Point3D) < 3 {
		return Packet{}, fmt.Errorf("%w: point_3d has %d elements, want 3", ErrMalformed, len(w.Point3D))
	}
	var xyz [3]float64
	for i := range xyz {
		var v *float64
		if err := json.Unmarshal(w.Point3D[i], &v); err != nil {
			return Packet{}, fmt.Errorf("%w: point_3d[%d]: %v", ErrMalformed, i, err)
		}
		if v == nil {
			return Packet{}, fmt.Errorf("%w: point_3d[%d] is null", ErrMalformed, i)
		}
		xyz[i] = *v
	}
	p := Packet{
		Timestamp: *w.Timestamp,
		Point:     r3.Vector{X: xyz[0], Y: xyz[1], Z: xyz[2]},
	}
	if w.FrameID != nil {
		p.FrameID = int64(*w.FrameID)
	}
	return p, nil
}
