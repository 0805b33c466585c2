package ld20

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LD20 frame structure constants
const (
	HEADER_BYTE       = 0x54                                                // First byte of every frame
	POINTS_PER_PACKET = 12                                                  // Measurement points carried by one frame
	BYTES_PER_POINT   = 3                                                   // 2 bytes distance + 1 byte intensity
	POINTS_OFFSET     = 6                                                   // Offset of the first point
	END_ANGLE_OFFSET  = POINTS_OFFSET + POINTS_PER_PACKET*BYTES_PER_POINT // 42
	TIMESTAMP_OFFSET  = END_ANGLE_OFFSET + 2                                // 44
	CHECKSUM_OFFSET   = TIMESTAMP_OFFSET + 2                                // 46
	FRAME_SIZE        = CHECKSUM_OFFSET + 1                                 // 47 bytes total

	ANGLE_SCALE = 100 // Raw angle units per degree (0.01 deg per LSB)
)

// ErrFrameLength is returned by Decode for input that is not exactly one frame.
var ErrFrameLength = errors.New("ld20: frame must be exactly 47 bytes")

// Point is one range sample within a packet.
type Point struct {
	Distance  uint16 `json:"distance"`  // millimetres, 0 = no return
	Intensity uint8  `json:"intensity"` // return strength 0-255
}

// Packet is the decoded form of one 47-byte frame. Points are ordered by scan
// sequence between StartAngle and EndAngle.
type Packet struct {
	Version    uint8                    `json:"version"`
	Speed      uint16                   `json:"speed"`
	StartAngle float64                  `json:"start_angle"` // degrees
	Points     [POINTS_PER_PACKET]Point `json:"points"`
	EndAngle   float64                  `json:"end_angle"` // degrees
	Timestamp  uint16                   `json:"timestamp"`
	Checksum   uint8                    `json:"crc8"`
}

// Decode interprets a single frame. Any 47-byte input decodes; the header and
// checksum bytes are captured but not validated here.
func Decode(frame []byte) (Packet, error) {
	if len(frame) != FRAME_SIZE {
		return Packet{}, fmt.Errorf("%w: got %d", ErrFrameLength, len(frame))
	}

	p := Packet{
		Version:    frame[1],
		Speed:      binary.LittleEndian.Uint16(frame[2:4]),
		StartAngle: angleDegrees(binary.LittleEndian.Uint16(frame[4:6])),
		EndAngle:   angleDegrees(binary.LittleEndian.Uint16(frame[END_ANGLE_OFFSET : END_ANGLE_OFFSET+2])),
		Timestamp:  binary.LittleEndian.Uint16(frame[TIMESTAMP_OFFSET : TIMESTAMP_OFFSET+2]),
		Checksum:   frame[CHECKSUM_OFFSET],
	}

	for i := 0; i < POINTS_PER_PACKET; i++ {
		off := POINTS_OFFSET + i*BYTES_PER_POINT
		p.Points[i] = Point{
			Distance:  binary.LittleEndian.Uint16(frame[off : off+2]),
			Intensity: frame[off+2],
		}
	}

	return p, nil
}

// angleDegrees converts a raw angle in hundredths of a degree.
func angleDegrees(raw uint16) float64 {
	return float64(raw) / ANGLE_SCALE
}

// AllPoints reports whether every point satisfies fn.
func (p Packet) AllPoints(fn func(Point) bool) bool {
	for _, pt := range p.Points {
		if !fn(pt) {
			return false
		}
	}
	return true
}

// Distances returns the point distances in scan order.
func (p Packet) Distances() []float64 {
	out := make([]float64, len(p.Points))
	for i, pt := range p.Points {
		out[i] = float64(pt.Distance)
	}
	return out
}

// PointAngle returns the interpolated bearing of point i in degrees. The
// sensor reports only the first and last bearing; intermediate points are
// evenly spaced, accounting for a wrap through 360.
func (p Packet) PointAngle(i int) float64 {
	span := p.EndAngle - p.StartAngle
	if span < 0 {
		span += 360
	}
	step := span / float64(POINTS_PER_PACKET-1)
	a := p.StartAngle + step*float64(i)
	if a >= 360 {
		a -= 360
	}
	return a
}
