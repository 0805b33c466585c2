package ld20

import (
	"encoding/binary"
	"math"
)

// Encode builds the 47-byte wire frame for p. Angles are rounded to the
// nearest hundredth of a degree and the checksum byte is computed, so
// p.Checksum is ignored.
func Encode(p Packet) []byte {
	f := make([]byte, FRAME_SIZE)
	f[0] = HEADER_BYTE
	f[1] = p.Version
	binary.LittleEndian.PutUint16(f[2:4], p.Speed)
	binary.LittleEndian.PutUint16(f[4:6], angleRaw(p.StartAngle))
	for i, pt := range p.Points {
		off := POINTS_OFFSET + i*BYTES_PER_POINT
		binary.LittleEndian.PutUint16(f[off:off+2], pt.Distance)
		f[off+2] = pt.Intensity
	}
	binary.LittleEndian.PutUint16(f[END_ANGLE_OFFSET:END_ANGLE_OFFSET+2], angleRaw(p.EndAngle))
	binary.LittleEndian.PutUint16(f[TIMESTAMP_OFFSET:TIMESTAMP_OFFSET+2], p.Timestamp)
	f[CHECKSUM_OFFSET] = Checksum(f)
	return f
}

func angleRaw(deg float64) uint16 {
	v := math.Round(deg * ANGLE_SCALE)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}
