// Package ld20 owns the wire format of the LDRobot LD20/LD19 family of 2D
// scanning rangefinders.
//
// Responsibilities: accumulating the raw serial byte stream, locating
// fixed-size frames at the 0x54 header byte, and decoding each frame into a
// Packet. The package has no knowledge of doorways, history or storage; it
// produces Packets consumed by the pipeline.
//
// Frame layout (47 bytes, little-endian):
//
//	offset  size  field
//	0       1     header (0x54)
//	1       1     version / length
//	2       2     rotation speed (deg/s)
//	4       2     start angle (0.01 deg)
//	6       36    12 × {distance u16 mm, intensity u8}
//	42      2     end angle (0.01 deg)
//	44      2     timestamp (ms, wraps at 30000)
//	46      1     CRC-8 over bytes 0..45
package ld20
