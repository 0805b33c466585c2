package ld20

// CRC-8 parameters used by LDRobot sensors: polynomial 0x4D, zero initial
// value, MSB first, no final xor.
const crcPolynomial = 0x4D

var crcTable = buildCRCTable(crcPolynomial)

func buildCRCTable(poly byte) [256]byte {
	var table [256]byte
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return table
}

// Checksum computes the CRC-8 the sensor places in the last byte of a frame.
// frame must be at least CHECKSUM_OFFSET bytes long; only bytes 0..45 are
// covered.
func Checksum(frame []byte) byte {
	var crc byte
	for _, b := range frame[:CHECKSUM_OFFSET] {
		crc = crcTable[crc^b]
	}
	return crc
}

// ValidChecksum reports whether the trailing CRC byte of a full frame matches
// its contents.
func ValidChecksum(frame []byte) bool {
	if len(frame) != FRAME_SIZE {
		return false
	}
	return Checksum(frame) == frame[CHECKSUM_OFFSET]
}
