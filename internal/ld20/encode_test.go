package ld20

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncode_MatchesWireLayout(t *testing.T) {
	want := buildFrame(17000, 20100, 500, 200)

	var pts [POINTS_PER_PACKET]Point
	for i := range pts {
		pts[i] = Point{Distance: 500, Intensity: 200}
	}
	got := Encode(Packet{
		Version:    0x2C,
		Speed:      3600,
		StartAngle: 170,
		EndAngle:   201,
		Points:     pts,
		Timestamp:  12345,
	})

	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = % x\nwant      % x", got, want)
	}
}

func TestEncode_DecodeRecoversPacket(t *testing.T) {
	in := Packet{Version: 1, Speed: 3000, StartAngle: 359.5, EndAngle: 3.25, Timestamp: 7}
	for i := range in.Points {
		in.Points[i] = Point{Distance: uint16(100 * i), Intensity: uint8(i)}
	}

	frame := Encode(in)
	if !ValidChecksum(frame) {
		t.Fatal("Encode() produced an invalid checksum")
	}
	out, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	in.Checksum = frame[CHECKSUM_OFFSET]
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
