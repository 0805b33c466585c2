package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/doorway.report/internal/doorway"
	"github.com/banshee-data/doorway.report/internal/ld20"
)

func TestMockSerialMux_ReplaysData(t *testing.T) {
	data := DemoScan()
	mux := NewMockSerialMux(data, 200, time.Millisecond)
	_, ch := mux.SubscribeLossless()

	errCh := make(chan error, 1)
	go func() { errCh <- mux.Monitor(context.Background()) }()

	var got []byte
	for len(got) < len(data)+10 {
		got = append(got, recvChunk(t, ch)...)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], data[i])
		}
	}
	// wrapped back to the start
	if got[len(data)] != data[0] {
		t.Errorf("replay did not loop")
	}

	if err := mux.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Monitor() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Monitor did not stop after Close")
	}
}

func TestDemoScan_DrivesClassifier(t *testing.T) {
	f := ld20.NewFramer()
	f.Append(DemoScan())

	c := doorway.NewClassifier(doorway.DefaultThresholds())
	var st doorway.State
	var opened, closed, crossings int
	n := f.Drain(func(frame []byte) {
		if !ld20.ValidChecksum(frame) {
			t.Fatalf("demo frame has bad checksum")
		}
		p, err := ld20.Decode(frame)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		res := c.Update(&st, p)
		if res.Opened {
			opened++
		}
		if res.Closed {
			closed++
		}
		if res.Crossed {
			crossings++
		}
	})

	if n != 26*36 {
		t.Errorf("frames = %d, want %d", n, 26*36)
	}
	if opened != 1 || crossings != 1 || closed != 1 {
		t.Errorf("opened=%d crossings=%d closed=%d, want 1 each", opened, crossings, closed)
	}
	if f.Buffered() != 0 {
		t.Errorf("%d bytes left over", f.Buffered())
	}
}
