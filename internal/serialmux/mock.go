package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/doorway.report/internal/ld20"
)

// DefaultReplayChunk is the number of bytes the mock port delivers per tick,
// deliberately not a multiple of the frame size.
const DefaultReplayChunk = 100

// MockSerialPort implements SerialPorter over an in-process pipe.
type MockSerialPort struct {
	r    *io.PipeReader
	stop chan struct{}
	once sync.Once
}

func (m *MockSerialPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockSerialPort) Close() error {
	m.once.Do(func() { close(m.stop) })
	return m.r.Close()
}

// NewMockSerialMux creates a SerialMux that replays data forever, delivering
// chunkSize bytes every interval to simulate serial port input. Replay stops
// when the mux is closed.
func NewMockSerialMux(data []byte, chunkSize int, interval time.Duration) *SerialMux[*MockSerialPort] {
	if chunkSize <= 0 {
		chunkSize = DefaultReplayChunk
	}
	r, w := io.Pipe()
	port := &MockSerialPort{r: r, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(data) == 0 {
			<-port.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		off := 0
		for {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
			}
			end := min(off+chunkSize, len(data))
			if _, err := w.Write(data[off:end]); err != nil {
				return
			}
			off = end
			if off == len(data) {
				off = 0
			}
		}
	}()

	return NewSerialMux(port)
}

// DemoScan produces a byte stream of synthetic LD20 revolutions in which the
// doorway window (170 to 201 degrees) sees the floor for a few turns, then a
// near obstruction. With the default thresholds each replay opens the door,
// counts one crossing and then holds the obstruction long enough to confirm
// the door closed. Used by --dev when no capture file is supplied.
func DemoScan() []byte {
	var buf bytes.Buffer
	for turn := 0; turn < 6; turn++ {
		writeRevolution(&buf, 400, uint16(turn))
	}
	for turn := 6; turn < 26; turn++ {
		writeRevolution(&buf, 150, uint16(turn))
	}
	return buf.Bytes()
}

// writeRevolution appends 36 packets of 10 degrees each. Packets whose start
// and end both land in 170-201 report doorDistance; all others 1500 mm.
func writeRevolution(buf *bytes.Buffer, doorDistance uint16, turn uint16) {
	for i := 0; i < 36; i++ {
		start := float64(i * 10)
		p := ld20.Packet{
			Version:    0x2C,
			Speed:      3600,
			StartAngle: start,
			EndAngle:   start + 9.5,
			Timestamp:  turn*36 + uint16(i),
		}
		dist := uint16(1500)
		if p.StartAngle >= 170 && p.EndAngle <= 201 {
			dist = doorDistance
		}
		for j := range p.Points {
			p.Points[j] = ld20.Point{Distance: dist, Intensity: 200}
		}
		buf.Write(ld20.Encode(p))
	}
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// ReadLatency adds a delay to each Read call
	ReadLatency time.Duration

	// ReadError is returned by the next Read call once the buffer is empty
	ReadError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// ReadCalls records the number of Read calls
	ReadCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

var errPortClosed = errors.New("serial port closed")

// Read reads from the read buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.ReadLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.ReadLatency)
		t.mu.Lock()
	}

	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 && t.ReadError == nil {
		t.readCond.Wait()
	}

	if t.Closed {
		return 0, errPortClosed
	}

	if t.ReadBuffer.Len() > 0 {
		return t.ReadBuffer.Read(p)
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	return 0, io.EOF
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailNextRead makes the next Read after the buffer drains return err.
func (t *TestableSerialPort) FailNextRead(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}
