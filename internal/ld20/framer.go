package ld20

import "bytes"

// FramerStats counts what the framer has done with the bytes it was given.
type FramerStats struct {
	BytesIn        uint64 `json:"bytes_in"`
	BytesDiscarded uint64 `json:"bytes_discarded"`
	Frames         uint64 `json:"frames"`
	Resyncs        uint64 `json:"resyncs"` // whole-buffer drops with no header present
}

// Framer accumulates the serial byte stream and cuts it into 47-byte frames
// beginning at a header byte.
//
// A Framer is not safe for concurrent use; it is owned by a single writer.
type Framer struct {
	buf   []byte
	stats FramerStats
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, FRAME_SIZE*8)}
}

// Append adds newly arrived bytes to the end of the buffer.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
	f.stats.BytesIn += uint64(len(p))
}

// Next extracts the next frame from the buffer. It returns false when no
// complete frame is available: either fewer than FRAME_SIZE bytes are buffered,
// a header was found without enough trailing bytes (the buffer is kept intact),
// or no header exists at all, in which case the whole buffer is dropped.
//
// The returned slice is a copy and remains valid after further calls.
func (f *Framer) Next() ([]byte, bool) {
	if len(f.buf) < FRAME_SIZE {
		return nil, false
	}

	idx := bytes.IndexByte(f.buf, HEADER_BYTE)
	if idx < 0 {
		f.stats.BytesDiscarded += uint64(len(f.buf))
		f.stats.Resyncs++
		f.reset()
		return nil, false
	}

	if len(f.buf)-idx < FRAME_SIZE {
		return nil, false
	}

	frame := make([]byte, FRAME_SIZE)
	copy(frame, f.buf[idx:idx+FRAME_SIZE])

	f.stats.BytesDiscarded += uint64(idx)
	f.stats.Frames++
	f.consume(idx + FRAME_SIZE)
	return frame, true
}

// Drain calls fn for every complete frame currently in the buffer, in order.
// It returns the number of frames emitted.
func (f *Framer) Drain(fn func(frame []byte)) int {
	n := 0
	for {
		frame, ok := f.Next()
		if !ok {
			return n
		}
		n++
		fn(frame)
	}
}

// Buffered returns the number of bytes waiting in the buffer.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Stats returns a copy of the framer counters.
func (f *Framer) Stats() FramerStats {
	return f.stats
}

// consume drops the first n bytes, compacting in place so the backing array
// does not creep forward indefinitely.
func (f *Framer) consume(n int) {
	remaining := copy(f.buf, f.buf[n:])
	f.buf = f.buf[:remaining]
}

func (f *Framer) reset() {
	f.buf = f.buf[:0]
}
