// Package serialmux reads a serial device and fans the raw byte stream out to
// any number of subscribers. It knows nothing about the framing of the bytes
// it carries.
package serialmux

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/doorway.report/internal/monitoring"
)

const (
	// ReadBufferSize is the largest chunk read from the port in one call.
	ReadBufferSize = 4096
	// SubscriberBuffer is the number of chunks queued per subscriber. Once
	// it is full, further chunks are dropped for a Subscribe channel and
	// waited on for a SubscribeLossless channel.
	SubscriberBuffer = 64
)

// ErrClosed is returned by Monitor when the mux has been closed.
var ErrClosed = errors.New("serialmux: closed")

type subscriber struct {
	ch       chan []byte
	lossless bool
	gone     chan struct{} // closed when the subscriber is removed
}

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to the byte stream from a single serial port.
type SerialMux[T SerialPorter] struct {
	port T

	// subscriberMu guards subscribers and closing.
	subscriberMu sync.Mutex
	subscribers  map[string]*subscriber
	closing      bool
	done         chan struct{}

	// sendMu is held for a whole fan-out; channels are only closed under it.
	sendMu  sync.Mutex
	dropped atomic.Uint64
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving byte chunks from the
	// serial port. The channel ID is used to identify the unique channel when
	// unsubscribing. Chunks are dropped for a subscriber that falls behind.
	Subscribe() (string, chan []byte)
	// SubscribeLossless is like Subscribe but the reader waits for the
	// subscriber instead of dropping chunks, so the byte stream arrives
	// complete and in order. Used by the decoder, which cannot recover
	// from a hole in the stream.
	SubscribeLossless() (string, chan []byte)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Dropped reports how many chunks were discarded for slow subscribers.
	Dropped() uint64
	// Monitor reads from the serial port and sends each chunk to every
	// subscriber until the context is cancelled or the port fails.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance reading from port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]*subscriber),
		done:        make(chan struct{}),
	}
}

func newSubscriberID() string {
	return uuid.NewString()
}

func (s *SerialMux[T]) Subscribe() (string, chan []byte) {
	return s.subscribe(false)
}

func (s *SerialMux[T]) SubscribeLossless() (string, chan []byte) {
	return s.subscribe(true)
}

func (s *SerialMux[T]) subscribe(lossless bool) (string, chan []byte) {
	id := newSubscriberID()
	ch := make(chan []byte, SubscriberBuffer)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = &subscriber{ch: ch, lossless: lossless, gone: make(chan struct{})}
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	sub, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
		close(sub.gone)
	}
	s.subscriberMu.Unlock()
	if !ok {
		return
	}

	// wait out any fan-out still sending to sub
	s.sendMu.Lock()
	close(sub.ch)
	s.sendMu.Unlock()
}

// Dropped returns the number of chunks skipped because a subscriber's channel
// was full.
func (s *SerialMux[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Monitor reads the serial port and sends every chunk to the subscribers.
// Each subscriber receives its own copy of the bytes.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunkChan := make(chan []byte)
	readErrChan := make(chan error, 1)

	// the blocking Read will not interfere with the outer loop awaiting
	// chunks & context cancellation.
	go func() {
		defer close(chunkChan)
		buf := make([]byte, ReadBufferSize)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunkChan <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case readErrChan <- err:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErrChan:
			return s.readError(err)

		case chunk, ok := <-chunkChan:
			if !ok {
				// the reader reports its error before closing chunkChan
				select {
				case err := <-readErrChan:
					return s.readError(err)
				default:
					return nil
				}
			}
			if s.isClosing() {
				return ErrClosed
			}
			s.publish(ctx, chunk)
		}
	}
}

// readError maps a failed Read to Monitor's result. Reads that fail because
// Close shut the port report ErrClosed; end of stream is a clean exit.
func (s *SerialMux[T]) readError(err error) error {
	if s.isClosing() {
		return ErrClosed
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// publish hands chunk to every subscriber. Lossless subscribers are waited
// on until they accept the chunk, leave, or ctx or the mux finishes.
func (s *SerialMux[T]) publish(ctx context.Context, chunk []byte) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.subscriberMu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscriberMu.Unlock()

	for _, sub := range subs {
		if sub.lossless {
			select {
			case sub.ch <- chunk:
			case <-sub.gone:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case sub.ch <- chunk:
		case <-sub.gone:
		default:
			// a slow viewer must not stall the port
			s.dropped.Add(1)
			monitoring.Debugf("serialmux: subscriber full, dropped %d bytes", len(chunk))
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.subscriberMu.Lock()
	if s.closing {
		s.subscriberMu.Unlock()
		return nil
	}
	s.closing = true
	close(s.done)
	subs := make([]*subscriber, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		subs = append(subs, sub)
		close(sub.gone)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	s.sendMu.Lock()
	for _, sub := range subs {
		close(sub.ch)
	}
	s.sendMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachTailRoutes(mux, s)
}

// attachTailRoutes registers a live hex dump of the serial stream.
func attachTailRoutes(mux *http.ServeMux, sub interface {
	Subscribe() (string, chan []byte)
	Unsubscribe(string)
}) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-tail", "live hex dump of the LIDAR serial stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, tailPage)
	})

	// Server-Sent Events, one event per chunk read from the port.
	debug.HandleSilentFunc("serial-tail-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := sub.Subscribe()
		defer sub.Unsubscribe(id)

		_, _ = io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case chunk, ok := <-c:
				if !ok {
					return
				}
				if _, err := io.WriteString(w, "data: "+hex.EncodeToString(chunk)+"\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

const tailPage = `<!doctype html>
<html>
<head><title>serial tail</title>
<style>body{font-family:monospace}#out{white-space:pre-wrap;word-break:break-all}</style>
</head>
<body>
<h3>LIDAR serial stream (hex)</h3>
<div id="out"></div>
<script>
const out = document.getElementById("out");
const es = new EventSource("serial-tail-api");
es.onmessage = (e) => {
  const line = document.createElement("div");
  line.textContent = e.data;
  out.prepend(line);
  while (out.childNodes.length > 200) out.removeChild(out.lastChild);
};
</script>
</body>
</html>
`
