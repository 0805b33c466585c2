// Package pipeline runs the LD20 ingest chain: accumulate bytes, cut frames,
// decode packets, record them in the history ring and feed the doorway
// classifier. A Pipeline is the only writer of its framer, ring and state;
// readers see immutable snapshots published after every arrival.
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/doorway.report/internal/doorway"
	"github.com/banshee-data/doorway.report/internal/history"
	"github.com/banshee-data/doorway.report/internal/ld20"
	"github.com/banshee-data/doorway.report/internal/monitoring"
	"github.com/banshee-data/doorway.report/internal/timeutil"
)

// DefaultEventBuffer is the number of events that can be queued for the event
// log before new ones are dropped.
const DefaultEventBuffer = 256

// ErrNotRunning is returned by control requests when Run has exited.
var ErrNotRunning = errors.New("pipeline: not running")

// Options configures a Pipeline.
type Options struct {
	Thresholds      doorway.Thresholds
	HistoryCapacity int
	// VerifyChecksum drops frames whose CRC-8 does not match instead of
	// passing them on. Mismatches are counted either way.
	VerifyChecksum bool
	// AutoCloseAfter is a "no doorway readings" watchdog: it closes an open
	// door when no packet inside the doorway window arrives for this long.
	// Every in-window packet restarts it, so a door held open while the
	// sensor keeps reporting never times out. It is not a fixed "close N
	// after opening" timer. Zero disables the watchdog.
	AutoCloseAfter time.Duration
	EventBuffer    int
	Clock          timeutil.Clock
	Metrics        *monitoring.Collector
}

// Snapshot is an immutable view of the pipeline after an arrival. Callers may
// read it freely; it is never modified once published.
type Snapshot struct {
	State              doorway.State    `json:"state"`
	History            []ld20.Packet    `json:"-"`
	HistoryCapacity    int              `json:"history_capacity"`
	Framer             ld20.FramerStats `json:"framer"`
	Packets            uint64           `json:"packets"`
	ChecksumMismatches uint64           `json:"checksum_mismatches"`
	Unclassified       uint64           `json:"unclassified"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

type resetRequest struct {
	reply chan uint64
}

// Pipeline owns the ingest state for one sensor.
type Pipeline struct {
	opts       Options
	clock      timeutil.Clock
	metrics    *monitoring.Collector
	classifier *doorway.Classifier
	framer     *ld20.Framer
	ring       *history.Ring[ld20.Packet]
	state      doorway.State

	packets            uint64
	checksumMismatches uint64
	unclassified       uint64
	lastStats          ld20.FramerStats

	autoClose      timeutil.Timer
	autoCloseArmed bool

	events  chan Event
	resets  chan resetRequest
	done    chan struct{}
	current atomic.Pointer[Snapshot]
}

// New creates a Pipeline in the cold state. The thresholds are validated.
func New(opts Options) (*Pipeline, error) {
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = history.DefaultCapacity
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.AutoCloseAfter < 0 {
		opts.AutoCloseAfter = 0
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		opts:       opts,
		clock:      clock,
		metrics:    opts.Metrics,
		classifier: doorway.NewClassifier(opts.Thresholds),
		framer:     ld20.NewFramer(),
		ring:       history.NewRing[ld20.Packet](opts.HistoryCapacity),
		events:     make(chan Event, opts.EventBuffer),
		resets:     make(chan resetRequest),
		done:       make(chan struct{}),
	}
	p.publish()
	return p, nil
}

// Events returns the channel door events are delivered on. It is closed when
// Run returns.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// Classifier returns the classifier the pipeline applies.
func (p *Pipeline) Classifier() *doorway.Classifier {
	return p.classifier
}

// Snapshot returns the most recently published view. It never blocks.
func (p *Pipeline) Snapshot() *Snapshot {
	return p.current.Load()
}

// Run processes arrivals from chunks until ctx is cancelled or chunks is
// closed. Arrivals, watchdog expiries and control requests are handled one at
// a time in this goroutine, so no two ever overlap. Run must be called at most
// once, and Process must not be called concurrently with it.
func (p *Pipeline) Run(ctx context.Context, chunks <-chan []byte) error {
	defer close(p.events)
	defer close(p.done)
	defer p.disarmAutoClose()

	for {
		var timeout <-chan time.Time
		if p.autoCloseArmed {
			timeout = p.autoClose.C()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			p.Process(chunk)

		case <-timeout:
			p.autoCloseArmed = false
			p.expireAutoClose()
			p.publish()

		case req := <-p.resets:
			prev := p.resetOccupancy()
			p.publish()
			req.reply <- prev
		}
	}
}

// ResetOccupancy asks the running pipeline to zero the occupancy counter and
// returns the value it held.
func (p *Pipeline) ResetOccupancy(ctx context.Context) (uint64, error) {
	req := resetRequest{reply: make(chan uint64, 1)}
	select {
	case p.resets <- req:
	case <-p.done:
		return 0, ErrNotRunning
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case prev := <-req.reply:
		return prev, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Process handles one arrival: append the bytes and drain every complete
// frame. It publishes a new snapshot before returning.
func (p *Pipeline) Process(chunk []byte) {
	start := p.clock.Now()

	p.framer.Append(chunk)
	p.framer.Drain(p.handleFrame)

	stats := p.framer.Stats()
	p.metrics.AddFramerDelta(
		stats.BytesIn-p.lastStats.BytesIn,
		stats.Frames-p.lastStats.Frames,
		stats.Resyncs-p.lastStats.Resyncs,
		stats.BytesDiscarded-p.lastStats.BytesDiscarded,
	)
	if stats.Resyncs > p.lastStats.Resyncs {
		monitoring.Debugf("ld20: no header in buffer, dropped %d bytes to resync",
			stats.BytesDiscarded-p.lastStats.BytesDiscarded)
	}
	p.lastStats = stats

	p.publish()
	p.metrics.ObserveDrain(p.clock.Now().Sub(start).Seconds())
}

func (p *Pipeline) handleFrame(frame []byte) {
	if !ld20.ValidChecksum(frame) {
		p.checksumMismatches++
		p.metrics.ObserveChecksum(p.opts.VerifyChecksum)
		if p.opts.VerifyChecksum {
			return
		}
	}

	pkt, err := ld20.Decode(frame)
	if err != nil {
		// the framer only emits full frames
		monitoring.Logf("ld20: decode failed: %v", err)
		return
	}
	p.packets++
	p.ring.Record(pkt)

	res := p.classifier.Update(&p.state, pkt)
	p.metrics.ObservePacket(string(res.Outcome), res.Crossed)

	switch {
	case res.Outcome == doorway.OutcomeUnclassified:
		p.unclassified++
		monitoring.Debugf("doorway: unclassified reading start=%.2f end=%.2f", pkt.StartAngle, pkt.EndAngle)
	case !res.Qualified():
		return
	}

	if res.Opened {
		monitoring.Logf("doorway: door opened")
		p.emit(EventDoorOpened, "")
	}
	if res.Crossed {
		monitoring.Logf("doorway: crossing counted, occupancy=%d", p.state.Occupancy)
		p.emit(EventCrossing, "")
	}
	if res.Closed {
		monitoring.Logf("doorway: door closed")
		p.emit(EventDoorClosed, ReasonConfirmed)
	}
	p.rearmAutoClose()
}

func (p *Pipeline) emit(kind EventKind, reason string) {
	ev := Event{
		ID:        uuid.New(),
		Kind:      kind,
		Reason:    reason,
		IsOpen:    p.state.IsOpen,
		Occupancy: p.state.Occupancy,
		At:        p.clock.Now(),
	}
	select {
	case p.events <- ev:
	default:
		p.metrics.EventDropped()
	}
}

// rearmAutoClose restarts the watchdog after a qualifying packet while the
// door is open, and disarms it otherwise.
func (p *Pipeline) rearmAutoClose() {
	if p.opts.AutoCloseAfter == 0 {
		return
	}
	if !p.state.IsOpen {
		p.disarmAutoClose()
		return
	}
	if p.autoClose == nil {
		p.autoClose = p.clock.NewTimer(p.opts.AutoCloseAfter)
	} else {
		p.autoClose.Stop()
		p.autoClose.Reset(p.opts.AutoCloseAfter)
	}
	p.autoCloseArmed = true
}

func (p *Pipeline) disarmAutoClose() {
	if p.autoClose != nil {
		p.autoClose.Stop()
	}
	p.autoCloseArmed = false
}

func (p *Pipeline) expireAutoClose() {
	if !p.state.IsOpen {
		return
	}
	p.state.ForceClosed()
	monitoring.Logf("doorway: no doorway readings for %s, marking door closed", p.opts.AutoCloseAfter)
	p.emit(EventDoorClosed, ReasonTimeout)
}

func (p *Pipeline) resetOccupancy() uint64 {
	prev := p.state.Occupancy
	p.state.ResetOccupancy()
	monitoring.Logf("doorway: occupancy reset from %d", prev)
	p.emit(EventOccupancyReset, "")
	return prev
}

func (p *Pipeline) publish() {
	p.metrics.SetDoorState(p.state.IsOpen, p.state.Occupancy)
	p.current.Store(&Snapshot{
		State:              p.state,
		History:            p.ring.Snapshot(),
		HistoryCapacity:    p.ring.Capacity(),
		Framer:             p.framer.Stats(),
		Packets:            p.packets,
		ChecksumMismatches: p.checksumMismatches,
		Unclassified:       p.unclassified,
		UpdatedAt:          p.clock.Now(),
	})
}
