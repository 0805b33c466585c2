package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/doorway.report/internal/doorway"
	"github.com/banshee-data/doorway.report/internal/history"
	"github.com/banshee-data/doorway.report/internal/ld20"
	"github.com/banshee-data/doorway.report/internal/monitoring"
	"github.com/banshee-data/doorway.report/internal/serialmux"
	"github.com/banshee-data/doorway.report/internal/testutil"
	"github.com/banshee-data/doorway.report/internal/timeutil"
)

var (
	t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	// tight debounce so sequences stay short
	testThresholds = doorway.Thresholds{
		MinAngle:      170,
		MaxAngle:      201,
		DoorDistance:  215,
		FloorDistance: 600,
		ClosedConfirm: 2,
		FloorConfirm:  1,
	}
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func floorFrame() []byte { return testutil.Frame(180, 190, 400) }
func nearFrame() []byte  { return testutil.Frame(180, 190, 100) }
func awayFrame() []byte  { return testutil.Frame(10, 20, 400) }

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Thresholds == (doorway.Thresholds{}) {
		opts.Thresholds = testThresholds
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.NewMockClock(t0)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func drainEvents(p *Pipeline) []Event {
	var out []Event
	for {
		select {
		case ev := <-p.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(evs []Event) []EventKind {
	kinds := make([]EventKind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

// waitEvent blocks for the next event or fails after a second.
func waitEvent(t *testing.T, p *Pipeline) Event {
	t.Helper()
	select {
	case ev, ok := <-p.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestNew_RejectsBadThresholds(t *testing.T) {
	bad := testThresholds
	bad.MinAngle = 250
	_, err := New(Options{Thresholds: bad})
	assert.Error(t, err)
}

func TestNew_PublishesColdSnapshot(t *testing.T) {
	p := newTestPipeline(t, Options{})
	snap := p.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, doorway.State{}, snap.State)
	assert.Empty(t, snap.History)
	assert.Equal(t, history.DefaultCapacity, snap.HistoryCapacity)
	assert.Equal(t, t0, snap.UpdatedAt)
}

func TestProcess_CrossingSequence(t *testing.T) {
	p := newTestPipeline(t, Options{})

	var stream bytes.Buffer
	stream.Write(floorFrame()) // opens
	stream.Write(floorFrame()) // floor confirmed
	stream.Write(nearFrame())  // crossing
	stream.Write(nearFrame())
	stream.Write(nearFrame()) // closed streak exceeds 2
	p.Process(stream.Bytes())

	snap := p.Snapshot()
	assert.False(t, snap.State.IsOpen)
	assert.EqualValues(t, 1, snap.State.Occupancy)
	assert.EqualValues(t, 5, snap.Packets)
	assert.EqualValues(t, 5, snap.Framer.Frames)

	evs := drainEvents(p)
	assert.Equal(t, []EventKind{EventDoorOpened, EventCrossing, EventDoorClosed}, eventKinds(evs))
	assert.EqualValues(t, 1, evs[1].Occupancy)
	assert.Equal(t, ReasonConfirmed, evs[2].Reason)
	for _, ev := range evs {
		assert.NotEmpty(t, ev.ID.String())
		assert.Equal(t, t0, ev.At)
	}
}

func TestProcess_FramesSplitAcrossArrivals(t *testing.T) {
	p := newTestPipeline(t, Options{})

	f := floorFrame()
	p.Process(f[:20])
	assert.EqualValues(t, 0, p.Snapshot().Packets)
	assert.Equal(t, 0, len(p.Snapshot().History))

	p.Process(f[20:])
	assert.EqualValues(t, 1, p.Snapshot().Packets)
	assert.True(t, p.Snapshot().State.IsOpen)
}

func TestProcess_HistoryKeepsMostRecent(t *testing.T) {
	p := newTestPipeline(t, Options{HistoryCapacity: 100})

	var stream bytes.Buffer
	for i := 0; i < 150; i++ {
		stream.Write(testutil.Frame(float64(i), float64(i)+1, 400))
	}
	p.Process(stream.Bytes())

	snap := p.Snapshot()
	require.Len(t, snap.History, 100)
	assert.EqualValues(t, 150, snap.Packets)
	assert.Equal(t, 50.0, snap.History[0].StartAngle)
	assert.Equal(t, 149.0, snap.History[99].StartAngle)
	// none of those were inside the doorway window
	assert.Equal(t, doorway.State{}, snap.State)
}

func TestProcess_ChecksumMismatch(t *testing.T) {
	bad := floorFrame()
	bad[ld20.CHECKSUM_OFFSET] ^= 0xFF

	t.Run("counted but accepted by default", func(t *testing.T) {
		p := newTestPipeline(t, Options{})
		p.Process(bad)

		snap := p.Snapshot()
		assert.EqualValues(t, 1, snap.ChecksumMismatches)
		assert.EqualValues(t, 1, snap.Packets)
		assert.True(t, snap.State.IsOpen)
	})

	t.Run("dropped when verification enabled", func(t *testing.T) {
		p := newTestPipeline(t, Options{VerifyChecksum: true})
		p.Process(bad)

		snap := p.Snapshot()
		assert.EqualValues(t, 1, snap.ChecksumMismatches)
		assert.EqualValues(t, 0, snap.Packets)
		assert.EqualValues(t, 1, snap.Framer.Frames)
		assert.Empty(t, snap.History)
		assert.False(t, snap.State.IsOpen)
	})
}

func TestProcess_UnclassifiedCounted(t *testing.T) {
	p := newTestPipeline(t, Options{})

	mixed := ld20.Packet{StartAngle: 180, EndAngle: 190}
	for i := range mixed.Points {
		mixed.Points[i] = ld20.Point{Distance: 400}
	}
	mixed.Points[3].Distance = 0
	p.Process(ld20.Encode(mixed))

	snap := p.Snapshot()
	assert.EqualValues(t, 1, snap.Unclassified)
	assert.Equal(t, doorway.State{}, snap.State)
}

func TestSnapshot_IsNotMutatedByLaterArrivals(t *testing.T) {
	p := newTestPipeline(t, Options{})
	p.Process(floorFrame())
	before := p.Snapshot()

	p.Process(awayFrame())
	p.Process(awayFrame())

	assert.EqualValues(t, 1, before.Packets)
	assert.Len(t, before.History, 1)
	assert.EqualValues(t, 3, p.Snapshot().Packets)
}

func TestProcess_MetricsAndDroppedEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewCollector(reg)
	require.NoError(t, err)

	p := newTestPipeline(t, Options{Metrics: metrics, EventBuffer: 1})

	var stream bytes.Buffer
	stream.Write([]byte{0x01, 0x02, 0x03}) // junk ahead of the header
	stream.Write(floorFrame())
	stream.Write(floorFrame())
	stream.Write(nearFrame())
	stream.Write(nearFrame())
	stream.Write(nearFrame())
	p.Process(stream.Bytes())

	assert.Equal(t, float64(stream.Len()), promtest.ToFloat64(metrics.SerialBytes))
	assert.Equal(t, 5.0, promtest.ToFloat64(metrics.Frames))
	assert.Equal(t, 3.0, promtest.ToFloat64(metrics.BytesDiscarded))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Crossings))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.Packets.WithLabelValues(string(doorway.OutcomeFloor))))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.DoorOpen))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.Occupancy))
	// three events, room for one
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.EventsDropped))
	assert.Len(t, drainEvents(p), 1)
}

func TestRun_ResetOccupancy(t *testing.T) {
	p := newTestPipeline(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan []byte)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx, chunks) }()

	chunks <- floorFrame()
	chunks <- floorFrame()
	chunks <- nearFrame()

	prev, err := p.ResetOccupancy(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, prev)
	assert.EqualValues(t, 0, p.Snapshot().State.Occupancy)

	kinds := []EventKind{
		waitEvent(t, p).Kind,
		waitEvent(t, p).Kind,
		waitEvent(t, p).Kind,
	}
	assert.Equal(t, []EventKind{EventDoorOpened, EventCrossing, EventOccupancyReset}, kinds)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err = p.ResetOccupancy(context.Background())
	assert.True(t, errors.Is(err, ErrNotRunning))

	_, ok := <-p.Events()
	assert.False(t, ok, "events channel should be closed after Run returns")
}

func TestRun_ReturnsWhenInputCloses(t *testing.T) {
	p := newTestPipeline(t, Options{})
	chunks := make(chan []byte, 1)
	chunks <- floorFrame()
	close(chunks)

	err := p.Run(context.Background(), chunks)
	assert.NoError(t, err)
	assert.True(t, p.Snapshot().State.IsOpen)
}

func TestRun_AutoClose(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	p := newTestPipeline(t, Options{Clock: clock, AutoCloseAfter: 5 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan []byte)
	go func() { _ = p.Run(ctx, chunks) }()

	chunks <- floorFrame()
	chunks <- []byte{} // first arrival fully handled once this is accepted
	require.Equal(t, EventDoorOpened, waitEvent(t, p).Kind)
	require.Equal(t, 1, clock.ActiveTimers())

	// a qualifying packet pushes the deadline out
	clock.Advance(3 * time.Second)
	chunks <- floorFrame()
	chunks <- []byte{}
	clock.Advance(3 * time.Second)

	_, err := p.ResetOccupancy(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventOccupancyReset, waitEvent(t, p).Kind, "door should still be open")
	assert.True(t, p.Snapshot().State.IsOpen)

	// packets outside the window do not
	chunks <- awayFrame()
	clock.Advance(3 * time.Second)

	ev := waitEvent(t, p)
	assert.Equal(t, EventDoorClosed, ev.Kind)
	assert.Equal(t, ReasonTimeout, ev.Reason)
	assert.False(t, ev.IsOpen)

	_, err = p.ResetOccupancy(ctx)
	require.NoError(t, err)
	snap := p.Snapshot()
	assert.False(t, snap.State.IsOpen)
	assert.Zero(t, snap.State.ClosedStreak)
	assert.Zero(t, clock.ActiveTimers())
}

func TestRun_AutoCloseDisabled(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	p := newTestPipeline(t, Options{Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks := make(chan []byte)
	go func() { _ = p.Run(ctx, chunks) }()

	chunks <- floorFrame()
	chunks <- []byte{}
	clock.Advance(time.Hour)

	_, err := p.ResetOccupancy(ctx)
	require.NoError(t, err)
	assert.True(t, p.Snapshot().State.IsOpen)
	assert.Zero(t, clock.ActiveTimers())
}

func TestRun_StalledBehindSerialMuxLosesNothing(t *testing.T) {
	var capture bytes.Buffer
	for i := 0; i < 50; i++ {
		capture.Write(floorFrame())
		capture.Write(awayFrame())
	}

	// 20-byte chunks split almost every frame across arrivals
	mux := serialmux.NewMockSerialMux(capture.Bytes(), 20, 100*time.Microsecond)
	id, chunks := mux.SubscribeLossless()
	defer mux.Close()
	defer mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mux.Monitor(ctx) }()

	// let the reader fill the subscriber queue well past its capacity
	time.Sleep(100 * time.Millisecond)

	p := newTestPipeline(t, Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx, chunks)
	}()

	require.Eventually(t, func() bool {
		return p.Snapshot().Packets >= 300
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	snap := p.Snapshot()
	assert.Zero(t, snap.Framer.Resyncs)
	assert.Zero(t, snap.Framer.BytesDiscarded)
	assert.Zero(t, snap.ChecksumMismatches)
	assert.Zero(t, snap.Unclassified)
	assert.Zero(t, mux.Dropped())
	for _, pkt := range snap.History {
		assert.Contains(t, []float64{180, 10}, pkt.StartAngle)
	}
}
