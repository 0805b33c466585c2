package monitoring

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics for the ingest pipeline. All
// methods are safe to call on a nil *Collector, which records nothing.
type Collector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	SerialBytes      prometheus.Counter
	Frames           prometheus.Counter
	Resyncs          prometheus.Counter
	BytesDiscarded   prometheus.Counter
	ChecksumMismatch prometheus.Counter
	ChecksumRejected prometheus.Counter
	Packets          *prometheus.CounterVec
	Crossings        prometheus.Counter
	EventsDropped    prometheus.Counter
	DrainDuration    prometheus.Histogram
	DoorOpen         prometheus.Gauge
	Occupancy        prometheus.Gauge
}

// NewCollector registers the pipeline metrics against reg, defaulting to the
// global Prometheus registry when nil. Registering twice against the same
// registry returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{reg: reg, gatherer: gatherer}
	var err error

	counters := []struct {
		dst  *prometheus.Counter
		name string
		help string
	}{
		{&c.SerialBytes, "doorway_serial_bytes_total", "Bytes received from the LIDAR serial link."},
		{&c.Frames, "doorway_frames_total", "47-byte frames extracted from the byte stream."},
		{&c.Resyncs, "doorway_resyncs_total", "Times the receive buffer was dropped because no header byte was present."},
		{&c.BytesDiscarded, "doorway_bytes_discarded_total", "Bytes dropped while searching for a frame header."},
		{&c.ChecksumMismatch, "doorway_checksum_mismatches_total", "Frames whose CRC-8 did not match their contents."},
		{&c.ChecksumRejected, "doorway_checksum_rejected_total", "Frames dropped because checksum verification is enabled and failed."},
		{&c.Crossings, "doorway_crossings_total", "Doorway crossings counted since start."},
		{&c.EventsDropped, "doorway_events_dropped_total", "Door events discarded because the event log consumer fell behind."},
	}
	for _, ctr := range counters {
		*ctr.dst, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: ctr.name, Help: ctr.help}), ctr.name)
		if err != nil {
			return nil, err
		}
	}

	c.Packets, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "doorway_packets_total",
		Help: "Decoded packets by classifier outcome.",
	}, []string{"outcome"}), "doorway_packets_total")
	if err != nil {
		return nil, err
	}

	c.DrainDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "doorway_drain_duration_seconds",
		Help:    "Time spent framing, decoding and classifying one serial arrival.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}), "doorway_drain_duration_seconds")
	if err != nil {
		return nil, err
	}

	c.DoorOpen, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doorway_open",
		Help: "1 when the doorway is classified open, 0 otherwise.",
	}), "doorway_open")
	if err != nil {
		return nil, err
	}

	c.Occupancy, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "doorway_occupancy",
		Help: "Current occupancy counter value.",
	}), "doorway_occupancy")
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// WatchSerialDrops exports dropped, the serial mux's running count of chunks
// discarded for slow subscribers, as doorway_serial_chunks_dropped_total.
func (c *Collector) WatchSerialDrops(dropped func() uint64) error {
	if c == nil {
		return nil
	}
	const name = "doorway_serial_chunks_dropped_total"
	_, err := register(c.reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: "Serial chunks discarded because a subscriber fell behind.",
	}, func() float64 { return float64(dropped()) }), name)
	return err
}

// AddFramerDelta records growth in the framer counters since the last call.
func (c *Collector) AddFramerDelta(bytesIn, frames, resyncs, discarded uint64) {
	if c == nil {
		return
	}
	c.SerialBytes.Add(float64(bytesIn))
	c.Frames.Add(float64(frames))
	c.Resyncs.Add(float64(resyncs))
	c.BytesDiscarded.Add(float64(discarded))
}

// ObserveChecksum records a checksum mismatch and whether the frame was dropped.
func (c *Collector) ObserveChecksum(rejected bool) {
	if c == nil {
		return
	}
	c.ChecksumMismatch.Inc()
	if rejected {
		c.ChecksumRejected.Inc()
	}
}

// ObservePacket counts a classified packet by outcome.
func (c *Collector) ObservePacket(outcome string, crossed bool) {
	if c == nil {
		return
	}
	c.Packets.WithLabelValues(outcome).Inc()
	if crossed {
		c.Crossings.Inc()
	}
}

// ObserveDrain records how long one arrival took to process.
func (c *Collector) ObserveDrain(seconds float64) {
	if c == nil {
		return
	}
	c.DrainDuration.Observe(seconds)
}

// EventDropped counts a door event that could not be queued.
func (c *Collector) EventDropped() {
	if c == nil {
		return
	}
	c.EventsDropped.Inc()
}

// SetDoorState mirrors the classifier state into gauges.
func (c *Collector) SetDoorState(open bool, occupancy uint64) {
	if c == nil {
		return
	}
	if open {
		c.DoorOpen.Set(1)
	} else {
		c.DoorOpen.Set(0)
	}
	c.Occupancy.Set(float64(occupancy))
}

func register[T prometheus.Collector](reg prometheus.Registerer, coll T, name string) (T, error) {
	if err := reg.Register(coll); err != nil {
		var zero T
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, err
	}
	return coll, nil
}
