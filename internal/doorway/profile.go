package doorway

import (
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/doorway.report/internal/ld20"
)

// DistanceStats summarises the distances observed at one point index.
type DistanceStats struct {
	Index  int     `json:"index"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Profile describes how the doorway window currently looks to the sensor. It
// is an operator aid for choosing DoorDistance and FloorDistance by hand.
type Profile struct {
	Packets    int             `json:"packets"`    // packets inside the window
	Considered int             `json:"considered"` // packets examined
	Points     []DistanceStats `json:"points"`     // per point index, scan order
	Overall    DistanceStats   `json:"overall"`    // all points pooled; Index is -1
	Thresholds Thresholds      `json:"thresholds"`
}

// BuildProfile computes distance statistics over the packets that qualify for
// the doorway window.
func (c *Classifier) BuildProfile(packets []ld20.Packet) Profile {
	prof := Profile{
		Considered: len(packets),
		Thresholds: c.t,
		Overall:    DistanceStats{Index: -1},
	}

	perIndex := make([][]float64, ld20.POINTS_PER_PACKET)
	var pooled []float64
	for _, p := range packets {
		if !c.Qualifies(p) {
			continue
		}
		prof.Packets++
		for i, d := range p.Distances() {
			perIndex[i] = append(perIndex[i], d)
			pooled = append(pooled, d)
		}
	}
	if prof.Packets == 0 {
		return prof
	}

	prof.Points = make([]DistanceStats, ld20.POINTS_PER_PACKET)
	for i, xs := range perIndex {
		prof.Points[i] = summarise(i, xs)
	}
	prof.Overall = summarise(-1, pooled)
	return prof
}

func summarise(index int, xs []float64) DistanceStats {
	ds := DistanceStats{Index: index}
	if len(xs) == 0 {
		return ds
	}
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	ds.Mean, ds.StdDev = stat.MeanStdDev(sorted, nil)
	if len(sorted) < 2 {
		ds.StdDev = 0 // undefined for a single sample
	}
	ds.Min = floats.Min(sorted)
	ds.Max = floats.Max(sorted)
	ds.Median = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return ds
}
