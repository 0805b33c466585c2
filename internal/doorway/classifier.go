// Package doorway turns LD20 packets that cover a doorway into a debounced
// open/closed state and a count of crossings.
package doorway

import "github.com/banshee-data/doorway.report/internal/ld20"

// State is the classifier's memory. The zero value is the cold-start state.
// It is mutated only through Classifier.Update.
type State struct {
	IsOpen       bool   `json:"is_open"`
	Occupancy    uint64 `json:"occupancy"`
	ClosedStreak int    `json:"closed_streak"`
	FloorStreak  int    `json:"floor_streak"`
	SawFloor     bool   `json:"saw_floor"`
}

// ResetOccupancy zeroes the crossing counter and forgets any confirmed floor
// sighting so the next crossing has to be observed from scratch.
func (s *State) ResetOccupancy() {
	s.Occupancy = 0
	s.SawFloor = false
	s.FloorStreak = 0
}

// ForceClosed marks the door closed and clears both streaks.
func (s *State) ForceClosed() {
	s.IsOpen = false
	s.ClosedStreak = 0
	s.FloorStreak = 0
}

// Outcome names how a packet was classified.
type Outcome string

const (
	OutcomeOutOfWindow  Outcome = "out_of_window" // angles outside the doorway window
	OutcomeClosed       Outcome = "closed"        // near returns, closed streak confirmed
	OutcomeObstructed   Outcome = "obstructed"    // near returns, not yet confirmed closed
	OutcomeFloor        Outcome = "floor"         // floor visible through the doorway
	OutcomeUnclassified Outcome = "unclassified"  // mixed reading, ignored
)

// Result describes what a single Update did.
type Result struct {
	Outcome Outcome
	Opened  bool // IsOpen went false -> true
	Closed  bool // IsOpen went true -> false
	Crossed bool // Occupancy was incremented
}

// Qualified reports whether the packet fell inside the doorway window.
func (r Result) Qualified() bool {
	return r.Outcome != OutcomeOutOfWindow
}

// Classifier applies Thresholds to packets. It holds no mutable state of its
// own; all memory lives in the State passed to Update.
type Classifier struct {
	t Thresholds
}

// NewClassifier returns a classifier for the given thresholds.
func NewClassifier(t Thresholds) *Classifier {
	return &Classifier{t: t}
}

// Thresholds returns the configured thresholds.
func (c *Classifier) Thresholds() Thresholds {
	return c.t
}

// Qualifies reports whether both packet angles lie inside the doorway window.
func (c *Classifier) Qualifies(p ld20.Packet) bool {
	return c.t.InWindow(p.StartAngle) && c.t.InWindow(p.EndAngle)
}

// Update folds one packet into st.
//
// Tests are applied in priority order: all points at door range, then all
// points at floor range, else nothing. A near reading only confirms the door
// closed once the streak exceeds ClosedConfirm; before that it is treated as
// an object in the doorway and, following a confirmed floor sighting, counts a
// crossing.
func (c *Classifier) Update(st *State, p ld20.Packet) Result {
	if !c.Qualifies(p) {
		return Result{Outcome: OutcomeOutOfWindow}
	}

	wasOpen := st.IsOpen
	var res Result

	switch {
	case p.AllPoints(c.atDoorRange):
		st.ClosedStreak++
		if st.ClosedStreak > c.t.ClosedConfirm {
			st.IsOpen = false
			res.Outcome = OutcomeClosed
			break
		}
		res.Outcome = OutcomeObstructed
		st.FloorStreak = 0
		if st.SawFloor {
			st.Occupancy++
			st.SawFloor = false
			res.Crossed = true
		}

	case p.AllPoints(c.atFloorRange):
		res.Outcome = OutcomeFloor
		st.IsOpen = true
		st.ClosedStreak = 0
		st.FloorStreak++
		if st.FloorStreak > c.t.FloorConfirm {
			st.SawFloor = true
			st.FloorStreak = 0
		}

	default:
		return Result{Outcome: OutcomeUnclassified}
	}

	res.Opened = !wasOpen && st.IsOpen
	res.Closed = wasOpen && !st.IsOpen
	return res
}

func (c *Classifier) atDoorRange(pt ld20.Point) bool {
	return pt.Distance <= c.t.DoorDistance
}

func (c *Classifier) atFloorRange(pt ld20.Point) bool {
	return pt.Distance >= c.t.DoorDistance && pt.Distance <= c.t.FloorDistance
}
