package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a door event.
type EventKind string

const (
	EventDoorOpened     EventKind = "door_opened"
	EventDoorClosed     EventKind = "door_closed"
	EventCrossing       EventKind = "crossing"
	EventOccupancyReset EventKind = "occupancy_reset"
)

// Reasons attached to door_closed events.
const (
	ReasonConfirmed = "confirmed" // closed streak exceeded its threshold
	ReasonTimeout   = "timeout"   // auto-close watchdog fired
)

// Event is a notable change in doorway state. Events form an audit log; they
// are never replayed into the classifier.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Kind      EventKind `json:"kind"`
	Reason    string    `json:"reason,omitempty"`
	IsOpen    bool      `json:"is_open"`
	Occupancy uint64    `json:"occupancy"`
	At        time.Time `json:"at"`
}
