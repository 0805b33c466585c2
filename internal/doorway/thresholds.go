package doorway

import "fmt"

// Thresholds are the per-deployment constants that tie the classifier to a
// particular sensor mounting. Distances are in millimetres, angles in degrees.
type Thresholds struct {
	MinAngle      float64 `json:"min_angle"`
	MaxAngle      float64 `json:"max_angle"`
	DoorDistance  uint16  `json:"door_distance"`
	FloorDistance uint16  `json:"floor_distance"`
	// ClosedConfirm is the number of consecutive all-near packets that must be
	// exceeded before the door is reported closed.
	ClosedConfirm int `json:"closed_confirm_threshold"`
	// FloorConfirm is the number of consecutive all-floor packets that must be
	// exceeded before the floor counts as seen.
	FloorConfirm int `json:"floor_confirm_threshold"`
}

// DefaultThresholds returns the values used by the reference installation.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAngle:      170,
		MaxAngle:      201,
		DoorDistance:  215,
		FloorDistance: 600,
		ClosedConfirm: 50,
		FloorConfirm:  5,
	}
}

// Validate checks that the thresholds describe a usable window.
func (t Thresholds) Validate() error {
	if t.MinAngle < 0 || t.MinAngle > 360 {
		return fmt.Errorf("min_angle must be between 0 and 360, got %v", t.MinAngle)
	}
	if t.MaxAngle < 0 || t.MaxAngle > 360 {
		return fmt.Errorf("max_angle must be between 0 and 360, got %v", t.MaxAngle)
	}
	if t.MinAngle > t.MaxAngle {
		return fmt.Errorf("min_angle (%v) must not exceed max_angle (%v)", t.MinAngle, t.MaxAngle)
	}
	if t.DoorDistance > t.FloorDistance {
		return fmt.Errorf("door_distance (%d) must not exceed floor_distance (%d)", t.DoorDistance, t.FloorDistance)
	}
	if t.ClosedConfirm < 0 {
		return fmt.Errorf("closed_confirm_threshold must be non-negative, got %d", t.ClosedConfirm)
	}
	if t.FloorConfirm < 0 {
		return fmt.Errorf("floor_confirm_threshold must be non-negative, got %d", t.FloorConfirm)
	}
	return nil
}

// InWindow reports whether an angle lies inside [MinAngle, MaxAngle].
func (t Thresholds) InWindow(angle float64) bool {
	return angle >= t.MinAngle && angle <= t.MaxAngle
}
