package session

import (
	"errors"
	"fmt"
	"time"

	"attendance/internal/geo"
)

// State is the lifecycle state of a session.
type State string

const (
	StateScheduled State = "scheduled"
	StateOpen      State = "open"
	StateClosed    State = "closed"
)

// Status is the attendance status carried by a record.
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

// ValidStatus reports whether s is a known attendance status.
func ValidStatus(s Status) bool {
	return s == StatusPresent || s == StatusAbsent || s == StatusLate
}

// Session is a time-bounded, geofenced attendance window owned by the
// faculty member who opened it.
type Session struct {
	ID           string    `json:"id"`
	CourseID     string    `json:"course_id"`
	InstructorID string    `json:"instructor_id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Fence        geo.Fence `json:"fence"`
	State        State     `json:"state"`
	// Enrollment snapshot taken at creation; marking eligibility is judged
	// against this, not against later roster changes.
	Enrolled []string `json:"enrolled"`
}

// Override captures who corrected a record, why, and when.
type Override struct {
	By     string    `json:"by"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Record is one student's attendance in one session. Every enrolled student
// behaves as if they hold an implicit absent record from session creation;
// stores may materialize that lazily.
type Record struct {
	SessionID string     `json:"session_id"`
	StudentID string     `json:"student_id"`
	Status    Status     `json:"status"`
	MarkedAt  *time.Time `json:"marked_at,omitempty"`
	Location  *geo.Point `json:"location,omitempty"`
	DistanceM *float64   `json:"distance_m,omitempty"`
	Override  *Override  `json:"override,omitempty"`
}

// Marked reports whether the record carries a non-default status from a
// self-mark or an override.
func (r Record) Marked() bool {
	return r.MarkedAt != nil || r.Override != nil
}

// Business-rule failures. All are surfaced verbatim to the boundary layer;
// infrastructure errors (SQL, redis) pass through without being mapped into
// this taxonomy.
var (
	ErrInvalidWindow        = errors.New("session end must be after start")
	ErrInvalidFence         = errors.New("fence radius must be positive")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session is closed")
	ErrSessionNotOpen       = errors.New("session has not opened")
	ErrSessionAlreadyClosed = errors.New("session already closed")
	ErrSessionNotScheduled  = errors.New("session has already opened")
	ErrNotEnrolled          = errors.New("student not enrolled in course")
	ErrAlreadyMarked        = errors.New("attendance already marked")
	ErrForbidden            = errors.New("operation not permitted for caller")
	ErrReasonRequired       = errors.New("override reason required")
)

// OutsideGeofenceError rejects a self-mark from outside the fence. It carries
// the measured distance so the caller can tell the student how far off they
// are.
type OutsideGeofenceError struct {
	DistanceM float64
	RadiusM   float64
}

func (e *OutsideGeofenceError) Error() string {
	return fmt.Sprintf("outside geofence: %.0fm from center, allowed radius %.0fm", e.DistanceM, e.RadiusM)
}
