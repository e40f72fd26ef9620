package session

import "time"

// StateAt derives the lifecycle state of a session at the given instant.
// A manual close is sticky: once a session is stored closed it never reopens,
// regardless of the wall clock.
func StateAt(s *Session, now time.Time) State {
	if s.State == StateClosed {
		return StateClosed
	}
	switch {
	case now.Before(s.Start):
		return StateScheduled
	case now.Before(s.End):
		return StateOpen
	default:
		return StateClosed
	}
}

// Expired reports whether a session stored as scheduled or open has run past
// its window and should be flagged closed. Expiry is evaluated lazily on
// every access; there is no background timer.
func Expired(s *Session, now time.Time) bool {
	return s.State != StateClosed && !now.Before(s.End)
}

// CanSelfMark reports whether a self-mark is legal in the given state.
func CanSelfMark(st State) bool { return st == StateOpen }

// CanClose reports whether an early close is legal. Scheduled sessions are
// cancelled, not closed; closing one would store a window with end before
// start.
func CanClose(st State) bool { return st == StateOpen }

// CanCancel reports whether the session may still be cancelled. Only
// sessions that never opened can be.
func CanCancel(st State) bool { return st == StateScheduled }
