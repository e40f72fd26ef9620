package session

import (
	"context"
	"time"
)

// Store persists sessions and their records. Implementations must make
// InsertMark an atomic first-write-wins per (session, student) without
// serializing unrelated sessions or unrelated students in the same session.
type Store interface {
	// Create persists a new session together with its enrollment snapshot.
	Create(ctx context.Context, s *Session) error
	// Get returns a session by id, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// ListByCourse returns all sessions for a course, newest first.
	ListByCourse(ctx context.Context, courseID string) ([]*Session, error)
	// Close flags the session closed. It reports whether this call performed
	// the transition; a session already closed returns false with no error so
	// lazy expiry stays idempotent.
	Close(ctx context.Context, id string, now time.Time) (bool, error)
	// Delete removes a session and its records. Used only for cancellation.
	Delete(ctx context.Context, id string) error
	// InsertMark commits a self-mark record if and only if no record with a
	// non-default status exists yet for the (session, student) pair. Losers
	// of the race get ErrAlreadyMarked.
	InsertMark(ctx context.Context, rec Record) (Record, error)
	// PutOverride replaces the record for (session, student) with the given
	// override, creating it if absent. Last writer wins.
	PutOverride(ctx context.Context, rec Record) (Record, error)
	// Records returns the materialized records of a session. Students with
	// only an implicit absent record may be missing; Report fills those in.
	Records(ctx context.Context, sessionID string) ([]Record, error)
}

// Roster answers course membership. Enrollment is owned by an external
// system; the engine only consumes it.
type Roster interface {
	Enrolled(ctx context.Context, courseID string) ([]string, error)
}

// StaticRoster is a fixed in-memory roster for dev and tests.
type StaticRoster map[string][]string

func (r StaticRoster) Enrolled(_ context.Context, courseID string) ([]string, error) {
	return r[courseID], nil
}
