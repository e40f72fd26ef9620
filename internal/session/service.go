package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attendance/internal/geo"
)

// Caller roles as supplied by the identity layer.
const (
	RoleStudent = "student"
	RoleFaculty = "faculty"
	RoleAdmin   = "admin"
)

// Actor is the validated caller identity handed in by the auth boundary.
type Actor struct {
	ID   string
	Role string
}

// Service is the single entry point for the attendance engine. It resolves
// the clock, applies lazy expiry, checks roles and membership, runs the
// geofence for self-marks, and commits through the store.
type Service struct {
	store           Store
	roster          Roster
	defaultDuration time.Duration
	lateAfter       time.Duration
	now             func() time.Time
	audit           func(AuditEvent)
}

// NewService creates a service. defaultDuration is the session window used
// when the caller does not pick one; lateAfter is the grace period after
// session start before self-marks count as late (zero disables late marking).
func NewService(store Store, roster Roster, defaultDuration, lateAfter time.Duration) *Service {
	if defaultDuration <= 0 {
		defaultDuration = 60 * time.Minute
	}
	return &Service{
		store:           store,
		roster:          roster,
		defaultDuration: defaultDuration,
		lateAfter:       lateAfter,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetAuditSink registers a sink invoked after every successful mutation.
func (s *Service) SetAuditSink(fn func(AuditEvent)) { s.audit = fn }

func (s *Service) emit(e AuditEvent) {
	if s.audit != nil {
		s.audit(e)
	}
}

// Open creates a session owned by the calling faculty member. A zero start
// opens it immediately; a future start leaves it scheduled.
func (s *Service) Open(ctx context.Context, actor Actor, courseID string, start time.Time, duration time.Duration, fence geo.Fence) (*Session, error) {
	if actor.Role != RoleFaculty {
		return nil, ErrForbidden
	}
	if !fence.Center.Valid() {
		return nil, geo.ErrInvalidCoordinate
	}
	if fence.RadiusM <= 0 {
		return nil, ErrInvalidFence
	}

	now := s.now()
	if start.IsZero() {
		start = now
	}
	if duration == 0 {
		duration = s.defaultDuration
	}
	end := start.Add(duration)
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}

	enrolled, err := s.roster.Enrolled(ctx, courseID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:           uuid.NewString(),
		CourseID:     courseID,
		InstructorID: actor.ID,
		Start:        start,
		End:          end,
		Fence:        fence,
		Enrolled:     enrolled,
	}
	sess.State = StateAt(sess, now)
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.emit(AuditEvent{SessionID: sess.ID, ActorID: actor.ID, Action: AuditOpen, At: now})
	return sess, nil
}

// refresh loads a session and persists the closed transition the first time
// an expired session is observed.
func (s *Service) refresh(ctx context.Context, id string, now time.Time) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if Expired(sess, now) {
		if _, err := s.store.Close(ctx, id, now); err != nil {
			return nil, err
		}
		sess.State = StateClosed
	} else {
		sess.State = StateAt(sess, now)
	}
	return sess, nil
}

// MarkSelf commits at most one self-mark per student per session. Concurrent
// retries race to a single committed record; losers get ErrAlreadyMarked.
func (s *Service) MarkSelf(ctx context.Context, actor Actor, sessionID string, loc geo.Point) (Record, error) {
	if actor.Role != RoleStudent {
		return Record{}, ErrForbidden
	}
	now := s.now()
	sess, err := s.refresh(ctx, sessionID, now)
	if err != nil {
		return Record{}, err
	}
	if !CanSelfMark(sess.State) {
		return Record{}, ErrSessionClosed
	}
	if !enrolled(sess, actor.ID) {
		return Record{}, ErrNotEnrolled
	}

	inside, dist, err := geo.Inside(loc, sess.Fence)
	if err != nil {
		return Record{}, err
	}
	if !inside {
		return Record{}, &OutsideGeofenceError{DistanceM: dist, RadiusM: sess.Fence.RadiusM}
	}

	status := StatusPresent
	if s.lateAfter > 0 && !now.Before(sess.Start.Add(s.lateAfter)) {
		status = StatusLate
	}
	rec, err := s.store.InsertMark(ctx, Record{
		SessionID: sessionID,
		StudentID: actor.ID,
		Status:    status,
		MarkedAt:  &now,
		Location:  &loc,
		DistanceM: &dist,
	})
	if err != nil {
		return Record{}, err
	}
	s.emit(AuditEvent{
		SessionID: sessionID, StudentID: actor.ID, ActorID: actor.ID,
		Action: AuditMark, Detail: fmt.Sprintf("%s at %.0fm", status, dist), At: now,
	})
	return rec, nil
}

// Override replaces a student's record on faculty/admin authority. It works
// in any session state, repeats freely, and the last committed write wins.
func (s *Service) Override(ctx context.Context, actor Actor, sessionID, studentID string, status Status, reason string) (Record, error) {
	if reason == "" {
		return Record{}, ErrReasonRequired
	}
	if !ValidStatus(status) {
		return Record{}, fmt.Errorf("unknown attendance status %q", status)
	}
	now := s.now()
	sess, err := s.refresh(ctx, sessionID, now)
	if err != nil {
		return Record{}, err
	}
	if !canAdminister(sess, actor) {
		return Record{}, ErrForbidden
	}
	if !enrolled(sess, studentID) {
		return Record{}, ErrNotEnrolled
	}

	rec, err := s.store.PutOverride(ctx, Record{
		SessionID: sessionID,
		StudentID: studentID,
		Status:    status,
		Override:  &Override{By: actor.ID, Reason: reason, At: now},
	})
	if err != nil {
		return Record{}, err
	}
	s.emit(AuditEvent{
		SessionID: sessionID, StudentID: studentID, ActorID: actor.ID,
		Action: AuditOverride, Detail: string(status) + ": " + reason, At: now,
	})
	return rec, nil
}

// CloseEarly ends an open session before its window expires. Only the owning
// faculty member may close.
func (s *Service) CloseEarly(ctx context.Context, actor Actor, sessionID string) (*Session, error) {
	now := s.now()
	sess, err := s.refresh(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if actor.Role != RoleFaculty || actor.ID != sess.InstructorID {
		return nil, ErrForbidden
	}
	if !CanClose(sess.State) {
		if sess.State == StateScheduled {
			return nil, ErrSessionNotOpen
		}
		return nil, ErrSessionAlreadyClosed
	}
	transitioned, err := s.store.Close(ctx, sessionID, now)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, ErrSessionAlreadyClosed
	}
	sess.State = StateClosed
	if now.Before(sess.End) {
		sess.End = now
	}
	s.emit(AuditEvent{SessionID: sessionID, ActorID: actor.ID, Action: AuditClose, At: now})
	return sess, nil
}

// Cancel deletes a session that never opened.
func (s *Service) Cancel(ctx context.Context, actor Actor, sessionID string) error {
	now := s.now()
	sess, err := s.refresh(ctx, sessionID, now)
	if err != nil {
		return err
	}
	if actor.Role != RoleFaculty || actor.ID != sess.InstructorID {
		return ErrForbidden
	}
	if !CanCancel(sess.State) {
		return ErrSessionNotScheduled
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	s.emit(AuditEvent{SessionID: sessionID, ActorID: actor.ID, Action: AuditCancel, At: now})
	return nil
}

// Get returns the session with its lazily refreshed state.
func (s *Service) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.refresh(ctx, sessionID, s.now())
}

// ListByCourse returns a course's sessions, newest first.
func (s *Service) ListByCourse(ctx context.Context, courseID string) ([]*Session, error) {
	return s.store.ListByCourse(ctx, courseID)
}

// Report returns one record per enrolled student, materializing the implicit
// absent record for students who never marked and were never overridden.
// Read access is scoped: owning faculty and admins see the full roster,
// enrolled students see only their own row.
func (s *Service) Report(ctx context.Context, actor Actor, sessionID string) ([]Record, error) {
	sess, err := s.refresh(ctx, sessionID, s.now())
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case RoleStudent:
		if !enrolled(sess, actor.ID) {
			return nil, ErrNotEnrolled
		}
	default:
		if !canAdminister(sess, actor) {
			return nil, ErrForbidden
		}
	}
	recs, err := s.store.Records(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byStudent := make(map[string]Record, len(recs))
	for _, r := range recs {
		byStudent[r.StudentID] = r
	}
	out := make([]Record, 0, len(sess.Enrolled))
	for _, studentID := range sess.Enrolled {
		if actor.Role == RoleStudent && actor.ID != studentID {
			continue
		}
		r, ok := byStudent[studentID]
		if !ok {
			r = Record{SessionID: sessionID, StudentID: studentID, Status: StatusAbsent}
		}
		out = append(out, r)
	}
	return out, nil
}

func enrolled(s *Session, studentID string) bool {
	for _, id := range s.Enrolled {
		if id == studentID {
			return true
		}
	}
	return false
}

func canAdminister(s *Session, actor Actor) bool {
	if actor.Role == RoleAdmin {
		return true
	}
	return actor.Role == RoleFaculty && actor.ID == s.InstructorID
}
