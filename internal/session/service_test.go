package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendance/internal/geo"
)

var (
	prof      = Actor{ID: "prof-1", Role: RoleFaculty}
	otherProf = Actor{ID: "prof-2", Role: RoleFaculty}
	dean      = Actor{ID: "dean-1", Role: RoleAdmin}
	alice     = Actor{ID: "alice", Role: RoleStudent}
	mallory   = Actor{ID: "mallory", Role: RoleStudent}

	venueFence = geo.Fence{Center: geo.Point{Lat: 12.9716, Lon: 77.5946}, RadiusM: 100}
	nearVenue  = geo.Point{Lat: 12.9716, Lon: 77.5950}
	farAway    = geo.Point{Lat: 12.9800, Lon: 77.6000}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestService(t *testing.T) (*Service, *MemStore, *fakeClock) {
	t.Helper()
	st := NewMemStore()
	roster := StaticRoster{"cs101": {"alice", "bob", "carol"}}
	svc := NewService(st, roster, time.Hour, 15*time.Minute)
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	return svc, st, clock
}

func openSession(t *testing.T, svc *Service) *Session {
	t.Helper()
	sess, err := svc.Open(context.Background(), prof, "cs101", time.Time{}, time.Hour, venueFence)
	require.NoError(t, err)
	require.Equal(t, StateOpen, sess.State)
	return sess
}

func TestOpenValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Open(ctx, prof, "cs101", time.Time{}, -time.Minute, venueFence)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	badFence := venueFence
	badFence.RadiusM = 0
	_, err = svc.Open(ctx, prof, "cs101", time.Time{}, time.Hour, badFence)
	assert.ErrorIs(t, err, ErrInvalidFence)

	badFence = venueFence
	badFence.Center.Lat = 91
	_, err = svc.Open(ctx, prof, "cs101", time.Time{}, time.Hour, badFence)
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)

	_, err = svc.Open(ctx, alice, "cs101", time.Time{}, time.Hour, venueFence)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOpenSnapshotsEnrollment(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	assert.Equal(t, []string{"alice", "bob", "carol"}, sess.Enrolled)
	assert.Equal(t, prof.ID, sess.InstructorID)
	assert.Equal(t, sess.Start.Add(time.Hour), sess.End)
}

func TestOpenFutureStartIsScheduled(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Open(ctx, prof, "cs101", clock.Now().Add(time.Hour), time.Hour, venueFence)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, sess.State)

	// Scheduled sessions reject self-marks and can be cancelled.
	_, err = svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrSessionClosed)

	require.NoError(t, svc.Cancel(ctx, prof, sess.ID))
	_, err = svc.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCancelOpenSessionRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)

	err := svc.Cancel(context.Background(), prof, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotScheduled)
}

func TestMarkSelfInsideFence(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := openSession(t, svc)

	rec, err := svc.MarkSelf(context.Background(), alice, sess.ID, nearVenue)
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
	require.NotNil(t, rec.MarkedAt)
	assert.Equal(t, clock.Now(), *rec.MarkedAt)
	require.NotNil(t, rec.DistanceM)
	assert.InDelta(t, 43.4, *rec.DistanceM, 2)
}

func TestMarkSelfOutsideFence(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)

	_, err := svc.MarkSelf(context.Background(), alice, sess.ID, farAway)
	var outside *OutsideGeofenceError
	require.ErrorAs(t, err, &outside)
	assert.InDelta(t, 1100, outside.DistanceM, 30)
	assert.Equal(t, float64(100), outside.RadiusM)

	// Rejected marks materialize no record.
	recs, err := svc.Report(context.Background(), prof, sess.ID)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, StatusAbsent, r.Status)
		assert.Nil(t, r.MarkedAt)
	}
}

func TestMarkSelfLate(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := openSession(t, svc)
	clock.Advance(20 * time.Minute)

	rec, err := svc.MarkSelf(context.Background(), alice, sess.ID, nearVenue)
	require.NoError(t, err)
	assert.Equal(t, StatusLate, rec.Status)
}

func TestMarkSelfAfterWindowExpires(t *testing.T) {
	svc, st, clock := newTestService(t)
	sess := openSession(t, svc)
	clock.Advance(61 * time.Minute)

	_, err := svc.MarkSelf(context.Background(), alice, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrSessionClosed)

	// Lazy expiry persists the closed transition on first observation.
	got, err := st.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, got.State)
}

func TestMarkSelfGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.MarkSelf(ctx, mallory, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = svc.MarkSelf(ctx, prof, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.MarkSelf(ctx, alice, "nope", nearVenue)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.MarkSelf(ctx, alice, sess.ID, geo.Point{Lat: 200, Lon: 0})
	assert.ErrorIs(t, err, geo.ErrInvalidCoordinate)
}

func TestMarkSelfIdempotentResubmission(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	require.NoError(t, err)

	// A retry with an identical payload is rejected, not merged.
	_, err = svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrAlreadyMarked)
}

func TestMarkSelfConcurrentDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.MarkSelf(context.Background(), alice, sess.ID, nearVenue)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyMarked):
				dup++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, dup)
}

func TestOverrideAlwaysWins(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	rec, err := svc.Override(ctx, prof, sess.ID, "alice", StatusAbsent, "seen leaving after roll call")
	require.NoError(t, err)

	assert.Equal(t, StatusAbsent, rec.Status)
	require.NotNil(t, rec.Override)
	assert.Equal(t, prof.ID, rec.Override.By)
	assert.Equal(t, "seen leaving after roll call", rec.Override.Reason)
	assert.Equal(t, clock.Now(), rec.Override.At)
	// Self-mark provenance survives.
	require.NotNil(t, rec.MarkedAt)
}

func TestOverrideRepeatable(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.Override(ctx, prof, sess.ID, "bob", StatusPresent, "device died")
	require.NoError(t, err)
	rec, err := svc.Override(ctx, dean, sess.ID, "bob", StatusLate, "arrived mid-lecture")
	require.NoError(t, err)

	assert.Equal(t, StatusLate, rec.Status)
	assert.Equal(t, dean.ID, rec.Override.By)
}

func TestOverrideGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.Override(ctx, prof, sess.ID, "alice", StatusPresent, "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	_, err = svc.Override(ctx, otherProf, sess.ID, "alice", StatusPresent, "covering class")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Override(ctx, alice, sess.ID, "alice", StatusPresent, "please")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Override(ctx, prof, sess.ID, "mallory", StatusPresent, "crashing the course")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = svc.Override(ctx, prof, "nope", "alice", StatusPresent, "typo")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseEarlyThenOverride(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	clock.Advance(10 * time.Minute)
	closed, err := svc.CloseEarly(ctx, prof, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, clock.Now(), closed.End)

	clock.Advance(time.Minute)
	_, err = svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	assert.ErrorIs(t, err, ErrSessionClosed)

	clock.Advance(4 * time.Minute)
	rec, err := svc.Override(ctx, prof, sess.ID, "alice", StatusPresent, "was present, phone confiscated")
	require.NoError(t, err)
	assert.Equal(t, StatusPresent, rec.Status)
}

func TestCloseEarlyGuards(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.CloseEarly(ctx, otherProf, sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.CloseEarly(ctx, prof, sess.ID)
	require.NoError(t, err)

	_, err = svc.CloseEarly(ctx, prof, sess.ID)
	assert.ErrorIs(t, err, ErrSessionAlreadyClosed)
}

func TestCloseEarlyScheduledSessionRejected(t *testing.T) {
	svc, st, clock := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Open(ctx, prof, "cs101", clock.Now().Add(time.Hour), time.Hour, venueFence)
	require.NoError(t, err)
	require.Equal(t, StateScheduled, sess.State)

	_, err = svc.CloseEarly(ctx, prof, sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotOpen)

	// The stored window is untouched: end stays after start and the session
	// can still be cancelled.
	got, err := st.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, got.State)
	assert.True(t, got.End.After(got.Start))
	assert.NoError(t, svc.Cancel(ctx, prof, sess.ID))
}

func TestReportAccessScoped(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.Report(ctx, otherProf, sess.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Report(ctx, mallory, sess.ID)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	recs, err := svc.Report(ctx, dean, sess.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestReportMaterializesAbsences(t *testing.T) {
	svc, _, clock := newTestService(t)
	sess := openSession(t, svc)
	ctx := context.Background()

	_, err := svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	recs, err := svc.Report(ctx, prof, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	byStudent := make(map[string]Record, len(recs))
	for _, r := range recs {
		byStudent[r.StudentID] = r
	}
	assert.Equal(t, StatusPresent, byStudent["alice"].Status)
	assert.Equal(t, StatusAbsent, byStudent["bob"].Status)
	assert.Equal(t, StatusAbsent, byStudent["carol"].Status)
}

func TestReportStudentSeesOwnRecordOnly(t *testing.T) {
	svc, _, _ := newTestService(t)
	sess := openSession(t, svc)

	recs, err := svc.Report(context.Background(), alice, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "alice", recs[0].StudentID)
}

func TestAuditEventsEmitted(t *testing.T) {
	svc, _, _ := newTestService(t)
	var events []AuditEvent
	var mu sync.Mutex
	svc.SetAuditSink(func(e AuditEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	ctx := context.Background()

	sess := openSession(t, svc)
	_, err := svc.MarkSelf(ctx, alice, sess.ID, nearVenue)
	require.NoError(t, err)
	_, err = svc.Override(ctx, prof, sess.ID, "bob", StatusPresent, "device died")
	require.NoError(t, err)
	_, err = svc.CloseEarly(ctx, prof, sess.ID)
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, AuditOpen, events[0].Action)
	assert.Equal(t, AuditMark, events[1].Action)
	assert.Equal(t, AuditOverride, events[2].Action)
	assert.Equal(t, AuditClose, events[3].Action)
}
