package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"attendance/internal/geo"
)

// Repository persists sessions and records in Postgres. It satisfies Store;
// the unique (session_id, student_id) key plus ON CONFLICT DO NOTHING is the
// first-write-wins primitive for self-marks.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, s *Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance_sessions
			(id, course_id, instructor_id, start_at, end_at, fence_lat, fence_lon, fence_radius_m, state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.CourseID, s.InstructorID, s.Start, s.End,
		s.Fence.Center.Lat, s.Fence.Center.Lon, s.Fence.RadiusM, s.State)
	if err != nil {
		return err
	}
	for _, studentID := range s.Enrolled {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_enrollments (session_id, student_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, s.ID, studentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_id, instructor_id, start_at, end_at, fence_lat, fence_lon, fence_radius_m, state
		FROM attendance_sessions WHERE id = $1
	`, id)
	s, err := scanSession(row)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM session_enrollments WHERE session_id = $1 ORDER BY student_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var studentID string
		if err := rows.Scan(&studentID); err != nil {
			return nil, err
		}
		s.Enrolled = append(s.Enrolled, studentID)
	}
	return s, rows.Err()
}

func (r *Repository) ListByCourse(ctx context.Context, courseID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_id, instructor_id, start_at, end_at, fence_lat, fence_lon, fence_radius_m, state
		FROM attendance_sessions
		WHERE course_id = $1
		ORDER BY start_at DESC
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) Close(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET state = $2, end_at = LEAST(end_at, $3)
		WHERE id = $1 AND state <> $2
	`, id, StateClosed, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already closed" from "no such session".
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance_sessions WHERE id = $1)
	`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attendance_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *Repository) InsertMark(ctx context.Context, rec Record) (Record, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records
			(session_id, student_id, status, marked_at, lat, lon, distance_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.SessionID, rec.StudentID, rec.Status, rec.MarkedAt,
		nullLat(rec.Location), nullLon(rec.Location), rec.DistanceM)
	if err != nil {
		return Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, ErrAlreadyMarked
	}
	return rec, nil
}

func (r *Repository) PutOverride(ctx context.Context, rec Record) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(session_id, student_id, status, override_by, override_reason, override_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (session_id, student_id) DO UPDATE SET
			status = EXCLUDED.status,
			override_by = EXCLUDED.override_by,
			override_reason = EXCLUDED.override_reason,
			override_at = EXCLUDED.override_at
		RETURNING marked_at, lat, lon, distance_m
	`, rec.SessionID, rec.StudentID, rec.Status,
		rec.Override.By, rec.Override.Reason, rec.Override.At)

	var markedAt sql.NullTime
	var lat, lon, dist sql.NullFloat64
	if err := row.Scan(&markedAt, &lat, &lon, &dist); err != nil {
		return Record{}, err
	}
	if markedAt.Valid {
		rec.MarkedAt = &markedAt.Time
	}
	if lat.Valid && lon.Valid {
		rec.Location = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
	}
	if dist.Valid {
		rec.DistanceM = &dist.Float64
	}
	return rec, nil
}

func (r *Repository) Records(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, student_id, status, marked_at, lat, lon, distance_m,
		       override_by, override_reason, override_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		var markedAt, overrideAt sql.NullTime
		var lat, lon, dist sql.NullFloat64
		var overrideBy, overrideReason sql.NullString
		if err := rows.Scan(&rec.SessionID, &rec.StudentID, &rec.Status,
			&markedAt, &lat, &lon, &dist,
			&overrideBy, &overrideReason, &overrideAt); err != nil {
			return nil, err
		}
		if markedAt.Valid {
			rec.MarkedAt = &markedAt.Time
		}
		if lat.Valid && lon.Valid {
			rec.Location = &geo.Point{Lat: lat.Float64, Lon: lon.Float64}
		}
		if dist.Valid {
			rec.DistanceM = &dist.Float64
		}
		if overrideBy.Valid {
			rec.Override = &Override{By: overrideBy.String, Reason: overrideReason.String, At: overrideAt.Time}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Enrolled reads current course membership, making the repository double as
// the Roster for the Postgres backend.
func (r *Repository) Enrolled(ctx context.Context, courseID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments WHERE course_id = $1 ORDER BY student_id
	`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var studentID string
		if err := rows.Scan(&studentID); err != nil {
			return nil, err
		}
		out = append(out, studentID)
	}
	return out, rows.Err()
}

// InsertAudit appends one audit row. Called by the worker, not the hot path.
func (r *Repository) InsertAudit(ctx context.Context, e AuditEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit (session_id, student_id, actor_id, action, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.SessionID, e.StudentID, e.ActorID, e.Action, e.Detail, e.At)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.CourseID, &s.InstructorID, &s.Start, &s.End,
		&s.Fence.Center.Lat, &s.Fence.Center.Lon, &s.Fence.RadiusM, &s.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func nullLat(p *geo.Point) any {
	if p == nil {
		return nil
	}
	return p.Lat
}

func nullLon(p *geo.Point) any {
	if p == nil {
		return nil
	}
	return p.Lon
}
