package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps sessions in memory. Good for dev and tests; the Postgres
// repository is the durable backend. Contention is kept per record: the
// top-level map takes only read locks on the hot path, and each record has
// its own mutex.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	mu      sync.RWMutex // guards sess.State
	sess    Session
	records sync.Map // student id -> *memRecord
}

type memRecord struct {
	mu  sync.Mutex
	rec Record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string]*memSession)}
}

func (m *MemStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Enrolled = append([]string(nil), s.Enrolled...)
	m.sessions[s.ID] = &memSession{sess: cp}
	return nil
}

func (m *MemStore) get(id string) (*memSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms, nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Session, error) {
	ms, err := m.get(id)
	if err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	cp := ms.sess
	cp.Enrolled = append([]string(nil), ms.sess.Enrolled...)
	return &cp, nil
}

func (m *MemStore) ListByCourse(_ context.Context, courseID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, ms := range m.sessions {
		ms.mu.RLock()
		if ms.sess.CourseID == courseID {
			cp := ms.sess
			cp.Enrolled = append([]string(nil), ms.sess.Enrolled...)
			out = append(out, &cp)
		}
		ms.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
	return out, nil
}

func (m *MemStore) Close(_ context.Context, id string, now time.Time) (bool, error) {
	ms, err := m.get(id)
	if err != nil {
		return false, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.sess.State == StateClosed {
		return false, nil
	}
	ms.sess.State = StateClosed
	if now.Before(ms.sess.End) {
		ms.sess.End = now
	}
	return true, nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemStore) InsertMark(_ context.Context, rec Record) (Record, error) {
	ms, err := m.get(rec.SessionID)
	if err != nil {
		return Record{}, err
	}
	// LoadOrStore is the insert-if-absent half; the record mutex is the
	// compare-and-set half. Concurrent duplicates race to exactly one commit.
	v, _ := ms.records.LoadOrStore(rec.StudentID, &memRecord{})
	mr := v.(*memRecord)
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if mr.rec.Marked() {
		return Record{}, ErrAlreadyMarked
	}
	mr.rec = rec
	return rec, nil
}

func (m *MemStore) PutOverride(_ context.Context, rec Record) (Record, error) {
	ms, err := m.get(rec.SessionID)
	if err != nil {
		return Record{}, err
	}
	v, _ := ms.records.LoadOrStore(rec.StudentID, &memRecord{})
	mr := v.(*memRecord)
	mr.mu.Lock()
	defer mr.mu.Unlock()
	// Overrides replace whatever is there, keeping the self-mark provenance
	// fields if the student had marked before the correction.
	rec.MarkedAt = mr.rec.MarkedAt
	rec.Location = mr.rec.Location
	rec.DistanceM = mr.rec.DistanceM
	mr.rec = rec
	return rec, nil
}

func (m *MemStore) Records(_ context.Context, sessionID string) ([]Record, error) {
	ms, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	var out []Record
	ms.records.Range(func(_, v any) bool {
		mr := v.(*memRecord)
		mr.mu.Lock()
		if mr.rec.Marked() {
			out = append(out, mr.rec)
		}
		mr.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}
