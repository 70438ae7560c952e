// Package session owns the single detection session shared by the kiosk workers.
//
// Every read and write goes through one mutex. Callers mutate state with WithLock and
// read it with Snapshot, which returns a deep copy that is safe to keep.
package session

import (
	"sync"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// Snapshot is an immutable copy of the session for reporting.
type Snapshot struct {
	Pending        *models.MaterialKind `json:"pending_material"`
	Candidate      *models.MaterialKind `json:"active_candidate"`
	CandidateSince *time.Time           `json:"candidate_since"`
	Progress       float64              `json:"confirmation_progress"`
	ActiveUser     *UserCredit          `json:"active_user"`
	Counters       Counters             `json:"counters"`
	Status         Status               `json:"status"`
	TakenAt        time.Time            `json:"timestamp"`
}

// AwaitingIdentity reports whether a confirmed material is waiting for a claim.
func (s Snapshot) AwaitingIdentity() bool {
	return s.Pending != nil
}

// Session guards the detection session.
type Session struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// New creates an idle session.
func New() *Session {
	return NewWithClock(time.Now)
}

// NewWithClock creates an idle session that timestamps snapshots with now.
func NewWithClock(now func() time.Time) *Session {
	s := &Session{now: now}
	s.state.Counters.rollover(now())
	return s
}

// WithLock runs fn inside the session lock. fn must not block on I/O; the crediting
// transaction is the single exception.
func (s *Session) WithLock(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.state)
}

// Snapshot returns a deep copy of the current session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	now := s.now()
	s.state.Counters.rollover(now)
	st := s.state
	snap := Snapshot{
		Progress: st.Progress,
		Counters: st.Counters,
		Status:   st.Status,
		TakenAt:  now,
	}
	if st.Pending != nil {
		m := *st.Pending
		snap.Pending = &m
	}
	if st.Candidate != nil {
		m := *st.Candidate
		snap.Candidate = &m
	}
	if st.CandidateSince != nil {
		t := *st.CandidateSince
		snap.CandidateSince = &t
	}
	if st.ActiveUser != nil {
		u := *st.ActiveUser
		snap.ActiveUser = &u
	}
	return snap
}

// Reset clears pending, candidate and active user state and returns the resulting snapshot.
func (s *Session) Reset() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Reset()
	return s.snapshotLocked()
}

func (s *Session) SetCameraActive(active bool) {
	_ = s.WithLock(func(st *State) error {
		st.Status.CameraActive = active
		if !active {
			st.Status.FPS = 0
		}
		return nil
	})
}

func (s *Session) SetReaderActive(active bool) {
	_ = s.WithLock(func(st *State) error {
		st.Status.ReaderActive = active
		return nil
	})
}

func (s *Session) SetFeedConnected(connected bool) {
	_ = s.WithLock(func(st *State) error {
		st.Status.FeedConnected = connected
		return nil
	})
}

// SetFPS records the measured vision loop rate. It is ignored while the camera is down.
func (s *Session) SetFPS(fps float64) {
	_ = s.WithLock(func(st *State) error {
		if st.Status.CameraActive {
			st.Status.FPS = fps
		}
		return nil
	})
}

// SeedCounters restores today's totals after a restart.
func (s *Session) SeedCounters(processedToday, pointsToday int) {
	_ = s.WithLock(func(st *State) error {
		st.Counters.rollover(s.now())
		st.Counters.ProcessedToday = processedToday
		st.Counters.TotalProcessed = processedToday
		st.Counters.TotalPointsAwarded = pointsToday
		return nil
	})
}
