package session

import (
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// Transition describes what a single observation did to the detection session.
type Transition int

const (
	// Suspended means a confirmed material is still waiting for a claim.
	Suspended Transition = iota
	// Idle means nothing qualifying was observed and the candidate was cleared.
	Idle
	// Started means a new candidate began (or replaced a different one).
	Started
	// Progressed means the same candidate is still below the threshold.
	Progressed
	// Confirmed means the candidate crossed the threshold and is now pending.
	Confirmed
)

func (t Transition) String() string {
	switch t {
	case Suspended:
		return "suspended"
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Progressed:
		return "progressed"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// UserCredit describes the most recently credited user.
type UserCredit struct {
	UserID        string              `json:"user_id"`
	Name          string              `json:"name,omitempty"`
	Material      models.MaterialKind `json:"material"`
	PointsAwarded int                 `json:"points_awarded"`
	BalanceBefore int                 `json:"balance_before"`
	BalanceAfter  int                 `json:"balance_after"`
}

// Counters are the aggregate totals kept for the status API.
type Counters struct {
	TotalProcessed     int    `json:"total_processed"`
	TotalPointsAwarded int    `json:"total_points_awarded"`
	ProcessedToday     int    `json:"processed_today"`
	Day                string `json:"day"`
}

func (c *Counters) rollover(now time.Time) {
	day := now.Format("2006-01-02")
	if c.Day != day {
		c.Day = day
		c.ProcessedToday = 0
	}
}

// Status tracks worker and transport liveness.
type Status struct {
	CameraActive  bool    `json:"camera_active"`
	ReaderActive  bool    `json:"reader_active"`
	FeedConnected bool    `json:"feed_connected"`
	FPS           float64 `json:"fps"`
}

// State is the detection session. It is only ever touched through Session.WithLock.
type State struct {
	Pending        *models.MaterialKind
	Candidate      *models.MaterialKind
	CandidateSince *time.Time
	Progress       float64
	ActiveUser     *UserCredit
	Counters       Counters
	Status         Status
}

// Observe applies one classifier result to the confirmation state machine.
// found reports whether a qualifying material m was seen in this frame.
func (s *State) Observe(m models.MaterialKind, found bool, now time.Time, threshold time.Duration) Transition {
	if s.Pending != nil {
		return Suspended
	}
	if !found {
		s.ClearCandidate()
		return Idle
	}
	if s.Candidate != nil && *s.Candidate == m && s.CandidateSince != nil {
		elapsed := now.Sub(*s.CandidateSince)
		s.Progress = progress(elapsed, threshold)
		if elapsed >= threshold {
			pending := m
			s.Pending = &pending
			s.Candidate = nil
			s.CandidateSince = nil
			return Confirmed
		}
		return Progressed
	}

	candidate := m
	since := now
	s.Candidate = &candidate
	s.CandidateSince = &since
	s.Progress = 0
	return Started
}

func progress(elapsed, threshold time.Duration) float64 {
	if threshold <= 0 {
		return 1
	}
	p := float64(elapsed) / float64(threshold)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// ClearCandidate drops the material under observation.
func (s *State) ClearCandidate() {
	s.Candidate = nil
	s.CandidateSince = nil
	s.Progress = 0
}

// Consume clears the pending claim and records the credit. It must be called in the
// same critical section that committed the ledger write.
func (s *State) Consume(credit UserCredit, now time.Time) {
	s.Pending = nil
	s.Progress = 0
	c := credit
	s.ActiveUser = &c
	s.Counters.rollover(now)
	s.Counters.TotalProcessed++
	s.Counters.ProcessedToday++
	s.Counters.TotalPointsAwarded += credit.PointsAwarded
}

// Reset returns the session to idle. Counters and worker status are kept.
func (s *State) Reset() {
	s.Pending = nil
	s.ActiveUser = nil
	s.ClearCandidate()
}
