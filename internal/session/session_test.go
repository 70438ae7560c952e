package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

const threshold = 5 * time.Second

// observeFor feeds m every step for d and returns how many frames confirmed it.
func observeFor(st *State, m models.MaterialKind, start time.Time, d, step time.Duration) (int, time.Time) {
	confirmed := 0
	now := start
	for elapsed := time.Duration(0); elapsed <= d; elapsed += step {
		now = start.Add(elapsed)
		if st.Observe(m, true, now, threshold) == Confirmed {
			confirmed++
		}
	}
	return confirmed, now
}

func TestObserve_ConfirmsAfterContinuousThreshold(t *testing.T) {
	var st State
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	confirmed, _ := observeFor(&st, "plastico", start, 5200*time.Millisecond, 100*time.Millisecond)
	if confirmed != 1 {
		t.Fatalf("confirmations = %d, want exactly 1", confirmed)
	}
	if st.Pending == nil || *st.Pending != "plastico" {
		t.Fatalf("pending = %v, want plastico", st.Pending)
	}
	if st.Candidate != nil || st.CandidateSince != nil {
		t.Error("candidate must be cleared on confirmation")
	}
}

func TestObserve_GapResetsTimer(t *testing.T) {
	var st State
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, now := observeFor(&st, "aluminio", start, 3*time.Second, 100*time.Millisecond)
	if tr := st.Observe("", false, now.Add(100*time.Millisecond), threshold); tr != Idle {
		t.Fatalf("gap transition = %v, want idle", tr)
	}
	if st.Candidate != nil || st.CandidateSince != nil || st.Progress != 0 {
		t.Fatal("gap must clear the candidate")
	}
	observeFor(&st, "aluminio", now.Add(200*time.Millisecond), 3*time.Second, 100*time.Millisecond)
	if st.Pending != nil {
		t.Fatalf("aluminio confirmed across a gap: pending=%v", *st.Pending)
	}
}

func TestObserve_MaterialChangeRestartsCandidate(t *testing.T) {
	var st State
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	st.Observe("plastico", true, start, threshold)
	st.Observe("plastico", true, start.Add(4*time.Second), threshold)
	if tr := st.Observe("aluminio", true, start.Add(4500*time.Millisecond), threshold); tr != Started {
		t.Fatalf("change transition = %v, want started", tr)
	}
	if !st.CandidateSince.Equal(start.Add(4500 * time.Millisecond)) {
		t.Errorf("candidate since = %v, want reset to change time", st.CandidateSince)
	}
	if tr := st.Observe("aluminio", true, start.Add(6*time.Second), threshold); tr != Progressed {
		t.Fatalf("transition = %v, want progressed", tr)
	}
	if st.Pending != nil {
		t.Fatal("must not confirm before the new candidate reaches the threshold")
	}
}

func TestObserve_ProgressIsClamped(t *testing.T) {
	var st State
	start := time.Now()
	st.Observe("plastico", true, start, threshold)
	st.Observe("plastico", true, start.Add(2500*time.Millisecond), threshold)
	if st.Progress < 0.49 || st.Progress > 0.51 {
		t.Errorf("progress = %f, want 0.5", st.Progress)
	}
	st.Observe("plastico", true, start.Add(9*time.Second), threshold)
	if st.Progress != 1 {
		t.Errorf("progress = %f, want 1", st.Progress)
	}
}

func TestObserve_PendingSuspendsIntake(t *testing.T) {
	var st State
	start := time.Now()
	observeFor(&st, "plastico", start, 5*time.Second, time.Second)
	if st.Pending == nil {
		t.Fatal("expected plastico pending")
	}

	_, _ = observeFor(&st, "aluminio", start.Add(6*time.Second), 10*time.Second, time.Second)
	if *st.Pending != "plastico" {
		t.Errorf("pending overwritten: %v", *st.Pending)
	}
	if st.Candidate != nil {
		t.Error("candidate must stay empty while a claim is pending")
	}
	if tr := st.Observe("", false, start.Add(20*time.Second), threshold); tr != Suspended {
		t.Errorf("transition = %v, want suspended", tr)
	}
}

func TestConsume_UpdatesCounters(t *testing.T) {
	var st State
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.Local)
	observeFor(&st, "plastico", now.Add(-6*time.Second), 6*time.Second, time.Second)

	st.Consume(UserCredit{UserID: "u1", Material: "plastico", PointsAwarded: 20, BalanceBefore: 5, BalanceAfter: 25}, now)
	if st.Pending != nil {
		t.Fatal("consume must clear pending")
	}
	if st.Counters.TotalProcessed != 1 || st.Counters.ProcessedToday != 1 || st.Counters.TotalPointsAwarded != 20 {
		t.Errorf("counters = %+v", st.Counters)
	}
	if st.ActiveUser == nil || st.ActiveUser.UserID != "u1" {
		t.Errorf("active user = %+v", st.ActiveUser)
	}

	st.Consume(UserCredit{UserID: "u2", Material: "aluminio", PointsAwarded: 30}, now.Add(2*time.Minute))
	if st.Counters.ProcessedToday != 1 {
		t.Errorf("processed today = %d, want 1 after midnight rollover", st.Counters.ProcessedToday)
	}
	if st.Counters.TotalProcessed != 2 || st.Counters.TotalPointsAwarded != 50 {
		t.Errorf("totals = %+v", st.Counters)
	}
}

func TestReset_IsIdempotent(t *testing.T) {
	s := New()
	start := time.Now()
	_ = s.WithLock(func(st *State) error {
		observeFor(st, "plastico", start, 6*time.Second, time.Second)
		st.Observe("aluminio", true, start, threshold)
		st.ActiveUser = &UserCredit{UserID: "u1"}
		st.Counters.TotalProcessed = 7
		return nil
	})

	for i := 0; i < 3; i++ {
		snap := s.Reset()
		if snap.Pending != nil || snap.Candidate != nil || snap.CandidateSince != nil || snap.ActiveUser != nil {
			t.Fatalf("reset %d left state behind: %+v", i, snap)
		}
		if snap.Progress != 0 {
			t.Errorf("progress = %f after reset", snap.Progress)
		}
		if snap.Counters.TotalProcessed != 7 {
			t.Errorf("reset must keep counters, got %d", snap.Counters.TotalProcessed)
		}
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := New()
	start := time.Now()
	_ = s.WithLock(func(st *State) error {
		st.Observe("plastico", true, start, threshold)
		return nil
	})
	snap := s.Snapshot()
	*snap.Candidate = "aluminio"
	*snap.CandidateSince = start.Add(time.Hour)

	again := s.Snapshot()
	if *again.Candidate != "plastico" {
		t.Errorf("snapshot aliased candidate: %v", *again.Candidate)
	}
	if !again.CandidateSince.Equal(start) {
		t.Errorf("snapshot aliased candidate since: %v", *again.CandidateSince)
	}
}

func TestStatusSetters(t *testing.T) {
	s := New()
	s.SetCameraActive(true)
	s.SetReaderActive(true)
	s.SetFeedConnected(true)
	s.SetFPS(9.5)
	snap := s.Snapshot()
	if snap.Status.FPS != 9.5 {
		t.Errorf("fps = %f, want 9.5", snap.Status.FPS)
	}
	if !snap.Status.CameraActive || !snap.Status.ReaderActive || !snap.Status.FeedConnected {
		t.Errorf("status = %+v", snap.Status)
	}
	s.SetCameraActive(false)
	if snap := s.Snapshot(); snap.Status.CameraActive || snap.Status.FPS != 0 {
		t.Errorf("camera inactive must zero fps: %+v", snap.Status)
	}
}

func TestSession_ConcurrentAccess(t *testing.T) {
	s := New()
	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = s.WithLock(func(st *State) error {
					st.Observe("plastico", true, start.Add(time.Duration(i)*100*time.Millisecond), threshold)
					return nil
				})
				_ = s.Snapshot()
				if i%50 == 0 {
					s.Reset()
				}
			}
		}(w)
	}
	wg.Wait()
	snap := s.Snapshot()
	if snap.Pending != nil && snap.Candidate != nil {
		t.Error("candidate and pending must never be set together")
	}
}

func TestSeedCounters(t *testing.T) {
	s := New()
	s.SeedCounters(4, 90)
	snap := s.Snapshot()
	if snap.Counters.ProcessedToday != 4 || snap.Counters.TotalPointsAwarded != 90 {
		t.Errorf("counters = %+v", snap.Counters)
	}
}
