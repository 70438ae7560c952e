package vision

import (
	"math"
	"sync"
	"time"
)

// LatencySummary reports classifier round-trip times in milliseconds.
type LatencySummary struct {
	Count    int64   `json:"count"`
	MeanMs   float64 `json:"mean_ms"`
	StdDevMs float64 `json:"stddev_ms"`
	LastMs   float64 `json:"last_ms"`
}

// LatencyStats keeps a running mean and variance with Welford's algorithm.
type LatencyStats struct {
	mu    sync.Mutex
	count int64
	mean  float64
	m2    float64
	last  float64
}

func (s *LatencyStats) Add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	delta := ms - s.mean
	s.mean += delta / float64(s.count)
	delta2 := ms - s.mean
	s.m2 += delta * delta2
	s.last = ms
}

func (s *LatencyStats) Summary() LatencySummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := LatencySummary{Count: s.count, MeanMs: s.mean, LastMs: s.last}
	if s.count >= 2 {
		sum.StdDevMs = math.Sqrt(s.m2 / float64(s.count-1))
	}
	return sum
}
