// Package stats implements per-second throughput counters with an
// exponential average, optionally chained to a parent counter.
package stats

import (
	"sync"
	"time"
)

// Stats accumulates values into one-second buckets. When the wall-clock
// second changes, the finished bucket becomes the committed value and the
// average is folded as (avg + value) / 2.
type Stats struct {
	mu     sync.Mutex
	parent *Stats
	now    func() time.Time

	second  int64
	pending float64

	val     float64
	peak    float64
	avg     float64
	avgPeak float64
}

// New returns a Stats that also feeds parent (which may be nil).
func New(parent *Stats) *Stats {
	return NewWithClock(parent, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(parent *Stats, now func() time.Time) *Stats {
	return &Stats{parent: parent, now: now}
}

// Add records v in the current second, after forwarding it to the parent.
func (s *Stats) Add(v float64) {
	if s.parent != nil {
		s.parent.Add(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sec := s.now().Unix()
	if sec != s.second {
		s.commit()
		s.second = sec
	}
	s.pending += v
}

func (s *Stats) commit() {
	s.val = s.pending
	s.pending = 0

	if s.val > s.peak {
		s.peak = s.val
	}
	s.avg = (s.avg + s.val) / 2
	if s.avg > s.avgPeak {
		s.avgPeak = s.avg
	}
}

// Val is the last committed one-second total.
func (s *Stats) Val() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

func (s *Stats) Peak() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *Stats) Avg() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avg
}

// AvgPeak is the highest average observed.
func (s *Stats) AvgPeak() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgPeak
}

// Snapshot is a point-in-time copy of all observations.
type Snapshot struct {
	Val     float64 `json:"val"`
	Peak    float64 `json:"peak"`
	Avg     float64 `json:"avg"`
	AvgPeak float64 `json:"avg_peak"`
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Val: s.val, Peak: s.peak, Avg: s.avg, AvgPeak: s.avgPeak}
}
