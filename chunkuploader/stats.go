package chunkuploader

import (
	"sync"
	"time"
)

// Stats collects part upload durations and failed attempts of an upload.
// The average duration is the baseline of hung upload detection.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	failed   int64
}

// NewStats ...
func NewStats() *Stats {
	return &Stats{}
}

// Reset drops the figures of an earlier upload.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum = 0
	s.finished = 0
	s.failed = 0
}

// PartFinished records the duration of a successful part upload attempt.
func (s *Stats) PartFinished(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// AttemptFailed counts a failed part upload attempt.
func (s *Stats) AttemptFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Average returns the average duration of the finished part uploads.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount ...
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FailedAttempts ...
func (s *Stats) FailedAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// isHung reports whether an attempt running for elapsed is slower than the average by more than threshold.
// Without a finished part there is no baseline and nothing is hung.
func (s *Stats) isHung(elapsed, threshold time.Duration) bool {
	if threshold <= 0 || s.FinishedCount() == 0 {
		return false
	}
	return elapsed-s.Average() > threshold
}
