package chunkuploader

import (
	"sync"
	"time"
)

// ProgressSnapshot ...
type ProgressSnapshot struct {
	UploadedBytes  int64
	TotalBytes     int64
	UploadedChunks int
	TotalChunks    int
	// SpeedBytesPerSec is the speed of the last sample window, 0 while paused.
	SpeedBytesPerSec float64
}

// Percent returns the uploaded share of the file in the range [0, 100].
func (s ProgressSnapshot) Percent() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return float64(s.UploadedBytes) / float64(s.TotalBytes) * 100
}

// ProgressTracker accumulates uploaded bytes and samples the upload speed.
// The speed is recomputed at most once per sample interval; updates in between keep the previous value.
type ProgressTracker struct {
	mu             sync.Mutex
	snapshot       ProgressSnapshot
	sampleInterval time.Duration
	sampledAt      time.Time
	sampledBytes   int64
	now            func() time.Time
}

// NewProgressTracker ...
func NewProgressTracker(totalBytes int64, totalChunks int, sampleInterval time.Duration) *ProgressTracker {
	return &ProgressTracker{
		snapshot: ProgressSnapshot{
			TotalBytes:  totalBytes,
			TotalChunks: totalChunks,
		},
		sampleInterval: sampleInterval,
		now:            time.Now,
	}
}

// Seed sets the progress of parts uploaded in an earlier run.
func (t *ProgressTracker) Seed(uploadedBytes int64, uploadedChunks int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.UploadedBytes = uploadedBytes
	t.snapshot.UploadedChunks = uploadedChunks
	t.snapshot.SpeedBytesPerSec = 0
	t.sampledBytes = uploadedBytes
	t.sampledAt = t.now()
}

// Start begins a new sample window, idle time before it doesn't lower the speed.
func (t *ProgressTracker) Start() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sampledAt = t.now()
	t.sampledBytes = t.snapshot.UploadedBytes
	return t.snapshot
}

// PartDone adds a finished part of size bytes.
func (t *ProgressTracker) PartDone(size int64) ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.UploadedBytes += size
	t.snapshot.UploadedChunks++

	now := t.now()
	if elapsed := now.Sub(t.sampledAt); elapsed >= t.sampleInterval && elapsed > 0 {
		t.snapshot.SpeedBytesPerSec = float64(t.snapshot.UploadedBytes-t.sampledBytes) / elapsed.Seconds()
		t.sampledAt = now
		t.sampledBytes = t.snapshot.UploadedBytes
	}

	return t.snapshot
}

// Stop zeroes the speed.
func (t *ProgressTracker) Stop() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snapshot.SpeedBytesPerSec = 0
	return t.snapshot
}

// Snapshot ...
func (t *ProgressTracker) Snapshot() ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot
}
