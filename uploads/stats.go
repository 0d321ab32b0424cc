package uploads

import (
	"sync"
	"time"
)

// Stats tracks chunk upload timings and volumes.
type Stats struct {
	mu     sync.Mutex
	sum    time.Duration
	chunks int64
	bytes  int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a chunk of n bytes uploaded in d.
func (s *Stats) Update(d time.Duration, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.chunks++
	s.bytes += n
}

// Average returns the average upload duration of a chunk.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.chunks)
}

// FinishedCount returns the number of uploaded chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// TotalDuration returns the time spent uploading chunks.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}

// Throughput returns the uploaded bytes per second, 0 before the first chunk.
func (s *Stats) Throughput() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sum <= 0 {
		return 0
	}
	return float64(s.bytes) / s.sum.Seconds()
}
