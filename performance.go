package main

import "time"

// PerformanceTracker keeps the most recent frame durations in a fixed-size
// ring and derives the loop rate from their mean. Once full, each new sample
// overwrites the oldest one.
type PerformanceTracker struct {
	samples []time.Duration
	next    int
	count   int
	total   time.Duration
}

// NewPerformanceTracker creates a tracker holding up to capacity samples.
// A capacity below one is treated as one.
func NewPerformanceTracker(capacity int) *PerformanceTracker {
	if capacity < 1 {
		capacity = 1
	}
	return &PerformanceTracker{samples: make([]time.Duration, capacity)}
}

// Record adds the duration of one frame.
func (p *PerformanceTracker) Record(d time.Duration) {
	if p.count == len(p.samples) {
		p.total -= p.samples[p.next]
	} else {
		p.count++
	}
	p.samples[p.next] = d
	p.total += d
	p.next = (p.next + 1) % len(p.samples)
}

// FPS returns the reciprocal of the mean recorded duration, or 0 when no
// samples have been recorded.
func (p *PerformanceTracker) FPS() float64 {
	if p.count == 0 || p.total <= 0 {
		return 0
	}
	mean := p.total.Seconds() / float64(p.count)
	return 1 / mean
}

// Samples returns how many durations are currently held.
func (p *PerformanceTracker) Samples() int {
	return p.count
}
