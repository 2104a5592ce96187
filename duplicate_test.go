package main

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 15, 10, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestDuplicateTracker(t *testing.T) {
	clock := newFakeClock()
	tracker := NewDuplicateTracker(5*time.Second, clock.Now)

	steps := []struct {
		at   time.Duration
		text string
		want bool
	}{
		{0, "AB1234", false},
		{time.Second, "XY9876", false},
		{4 * time.Second, "AB1234", true},
		// The hit at 4s did not refresh the entry, so it expires 5s after 0s.
		{6 * time.Second, "AB1234", false},
		{6 * time.Second, "XY9876", true},
		{8 * time.Second, "AB1234", true},
	}

	start := clock.Now()
	for _, step := range steps {
		clock.t = start.Add(step.at)
		if got := tracker.IsDuplicate(step.text); got != step.want {
			t.Errorf("IsDuplicate(%s) at %v = %v, want %v", step.text, step.at, got, step.want)
		}
	}
	if got := tracker.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestDuplicateTrackerBoundary(t *testing.T) {
	clock := newFakeClock()
	tracker := NewDuplicateTracker(5*time.Second, clock.Now)

	tracker.IsDuplicate("AB1234")
	clock.Advance(5 * time.Second)
	if !tracker.IsDuplicate("AB1234") {
		t.Error("IsDuplicate() exactly at the window edge = false, want true")
	}

	clock.Advance(time.Nanosecond)
	if tracker.IsDuplicate("AB1234") {
		t.Error("IsDuplicate() past the window = true, want false")
	}
}

func TestDuplicateTrackerEvictsExpired(t *testing.T) {
	clock := newFakeClock()
	tracker := NewDuplicateTracker(time.Second, clock.Now)

	for _, plate := range []string{"AAAA", "BBBB", "CCCC"} {
		tracker.IsDuplicate(plate)
		clock.Advance(400 * time.Millisecond)
	}
	clock.Advance(time.Second)
	tracker.IsDuplicate("DDDD")

	if got := tracker.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}
