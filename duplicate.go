package main

import "time"

type seenPlate struct {
	text string
	at   time.Time
}

// DuplicateTracker suppresses plates that were accepted within the last
// window. Entries are kept in acceptance order, so expiry only ever removes
// from the front.
//
// A lookup that finds a match does not refresh the stored time: a plate
// accepted at t=0 stays suppressed until t=window no matter how often it is
// seen in between. Growth is bounded only by expiry.
type DuplicateTracker struct {
	window  time.Duration
	entries []seenPlate
	now     func() time.Time
}

// NewDuplicateTracker creates a tracker with the given suppression window.
// now may be nil, in which case time.Now is used.
func NewDuplicateTracker(window time.Duration, now func() time.Time) *DuplicateTracker {
	if now == nil {
		now = time.Now
	}
	return &DuplicateTracker{window: window, now: now}
}

// IsDuplicate reports whether text was accepted within the window. When it was
// not, text is recorded as accepted now.
func (t *DuplicateTracker) IsDuplicate(text string) bool {
	now := t.now()
	t.evict(now)

	for _, entry := range t.entries {
		if entry.text == text {
			return true
		}
	}

	t.entries = append(t.entries, seenPlate{text: text, at: now})
	return false
}

// Len returns the number of plates currently inside the window.
func (t *DuplicateTracker) Len() int {
	return len(t.entries)
}

func (t *DuplicateTracker) evict(now time.Time) {
	cutoff := 0
	for cutoff < len(t.entries) && now.Sub(t.entries[cutoff].at) > t.window {
		cutoff++
	}
	if cutoff == 0 {
		return
	}
	// Copy down so the backing array does not grow without bound.
	n := copy(t.entries, t.entries[cutoff:])
	clear(t.entries[n:])
	t.entries = t.entries[:n]
}
