// Package timer provides the single-shot countdown that latches the output.
//
// Deadlines are computed from time.Time values carrying Go's monotonic clock
// reading, so wall-clock steps (NTP, RTC sync on a Pi without battery) and
// long uptimes cannot make an old deadline look active again.
package timer

import "time"

// Timer is a single-shot countdown driven by an injectable clock.
// Not safe for concurrent use.
type Timer struct {
	now      func() time.Time
	deadline time.Time
	armed    bool
}

// New creates a stopped Timer reading time from now.
func New(now func() time.Time) *Timer {
	return &Timer{now: now}
}

// Arm starts counting down d, replacing any previous countdown.
// Negative durations are treated as zero.
func (t *Timer) Arm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.deadline = t.now().Add(d)
	t.armed = true
}

// Stop deactivates the timer.
func (t *Timer) Stop() {
	t.armed = false
	t.deadline = time.Time{}
}

// IsActive reports whether the timer is armed and still counting.
func (t *Timer) IsActive() bool {
	return t.armed && t.now().Before(t.deadline)
}

// HasExpired reports whether the timer is armed and its deadline has passed.
func (t *Timer) HasExpired() bool {
	return t.armed && !t.now().Before(t.deadline)
}

// Remaining returns the time left while active, zero otherwise.
func (t *Timer) Remaining() time.Duration {
	if !t.armed {
		return 0
	}
	if d := t.deadline.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}
