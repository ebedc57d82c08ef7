package logic

import "time"

// Timer is a single-shot countdown used to hold the output in its current state.
type Timer interface {
	// Arm starts counting down d from now, overwriting any prior state.
	Arm(d time.Duration)

	// Stop deactivates the timer. IsActive and HasExpired report false afterwards.
	Stop()

	// IsActive reports whether the timer is armed and has not yet expired.
	IsActive() bool

	// HasExpired reports whether the armed duration has elapsed and the timer
	// has not since been stopped or re-armed.
	HasExpired() bool
}

// Controller latches a boolean output for a minimum time after every change.
//
// A new controller starts OFF with no latch window open. It is not safe for
// concurrent use: SetInputState and Poll must be called from the same goroutine.
type Controller struct {
	latch         LatchTimes
	current       bool
	target        bool
	hysteresis    Timer
	onStateChange func(bool)
	counts        EventCounts
}

// NewController creates a controller that holds the output on for at least
// minOn and off for at least minOff. onStateChange is invoked synchronously
// with the new output level on every transition; it must not block or call
// back into the controller.
func NewController(minOn, minOff time.Duration, hysteresis Timer, onStateChange func(bool)) *Controller {
	return &Controller{
		latch:         LatchTimes{On: minOn, Off: minOff},
		hysteresis:    hysteresis,
		onStateChange: onStateChange,
	}
}

// TurnOn requests the output on. May be delayed by the latch.
func (c *Controller) TurnOn() {
	c.SetInputState(true)
}

// TurnOff requests the output off. May be delayed by the latch.
func (c *Controller) TurnOff() {
	c.SetInputState(false)
}

// SetInputState records the requested output level.
// Without an open latch window a differing request takes effect immediately.
// While latched the request is deferred until Poll sees the window expire;
// flipping back to the latched state restarts the window at full length.
func (c *Controller) SetInputState(requested bool) {
	reversal := c.target != c.current && requested == c.current
	c.target = requested

	if !c.hysteresis.IsActive() {
		if requested != c.current {
			c.transition()
		}
		return
	}

	if reversal {
		c.hysteresis.Arm(c.HoldTime())
	}
}

// Poll resolves a deferred transition once the latch window has expired.
// It must be called periodically; timing resolution equals the call interval.
func (c *Controller) Poll() {
	if c.current == c.target {
		// Release an expired window so it never lingers in the expired state.
		if c.hysteresis.HasExpired() {
			c.hysteresis.Stop()
		}
		return
	}

	if c.hysteresis.IsActive() {
		return
	}

	c.transition()
}

// transition is the only place the output changes.
func (c *Controller) transition() {
	c.current = c.target
	if c.current {
		c.counts.On++
	} else {
		c.counts.Off++
	}
	c.onStateChange(c.current)
	c.hysteresis.Arm(c.HoldTime())
}

// OutputState returns the level last reported to the state-change callback.
func (c *Controller) OutputState() bool {
	return c.current
}

// TargetState returns the most recently requested level.
func (c *Controller) TargetState() bool {
	return c.target
}

// Regime reports which phase the controller is in.
func (c *Controller) Regime() Regime {
	switch {
	case c.current != c.target:
		return RegimePending
	case c.hysteresis.IsActive():
		return RegimeLatched
	default:
		return RegimeSettled
	}
}

// SetLatchTimes replaces the hold durations. A window that is already running
// keeps its original length; the new values apply from the next transition.
func (c *Controller) SetLatchTimes(on, off time.Duration) {
	c.latch = LatchTimes{On: on, Off: off}
}

// LatchTimes returns the configured hold durations.
func (c *Controller) LatchTimes() LatchTimes {
	return c.latch
}

// HoldTime returns the hold duration for the current output level.
func (c *Controller) HoldTime() time.Duration {
	if c.current {
		return c.latch.On
	}
	return c.latch.Off
}

// Counts returns the number of transitions in each direction.
func (c *Controller) Counts() EventCounts {
	return c.counts
}
