package bridge

// Phase is the conversation phase of a call. It only moves forward.
type Phase int

const (
	PhaseGreeting Phase = iota
	PhaseNormal
)

func (p Phase) String() string {
	if p == PhaseGreeting {
		return "greeting"
	}
	return "normal"
}

// BargeInDecision is the controller's verdict on a speech_started event.
type BargeInDecision int

const (
	// BargeInArm starts (or restarts) the debounce timer.
	BargeInArm BargeInDecision = iota

	// BargeInIgnoreGreeting drops the event because the opening greeting
	// must play out.
	BargeInIgnoreGreeting

	// BargeInIgnoreAlmostFinished drops the event because the assistant has
	// little audio left; cancelling now buys nothing.
	BargeInIgnoreAlmostFinished
)

// Reason returns the log marker for an ignore decision.
func (d BargeInDecision) Reason() string {
	switch d {
	case BargeInIgnoreGreeting:
		return "greeting_phase"
	case BargeInIgnoreAlmostFinished:
		return "audio_almost_finished"
	}
	return ""
}

// BargeInController decides when caller speech interrupts the assistant.
//
// It is a pure state machine: the call run loop owns the actual debounce
// timer and reports expiry via [BargeInController.TimerFired]. A burst of
// VAD noise that ends within the debounce window never cancels anything —
// that is the dominant noise rejection path.
type BargeInController struct {
	// DebounceMs is how long speech must persist before confirmation.
	DebounceMs int

	// MinRemainMs suppresses barge-in when less than this much audio is
	// unacknowledged. Only applied when SmartCancel is on.
	MinRemainMs int

	SmartCancel bool

	pending bool
}

// SpeechStarted evaluates a speech_started event. On [BargeInArm] the caller
// must (re)start the debounce timer.
func (c *BargeInController) SpeechStarted(phase Phase, remainingMs int) BargeInDecision {
	if phase == PhaseGreeting {
		return BargeInIgnoreGreeting
	}
	if c.SmartCancel && remainingMs < c.MinRemainMs {
		return BargeInIgnoreAlmostFinished
	}
	c.pending = true
	return BargeInArm
}

// SpeechStopped cancels a pending debounce. It reports whether one was
// actually pending, so the caller knows to stop the timer and log the
// cancellation.
func (c *BargeInController) SpeechStopped() bool {
	was := c.pending
	c.pending = false
	return was
}

// TimerFired consumes a debounce expiry. It reports whether the barge-in is
// confirmed; a stale timer that fires after speech_stopped already cleared
// the pending flag is a no-op.
func (c *BargeInController) TimerFired() bool {
	was := c.pending
	c.pending = false
	return was
}

// Pending reports whether a debounce is in flight.
func (c *BargeInController) Pending() bool { return c.pending }
