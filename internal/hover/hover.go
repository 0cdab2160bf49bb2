// Package hover tracks which bar a lane's tooltip is showing.
//
// A bar and its tooltip report pointer enter/leave independently. The
// tooltip stays up while the pointer is over either one, so the pointer can
// travel from a bar into the tooltip (to reach a stack trace link, say)
// without the tooltip closing on the way.
package hover

// State is the pointer position relative to a lane's bars and tooltip.
type State int

const (
	Idle State = iota
	OverBar
	OverTooltip
	OverBarAndTooltip
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case OverBar:
		return "over_bar"
	case OverTooltip:
		return "over_tooltip"
	case OverBarAndTooltip:
		return "over_bar_and_tooltip"
	default:
		return "unknown"
	}
}

// Tracker is the hover state of one lane. The zero value is Idle.
// A Tracker is not safe for concurrent use; each lane owns its own.
type Tracker[T any] struct {
	state  State
	target T
	has    bool
}

// State returns the current state.
func (t *Tracker[T]) State() State { return t.state }

// EnterBar records target as the tooltip subject.
func (t *Tracker[T]) EnterBar(target T) State {
	t.target, t.has = target, true
	switch t.state {
	case Idle, OverBar:
		t.state = OverBar
	case OverTooltip, OverBarAndTooltip:
		t.state = OverBarAndTooltip
	}
	return t.state
}

// LeaveBar keeps the last target so the tooltip can still show it when
// the pointer arrives there next.
func (t *Tracker[T]) LeaveBar() State {
	switch t.state {
	case OverBar:
		t.state = Idle
	case OverBarAndTooltip:
		t.state = OverTooltip
	}
	return t.state
}

// EnterTooltip shows the tooltip again for the held target. The pointer
// leaves a bar before it reaches the tooltip, so this usually arrives
// while Idle. Without a target there is nothing to show.
func (t *Tracker[T]) EnterTooltip() State {
	switch t.state {
	case Idle:
		if t.has {
			t.state = OverTooltip
		}
	case OverBar:
		t.state = OverBarAndTooltip
	}
	return t.state
}

// LeaveTooltip forgets the target once neither the bar nor the tooltip
// holds the pointer.
func (t *Tracker[T]) LeaveTooltip() State {
	switch t.state {
	case OverTooltip:
		t.Reset()
	case OverBarAndTooltip:
		t.state = OverBar
	}
	return t.state
}

// Reset returns to Idle and forgets the target. Call it when the lane is
// unmounted or the pointer leaves it entirely.
func (t *Tracker[T]) Reset() {
	var zero T
	t.state, t.target, t.has = Idle, zero, false
}

// Visible reports whether the tooltip should be rendered.
func (t *Tracker[T]) Visible() bool { return t.state != Idle }

// Target returns the tooltip subject while the tooltip is visible.
func (t *Tracker[T]) Target() (T, bool) {
	if !t.Visible() || !t.has {
		var zero T
		return zero, false
	}
	return t.target, true
}
