package worker

// State is a handle's lifecycle position. Transitions are one-way into
// Failed and Stopped; a handle never leaves either.
type State int

const (
	// StateIdle means the worker is alive and eligible for selection.
	StateIdle State = iota
	// StateInFlight means exactly one invocation is executing.
	StateInFlight
	// StateFailed means the channel broke mid-invocation. Sticky.
	StateFailed
	// StateStopped means the process was asked to terminate. Absorbing.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInFlight:
		return "in_flight"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// canTransition enumerates the legal moves. Keeping the table explicit makes
// illegal combinations (a failed handle going back in flight, a stopped
// handle reviving) unrepresentable at runtime.
func canTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StateInFlight || to == StateStopped
	case StateInFlight:
		// InFlight -> Stopped only happens on forced teardown after the
		// shutdown grace period expires.
		return to == StateIdle || to == StateFailed || to == StateStopped
	case StateFailed:
		return to == StateStopped
	case StateStopped:
		return false
	}
	return false
}
