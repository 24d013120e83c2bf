package pursuit

import "fmt"

// State is the orchestrator lifecycle phase. It only moves forward.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CycleOutcome tags what one control cycle did.
type CycleOutcome int

const (
	// CycleActuated means the mirror was commanded and a sample was pushed.
	CycleActuated CycleOutcome = iota
	// CycleSkippedLost means there was no target to act on.
	CycleSkippedLost
	// CycleMalformed means the vision packet for this cycle was discarded.
	CycleMalformed
	// CycleCancelled means the termination signal was observed.
	CycleCancelled
)

func (c CycleOutcome) String() string {
	switch c {
	case CycleActuated:
		return "actuated"
	case CycleSkippedLost:
		return "skipped_lost"
	case CycleMalformed:
		return "malformed"
	case CycleCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("CycleOutcome(%d)", int(c))
	}
}
