package broker

// State is the connection lifecycle of the broker wrapper.
type State int

const (
	// StateIdle means no connection attempt has been made yet.
	StateIdle State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateRetrying means the last dial failed and another attempt is pending.
	StateRetrying
	// StateReady means the broker answered a ping and commands may run.
	StateReady
	// StateDegraded means all attempts are exhausted. The wrapper stays
	// degraded until process restart; every dependent call becomes a no-op.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRetrying:
		return "retrying"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// nextState is the pure transition function of the connect/retry state
// machine. attempt is the number of attempts already made, including the one
// whose outcome ok reports.
func nextState(current State, attempt, maxAttempts int, ok bool) State {
	if current == StateDegraded {
		return StateDegraded
	}
	if ok {
		return StateReady
	}
	if attempt >= maxAttempts {
		return StateDegraded
	}
	return StateRetrying
}
