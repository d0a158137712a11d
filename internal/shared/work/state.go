package work

// WorkerState is the lifecycle state of one worker process.
type WorkerState string

const (
	StateUnforked      WorkerState = "UNFORKED"
	StateBootstrapping WorkerState = "BOOTSTRAPPING"
	StateWaitForWork   WorkerState = "WAIT_FOR_WORK"
	StateExecuting     WorkerState = "EXECUTING"
	StateFinalizing    WorkerState = "FINALIZING"
	StateTerminated    WorkerState = "TERMINATED"
)

var transitions = map[WorkerState][]WorkerState{
	StateUnforked:      {StateBootstrapping},
	StateBootstrapping: {StateWaitForWork},
	StateWaitForWork:   {StateExecuting},
	StateExecuting:     {StateFinalizing},
}

// CanTransition reports whether a worker may move from one state to another.
// Any live state may move to TERMINATED since a process can die at any point.
func CanTransition(from, to WorkerState) bool {
	if to == StateTerminated {
		return from != StateTerminated
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateFor is the state a worker enters when it receives a dispatch of f.
func StateFor(f Func) WorkerState {
	switch f {
	case FuncBootstrap:
		return StateBootstrapping
	case FuncExec:
		return StateExecuting
	case FuncFin:
		return StateFinalizing
	default:
		return ""
	}
}

func (s WorkerState) Live() bool {
	return s != StateTerminated
}
