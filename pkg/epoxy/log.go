package epoxy

// State is an instance's position in the commit/execute pipeline.
type State int

const (
	StateNone State = iota
	StatePreAccepted
	StateAccepted
	StateCommitted
	StateExecuted
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StatePreAccepted:
		return "pre_accepted"
	case StateAccepted:
		return "accepted"
	case StateCommitted:
		return "committed"
	case StateExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

// LogEntry is one instance's record: its commands, sequence number,
// dependency set, pipeline state, and the ballot it was last touched under.
type LogEntry struct {
	Commands []Command
	Seq       uint64
	Deps      map[InstanceID]struct{}
	State     State
	Ballot    Ballot
}

func cloneDeps(deps map[InstanceID]struct{}) map[InstanceID]struct{} {
	out := make(map[InstanceID]struct{}, len(deps))
	for id := range deps {
		out[id] = struct{}{}
	}
	return out
}

func depsEqual(a, b map[InstanceID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func unionDeps(a, b map[InstanceID]struct{}) map[InstanceID]struct{} {
	out := cloneDeps(a)
	for id := range b {
		out[id] = struct{}{}
	}
	return out
}
