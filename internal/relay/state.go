package relay

// State is the orchestrator lifecycle state.
type State int32

const (
	StateInitialized State = iota
	StateStarting
	StateConfiguring
	StateReady
	StateStreaming
	StateToolExecuting
	StateReconfiguring
	StateClosing
	StateTerminated
)

var stateNames = [...]string{
	StateInitialized:   "initialized",
	StateStarting:      "starting",
	StateConfiguring:   "configuring",
	StateReady:         "ready",
	StateStreaming:     "streaming",
	StateToolExecuting: "tool_executing",
	StateReconfiguring: "reconfiguring",
	StateClosing:       "closing",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
