package script

import "fmt"

// State is the lifecycle state of a script
type State int

// States, numbered as the Script Queue reports them
const (
	Unknown State = iota
	Unconfigured
	Configured
	Running
	Paused
	Ending
	Stopping
	Failing
	Done
	Stopped
	Failed
	ConfigureFailed
)

var stateNames = [...]string{
	"UNKNOWN", "UNCONFIGURED", "CONFIGURED", "RUNNING", "PAUSED", "ENDING",
	"STOPPING", "FAILING", "DONE", "STOPPED", "FAILED", "CONFIGURE_FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == Done || s == Stopped || s == Failed || s == ConfigureFailed
}
