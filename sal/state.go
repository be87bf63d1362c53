/*Package sal is the client side of the observatory command/event/telemetry
bus.  It does not implement a transport; it defines what a script needs
from one (Remote, Reader) and a few helpers that every script family
shares (summary state transitions, name:index parsing).

Transports live in gateway (HTTP + websocket) and salmqtt (MQTT), and
simulated components in sim.
*/
package sal

import (
	"fmt"
	"strings"
)

// State is the summary state of a CSC
type State int

const (
	// Invalid is the zero value, never reported by a component
	Invalid State = iota
	// Disabled components are configured and not moving hardware
	Disabled
	// Enabled components accept all commands
	Enabled
	// Fault components need a standby command to recover
	Fault
	// Offline components are not under bus control
	Offline
	// Standby components are connected but unconfigured
	Standby
)

var stateNames = map[State]string{
	Disabled: "DISABLED",
	Enabled:  "ENABLED",
	Fault:    "FAULT",
	Offline:  "OFFLINE",
	Standby:  "STANDBY",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState converts a state name, in any case, to a State
func ParseState(s string) (State, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for k, v := range stateNames {
		if v == up {
			return k, nil
		}
	}
	return Invalid, fmt.Errorf("%w: %q", ErrUnknownState, s)
}
