// Package enum holds the enumerations carried in command and event
// fields, shared by the device groups and the simulators
package enum

// LampBasicState is ATWhiteLight lampState.basicState
type LampBasicState int

const (
	LampUnknown LampBasicState = iota
	LampOff
	LampOn
	LampCooldown
	LampWarmup
)

func (s LampBasicState) String() string {
	switch s {
	case LampOff:
		return "OFF"
	case LampOn:
		return "ON"
	case LampCooldown:
		return "COOLDOWN"
	case LampWarmup:
		return "WARMUP"
	}
	return "UNKNOWN"
}

// ShutterState is the position of a dome door, shutter or mirror cover
type ShutterState int

const (
	ShutterUnknown ShutterState = iota
	ShutterClosed
	ShutterOpened
	ShutterPartiallyOpened
	ShutterOpening
	ShutterClosing
)

func (s ShutterState) String() string {
	return [...]string{"UNKNOWN", "CLOSED", "OPENED", "PARTIALLY_OPENED", "OPENING", "CLOSING"}[clamp(int(s), 5)]
}

// M1M3DetailedState is MTM1M3 detailedState.detailedState
type M1M3DetailedState int

const (
	M1M3Unknown M1M3DetailedState = iota
	M1M3Parked
	M1M3Raising
	M1M3Active
	M1M3Lowering
	M1M3Fault
)

func (s M1M3DetailedState) String() string {
	return [...]string{"UNKNOWN", "PARKED", "RAISING", "ACTIVE", "LOWERING", "FAULT"}[clamp(int(s), 5)]
}

// VentGateState is ATBuilding ventGateState.state, one per gate
type VentGateState int

const (
	VentGateClosed VentGateState = iota + 1
	VentGateOpened
	VentGatePartiallyOpen
	VentGateFault
)

func (s VentGateState) String() string {
	return [...]string{"UNKNOWN", "CLOSED", "OPENED", "PARTIALLY_OPEN", "FAULT"}[clamp(int(s), 4)]
}

// FanDriveState is ATBuilding extractionFanDriveState.state
type FanDriveState int

const (
	FanDriveStopped FanDriveState = iota + 1
	FanDriveOperating
	FanDriveFault
)

func (s FanDriveState) String() string {
	return [...]string{"UNKNOWN", "STOPPED", "OPERATING", "FAULT"}[clamp(int(s), 3)]
}

// ScriptQueue indices of the two observing queues
const (
	MainTelQueue = 1
	AuxTelQueue  = 2
)

// Scheduler indices match the queue they feed
const (
	MainTelScheduler = 1
	AuxTelScheduler  = 2
)

// AlarmSeverity is the Watcher alarm severity
type AlarmSeverity int

const (
	SeverityNone AlarmSeverity = iota + 1
	SeverityWarning
	SeveritySerious
	SeverityCritical
)

// ParseSeverity converts a severity name as written in configuration
func ParseSeverity(s string) (AlarmSeverity, bool) {
	switch s {
	case "None":
		return SeverityNone, true
	case "Warning":
		return SeverityWarning, true
	case "Serious":
		return SeveritySerious, true
	case "Critical":
		return SeverityCritical, true
	}
	return 0, false
}

// MTDome AMCS sub system id, used by the MTDome stop command
const MTDomeAMCS = 0x1

func clamp(i, max int) int {
	if i < 0 || i > max {
		return 0
	}
	return i
}
