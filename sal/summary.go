package sal

import (
	"context"
	"fmt"
	"time"
)

// StateTimeout is the default timeout for each state transition command
const StateTimeout = 10 * time.Second

// ladder is the order of the non-fault states
var ladder = []State{Offline, Standby, Disabled, Enabled}

// commands to move one rung up (index i -> i+1) and one rung down (i+1 -> i)
var (
	upCmd   = []string{"enterControl", "start", "enable"}
	downCmd = []string{"exitControl", "standby", "disable"}
)

func rung(s State) int {
	for i, v := range ladder {
		if v == s {
			return i
		}
	}
	return -1
}

// Transition is one command issued by SetSummaryState
type Transition struct {
	Cmd string
	To  State
}

// Path returns the commands that move a component from one state to
// another along the shortest route.  FAULT is left with standby first.
func Path(from, to State) ([]Transition, error) {
	if to == Fault || rung(to) < 0 {
		return nil, fmt.Errorf("cannot command a component to %s", to)
	}
	var out []Transition
	if from == Fault {
		out = append(out, Transition{Cmd: "standby", To: Standby})
		from = Standby
	}
	i, j := rung(from), rung(to)
	if i < 0 {
		return nil, fmt.Errorf("unknown current state %s", from)
	}
	for ; i < j; i++ {
		out = append(out, Transition{Cmd: upCmd[i], To: ladder[i+1]})
	}
	for ; i > j; i-- {
		out = append(out, Transition{Cmd: downCmd[i-1], To: ladder[i-1]})
	}
	return out, nil
}

// CurrentState reads the summaryState event of r
func CurrentState(ctx context.Context, r Remote, timeout time.Duration) (State, error) {
	s, err := r.Event("summaryState").Aget(ctx, timeout)
	if err != nil {
		return Invalid, fmt.Errorf("%s: reading summary state: %w", FormatNameIndex(r.Name(), r.Index()), err)
	}
	v, err := s.Int("summaryState")
	if err != nil {
		return Invalid, err
	}
	return State(v), nil
}

// SetSummaryState moves r to state.  override is the configuration
// override passed to the start command.  It returns the states the
// component went through, starting with its initial state.
func SetSummaryState(ctx context.Context, r Remote, state State, override string, timeout time.Duration) ([]State, error) {
	id := FormatNameIndex(r.Name(), r.Index())
	cur, err := CurrentState(ctx, r, timeout)
	if err != nil {
		return nil, err
	}
	path, err := Path(cur, state)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	visited := []State{cur}
	evt := r.Event("summaryState")
	for _, t := range path {
		var p Params
		if t.Cmd == "start" {
			p = Params{"configurationOverride": override}
		}
		evt.Flush()
		if _, err := r.Command(ctx, t.Cmd, p, timeout); err != nil {
			return visited, fmt.Errorf("%s: %s -> %s: %w", id, visited[len(visited)-1], t.To, err)
		}
		visited = append(visited, t.To)
	}
	if len(path) == 0 {
		return visited, nil
	}
	for {
		if s, ok := evt.Get(); ok {
			if v, _ := s.Int("summaryState"); State(v) == state {
				return visited, nil
			}
		}
		if _, err := evt.Next(ctx, false, timeout); err != nil {
			return visited, fmt.Errorf("%s: waiting for %s: %w", id, state, err)
		}
	}
}
