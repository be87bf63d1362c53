/*Package sim provides simulated CSCs.  A CSC implements sal.Remote
directly, so scripts and device groups can be exercised in process
without any transport, and cmd/cscsim serves them over the gateway.

A CSC follows the summary state machine on its own; everything else is
a Handler registered per command.  Device models in this package are
just sets of handlers.
*/
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
)

var (
	// ErrNotResponding is the result of commands to a silent component
	ErrNotResponding = errors.New("component is not responding")
)

// Handler executes one command.  An error fails the command.
type Handler func(ctx context.Context, c *CSC, p sal.Params) error

// Invocation records a command received by a CSC
type Invocation struct {
	Cmd    string
	Params sal.Params
}

// transitions maps state commands to the state they require and produce
var transitions = map[string]struct{ from, to sal.State }{
	"enterControl": {sal.Offline, sal.Standby},
	"start":        {sal.Standby, sal.Disabled},
	"enable":       {sal.Disabled, sal.Enabled},
	"disable":      {sal.Enabled, sal.Disabled},
	"standby":      {sal.Disabled, sal.Standby},
	"exitControl":  {sal.Standby, sal.Offline},
}

// CSC is a simulated component
type CSC struct {
	sal.Topics

	name  string
	index int
	log   *slog.Logger

	mu       sync.Mutex
	state    sal.State
	silent   bool
	handlers map[string]Handler
	anyState map[string]bool
	failures map[string]error
	history  []Invocation
	seq      int
	vars     map[string]interface{}
}

// NewCSC returns a component in the given summary state
func NewCSC(name string, index int, initial sal.State) *CSC {
	c := newCSC(name, index)
	c.SetState(initial)
	return c
}

func newCSC(name string, index int) *CSC {
	return &CSC{
		name:     name,
		index:    index,
		log:      slog.Default().With("component", sal.FormatNameIndex(name, index)),
		handlers: map[string]Handler{},
		anyState: map[string]bool{},
		failures: map[string]error{},
		vars:     map[string]interface{}{},
	}
}

// Name implements sal.Remote
func (c *CSC) Name() string { return c.name }

// Index implements sal.Remote
func (c *CSC) Index() int { return c.index }

// Close implements sal.Remote
func (c *CSC) Close() error { return nil }

// ID is Name:index
func (c *CSC) ID() string { return sal.FormatNameIndex(c.name, c.index) }

// Handle registers h for cmd.  The command is only accepted in ENABLED.
func (c *CSC) Handle(cmd string, h Handler) {
	c.mu.Lock()
	c.handlers[cmd] = h
	c.mu.Unlock()
}

// HandleAnyState registers h for a command accepted in every state
func (c *CSC) HandleAnyState(cmd string, h Handler) {
	c.mu.Lock()
	c.handlers[cmd] = h
	c.anyState[cmd] = true
	c.mu.Unlock()
}

// Fail makes every later cmd fail with err; nil clears it
func (c *CSC) Fail(cmd string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, cmd)
		return
	}
	c.failures[cmd] = err
}

// Silence makes the component stop answering commands and heartbeats
func (c *CSC) Silence(silent bool) {
	c.mu.Lock()
	c.silent = silent
	c.mu.Unlock()
}

// Silent reports whether the component is silenced
func (c *CSC) Silent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.silent
}

// State is the current summary state
func (c *CSC) State() sal.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState forces the summary state and publishes it
func (c *CSC) SetState(s sal.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.PublishEvent("summaryState", sal.Sample{"summaryState": int(s)})
}

// Set stores a device variable for handlers
func (c *CSC) Set(key string, v interface{}) {
	c.mu.Lock()
	c.vars[key] = v
	c.mu.Unlock()
}

// Var returns a device variable
func (c *CSC) Var(key string) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars[key]
}

// PublishEvent publishes on an event topic
func (c *CSC) PublishEvent(topic string, s sal.Sample) {
	c.Publish(sal.KindEvent, topic, s)
}

// PublishTelemetry publishes on a telemetry topic
func (c *CSC) PublishTelemetry(topic string, s sal.Sample) {
	c.Publish(sal.KindTelemetry, topic, s)
}

// Heartbeat publishes one heartbeat unless silenced
func (c *CSC) Heartbeat() {
	if c.Silent() {
		return
	}
	c.PublishEvent("heartbeat", sal.Sample{"heartbeat": true})
}

// Commands returns the commands received so far
func (c *CSC) Commands() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.history...)
}

// CommandNames returns the names of the commands received so far
func (c *CSC) CommandNames() []string {
	var out []string
	for _, i := range c.Commands() {
		out = append(out, i.Cmd)
	}
	return out
}

// Command implements sal.Remote
func (c *CSC) Command(ctx context.Context, cmd string, p sal.Params, timeout time.Duration) (sal.Ack, error) {
	c.mu.Lock()
	c.seq++
	ack := sal.Ack{Cmd: cmd, Seq: c.seq, Code: sal.AckComplete}
	c.history = append(c.history, Invocation{Cmd: cmd, Params: p})
	silent := c.silent
	failure := c.failures[cmd]
	state := c.state
	h, handled := c.handlers[cmd]
	anyState := c.anyState[cmd]
	c.mu.Unlock()

	if silent {
		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return ack, ctx.Err()
		}
		return c.reject(ack, sal.AckTimeout, ErrNotResponding.Error())
	}
	if failure != nil {
		return c.reject(ack, sal.AckFailed, failure.Error())
	}
	if tr, ok := transitions[cmd]; ok {
		from := state
		if cmd == "standby" && state == sal.Fault {
			from = sal.Disabled
		}
		if from != tr.from {
			return c.reject(ack, sal.AckNoPerm, fmt.Sprintf("not allowed in state %s", state))
		}
		if cmd == "start" {
			override, _ := p["configurationOverride"].(string)
			c.PublishEvent("configurationApplied", sal.Sample{"configurations": override})
		}
		c.SetState(tr.to)
		return ack, nil
	}
	if !anyState && state != sal.Enabled {
		return c.reject(ack, sal.AckNoPerm, fmt.Sprintf("not allowed in state %s", state))
	}
	if !handled {
		return ack, nil
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := h(hctx, c, p); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return c.reject(ack, sal.AckTimeout, err.Error())
		}
		return c.reject(ack, sal.AckFailed, err.Error())
	}
	return ack, nil
}

func (c *CSC) reject(ack sal.Ack, code sal.AckCode, result string) (sal.Ack, error) {
	ack.Code = code
	ack.Result = result
	c.log.Debug("command rejected", "cmd", ack.Cmd, "code", code.String(), "result", result)
	return ack, &sal.AckError{Component: c.ID(), Ack: ack}
}

// Bus is a set of simulated components.  It implements sal.Dialer.
type Bus struct {
	mu   sync.Mutex
	cscs map[string]*CSC
}

// NewBus returns an empty bus
func NewBus() *Bus {
	return &Bus{cscs: map[string]*CSC{}}
}

// Add puts c on the bus, replacing any component with the same id
func (b *Bus) Add(c *CSC) *CSC {
	b.mu.Lock()
	b.cscs[c.ID()] = c
	b.mu.Unlock()
	return c
}

// CSC returns the component with the given name and index, or nil
func (b *Bus) CSC(name string, index int) *CSC {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cscs[sal.FormatNameIndex(name, index)]
}

// Dial implements sal.Dialer.  Dialing a component that is not on the
// bus adds a silent one, the way a real remote to a missing component
// never hears back.
func (b *Bus) Dial(ctx context.Context, name string, index int) (sal.Remote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := sal.FormatNameIndex(name, index)
	if c, ok := b.cscs[id]; ok {
		return c, nil
	}
	c := newCSC(name, index)
	c.state = sal.Offline
	c.silent = true
	b.cscs[id] = c
	return c, nil
}

// Components returns every component on the bus sorted by id
func (b *Bus) Components() []*CSC {
	b.mu.Lock()
	out := make([]*CSC, 0, len(b.cscs))
	for _, c := range b.cscs {
		out = append(out, c)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Beat publishes one heartbeat from every responsive component
func (b *Bus) Beat() {
	for _, c := range b.Components() {
		c.Heartbeat()
	}
}

// Heartbeats publishes heartbeats every interval until ctx is done
func (b *Bus) Heartbeats(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		b.Beat()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
