package sal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a topic produced no data in time
	ErrTimeout = errors.New("sal: timed out")

	// ErrNoField is returned by Sample getters for an absent field
	ErrNoField = errors.New("sal: no such field")

	// ErrUnknownState is returned when a state name cannot be parsed
	ErrUnknownState = errors.New("sal: unknown summary state")

	// ErrBadName is returned for names that are not of the form Name[:index]
	ErrBadName = errors.New("sal: invalid component name")
)

// Params are the fields of a command
type Params map[string]interface{}

// AckCode is the final acknowledgement code of a command
type AckCode int

const (
	// AckComplete means the command finished successfully
	AckComplete AckCode = 303
	// AckNoPerm means the component refused the command in its current state
	AckNoPerm AckCode = -300
	// AckNotOK means the component rejected the command arguments
	AckNotOK AckCode = -301
	// AckFailed means the command was accepted and then failed
	AckFailed AckCode = -302
	// AckAborted means the command was aborted by another command
	AckAborted AckCode = -303
	// AckTimeout means no final ack arrived in time
	AckTimeout AckCode = -304
)

func (c AckCode) String() string {
	switch c {
	case AckComplete:
		return "COMPLETE"
	case AckNoPerm:
		return "NOPERM"
	case AckNotOK:
		return "NOTOK"
	case AckFailed:
		return "FAILED"
	case AckAborted:
		return "ABORTED"
	case AckTimeout:
		return "TIMEOUT"
	}
	return fmt.Sprintf("AckCode(%d)", int(c))
}

// Ack is the final acknowledgement of a command
type Ack struct {
	Cmd    string  `json:"cmd"`
	Seq    int     `json:"seq"`
	Code   AckCode `json:"code"`
	Result string  `json:"result"`
}

// AckError is returned by Remote.Command when the final ack is not COMPLETE
type AckError struct {
	Component string
	Ack       Ack
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: command %s failed with %s: %s", e.Component, e.Ack.Cmd, e.Ack.Code, e.Ack.Result)
}

// Remote is a client handle to one CSC
type Remote interface {
	// Name is the component name without index, e.g. ATDome
	Name() string

	// Index is the SAL index, 0 for non-indexed components
	Index() int

	// Command issues cmd and waits up to timeout for its final ack.
	// A non-COMPLETE ack is returned as *AckError.
	Command(ctx context.Context, cmd string, params Params, timeout time.Duration) (Ack, error)

	// Event returns the reader for an event topic, e.g. summaryState
	Event(topic string) *Reader

	// Telemetry returns the reader for a telemetry topic
	Telemetry(topic string) *Reader

	// Close releases the transport resources held by the remote
	Close() error
}

// Dialer creates remotes.  Transports implement it.
type Dialer interface {
	Dial(ctx context.Context, name string, index int) (Remote, error)
}

// Kind distinguishes events from telemetry in Topics
type Kind string

const (
	// KindEvent marks event topics
	KindEvent Kind = "evt"
	// KindTelemetry marks telemetry topics
	KindTelemetry Kind = "tel"
)

// Observer is called for every sample published through Topics
type Observer func(kind Kind, topic string, s Sample)

// Topics is the set of readers of one remote.  Transports embed it.
type Topics struct {
	mu        sync.Mutex
	events    map[string]*Reader
	telemetry map[string]*Reader
	observers map[int]Observer
	nextObs   int
}

func (t *Topics) reader(kind Kind, topic string) *Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events == nil {
		t.events = map[string]*Reader{}
		t.telemetry = map[string]*Reader{}
	}
	m := t.events
	if kind == KindTelemetry {
		m = t.telemetry
	}
	r, ok := m[topic]
	if !ok {
		r = NewReader(topic)
		m[topic] = r
	}
	return r
}

// Event returns (creating if needed) the reader for an event topic
func (t *Topics) Event(topic string) *Reader { return t.reader(KindEvent, topic) }

// Telemetry returns (creating if needed) the reader for a telemetry topic
func (t *Topics) Telemetry(topic string) *Reader { return t.reader(KindTelemetry, topic) }

// Publish pushes s to the topic reader and notifies observers
func (t *Topics) Publish(kind Kind, topic string, s Sample) {
	t.reader(kind, topic).Push(s)
	t.mu.Lock()
	obs := make([]Observer, 0, len(t.observers))
	for _, o := range t.observers {
		obs = append(obs, o)
	}
	t.mu.Unlock()
	for _, o := range obs {
		o(kind, topic, s)
	}
}

// Subscribe registers an observer of all published samples.
// The returned func removes it.
func (t *Topics) Subscribe(o Observer) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observers == nil {
		t.observers = map[int]Observer{}
	}
	id := t.nextObs
	t.nextObs++
	t.observers[id] = o
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// Snapshot is the latest sample of one topic
type Snapshot struct {
	Kind   Kind
	Topic  string
	Sample Sample
}

// Snapshot returns the latest sample of every topic that has one,
// sorted by kind then topic
func (t *Topics) Snapshot() []Snapshot {
	t.mu.Lock()
	var out []Snapshot
	for kind, m := range map[Kind]map[string]*Reader{KindEvent: t.events, KindTelemetry: t.telemetry} {
		for name, r := range m {
			if s, ok := r.Get(); ok {
				out = append(out, Snapshot{Kind: kind, Topic: name, Sample: s})
			}
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}
