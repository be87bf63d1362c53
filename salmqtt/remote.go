package salmqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lsst-ts/stdscripts/sal"
)

// Dialer returns remotes that reach their components through the broker
type Dialer struct {
	Conn   Conn
	Prefix string

	// Origin tags the command requests of this dialer so acks meant for
	// other clients are ignored
	Origin string

	Log *slog.Logger

	mu  sync.Mutex
	seq int
}

// NewDialer returns a dialer over conn
func NewDialer(conn Conn, prefix, origin string) *Dialer {
	return &Dialer{Conn: conn, Prefix: prefix, Origin: origin, Log: slog.Default().With("component", "mqtt")}
}

func (d *Dialer) next() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}

// Dial subscribes to the events, telemetry and acks of a component
func (d *Dialer) Dial(ctx context.Context, name string, index int) (sal.Remote, error) {
	r := &Remote{
		d:       d,
		name:    name,
		index:   index,
		root:    Root(d.Prefix, name, index),
		pending: map[int]chan sal.Ack{},
	}
	r.subs = []string{r.root + "/evt/+", r.root + "/tel/+", r.root + "/ack"}
	for _, topic := range r.subs {
		if err := wait(d.Conn.Subscribe(topic, QoS, r.handle), 10*time.Second, "subscribe "+topic); err != nil {
			wait(d.Conn.Unsubscribe(r.subs...), time.Second, "unsubscribe")
			return nil, err
		}
	}
	return r, nil
}

// Remote is a sal.Remote backed by the broker
type Remote struct {
	sal.Topics

	d     *Dialer
	name  string
	index int
	root  string
	subs  []string

	mu      sync.Mutex
	pending map[int]chan sal.Ack
}

func (r *Remote) Name() string { return r.name }

func (r *Remote) Index() int { return r.index }

func (r *Remote) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	p, err := ParsePath(r.d.Prefix, msg.Topic())
	if err != nil {
		r.d.Log.Warn("unexpected topic", "err", err)
		return
	}
	switch p.Kind {
	case "ack":
		var rep Reply
		if err := json.Unmarshal(msg.Payload(), &rep); err != nil {
			r.d.Log.Warn("invalid ack", "topic", msg.Topic(), "err", err)
			return
		}
		if rep.Origin != r.d.Origin {
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[rep.Seq]
		delete(r.pending, rep.Seq)
		r.mu.Unlock()
		if ok {
			ch <- rep.Ack
		}
	default:
		var smp sal.Sample
		if err := json.Unmarshal(msg.Payload(), &smp); err != nil {
			r.d.Log.Warn("invalid sample", "topic", msg.Topic(), "err", err)
			return
		}
		r.Publish(sal.Kind(p.Kind), p.Topic, smp)
	}
}

// Command publishes a request for cmd and waits for the ack carrying the
// same seq.  No ack within timeout is an AckTimeout.
func (r *Remote) Command(ctx context.Context, cmd string, params sal.Params, timeout time.Duration) (sal.Ack, error) {
	seq := r.d.next()
	id := sal.FormatNameIndex(r.name, r.index)
	req := Request{Origin: r.d.Origin, Seq: seq, Params: params, Timeout: timeout.Seconds()}
	b, err := json.Marshal(req)
	if err != nil {
		return sal.Ack{}, err
	}
	ch := make(chan sal.Ack, 1)
	r.mu.Lock()
	r.pending[seq] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, seq)
		r.mu.Unlock()
	}()
	if err := wait(r.d.Conn.Publish(r.root+"/cmd/"+cmd, QoS, false, b), timeout, "publish "+cmd); err != nil {
		return sal.Ack{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return sal.Ack{}, ctx.Err()
	case <-timer.C:
		ack := sal.Ack{Cmd: cmd, Seq: seq, Code: sal.AckTimeout, Result: "no ack"}
		return ack, fmt.Errorf("%w: %w", sal.ErrTimeout, &sal.AckError{Component: id, Ack: ack})
	case ack := <-ch:
		if ack.Code != sal.AckComplete {
			return ack, &sal.AckError{Component: id, Ack: ack}
		}
		return ack, nil
	}
}

// Close drops the subscriptions of the remote
func (r *Remote) Close() error {
	return wait(r.d.Conn.Unsubscribe(r.subs...), 5*time.Second, "unsubscribe")
}

var (
	_ sal.Remote = (*Remote)(nil)
	_ sal.Dialer = (*Dialer)(nil)
)
