package salmqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lsst-ts/stdscripts/sal"
)

// DefaultCommandTimeout is used for requests that carry no timeout
const DefaultCommandTimeout = 10 * time.Second

// Observable remotes publish every sample they receive
type Observable interface {
	sal.Remote
	Subscribe(o sal.Observer) func()
	Snapshot() []sal.Snapshot
}

// Serve exposes r under prefix until ctx is done.  Commands run
// concurrently; events are retained so late subscribers see the latest
// sample.
func Serve(ctx context.Context, conn Conn, prefix string, r Observable, log *slog.Logger) error {
	root := Root(prefix, r.Name(), r.Index())
	log = log.With("component", sal.FormatNameIndex(r.Name(), r.Index()))

	publish := func(kind sal.Kind, topic string, smp sal.Sample) {
		b, err := json.Marshal(smp)
		if err != nil {
			log.Warn("sample not serializable", "topic", topic, "err", err)
			return
		}
		tok := conn.Publish(root+"/"+string(kind)+"/"+topic, QoS, kind == sal.KindEvent, b)
		go func() {
			if err := wait(tok, 5*time.Second, "publish"); err != nil {
				log.Warn("MQTT publish failed", "topic", topic, "err", err)
			}
		}()
	}

	unsubscribe := r.Subscribe(func(kind sal.Kind, topic string, smp sal.Sample) {
		publish(kind, topic, smp.Copy())
	})
	defer unsubscribe()
	for _, snap := range r.Snapshot() {
		publish(snap.Kind, snap.Topic, snap.Sample)
	}

	handler := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		p, err := ParsePath(prefix, msg.Topic())
		if err != nil || p.Kind != "cmd" {
			log.Warn("unexpected topic", "topic", msg.Topic())
			return
		}
		var req Request
		if err := json.Unmarshal(msg.Payload(), &req); err != nil {
			log.Warn("invalid command request", "cmd", p.Topic, "err", err)
			return
		}
		go func() {
			timeout := DefaultCommandTimeout
			if req.Timeout > 0 {
				timeout = time.Duration(req.Timeout * float64(time.Second))
			}
			ack, err := r.Command(ctx, p.Topic, req.Params, timeout)
			var ackErr *sal.AckError
			switch {
			case errors.As(err, &ackErr):
				ack = ackErr.Ack
			case err != nil:
				ack = sal.Ack{Code: sal.AckFailed, Result: err.Error()}
			}
			ack.Cmd = p.Topic
			ack.Seq = req.Seq
			b, _ := json.Marshal(Reply{Origin: req.Origin, Ack: ack})
			if err := wait(conn.Publish(root+"/ack", QoS, false, b), 5*time.Second, "publish ack"); err != nil {
				log.Warn("ack lost", "cmd", p.Topic, "seq", req.Seq, "err", err)
			}
		}()
	}
	if err := wait(conn.Subscribe(root+"/cmd/+", QoS, handler), 10*time.Second, "subscribe"); err != nil {
		return err
	}
	log.Info("serving over MQTT", "root", root)
	<-ctx.Done()
	if err := wait(conn.Unsubscribe(root+"/cmd/+"), 5*time.Second, "unsubscribe"); err != nil {
		log.Warn("MQTT unsubscribe failed", "err", err)
	}
	return ctx.Err()
}
