/*Package salmqtt carries the component bus over an MQTT broker.

Each component owns a topic tree under a prefix:

	<prefix>/<Name>/<index>/cmd/<cmd>   command requests
	<prefix>/<Name>/<index>/ack         final acks, matched by origin and seq
	<prefix>/<Name>/<index>/evt/<topic> events, retained
	<prefix>/<Name>/<index>/tel/<topic> telemetry

Serve exposes a sal.Remote on that tree and a Dialer returns remotes that
talk to it, so scripts run unchanged against a broker.
*/
package salmqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lsst-ts/stdscripts/sal"
)

// QoS used for every publication and subscription
const QoS = 1

// Conn is the part of a paho client used here; pahomqtt.Client satisfies it
type Conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
}

// Config holds the broker connection settings
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string

	// ConnectTimeout bounds the retries of the first connection
	ConnectTimeout time.Duration
}

// DefaultConfig connects to a local broker
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "stdscripts",
		Prefix:         "lsst/sal",
		ConnectTimeout: 30 * time.Second,
	}
}

// Connect opens a client to the broker of cfg, retrying with exponential
// backoff until ConnectTimeout.  Later reconnections are left to paho.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) (pahomqtt.Client, error) {
	log = log.With("component", "mqtt")
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			log.Info("MQTT connected", "broker", cfg.Broker)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			log.Warn("MQTT connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := pahomqtt.NewClient(opts)
	op := func() error {
		return wait(client.Connect(), 10*time.Second, "connect")
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	notify := func(err error, next time.Duration) {
		log.Warn("MQTT broker not reachable, retrying", "broker", cfg.Broker, "err", err, "in", next)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return client, nil
}

func wait(tok pahomqtt.Token, d time.Duration, what string) error {
	if !tok.WaitTimeout(d) {
		return fmt.Errorf("mqtt %s timeout", what)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", what, err)
	}
	return nil
}

// Root returns the topic tree of one component
func Root(prefix, name string, index int) string {
	return fmt.Sprintf("%s/%s/%d", strings.TrimSuffix(prefix, "/"), name, index)
}

// Path is a parsed component topic
type Path struct {
	Name  string
	Index int
	// Kind is cmd, ack, evt or tel
	Kind  string
	Topic string
}

// ParsePath splits a topic under prefix
func ParsePath(prefix, topic string) (Path, error) {
	rest := strings.TrimPrefix(topic, strings.TrimSuffix(prefix, "/")+"/")
	if rest == topic {
		return Path{}, fmt.Errorf("topic %q is not under %q", topic, prefix)
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) < 3 {
		return Path{}, fmt.Errorf("topic %q is too short", topic)
	}
	index, err := strconv.Atoi(parts[1])
	if err != nil {
		return Path{}, fmt.Errorf("topic %q: %w", topic, err)
	}
	p := Path{Name: parts[0], Index: index, Kind: parts[2]}
	if len(parts) == 4 {
		p.Topic = parts[3]
	}
	switch p.Kind {
	case "ack":
	case "cmd", string(sal.KindEvent), string(sal.KindTelemetry):
		if p.Topic == "" {
			return Path{}, fmt.Errorf("topic %q has no %s name", topic, p.Kind)
		}
	default:
		return Path{}, fmt.Errorf("topic %q: unknown kind %q", topic, p.Kind)
	}
	return p, nil
}

// Request is the payload of a command topic
type Request struct {
	Origin  string     `json:"origin"`
	Seq     int        `json:"seq"`
	Params  sal.Params `json:"params"`
	Timeout float64    `json:"timeout"`
}

// Reply is the payload of an ack topic
type Reply struct {
	Origin string `json:"origin"`
	sal.Ack
}
