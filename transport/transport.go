// Package transport selects the component bus the scripts talk over.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lsst-ts/stdscripts/gateway"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/salmqtt"
	"github.com/lsst-ts/stdscripts/sim"
)

// Kinds of transport
const (
	Sim     = "sim"
	Gateway = "gateway"
	MQTT    = "mqtt"
)

// MQTTConfig is the broker section of Config
type MQTTConfig struct {
	Broker   string `koanf:"Broker" yaml:"Broker"`
	ClientID string `koanf:"ClientID" yaml:"ClientID"`
	Username string `koanf:"Username" yaml:"Username"`
	Password string `koanf:"Password" yaml:"Password"`
	Prefix   string `koanf:"Prefix" yaml:"Prefix"`
}

// Config selects and configures a transport
type Config struct {
	// Kind is sim, gateway or mqtt
	Kind string `koanf:"Kind" yaml:"Kind"`

	// URL of the gateway
	URL string `koanf:"URL" yaml:"URL"`

	MQTT MQTTConfig `koanf:"MQTT" yaml:"MQTT"`

	// ImageDir and Step configure the in-process simulation
	ImageDir string `koanf:"ImageDir" yaml:"ImageDir"`
	Step     string `koanf:"Step" yaml:"Step"`

	// Components lists Name[:index] of every component system wide
	// shutdown looks for.  The simulation knows its own.
	Components []string `koanf:"Components" yaml:"Components"`
}

// DefaultConfig is an in-process simulation with quick motions
func DefaultConfig() Config {
	return Config{
		Kind: Sim,
		URL:  "http://localhost:8000",
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "stdscripts",
			Prefix:   "lsst/sal",
		},
		ImageDir: os.TempDir(),
		Step:     "100ms",
	}
}

// Bus is an open transport
type Bus struct {
	Dialer     sal.Dialer
	Components []string

	// Sim is the simulation of a sim transport, nil otherwise
	Sim *sim.Bus

	close func()
}

// Close releases the transport
func (b *Bus) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects the transport described by cfg
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Bus, error) {
	switch strings.ToLower(cfg.Kind) {
	case Sim:
		step, err := time.ParseDuration(cfg.Step)
		if err != nil {
			return nil, fmt.Errorf("sim step: %w", err)
		}
		sb := sim.Observatory(cfg.ImageDir, step)
		var ids []string
		for _, c := range sb.Components() {
			ids = append(ids, c.ID())
		}
		hctx, cancel := context.WithCancel(context.Background())
		go sb.Heartbeats(hctx, time.Second)
		return &Bus{Dialer: sb, Components: ids, Sim: sb, close: cancel}, nil
	case Gateway:
		return &Bus{Dialer: gateway.NewDialer(cfg.URL), Components: cfg.Components}, nil
	case MQTT:
		client, err := salmqtt.Connect(ctx, salmqtt.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Prefix:         cfg.MQTT.Prefix,
			ConnectTimeout: 30 * time.Second,
		}, log)
		if err != nil {
			return nil, err
		}
		d := salmqtt.NewDialer(client, cfg.MQTT.Prefix, cfg.MQTT.ClientID)
		return &Bus{Dialer: d, Components: cfg.Components, close: func() { disconnect(client) }}, nil
	}
	return nil, fmt.Errorf("unknown transport %q, want %s, %s or %s", cfg.Kind, Sim, Gateway, MQTT)
}

func disconnect(c pahomqtt.Client) { c.Disconnect(1000) }
