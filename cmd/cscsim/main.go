package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"

	yml "gopkg.in/yaml.v2"

	"github.com/lsst-ts/stdscripts/gateway"
	"github.com/lsst-ts/stdscripts/salmqtt"
	"github.com/lsst-ts/stdscripts/sim"
	"github.com/lsst-ts/stdscripts/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "cscsim.yml"
	k              = koanf.New(".")
)

// MQTT configures the optional broker the components are also served on
type MQTT struct {
	Enable   bool   `koanf:"Enable" yaml:"Enable"`
	Broker   string `koanf:"Broker" yaml:"Broker"`
	ClientID string `koanf:"ClientID" yaml:"ClientID"`
	Username string `koanf:"Username" yaml:"Username"`
	Password string `koanf:"Password" yaml:"Password"`
	Prefix   string `koanf:"Prefix" yaml:"Prefix"`
}

// Config is the cscsim configuration
type Config struct {
	// Addr is the listen address of the gateway
	Addr string `koanf:"Addr" yaml:"Addr"`

	// ImageDir receives the FITS frames of the simulated cameras
	ImageDir string `koanf:"ImageDir" yaml:"ImageDir"`

	// Step is how long simulated motions take, e.g. 500ms
	Step string `koanf:"Step" yaml:"Step"`

	// Heartbeat is the heartbeat period of every component
	Heartbeat string `koanf:"Heartbeat" yaml:"Heartbeat"`

	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	MQTT MQTT `koanf:"MQTT" yaml:"MQTT"`
}

func setupconfig() {
	defaults := Config{
		Addr:      ":8000",
		ImageDir:  os.TempDir(),
		Step:      "1s",
		Heartbeat: "1s",
		LogLevel:  "info",
		MQTT: MQTT{
			Broker:   "tcp://localhost:1883",
			ClientID: "cscsim",
			Prefix:   "lsst/sal",
		},
	}
	if err := util.LoadConfig(k, defaults, ConfigFileName, "CSCSIM_"); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func root() {
	str := `cscsim serves simulated observatory components over HTTP and WebSocket
so standard scripts can be exercised without the real control system.

Usage:
	cscsim <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `cscsim is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Every key may be overridden from the environment as CSCSIM_<KEY>, with __
between nested keys, e.g. CSCSIM_MQTT__ENABLE=true.

The gateway serves, for every component Name:index,
	POST /{name}/{index}/cmd/{cmd}
	GET  /{name}/{index}/evt/{topic}
	GET  /{name}/{index}/tel/{topic}
	GET  /{name}/{index}/stream
and GET /endpoints lists the routes.

With MQTT.Enable the same components are served on the broker under
MQTT.Prefix/<Name>/<index>.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("cscsim version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if err := util.SetupLogging(c.LogLevel); err != nil {
		log.Fatal(err)
	}
	step, err := time.ParseDuration(c.Step)
	if err != nil {
		log.Fatalf("Step: %v", err)
	}
	beat, err := time.ParseDuration(c.Heartbeat)
	if err != nil {
		log.Fatalf("Heartbeat: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus := sim.Observatory(c.ImageDir, step)
	go bus.Heartbeats(ctx, beat)

	if c.MQTT.Enable {
		client, err := salmqtt.Connect(ctx, salmqtt.Config{
			Broker:         c.MQTT.Broker,
			ClientID:       c.MQTT.ClientID,
			Username:       c.MQTT.Username,
			Password:       c.MQTT.Password,
			Prefix:         c.MQTT.Prefix,
			ConnectTimeout: 30 * time.Second,
		}, slog.Default())
		if err != nil {
			log.Fatal(err)
		}
		defer client.Disconnect(1000)
		for _, csc := range bus.Components() {
			go func(csc *sim.CSC) {
				if err := salmqtt.Serve(ctx, client, c.MQTT.Prefix, csc, slog.Default()); err != nil && ctx.Err() == nil {
					slog.Error("MQTT serve", "component", csc.ID(), "err", err)
				}
			}(csc)
		}
	}

	gw := gateway.NewServer(bus)
	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Mount("/", gw.Handler())
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	ids := make([]string, 0)
	for _, csc := range bus.Components() {
		ids = append(ids, csc.ID())
	}
	log.Printf("simulating %s", strings.Join(ids, ", "))
	log.Println("now listening for requests at ", c.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
