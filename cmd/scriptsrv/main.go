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

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"

	yml "gopkg.in/yaml.v2"

	"github.com/lsst-ts/stdscripts/history"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/scriptsrv"
	"github.com/lsst-ts/stdscripts/transport"
	"github.com/lsst-ts/stdscripts/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "scriptsrv.yml"
	k              = koanf.New(".")
)

// Config is the scriptsrv configuration
type Config struct {
	Addr string `koanf:"Addr" yaml:"Addr"`

	// DB is the path of the run history database
	DB string `koanf:"DB" yaml:"DB"`

	LogLevel string `koanf:"LogLevel" yaml:"LogLevel"`

	Transport transport.Config `koanf:"Transport" yaml:"Transport"`
}

func setupconfig() {
	defaults := Config{
		Addr:      ":8001",
		DB:        "scriptsrv.db",
		LogLevel:  "info",
		Transport: transport.DefaultConfig(),
	}
	if err := util.LoadConfig(k, defaults, ConfigFileName, "SCRIPTSRV_"); err != nil {
		log.Fatalf("error loading config: %v", err)
	}
}

func root() {
	str := `scriptsrv runs standard scripts on request and keeps a history of the runs

Usage:
	scriptsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `scriptsrv is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Every key may be overridden from the environment as SCRIPTSRV_<KEY>, with __
between nested keys, e.g. SCRIPTSRV_TRANSPORT__KIND=gateway.

Transport.Kind picks how the scripts reach the components:
- sim: an in-process simulation of the observatory
- gateway: a cscsim (or other gateway) at Transport.URL
- mqtt: a broker at Transport.MQTT.Broker

Routes:
	GET  /scripts
	GET  /scripts/schema?name=auxtel/enable_atcs
	POST /run                {"name": "sleep", "config": "sleep_for: 5"}
	GET  /runs/{index}
	POST /runs/{index}/stop
	POST /runs/{index}/resume
	GET  /runs/{index}/testcases
	GET  /history
	GET, POST /lock`
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
	fmt.Printf("scriptsrv version %v\n", Version)
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus, err := transport.Open(ctx, c.Transport, slog.Default())
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()
	hist, err := history.Open(c.DB)
	if err != nil {
		log.Fatal(err)
	}
	defer hist.Close()

	env := scripts.Env{
		Dialer:     bus.Dialer,
		ObsIDs:     hist,
		TestCases:  hist,
		Components: bus.Components,
	}
	s := scriptsrv.NewServer(env, hist)
	defer s.Close()
	mux := chi.NewRouter()
	mux.Use(middleware.Logger)
	mux.Mount("/", s.Handler())
	srv := &http.Server{Addr: c.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
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
