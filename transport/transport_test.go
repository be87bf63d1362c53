package transport

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lsst-ts/stdscripts/gateway"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/sim"
)

func TestOpenSim(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImageDir = t.TempDir()
	b, err := Open(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.Sim == nil {
		t.Fatal("no simulation")
	}
	found := false
	for _, id := range b.Components {
		found = found || id == "ATDome"
	}
	if !found {
		t.Errorf("ATDome missing from %v", b.Components)
	}
}

func TestOpenGateway(t *testing.T) {
	srv := httptest.NewServer(gateway.NewServer(sim.Observatory(t.TempDir(), time.Millisecond)).Handler())
	defer srv.Close()
	cfg := DefaultConfig()
	cfg.Kind = "Gateway"
	cfg.URL = srv.URL
	cfg.Components = []string{"ATDome"}
	b, err := Open(context.Background(), cfg, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	r, err := b.Dialer.Dial(context.Background(), "ATMCS", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if st, err := sal.CurrentState(context.Background(), r, time.Second); err != nil || st != sal.Enabled {
		t.Errorf("ATMCS %s %v", st, err)
	}
}

func TestOpenErrors(t *testing.T) {
	for _, cfg := range []Config{{Kind: "carrier-pigeon"}, {Kind: Sim, Step: "soon"}} {
		if _, err := Open(context.Background(), cfg, slog.Default()); err == nil {
			t.Errorf("%+v opened", cfg)
		}
	}
}
