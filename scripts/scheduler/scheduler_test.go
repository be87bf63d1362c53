package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/sim"
)

func newEnv(t *testing.T) (scripts.Env, *sim.Bus) {
	t.Helper()
	b := sim.NewBus()
	sim.Services(b)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Heartbeats(ctx, 2*time.Millisecond)
	return scripts.Env{Dialer: b}, b
}

func runScript(t *testing.T, s script.Script, cfg string) ([]string, error) {
	t.Helper()
	r := script.NewRunner(s)
	var (
		mu  sync.Mutex
		cps []string
	)
	r.OnChange(func(i script.Info) {
		mu.Lock()
		defer mu.Unlock()
		if i.LastCheckpoint != "" && (len(cps) == 0 || cps[len(cps)-1] != i.LastCheckpoint) {
			cps = append(cps, i.LastCheckpoint)
		}
	})
	if err := r.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if d := r.Info().Metadata.Duration; d != Timeout {
		t.Errorf("duration %v", d)
	}
	err := r.Run(context.Background())
	mu.Lock()
	defer mu.Unlock()
	return cps, err
}

func TestAddBlock(t *testing.T) {
	env, b := newEnv(t)
	cps, err := runScript(t, NewAddBlock(200001, env, enum.AuxTelScheduler), "id: BLOCK-7\noverride:\n  target: HD 1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Loading BLOCK-7 into scheduler", "BLOCK successfully loaded"}, cps); diff != "" {
		t.Error(diff)
	}
	want := []sim.Invocation{{Cmd: "addBlock", Params: sal.Params{"id": "BLOCK-7", "override": "target: HD 1\n"}}}
	if diff := cmp.Diff(want, b.CSC("Scheduler", 2).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestWrongQueue(t *testing.T) {
	env, b := newEnv(t)
	ss := []script.Script{
		NewAddBlock(100001, env, enum.AuxTelScheduler),
		NewResume(100002, env, enum.AuxTelScheduler),
		NewStop(200003, env, enum.MainTelScheduler),
	}
	cfgs := []string{"id: BLOCK-1", "", ""}
	for i, s := range ss {
		if _, err := runScript(t, s, cfgs[i]); !errors.Is(err, ErrWrongQueue) {
			t.Errorf("%s: got %v, want ErrWrongQueue", s.Base().Name, err)
		}
	}
	for _, i := range []int{1, 2} {
		if n := len(b.CSC("Scheduler", i).Commands()); n != 0 {
			t.Errorf("Scheduler:%d got %d commands", i, n)
		}
	}
}

func TestStopThenLoadLatestSnapshot(t *testing.T) {
	env, b := newEnv(t)
	cps, err := runScript(t, NewStop(100001, env, enum.MainTelScheduler), "stop: true")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Stopping scheduler", "Scheduler stopped"}, cps); diff != "" {
		t.Error(diff)
	}
	ls := NewLoadSnapshot(100002, env, enum.MainTelScheduler)
	if _, err := runScript(t, ls, "snapshot: latest"); err != nil {
		t.Fatal(err)
	}
	const uri = "s3://rubin:scheduler/Scheduler:1/snapshot-0001.p"
	if ls.URI != uri {
		t.Errorf("uri %q", ls.URI)
	}
	want := []sim.Invocation{
		{Cmd: "stop", Params: sal.Params{"abort": true}},
		{Cmd: "load", Params: sal.Params{"uri": uri}},
	}
	if diff := cmp.Diff(want, b.CSC("Scheduler", 1).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestLoadSnapshotURIAndResume(t *testing.T) {
	env, b := newEnv(t)
	if _, err := runScript(t, NewLoadSnapshot(200001, env, enum.AuxTelScheduler), "snapshot: s3://bucket/snap.p"); err != nil {
		t.Fatal(err)
	}
	if _, err := runScript(t, NewResume(200002, env, enum.AuxTelScheduler), ""); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"load", "resume"}, b.CSC("Scheduler", 2).CommandNames()); diff != "" {
		t.Error(diff)
	}
}

func TestEnableFromDisabled(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("Scheduler", 1).SetState(sal.Disabled)
	cps, err := runScript(t, NewEnable(100001, env, enum.MainTelScheduler), "config: night.yaml")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"Assert liveliness",
		"Reset summary state to STANDBY before setting to ENABLED",
		"Setting desired state: ENABLED",
		"Scheduler ENABLED",
	}
	if diff := cmp.Diff(want, cps); diff != "" {
		t.Error(diff)
	}
	c := b.CSC("Scheduler", 1)
	if st := c.State(); st != sal.Enabled {
		t.Errorf("Scheduler in %s", st)
	}
	if diff := cmp.Diff([]string{"standby", "start", "enable"}, c.CommandNames()); diff != "" {
		t.Error(diff)
	}
	applied, _ := c.Event("configurationApplied").Get()
	if applied["configurations"] != "night.yaml" {
		t.Errorf("configuration not applied: %v", applied)
	}
}

func TestEnableRequiresConfig(t *testing.T) {
	env, _ := newEnv(t)
	if err := script.NewRunner(NewEnable(100001, env, enum.MainTelScheduler)).Configure(context.Background(), ""); err == nil {
		t.Error("enable without config accepted")
	}
}

func TestStandbyFromEnabled(t *testing.T) {
	env, b := newEnv(t)
	cps, err := runScript(t, NewStandby(200001, env, enum.AuxTelScheduler), "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Assert liveliness", "Setting desired state: ENABLED -> STANDBY", "Scheduler STANDBY"}
	if diff := cmp.Diff(want, cps); diff != "" {
		t.Error(diff)
	}
	if st := b.CSC("Scheduler", 2).State(); st != sal.Standby {
		t.Errorf("Scheduler in %s", st)
	}
}

// blind hides the summary state published before it was created, the
// way a freshly started remote knows nothing about its component
type blind struct {
	*sim.CSC
	state *sal.Reader
}

func newBlind(c *sim.CSC) *blind {
	b := &blind{CSC: c, state: sal.NewReader("summaryState")}
	c.Subscribe(func(kind sal.Kind, topic string, s sal.Sample) {
		if kind == sal.KindEvent && topic == "summaryState" {
			b.state.Push(s)
		}
	})
	return b
}

func (b *blind) Event(topic string) *sal.Reader {
	if topic == "summaryState" {
		return b.state
	}
	return b.CSC.Event(topic)
}

type oneRemote struct{ r sal.Remote }

func (d oneRemote) Dial(ctx context.Context, name string, index int) (sal.Remote, error) {
	return d.r, nil
}

func TestEnableWithoutSummaryState(t *testing.T) {
	env, b := newEnv(t)
	c := b.CSC("Scheduler", 1)
	c.SetState(sal.Disabled)
	env.Dialer = oneRemote{newBlind(c)}
	cps, err := runScript(t, NewEnable(100001, env, enum.MainTelScheduler), "config: night.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) < 2 || cps[1] != "Handling no summary state information" {
		t.Errorf("checkpoints %v", cps)
	}
	if diff := cmp.Diff([]string{"start", "standby", "start", "enable"}, c.CommandNames()); diff != "" {
		t.Error(diff)
	}
	if st := c.State(); st != sal.Enabled {
		t.Errorf("Scheduler in %s", st)
	}
}

func TestNoHeartbeat(t *testing.T) {
	defer func(d time.Duration) { HeartbeatTimeout = d }(HeartbeatTimeout)
	HeartbeatTimeout = 20 * time.Millisecond
	b := sim.NewBus()
	sim.Services(b)
	b.CSC("Scheduler", 1).Silence(true)
	_, err := runScript(t, NewEnable(100001, scripts.Env{Dialer: b}, enum.MainTelScheduler), "config: x")
	if !errors.Is(err, sal.ErrTimeout) {
		t.Errorf("got %v, want a heartbeat timeout", err)
	}
}
