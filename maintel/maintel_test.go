package maintel

import (
	"context"
	"errors"
	"fmt"
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
	b := sim.Observatory(t.TempDir(), time.Millisecond)
	return scripts.Env{Dialer: b}, b
}

type run struct {
	*script.Runner
	mu  sync.Mutex
	cps []string
}

func (r *run) checkpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cps...)
}

func configure(t *testing.T, s script.Script, cfg string) *run {
	t.Helper()
	r := &run{Runner: script.NewRunner(s)}
	r.OnChange(func(i script.Info) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if i.LastCheckpoint != "" && (len(r.cps) == 0 || r.cps[len(r.cps)-1] != i.LastCheckpoint) {
			r.cps = append(r.cps, i.LastCheckpoint)
		}
	})
	if err := r.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure %s: %v", s.Base().Name, err)
	}
	return r
}

func rejects(t *testing.T, s script.Script, cfg string) {
	t.Helper()
	if err := script.NewRunner(s).Configure(context.Background(), cfg); err == nil {
		t.Errorf("%s accepted %q", s.Base().Name, cfg)
	}
}

// waitFor polls cond until it holds or a second has passed
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type recorder struct {
	mu      sync.Mutex
	seq     int
	reports []script.TestCaseReport
}

func (r *recorder) NextObsID(ctx context.Context, ticket int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("BL%d_O_20261019_%06d", ticket, r.seq), nil
}

func (r *recorder) SaveTestCase(ctx context.Context, rep script.TestCaseReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func TestEnableMTCS(t *testing.T) {
	env, b := newEnv(t)
	dome := b.CSC("MTDome", 0)
	dome.SetState(sal.Standby)
	if err := configure(t, NewEnableMTCS(1, env), "mtdome: summit.yaml").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"MTDome", "MTMount", "MTRotator"} {
		if st := b.CSC(id, 0).State(); st != sal.Enabled {
			t.Errorf("%s %s", id, st)
		}
	}
	if got := dome.CommandNames(); !cmp.Equal(got, []string{"start", "enable"}) {
		t.Errorf("MTDome commands %v", got)
	}
}

func TestStandbyComCam(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewStandbyComCam(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"CCCamera", "CCHeaderService", "CCOODS"} {
		if st := b.CSC(id, 0).State(); st != sal.Standby {
			t.Errorf("%s %s", id, st)
		}
	}
}

func TestTakeImageComCam(t *testing.T) {
	env, b := newEnv(t)
	s := NewTakeImageComCam(1, env).(*scripts.TakeImage)
	r := configure(t, s, "image_type: FLAT\nnimages: 3\nexp_times: 0\nfilter: r_03")
	if md := r.Info().Metadata; md.Instrument != "ComCam" || md.NImages != 3 || md.Filters != "r_03" {
		t.Errorf("metadata %+v", md)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.ImageNames) != 3 {
		t.Errorf("images %v", s.ImageNames)
	}
	want := []string{"setFilter", "takeImages", "setFilter", "takeImages", "setFilter", "takeImages"}
	if diff := cmp.Diff(want, b.CSC("CCCamera", 0).CommandNames()); diff != "" {
		t.Errorf("CCCamera commands (-want +got):\n%s", diff)
	}
}

func TestTakeImageComCamSchema(t *testing.T) {
	env, _ := newEnv(t)
	rejects(t, NewTakeImageComCam(1, env), "image_type: OBJECT\ngrating: 1")
	rejects(t, NewTakeImageComCam(1, env), "image_type: OBJECT\nfilter: 0")
}

func TestMoveRotator(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewMoveRotator(1, env), "angle: 30")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "move", Params: sal.Params{"position": 30.0}}}
	if diff := cmp.Diff(want, b.CSC("MTRotator", 0).Commands()); diff != "" {
		t.Error(diff)
	}
	cps := []string{"Start moving rotator to 30 degrees.", "Move rotator returned. Wait for complete: true."}
	if diff := cmp.Diff(cps, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
	if d := r.Info().Metadata.Duration; d <= 0 {
		t.Errorf("duration %v", d)
	}
}

func TestMoveRotatorSchema(t *testing.T) {
	env, _ := newEnv(t)
	for _, cfg := range []string{"", "angle: 91", "angle: -100", "angle: 0\nspeed: 1"} {
		rejects(t, NewMoveRotator(1, env), cfg)
	}
}

func TestOffsetCameraHexapod(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewOffsetCameraHexapod(1, env), "z: 100\nu: 0.1")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "offset", Params: sal.Params{
		"x": 0.0, "y": 0.0, "z": 100.0, "u": 0.1, "v": 0.0, "w": 0.0, "sync": true,
	}}}
	if diff := cmp.Diff(want, b.CSC("MTHexapod", 1).Commands()); diff != "" {
		t.Error(diff)
	}
	if n := len(b.CSC("MTHexapod", 2).Commands()); n != 0 {
		t.Errorf("M2 hexapod got %d commands", n)
	}
}

func TestOffsetCameraHexapodY(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewOffsetCameraHexapod(1, env), "y: -250\nsync: false")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "offset", Params: sal.Params{
		"x": 0.0, "y": -250.0, "z": 0.0, "u": 0.0, "v": 0.0, "w": 0.0, "sync": false,
	}}}
	if diff := cmp.Diff(want, b.CSC("MTHexapod", 1).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestOffsetCameraHexapodNeedsAnAxis(t *testing.T) {
	env, _ := newEnv(t)
	rejects(t, NewOffsetCameraHexapod(1, env), "sync: false")
	rejects(t, NewOffsetCameraHexapod(1, env), "w: 1")
}

func TestOffsetCameraHexapodIgnore(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewOffsetCameraHexapod(1, env), "x: 1\nignore: [mtdome]")
	b.CSC("MTDome", 0).SetState(sal.Disabled)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func m1m3State(t *testing.T, b *sim.Bus) enum.M1M3DetailedState {
	t.Helper()
	s, ok := b.CSC("MTM1M3", 0).Event("detailedState").Get()
	if !ok {
		t.Fatal("no detailedState")
	}
	v, _ := s.Int("detailedState")
	return enum.M1M3DetailedState(v)
}

func TestRaiseAndLowerM1M3(t *testing.T) {
	env, b := newEnv(t)
	rec := &recorder{}
	env.ObsIDs, env.TestCases = rec, rec
	cfg := `program: BLOCK-123
test_case:
  name: LVV-T100
  execution: LVV-E100
  version: "1.0"
`
	r := configure(t, NewRaiseM1M3(1, env), cfg)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := m1m3State(t, b); st != enum.M1M3Active {
		t.Errorf("after raise %s", st)
	}
	want := []string{
		"RaiseM1M3 BLOCK-123 BL123_O_20261019_000001: Start",
		"Raising M1M3",
		"RaiseM1M3 BLOCK-123 BL123_O_20261019_000001: Done",
	}
	if diff := cmp.Diff(want, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
	if len(rec.reports) != 1 {
		t.Fatalf("%d reports", len(rec.reports))
	}
	rep := rec.reports[0]
	if rep.Script != "maintel/m1m3/raise_m1m3" || rep.ObsID != "BL123_O_20261019_000001" || rep.Project != "LVV" {
		t.Errorf("report %+v", rep)
	}
	if len(rep.Steps) != 1 || rep.Steps[0].Status != "PASSED" || rep.Steps[0].ID != 1 {
		t.Errorf("steps %+v", rep.Steps)
	}

	if err := configure(t, NewLowerM1M3(2, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := m1m3State(t, b); st != enum.M1M3Parked {
		t.Errorf("after lower %s", st)
	}
	if got := b.CSC("MTM1M3", 0).CommandNames(); !cmp.Equal(got, []string{"raiseM1M3", "lowerM1M3"}) {
		t.Errorf("MTM1M3 commands %v", got)
	}
}

func TestLowerM1M3AlreadyParked(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewLowerM1M3(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(b.CSC("MTM1M3", 0).Commands()); n != 0 {
		t.Errorf("%d commands sent to a parked mirror", n)
	}
}

func TestRaiseM1M3Failure(t *testing.T) {
	env, b := newEnv(t)
	rec := &recorder{}
	env.TestCases = rec
	b.CSC("MTM1M3", 0).Fail("raiseM1M3", errors.New("interlock"))
	r := configure(t, NewRaiseM1M3(1, env), "test_case: {name: LVV-T1, execution: LVV-E1, version: '1'}")
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("raise succeeded")
	}
	if len(rec.reports) != 1 || len(rec.reports[0].Steps) != 1 || rec.reports[0].Steps[0].Status != "FAILED" {
		t.Errorf("reports %+v", rec.reports)
	}
}

func TestParkAndUnparkMount(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewParkMount(1, env), "position: HORIZON").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := configure(t, NewUnparkMount(2, env), "ignore: [mtrotator]").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var park, unpark int
	for _, c := range b.CSC("MTMount", 0).Commands() {
		switch c.Cmd {
		case "park":
			park++
			if c.Params["position"] != 1 {
				t.Errorf("park %v", c.Params)
			}
		case "unpark":
			unpark++
		}
	}
	if park != 1 || unpark != 1 {
		t.Errorf("park %d unpark %d", park, unpark)
	}
}

func TestParkMountSchema(t *testing.T) {
	env, _ := newEnv(t)
	rejects(t, NewParkMount(1, env), "")
	rejects(t, NewParkMount(1, env), "position: LOW")
}

func TestHomeDome(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewHomeDome(1, env), "physical_az: 10")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"moveAz", "setZeroAz"}, b.CSC("MTDome", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"setFollowingMode"}, b.CSC("MTDomeTrajectory", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"Homing dome"}, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
}

func newCrawl(t *testing.T, env scripts.Env, cfg string) (*CrawlAz, *run) {
	t.Helper()
	s := NewCrawlAz(1, env).(*CrawlAz)
	s.StdTimeout = 5 * time.Millisecond
	return s, configure(t, s, cfg)
}

func TestCrawlAzUntilStopped(t *testing.T) {
	env, b := newEnv(t)
	dome := b.CSC("MTDome", 0)
	_, r := newCrawl(t, env, "direction: CounterClockWise")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	waitFor(t, "crawl", func() bool { return len(dome.Commands()) > 0 })
	r.Stop()
	if err := <-done; !errors.Is(err, script.ErrStopped) {
		t.Fatalf("run returned %v", err)
	}
	want := []sim.Invocation{
		{Cmd: "crawlAz", Params: sal.Params{"velocity": -0.5}},
		{Cmd: "crawlAz", Params: sal.Params{"velocity": 0.0}},
		{Cmd: "stop", Params: sal.Params{"subSystemIds": enum.MTDomeAMCS}},
	}
	if diff := cmp.Diff(want, dome.Commands()); diff != "" {
		t.Error(diff)
	}
	if st := r.Info().State; st != script.Stopped {
		t.Errorf("state %s", st)
	}
}

func TestCrawlAzDomeFault(t *testing.T) {
	env, b := newEnv(t)
	dome := b.CSC("MTDome", 0)
	_, r := newCrawl(t, env, "")
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	waitFor(t, "crawl", func() bool { return len(dome.Commands()) > 0 })
	dome.SetState(sal.Fault)
	if err := <-done; err == nil || errors.Is(err, script.ErrStopped) {
		t.Fatalf("run returned %v", err)
	}
	if c := dome.Commands()[0]; c.Params["velocity"] != CrawlVelocity {
		t.Errorf("crawl %v", c.Params)
	}
	if st := r.Info().State; st != script.Failed {
		t.Errorf("state %s", st)
	}
}

func TestCrawlAzNotEnabled(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("MTDome", 0).SetState(sal.Disabled)
	_, r := newCrawl(t, env, "")
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("crawled a disabled dome")
	}
	if n := len(b.CSC("MTDome", 0).CommandNames()); n != 2 {
		t.Errorf("expected only the two cleanup commands, got %d", n)
	}
}
