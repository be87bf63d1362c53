package auxtel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lsst-ts/stdscripts/control"
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

func TestEnableATCSWithOverride(t *testing.T) {
	env, b := newEnv(t)
	dome := b.CSC("ATDome", 0)
	dome.SetState(sal.Standby)
	r := configure(t, NewEnableATCS(1, env), "atdome: summit.yaml\nignore: [athexapod]")
	b.CSC("ATHexapod", 0).SetState(sal.Offline)
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := dome.State(); st != sal.Enabled {
		t.Errorf("ATDome %s", st)
	}
	applied, _ := dome.Event("configurationApplied").Get()
	if applied["configurations"] != "summit.yaml" {
		t.Errorf("configuration %v", applied)
	}
	if st := b.CSC("ATHexapod", 0).State(); st != sal.Offline {
		t.Errorf("ignored ATHexapod moved to %s", st)
	}
}

func TestOfflineLATISS(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewOfflineLATISS(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range control.LATISSComponents {
		if st := b.CSC(id, 0).State(); st != sal.Offline {
			t.Errorf("%s in %s", id, st)
		}
	}
}

func TestTakeImageLATISS(t *testing.T) {
	env, b := newEnv(t)
	s := NewTakeImageLATISS(1, env).(*scripts.TakeImage)
	r := configure(t, s, "image_type: OBJECT\nnimages: 2\nexp_times: 0\nfilter: SDSSr\ngrating: 2\nlinear_stage: 50\ngroup_id: g1")
	md := r.Info().Metadata
	if md.NImages != 2 || md.Instrument != "LATISS" || md.Filters != "SDSSr" {
		t.Errorf("metadata %+v", md)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(s.ImageNames) != 2 {
		t.Errorf("images %v", s.ImageNames)
	}
	setup := []sim.Invocation{
		{Cmd: "changeFilter", Params: sal.Params{"name": "SDSSr"}},
		{Cmd: "changeDisperser", Params: sal.Params{"disperser": 2}},
		{Cmd: "moveLinearStage", Params: sal.Params{"distanceFromHome": 50.0}},
	}
	want := append(append([]sim.Invocation{}, setup...), setup...)
	if diff := cmp.Diff(want, b.CSC("ATSpectrograph", 0).Commands()); diff != "" {
		t.Errorf("setup before each exposure (-want +got):\n%s", diff)
	}
	if n := len(b.CSC("ATCamera", 0).Commands()); n != 2 {
		t.Errorf("%d takeImages commands", n)
	}
}

func TestTakeImageLATISSSchema(t *testing.T) {
	env, _ := newEnv(t)
	for _, cfg := range []string{"nimages: 1", "image_type: OBJECT\nfilter: 0", "image_type: OBJECT\nfocus: 3"} {
		if err := script.NewRunner(NewTakeImageLATISS(1, env)).Configure(context.Background(), cfg); err == nil {
			t.Errorf("%q accepted", cfg)
		}
	}
}

func TestEnableATAOSCorrections(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewEnableATAOSCorrections(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "enableCorrection", Params: sal.Params{
		"m1": true, "hexapod": true, "focus": false, "atspectrograph": true, "moveHexapod": false,
	}}}
	if diff := cmp.Diff(want, b.CSC("ATAOS", 0).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestEnableATAOSCorrectionsNotEnabled(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATPneumatics", 0).SetState(sal.Disabled)
	err := configure(t, NewEnableATAOSCorrections(1, env), "").Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "atpneumatics") {
		t.Errorf("got %v", err)
	}
	if err := configure(t, NewEnableATAOSCorrections(2, env), "ignore: [atpneumatics]").Run(context.Background()); err != nil {
		t.Errorf("with atpneumatics ignored: %v", err)
	}
}

func TestDisableATAOSCorrections(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATAOS", 0).Fail("disableCorrection", errors.New("stuck"))
	if err := configure(t, NewDisableATAOSCorrections(1, env), "").Run(context.Background()); err != nil {
		t.Errorf("failure not ignored: %v", err)
	}
	var ae *sal.AckError
	err := configure(t, NewDisableATAOSCorrections(2, env), "ignore_fail: false").Run(context.Background())
	if !errors.As(err, &ae) {
		t.Errorf("got %v, want the command failure", err)
	}
}

// blow publishes air flow samples until the test ends
func blow(t *testing.T, b *sim.Bus, speed, maxSpeed, stdDev float64) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ess := b.CSC("ESS", 301)
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}
			ess.PublishTelemetry("airFlow", sal.Sample{"speed": speed, "maxSpeed": maxSpeed, "speedStdDev": stdDev})
		}
	}()
}

func doorState(t *testing.T, b *sim.Bus) enum.ShutterState {
	t.Helper()
	s, _ := b.CSC("ATDome", 0).Event("dropoutDoorState").Get()
	v, _ := s.Int("state")
	return enum.ShutterState(v)
}

func TestOpenDropoutDoor(t *testing.T) {
	env, b := newEnv(t)
	blow(t, b, 3, 5, 1)
	r := configure(t, NewOpenDropoutDoor(1, env), "")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Opening dropout door.", "Checking wind speed."}, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
	if st := doorState(t, b); st != enum.ShutterOpened {
		t.Errorf("door %s", st)
	}
}

func TestOpenDropoutDoorWind(t *testing.T) {
	cases := []struct {
		name                    string
		speed, maxSpeed, stdDev float64
	}{
		{"median", 8.5, 9, 1},
		{"gust", 5, 10.5, 1},
		{"gusty lowers thresholds", 7, 9, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env, b := newEnv(t)
			blow(t, b, c.speed, c.maxSpeed, c.stdDev)
			err := configure(t, NewOpenDropoutDoor(1, env), "").Run(context.Background())
			if !errors.Is(err, ErrUnsafeWind) {
				t.Errorf("got %v, want ErrUnsafeWind", err)
			}
			if n := len(b.CSC("ATDome", 0).Commands()); n != 0 {
				t.Errorf("dome got %d commands", n)
			}
		})
	}
}

func TestOpenDropoutDoorNoWindData(t *testing.T) {
	env, b := newEnv(t)
	s := NewOpenDropoutDoor(1, env).(*OpenDropoutDoor)
	s.WindTimeout = 10 * time.Millisecond
	if err := configure(t, s, "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := doorState(t, b); st != enum.ShutterOpened {
		t.Errorf("door %s", st)
	}
}

func TestDomeOperations(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewOpenDome(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := configure(t, NewSlewDome(2, env), "az: 370").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := configure(t, NewHomeDome(3, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := configure(t, NewCloseDome(4, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{
		{Cmd: "openShutter"},
		{Cmd: "moveAzimuth", Params: sal.Params{"azimuth": 10.0}},
		{Cmd: "homeAzimuth"},
		{Cmd: "closeShutter"},
	}
	if diff := cmp.Diff(want, b.CSC("ATDome", 0).Commands()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]sim.Invocation{{Cmd: "setFollowingMode", Params: sal.Params{"enable": false}}}, b.CSC("ATDomeTrajectory", 0).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestSlewDomeSchema(t *testing.T) {
	env, _ := newEnv(t)
	if err := script.NewRunner(NewSlewDome(1, env)).Configure(context.Background(), ""); err == nil {
		t.Error("slew dome without az accepted")
	}
}

func TestShutdown(t *testing.T) {
	env, b := newEnv(t)
	if err := configure(t, NewShutdown(1, env), "").Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"stopTracking", "azElTarget", "stopTracking"}, b.CSC("ATPtg", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"closeM1Cover", "closeM1CellVents"}, b.CSC("ATPneumatics", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	last := b.CSC("ATDome", 0).Commands()
	if len(last) == 0 || last[len(last)-1].Params["azimuth"] != 285.0 {
		t.Errorf("dome not parked: %v", last)
	}
}

// clock advances by step every call
func clock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := now
		now = now.Add(step)
		return t
	}
}

func TestPrepareForVent(t *testing.T) {
	env, b := newEnv(t)
	env.Now = clock(time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC), 30*time.Minute)
	s := NewPrepareForVent(1, env).(*PrepareForVent)
	s.TrackSunSleep = time.Millisecond
	r := configure(t, s, "end_at_sun_elevation: 20")
	if d := r.Info().Metadata.Duration; d <= 0 || d > 6*time.Hour {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	cps := r.checkpoints()
	if len(cps) < 2 || cps[0] != "Preparing..." || !strings.HasPrefix(cps[1], "Sun @ ") {
		t.Errorf("checkpoints %v", cps)
	}
	main, _ := b.CSC("ATDome", 0).Event("mainDoorState").Get()
	if v, _ := main.Int("state"); enum.ShutterState(v) != enum.ShutterPartiallyOpened {
		t.Errorf("main door %s", enum.ShutterState(v))
	}
	if st := doorState(t, b); st != enum.ShutterOpened {
		t.Errorf("dropout door %s", st)
	}
	var slews int
	for _, c := range b.CSC("ATPtg", 0).Commands() {
		if c.Cmd == "azElTarget" {
			slews++
			if c.Params["elDegs"] != 17.0 {
				t.Errorf("vent elevation %v", c.Params["elDegs"])
			}
		}
	}
	if slews < 2 {
		t.Errorf("telescope not repositioned, %d slews", slews)
	}
}

func TestPrepareForVentAtNight(t *testing.T) {
	env, b := newEnv(t)
	env.Now = func() time.Time { return time.Date(2026, 10, 19, 5, 0, 0, 0, time.UTC) }
	err := configure(t, NewPrepareForVent(1, env), "").Run(context.Background())
	if !errors.Is(err, ErrVentConstraints) {
		t.Errorf("got %v, want ErrVentConstraints", err)
	}
	if n := len(b.CSC("ATPtg", 0).Commands()); n != 0 {
		t.Errorf("%d pointing commands", n)
	}
}

func TestPowerOnATCalSys(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewPowerOnATCalSys(1, env), "chiller_temperature: 21\nuse_atmonochromator: true\nwavelength: 550\ngrating_type: 1")
	if d := r.Info().Metadata.Duration; d != 35*time.Minute {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"Starting chiller",
		"Waiting for chiller to cool to set temperature",
		"Opening the shutter",
		"Turning on lamp",
		"Waiting for lamp to warm up",
		"Configuring ATMonochromator",
	}
	if diff := cmp.Diff(want, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
	wl := b.CSC("ATWhiteLight", 0)
	if diff := cmp.Diff([]string{"setChillerTemperature", "startChiller", "openShutter", "turnLampOn"}, wl.CommandNames()); diff != "" {
		t.Error(diff)
	}
	if p := wl.Commands()[3].Params["power"]; p != 910.0 {
		t.Errorf("lamp power %v", p)
	}
	mono := b.CSC("ATMonochromator", 0).Commands()
	if len(mono) != 1 || mono[0].Params["wavelength"] != 550.0 || mono[0].Params["gratingType"] != 1 {
		t.Errorf("monochromator %v", mono)
	}
	lamp, _ := wl.Event("lampState").Get()
	if v, _ := lamp.Int("basicState"); enum.LampBasicState(v) != enum.LampOn {
		t.Errorf("lamp %s", enum.LampBasicState(v))
	}
}

func TestPowerOnATCalSysChillerTimeout(t *testing.T) {
	env, _ := newEnv(t)
	s := NewPowerOnATCalSys(1, env).(*PowerOnATCalSys)
	s.ChillerTimeout = 5 * time.Millisecond
	s.TelemetryTimeout = 5 * time.Millisecond
	r := configure(t, s, "chiller_temperature: 10")
	s.ChillerTolerance = 0
	if err := r.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "chiller did not reach 10") {
		t.Errorf("got %v", err)
	}
}

func TestPowerOnATCalSysNotEnabled(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATWhiteLight", 0).SetState(sal.Disabled)
	err := configure(t, NewPowerOnATCalSys(1, env), "").Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ATWhiteLight is not ENABLED") {
		t.Errorf("got %v", err)
	}
	if n := len(b.CSC("ATWhiteLight", 0).Commands()); n != 0 {
		t.Errorf("%d commands sent", n)
	}
}

func TestPowerOffATCalSys(t *testing.T) {
	env, b := newEnv(t)
	r := configure(t, NewPowerOffATCalSys(1, env), "")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"turnLampOff", "closeShutter", "stopChiller"}
	if diff := cmp.Diff(want, b.CSC("ATWhiteLight", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	want = []string{"Turning lamp off", "Closing the shutter", "Waiting for lamp to cool down", "Stopping chiller"}
	if diff := cmp.Diff(want, r.checkpoints()); diff != "" {
		t.Error(diff)
	}
}
