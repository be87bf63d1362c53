package scripts_test

import (
	"context"
	"errors"
	"fmt"
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

// configure binds s to a runner and configures it.  The returned func
// lists the checkpoints passed so far.
func configure(t *testing.T, s script.Script, cfg string) (*script.Runner, func() []string) {
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
	return r, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), cps...)
	}
}

func expectConfigureError(t *testing.T, s script.Script, cfg string) error {
	t.Helper()
	err := script.NewRunner(s).Configure(context.Background(), cfg)
	if err == nil {
		t.Fatalf("configuration %q accepted", cfg)
	}
	return err
}

func TestSleep(t *testing.T) {
	env, _ := newEnv(t)
	s := scripts.NewSleep(1, env)
	r, cps := configure(t, s, "sleep_for: 0.01")
	if d := r.Info().Metadata.Duration; d != 10*time.Millisecond {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Sleep for 0.01 seconds..."}, cps()); diff != "" {
		t.Error(diff)
	}
}

func TestSleepSchema(t *testing.T) {
	env, _ := newEnv(t)
	for _, cfg := range []string{"", "sleep_for: -1", "sleep_for: 1\nextra: 2"} {
		err := expectConfigureError(t, scripts.NewSleep(1, env), cfg)
		var ee *script.ExpectedError
		if !errors.As(err, &ee) {
			t.Errorf("%q: got %v, want ExpectedError", cfg, err)
		}
	}
}

func TestSetSummaryState(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATHexapod", 0).SetState(sal.Standby)
	s := scripts.NewSetSummaryState(1, env)
	cfg := `
data:
  - [ATAOS, STANDBY]
  - [ATHexapod, ENABLED, night.yaml]
  - [ATAOS, OFFLINE]
`
	r, cps := configure(t, s, cfg)
	if d := r.Info().Metadata.Duration; d != 6*time.Second {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := b.CSC("ATAOS", 0).State(); st != sal.Offline {
		t.Errorf("ATAOS in %s", st)
	}
	if st := b.CSC("ATHexapod", 0).State(); st != sal.Enabled {
		t.Errorf("ATHexapod in %s", st)
	}
	applied, _ := b.CSC("ATHexapod", 0).Event("configurationApplied").Get()
	if applied["configurations"] != "night.yaml" {
		t.Errorf("override not applied: %v", applied)
	}
	want := []string{"set ATAOS:0", "set ATHexapod:0", "set ATAOS:0"}
	if diff := cmp.Diff(want, cps()); diff != "" {
		t.Error(diff)
	}
}

func TestParseStateTarget(t *testing.T) {
	tgt, err := scripts.ParseStateTarget([]string{"MTHexapod:2", "disabled"})
	if err != nil {
		t.Fatal(err)
	}
	want := scripts.StateTarget{Name: "MTHexapod", Index: 2, State: sal.Disabled}
	if diff := cmp.Diff(want, tgt); diff != "" {
		t.Error(diff)
	}
	for _, elt := range [][]string{{"ATDome", "FAULT"}, {"ATDome", "sleeping"}, {"AT Dome", "ENABLED"}, {"ATDome"}} {
		if _, err := scripts.ParseStateTarget(elt); err == nil {
			t.Errorf("%v accepted", elt)
		}
	}
}

func TestRunCommand(t *testing.T) {
	env, b := newEnv(t)
	s := scripts.NewRunCommand(1, env).(*scripts.RunCommand)
	cfg := `
component: ATDome
cmd: moveShutterDropoutDoor
event: dropoutDoorState
parameters:
  open: true
  timeout: 5
`
	r, cps := configure(t, s, cfg)
	if d := r.Info().Metadata.Duration; d != 35*time.Second {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"run ATDome:0:moveShutterDropoutDoor", "wait ATDome:0:dropoutDoorState"}, cps()); diff != "" {
		t.Error(diff)
	}
	cmds := b.CSC("ATDome", 0).Commands()
	last := cmds[len(cmds)-1]
	if diff := cmp.Diff(sim.Invocation{Cmd: "moveShutterDropoutDoor", Params: sal.Params{"open": true}}, last); diff != "" {
		t.Error(diff)
	}
	if v, _ := s.Received.Int("state"); enum.ShutterState(v) != enum.ShutterOpening {
		t.Errorf("received %v", s.Received)
	}
}

func TestRunCommandRejected(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATDome", 0).Fail("homeAzimuth", errors.New("motor fault"))
	r, _ := configure(t, scripts.NewRunCommand(1, env), "component: ATDome\ncmd: homeAzimuth")
	if d := r.Info().Metadata.Duration; d != 0 {
		t.Errorf("duration without event %v", d)
	}
	var ae *sal.AckError
	if err := r.Run(context.Background()); !errors.As(err, &ae) || ae.Ack.Code != sal.AckFailed {
		t.Errorf("got %v, want a FAILED ack", err)
	}
	if st := r.Info().State; st != script.Failed {
		t.Errorf("state %s", st)
	}
}

func TestPauseQueue(t *testing.T) {
	env, b := newEnv(t)
	r, _ := configure(t, scripts.NewPauseQueue(1, env), "queue: AUX_TEL")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"pause"}, b.CSC("ScriptQueue", enum.AuxTelQueue).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if n := len(b.CSC("ScriptQueue", enum.MainTelQueue).Commands()); n != 0 {
		t.Errorf("main queue got %d commands", n)
	}
	expectConfigureError(t, scripts.NewPauseQueue(1, env), "queue: OTHER")
}

func TestMuteAlarms(t *testing.T) {
	env, b := newEnv(t)
	r, _ := configure(t, scripts.NewMuteAlarms(1, env), "name: Enabled.ATDome\nmutedBy: night crew\nseverity: Warning")
	if d := r.Info().Metadata.Duration; d != 300*time.Second {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "mute", Params: sal.Params{
		"name":     "Enabled.ATDome",
		"duration": 300.0,
		"severity": int(enum.SeverityWarning),
		"mutedBy":  "night crew",
	}}}
	if diff := cmp.Diff(want, b.CSC("Watcher", 0).Commands()); diff != "" {
		t.Error(diff)
	}
	expectConfigureError(t, scripts.NewMuteAlarms(1, env), "name: x")
	expectConfigureError(t, scripts.NewMuteAlarms(1, env), "name: x\nmutedBy: y\nseverity: Loud")
}

func shutdownScript(env scripts.Env) *scripts.SystemWideShutdown {
	env.Components = []string{"ATAOS", "ATHexapod", "ATDome", "Ghost:4", "Watcher", "ScriptQueue:1", "Script:100001"}
	s := scripts.NewSystemWideShutdown(1, env).(*scripts.SystemWideShutdown)
	s.HeartbeatTimeout = 20 * time.Millisecond
	return s
}

func TestSystemWideShutdown(t *testing.T) {
	env, b := newEnv(t)
	s := shutdownScript(env)
	r, cps := configure(t, s, "user: tester\nreason: end of run\nignore: [Watcher]\nstart_with: [ATDome]\nend_with: [ATAOS]")
	b.Beat()
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"Shutdown :: Requested by tester. Reason: end of run. Found 4 running components.",
		"Shutdown :: Start with components.",
		"Shutdown :: Running components.",
		"Shutdown :: End with components.",
	}
	if diff := cmp.Diff(want, cps()); diff != "" {
		t.Error(diff)
	}
	for _, name := range []string{"ATAOS", "ATHexapod", "ATDome"} {
		if st := b.CSC(name, 0).State(); st != sal.Offline {
			t.Errorf("%s in %s", name, st)
		}
	}
	if st := b.CSC("Watcher", 0).State(); st != sal.Enabled {
		t.Errorf("ignored Watcher in %s", st)
	}
	if st := b.CSC("ScriptQueue", 1).State(); st != sal.Enabled {
		t.Errorf("ScriptQueue in %s", st)
	}
}

func TestSystemWideShutdownReportsFailures(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATHexapod", 0).Fail("disable", errors.New("stuck"))
	s := shutdownScript(env)
	r, _ := configure(t, s, "user: tester\nreason: test")
	b.Beat()
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("shutdown with a stuck component succeeded")
	}
	if _, ok := s.Failed["ATHexapod:0"]; !ok || len(s.Failed) != 1 {
		t.Errorf("failed %v", s.Failed)
	}
	if st := b.CSC("ATDome", 0).State(); st != sal.Offline {
		t.Errorf("ATDome in %s", st)
	}
}

func TestEnableGroup(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATAOS", 0).SetState(sal.Standby)
	b.CSC("ATPneumatics", 0).SetState(sal.Standby)
	s := scripts.NewEnableGroup(1, env, "enable_atcs", "ATCS", control.ATCSComponents)
	r, _ := configure(t, s, "ignore: [atpneumatics]\nataos: night.yaml")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := b.CSC("ATAOS", 0).State(); st != sal.Enabled {
		t.Errorf("ATAOS in %s", st)
	}
	if st := b.CSC("ATPneumatics", 0).State(); st != sal.Standby {
		t.Errorf("ignored ATPneumatics in %s", st)
	}
	applied, _ := b.CSC("ATAOS", 0).Event("configurationApplied").Get()
	if applied["configurations"] != "night.yaml" {
		t.Errorf("override not applied: %v", applied)
	}
	expectConfigureError(t, scripts.NewEnableGroup(1, env, "enable_atcs", "ATCS", control.ATCSComponents), "atcamera: x")
}

func TestStandbyAndOfflineGroup(t *testing.T) {
	env, b := newEnv(t)
	expectConfigureError(t, scripts.NewStandbyGroup(1, env, "standby_latiss", "LATISS", control.LATISSComponents), "atcamera: x")
	r, _ := configure(t, scripts.NewOfflineGroup(1, env, "offline_latiss", "LATISS", control.LATISSComponents), "ignore: [atoods]")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ATCamera", "ATSpectrograph", "ATHeaderService"} {
		if st := b.CSC(name, 0).State(); st != sal.Offline {
			t.Errorf("%s in %s", name, st)
		}
	}
	if st := b.CSC("ATOODS", 0).State(); st != sal.Enabled {
		t.Errorf("ATOODS in %s", st)
	}
}

func TestSlewICRS(t *testing.T) {
	env, b := newEnv(t)
	r, _ := configure(t, scripts.NewSlew(1, env, "slew", scripts.AuxTelTCS), "ra: 1.5\ndec: -30\ntarget_name: HD 1")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []sim.Invocation{{Cmd: "raDecTarget", Params: sal.Params{
		"targetName":  "HD 1",
		"ra":          1.5,
		"declination": -30.0,
		"rotPA":       0.0,
		"rotFrame":    "target",
	}}}
	if diff := cmp.Diff(want, b.CSC("ATPtg", 0).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestSlewFailureStopsTracking(t *testing.T) {
	env, b := newEnv(t)
	r, _ := configure(t, scripts.NewSlew(1, env, "slew", scripts.AuxTelTCS), "target_name: M31")
	if err := r.Run(context.Background()); !errors.Is(err, control.ErrUnresolved) {
		t.Fatalf("got %v, want ErrUnresolved", err)
	}
	if diff := cmp.Diff([]string{"stopTracking"}, b.CSC("ATPtg", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
}

func TestSlewResolver(t *testing.T) {
	env, b := newEnv(t)
	env.Resolver = func(ctx context.Context, name string) (float64, float64, error) { return 0.7, 41.3, nil }
	r, _ := configure(t, scripts.NewSlew(1, env, "slew", scripts.MainTelTCS), "target_name: M31\nrot_value: 12")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	cmds := b.CSC("MTPtg", 0).Commands()
	if len(cmds) != 1 || cmds[0].Params["ra"] != 0.7 || cmds[0].Params["rotPA"] != 12.0 {
		t.Errorf("commands %v", cmds)
	}
}

func TestSlewSchema(t *testing.T) {
	env, _ := newEnv(t)
	for _, cfg := range []string{"", "ra: 1", "ra: 25\ndec: 0", "ra: 1\ndec: 0\nrot_strategy: parallactic"} {
		expectConfigureError(t, scripts.NewSlew(1, env, "slew", scripts.AuxTelTCS), cfg)
	}
	err := expectConfigureError(t, scripts.NewSlew(1, env, "slew", scripts.AuxTelTCS), "ra: 1\ndec: 0\nrot_strategy: physical_sky")
	if !errors.Is(err, scripts.ErrNotImplemented) {
		t.Errorf("got %v, want ErrNotImplemented", err)
	}
}

type obsIDs struct{}

func (obsIDs) NextObsID(ctx context.Context, ticket int) (string, error) {
	return fmt.Sprintf("BL%d_O_20261019_000001", ticket), nil
}

func TestPointAzEl(t *testing.T) {
	env, b := newEnv(t)
	env.ObsIDs = obsIDs{}
	s := scripts.NewPointAzEl(1, env, "point_azel", scripts.AuxTelTCS)
	r, cps := configure(t, s, "az: 10\nel: 45\nprogram: BLOCK-12\nreason: checkout")
	if d := r.Info().Metadata.Duration; d != 240*time.Second {
		t.Errorf("duration %v", d)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	names := b.CSC("ATPtg", 0).CommandNames()
	if len(names) < 2 || names[0] != "azElTarget" || names[1] != "stopTracking" {
		t.Errorf("commands %v", names)
	}
	want := []string{
		"PointAzEl BLOCK-12 BL12_O_20261019_000001 checkout: Start",
		"PointAzEl BLOCK-12 BL12_O_20261019_000001 checkout: Done",
	}
	if diff := cmp.Diff(want, cps()); diff != "" {
		t.Error(diff)
	}
	expectConfigureError(t, scripts.NewPointAzEl(1, env, "point_azel", scripts.AuxTelTCS), "az: 10\nel: 95")
}

func TestPointAzElNotEnabled(t *testing.T) {
	env, b := newEnv(t)
	b.CSC("ATAOS", 0).SetState(sal.Disabled)
	r, _ := configure(t, scripts.NewPointAzEl(1, env, "point_azel", scripts.AuxTelTCS), "az: 10\nel: 45")
	if err := r.Run(context.Background()); !errors.Is(err, control.ErrNotEnabled) {
		t.Fatalf("got %v, want ErrNotEnabled", err)
	}
	r, _ = configure(t, scripts.NewPointAzEl(2, env, "point_azel", scripts.AuxTelTCS), "az: 10\nel: 45\nignore: [ataos]")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestOffset(t *testing.T) {
	env, b := newEnv(t)
	r, cps := configure(t, scripts.NewOffset(1, env, "offset_atcs", scripts.AuxTelTCS), "offset_azel: {az: 10, el: -5}\nabsorb: true")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Offset azel: az=10, el=-5"}, cps()); diff != "" {
		t.Error(diff)
	}
	want := []sim.Invocation{
		{Cmd: "offsetAzEl", Params: sal.Params{"az": 10.0, "el": -5.0, "num": 0}},
		{Cmd: "poriginAbsorb", Params: sal.Params{"num": 0}},
	}
	if diff := cmp.Diff(want, b.CSC("ATPtg", 0).Commands()); diff != "" {
		t.Error(diff)
	}
}

func TestOffsetPAAndReset(t *testing.T) {
	env, b := newEnv(t)
	r, _ := configure(t, scripts.NewOffset(1, env, "offset_mtcs", scripts.MainTelTCS), "offset_pa: {angle: 0, radius: 10}")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	r, _ = configure(t, scripts.NewOffset(2, env, "offset_mtcs", scripts.MainTelTCS), "reset_offsets: {reset_absorbed: true, reset_non_absorbed: false}")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"offsetRADec", "offsetClear", "poriginClear"}
	if diff := cmp.Diff(want, b.CSC("MTPtg", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
}

func TestOffsetSchema(t *testing.T) {
	env, _ := newEnv(t)
	for _, cfg := range []string{
		"",
		"offset_azel: {az: 1}",
		"offset_azel: {az: 1, el: 1}\noffset_rot: {rot: 1}",
		"relative: false",
	} {
		expectConfigureError(t, scripts.NewOffset(1, env, "offset_atcs", scripts.AuxTelTCS), cfg)
	}
}

func TestStopTracking(t *testing.T) {
	env, b := newEnv(t)
	r, cps := configure(t, scripts.NewStopTracking(1, env, "stop_tracking", scripts.AuxTelTCS), "")
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Stop tracking", "Done"}, cps()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]string{"stopTracking"}, b.CSC("ATPtg", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	expectConfigureError(t, scripts.NewStopTracking(1, env, "stop_tracking", scripts.AuxTelTCS), "x: 1")
}

func TestTakeImage(t *testing.T) {
	env, b := newEnv(t)
	s := scripts.NewTakeImage(1, env, "take_image", scripts.LATISS, "", nil)
	r, cps := configure(t, s, "image_type: BIAS\nnimages: 3\ngroup_id: g1")
	md := r.Info().Metadata
	if md.NImages != 3 || md.Instrument != "LATISS" || md.Duration != 3*(2*time.Second+2*time.Second) {
		t.Errorf("metadata %+v", md)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"exposure 1 of 3", "exposure 2 of 3", "exposure 3 of 3"}, cps()); diff != "" {
		t.Error(diff)
	}
	if len(s.ImageNames) != 3 {
		t.Errorf("images %v", s.ImageNames)
	}
	cmds := b.CSC("ATCamera", 0).Commands()
	if len(cmds) != 3 {
		t.Fatalf("commands %v", cmds)
	}
	want := sal.Params{"numImages": 1, "expTime": 0.0, "shutter": false, "keyValueMap": "imageType: BIAS, groupId: g1"}
	if diff := cmp.Diff(want, cmds[0].Params); diff != "" {
		t.Error(diff)
	}
}

func TestTakeImageExposureList(t *testing.T) {
	env, _ := newEnv(t)
	s := scripts.NewTakeImage(1, env, "take_image", scripts.ComCam, "", nil)
	configure(t, s, "image_type: FLAT\nexp_times: [1, 2.5]")
	if diff := cmp.Diff([]float64{1, 2.5}, s.ExpTimes); diff != "" {
		t.Error(diff)
	}
	if s.GroupID == "" {
		t.Error("no default group id")
	}
	for _, cfg := range []string{
		"exp_times: 1",
		"image_type: FOO",
		"image_type: DARK\nnimages: 3\nexp_times: [1, 2]",
		"image_type: DARK\nexp_times: -1",
		"image_type: DARK\nnimages: 0",
	} {
		expectConfigureError(t, scripts.NewTakeImage(1, env, "take_image", scripts.ComCam, "", nil), cfg)
	}
}
