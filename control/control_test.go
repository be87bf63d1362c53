package control_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/sim"
)

func observatory(t *testing.T) *sim.Bus {
	t.Helper()
	return sim.Observatory(t.TempDir(), time.Millisecond)
}

func TestGroupEnableWithOverrides(t *testing.T) {
	b := observatory(t)
	b.CSC("ATAOS", 0).SetState(sal.Standby)
	ctx := context.Background()
	g, err := control.DialGroup(ctx, b, "test", "ATAOS", "ATHexapod")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ataos", "athexapod"}, g.Components()); diff != "" {
		t.Error(diff)
	}
	if err := g.AssertAllEnabled(ctx); !errors.Is(err, control.ErrNotEnabled) {
		t.Errorf("got %v, want ErrNotEnabled", err)
	}
	if err := g.Enable(ctx, map[string]string{"ataos": "night.yaml"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AssertAllEnabled(ctx); err != nil {
		t.Error(err)
	}
	applied, _ := b.CSC("ATAOS", 0).Event("configurationApplied").Get()
	if applied["configurations"] != "night.yaml" {
		t.Errorf("override not passed: %v", applied)
	}
}

func TestGroupIgnoresDisabledChecks(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	g, err := control.DialGroup(ctx, b, "test", "ATAOS", "Missing:3")
	if err != nil {
		t.Fatal(err)
	}
	g.DisableChecksForComponents([]string{"missing_3", "notthere"})
	if g.Checked("missing_3") {
		t.Fatal("missing_3 still checked")
	}
	if err := g.Offline(ctx); err != nil {
		t.Fatal(err)
	}
	if st := b.CSC("ATAOS", 0).State(); st != sal.Offline {
		t.Errorf("ATAOS in %s", st)
	}
}

func TestGroupJoinsEveryFailure(t *testing.T) {
	b := observatory(t)
	b.CSC("ATAOS", 0).SetState(sal.Disabled)
	b.CSC("ATPneumatics", 0).SetState(sal.Standby)
	ctx := context.Background()
	g, err := control.DialGroup(ctx, b, "test", "ATAOS", "ATHexapod", "ATPneumatics")
	if err != nil {
		t.Fatal(err)
	}
	err = g.AssertAllEnabled(ctx)
	if !errors.Is(err, control.ErrNotEnabled) {
		t.Fatalf("got %v, want ErrNotEnabled", err)
	}
	want := "component not enabled: ataos is DISABLED\ncomponent not enabled: atpneumatics is STANDBY"
	if diff := cmp.Diff(want, err.Error()); diff != "" {
		t.Error(diff)
	}
}

func TestGroupLiveliness(t *testing.T) {
	b := observatory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Heartbeats(ctx, 2*time.Millisecond)
	g, err := control.DialGroup(ctx, b, "test", "ATDome", "Scheduler:2")
	if err != nil {
		t.Fatal(err)
	}
	if err := g.AssertLiveliness(ctx, time.Second); err != nil {
		t.Error(err)
	}
	g2, _ := control.DialGroup(ctx, b, "test", "Ghost")
	if err := g2.AssertLiveliness(ctx, 20*time.Millisecond); !errors.Is(err, sal.ErrTimeout) {
		t.Errorf("got %v, want timeout", err)
	}
}

func doorState(t *testing.T, c *sim.CSC, topic string) enum.ShutterState {
	t.Helper()
	s, ok := c.Event(topic).Get()
	if !ok {
		t.Fatalf("no %s", topic)
	}
	v, _ := s.Int("state")
	return enum.ShutterState(v)
}

func TestATCSDome(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	atcs, err := control.NewATCS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	dome := b.CSC("ATDome", 0)
	if err := atcs.OpenDome(ctx); err != nil {
		t.Fatal(err)
	}
	if st := doorState(t, dome, "mainDoorState"); st != enum.ShutterOpened {
		t.Errorf("main door %s", st)
	}
	n := len(dome.Commands())
	if err := atcs.OpenDome(ctx); err != nil {
		t.Fatal(err)
	}
	if len(dome.Commands()) != n {
		t.Error("opening an open dome sent a command")
	}
	if err := atcs.OpenDropoutDoor(ctx); err != nil {
		t.Fatal(err)
	}
	if err := atcs.CloseDropoutDoor(ctx); err != nil {
		t.Fatal(err)
	}
	if st := doorState(t, dome, "dropoutDoorState"); st != enum.ShutterClosed {
		t.Errorf("dropout door %s", st)
	}
	if err := atcs.SlewDomeTo(ctx, -90); err != nil {
		t.Fatal(err)
	}
	pos, _ := dome.Telemetry("position").Get()
	if az, _ := pos.Float("azimuthPosition"); az != 270 {
		t.Errorf("dome at %g, want 270", az)
	}
	follow, _ := b.CSC("ATDomeTrajectory", 0).Event("followingMode").Get()
	if on, _ := follow.Bool("enabled"); on {
		t.Error("dome following left on")
	}
	if err := atcs.HomeDome(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestATCSPointAndOffset(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	atcs, err := control.NewATCS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := atcs.PointAzEl(ctx, 180, 45, 0, "test", true, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := atcs.SlewICRS(ctx, 1.5, -30, 0, "star"); err != nil {
		t.Fatal(err)
	}
	if err := atcs.SlewObject(ctx, "HD 164461", 0); !errors.Is(err, control.ErrUnresolved) {
		t.Errorf("got %v, want ErrUnresolved", err)
	}
	atcs.Resolver = func(ctx context.Context, name string) (float64, float64, error) { return 2, -40, nil }
	if err := atcs.SlewObject(ctx, "HD 164461", 0); err != nil {
		t.Fatal(err)
	}
	if err := atcs.OffsetXY(ctx, 10, -5, true, true); err != nil {
		t.Fatal(err)
	}
	if err := atcs.ResetOffsets(ctx, true, true); err != nil {
		t.Fatal(err)
	}
	want := []string{"azElTarget", "raDecTarget", "raDecTarget", "poriginOffset", "poriginAbsorb",
		"offsetClear", "poriginClear", "offsetClear", "poriginClear"}
	if diff := cmp.Diff(want, b.CSC("ATPtg", 0).CommandNames()); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	last := b.CSC("ATPtg", 0).Commands()[2]
	if last.Params["targetName"] != "HD 164461" || last.Params["ra"] != 2.0 {
		t.Errorf("resolved slew params %v", last.Params)
	}
}

func TestATCSShutdownAndVent(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	atcs, err := control.NewATCS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	atcs.Now = func() time.Time { return time.Date(2026, 12, 21, 20, 0, 0, 0, time.UTC) }
	if err := atcs.PrepareForVent(ctx, true); err != nil {
		t.Fatal(err)
	}
	dome := b.CSC("ATDome", 0)
	if st := doorState(t, dome, "mainDoorState"); st != enum.ShutterPartiallyOpened {
		t.Errorf("main door %s", st)
	}
	if st := doorState(t, dome, "dropoutDoorState"); st != enum.ShutterOpened {
		t.Errorf("dropout door %s", st)
	}
	_, domeAz := atcs.VentAzimuth()
	pos, _ := dome.Telemetry("position").Get()
	if az, _ := pos.Float("azimuthPosition"); az != domeAz {
		t.Errorf("dome at %g, want %g", az, domeAz)
	}

	if err := atcs.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if st := doorState(t, dome, "mainDoorState"); st != enum.ShutterClosed {
		t.Errorf("main door %s after shutdown", st)
	}
	pos, _ = dome.Telemetry("position").Get()
	if az, _ := pos.Float("azimuthPosition"); az != control.ATDomeParkAz {
		t.Errorf("dome parked at %g", az)
	}
}

func TestATCSShutdownStopsOnFailure(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	atcs, err := control.NewATCS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	b.CSC("ATPneumatics", 0).Fail("closeM1Cover", errors.New("stuck"))
	err = atcs.Shutdown(ctx)
	var ae *sal.AckError
	if !errors.As(err, &ae) {
		t.Fatalf("got %v, want an AckError", err)
	}
	if n := len(b.CSC("ATDome", 0).Commands()); n != 0 {
		t.Errorf("dome got %d commands after the failure", n)
	}
}

func TestMTCS(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	mtcs, err := control.NewMTCS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := mtcs.RaiseM1M3(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mtcs.RaiseM1M3(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"raiseM1M3"}, b.CSC("MTM1M3", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if err := mtcs.LowerM1M3(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mtcs.MoveRotator(ctx, 10, true); err != nil {
		t.Fatal(err)
	}
	if err := mtcs.OffsetCameraHexapod(ctx, control.HexapodPosition{Z: 100}, true); err != nil {
		t.Fatal(err)
	}
	hex := b.CSC("MTHexapod", 1).Commands()
	if len(hex) != 1 || hex[0].Cmd != "offset" || hex[0].Params["z"] != 100.0 {
		t.Errorf("hexapod commands %v", hex)
	}
	if err := mtcs.HomeDome(ctx, 32); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"moveAz", "setZeroAz"}, b.CSC("MTDome", 0).CommandNames()); diff != "" {
		t.Error(diff)
	}
	if err := mtcs.ParkMount(ctx, control.ParkHorizon); err != nil {
		t.Fatal(err)
	}
}

func TestLATISSTakeImages(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	latiss, err := control.NewLATISS(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	stage := 60.0
	names, err := latiss.TakeImages(ctx, control.Exposure{
		ImageType:   "FLAT",
		ExpTime:     0.5,
		N:           2,
		GroupID:     "g1",
		Filter:      "RG610",
		Grating:     "empty_1",
		LinearStage: &stage,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] == names[1] {
		t.Errorf("image names %v", names)
	}
	f, _ := b.CSC("ATSpectrograph", 0).Event("reportedFilterPosition").Get()
	if f["name"] != "RG610" {
		t.Errorf("filter %v", f)
	}
	cmd := b.CSC("ATCamera", 0).Commands()[0]
	if cmd.Params["shutter"] != true || cmd.Params["keyValueMap"] != "imageType: FLAT, groupId: g1" {
		t.Errorf("takeImages params %v", cmd.Params)
	}
	if _, err := latiss.TakeImages(ctx, control.Exposure{ImageType: "SELFIE"}); err == nil {
		t.Error("bad image type accepted")
	}
}

func TestComCamHasNoGrating(t *testing.T) {
	b := observatory(t)
	ctx := context.Background()
	cc, err := control.NewComCam(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := cc.Setup(ctx, "r_03", "blue", nil); err == nil {
		t.Error("grating accepted by ComCam")
	}
	if _, err := cc.TakeImages(ctx, control.Exposure{ImageType: "BIAS"}); err != nil {
		t.Fatal(err)
	}
	if shutter := b.CSC("CCCamera", 0).Commands()[0].Params["shutter"]; shutter != false {
		t.Error("bias opened the shutter")
	}
}

func TestSunAzEl(t *testing.T) {
	// solar noon close to the December solstice
	_, el := control.SunAzEl(time.Date(2026, 12, 21, 16, 42, 0, 0, time.UTC), control.CerroPachon)
	if el < 80 || el > 86 {
		t.Errorf("noon elevation %g", el)
	}
	_, el = control.SunAzEl(time.Date(2026, 12, 21, 4, 42, 0, 0, time.UTC), control.CerroPachon)
	if el > -30 {
		t.Errorf("midnight elevation %g", el)
	}
}
