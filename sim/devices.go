package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/sal"
)

// DefaultStep is the simulated time of one device motion step
const DefaultStep = 10 * time.Millisecond

// later runs f after d without blocking the command
func later(d time.Duration, f func()) {
	go func() {
		time.Sleep(d)
		f()
	}()
}

func param(p sal.Params, key string) float64 {
	f, _ := sal.Sample(p).Float(key)
	return f
}

func paramBool(p sal.Params, key string) bool {
	b, _ := p[key].(bool)
	return b
}

// WhiteLight simulates ATWhiteLight: a chiller that settles toward its
// set temperature one degree per step, and a lamp that takes
// WarmupSteps to turn on or off
type WhiteLight struct {
	*CSC
	Step        time.Duration
	WarmupSteps int
	Ambient     float64

	mu       sync.Mutex
	setTemp  float64
	supply   float64
	stopChil chan struct{}
}

// NewWhiteLight returns an enabled ATWhiteLight
func NewWhiteLight(step time.Duration) *WhiteLight {
	w := &WhiteLight{
		CSC:         NewCSC("ATWhiteLight", 0, sal.Enabled),
		Step:        step,
		WarmupSteps: 3,
		Ambient:     25,
		setTemp:     20,
		supply:      25,
	}
	w.PublishEvent("lampState", sal.Sample{"basicState": int(enum.LampOff)})
	w.Handle("setChillerTemperature", func(ctx context.Context, c *CSC, p sal.Params) error {
		w.mu.Lock()
		w.setTemp = param(p, "temperature")
		w.mu.Unlock()
		return nil
	})
	w.Handle("startChiller", func(ctx context.Context, c *CSC, p sal.Params) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.stopChil == nil {
			w.stopChil = make(chan struct{})
			go w.chill(w.stopChil)
		}
		return nil
	})
	w.Handle("stopChiller", func(ctx context.Context, c *CSC, p sal.Params) error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.stopChil != nil {
			close(w.stopChil)
			w.stopChil = nil
		}
		return nil
	})
	for cmd, st := range map[string]enum.ShutterState{"openShutter": enum.ShutterOpened, "closeShutter": enum.ShutterClosed} {
		st := st
		w.Handle(cmd, func(ctx context.Context, c *CSC, p sal.Params) error {
			c.PublishEvent("shutterState", sal.Sample{"commandedState": int(st), "actualState": int(st)})
			return nil
		})
	}
	w.Handle("turnLampOn", func(ctx context.Context, c *CSC, p sal.Params) error {
		w.lamp(enum.LampWarmup, enum.LampOn)
		return nil
	})
	w.Handle("turnLampOff", func(ctx context.Context, c *CSC, p sal.Params) error {
		w.lamp(enum.LampCooldown, enum.LampOff)
		return nil
	})
	return w
}

func (w *WhiteLight) lamp(transient, final enum.LampBasicState) {
	w.PublishEvent("lampState", sal.Sample{"basicState": int(transient)})
	later(time.Duration(w.WarmupSteps)*w.Step, func() {
		w.PublishEvent("lampState", sal.Sample{"basicState": int(final)})
	})
}

func (w *WhiteLight) chill(stop chan struct{}) {
	t := time.NewTicker(w.Step)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		w.mu.Lock()
		d := w.setTemp - w.supply
		if math.Abs(d) > 1 {
			d = math.Copysign(1, d)
		}
		w.supply += d
		s := sal.Sample{
			"setTemperature":     w.setTemp,
			"supplyTemperature":  w.supply,
			"returnTemperature":  w.supply + 1,
			"ambientTemperature": w.Ambient,
		}
		w.mu.Unlock()
		w.PublishTelemetry("chillerTemperatures", s)
	}
}

// NewMonochromator returns an enabled ATMonochromator that reports
// every setup it is given
func NewMonochromator() *CSC {
	c := NewCSC("ATMonochromator", 0, sal.Enabled)
	c.Handle("updateMonochromatorSetup", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.PublishEvent("selectedGrating", sal.Sample{"gratingType": int(param(p, "gratingType"))})
		c.PublishEvent("wavelength", sal.Sample{"wavelength": param(p, "wavelength")})
		c.PublishEvent("entrySlitWidth", sal.Sample{"width": param(p, "fontEntranceSlitWidth")})
		c.PublishEvent("exitSlitWidth", sal.Sample{"width": param(p, "fontExitSlitWidth")})
		return nil
	})
	return c
}

// NewTelescope returns a pointing component and the mount it drives.
// Target commands make the mount report allAxesInPosition false and
// then, one step later, true.
func NewTelescope(ptgName, mountName string, step time.Duration) (ptg, mount *CSC) {
	ptg = NewCSC(ptgName, 0, sal.Enabled)
	mount = NewCSC(mountName, 0, sal.Enabled)
	mount.PublishEvent("allAxesInPosition", sal.Sample{"inPosition": false})
	slew := func(ctx context.Context, c *CSC, p sal.Params) error {
		c.Set("tracking", true)
		mount.PublishEvent("allAxesInPosition", sal.Sample{"inPosition": false})
		later(step, func() {
			mount.PublishEvent("allAxesInPosition", sal.Sample{"inPosition": true})
		})
		return nil
	}
	for _, cmd := range []string{"raDecTarget", "azElTarget", "planetTarget"} {
		ptg.Handle(cmd, slew)
	}
	ptg.Handle("stopTracking", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.Set("tracking", false)
		return nil
	})
	return ptg, mount
}

// NewATDome returns an enabled ATDome with azimuth, main door and
// dropout door motions that complete in one step
func NewATDome(step time.Duration) *CSC {
	d := NewCSC("ATDome", 0, sal.Enabled)
	d.PublishEvent("mainDoorState", sal.Sample{"state": int(enum.ShutterClosed)})
	d.PublishEvent("dropoutDoorState", sal.Sample{"state": int(enum.ShutterClosed)})
	d.PublishEvent("azimuthInPosition", sal.Sample{"inPosition": true})
	d.PublishTelemetry("position", sal.Sample{"azimuthPosition": 0.0})

	door := func(topic string, moving, final enum.ShutterState) {
		d.PublishEvent(topic, sal.Sample{"state": int(moving)})
		later(step, func() { d.PublishEvent(topic, sal.Sample{"state": int(final)}) })
	}
	d.Handle("moveAzimuth", func(ctx context.Context, c *CSC, p sal.Params) error {
		az := param(p, "azimuth")
		c.PublishEvent("azimuthCommandedState", sal.Sample{"azimuth": az})
		c.PublishEvent("azimuthInPosition", sal.Sample{"inPosition": false})
		later(step, func() {
			c.PublishTelemetry("position", sal.Sample{"azimuthPosition": az})
			c.PublishEvent("azimuthInPosition", sal.Sample{"inPosition": true})
		})
		return nil
	})
	d.Handle("homeAzimuth", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.PublishEvent("azimuthState", sal.Sample{"homing": true})
		later(step, func() {
			c.PublishTelemetry("position", sal.Sample{"azimuthPosition": 0.0})
			c.PublishEvent("azimuthState", sal.Sample{"homing": false})
		})
		return nil
	})
	d.Handle("openShutter", func(ctx context.Context, c *CSC, p sal.Params) error {
		door("mainDoorState", enum.ShutterOpening, enum.ShutterOpened)
		return nil
	})
	d.Handle("closeShutter", func(ctx context.Context, c *CSC, p sal.Params) error {
		door("mainDoorState", enum.ShutterClosing, enum.ShutterClosed)
		return nil
	})
	d.Handle("moveShutterMainDoor", func(ctx context.Context, c *CSC, p sal.Params) error {
		if paramBool(p, "open") {
			door("mainDoorState", enum.ShutterOpening, enum.ShutterPartiallyOpened)
		} else {
			door("mainDoorState", enum.ShutterClosing, enum.ShutterClosed)
		}
		return nil
	})
	d.Handle("moveShutterDropoutDoor", func(ctx context.Context, c *CSC, p sal.Params) error {
		if paramBool(p, "open") {
			door("dropoutDoorState", enum.ShutterOpening, enum.ShutterOpened)
		} else {
			door("dropoutDoorState", enum.ShutterClosing, enum.ShutterClosed)
		}
		return nil
	})
	return d
}

// NewFollower returns a dome trajectory component that records its
// following mode
func NewFollower(name string) *CSC {
	c := NewCSC(name, 0, sal.Enabled)
	c.Handle("setFollowingMode", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.PublishEvent("followingMode", sal.Sample{"enabled": paramBool(p, "enable")})
		return nil
	})
	return c
}

// NewInPositionDevice returns a component whose commands in cmds make it
// publish inPosition false and then true one step later.  Used for
// hexapods and rotators.
func NewInPositionDevice(name string, index int, step time.Duration, cmds ...string) *CSC {
	c := NewCSC(name, index, sal.Enabled)
	c.PublishEvent("inPosition", sal.Sample{"inPosition": true})
	for _, cmd := range cmds {
		c.Handle(cmd, func(ctx context.Context, c *CSC, p sal.Params) error {
			c.PublishEvent("inPosition", sal.Sample{"inPosition": false})
			later(step, func() { c.PublishEvent("inPosition", sal.Sample{"inPosition": true}) })
			return nil
		})
	}
	return c
}

// NewM1M3 returns an enabled MTM1M3 parked on its static supports
func NewM1M3(step time.Duration) *CSC {
	c := NewCSC("MTM1M3", 0, sal.Enabled)
	c.PublishEvent("detailedState", sal.Sample{"detailedState": int(enum.M1M3Parked)})
	move := func(moving, final enum.M1M3DetailedState) Handler {
		return func(ctx context.Context, c *CSC, p sal.Params) error {
			c.PublishEvent("detailedState", sal.Sample{"detailedState": int(moving)})
			later(step, func() { c.PublishEvent("detailedState", sal.Sample{"detailedState": int(final)}) })
			return nil
		}
	}
	c.Handle("raiseM1M3", move(enum.M1M3Raising, enum.M1M3Active))
	c.Handle("lowerM1M3", move(enum.M1M3Lowering, enum.M1M3Parked))
	return c
}

// NewMTDome returns an enabled MTDome reporting azimuth motion
func NewMTDome(step time.Duration) *CSC {
	c := NewCSC("MTDome", 0, sal.Enabled)
	c.PublishEvent("azMotion", sal.Sample{"state": "STOPPED", "inPosition": true})
	c.Handle("moveAz", func(ctx context.Context, c *CSC, p sal.Params) error {
		pos := param(p, "position")
		c.PublishEvent("azMotion", sal.Sample{"state": "MOVING", "inPosition": false})
		later(step, func() {
			c.PublishTelemetry("azimuth", sal.Sample{"positionActual": pos})
			c.PublishEvent("azMotion", sal.Sample{"state": "STOPPED", "inPosition": true})
		})
		return nil
	})
	c.Handle("crawlAz", func(ctx context.Context, c *CSC, p sal.Params) error {
		state := "CRAWLING"
		if param(p, "velocity") == 0 {
			state = "STOPPED"
		}
		c.PublishEvent("azMotion", sal.Sample{"state": state, "inPosition": state == "STOPPED"})
		return nil
	})
	c.Handle("stop", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.PublishEvent("azMotion", sal.Sample{"state": "STOPPED", "inPosition": true})
		return nil
	})
	return c
}

// ImageName is the simulated name of image seq taken by a camera whose
// names start with prefix
func ImageName(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s_O_%s_%06d", prefix, day.UTC().Format("20060102"), seq)
}

// VentGates is the number of ATBuilding vent gates
const VentGates = 4

// ATBuilding simulates the auxiliary telescope building: four vent gates
// that move in one step and an extraction fan drive that reaches its
// target frequency in one step.  Gates listed in Unwired never move.
type ATBuilding struct {
	*CSC
	Step         time.Duration
	MaxFrequency float64
	Unwired      map[int]bool

	mu    sync.Mutex
	gates [VentGates]enum.VentGateState
}

// NewATBuilding returns an enabled ATBuilding with every gate closed and
// the fan stopped
func NewATBuilding(step time.Duration) *ATBuilding {
	a := &ATBuilding{CSC: NewCSC("ATBuilding", 0, sal.Enabled), Step: step, MaxFrequency: 50, Unwired: map[int]bool{}}
	for i := range a.gates {
		a.gates[i] = enum.VentGateClosed
	}
	a.publishGates()
	a.PublishEvent("maximumDriveFrequency", sal.Sample{"driveFrequency": a.MaxFrequency})
	a.PublishEvent("extractionFanDriveState", sal.Sample{"state": int(enum.FanDriveStopped)})
	a.PublishTelemetry("extractionFan", sal.Sample{"driveFrequency": 0.0})
	a.Handle("openVentGate", a.moveGates(enum.VentGateOpened))
	a.Handle("closeVentGate", a.moveGates(enum.VentGateClosed))
	a.Handle("setExtractionFanManualControlMode", func(ctx context.Context, c *CSC, p sal.Params) error {
		c.Set("manualControl", paramBool(p, "enableManualControlMode"))
		return nil
	})
	a.Handle("startExtractionFan", func(ctx context.Context, c *CSC, p sal.Params) error {
		later(step, func() {
			c.PublishEvent("extractionFanDriveState", sal.Sample{"state": int(enum.FanDriveOperating)})
		})
		return nil
	})
	a.Handle("stopExtractionFan", func(ctx context.Context, c *CSC, p sal.Params) error {
		later(step, func() {
			c.PublishEvent("extractionFanDriveState", sal.Sample{"state": int(enum.FanDriveStopped)})
			c.PublishTelemetry("extractionFan", sal.Sample{"driveFrequency": 0.0})
		})
		return nil
	})
	a.Handle("setExtractionFanDriveFreq", func(ctx context.Context, c *CSC, p sal.Params) error {
		f := param(p, "targetFrequency")
		if f > a.MaxFrequency {
			return fmt.Errorf("frequency %g above maximum %g", f, a.MaxFrequency)
		}
		later(step, func() { c.PublishTelemetry("extractionFan", sal.Sample{"driveFrequency": f}) })
		return nil
	})
	return a
}

// Gates returns the state of every gate
func (a *ATBuilding) Gates() []enum.VentGateState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]enum.VentGateState(nil), a.gates[:]...)
}

func (a *ATBuilding) publishGates() {
	a.mu.Lock()
	st := make([]int, VentGates)
	for i, g := range a.gates {
		st[i] = int(g)
	}
	a.mu.Unlock()
	a.PublishEvent("ventGateState", sal.Sample{"state": st})
}

// moveGates handles the gate commands, whose gate field lists gate
// numbers padded with -1
func (a *ATBuilding) moveGates(to enum.VentGateState) Handler {
	return func(ctx context.Context, c *CSC, p sal.Params) error {
		gates, err := sal.Sample(p).Ints("gate")
		if err != nil {
			return err
		}
		later(a.Step, func() {
			a.mu.Lock()
			for _, g := range gates {
				if g >= 0 && g < VentGates && !a.Unwired[g] {
					a.gates[g] = to
				}
			}
			a.mu.Unlock()
			a.publishGates()
		})
		return nil
	}
}
