package sim

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
)

// Models lists the device model names understood by Build
var Models = []string{"generic", "whitelight", "monochromator", "atdome", "follower",
	"camera", "spectrograph", "hexapod", "rotator", "m1m3", "mtdome", "scheduler",
	"atbuilding", "oods"}

// Build adds one component of the given model to b.  Models that need
// a partner (a mount for a pointing component) are built by AuxTel and
// MainTel instead.
func Build(b *Bus, model, name string, index int, dir string, step time.Duration) (*CSC, error) {
	var c *CSC
	switch model {
	case "", "generic":
		c = NewCSC(name, index, sal.Enabled)
	case "whitelight":
		c = NewWhiteLight(step).CSC
	case "monochromator":
		c = NewMonochromator()
	case "atdome":
		c = NewATDome(step)
	case "follower":
		c = NewFollower(name)
	case "camera":
		prefix := "AT"
		if name == "CCCamera" {
			prefix = "CC"
		}
		c = NewCamera(name, prefix, dir, step).CSC
	case "spectrograph":
		c = NewSpectrograph()
	case "hexapod":
		c = NewInPositionDevice(name, index, step, "move", "offset")
	case "rotator":
		c = NewInPositionDevice(name, index, step, "move")
	case "m1m3":
		c = NewM1M3(step)
	case "mtdome":
		c = NewMTDome(step)
	case "scheduler":
		c = NewScheduler(index)
	case "atbuilding":
		c = NewATBuilding(step).CSC
	case "oods":
		c = NewOODS(name)
	default:
		return nil, fmt.Errorf("unknown model %q", model)
	}
	return b.Add(c), nil
}

// AuxTel adds every auxiliary telescope component to b
func AuxTel(b *Bus, dir string, step time.Duration) {
	ptg, mount := NewTelescope("ATPtg", "ATMCS", step)
	b.Add(ptg)
	b.Add(mount)
	for _, name := range []string{"ATAOS", "ATPneumatics", "ATHexapod", "ATHeaderService"} {
		b.Add(NewCSC(name, 0, sal.Enabled))
	}
	b.Add(NewATDome(step))
	b.Add(NewFollower("ATDomeTrajectory"))
	b.Add(NewATBuilding(step).CSC)
	cam := NewCamera("ATCamera", "AT", dir, step)
	cam.OODS = b.Add(NewOODS("ATOODS"))
	b.Add(cam.CSC)
	b.Add(NewSpectrograph())
	b.Add(NewWhiteLight(step).CSC)
	b.Add(NewMonochromator())
	b.Add(NewCSC("ESS", 301, sal.Enabled))
}

// MainTel adds every main telescope component to b
func MainTel(b *Bus, dir string, step time.Duration) {
	ptg, mount := NewTelescope("MTPtg", "MTMount", step)
	b.Add(ptg)
	b.Add(mount)
	for _, name := range []string{"MTAOS", "MTM2", "CCHeaderService"} {
		b.Add(NewCSC(name, 0, sal.Enabled))
	}
	b.Add(NewInPositionDevice("MTHexapod", 1, step, "move", "offset"))
	b.Add(NewInPositionDevice("MTHexapod", 2, step, "move", "offset"))
	b.Add(NewInPositionDevice("MTRotator", 0, step, "move", "stop"))
	b.Add(NewM1M3(step))
	b.Add(NewMTDome(step))
	b.Add(NewFollower("MTDomeTrajectory"))
	cam := NewCamera("CCCamera", "CC", dir, step)
	cam.OODS = b.Add(NewOODS("CCOODS"))
	b.Add(cam.CSC)
}

// Services adds the queues, schedulers and watcher to b
func Services(b *Bus) {
	for _, i := range []int{1, 2} {
		b.Add(NewCSC("ScriptQueue", i, sal.Enabled))
		b.Add(NewScheduler(i))
	}
	b.Add(NewCSC("Watcher", 0, sal.Enabled))
}

// Observatory returns a bus with every simulated component
func Observatory(dir string, step time.Duration) *Bus {
	b := NewBus()
	AuxTel(b, dir, step)
	MainTel(b, dir, step)
	Services(b)
	return b
}

// NewScheduler returns an enabled Scheduler that publishes a snapshot
// every time it is stopped
func NewScheduler(index int) *CSC {
	c := NewCSC("Scheduler", index, sal.Enabled)
	var snap atomic.Int32
	c.Handle("stop", func(ctx context.Context, c *CSC, p sal.Params) error {
		n := snap.Add(1)
		c.PublishEvent("largeFileObjectAvailable", sal.Sample{
			"url": fmt.Sprintf("s3://rubin:scheduler/Scheduler:%d/snapshot-%04d.p", index, n),
		})
		return nil
	})
	return c
}
