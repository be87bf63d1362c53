package auxtel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// ErrUnsafeWind is returned when the wind is too strong to open the
// dropout door
var ErrUnsafeWind = errors.New("unsafe wind conditions")

// domeOp is a script that runs one ATCS dome operation and takes no
// configuration
type domeOp struct {
	atcsScript
	duration time.Duration
	op       func(ctx context.Context) error
}

func newDomeOp(index int, env scripts.Env, name, descr string, duration time.Duration, op func(s *domeOp, ctx context.Context) error) *domeOp {
	s := &domeOp{atcsScript: newATCSScript(index, env, name, descr), duration: duration}
	s.op = func(ctx context.Context) error { return op(s, ctx) }
	return s
}

func (s *domeOp) Schema() string { return "" }

func (s *domeOp) Configure(ctx context.Context, cfg script.Config) error { return s.dial(ctx) }

func (s *domeOp) SetMetadata(md *script.Metadata) { md.Duration = s.duration }

func (s *domeOp) Run(ctx context.Context) error { return s.op(ctx) }

func NewOpenDome(index int, env scripts.Env) script.Script {
	return newDomeOp(index, env, "auxtel/atdome/open_dome", "Open the ATDome shutters.", 240*time.Second,
		func(s *domeOp, ctx context.Context) error { return s.ATCS.OpenDome(ctx) })
}

func NewCloseDome(index int, env scripts.Env) script.Script {
	return newDomeOp(index, env, "auxtel/atdome/close_dome", "Close the ATDome shutters.", 240*time.Second,
		func(s *domeOp, ctx context.Context) error { return s.ATCS.CloseDome(ctx) })
}

func NewCloseDropoutDoor(index int, env scripts.Env) script.Script {
	return newDomeOp(index, env, "auxtel/atdome/close_dropout_door", "Close the ATDome dropout door.", 120*time.Second,
		func(s *domeOp, ctx context.Context) error {
			if err := s.Checkpoint(ctx, "Closing dropout door."); err != nil {
				return err
			}
			if err := s.ATCS.CloseDropoutDoor(ctx); err != nil {
				return err
			}
			s.Log.Info("dropout door closed")
			return nil
		})
}

func NewHomeDome(index int, env scripts.Env) script.Script {
	return newDomeOp(index, env, "auxtel/atdome/home_dome", "Home the ATDome azimuth.", 300*time.Second,
		func(s *domeOp, ctx context.Context) error {
			if err := s.Checkpoint(ctx, "Homing dome"); err != nil {
				return err
			}
			return s.ATCS.HomeDome(ctx)
		})
}

// NewShutdown parks the telescope and closes the dome
func NewShutdown(index int, env scripts.Env) script.Script {
	return newDomeOp(index, env, "auxtel/shutdown", "Run ATCS shutdown.", 600*time.Second,
		func(s *domeOp, ctx context.Context) error { return s.ATCS.Shutdown(ctx) })
}

const slewDomeSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: SlewDome v1
description: Configuration for SlewDome.
type: object
properties:
  az:
    description: Azimuth position (in degrees) to slew the dome to.
    type: number
required: [az]
additionalProperties: false
`

// SlewDome moves the dome to an azimuth, leaving dome following off
type SlewDome struct {
	atcsScript
	Az float64
}

func NewSlewDome(index int, env scripts.Env) script.Script {
	return &SlewDome{atcsScript: newATCSScript(index, env, "auxtel/atdome/slew_dome", "Slew the ATDome.")}
}

func (s *SlewDome) Schema() string { return slewDomeSchema }

func (s *SlewDome) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Az float64 `yaml:"az"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Az = c.Az
	return s.dial(ctx)
}

func (s *SlewDome) SetMetadata(md *script.Metadata) { md.Duration = 60 * time.Second }

func (s *SlewDome) Run(ctx context.Context) error {
	s.Log.Info("slewing dome", "az", s.Az)
	return s.ATCS.SlewDomeTo(ctx, s.Az)
}

// OpenDropoutDoor opens the dropout door after checking the wind
// reported by the ESS:301 anemometer.  The door stays shut when the
// median speed or the gusts are above their thresholds; gusty wind
// (large standard deviation) lowers both thresholds by a fifth.  When
// no wind reading arrives the script warns and goes ahead.
type OpenDropoutDoor struct {
	atcsScript
	ESS sal.Remote

	MedianThreshold float64
	MaxThreshold    float64
	StdDevThreshold float64
	WindTimeout     time.Duration
}

func NewOpenDropoutDoor(index int, env scripts.Env) script.Script {
	return &OpenDropoutDoor{
		atcsScript:      newATCSScript(index, env, "auxtel/atdome/open_dropout_door", "Open the ATDome dropout door."),
		MedianThreshold: 8,
		MaxThreshold:    10,
		StdDevThreshold: 3,
		WindTimeout:     5 * time.Second,
	}
}

func (s *OpenDropoutDoor) Schema() string { return "" }

func (s *OpenDropoutDoor) Configure(ctx context.Context, cfg script.Config) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	if s.ESS == nil {
		r, err := s.env.Dialer.Dial(ctx, "ESS", 301)
		if err != nil {
			return err
		}
		s.ESS = r
	}
	return nil
}

func (s *OpenDropoutDoor) SetMetadata(md *script.Metadata) { md.Duration = 120 * time.Second }

// AssertWindSafe fails with ErrUnsafeWind when the next airFlow sample
// is over the thresholds
func (s *OpenDropoutDoor) AssertWindSafe(ctx context.Context) error {
	if err := s.Checkpoint(ctx, "Checking wind speed."); err != nil {
		return err
	}
	flow, err := s.ESS.Telemetry("airFlow").Next(ctx, true, s.WindTimeout)
	if errors.Is(err, sal.ErrTimeout) {
		s.Log.Warn("cannot determine wind speed, proceeding with caution; ensure it is safe to open")
		return nil
	}
	if err != nil {
		return err
	}
	speed, err := flow.Float("speed")
	if err != nil {
		return err
	}
	maxSpeed, err := flow.Float("maxSpeed")
	if err != nil {
		return err
	}
	stdDev, err := flow.Float("speedStdDev")
	if err != nil {
		return err
	}
	median, max := s.MedianThreshold, s.MaxThreshold
	if stdDev > s.StdDevThreshold {
		median *= 0.8
		max *= 0.8
	}
	if speed >= median || maxSpeed >= max {
		return fmt.Errorf("%w: median speed %g m/s, max speed %g m/s, standard deviation %g m/s",
			ErrUnsafeWind, speed, maxSpeed, stdDev)
	}
	return nil
}

func (s *OpenDropoutDoor) Run(ctx context.Context) error {
	if err := s.Checkpoint(ctx, "Opening dropout door."); err != nil {
		return err
	}
	if err := s.AssertWindSafe(ctx); err != nil {
		return err
	}
	if err := s.ATCS.OpenDropoutDoor(ctx); err != nil {
		return err
	}
	s.Log.Info("dropout door opened")
	return nil
}
