package auxtel

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// calsys holds the ATCalSys remotes and the timeouts of its operations
type calsys struct {
	script.BaseScript
	env scripts.Env

	WhiteLight    sal.Remote
	Monochromator sal.Remote

	CmdTimeout       time.Duration
	LampTimeout      time.Duration
	ChillerTimeout   time.Duration
	ShutterTimeout   time.Duration
	TelemetryTimeout time.Duration
	ChillerTolerance float64

	needMonochromator bool
}

func (c *calsys) dial(ctx context.Context) error {
	if c.WhiteLight == nil {
		r, err := c.env.Dialer.Dial(ctx, "ATWhiteLight", 0)
		if err != nil {
			return err
		}
		c.WhiteLight = r
	}
	if c.Monochromator == nil && c.needMonochromator {
		r, err := c.env.Dialer.Dial(ctx, "ATMonochromator", 0)
		if err != nil {
			return err
		}
		c.Monochromator = r
	}
	return nil
}

func (c *calsys) assertEnabled(ctx context.Context, remotes ...sal.Remote) error {
	for _, r := range remotes {
		st, err := sal.CurrentState(ctx, r, c.CmdTimeout)
		if err != nil {
			return err
		}
		if st != sal.Enabled {
			return fmt.Errorf("%s is not ENABLED, it is %s", sal.FormatNameIndex(r.Name(), r.Index()), st)
		}
	}
	return nil
}

// waitLamp waits for the lamp to report want
func (c *calsys) waitLamp(ctx context.Context, want enum.LampBasicState) error {
	_, err := poll.Sample(ctx, c.WhiteLight.Event("lampState"), poll.Options{Current: true, Timeout: c.LampTimeout}, func(s sal.Sample) (bool, error) {
		v, err := s.Int("basicState")
		c.Log.Info("lamp state", "state", enum.LampBasicState(v).String())
		return enum.LampBasicState(v) == want, err
	})
	if err != nil {
		return fmt.Errorf("white light lamp failed to turn %s after %v: %w", want, c.LampTimeout, err)
	}
	return nil
}

const powerOnSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: PowerOnATCalSys v1
description: Configuration for PowerOnATCalSys.
type: object
properties:
  chiller_temperature:
    description: Set temperature for the chiller
    type: number
    default: 20
    minimum: 10
  whitelight_power:
    description: White light power.
    type: number
    default: 910
    minimum: 0
  wavelength:
    description: Wavelength (nm). 0 nm is for white light.
    type: number
    default: 0
    minimum: 0
  grating_type:
    description: Grating type. The choices are 0=mirror, 1=blue, 2=red.
    type: integer
    enum: [0, 1, 2]
    default: 0
  entrance_slit_width:
    description: Width of the monochromator entrance slit (mm)
    type: number
    minimum: 0
    default: 5
  exit_slit_width:
    description: Width of the monochromator exit slit (mm)
    type: number
    minimum: 0
    default: 5
  use_atmonochromator:
    description: >-
      Is the monochromator available and can be configured?  If false
      the monochromator is left as it is.
    type: boolean
    default: false
additionalProperties: false
`

// PowerOnATCalSys starts the chiller, waits for it to cool, opens the
// shutter and turns the white light lamp on, optionally setting up the
// monochromator
type PowerOnATCalSys struct {
	calsys

	ChillerTemperature float64
	WhiteLightPower    float64
	Wavelength         float64
	GratingType        int
	EntranceSlitWidth  float64
	ExitSlitWidth      float64
	UseMonochromator   bool
}

func NewPowerOnATCalSys(index int, env scripts.Env) script.Script {
	return &PowerOnATCalSys{calsys: calsys{
		BaseScript:       script.NewBase(index, "auxtel/calibrations/power_on_atcalsys", "Power On AT Calibration System"),
		env:              env,
		CmdTimeout:       30 * time.Second,
		LampTimeout:      20 * time.Minute,
		ChillerTimeout:   15 * time.Minute,
		ShutterTimeout:   3 * time.Minute,
		TelemetryTimeout: 20 * time.Second,
		ChillerTolerance: 0.2,
	}}
}

func (s *PowerOnATCalSys) Schema() string { return powerOnSchema }

func (s *PowerOnATCalSys) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		ChillerTemperature float64 `yaml:"chiller_temperature"`
		WhiteLightPower    float64 `yaml:"whitelight_power"`
		Wavelength         float64 `yaml:"wavelength"`
		GratingType        int     `yaml:"grating_type"`
		EntranceSlitWidth  float64 `yaml:"entrance_slit_width"`
		ExitSlitWidth      float64 `yaml:"exit_slit_width"`
		UseMonochromator   bool    `yaml:"use_atmonochromator"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.ChillerTemperature, s.WhiteLightPower, s.Wavelength = c.ChillerTemperature, c.WhiteLightPower, c.Wavelength
	s.GratingType, s.EntranceSlitWidth, s.ExitSlitWidth = c.GratingType, c.EntranceSlitWidth, c.ExitSlitWidth
	s.UseMonochromator = c.UseMonochromator
	s.needMonochromator = true
	return s.dial(ctx)
}

func (s *PowerOnATCalSys) SetMetadata(md *script.Metadata) {
	md.Duration = s.ChillerTimeout + s.LampTimeout
}

func (s *PowerOnATCalSys) Run(ctx context.Context) error {
	comps := []sal.Remote{s.WhiteLight}
	if s.UseMonochromator {
		comps = append(comps, s.Monochromator)
	}
	if err := s.assertEnabled(ctx, comps...); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Starting chiller"); err != nil {
		return err
	}
	if _, err := s.WhiteLight.Command(ctx, "setChillerTemperature", sal.Params{"temperature": s.ChillerTemperature}, s.CmdTimeout); err != nil {
		return err
	}
	if _, err := s.WhiteLight.Command(ctx, "startChiller", nil, s.ChillerTimeout); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Waiting for chiller to cool to set temperature"); err != nil {
		return err
	}
	if err := s.waitChiller(ctx); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Opening the shutter"); err != nil {
		return err
	}
	if _, err := s.WhiteLight.Command(ctx, "openShutter", nil, s.ShutterTimeout); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Turning on lamp"); err != nil {
		return err
	}
	s.WhiteLight.Event("lampState").Flush()
	if _, err := s.WhiteLight.Command(ctx, "turnLampOn", sal.Params{"power": s.WhiteLightPower}, s.LampTimeout); err != nil {
		return err
	}

	if err := s.Checkpoint(ctx, "Waiting for lamp to warm up"); err != nil {
		return err
	}
	if err := s.waitLamp(ctx, enum.LampOn); err != nil {
		return err
	}

	if !s.UseMonochromator {
		return nil
	}
	if err := s.Checkpoint(ctx, "Configuring ATMonochromator"); err != nil {
		return err
	}
	return s.setupMonochromator(ctx)
}

// waitChiller waits for the chiller supply temperature to come within
// the relative tolerance of its set temperature
func (s *PowerOnATCalSys) waitChiller(ctx context.Context) error {
	start := time.Now()
	opts := poll.Options{Flush: true, ReadTimeout: s.TelemetryTimeout, Timeout: s.ChillerTimeout}
	last, err := poll.Sample(ctx, s.WhiteLight.Telemetry("chillerTemperatures"), opts, func(t sal.Sample) (bool, error) {
		set, err := t.Float("setTemperature")
		if err != nil {
			return false, err
		}
		supply, err := t.Float("supplyTemperature")
		if err != nil {
			return false, err
		}
		s.Log.Debug("chiller", "supply", supply, "set", set)
		return poll.WithinRelative(supply, set, s.ChillerTolerance), nil
	})
	if err != nil {
		supply, _ := last.Float("supplyTemperature")
		return fmt.Errorf("chiller did not reach %g deg in %v, stayed at %.1f deg: %w", s.ChillerTemperature, s.ChillerTimeout, supply, err)
	}
	s.Log.Info("chiller reached target temperature", "elapsed", time.Since(start).Round(100*time.Millisecond))
	return nil
}

func (s *PowerOnATCalSys) setupMonochromator(ctx context.Context) error {
	_, err := s.Monochromator.Command(ctx, "updateMonochromatorSetup", sal.Params{
		"gratingType":           s.GratingType,
		"fontExitSlitWidth":     s.ExitSlitWidth,
		"fontEntranceSlitWidth": s.EntranceSlitWidth,
		"wavelength":            s.Wavelength,
	}, s.CmdTimeout)
	if err != nil {
		return err
	}
	topics := []string{"selectedGrating", "wavelength", "entrySlitWidth", "exitSlitWidth"}
	got := make([]sal.Sample, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	for i, topic := range topics {
		i, topic := i, topic
		g.Go(func() error {
			smp, err := s.Monochromator.Event(topic).Aget(gctx, s.CmdTimeout)
			got[i] = smp
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.Log.Info("ATMonochromator set up", "grating", got[0], "wavelength", got[1], "entry_slit", got[2], "exit_slit", got[3])
	return nil
}

// PowerOffATCalSys turns the lamp off, closes the shutter, waits for
// the lamp to cool down and stops the chiller
type PowerOffATCalSys struct {
	calsys
}

func NewPowerOffATCalSys(index int, env scripts.Env) script.Script {
	return &PowerOffATCalSys{calsys: calsys{
		BaseScript:     script.NewBase(index, "auxtel/calibrations/power_off_atcalsys", "Power OFF AT Calibration System"),
		env:            env,
		CmdTimeout:     30 * time.Second,
		LampTimeout:    20 * time.Minute,
		ShutterTimeout: 2 * time.Minute,
	}}
}

func (s *PowerOffATCalSys) Schema() string { return "" }

func (s *PowerOffATCalSys) Configure(ctx context.Context, cfg script.Config) error { return s.dial(ctx) }

func (s *PowerOffATCalSys) SetMetadata(md *script.Metadata) { md.Duration = s.LampTimeout }

func (s *PowerOffATCalSys) Run(ctx context.Context) error {
	if err := s.assertEnabled(ctx, s.WhiteLight); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Turning lamp off"); err != nil {
		return err
	}
	s.WhiteLight.Event("lampState").Flush()
	if _, err := s.WhiteLight.Command(ctx, "turnLampOff", nil, s.LampTimeout); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Closing the shutter"); err != nil {
		return err
	}
	if _, err := s.WhiteLight.Command(ctx, "closeShutter", nil, s.ShutterTimeout); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Waiting for lamp to cool down"); err != nil {
		return err
	}
	if err := s.waitLamp(ctx, enum.LampOff); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Stopping chiller"); err != nil {
		return err
	}
	_, err := s.WhiteLight.Command(ctx, "stopChiller", nil, s.CmdTimeout)
	return err
}
