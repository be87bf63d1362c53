package auxtel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// VentGates is the number of gates of the ATBuilding vent controller
const VentGates = 4

// ErrVent is returned when a gate or the extraction fan does not reach
// the requested state
var ErrVent = errors.New("vent check failed")

// building holds the ATBuilding remote and the waits of its operations
type building struct {
	script.BaseScript
	env scripts.Env

	ATBuilding sal.Remote

	CmdTimeout  time.Duration
	GateTimeout time.Duration
	FanTimeout  time.Duration
}

func newBuilding(index int, env scripts.Env, name, descr string) building {
	return building{
		BaseScript:  script.NewBase(index, name, descr),
		env:         env,
		CmdTimeout:  10 * time.Second,
		GateTimeout: 10 * time.Second,
		FanTimeout:  2 * time.Second,
	}
}

func (b *building) dial(ctx context.Context) error {
	if b.ATBuilding != nil {
		return nil
	}
	r, err := b.env.Dialer.Dial(ctx, "ATBuilding", 0)
	if err != nil {
		return err
	}
	b.ATBuilding = r
	return nil
}

func (b *building) assertEnabled(ctx context.Context) error {
	st, err := sal.CurrentState(ctx, b.ATBuilding, b.CmdTimeout)
	if err != nil {
		return err
	}
	if st != sal.Enabled {
		return fmt.Errorf("ATBuilding CSC must be ENABLED, it is %s", st)
	}
	return nil
}

// padGates fills gates up to VentGates with -1, the way the gate
// commands expect them
func padGates(gates []int) []int {
	out := append([]int(nil), gates...)
	for len(out) < VentGates {
		out = append(out, -1)
	}
	return out
}

// moveGates opens and closes gates concurrently, then waits for every
// gate to leave the state it was moved from.  A partially open gate
// counts as open.
func (b *building) moveGates(ctx context.Context, open, closed []int) error {
	var eg errgroup.Group
	if len(open) > 0 {
		eg.Go(func() error {
			_, err := b.ATBuilding.Command(ctx, "openVentGate", sal.Params{"gate": padGates(open)}, b.CmdTimeout)
			return err
		})
	}
	if len(closed) > 0 {
		eg.Go(func() error {
			_, err := b.ATBuilding.Command(ctx, "closeVentGate", sal.Params{"gate": padGates(closed)}, b.CmdTimeout)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	var last string
	_, err := poll.Sample(ctx, b.ATBuilding.Event("ventGateState"), poll.Options{Current: true, Timeout: b.GateTimeout}, func(s sal.Sample) (bool, error) {
		states, err := s.Ints("state")
		if err != nil {
			return false, err
		}
		last = gateMismatch(states, open, closed)
		return last == "", nil
	})
	if err != nil {
		if last != "" {
			return fmt.Errorf("%w: %s: %v", ErrVent, last, err)
		}
		return err
	}
	return nil
}

// gateMismatch describes the first gate not where it was sent, or ""
func gateMismatch(states, open, closed []int) string {
	for _, g := range open {
		if g < len(states) && enum.VentGateState(states[g]) == enum.VentGateClosed {
			return fmt.Sprintf("gate %d did not open as expected", g)
		}
	}
	for _, g := range closed {
		if g < len(states) && enum.VentGateState(states[g]) == enum.VentGateOpened {
			return fmt.Sprintf("gate %d did not close as expected", g)
		}
	}
	return ""
}

// waitDrive waits for the extraction fan drive to report want
func (b *building) waitDrive(ctx context.Context, want enum.FanDriveState) error {
	var got enum.FanDriveState
	_, err := poll.Sample(ctx, b.ATBuilding.Event("extractionFanDriveState"), poll.Options{Current: true, Timeout: b.FanTimeout}, func(s sal.Sample) (bool, error) {
		v, err := s.Int("state")
		got = enum.FanDriveState(v)
		return got == want, err
	})
	if err != nil {
		return fmt.Errorf("%w: fan drive state %s, want %s: %v", ErrVent, got, want, err)
	}
	return nil
}

const ventStartSchema = `
$schema: http://json-schema.org/draft-07/schema#
$id: https://github.com/lsst-ts/ts_standardscripts/VentStart.yaml
title: VentStart Configuration
description: Configuration schema for the ATVentStart script
type: object
properties:
  gates_to_open:
    description: >-
      An integer representing a single gate (0-3) or an array of up to
      four gates (each between 0 and 3).
    default: [0, 1, 2, 3]
    oneOf:
      - type: integer
        minimum: 0
        maximum: 3
      - type: array
        items:
          type: integer
          minimum: 0
          maximum: 3
        minItems: 0
        maxItems: 4
  fan_frequency:
    description: The fan frequency in Hz.
    type: number
    minimum: 0
additionalProperties: false
`

// ATVentStart opens the vent gates of the auxiliary telescope building
// and starts its extraction fan.  Gates not listed are closed; an empty
// list leaves every gate alone.  Without fan_frequency the fan is left
// alone.
type ATVentStart struct {
	building
	GatesToOpen  []int
	GatesToClose []int
	FanFrequency *float64

	// FrequencyTolerance is how close, in Hz, the drive must get
	FrequencyTolerance float64
}

func NewATVentStart(index int, env scripts.Env) script.Script {
	return &ATVentStart{
		building:           newBuilding(index, env, "auxtel/atvent_start", "Start dome venting for the auxiliary telescope."),
		FrequencyTolerance: 0.1,
	}
}

func (s *ATVentStart) Schema() string { return ventStartSchema }

func (s *ATVentStart) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Gates interface{} `yaml:"gates_to_open"`
		Fan   *float64    `yaml:"fan_frequency"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	var open []int
	switch g := c.Gates.(type) {
	case float64:
		open = []int{int(g)}
	case []interface{}:
		for _, v := range g {
			f, ok := v.(float64)
			if !ok {
				return script.Expectedf("gates_to_open: %v is not a gate", v)
			}
			open = append(open, int(f))
		}
	}
	s.GatesToOpen = open
	s.GatesToClose = nil
	if len(open) > 0 {
		opening := map[int]bool{}
		for _, g := range open {
			opening[g] = true
		}
		for g := 0; g < VentGates; g++ {
			if !opening[g] {
				s.GatesToClose = append(s.GatesToClose, g)
			}
		}
	}
	s.FanFrequency = c.Fan
	return s.dial(ctx)
}

func (s *ATVentStart) SetMetadata(md *script.Metadata) { md.Duration = 35 * time.Second }

func (s *ATVentStart) Run(ctx context.Context) error {
	if err := s.assertEnabled(ctx); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Opening gates"); err != nil {
		return err
	}
	if len(s.GatesToOpen) > 0 {
		if err := s.moveGates(ctx, s.GatesToOpen, s.GatesToClose); err != nil {
			return err
		}
	}
	if err := s.Checkpoint(ctx, "Starting fan"); err != nil {
		return err
	}
	if s.FanFrequency == nil {
		return nil
	}
	freq := *s.FanFrequency
	limit, err := s.ATBuilding.Event("maximumDriveFrequency").Aget(ctx, s.CmdTimeout)
	if err != nil {
		return err
	}
	if m, _ := limit.Float("driveFrequency"); freq > m {
		return script.Expectedf("requested frequency %g exceeds maximum of %g", freq, m)
	}
	for _, c := range []struct {
		cmd string
		p   sal.Params
	}{
		{"setExtractionFanManualControlMode", sal.Params{"enableManualControlMode": false}},
		{"startExtractionFan", nil},
		{"setExtractionFanDriveFreq", sal.Params{"targetFrequency": freq}},
	} {
		if _, err := s.ATBuilding.Command(ctx, c.cmd, c.p, s.CmdTimeout); err != nil {
			return err
		}
	}
	if err := s.waitDrive(ctx, enum.FanDriveOperating); err != nil {
		return err
	}
	var got float64
	_, err = poll.Sample(ctx, s.ATBuilding.Telemetry("extractionFan"), poll.Options{Current: true, Timeout: s.FanTimeout}, func(smp sal.Sample) (bool, error) {
		f, err := smp.Float("driveFrequency")
		got = f
		return poll.WithinAbsolute(f, freq, s.FrequencyTolerance), err
	})
	if err != nil {
		return fmt.Errorf("%w: drive frequency %g does not match requested %g: %v", ErrVent, got, freq, err)
	}
	return nil
}

// ATVentStop stops the extraction fan and closes every vent gate
type ATVentStop struct {
	building
}

func NewATVentStop(index int, env scripts.Env) script.Script {
	return &ATVentStop{building: newBuilding(index, env, "auxtel/atvent_stop", "Stop dome venting for the auxiliary telescope.")}
}

func (s *ATVentStop) Schema() string { return "" }

func (s *ATVentStop) Configure(ctx context.Context, cfg script.Config) error { return s.dial(ctx) }

func (s *ATVentStop) SetMetadata(md *script.Metadata) { md.Duration = 20 * time.Second }

func (s *ATVentStop) Run(ctx context.Context) error {
	if err := s.assertEnabled(ctx); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Stopping fan"); err != nil {
		return err
	}
	if _, err := s.ATBuilding.Command(ctx, "stopExtractionFan", nil, s.CmdTimeout); err != nil {
		return err
	}
	if err := s.waitDrive(ctx, enum.FanDriveStopped); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Closing gates"); err != nil {
		return err
	}
	return s.moveGates(ctx, nil, []int{0, 1, 2, 3})
}
