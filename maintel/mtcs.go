package maintel

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/schema"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

var moveRotatorSchema = schema.MustMerge(`
$schema: http://json-schema.org/draft-07/schema#
title: MoveRotator v1
description: Configuration for the main telescope move rotator script.
type: object
properties:
  angle:
    description: final angle of the rotator.
    type: number
    minimum: -90
    maximum: 90
  wait_for_complete:
    description: >-
      whether to wait for the rotator to reach the desired angle or
      complete the script before it gets there.
    type: boolean
    default: true
required: [angle]
additionalProperties: false
`, script.BlockSchema)

// MoveRotator moves the camera rotator to an angle
type MoveRotator struct {
	mtcsScript
	script.Block

	Angle           float64
	WaitForComplete bool
}

func NewMoveRotator(index int, env scripts.Env) script.Script {
	return &MoveRotator{
		mtcsScript: newMTCSScript(index, env, "maintel/mtrotator/move_rotator", "Move Rotator"),
		Block:      env.Block(),
	}
}

func (s *MoveRotator) Schema() string { return moveRotatorSchema }

func (s *MoveRotator) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Angle           float64 `yaml:"angle"`
		WaitForComplete bool    `yaml:"wait_for_complete"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Angle, s.WaitForComplete = c.Angle, c.WaitForComplete
	if err := s.dial(ctx); err != nil {
		return err
	}
	return s.ConfigureBlock(ctx, &s.BaseScript, cfg, "MoveRotator")
}

func (s *MoveRotator) SetMetadata(md *script.Metadata) { md.Duration = control.LongTimeout }

func (s *MoveRotator) Run(ctx context.Context) error {
	return s.Wrap(ctx, &s.BaseScript, func(ctx context.Context) error {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Start moving rotator to %g degrees.", s.Angle)); err != nil {
			return err
		}
		if err := s.MTCS.MoveRotator(ctx, s.Angle, s.WaitForComplete); err != nil {
			return err
		}
		return s.Checkpoint(ctx, fmt.Sprintf("Move rotator returned. Wait for complete: %t.", s.WaitForComplete))
	})
}

const offsetCameraHexapodSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: OffsetCameraHexapod v1
description: Configuration for OffsetCameraHexapod.
type: object
properties:
  x:
    type: number
    description: Offset hexapod in x axis.
  y:
    type: number
    description: Offset hexapod in y axis.
  z:
    type: number
    description: Offset hexapod in z axis.
  u:
    type: number
    description: Rx offset (deg).
  v:
    type: number
    description: Ry offset (deg).
  sync:
    type: boolean
    default: true
    description: Synchronize hexapod movement.
  ignore:
    description: >-
      CSCs from the group to ignore in status check. Name must match
      those in the group components, e.g. mthexapod_1.
    type: array
    items:
      type: string
additionalProperties: false
anyOf:
  - required: [x]
  - required: [y]
  - required: [z]
  - required: [u]
  - required: [v]
`

// OffsetCameraHexapod offsets the camera hexapod from where it is
type OffsetCameraHexapod struct {
	mtcsScript
	Offset control.HexapodPosition
	Sync   bool
}

func NewOffsetCameraHexapod(index int, env scripts.Env) script.Script {
	return &OffsetCameraHexapod{mtcsScript: newMTCSScript(index, env, "maintel/offset_camera_hexapod", "Perform a camera hexapod offset.")}
}

func (s *OffsetCameraHexapod) Schema() string { return offsetCameraHexapodSchema }

func (s *OffsetCameraHexapod) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		X    float64 `yaml:"x"`
		Y    float64 `yaml:"y"`
		Z    float64 `yaml:"z"`
		U    float64 `yaml:"u"`
		V    float64 `yaml:"v"`
		Sync bool    `yaml:"sync"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Offset = control.HexapodPosition{X: c.X, Y: c.Y, Z: c.Z, U: c.U, V: c.V}
	s.Sync = c.Sync
	return s.configure(ctx, cfg)
}

func (s *OffsetCameraHexapod) SetMetadata(md *script.Metadata) { md.Duration = 10 * time.Second }

func (s *OffsetCameraHexapod) Run(ctx context.Context) error {
	if err := s.MTCS.AssertAllEnabled(ctx); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Applying Camera Hexapod offsets..."); err != nil {
		return err
	}
	return s.MTCS.OffsetCameraHexapod(ctx, s.Offset, s.Sync)
}

var m1m3Schema = schema.MustMerge(`
type: object
properties: {}
additionalProperties: false
`, script.BlockSchema)

// M1M3 raises or lowers the primary mirror
type M1M3 struct {
	mtcsScript
	script.Block
	raise bool
}

// NewRaiseM1M3 raises M1M3 onto its active supports
func NewRaiseM1M3(index int, env scripts.Env) script.Script {
	return &M1M3{mtcsScript: newMTCSScript(index, env, "maintel/m1m3/raise_m1m3", "Raise M1M3"), Block: env.Block(), raise: true}
}

// NewLowerM1M3 lowers M1M3 onto its static supports
func NewLowerM1M3(index int, env scripts.Env) script.Script {
	return &M1M3{mtcsScript: newMTCSScript(index, env, "maintel/m1m3/lower_m1m3", "Lower M1M3"), Block: env.Block()}
}

func (s *M1M3) Schema() string { return m1m3Schema }

func (s *M1M3) Configure(ctx context.Context, cfg script.Config) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	typ := "LowerM1M3"
	if s.raise {
		typ = "RaiseM1M3"
	}
	return s.ConfigureBlock(ctx, &s.BaseScript, cfg, typ)
}

func (s *M1M3) SetMetadata(md *script.Metadata) { md.Duration = 180 * time.Second }

func (s *M1M3) Run(ctx context.Context) error {
	return s.Wrap(ctx, &s.BaseScript, func(ctx context.Context) error {
		cp, op := "Lowering M1M3", s.MTCS.LowerM1M3
		if s.raise {
			cp, op = "Raising M1M3", s.MTCS.RaiseM1M3
		}
		if err := s.Checkpoint(ctx, cp); err != nil {
			return err
		}
		start := time.Now()
		if err := s.Step(ctx, cp, op); err != nil {
			return err
		}
		s.Log.Info(cp+" done", "elapsed", time.Since(start).Round(10*time.Millisecond))
		return nil
	})
}

var parkMountSchema = schema.MustMerge(`
$schema: http://json-schema.org/draft-07/schema#
title: ParkMount v1
description: Configuration for ParkMount.
type: object
properties:
  position:
    description: The position to park the MTMount.
    type: string
    enum: ["ZENITH", "HORIZON"]
required: [position]
additionalProperties: false
`, ignoreSchema)

// ParkMount parks the mount at zenith or horizon
type ParkMount struct {
	mtcsScript
	Position control.ParkPosition
}

func NewParkMount(index int, env scripts.Env) script.Script {
	return &ParkMount{mtcsScript: newMTCSScript(index, env, "maintel/mtmount/park_mount", "Park Mount.")}
}

func (s *ParkMount) Schema() string { return parkMountSchema }

func (s *ParkMount) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Position string `yaml:"position"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	p, err := control.ParseParkPosition(c.Position)
	if err != nil {
		return script.Expectedf("%v", err)
	}
	s.Position = p
	return s.configure(ctx, cfg)
}

func (s *ParkMount) SetMetadata(md *script.Metadata) {}

func (s *ParkMount) Run(ctx context.Context) error {
	return s.MTCS.ParkMount(ctx, s.Position)
}

var unparkMountSchema = schema.MustMerge(`
$schema: http://json-schema.org/draft-07/schema#
title: UnparkMount v1
description: Configuration for UnparkMount.
type: object
additionalProperties: false
`, ignoreSchema)

// UnparkMount takes the mount out of its park position
type UnparkMount struct {
	mtcsScript
}

func NewUnparkMount(index int, env scripts.Env) script.Script {
	return &UnparkMount{mtcsScript: newMTCSScript(index, env, "maintel/mtmount/unpark_mount", "Unpark Mount.")}
}

func (s *UnparkMount) Schema() string { return unparkMountSchema }

func (s *UnparkMount) Configure(ctx context.Context, cfg script.Config) error {
	return s.configure(ctx, cfg)
}

func (s *UnparkMount) SetMetadata(md *script.Metadata) {}

func (s *UnparkMount) Run(ctx context.Context) error { return s.MTCS.UnparkMount(ctx) }
