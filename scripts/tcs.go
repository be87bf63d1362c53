package scripts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/schema"
	"github.com/lsst-ts/stdscripts/script"
)

// ErrNotImplemented is returned for configurations that are valid but
// not supported, such as rotator strategies other than sky
var ErrNotImplemented = errors.New("not implemented")

// TCSDialer returns the telescope a TCS script drives
type TCSDialer func(ctx context.Context, env Env) (*control.TCS, error)

// AuxTelTCS dials the auxiliary telescope
func AuxTelTCS(ctx context.Context, env Env) (*control.TCS, error) {
	a, err := env.DialATCS(ctx)
	if err != nil {
		return nil, err
	}
	return a.TCS, nil
}

// MainTelTCS dials the main telescope
func MainTelTCS(ctx context.Context, env Env) (*control.TCS, error) {
	m, err := env.DialMTCS(ctx)
	if err != nil {
		return nil, err
	}
	return m.TCS, nil
}

// tcsBase holds what the TCS scripts share
type tcsBase struct {
	script.BaseScript
	env  Env
	dial TCSDialer

	TCS *control.TCS
}

func (b *tcsBase) dialTCS(ctx context.Context) error {
	if b.TCS != nil {
		return nil
	}
	t, err := b.dial(ctx, b.env)
	if err != nil {
		return err
	}
	b.TCS = t
	return nil
}

const slewSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseSlew v1
description: Configuration for BaseSlew
type: object
properties:
  ra:
    description: ICRS right ascension (hour)
    type: number
    minimum: 0
    maximum: 24
  dec:
    description: ICRS declination (deg)
    type: number
    minimum: -90
    maximum: 90
  rot_value:
    description: >-
      Rotator position value. Actual meaning depends on rot_strategy.
    type: number
    default: 0
  rot_strategy:
    description: Rotator strategy.
    type: string
    enum: ["sky", "parallactic", "physical_sky"]
    default: sky
  target_name:
    description: Target name
    type: string
if:
  properties:
    ra:
      const: null
    dec:
      const: null
  required: ["target_name"]
else:
  required: ["ra", "dec"]
additionalProperties: false
`

// Slew slews to and tracks a target given by ICRS coordinates or by
// name.  If the script does not end normally tracking is stopped.
type Slew struct {
	tcsBase

	RA, Dec     *float64
	RotValue    float64
	RotStrategy string
	TargetName  string

	trackingStarted bool
}

// NewSlew returns a slew script for the telescope dial returns
func NewSlew(index int, env Env, name string, dial TCSDialer) *Slew {
	return &Slew{tcsBase: tcsBase{BaseScript: script.NewBase(index, name, "Slew the telescope to a target."), env: env, dial: dial}}
}

func (s *Slew) Schema() string { return slewSchema }

func (s *Slew) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		RA          *float64 `yaml:"ra"`
		Dec         *float64 `yaml:"dec"`
		RotValue    float64  `yaml:"rot_value"`
		RotStrategy string   `yaml:"rot_strategy"`
		TargetName  string   `yaml:"target_name"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	if c.RotStrategy != "sky" {
		return fmt.Errorf("rotator strategy %s: %w, use sky", c.RotStrategy, ErrNotImplemented)
	}
	s.RA, s.Dec, s.RotValue, s.RotStrategy, s.TargetName = c.RA, c.Dec, c.RotValue, c.RotStrategy, c.TargetName
	s.trackingStarted = false
	return s.dialTCS(ctx)
}

func (s *Slew) SetMetadata(md *script.Metadata) { md.Duration = time.Second }

func (s *Slew) Run(ctx context.Context) error {
	s.trackingStarted = true
	if s.RA != nil && s.Dec != nil {
		name := s.TargetName
		if name == "" {
			name = "slew_icrs"
		}
		s.Log.Info("slew and track", "target", name, "ra", *s.RA, "dec", *s.Dec, "rot_value", s.RotValue, "rot_strategy", s.RotStrategy)
		return s.TCS.SlewICRS(ctx, *s.RA, *s.Dec, s.RotValue, name)
	}
	s.Log.Info("slew and track", "target", s.TargetName, "rot_value", s.RotValue, "rot_strategy", s.RotStrategy)
	return s.TCS.SlewObject(ctx, s.TargetName, s.RotValue)
}

func (s *Slew) Cleanup(ctx context.Context) error {
	if s.State() == script.Ending || !s.trackingStarted {
		return nil
	}
	s.Log.Warn("terminating abnormally, stop tracking", "state", s.State().String())
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.TCS.StopTracking(ctx); err != nil {
		s.Log.Error("stop tracking failed during cleanup", "err", err)
	}
	return nil
}

const pointAzElSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: PointAzEl v1
description: Configuration for PointAzEl command.
type: object
properties:
  az:
    description: Target Azimuth in degrees.
    type: number
  el:
    description: Target Elevation in degrees.
    type: number
    minimum: 0.0
    maximum: 90.0
  rot_tel:
    description: >-
      Rotator angle in mount physical coordinates (degrees).
    type: number
    default: 0.0
  target_name:
    description: Name of the position.
    type: string
    default: "AzEl"
  wait_dome:
    description: >-
      Wait for dome to be in sync with the telescope?
    type: boolean
    default: false
  slew_timeout:
    description: Timeout for slew procedure (in seconds).
    type: number
    default: 240.0
  ignore:
    description: >-
      CSCs from the group to ignore in status check, e.g. hexapod_1.
    type: array
    items:
      type: string
required: [az, el]
additionalProperties: false
`

// PointAzEl points the telescope at a fixed azimuth, elevation and
// rotator angle and leaves it there, not tracking
type PointAzEl struct {
	tcsBase
	script.Block

	Az, El, RotTel float64
	TargetName     string
	WaitDome       bool
	SlewTimeout    time.Duration
}

// NewPointAzEl returns a point azel script for the telescope dial returns
func NewPointAzEl(index int, env Env, name string, dial TCSDialer) *PointAzEl {
	return &PointAzEl{
		tcsBase: tcsBase{BaseScript: script.NewBase(index, name, "Point the telescope to a fixed Az/El/Rot."), env: env, dial: dial},
		Block:   env.Block(),
	}
}

var pointAzElBlockSchema = schema.MustMerge(pointAzElSchema, script.BlockSchema)

func (s *PointAzEl) Schema() string { return pointAzElBlockSchema }

func (s *PointAzEl) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Az          float64  `yaml:"az"`
		El          float64  `yaml:"el"`
		RotTel      float64  `yaml:"rot_tel"`
		TargetName  string   `yaml:"target_name"`
		WaitDome    bool     `yaml:"wait_dome"`
		SlewTimeout float64  `yaml:"slew_timeout"`
		Ignore      []string `yaml:"ignore"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Az, s.El, s.RotTel, s.TargetName, s.WaitDome = c.Az, c.El, c.RotTel, c.TargetName, c.WaitDome
	s.SlewTimeout = seconds(c.SlewTimeout)
	if err := s.dialTCS(ctx); err != nil {
		return err
	}
	s.TCS.DisableChecksForComponents(c.Ignore)
	return s.ConfigureBlock(ctx, &s.BaseScript, cfg, "PointAzEl")
}

func (s *PointAzEl) SetMetadata(md *script.Metadata) { md.Duration = s.SlewTimeout }

func (s *PointAzEl) Run(ctx context.Context) error {
	return s.Wrap(ctx, &s.BaseScript, func(ctx context.Context) error {
		if err := s.TCS.AssertAllEnabled(ctx); err != nil {
			return err
		}
		start := time.Now()
		s.Log.Info("start slew", "az", s.Az, "el", s.El, "rot", s.RotTel)
		if err := s.TCS.PointAzEl(ctx, s.Az, s.El, s.RotTel, s.TargetName, s.WaitDome, s.SlewTimeout); err != nil {
			return err
		}
		if err := s.TCS.StopTracking(ctx); err != nil {
			return err
		}
		s.Log.Info("slew finished", "elapsed", time.Since(start))
		return nil
	})
}

func (s *PointAzEl) Cleanup(ctx context.Context) error {
	if s.State() == script.Stopping {
		return nil
	}
	if err := s.TCS.StopTracking(ctx); err != nil {
		s.Log.Error("stop tracking failed during cleanup", "err", err)
	}
	return nil
}

// StopTracking stops the telescope
type StopTracking struct {
	tcsBase

	// SettleTime is the telescope settle time reported as duration
	SettleTime time.Duration
}

// NewStopTracking returns a stop tracking script for the telescope dial
// returns
func NewStopTracking(index int, env Env, name string, dial TCSDialer) *StopTracking {
	return &StopTracking{
		tcsBase:    tcsBase{BaseScript: script.NewBase(index, name, "Stop telescope tracking."), env: env, dial: dial},
		SettleTime: 3 * time.Second,
	}
}

func (s *StopTracking) Schema() string { return "" }

func (s *StopTracking) Configure(ctx context.Context, cfg script.Config) error {
	return s.dialTCS(ctx)
}

func (s *StopTracking) SetMetadata(md *script.Metadata) { md.Duration = s.SettleTime }

func (s *StopTracking) Run(ctx context.Context) error {
	if err := s.Checkpoint(ctx, "Stop tracking"); err != nil {
		return err
	}
	if err := s.TCS.StopTracking(ctx); err != nil {
		return err
	}
	return s.Checkpoint(ctx, "Done")
}

const offsetSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: OffsetTCS v1
description: Configuration for the TCS offset scripts.
type: object
properties:
  offset_azel:
    type: object
    description: Offset in local AzEl coordinates.
    properties:
      az:
        description: Offset in azimuth (arcsec).
        type: number
      el:
        description: Offset in elevation (arcsec).
        type: number
    required: ["az", "el"]
  offset_radec:
    type: object
    description: Offset telescope in RA and Dec.
    properties:
      ra:
        description: Offset in ra (arcsec).
        type: number
      dec:
        description: Offset in dec (arcsec).
        type: number
    required: ["ra", "dec"]
  offset_xy:
    type: object
    description: Offset in the detector X/Y plane.
    properties:
      x:
        description: Offset in camera x-axis (arcsec).
        type: number
      y:
        description: Offset in camera y-axis (arcsec).
        type: number
    required: ["x", "y"]
  offset_rot:
    type: object
    description: Offset rotator angle.
    properties:
      rot:
        description: Offset rotator (degrees).
        type: number
    required: ["rot"]
  offset_pa:
    type: object
    description: >-
      Offset the telescope based on a position angle and radius to the
      current target position.
    properties:
      angle:
        description: Offset position angle, clockwise from North (degrees).
        type: number
      radius:
        description: Radial offset relative to target position (arcsec).
        type: number
    required: ["angle", "radius"]
    additionalProperties: false
  reset_offsets:
    type: object
    description: Reset offsets
    properties:
      reset_absorbed:
        description: Reset absorbed offset? If unsure, set True
        type: boolean
      reset_non_absorbed:
        description: Reset non-absorbed offset? If unsure, set True
        type: boolean
    required: ["reset_absorbed", "reset_non_absorbed"]
  relative:
    description: >-
      If true (default) the offset is applied relative to the current
      position, if false it replaces any existing offsets.
    type: boolean
    default: true
  absorb:
    description: If true the offset is absorbed and persists between slews.
    type: boolean
    default: false
  ignore:
    description: >-
      CSCs from the group to ignore in status check, e.g. hexapod_1.
    type: array
    items:
      type: string
additionalProperties: false
oneOf:
  - required: ["offset_azel"]
  - required: ["offset_radec"]
  - required: ["offset_xy"]
  - required: ["offset_rot"]
  - required: ["offset_pa"]
  - required: ["reset_offsets"]
`

// OffsetAzEl is an offset in local coordinates, arcsec
type OffsetAzEl struct {
	Az float64 `yaml:"az"`
	El float64 `yaml:"el"`
}

// OffsetRADec is an offset in ra and dec, arcsec
type OffsetRADec struct {
	RA  float64 `yaml:"ra"`
	Dec float64 `yaml:"dec"`
}

// OffsetXY is an offset in the detector plane, arcsec
type OffsetXY struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// OffsetPA is an offset of radius arcsec along a position angle
type OffsetPA struct {
	Angle  float64 `yaml:"angle"`
	Radius float64 `yaml:"radius"`
}

// ResetOffsets selects which offsets to clear
type ResetOffsets struct {
	Absorbed    bool `yaml:"reset_absorbed"`
	NonAbsorbed bool `yaml:"reset_non_absorbed"`
}

// Offset applies exactly one kind of pointing offset
type Offset struct {
	tcsBase

	AzEl     *OffsetAzEl
	RADec    *OffsetRADec
	XY       *OffsetXY
	Rot      *float64
	PA       *OffsetPA
	Reset    *ResetOffsets
	Relative bool
	Absorb   bool
}

// NewOffset returns an offset script for the telescope dial returns
func NewOffset(index int, env Env, name string, dial TCSDialer) *Offset {
	return &Offset{tcsBase: tcsBase{BaseScript: script.NewBase(index, name, "Offset the telescope."), env: env, dial: dial}}
}

func (s *Offset) Schema() string { return offsetSchema }

func (s *Offset) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		AzEl  *OffsetAzEl  `yaml:"offset_azel"`
		RADec *OffsetRADec `yaml:"offset_radec"`
		XY    *OffsetXY    `yaml:"offset_xy"`
		Rot   *struct {
			Rot float64 `yaml:"rot"`
		} `yaml:"offset_rot"`
		PA       *OffsetPA     `yaml:"offset_pa"`
		Reset    *ResetOffsets `yaml:"reset_offsets"`
		Relative bool          `yaml:"relative"`
		Absorb   bool          `yaml:"absorb"`
		Ignore   []string      `yaml:"ignore"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.AzEl, s.RADec, s.XY, s.PA, s.Reset = c.AzEl, c.RADec, c.XY, c.PA, c.Reset
	s.Rot = nil
	if c.Rot != nil {
		rot := c.Rot.Rot
		s.Rot = &rot
	}
	s.Relative, s.Absorb = c.Relative, c.Absorb
	if err := s.dialTCS(ctx); err != nil {
		return err
	}
	s.TCS.DisableChecksForComponents(c.Ignore)
	return nil
}

func (s *Offset) SetMetadata(md *script.Metadata) { md.Duration = 10 * time.Second }

func (s *Offset) Run(ctx context.Context) error {
	if err := s.TCS.AssertAllEnabled(ctx); err != nil {
		return err
	}
	if o := s.AzEl; o != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Offset azel: az=%g, el=%g", o.Az, o.El)); err != nil {
			return err
		}
		if err := s.TCS.OffsetAzEl(ctx, o.Az, o.El, s.Relative, s.Absorb); err != nil {
			return err
		}
	}
	if o := s.RADec; o != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Offset radec: ra=%g, dec=%g", o.RA, o.Dec)); err != nil {
			return err
		}
		if err := s.TCS.OffsetRADec(ctx, o.RA, o.Dec, s.Relative, s.Absorb); err != nil {
			return err
		}
	}
	if o := s.XY; o != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Offset xy: x=%g, y=%g", o.X, o.Y)); err != nil {
			return err
		}
		if err := s.TCS.OffsetXY(ctx, o.X, o.Y, s.Relative, s.Absorb); err != nil {
			return err
		}
	}
	if s.Rot != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Offset rot: rot=%g", *s.Rot)); err != nil {
			return err
		}
		if err := s.TCS.OffsetRot(ctx, *s.Rot); err != nil {
			return err
		}
	}
	if o := s.PA; o != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Offset pa: angle=%g, radius=%g", o.Angle, o.Radius)); err != nil {
			return err
		}
		if err := s.TCS.OffsetPA(ctx, o.Angle, o.Radius); err != nil {
			return err
		}
	}
	if o := s.Reset; o != nil {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Reset offsets: absorbed=%t, non_absorbed=%t", o.Absorbed, o.NonAbsorbed)); err != nil {
			return err
		}
		if err := s.TCS.ResetOffsets(ctx, o.Absorbed, o.NonAbsorbed); err != nil {
			return err
		}
	}
	return nil
}
