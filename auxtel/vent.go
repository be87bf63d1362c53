package auxtel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// ErrVentConstraints is returned when the sun is outside the band
// venting is allowed in
var ErrVentConstraints = errors.New("vent constraints not met")

// Sun elevation band, degrees, in which venting is allowed
const (
	VentSunElevationMin = 5.0
	VentSunElevationMax = 90.0
)

const prepareForVentSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: PrepareForVent v1
description: Configuration for Prepare for vent.
type: object
properties:
  end_at_sun_elevation:
    description: >-
      Stop venting when sun reaches this altitude.
    type: number
    default: 0.0
additionalProperties: false
`

// PrepareForVent points the telescope and dome away from the sun, opens
// the dome partially and then follows the sun until it sets below
// EndAtSunElevation.  A failed repositioning is logged and the script
// carries on.
type PrepareForVent struct {
	atcsScript
	EndAtSunElevation float64
	TrackSunSleep     time.Duration
}

func NewPrepareForVent(index int, env scripts.Env) script.Script {
	return &PrepareForVent{
		atcsScript:    newATCSScript(index, env, "auxtel/prepare_for/vent", "Prepare for vent."),
		TrackSunSleep: time.Minute,
	}
}

func (s *PrepareForVent) Schema() string { return prepareForVentSchema }

func (s *PrepareForVent) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		EndAtSunElevation float64 `yaml:"end_at_sun_elevation"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.EndAtSunElevation = c.EndAtSunElevation
	return s.dial(ctx)
}

// SetMetadata estimates the time until the sun sets below
// EndAtSunElevation, in ten minute steps over the next day
func (s *PrepareForVent) SetMetadata(md *script.Metadata) {
	const step = 10 * time.Minute
	now := s.ATCS.Now()
	for d := time.Duration(0); d < 24*time.Hour; d += step {
		if _, el := control.SunAzEl(now.Add(d), s.ATCS.Site); el <= s.EndAtSunElevation {
			md.Duration = d
			return
		}
	}
	md.Duration = 24 * time.Hour
}

func (s *PrepareForVent) assertFeasible(az, el float64) error {
	if el > VentSunElevationMax || el < VentSunElevationMin {
		return fmt.Errorf("%w: sun currently at az=%.2f, el=%.2f, elevation must be between %g and %g degrees",
			ErrVentConstraints, az, el, VentSunElevationMin, VentSunElevationMax)
	}
	return nil
}

func (s *PrepareForVent) reposition(ctx context.Context) {
	tel, dome := s.ATCS.VentAzimuth()
	s.Log.Debug("repositioning the telescope and dome", "tel_az", tel, "dome_az", dome)
	err := s.ATCS.PointAzEl(ctx, tel, control.ATTelVentEl, control.ATTelParkRot, "Vent Position", false, 0)
	if err == nil {
		err = s.ATCS.StopTracking(ctx)
	}
	if err == nil {
		err = s.ATCS.SlewDomeTo(ctx, dome)
	}
	if err != nil {
		s.Log.Error("error repositioning the telescope and/or dome, continuing", "err", err)
	}
}

func (s *PrepareForVent) Run(ctx context.Context) error {
	az, el := s.ATCS.SunAzEl()
	if err := s.assertFeasible(az, el); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Preparing..."); err != nil {
		return err
	}
	if err := s.ATCS.PrepareForVent(ctx, true); err != nil {
		return err
	}
	s.Log.Info("venting", "until_sun_elevation", s.EndAtSunElevation)
	for el > s.EndAtSunElevation {
		if err := s.Checkpoint(ctx, fmt.Sprintf("Sun @ %.2f deg [limit=%g].", el, s.EndAtSunElevation)); err != nil {
			return err
		}
		t := time.NewTimer(s.TrackSunSleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.reposition(ctx)
		_, el = s.ATCS.SunAzEl()
	}
	return nil
}
