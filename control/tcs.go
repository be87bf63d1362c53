package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
)

// ErrUnresolved is returned by SlewObject when no Resolver is set
var ErrUnresolved = errors.New("no object name resolver configured")

// Resolver looks up the ICRS coordinates (ra in hours, dec in degrees)
// of a named object
type Resolver func(ctx context.Context, name string) (ra, dec float64, err error)

// TCS is the part of a telescope control system shared by the
// auxiliary and main telescopes: pointing, tracking and offsets
type TCS struct {
	*Group

	// attribute names of the pointing, mount and dome components
	ptg, mount, dome string

	SlewTimeout time.Duration
	Resolver    Resolver
	Site        Site
	Now         func() time.Time
}

func newTCS(g *Group, ptg, mount, dome string) *TCS {
	return &TCS{
		Group:       g,
		ptg:         ptg,
		mount:       mount,
		dome:        dome,
		SlewTimeout: 240 * time.Second,
		Site:        CerroPachon,
		Now:         time.Now,
	}
}

// SunAzEl is the current position of the sun
func (t *TCS) SunAzEl() (az, el float64) {
	return SunAzEl(t.Now(), t.Site)
}

// inPosition waits for the mount to report all axes in position
func (t *TCS) inPosition(ctx context.Context, timeout time.Duration) error {
	r := t.Remote(t.mount)
	_, err := poll.Sample(ctx, r.Event("allAxesInPosition"), poll.Options{Timeout: timeout}, func(s sal.Sample) (bool, error) {
		return s.Bool("inPosition")
	})
	if err != nil {
		return fmt.Errorf("%s: waiting for axes in position: %w", t.mount, err)
	}
	return nil
}

func (t *TCS) slew(ctx context.Context, cmd string, p sal.Params, timeout time.Duration) error {
	if timeout == 0 {
		timeout = t.SlewTimeout
	}
	t.Remote(t.mount).Event("allAxesInPosition").Flush()
	if err := t.command(ctx, t.ptg, cmd, p, LongTimeout); err != nil {
		return err
	}
	return t.inPosition(ctx, timeout)
}

// SlewICRS points at ICRS coordinates (ra in hours, dec in degrees) and
// starts tracking with the sky position angle rotSky
func (t *TCS) SlewICRS(ctx context.Context, ra, dec, rotSky float64, targetName string) error {
	t.Log.Info("slew", "ra", ra, "dec", dec, "rot_sky", rotSky, "target", targetName)
	return t.slew(ctx, "raDecTarget", sal.Params{
		"targetName":  targetName,
		"ra":          ra,
		"declination": dec,
		"rotPA":       rotSky,
		"rotFrame":    "target",
	}, 0)
}

// SlewObject resolves name to coordinates and slews there
func (t *TCS) SlewObject(ctx context.Context, name string, rotSky float64) error {
	if t.Resolver == nil {
		return fmt.Errorf("%s: %w", name, ErrUnresolved)
	}
	ra, dec, err := t.Resolver(ctx, name)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", name, err)
	}
	return t.SlewICRS(ctx, ra, dec, rotSky, name)
}

// PointAzEl slews to a fixed azimuth and elevation.  With waitDome the
// dome must also report in position.
func (t *TCS) PointAzEl(ctx context.Context, az, el, rotTel float64, targetName string, waitDome bool, timeout time.Duration) error {
	t.Log.Info("point azel", "az", az, "el", el, "rot_tel", rotTel, "target", targetName)
	var dome *sal.Reader
	if waitDome && t.dome != "" {
		dome = t.Remote(t.dome).Event(t.domeInPositionTopic())
		dome.Flush()
	}
	err := t.slew(ctx, "azElTarget", sal.Params{
		"targetName": targetName,
		"azDegs":     az,
		"elDegs":     el,
		"rotPA":      rotTel,
	}, timeout)
	if err != nil || dome == nil {
		return err
	}
	if timeout == 0 {
		timeout = t.SlewTimeout
	}
	_, err = poll.Sample(ctx, dome, poll.Options{Current: true, Timeout: timeout}, func(s sal.Sample) (bool, error) {
		return s.Bool("inPosition")
	})
	return err
}

func (t *TCS) domeInPositionTopic() string {
	if t.dome == "mtdome" {
		return "azMotion"
	}
	return "azimuthInPosition"
}

// StopTracking stops the mount
func (t *TCS) StopTracking(ctx context.Context) error {
	return t.command(ctx, t.ptg, "stopTracking", nil, FastTimeout)
}

func offsetNum(relative bool) int {
	if relative {
		return 0
	}
	return 1
}

func (t *TCS) absorb(ctx context.Context, absorb bool) error {
	if !absorb {
		return nil
	}
	return t.command(ctx, t.ptg, "poriginAbsorb", sal.Params{"num": 0}, FastTimeout)
}

// OffsetAzEl offsets the pointing in azimuth and elevation (arcsec)
func (t *TCS) OffsetAzEl(ctx context.Context, az, el float64, relative, absorb bool) error {
	if err := t.command(ctx, t.ptg, "offsetAzEl", sal.Params{"az": az, "el": el, "num": offsetNum(relative)}, FastTimeout); err != nil {
		return err
	}
	return t.absorb(ctx, absorb)
}

// OffsetRADec offsets the pointing in ra and dec (arcsec)
func (t *TCS) OffsetRADec(ctx context.Context, ra, dec float64, relative, absorb bool) error {
	if err := t.command(ctx, t.ptg, "offsetRADec", sal.Params{"type": 1, "off1": ra, "off2": dec, "num": offsetNum(relative)}, FastTimeout); err != nil {
		return err
	}
	return t.absorb(ctx, absorb)
}

// OffsetXY offsets the pointing origin in the focal plane (arcsec)
func (t *TCS) OffsetXY(ctx context.Context, x, y float64, relative, absorb bool) error {
	if err := t.command(ctx, t.ptg, "poriginOffset", sal.Params{"dx": x, "dy": y, "num": offsetNum(relative)}, FastTimeout); err != nil {
		return err
	}
	return t.absorb(ctx, absorb)
}

// OffsetRot offsets the rotator (degrees)
func (t *TCS) OffsetRot(ctx context.Context, rot float64) error {
	return t.command(ctx, t.ptg, "rotOffset", sal.Params{"iaa": rot}, FastTimeout)
}

// OffsetPA offsets by radius (arcsec) along position angle (degrees,
// north through east)
func (t *TCS) OffsetPA(ctx context.Context, angle, radius float64) error {
	ra := radius * math.Sin(angle*deg)
	dec := radius * math.Cos(angle*deg)
	return t.OffsetRADec(ctx, ra, dec, true, false)
}

// ResetOffsets clears the absorbed and/or non absorbed offsets
func (t *TCS) ResetOffsets(ctx context.Context, absorbed, nonAbsorbed bool) error {
	for num, on := range []bool{absorbed, nonAbsorbed} {
		if !on {
			continue
		}
		if err := t.command(ctx, t.ptg, "offsetClear", sal.Params{"num": num}, FastTimeout); err != nil {
			return err
		}
		if err := t.command(ctx, t.ptg, "poriginClear", sal.Params{"num": num}, FastTimeout); err != nil {
			return err
		}
	}
	return nil
}
