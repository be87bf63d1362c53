package control

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
)

// ATCSComponents are the components of the auxiliary telescope
var ATCSComponents = []string{"ATMCS", "ATPtg", "ATAOS", "ATPneumatics", "ATHexapod", "ATDome", "ATDomeTrajectory"}

// Auxiliary telescope park and vent positions, degrees
const (
	ATTelParkAz   = 0.0
	ATTelParkEl   = 80.0
	ATTelParkRot  = 0.0
	ATTelVentEl   = 17.0
	ATDomeParkAz  = 285.0
	ATVentOffset  = 180.0
	ATDomeTimeout = 300 * time.Second
)

// ATCS is the auxiliary telescope control system
type ATCS struct {
	*TCS
}

// NewATCS dials the auxiliary telescope components
func NewATCS(ctx context.Context, d sal.Dialer) (*ATCS, error) {
	g, err := DialGroup(ctx, d, "ATCS", ATCSComponents...)
	if err != nil {
		return nil, err
	}
	return &ATCS{TCS: newTCS(g, "atptg", "atmcs", "atdome")}, nil
}

func (a *ATCS) waitDoor(ctx context.Context, topic string, want enum.ShutterState) error {
	_, err := poll.Sample(ctx, a.Remote("atdome").Event(topic), poll.Options{Timeout: ATDomeTimeout}, func(s sal.Sample) (bool, error) {
		v, err := s.Int("state")
		return enum.ShutterState(v) == want, err
	})
	if err != nil {
		return fmt.Errorf("atdome %s did not reach %s: %w", topic, want, err)
	}
	return nil
}

func (a *ATCS) doorCommand(ctx context.Context, cmd string, p sal.Params, topic string, want enum.ShutterState) error {
	evt := a.Remote("atdome").Event(topic)
	if s, ok := evt.Get(); ok {
		if v, _ := s.Int("state"); enum.ShutterState(v) == want {
			a.Log.Info("already in position", "door", topic, "state", want.String())
			return nil
		}
	}
	evt.Flush()
	if err := a.command(ctx, "atdome", cmd, p, LongTimeout); err != nil {
		return err
	}
	return a.waitDoor(ctx, topic, want)
}

// OpenDome opens the main door
func (a *ATCS) OpenDome(ctx context.Context) error {
	return a.doorCommand(ctx, "openShutter", nil, "mainDoorState", enum.ShutterOpened)
}

// CloseDome closes the main door
func (a *ATCS) CloseDome(ctx context.Context) error {
	return a.doorCommand(ctx, "closeShutter", nil, "mainDoorState", enum.ShutterClosed)
}

// OpenDropoutDoor opens the lower dropout door
func (a *ATCS) OpenDropoutDoor(ctx context.Context) error {
	return a.doorCommand(ctx, "moveShutterDropoutDoor", sal.Params{"open": true}, "dropoutDoorState", enum.ShutterOpened)
}

// CloseDropoutDoor closes the lower dropout door
func (a *ATCS) CloseDropoutDoor(ctx context.Context) error {
	return a.doorCommand(ctx, "moveShutterDropoutDoor", sal.Params{"open": false}, "dropoutDoorState", enum.ShutterClosed)
}

// SetDomeFollowing enables or disables the dome following the telescope
func (a *ATCS) SetDomeFollowing(ctx context.Context, enable bool) error {
	return a.command(ctx, "atdometrajectory", "setFollowingMode", sal.Params{"enable": enable}, FastTimeout)
}

// SlewDomeTo disables dome following and moves the dome to az
func (a *ATCS) SlewDomeTo(ctx context.Context, az float64) error {
	if err := a.SetDomeFollowing(ctx, false); err != nil {
		return err
	}
	evt := a.Remote("atdome").Event("azimuthInPosition")
	evt.Flush()
	if err := a.command(ctx, "atdome", "moveAzimuth", sal.Params{"azimuth": wrap360(az)}, FastTimeout); err != nil {
		return err
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Timeout: ATDomeTimeout}, func(s sal.Sample) (bool, error) {
		return s.Bool("inPosition")
	})
	return err
}

// HomeDome finds the dome azimuth home position
func (a *ATCS) HomeDome(ctx context.Context) error {
	evt := a.Remote("atdome").Event("azimuthState")
	evt.Flush()
	if err := a.command(ctx, "atdome", "homeAzimuth", nil, FastTimeout); err != nil {
		return err
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Timeout: ATDomeTimeout}, func(s sal.Sample) (bool, error) {
		homing, err := s.Bool("homing")
		return !homing, err
	})
	return err
}

// ATAOSCorrections selects the ATAOS corrections to switch
type ATAOSCorrections struct {
	M1             bool
	Hexapod        bool
	Focus          bool
	ATSpectrograph bool
	MoveHexapod    bool
}

// AllCorrections switches every ATAOS correction
var AllCorrections = ATAOSCorrections{M1: true, Hexapod: true, Focus: true, ATSpectrograph: true, MoveHexapod: true}

func (c ATAOSCorrections) params() sal.Params {
	return sal.Params{
		"m1":             c.M1,
		"hexapod":        c.Hexapod,
		"focus":          c.Focus,
		"atspectrograph": c.ATSpectrograph,
		"moveHexapod":    c.MoveHexapod,
	}
}

// EnableATAOSCorrections switches the selected ATAOS corrections on
func (a *ATCS) EnableATAOSCorrections(ctx context.Context, c ATAOSCorrections) error {
	return a.command(ctx, "ataos", "enableCorrection", c.params(), LongTimeout)
}

// DisableATAOSCorrections switches every ATAOS correction off
func (a *ATCS) DisableATAOSCorrections(ctx context.Context) error {
	p := AllCorrections.params()
	p["disableAll"] = true
	return a.command(ctx, "ataos", "disableCorrection", p, LongTimeout)
}

// VentAzimuth returns the telescope and dome azimuths that face away
// from the sun
func (a *ATCS) VentAzimuth() (tel, dome float64) {
	sunAz, _ := a.SunAzEl()
	dome = wrap360(sunAz + ATVentOffset)
	tel = wrap360(dome + 180)
	return tel, dome
}

// PrepareForVent points the telescope and dome away from the sun and
// opens the dome for venting
func (a *ATCS) PrepareForVent(ctx context.Context, partiallyOpen bool) error {
	tel, dome := a.VentAzimuth()
	if err := a.PointAzEl(ctx, tel, ATTelVentEl, ATTelParkRot, "Vent Position", false, 0); err != nil {
		return err
	}
	if err := a.StopTracking(ctx); err != nil {
		return err
	}
	if err := a.SlewDomeTo(ctx, dome); err != nil {
		return err
	}
	if err := a.OpenDropoutDoor(ctx); err != nil {
		return err
	}
	if !partiallyOpen {
		return nil
	}
	return a.doorCommand(ctx, "moveShutterMainDoor", sal.Params{"open": true}, "mainDoorState", enum.ShutterPartiallyOpened)
}

// Shutdown parks the telescope and closes the dome for the day
func (a *ATCS) Shutdown(ctx context.Context) error {
	steps := []struct {
		what string
		do   func(ctx context.Context) error
	}{
		{"disable ATAOS corrections", a.DisableATAOSCorrections},
		{"stop tracking", a.StopTracking},
		{"close mirror cover", func(ctx context.Context) error {
			return a.command(ctx, "atpneumatics", "closeM1Cover", nil, LongTimeout)
		}},
		{"close mirror vents", func(ctx context.Context) error {
			return a.command(ctx, "atpneumatics", "closeM1CellVents", nil, LongTimeout)
		}},
		{"disable dome following", func(ctx context.Context) error { return a.SetDomeFollowing(ctx, false) }},
		{"close dome", a.CloseDome},
		{"park telescope", func(ctx context.Context) error {
			return a.PointAzEl(ctx, ATTelParkAz, ATTelParkEl, ATTelParkRot, "Park position", false, 0)
		}},
		{"stop tracking", a.StopTracking},
		{"park dome", func(ctx context.Context) error { return a.SlewDomeTo(ctx, ATDomeParkAz) }},
	}
	for _, s := range steps {
		a.Log.Info("shutdown", "step", s.what)
		if err := s.do(ctx); err != nil {
			return fmt.Errorf("shutdown: %s: %w", s.what, err)
		}
	}
	return nil
}
