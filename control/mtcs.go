package control

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
)

// MTCSComponents are the components of the main telescope
var MTCSComponents = []string{"MTMount", "MTPtg", "MTAOS", "MTM1M3", "MTM2", "MTHexapod:1", "MTHexapod:2", "MTRotator", "MTDome", "MTDomeTrajectory"}

// Main telescope timeouts
const (
	M1M3Timeout     = 600 * time.Second
	HexapodTimeout  = 60 * time.Second
	RotatorTimeout  = 120 * time.Second
	MTDomeTimeout   = 300 * time.Second
	camHexapod      = "mthexapod_1"
	m2Hexapod       = "mthexapod_2"
	mtDomeComponent = "mtdome"
)

// ParkPosition is where ParkMount leaves the mount
type ParkPosition int

// Park positions
const (
	ParkZenith ParkPosition = iota
	ParkHorizon
)

// ParseParkPosition parses ZENITH or HORIZON
func ParseParkPosition(s string) (ParkPosition, error) {
	switch s {
	case "ZENITH":
		return ParkZenith, nil
	case "HORIZON":
		return ParkHorizon, nil
	}
	return 0, fmt.Errorf("unknown park position %q", s)
}

// HexapodPosition is a hexapod position or offset: x, y, z in microns and
// u, v, w in degrees
type HexapodPosition struct {
	X, Y, Z, U, V, W float64
}

func (h HexapodPosition) params(sync bool) sal.Params {
	return sal.Params{"x": h.X, "y": h.Y, "z": h.Z, "u": h.U, "v": h.V, "w": h.W, "sync": sync}
}

// MTCS is the main telescope control system
type MTCS struct {
	*TCS
}

// NewMTCS dials the main telescope components
func NewMTCS(ctx context.Context, d sal.Dialer) (*MTCS, error) {
	g, err := DialGroup(ctx, d, "MTCS", MTCSComponents...)
	if err != nil {
		return nil, err
	}
	return &MTCS{TCS: newTCS(g, "mtptg", "mtmount", mtDomeComponent)}, nil
}

// waitInPosition runs cmd on attr and waits for its inPosition event
func (m *MTCS) waitInPosition(ctx context.Context, attr, cmd string, p sal.Params, wait bool, timeout time.Duration) error {
	evt := m.Remote(attr).Event("inPosition")
	evt.Flush()
	if err := m.command(ctx, attr, cmd, p, timeout); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Timeout: timeout}, func(s sal.Sample) (bool, error) {
		return s.Bool("inPosition")
	})
	if err != nil {
		return fmt.Errorf("%s not in position after %s: %w", attr, cmd, err)
	}
	return nil
}

// MoveCameraHexapod moves the camera hexapod to an absolute position
func (m *MTCS) MoveCameraHexapod(ctx context.Context, pos HexapodPosition, sync bool) error {
	m.Log.Info("move camera hexapod", "position", pos, "sync", sync)
	return m.waitInPosition(ctx, camHexapod, "move", pos.params(sync), true, HexapodTimeout)
}

// OffsetCameraHexapod moves the camera hexapod relative to where it is
func (m *MTCS) OffsetCameraHexapod(ctx context.Context, off HexapodPosition, sync bool) error {
	m.Log.Info("offset camera hexapod", "offset", off, "sync", sync)
	return m.waitInPosition(ctx, camHexapod, "offset", off.params(sync), true, HexapodTimeout)
}

// ResetCameraHexapodPosition moves the camera hexapod to zero
func (m *MTCS) ResetCameraHexapodPosition(ctx context.Context) error {
	return m.MoveCameraHexapod(ctx, HexapodPosition{}, true)
}

// OffsetM2Hexapod moves the M2 hexapod relative to where it is
func (m *MTCS) OffsetM2Hexapod(ctx context.Context, off HexapodPosition, sync bool) error {
	return m.waitInPosition(ctx, m2Hexapod, "offset", off.params(sync), true, HexapodTimeout)
}

// MoveRotator moves the rotator to position (degrees).  Without wait it
// returns as soon as the command is accepted.
func (m *MTCS) MoveRotator(ctx context.Context, position float64, wait bool) error {
	m.Log.Info("move rotator", "position", position, "wait", wait)
	return m.waitInPosition(ctx, "mtrotator", "move", sal.Params{"position": position}, wait, RotatorTimeout)
}

// StopRotator stops the rotator
func (m *MTCS) StopRotator(ctx context.Context) error {
	return m.command(ctx, "mtrotator", "stop", nil, FastTimeout)
}

func (m *MTCS) m1m3To(ctx context.Context, cmd string, want enum.M1M3DetailedState) error {
	evt := m.Remote("mtm1m3").Event("detailedState")
	if s, ok := evt.Get(); ok {
		if v, _ := s.Int("detailedState"); enum.M1M3DetailedState(v) == want {
			m.Log.Info("M1M3 already in position", "state", want.String())
			return nil
		}
	}
	evt.Flush()
	if err := m.command(ctx, "mtm1m3", cmd, sal.Params{"bypassReferencePosition": false}, LongTimeout); err != nil {
		return err
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Timeout: M1M3Timeout}, func(s sal.Sample) (bool, error) {
		v, err := s.Int("detailedState")
		if enum.M1M3DetailedState(v) == enum.M1M3Fault {
			return false, fmt.Errorf("M1M3 went to %s", enum.M1M3Fault)
		}
		return enum.M1M3DetailedState(v) == want, err
	})
	if err != nil {
		return fmt.Errorf("M1M3 did not reach %s: %w", want, err)
	}
	return nil
}

// RaiseM1M3 raises the primary mirror onto its active supports
func (m *MTCS) RaiseM1M3(ctx context.Context) error {
	return m.m1m3To(ctx, "raiseM1M3", enum.M1M3Active)
}

// LowerM1M3 lowers the primary mirror onto its static supports
func (m *MTCS) LowerM1M3(ctx context.Context) error {
	return m.m1m3To(ctx, "lowerM1M3", enum.M1M3Parked)
}

// ParkMount parks the mount at position
func (m *MTCS) ParkMount(ctx context.Context, position ParkPosition) error {
	return m.command(ctx, "mtmount", "park", sal.Params{"position": int(position)}, m.SlewTimeout)
}

// UnparkMount takes the mount out of its park position
func (m *MTCS) UnparkMount(ctx context.Context) error {
	return m.command(ctx, "mtmount", "unpark", nil, m.SlewTimeout)
}

// SetDomeFollowing enables or disables the dome following the telescope
func (m *MTCS) SetDomeFollowing(ctx context.Context, enable bool) error {
	return m.command(ctx, "mtdometrajectory", "setFollowingMode", sal.Params{"enable": enable}, FastTimeout)
}

func (m *MTCS) domeTo(ctx context.Context, az float64) error {
	evt := m.Remote(mtDomeComponent).Event("azMotion")
	evt.Flush()
	if err := m.command(ctx, mtDomeComponent, "moveAz", sal.Params{"position": wrap360(az), "velocity": 0.0}, FastTimeout); err != nil {
		return err
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Timeout: MTDomeTimeout}, func(s sal.Sample) (bool, error) {
		return s.Bool("inPosition")
	})
	return err
}

// SlewDomeTo disables dome following and moves the dome to az
func (m *MTCS) SlewDomeTo(ctx context.Context, az float64) error {
	if err := m.SetDomeFollowing(ctx, false); err != nil {
		return err
	}
	return m.domeTo(ctx, az)
}

// HomeDome moves the dome to physicalAz, the azimuth read off the
// markings, and declares it zero
func (m *MTCS) HomeDome(ctx context.Context, physicalAz float64) error {
	if err := m.SlewDomeTo(ctx, physicalAz); err != nil {
		return err
	}
	return m.command(ctx, mtDomeComponent, "setZeroAz", nil, FastTimeout)
}
