/*Package auxtel holds the standard scripts of the auxiliary telescope:
the ATCS group (mount, pointing, dome, ATAOS, hexapod, pneumatics), the
LATISS imager and the ATCalSys flat field illuminator.

Most scripts are the generic ones of package scripts bound to the
auxiliary telescope; the dome, ATAOS, calibration and shutdown scripts
are specific to it.  Every constructor has the signature the registry
expects, func(index int, env scripts.Env) script.Script.
*/
package auxtel

import (
	"context"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// NewEnableATCS enables the ATCS components
func NewEnableATCS(index int, env scripts.Env) script.Script {
	return scripts.NewEnableGroup(index, env, "auxtel/enable_atcs", "ATCS", control.ATCSComponents)
}

// NewStandbyATCS puts the ATCS components in STANDBY
func NewStandbyATCS(index int, env scripts.Env) script.Script {
	return scripts.NewStandbyGroup(index, env, "auxtel/standby_atcs", "ATCS", control.ATCSComponents)
}

// NewOfflineATCS puts the ATCS components in OFFLINE
func NewOfflineATCS(index int, env scripts.Env) script.Script {
	return scripts.NewOfflineGroup(index, env, "auxtel/offline_atcs", "ATCS", control.ATCSComponents)
}

// NewEnableLATISS enables the LATISS components
func NewEnableLATISS(index int, env scripts.Env) script.Script {
	return scripts.NewEnableGroup(index, env, "auxtel/enable_latiss", "LATISS", control.LATISSComponents)
}

// NewStandbyLATISS puts the LATISS components in STANDBY
func NewStandbyLATISS(index int, env scripts.Env) script.Script {
	return scripts.NewStandbyGroup(index, env, "auxtel/standby_latiss", "LATISS", control.LATISSComponents)
}

// NewOfflineLATISS puts the LATISS components in OFFLINE
func NewOfflineLATISS(index int, env scripts.Env) script.Script {
	return scripts.NewOfflineGroup(index, env, "auxtel/offline_latiss", "LATISS", control.LATISSComponents)
}

func NewSlew(index int, env scripts.Env) script.Script {
	return scripts.NewSlew(index, env, "auxtel/track_target", scripts.AuxTelTCS)
}

func NewPointAzEl(index int, env scripts.Env) script.Script {
	return scripts.NewPointAzEl(index, env, "auxtel/point_azel", scripts.AuxTelTCS)
}

func NewOffsetATCS(index int, env scripts.Env) script.Script {
	return scripts.NewOffset(index, env, "auxtel/offset_atcs", scripts.AuxTelTCS)
}

func NewStopTracking(index int, env scripts.Env) script.Script {
	return scripts.NewStopTracking(index, env, "auxtel/stop_tracking", scripts.AuxTelTCS)
}

const latissSchema = `
type: object
properties:
  filter:
    description: Filter name or ID; if omitted the filter is not changed.
    anyOf:
      - type: string
      - type: integer
        minimum: 1
      - type: "null"
    default: null
  grating:
    description: Grating name; if omitted the grating is not changed.
    anyOf:
      - type: string
      - type: integer
        minimum: 1
      - type: "null"
    default: null
  linear_stage:
    description: Linear stage position; if omitted the linear stage is not moved.
    anyOf:
      - type: number
      - type: "null"
    default: null
required: [image_type]
`

func latissSetup(t *scripts.TakeImage, cfg script.Config) error {
	var c struct {
		Filter      interface{} `yaml:"filter"`
		Grating     interface{} `yaml:"grating"`
		LinearStage *float64    `yaml:"linear_stage"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	t.Filter, t.Grating, t.LinearStage = c.Filter, c.Grating, c.LinearStage
	return nil
}

// NewTakeImageLATISS takes a series of LATISS images, setting up the
// filter, grating and linear stage first when given
func NewTakeImageLATISS(index int, env scripts.Env) script.Script {
	return scripts.NewTakeImage(index, env, "auxtel/take_image_latiss", scripts.LATISS, latissSchema, latissSetup)
}

// atcsScript is the base of the scripts that drive the ATCS directly
type atcsScript struct {
	script.BaseScript
	env scripts.Env

	ATCS *control.ATCS
}

func newATCSScript(index int, env scripts.Env, name, descr string) atcsScript {
	return atcsScript{BaseScript: script.NewBase(index, name, descr), env: env}
}

func (s *atcsScript) dial(ctx context.Context) error {
	if s.ATCS != nil {
		return nil
	}
	a, err := s.env.DialATCS(ctx)
	if err != nil {
		return err
	}
	s.ATCS = a
	return nil
}

// ignore disables the checks of the components listed under ignore
func (s *atcsScript) ignore(cfg script.Config) error {
	var c struct {
		Ignore []string `yaml:"ignore"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	if len(c.Ignore) > 0 {
		s.Log.Info("ignoring components", "ignore", c.Ignore)
		s.ATCS.DisableChecksForComponents(c.Ignore)
	}
	return nil
}
