/*Package maintel holds the standard scripts of the Simonyi main
telescope: the MTCS group and its mount, rotator, hexapods, M1M3 and
dome, and the ComCam imager.
*/
package maintel

import (
	"context"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// NewEnableMTCS enables the MTCS components
func NewEnableMTCS(index int, env scripts.Env) script.Script {
	return scripts.NewEnableGroup(index, env, "maintel/enable_mtcs", "MTCS", control.MTCSComponents)
}

// NewStandbyMTCS puts the MTCS components in STANDBY
func NewStandbyMTCS(index int, env scripts.Env) script.Script {
	return scripts.NewStandbyGroup(index, env, "maintel/standby_mtcs", "MTCS", control.MTCSComponents)
}

// NewOfflineMTCS puts the MTCS components in OFFLINE
func NewOfflineMTCS(index int, env scripts.Env) script.Script {
	return scripts.NewOfflineGroup(index, env, "maintel/offline_mtcs", "MTCS", control.MTCSComponents)
}

func NewEnableComCam(index int, env scripts.Env) script.Script {
	return scripts.NewEnableGroup(index, env, "maintel/enable_comcam", "ComCam", control.ComCamComponents)
}

func NewStandbyComCam(index int, env scripts.Env) script.Script {
	return scripts.NewStandbyGroup(index, env, "maintel/standby_comcam", "ComCam", control.ComCamComponents)
}

func NewSlew(index int, env scripts.Env) script.Script {
	return scripts.NewSlew(index, env, "maintel/track_target", scripts.MainTelTCS)
}

func NewPointAzEl(index int, env scripts.Env) script.Script {
	return scripts.NewPointAzEl(index, env, "maintel/point_azel", scripts.MainTelTCS)
}

func NewOffsetMTCS(index int, env scripts.Env) script.Script {
	return scripts.NewOffset(index, env, "maintel/offset_mtcs", scripts.MainTelTCS)
}

func NewStopTracking(index int, env scripts.Env) script.Script {
	return scripts.NewStopTracking(index, env, "maintel/stop_tracking", scripts.MainTelTCS)
}

const comcamSchema = `
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
required: [image_type]
`

func comcamSetup(t *scripts.TakeImage, cfg script.Config) error {
	var c struct {
		Filter interface{} `yaml:"filter"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	t.Filter = c.Filter
	return nil
}

// NewTakeImageComCam takes a series of ComCam images
func NewTakeImageComCam(index int, env scripts.Env) script.Script {
	return scripts.NewTakeImage(index, env, "maintel/take_image_comcam", scripts.ComCam, comcamSchema, comcamSetup)
}

const ignoreSchema = `
type: object
properties:
  ignore:
    description: >-
      CSCs from the group to ignore in status check. Name must match
      those in the group components, e.g. mthexapod_1.
    type: array
    items:
      type: string
`

// mtcsScript is the base of the scripts that drive the MTCS directly
type mtcsScript struct {
	script.BaseScript
	env scripts.Env

	MTCS *control.MTCS
}

func newMTCSScript(index int, env scripts.Env, name, descr string) mtcsScript {
	return mtcsScript{BaseScript: script.NewBase(index, name, descr), env: env}
}

func (s *mtcsScript) dial(ctx context.Context) error {
	if s.MTCS != nil {
		return nil
	}
	m, err := s.env.DialMTCS(ctx)
	if err != nil {
		return err
	}
	s.MTCS = m
	return nil
}

// configure dials the MTCS and disables the checks of the components
// listed under ignore
func (s *mtcsScript) configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Ignore []string `yaml:"ignore"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	if err := s.dial(ctx); err != nil {
		return err
	}
	if len(c.Ignore) > 0 {
		s.Log.Info("ignoring components", "ignore", c.Ignore)
		s.MTCS.DisableChecksForComponents(c.Ignore)
	}
	return nil
}
