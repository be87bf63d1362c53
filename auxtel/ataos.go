package auxtel

import (
	"context"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// DefaultCorrections are the ATAOS corrections switched on for
// observing: mirror pressure, hexapod and spectrograph focus offsets
var DefaultCorrections = control.ATAOSCorrections{M1: true, Hexapod: true, ATSpectrograph: true}

const enableCorrectionsSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: EnableATAOSCorrections v1
description: Configuration for EnableATAOSCorrections.
type: object
properties:
  ignore:
    description: ATCS components to ignore in availability check.
    type: array
    items:
      type: string
additionalProperties: false
`

// EnableATAOSCorrections switches the ATAOS corrections on
type EnableATAOSCorrections struct {
	atcsScript
	Corrections control.ATAOSCorrections
}

func NewEnableATAOSCorrections(index int, env scripts.Env) script.Script {
	return &EnableATAOSCorrections{
		atcsScript:  newATCSScript(index, env, "auxtel/enable_ataos_corrections", "Enable ATAOS corrections."),
		Corrections: DefaultCorrections,
	}
}

func (s *EnableATAOSCorrections) Schema() string { return enableCorrectionsSchema }

func (s *EnableATAOSCorrections) Configure(ctx context.Context, cfg script.Config) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	return s.ignore(cfg)
}

func (s *EnableATAOSCorrections) SetMetadata(md *script.Metadata) {}

func (s *EnableATAOSCorrections) Run(ctx context.Context) error {
	if err := s.ATCS.AssertAllEnabled(ctx); err != nil {
		return err
	}
	return s.ATCS.EnableATAOSCorrections(ctx, s.Corrections)
}

const disableCorrectionsSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: DisableATAOSCorrections v1
description: Configuration for DisableATAOSCorrections
type: object
properties:
  ignore_fail:
    description: >-
      Should it be ignored if the disable operation fails?  If disabling
      succeeds the parameter has no effect.
    type: boolean
    default: true
  ignore:
    description: >-
      CSCs from the group to ignore. Name must match those in the group
      components, e.g. atmcs.
    type: array
    items:
      type: string
additionalProperties: false
`

// DisableATAOSCorrections switches every ATAOS correction off
type DisableATAOSCorrections struct {
	atcsScript
	IgnoreFail bool
}

func NewDisableATAOSCorrections(index int, env scripts.Env) script.Script {
	return &DisableATAOSCorrections{
		atcsScript: newATCSScript(index, env, "auxtel/disable_ataos_corrections", "Disable ATAOS corrections"),
	}
}

func (s *DisableATAOSCorrections) Schema() string { return disableCorrectionsSchema }

func (s *DisableATAOSCorrections) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		IgnoreFail bool `yaml:"ignore_fail"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.IgnoreFail = c.IgnoreFail
	if err := s.dial(ctx); err != nil {
		return err
	}
	return s.ignore(cfg)
}

func (s *DisableATAOSCorrections) SetMetadata(md *script.Metadata) {}

func (s *DisableATAOSCorrections) Run(ctx context.Context) error {
	if err := s.ATCS.AssertAllEnabled(ctx); err != nil {
		return err
	}
	err := s.ATCS.DisableATAOSCorrections(ctx)
	if err != nil && s.IgnoreFail {
		s.Log.Warn("failed to disable ATAOS corrections, ignoring", "err", err)
		return nil
	}
	return err
}
