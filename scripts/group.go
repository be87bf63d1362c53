package scripts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

// GroupScript moves every component of a device group to one summary
// state.  Components listed in ignore are left alone.  EnableGroup
// scripts also take a configuration override per component, keyed by
// attribute name (ATDome -> atdome, MTHexapod:1 -> mthexapod_1).
type GroupScript struct {
	script.BaseScript
	env Env

	GroupName  string
	Components []string
	Target     sal.State

	Ignore    []string
	Overrides map[string]string
	Group     *control.Group
}

func newGroupScript(index int, env Env, name, descr, group string, components []string, target sal.State) *GroupScript {
	return &GroupScript{
		BaseScript: script.NewBase(index, name, descr),
		env:        env,
		GroupName:  group,
		Components: components,
		Target:     target,
	}
}

// NewEnableGroup returns a script that enables components
func NewEnableGroup(index int, env Env, name, group string, components []string) *GroupScript {
	return newGroupScript(index, env, name, fmt.Sprintf("Enable %s components.", group), group, components, sal.Enabled)
}

// NewStandbyGroup returns a script that puts components in STANDBY
func NewStandbyGroup(index int, env Env, name, group string, components []string) *GroupScript {
	return newGroupScript(index, env, name, fmt.Sprintf("Put %s components in standby.", group), group, components, sal.Standby)
}

// NewOfflineGroup returns a script that puts components in OFFLINE
func NewOfflineGroup(index int, env Env, name, group string, components []string) *GroupScript {
	return newGroupScript(index, env, name, fmt.Sprintf("Put %s components in offline.", group), group, components, sal.Offline)
}

// attrs returns the attribute names of the group components
func (s *GroupScript) attrs() []string {
	out := make([]string, 0, len(s.Components))
	for _, id := range s.Components {
		name, index, err := sal.ParseNameIndex(id)
		if err != nil {
			continue
		}
		out = append(out, sal.AttrName(name, index))
	}
	return out
}

func (s *GroupScript) Schema() string {
	var b strings.Builder
	fmt.Fprintf(&b, `$schema: http://json-schema.org/draft-07/schema#
title: %s v1
description: Configuration for %s.
type: object
properties:
  ignore:
    description: >-
      CSCs from the group to ignore, e.g. [%s].
    type: array
    items:
      type: string
    default: []
`, s.GroupName, s.Name, strings.Join(s.attrs(), ", "))
	if s.Target == sal.Enabled {
		for _, a := range s.attrs() {
			fmt.Fprintf(&b, "  %s:\n    description: Configuration override for %s.\n    type: string\n", a, a)
		}
	}
	b.WriteString("additionalProperties: false\n")
	return b.String()
}

func (s *GroupScript) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Ignore []string `yaml:"ignore"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Ignore = c.Ignore
	s.Overrides = map[string]string{}
	if s.Target == sal.Enabled {
		for _, a := range s.attrs() {
			if v, ok := cfg[a].(string); ok {
				s.Overrides[a] = v
			}
		}
	}
	if s.Group == nil {
		g, err := control.DialGroup(ctx, s.env.Dialer, s.GroupName, s.Components...)
		if err != nil {
			return err
		}
		s.Group = g
	}
	s.Group.DisableChecksForComponents(s.Ignore)
	return nil
}

func (s *GroupScript) SetMetadata(md *script.Metadata) { md.Duration = 60 * time.Second }

func (s *GroupScript) Run(ctx context.Context) error {
	switch s.Target {
	case sal.Enabled:
		return s.Group.Enable(ctx, s.Overrides)
	case sal.Standby:
		return s.Group.Standby(ctx)
	}
	return s.Group.Offline(ctx)
}
