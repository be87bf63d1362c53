package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

const setSummaryStateSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: SetSummaryState v1
description: Configuration for SetSummaryState.
type: object
properties:
  data:
    description: >-
      List of [CSC name[:index], state[, configuration override]].
      The state is a summary state name other than FAULT; the override is
      only used when the start command is issued.
    type: array
    minItems: 1
    items:
      type: array
      minItems: 2
      maxItems: 3
      items:
        type: string
required: [data]
additionalProperties: false
`

// StateTarget is one component and the summary state to put it in
type StateTarget struct {
	Name     string
	Index    int
	State    sal.State
	Override string
}

// SetSummaryState puts components into summary states, taking the
// shortest path from each current state
type SetSummaryState struct {
	script.BaseScript
	env Env

	CmdTimeout time.Duration
	Targets    []StateTarget
	remotes    map[string]sal.Remote
}

// NewSetSummaryState returns a SetSummaryState script
func NewSetSummaryState(index int, env Env) script.Script {
	return &SetSummaryState{
		BaseScript: script.NewBase(index, "set_summary_state", "Put CSCs into specified states"),
		env:        env,
		CmdTimeout: 10 * time.Second,
	}
}

func (s *SetSummaryState) Schema() string { return setSummaryStateSchema }

// ParseStateTarget parses one [name[:index], state[, override]] entry
func ParseStateTarget(elt []string) (StateTarget, error) {
	if len(elt) < 2 || len(elt) > 3 {
		return StateTarget{}, fmt.Errorf("%v must have 2 or 3 elements", elt)
	}
	name, index, err := sal.ParseNameIndex(elt[0])
	if err != nil {
		return StateTarget{}, fmt.Errorf("%v: %w", elt, err)
	}
	st, err := sal.ParseState(elt[1])
	if err != nil {
		return StateTarget{}, fmt.Errorf("%v has unknown summary state %q", elt, elt[1])
	}
	if st == sal.Fault {
		return StateTarget{}, fmt.Errorf("%v state cannot be FAULT", elt)
	}
	t := StateTarget{Name: name, Index: index, State: st}
	if len(elt) == 3 {
		t.Override = elt[2]
	}
	return t, nil
}

func (s *SetSummaryState) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Data [][]string `yaml:"data"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Targets = s.Targets[:0]
	s.remotes = map[string]sal.Remote{}
	for _, elt := range c.Data {
		t, err := ParseStateTarget(elt)
		if err != nil {
			return err
		}
		s.Targets = append(s.Targets, t)
		id := sal.FormatNameIndex(t.Name, t.Index)
		if _, ok := s.remotes[id]; ok {
			continue
		}
		s.Log.Debug("dialing", "component", id)
		r, err := s.env.Dialer.Dial(ctx, t.Name, t.Index)
		if err != nil {
			return err
		}
		s.remotes[id] = r
	}
	return nil
}

func (s *SetSummaryState) SetMetadata(md *script.Metadata) {
	md.Duration = time.Duration(len(s.Targets)) * 2 * time.Second
}

func (s *SetSummaryState) Run(ctx context.Context) error {
	for _, t := range s.Targets {
		id := fmt.Sprintf("%s:%d", t.Name, t.Index)
		if err := s.Checkpoint(ctx, "set "+id); err != nil {
			return err
		}
		r := s.remotes[sal.FormatNameIndex(t.Name, t.Index)]
		if _, err := sal.SetSummaryState(ctx, r, t.State, t.Override, s.CmdTimeout); err != nil {
			return err
		}
	}
	return nil
}
