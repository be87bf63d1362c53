// Package scheduler holds the scripts that operate a Scheduler: setting
// its summary state, loading snapshots and blocks, stopping and resuming.
//
// A Scheduler feeds the ScriptQueue with the same index, and the scripts
// that command it refuse to run from any other queue.  The queue a
// script runs in is its index divided by 100000.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/poll"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

// Timeout bounds every Scheduler command
const Timeout = 30 * time.Second

// ErrWrongQueue is returned when a script runs in a queue other than the
// one its Scheduler feeds
var ErrWrongQueue = errors.New("wrong script queue")

// QueueName is the name of the queue with the given index
func QueueName(index int) string {
	switch index {
	case enum.MainTelScheduler:
		return "MAIN_TEL"
	case enum.AuxTelScheduler:
		return "AUX_TEL"
	}
	return fmt.Sprintf("queue %d", index)
}

type base struct {
	script.BaseScript
	env scripts.Env

	SchedulerIndex int
	Scheduler      sal.Remote
}

func newBase(index int, env scripts.Env, scheduler int, name, descr string) base {
	return base{
		BaseScript:     script.NewBase(index, name, fmt.Sprintf(descr, QueueName(scheduler))),
		env:            env,
		SchedulerIndex: scheduler,
	}
}

func (b *base) dial(ctx context.Context) error {
	if b.Scheduler != nil {
		return nil
	}
	r, err := b.env.Dialer.Dial(ctx, "Scheduler", b.SchedulerIndex)
	if err != nil {
		return err
	}
	b.Scheduler = r
	return nil
}

func (b *base) assertQueue() error {
	if b.Index/100000 != b.SchedulerIndex {
		return fmt.Errorf("%w: script with index %d cannot run in %s queue", ErrWrongQueue, b.Index, QueueName(b.SchedulerIndex))
	}
	return nil
}

func (b *base) SetMetadata(md *script.Metadata) { md.Duration = Timeout }

const addBlockSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseAddBlock v1
description: Configuration for adding BLOCK to scheduler.
type: object
properties:
  id:
    type: string
    description: id of BLOCK to load. This must be a valid BLOCK-ID.
  override:
    type: object
    description: >-
      Configuration overrides to pass to the BLOCK to be loaded.
    additionalProperties: true
required: [id]
additionalProperties: false
`

// AddBlock adds an observing block to the Scheduler
type AddBlock struct {
	base
	ID       string
	Override map[string]interface{}
}

// NewAddBlock returns an AddBlock script for the given Scheduler
func NewAddBlock(index int, env scripts.Env, scheduler int) *AddBlock {
	return &AddBlock{base: newBase(index, env, scheduler, "add_block", "Load block to the %s Scheduler")}
}

func (s *AddBlock) Schema() string { return addBlockSchema }

func (s *AddBlock) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		ID       string                 `yaml:"id"`
		Override map[string]interface{} `yaml:"override"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.ID, s.Override = c.ID, c.Override
	return s.dial(ctx)
}

func (s *AddBlock) Run(ctx context.Context) error {
	if err := s.assertQueue(); err != nil {
		return err
	}
	override := ""
	if s.Override != nil {
		buf, err := yaml.Marshal(s.Override)
		if err != nil {
			return err
		}
		override = string(buf)
	}
	if err := s.Checkpoint(ctx, fmt.Sprintf("Loading %s into scheduler", s.ID)); err != nil {
		return err
	}
	if _, err := s.Scheduler.Command(ctx, "addBlock", sal.Params{"id": s.ID, "override": override}, Timeout); err != nil {
		return err
	}
	return s.Checkpoint(ctx, "BLOCK successfully loaded")
}

const loadSnapshotSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseLoadSnapshot v2
description: Configuration for loading scheduler snapshot.
type: object
properties:
  snapshot:
    description: >-
      Snapshot to load. This must be either a valid uri or the keyword
      "latest", which will cause it to load the last published snapshot.
    type: string
required: [snapshot]
additionalProperties: false
`

// LoadSnapshot loads a Scheduler snapshot given by uri, or the one the
// Scheduler published last
type LoadSnapshot struct {
	base
	URI string
}

// NewLoadSnapshot returns a LoadSnapshot script for the given Scheduler
func NewLoadSnapshot(index int, env scripts.Env, scheduler int) *LoadSnapshot {
	return &LoadSnapshot{base: newBase(index, env, scheduler, "load_snapshot", "Load snapshot for %s Scheduler")}
}

func (s *LoadSnapshot) Schema() string { return loadSnapshotSchema }

func (s *LoadSnapshot) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Snapshot string `yaml:"snapshot"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	if err := s.dial(ctx); err != nil {
		return err
	}
	s.Log.Info("snapshot", "snapshot", c.Snapshot)
	if c.Snapshot != "latest" {
		s.URI = c.Snapshot
		return nil
	}
	latest, err := s.Scheduler.Event("largeFileObjectAvailable").Aget(ctx, Timeout)
	if err != nil {
		return fmt.Errorf("no snapshot information from the Scheduler, it must have published at least one snapshot to load the latest: %w", err)
	}
	if s.URI, err = latest.String("url"); err != nil {
		return err
	}
	s.Log.Info("latest snapshot", "uri", s.URI)
	return nil
}

func (s *LoadSnapshot) Run(ctx context.Context) error {
	if err := s.assertQueue(); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Loading snapshot"); err != nil {
		return err
	}
	if _, err := s.Scheduler.Command(ctx, "load", sal.Params{"uri": s.URI}, Timeout); err != nil {
		return err
	}
	return s.Checkpoint(ctx, "Snapshot loaded")
}

// Resume resumes a stopped Scheduler
type Resume struct {
	base
}

// NewResume returns a Resume script for the given Scheduler
func NewResume(index int, env scripts.Env, scheduler int) *Resume {
	return &Resume{base: newBase(index, env, scheduler, "resume", "Resume %s Scheduler")}
}

func (s *Resume) Schema() string { return "" }

func (s *Resume) Configure(ctx context.Context, cfg script.Config) error { return s.dial(ctx) }

func (s *Resume) Run(ctx context.Context) error {
	if err := s.assertQueue(); err != nil {
		return err
	}
	_, err := s.Scheduler.Command(ctx, "resume", nil, Timeout)
	return err
}

const stopSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseStop v2
description: Configuration for stopping scheduler.
type: object
properties:
  stop:
    description: >-
      Should the Scheduler stop current observations in the queue?
    type: boolean
    default: false
additionalProperties: false
`

// Stop stops the Scheduler, optionally aborting the observations it
// already queued
type Stop struct {
	base
	Abort bool
}

// NewStop returns a Stop script for the given Scheduler
func NewStop(index int, env scripts.Env, scheduler int) *Stop {
	return &Stop{base: newBase(index, env, scheduler, "stop", "Stop %s Scheduler")}
}

func (s *Stop) Schema() string { return stopSchema }

func (s *Stop) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Stop bool `yaml:"stop"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Abort = c.Stop
	return s.dial(ctx)
}

func (s *Stop) Run(ctx context.Context) error {
	if err := s.assertQueue(); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Stopping scheduler"); err != nil {
		return err
	}
	if _, err := s.Scheduler.Command(ctx, "stop", sal.Params{"abort": s.Abort}, Timeout); err != nil {
		return err
	}
	return s.Checkpoint(ctx, "Scheduler stopped")
}

// check we implement the interface
var (
	_ script.Script = (*AddBlock)(nil)
	_ script.Script = (*LoadSnapshot)(nil)
	_ script.Script = (*Resume)(nil)
	_ script.Script = (*Stop)(nil)
	_ script.Script = (*SetDesiredState)(nil)
)

// HeartbeatTimeout is how long SetDesiredState waits for the Scheduler
// to show it is alive
var HeartbeatTimeout = 5 * time.Second

const enableSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: BaseEnable v1
description: Configuration for enable scheduler.
type: object
properties:
  config:
    description: Scheduler configuration.
    type: string
required: [config]
additionalProperties: false
`

// SetDesiredState puts the Scheduler in a summary state.  It works even
// when nothing is known about the Scheduler's current state, by trying
// the transitions out of STANDBY, DISABLED and ENABLED in turn.
type SetDesiredState struct {
	base
	Desired       sal.State
	Configuration string
}

// NewEnable returns a script that enables the Scheduler with a
// configuration
func NewEnable(index int, env scripts.Env, scheduler int) *SetDesiredState {
	return &SetDesiredState{
		base:    newBase(index, env, scheduler, "enable", "Enable %s Scheduler"),
		Desired: sal.Enabled,
	}
}

// NewStandby returns a script that puts the Scheduler in STANDBY
func NewStandby(index int, env scripts.Env, scheduler int) *SetDesiredState {
	return &SetDesiredState{
		base:    newBase(index, env, scheduler, "standby", "Put %s Scheduler in standby"),
		Desired: sal.Standby,
	}
}

func (s *SetDesiredState) Schema() string {
	if s.Desired == sal.Enabled {
		return enableSchema
	}
	return ""
}

func (s *SetDesiredState) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Config string `yaml:"config"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Configuration = c.Config
	if s.Configuration != "" {
		s.Log.Info("scheduler configuration", "config", s.Configuration)
	}
	return s.dial(ctx)
}

func (s *SetDesiredState) assertLiveliness(ctx context.Context) error {
	if _, err := s.Scheduler.Event("heartbeat").Next(ctx, true, HeartbeatTimeout); err != nil {
		return fmt.Errorf("no heartbeat from Scheduler in the last %v, make sure it is running: %w", HeartbeatTimeout, err)
	}
	return nil
}

func (s *SetDesiredState) setDesired(ctx context.Context) error {
	_, err := sal.SetSummaryState(ctx, s.Scheduler, s.Desired, s.Configuration, Timeout)
	return err
}

func (s *SetDesiredState) toStandby(ctx context.Context) error {
	evt := s.Scheduler.Event("summaryState")
	evt.Flush()
	if _, err := sal.SetSummaryState(ctx, s.Scheduler, sal.Standby, "", Timeout); err != nil {
		return err
	}
	_, err := poll.Sample(ctx, evt, poll.Options{Current: true, Timeout: Timeout}, func(smp sal.Sample) (bool, error) {
		v, err := smp.Int("summaryState")
		return sal.State(v) == sal.Standby, err
	})
	if errors.Is(err, poll.ErrTimeout) {
		s.Log.Warn("timeout waiting for summary state, continuing")
		return nil
	}
	return err
}

// try sends cmd and reports whether the Scheduler accepted it.  Only a
// rejection is reported as false; other failures are returned.
func (s *SetDesiredState) try(ctx context.Context, cmd string, p sal.Params) (bool, error) {
	_, err := s.Scheduler.Command(ctx, cmd, p, Timeout)
	var ae *sal.AckError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &ae):
		s.Log.Warn("command failed, trying the next state", "cmd", cmd, "err", err)
		return false, nil
	}
	return false, err
}

func (s *SetDesiredState) handleNoSummaryState(ctx context.Context) error {
	attempts := []struct {
		cmd     string
		params  sal.Params
		standby bool
	}{
		{cmd: "start", params: sal.Params{"configurationOverride": s.Configuration}},
		{cmd: "standby"},
		{cmd: "disable", standby: true},
	}
	for _, a := range attempts {
		ok, err := s.try(ctx, a.cmd, a.params)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if a.standby {
			if err := s.toStandby(ctx); err != nil {
				return err
			}
		}
		return s.setDesired(ctx)
	}
	return fmt.Errorf("failed to transition Scheduler to %s", s.Desired)
}

func (s *SetDesiredState) Run(ctx context.Context) error {
	if err := s.Checkpoint(ctx, "Assert liveliness"); err != nil {
		return err
	}
	if err := s.assertLiveliness(ctx); err != nil {
		return err
	}
	smp, ok := s.Scheduler.Event("summaryState").Get()
	var cur sal.State
	if ok {
		v, err := smp.Int("summaryState")
		if err != nil {
			return err
		}
		cur = sal.State(v)
	}
	switch {
	case !ok:
		if err := s.Checkpoint(ctx, "Handling no summary state information"); err != nil {
			return err
		}
		if err := s.handleNoSummaryState(ctx); err != nil {
			return err
		}
	case (cur == sal.Enabled || cur == sal.Disabled) && s.Desired != sal.Standby:
		if err := s.Checkpoint(ctx, fmt.Sprintf("Reset summary state to STANDBY before setting to %s", s.Desired)); err != nil {
			return err
		}
		s.Log.Warn("sending Scheduler to STANDBY first", "state", cur.String(), "desired", s.Desired.String())
		if err := s.toStandby(ctx); err != nil {
			return err
		}
		if err := s.Checkpoint(ctx, fmt.Sprintf("Setting desired state: %s", s.Desired)); err != nil {
			return err
		}
		if err := s.setDesired(ctx); err != nil {
			return err
		}
	default:
		if err := s.Checkpoint(ctx, fmt.Sprintf("Setting desired state: %s -> %s", cur, s.Desired)); err != nil {
			return err
		}
		if err := s.setDesired(ctx); err != nil {
			return err
		}
	}
	return s.Checkpoint(ctx, fmt.Sprintf("Scheduler %s", s.Desired))
}
