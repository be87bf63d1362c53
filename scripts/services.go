package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

// StdTimeout bounds the simple service commands
const StdTimeout = 10 * time.Second

const pauseQueueSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: PauseQueue v1
description: Configuration for PauseQueue.
type: object
properties:
  queue:
    description: Which ScriptQueue to pause?
    type: string
    enum: ["MAIN_TEL", "AUX_TEL"]
required: [queue]
additionalProperties: false
`

// PauseQueue pauses a ScriptQueue; an operator resumes it
type PauseQueue struct {
	script.BaseScript
	env Env

	QueueIndex int
	queue      sal.Remote
}

// NewPauseQueue returns a PauseQueue script
func NewPauseQueue(index int, env Env) script.Script {
	return &PauseQueue{BaseScript: script.NewBase(index, "pause_queue", "Pause a ScriptQueue"), env: env}
}

func (s *PauseQueue) Schema() string { return pauseQueueSchema }

func (s *PauseQueue) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Queue string `yaml:"queue"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	switch c.Queue {
	case "MAIN_TEL":
		s.QueueIndex = enum.MainTelQueue
	case "AUX_TEL":
		s.QueueIndex = enum.AuxTelQueue
	default:
		return fmt.Errorf("unknown queue %q", c.Queue)
	}
	var err error
	s.queue, err = s.env.Dialer.Dial(ctx, "ScriptQueue", s.QueueIndex)
	return err
}

func (s *PauseQueue) SetMetadata(md *script.Metadata) {}

func (s *PauseQueue) Run(ctx context.Context) error {
	s.Log.Info("pausing script queue, resume the queue when you are ready", "queue", s.QueueIndex)
	_, err := s.queue.Command(ctx, "pause", nil, StdTimeout)
	return err
}

const muteAlarmsSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: MuteAlarms v1
description: Configuration for MuteAlarms.
type: object
properties:
  name:
    description: >-
      Name of alarm or alarms to mute.
      Specify a regular expression for multiple alarms.
    type: string
  mutedBy:
    description: User who muted the alarm(s).
    type: string
  duration:
    description: Duration of the mute command in seconds.
    type: number
    minimum: 0
    default: 300
  severity:
    description: Severity level being muted.
    type: string
    enum: ["None", "Warning", "Serious", "Critical"]
    default: "None"
required: [name, mutedBy]
additionalProperties: false
`

// MuteAlarms mutes Watcher alarms for a while
type MuteAlarms struct {
	script.BaseScript
	env Env

	Alarm    string
	MutedBy  string
	Duration float64
	Severity enum.AlarmSeverity
	watcher  sal.Remote
}

// NewMuteAlarms returns a MuteAlarms script
func NewMuteAlarms(index int, env Env) script.Script {
	return &MuteAlarms{BaseScript: script.NewBase(index, "mute_alarms", "Mute Watcher alarms"), env: env}
}

func (s *MuteAlarms) Schema() string { return muteAlarmsSchema }

func (s *MuteAlarms) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Name     string  `yaml:"name"`
		MutedBy  string  `yaml:"mutedBy"`
		Duration float64 `yaml:"duration"`
		Severity string  `yaml:"severity"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	sev, ok := enum.ParseSeverity(c.Severity)
	if !ok {
		return fmt.Errorf("unknown severity %q", c.Severity)
	}
	s.Alarm, s.MutedBy, s.Duration, s.Severity = c.Name, c.MutedBy, c.Duration, sev
	var err error
	s.watcher, err = s.env.Dialer.Dial(ctx, "Watcher", 0)
	return err
}

func (s *MuteAlarms) SetMetadata(md *script.Metadata) { md.Duration = seconds(s.Duration) }

func (s *MuteAlarms) Run(ctx context.Context) error {
	s.Log.Info("muting alarms", "name", s.Alarm, "seconds", s.Duration)
	_, err := s.watcher.Command(ctx, "mute", sal.Params{
		"name":     s.Alarm,
		"duration": s.Duration,
		"severity": int(s.Severity),
		"mutedBy":  s.MutedBy,
	}, StdTimeout)
	return err
}
