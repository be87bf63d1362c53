package scripts

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

const runCommandSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: RunCommand v1
description: Configuration for RunCommand.
type: object
properties:
  component:
    description: Name of the CSC to run command, format is
      CSC_name[:index]; the default index is 0.
    type: string
  cmd:
    description: Name of the command to run.
    type: string
  event:
    description: Name of the event to wait after the command is sent.
    type: string
  flush:
    description: Flush event before sending command?
    type: boolean
    default: true
  event_timeout:
    description: Timeout (seconds) to wait for the event to arrive.
    type: number
    default: 30
  parameters:
    description: Parameters for the command.
    type: object
    properties:
      timeout:
        description: Timeout (seconds) to wait for the command to complete.
        type: number
        default: 30
    additionalProperties: true
required: [component, cmd]
additionalProperties: false
`

// RunCommand sends one command to a component and optionally waits for
// an event
type RunCommand struct {
	script.BaseScript
	env Env

	remote       sal.Remote
	id           string
	cmd          string
	event        string
	flush        bool
	timeout      time.Duration
	eventTimeout time.Duration
	params       sal.Params

	// Received is the event sample that ended the run
	Received sal.Sample
}

// NewRunCommand returns a RunCommand script
func NewRunCommand(index int, env Env) script.Script {
	return &RunCommand{
		BaseScript: script.NewBase(index, "run_command", "Run command from a particular component"),
		env:        env,
	}
}

func (s *RunCommand) Schema() string { return runCommandSchema }

func (s *RunCommand) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Component    string                 `yaml:"component"`
		Cmd          string                 `yaml:"cmd"`
		Event        string                 `yaml:"event"`
		Flush        bool                   `yaml:"flush"`
		EventTimeout float64                `yaml:"event_timeout"`
		Parameters   map[string]interface{} `yaml:"parameters"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	name, index, err := sal.ParseNameIndex(c.Component)
	if err != nil {
		return err
	}
	s.id = fmt.Sprintf("%s:%d", name, index)
	s.cmd = c.Cmd
	s.event = c.Event
	s.flush = c.Flush && c.Event != ""
	s.eventTimeout = seconds(c.EventTimeout)
	s.timeout = 30 * time.Second
	s.params = sal.Params{}
	for k, v := range c.Parameters {
		if k == "timeout" {
			if f, ok := v.(float64); ok {
				s.timeout = seconds(f)
			}
			continue
		}
		s.params[k] = v
	}
	s.Log.Info("configured", "component", s.id, "cmd", s.cmd, "event", s.event)
	s.remote, err = s.env.Dialer.Dial(ctx, name, index)
	return err
}

func (s *RunCommand) SetMetadata(md *script.Metadata) {
	if s.flush {
		md.Duration = s.timeout + s.eventTimeout
	}
}

func (s *RunCommand) Run(ctx context.Context) error {
	var evt *sal.Reader
	if s.event != "" {
		evt = s.remote.Event(s.event)
		if s.flush {
			evt.Flush()
		}
	}
	if err := s.Checkpoint(ctx, fmt.Sprintf("run %s:%s", s.id, s.cmd)); err != nil {
		return err
	}
	if _, err := s.remote.Command(ctx, s.cmd, s.params, s.timeout); err != nil {
		return err
	}
	if evt == nil {
		return nil
	}
	if err := s.Checkpoint(ctx, fmt.Sprintf("wait %s:%s", s.id, s.event)); err != nil {
		return err
	}
	sample, err := evt.Next(ctx, false, s.eventTimeout)
	if err != nil {
		return err
	}
	s.Received = sample
	s.Log.Info("received", "event", s.event, "sample", map[string]interface{}(sample))
	return nil
}
