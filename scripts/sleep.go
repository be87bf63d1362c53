package scripts

import (
	"context"
	"fmt"

	"github.com/lsst-ts/stdscripts/script"
)

const sleepSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: Sleep v1
description: Configuration for Sleep.
type: object
properties:
  sleep_for:
    description: Duration of the sleep in seconds.
    type: number
    minimum: 0
required: [sleep_for]
additionalProperties: false
`

// Sleep pauses the queue for a while
type Sleep struct {
	script.BaseScript
	SleepFor float64
}

// NewSleep returns a Sleep script
func NewSleep(index int, env Env) script.Script {
	return &Sleep{BaseScript: script.NewBase(index, "sleep", "Sleep")}
}

func (s *Sleep) Schema() string { return sleepSchema }

func (s *Sleep) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		SleepFor float64 `yaml:"sleep_for"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.SleepFor = c.SleepFor
	return nil
}

func (s *Sleep) SetMetadata(md *script.Metadata) { md.Duration = seconds(s.SleepFor) }

func (s *Sleep) Run(ctx context.Context) error {
	s.Log.Info("sleeping", "seconds", s.SleepFor)
	if err := s.Checkpoint(ctx, fmt.Sprintf("Sleep for %g seconds...", s.SleepFor)); err != nil {
		return err
	}
	return sleep(ctx, seconds(s.SleepFor))
}
