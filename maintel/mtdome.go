package maintel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/enum"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/schema"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
)

var homeDomeSchema = schema.MustMerge(`
$schema: http://json-schema.org/draft-07/schema#
title: HomeDome v1
description: Configuration for HomeDome.
type: object
properties:
  physical_az:
    description: Physical azimuth position for the dome as read by markings.
    type: number
required: [physical_az]
additionalProperties: false
`, ignoreSchema)

// HomeDome moves the dome to the azimuth read off its markings and
// declares that position zero
type HomeDome struct {
	mtcsScript
	PhysicalAz float64
}

func NewHomeDome(index int, env scripts.Env) script.Script {
	return &HomeDome{mtcsScript: newMTCSScript(index, env, "maintel/mtdome/home_dome", "Home the MTDome.")}
}

func (s *HomeDome) Schema() string { return homeDomeSchema }

func (s *HomeDome) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		PhysicalAz float64 `yaml:"physical_az"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.PhysicalAz = c.PhysicalAz
	return s.configure(ctx, cfg)
}

func (s *HomeDome) SetMetadata(md *script.Metadata) { md.Duration = control.MTDomeTimeout }

func (s *HomeDome) Run(ctx context.Context) error {
	if err := s.MTCS.AssertAllEnabled(ctx); err != nil {
		return err
	}
	if err := s.Checkpoint(ctx, "Homing dome"); err != nil {
		return err
	}
	return s.MTCS.HomeDome(ctx, s.PhysicalAz)
}

const crawlAzSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: CrawlAz v1
description: Configuration for CrawlAz
type: object
properties:
  direction:
    description: Which direction to move the dome?
    type: string
    default: ClockWise
    enum: ["ClockWise", "CounterClockWise"]
additionalProperties: false
`

// CrawlVelocity is the dome crawl speed, deg/s
const CrawlVelocity = 0.5

// CrawlAz crawls the dome in azimuth until the script is stopped.  It
// fails if the dome leaves ENABLED.  Cleanup stops the crawl and then
// the azimuth drives.
type CrawlAz struct {
	script.BaseScript
	env    scripts.Env
	MTDome sal.Remote

	Clockwise  bool
	CmdTimeout time.Duration
	StdTimeout time.Duration
}

func NewCrawlAz(index int, env scripts.Env) script.Script {
	return &CrawlAz{
		BaseScript: script.NewBase(index, "maintel/mtdome/crawl_az", "Crawl the MTDome in azimuth."),
		env:        env,
		CmdTimeout: control.FastTimeout,
		StdTimeout: scripts.StdTimeout,
	}
}

func (s *CrawlAz) Schema() string { return crawlAzSchema }

func (s *CrawlAz) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		Direction string `yaml:"direction"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.Clockwise = c.Direction != "CounterClockWise"
	if s.MTDome != nil {
		return nil
	}
	r, err := s.env.Dialer.Dial(ctx, "MTDome", 0)
	if err != nil {
		return err
	}
	s.MTDome = r
	return nil
}

func (s *CrawlAz) SetMetadata(md *script.Metadata) {}

func (s *CrawlAz) Run(ctx context.Context) error {
	velocity := CrawlVelocity
	if !s.Clockwise {
		velocity = -velocity
	}
	s.Log.Info("starting dome crawl", "velocity", velocity)

	st, err := sal.CurrentState(ctx, s.MTDome, s.StdTimeout)
	if err != nil {
		return err
	}
	if st != sal.Enabled {
		return fmt.Errorf("dome must be ENABLED, current state %s", st)
	}
	evt := s.MTDome.Event("summaryState")
	evt.Flush()
	if _, err := s.MTDome.Command(ctx, "crawlAz", sal.Params{"velocity": velocity}, s.CmdTimeout); err != nil {
		return err
	}
	for {
		smp, err := evt.Next(ctx, false, s.StdTimeout)
		switch {
		case errors.Is(err, sal.ErrTimeout):
			continue
		case err != nil:
			return err
		}
		if v, _ := smp.Int("summaryState"); sal.State(v) != sal.Enabled {
			return fmt.Errorf("dome went to %s while crawling", sal.State(v))
		}
	}
}

func (s *CrawlAz) Cleanup(ctx context.Context) error {
	s.Log.Info("stopping dome")
	if _, err := s.MTDome.Command(ctx, "crawlAz", sal.Params{"velocity": 0.0}, s.CmdTimeout); err != nil {
		s.Log.Error("error stopping dome crawl, ignoring", "err", err)
	}
	t := time.NewTimer(s.StdTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	if _, err := s.MTDome.Command(ctx, "stop", sal.Params{"subSystemIds": enum.MTDomeAMCS}, s.CmdTimeout); err != nil {
		s.Log.Error("error stopping the dome, ignoring", "err", err)
	}
	return nil
}
