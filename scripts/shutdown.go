package scripts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

const systemWideShutdownSchema = `
$schema: http://json-schema.org/draft-07/schema#
title: SystemWideShutdown v1
description: Configuration for SystemWideShutdown script.
type: object
properties:
  user:
    description: Name of the user that is executing the script.
    type: string
  reason:
    description: Reason for running the system wide shutdown.
    type: string
  ignore:
    description: CSCs to ignore.
    type: array
    items:
      type: string
    default: []
  start_with:
    description: CSCs to start with.
    type: array
    items:
      type: string
    default: []
  end_with:
    description: CSCs to end with.
    type: array
    items:
      type: string
    default: []
required: [user, reason]
additionalProperties: false
`

// components never sent offline by SystemWideShutdown
var shutdownIgnored = map[string]bool{"Script": true, "ScriptQueue": true}

// SystemWideShutdown finds every running component by its heartbeat and
// sends it to OFFLINE
type SystemWideShutdown struct {
	script.BaseScript
	env Env

	User      string
	Reason    string
	Ignore    []string
	StartWith []string
	EndWith   []string

	// HeartbeatTimeout is how long to listen for a heartbeat before
	// deciding a component is not running
	HeartbeatTimeout time.Duration
	MaxConcurrency   int

	// Failed maps Name:index to the reason it did not go offline
	Failed map[string]string
}

// NewSystemWideShutdown returns a SystemWideShutdown script
func NewSystemWideShutdown(index int, env Env) script.Script {
	return &SystemWideShutdown{
		BaseScript:       script.NewBase(index, "system_wide_shutdown", "Send all CSCs to OFFLINE."),
		env:              env,
		HeartbeatTimeout: 5 * time.Second,
		MaxConcurrency:   10,
	}
}

func (s *SystemWideShutdown) Schema() string { return systemWideShutdownSchema }

func (s *SystemWideShutdown) Configure(ctx context.Context, cfg script.Config) error {
	var c struct {
		User      string   `yaml:"user"`
		Reason    string   `yaml:"reason"`
		Ignore    []string `yaml:"ignore"`
		StartWith []string `yaml:"start_with"`
		EndWith   []string `yaml:"end_with"`
	}
	if err := cfg.Decode(&c); err != nil {
		return err
	}
	s.User, s.Reason = c.User, c.Reason
	s.Ignore, s.StartWith, s.EndWith = c.Ignore, c.StartWith, c.EndWith
	return nil
}

func (s *SystemWideShutdown) SetMetadata(md *script.Metadata) { md.Duration = 60 * time.Second }

// Discover returns the running components, name to sorted indices
func (s *SystemWideShutdown) Discover(ctx context.Context) (map[string][]int, error) {
	var (
		mu      sync.Mutex
		running = map[string][]int{}
	)
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.MaxConcurrency)
	for _, id := range s.env.Components {
		id := id
		name, index, err := sal.ParseNameIndex(id)
		if err != nil {
			return nil, err
		}
		if shutdownIgnored[name] {
			continue
		}
		eg.Go(func() error {
			r, err := s.env.Dialer.Dial(ctx, name, index)
			if err != nil {
				return err
			}
			if _, err := r.Event("heartbeat").Next(ctx, false, s.HeartbeatTimeout); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.Log.Debug("no heartbeat, component probably not running", "component", id)
				return nil
			}
			mu.Lock()
			running[name] = append(running[name], index)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for _, idx := range running {
		sort.Ints(idx)
	}
	return running, nil
}

func (s *SystemWideShutdown) Run(ctx context.Context) error {
	s.Failed = map[string]string{}
	running, err := s.Discover(ctx)
	if err != nil {
		return err
	}
	s.Log.Info("shutting down", "components", len(running), "user", s.User, "reason", s.Reason)
	msg := fmt.Sprintf("Shutdown :: Requested by %s. Reason: %s. Found %d running components.", s.User, s.Reason, len(running))
	if err := s.Checkpoint(ctx, msg); err != nil {
		return err
	}
	for _, name := range s.Ignore {
		if _, ok := running[name]; ok {
			s.Log.Debug("excluding component", "component", name)
			delete(running, name)
		}
	}

	if err := s.Checkpoint(ctx, "Shutdown :: Start with components."); err != nil {
		return err
	}
	for _, name := range s.StartWith {
		if idx, ok := running[name]; ok {
			delete(running, name)
			s.shutdown(ctx, name, idx)
		}
	}

	if err := s.Checkpoint(ctx, "Shutdown :: Running components."); err != nil {
		return err
	}
	endWith := map[string]bool{}
	for _, name := range s.EndWith {
		endWith[name] = true
	}
	names := make([]string, 0, len(running))
	for name := range running {
		if !endWith[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.shutdown(ctx, name, running[name])
	}

	if err := s.Checkpoint(ctx, "Shutdown :: End with components."); err != nil {
		return err
	}
	for _, name := range s.EndWith {
		if idx, ok := running[name]; ok {
			s.shutdown(ctx, name, idx)
		}
	}

	if len(s.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Failed))
	for id := range s.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("The following components failed to transition to offline:\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "%s::%s\n", id, s.Failed[id])
	}
	s.Log.Error(b.String())
	return fmt.Errorf("a total of %d components failed to transition to offline", len(s.Failed))
}

// shutdown sends each instance offline, recording failures
func (s *SystemWideShutdown) shutdown(ctx context.Context, name string, indices []int) {
	for _, index := range indices {
		id := fmt.Sprintf("%s:%d", name, index)
		s.Log.Info("shutdown", "component", id)
		r, err := s.env.Dialer.Dial(ctx, name, index)
		if err == nil {
			_, err = sal.SetSummaryState(ctx, r, sal.Offline, "", StdTimeout)
		}
		if err != nil {
			s.Log.Debug("failed to shutdown", "component", id, "err", err)
			s.Failed[id] = err.Error()
			continue
		}
		s.Log.Debug("offline", "component", id)
	}
}
