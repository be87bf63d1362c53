package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lsst-ts/stdscripts/schema"
)

// CleanupTimeout bounds Cleanup, which runs on a context detached from
// the one that was canceled to stop the script
var CleanupTimeout = 2 * time.Minute

// Info is a snapshot of a runner's progress
type Info struct {
	Index          int       `json:"index"`
	Name           string    `json:"name"`
	State          State     `json:"state"`
	StateName      string    `json:"stateName"`
	LastCheckpoint string    `json:"lastCheckpoint"`
	Reason         string    `json:"reason,omitempty"`
	Metadata       Metadata  `json:"metadata"`
	Started        time.Time `json:"started,omitempty"`
	Finished       time.Time `json:"finished,omitempty"`
}

// Runner takes one script from UNCONFIGURED to a terminal state
type Runner struct {
	script Script
	log    *slog.Logger

	mu        sync.Mutex
	info      Info
	pause     *regexp.Regexp
	stop      *regexp.Regexp
	resume    chan struct{}
	cancel    context.CancelFunc
	stopping  bool
	observers []func(Info)
}

// NewRunner binds s to a new Runner
func NewRunner(s Script) *Runner {
	b := s.Base()
	r := &Runner{
		script: s,
		log:    b.logger(),
		resume: make(chan struct{}, 1),
		info:   Info{Index: b.Index, Name: b.Name, State: Unconfigured},
	}
	b.ctl = r
	return r
}

// OnChange registers f to be called with every state or checkpoint change
func (r *Runner) OnChange(f func(Info)) {
	r.mu.Lock()
	r.observers = append(r.observers, f)
	r.mu.Unlock()
}

// Info returns a snapshot of the runner
func (r *Runner) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.info
	i.StateName = i.State.String()
	return i
}

func (r *Runner) state() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info.State
}

// update applies f to the info under the lock and notifies observers
func (r *Runner) update(f func(*Info)) {
	r.mu.Lock()
	f(&r.info)
	i := r.info
	i.StateName = i.State.String()
	obs := append([]func(Info){}, r.observers...)
	r.mu.Unlock()
	for _, o := range obs {
		o(i)
	}
}

func (r *Runner) setState(s State, reason string) {
	r.update(func(i *Info) {
		i.State = s
		if reason != "" {
			i.Reason = reason
		}
	})
	r.log.Debug("state", "state", s.String())
}

// SetCheckpoints sets the regular expressions of the checkpoints at
// which the script pauses or stops.  An empty string matches nothing.
func (r *Runner) SetCheckpoints(pause, stop string) error {
	var p, s *regexp.Regexp
	var err error
	if pause != "" {
		if p, err = regexp.Compile(pause); err != nil {
			return &ExpectedError{Err: fmt.Errorf("pause checkpoint: %w", err)}
		}
	}
	if stop != "" {
		if s, err = regexp.Compile(stop); err != nil {
			return &ExpectedError{Err: fmt.Errorf("stop checkpoint: %w", err)}
		}
	}
	r.mu.Lock()
	r.pause, r.stop = p, s
	r.mu.Unlock()
	return nil
}

// Configure validates yamlConfig against the script schema and passes
// the result to the script
func (r *Runner) Configure(ctx context.Context, yamlConfig string) error {
	if st := r.state(); st != Unconfigured {
		return fmt.Errorf("%w: cannot configure in state %s", ErrState, st)
	}
	cfg, err := r.validate(yamlConfig)
	if err == nil {
		err = r.script.Configure(ctx, cfg)
	}
	if err != nil {
		var ee *ExpectedError
		if errors.As(err, &ee) {
			r.log.Error("configuration failed", "err", err)
		} else {
			r.log.Error("configure raised", "err", fmt.Sprintf("%+v", err))
		}
		r.setState(ConfigureFailed, err.Error())
		return err
	}
	md := Metadata{}
	r.script.SetMetadata(&md)
	r.update(func(i *Info) { i.Metadata = md })
	r.setState(Configured, "")
	return nil
}

func (r *Runner) validate(yamlConfig string) (Config, error) {
	sch := r.script.Schema()
	if sch == "" {
		if strings.TrimSpace(yamlConfig) != "" {
			return nil, Expectedf("this script takes no configuration")
		}
		return Config{}, nil
	}
	v, err := schema.Compile(sch)
	if err != nil {
		return nil, err
	}
	m, err := v.Validate(yamlConfig)
	if err != nil {
		return nil, &ExpectedError{Err: fmt.Errorf("invalid configuration: %w", err)}
	}
	return Config(m), nil
}

// Run runs the configured script, then its Cleanup, and leaves the
// runner in DONE, STOPPED or FAILED.  It returns nil for DONE, an error
// wrapping ErrStopped for STOPPED, and the script's error for FAILED.
func (r *Runner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	if r.info.State != Configured {
		st := r.info.State
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot run in state %s", ErrState, st)
	}
	r.cancel = cancel
	if r.stopping {
		cancel()
	}
	r.mu.Unlock()
	r.update(func(i *Info) {
		i.State = Running
		i.Started = time.Now()
	})

	err := r.script.Run(runCtx)

	r.mu.Lock()
	stopping := r.stopping
	r.mu.Unlock()
	var final State
	switch {
	case stopping || errors.Is(err, ErrStopped) || (err != nil && ctx.Err() != nil):
		r.setState(Stopping, "")
		final = Stopped
		switch {
		case err == nil:
			err = ErrStopped
		case !errors.Is(err, ErrStopped):
			err = fmt.Errorf("%w: %v", ErrStopped, err)
		}
	case err != nil:
		r.setState(Failing, err.Error())
		r.log.Error("run failed", "err", err)
		final = Failed
	default:
		r.setState(Ending, "")
		final = Done
	}

	if c, ok := r.script.(Cleaner); ok {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), CleanupTimeout)
		if cerr := c.Cleanup(cctx); cerr != nil {
			r.log.Error("cleanup failed", "err", cerr)
		}
		ccancel()
	}
	r.update(func(i *Info) {
		i.State = final
		i.Finished = time.Now()
	})
	if final == Done {
		return nil
	}
	return err
}

// Stop asks a running script to stop.  The script's context is
// canceled; a paused script is released.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopping = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume releases a script paused at a checkpoint
func (r *Runner) Resume() error {
	if st := r.state(); st != Paused {
		return fmt.Errorf("%w: cannot resume in state %s", ErrState, st)
	}
	select {
	case r.resume <- struct{}{}:
	default:
	}
	return nil
}

func (r *Runner) checkpoint(ctx context.Context, name string) error {
	r.update(func(i *Info) { i.LastCheckpoint = name })
	r.log.Info("checkpoint", "name", name)
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	stop := r.stop != nil && r.stop.MatchString(name)
	pause := r.pause != nil && r.pause.MatchString(name)
	r.mu.Unlock()
	if stop {
		r.mu.Lock()
		r.stopping = true
		r.mu.Unlock()
		return fmt.Errorf("%w at checkpoint %q", ErrStopped, name)
	}
	if !pause {
		return nil
	}
	r.setState(Paused, "")
	select {
	case <-r.resume:
		r.setState(Running, "")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
