/*Package control groups CSC remotes into the units scripts operate on:
the auxiliary and main telescope control systems (ATCS, MTCS), their
cameras (LATISS, ComCam) and plain groups used by the enable/standby/
offline scripts.

These are thin: each operation is a command or two followed by a wait
for the event that says the hardware got there.
*/
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-ts/stdscripts/sal"
)

// ErrNotEnabled is returned by AssertAllEnabled
var ErrNotEnabled = errors.New("component not enabled")

// Default timeouts
const (
	FastTimeout  = 5 * time.Second
	StateTimeout = 10 * time.Second
	LongTimeout  = 30 * time.Second
)

// Group is a named set of remotes addressed by attribute name
// (ATDome -> atdome, MTHexapod:1 -> mthexapod_1)
type Group struct {
	Name string
	Log  *slog.Logger

	// StateTimeout bounds each state transition command
	StateTimeout time.Duration

	attrs   []string
	remotes map[string]sal.Remote

	mu     sync.Mutex
	checks map[string]bool
}

// NewGroup groups remotes
func NewGroup(name string, remotes ...sal.Remote) *Group {
	g := &Group{
		Name:         name,
		Log:          slog.Default().With("group", name),
		StateTimeout: StateTimeout,
		remotes:      map[string]sal.Remote{},
		checks:       map[string]bool{},
	}
	for _, r := range remotes {
		attr := sal.AttrName(r.Name(), r.Index())
		g.attrs = append(g.attrs, attr)
		g.remotes[attr] = r
		g.checks[attr] = true
	}
	return g
}

// DialGroup dials every component, given as Name[:index], and groups them
func DialGroup(ctx context.Context, d sal.Dialer, name string, ids ...string) (*Group, error) {
	var remotes []sal.Remote
	for _, id := range ids {
		n, i, err := sal.ParseNameIndex(id)
		if err != nil {
			return nil, err
		}
		r, err := d.Dial(ctx, n, i)
		if err != nil {
			return nil, fmt.Errorf("%s: dialing %s: %w", name, id, err)
		}
		remotes = append(remotes, r)
	}
	return NewGroup(name, remotes...), nil
}

// Components returns the attribute names in group order
func (g *Group) Components() []string {
	return append([]string(nil), g.attrs...)
}

// Remote returns the remote for an attribute name, or nil
func (g *Group) Remote(attr string) sal.Remote {
	return g.remotes[attr]
}

// Checked reports whether attr takes part in group operations
func (g *Group) Checked(attr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks[attr]
}

// SetCheck includes or excludes attr from group operations
func (g *Group) SetCheck(attr string, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.checks[attr]; !ok {
		return fmt.Errorf("%s is not in %s, must be one of %s", attr, g.Name, strings.Join(g.attrs, ", "))
	}
	g.checks[attr] = on
	return nil
}

// DisableChecksForComponents excludes components from group operations.
// Unknown names are logged and skipped.
func (g *Group) DisableChecksForComponents(attrs []string) {
	for _, a := range attrs {
		if err := g.SetCheck(a, false); err != nil {
			g.Log.Warn("ignoring unknown component", "err", err)
			continue
		}
		g.Log.Debug("ignoring component", "component", a)
	}
}

func (g *Group) checked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, a := range g.attrs {
		if g.checks[a] {
			out = append(out, a)
		}
	}
	return out
}

// each runs f concurrently for every checked component.  errgroup's Wait
// only reports the first failure, so on failure the errors of every
// component are joined in group order.
func (g *Group) each(ctx context.Context, f func(ctx context.Context, attr string, r sal.Remote) error) error {
	var eg errgroup.Group
	attrs := g.checked()
	errs := make([]error, len(attrs))
	for i, a := range attrs {
		i, a := i, a
		eg.Go(func() error {
			errs[i] = f(ctx, a, g.remotes[a])
			return errs[i]
		})
	}
	if err := eg.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}

// SetState moves every checked component to state.  overrides maps
// attribute names to configuration overrides for the start command.
func (g *Group) SetState(ctx context.Context, state sal.State, overrides map[string]string) error {
	g.Log.Info("setting state", "state", state.String(), "components", g.checked())
	err := g.each(ctx, func(ctx context.Context, attr string, r sal.Remote) error {
		_, err := sal.SetSummaryState(ctx, r, state, overrides[attr], g.StateTimeout)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: failed to put components in %s: %w", g.Name, state, err)
	}
	return nil
}

// Enable moves every checked component to ENABLED
func (g *Group) Enable(ctx context.Context, overrides map[string]string) error {
	return g.SetState(ctx, sal.Enabled, overrides)
}

// Standby moves every checked component to STANDBY
func (g *Group) Standby(ctx context.Context) error {
	return g.SetState(ctx, sal.Standby, nil)
}

// Offline moves every checked component to OFFLINE
func (g *Group) Offline(ctx context.Context) error {
	return g.SetState(ctx, sal.Offline, nil)
}

// AssertAllEnabled fails unless every checked component is ENABLED
func (g *Group) AssertAllEnabled(ctx context.Context) error {
	return g.each(ctx, func(ctx context.Context, attr string, r sal.Remote) error {
		st, err := sal.CurrentState(ctx, r, FastTimeout)
		if err != nil {
			return err
		}
		if st != sal.Enabled {
			return fmt.Errorf("%w: %s is %s", ErrNotEnabled, attr, st)
		}
		return nil
	})
}

// AssertLiveliness fails unless every checked component heartbeats
// within timeout
func (g *Group) AssertLiveliness(ctx context.Context, timeout time.Duration) error {
	return g.each(ctx, func(ctx context.Context, attr string, r sal.Remote) error {
		if _, err := r.Event("heartbeat").Next(ctx, true, timeout); err != nil {
			return fmt.Errorf("%s: no heartbeat: %w", attr, err)
		}
		return nil
	})
}

// Close closes every remote
func (g *Group) Close() error {
	var errs []error
	for _, a := range g.attrs {
		if err := g.remotes[a].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// command issues cmd to attr with the given timeout
func (g *Group) command(ctx context.Context, attr, cmd string, p sal.Params, timeout time.Duration) error {
	r := g.remotes[attr]
	if r == nil {
		return fmt.Errorf("%s has no component %s", g.Name, attr)
	}
	_, err := r.Command(ctx, cmd, p, timeout)
	return err
}
