/*Package scripts holds the generic standard scripts and the bases the
telescope specific scripts are built on.

Every script is constructed with an index and an Env.  Scripts dial the
components they need in Configure, the way a script only learns which
component it talks to from its configuration.
*/
package scripts

import (
	"context"
	"time"

	"github.com/lsst-ts/stdscripts/control"
	"github.com/lsst-ts/stdscripts/sal"
	"github.com/lsst-ts/stdscripts/script"
)

// Env is what the host gives every script
type Env struct {
	// Dialer reaches the components
	Dialer sal.Dialer

	// ObsIDs and TestCases serve block scripts; either may be nil
	ObsIDs    script.ObsIDSource
	TestCases script.TestCaseSink

	// Components lists Name[:index] of every component
	// SystemWideShutdown looks for
	Components []string

	// Resolver looks up target names for slews; may be nil
	Resolver control.Resolver

	// Now overrides the clock of sun dependent scripts
	Now func() time.Time
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Dial dials one component given as Name[:index]
func (e Env) Dial(ctx context.Context, id string) (sal.Remote, error) {
	name, index, err := sal.ParseNameIndex(id)
	if err != nil {
		return nil, script.Expectedf("%v", err)
	}
	return e.Dialer.Dial(ctx, name, index)
}

func (e Env) setupTCS(t *control.TCS) {
	if e.Resolver != nil {
		t.Resolver = e.Resolver
	}
	if e.Now != nil {
		t.Now = e.Now
	}
}

// DialATCS dials the auxiliary telescope
func (e Env) DialATCS(ctx context.Context) (*control.ATCS, error) {
	a, err := control.NewATCS(ctx, e.Dialer)
	if err != nil {
		return nil, err
	}
	e.setupTCS(a.TCS)
	return a, nil
}

// DialMTCS dials the main telescope
func (e Env) DialMTCS(ctx context.Context) (*control.MTCS, error) {
	m, err := control.NewMTCS(ctx, e.Dialer)
	if err != nil {
		return nil, err
	}
	e.setupTCS(m.TCS)
	return m, nil
}

// Block returns a script.Block wired to env's observation id source and
// test case sink
func (e Env) Block() script.Block {
	return script.Block{ObsIDs: e.ObsIDs, Sink: e.TestCases}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// sleep waits d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
