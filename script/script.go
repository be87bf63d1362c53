/*Package script is the contract between a standard script and the queue
that runs it, and the Runner that drives a script through its lifecycle.

A script embeds BaseScript and implements Schema, Configure, SetMetadata
and Run.  Scripts that need to undo something on abnormal termination
also implement Cleaner.

	type Sleep struct {
		script.BaseScript
		d time.Duration
	}

	func (s *Sleep) Run(ctx context.Context) error {
		if err := s.Checkpoint(ctx, "sleep"); err != nil {
			return err
		}
		...
	}
*/
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrStopped is returned from a checkpoint when the script was asked to stop
	ErrStopped = errors.New("script stopped")

	// ErrState is returned when a Runner method is called in the wrong state
	ErrState = errors.New("invalid script state")
)

// ExpectedError marks failures that are the user's to fix, such as an
// invalid configuration.  They are reported without a stack or
// internal detail.
type ExpectedError struct {
	Err error
}

func (e *ExpectedError) Error() string { return e.Err.Error() }

func (e *ExpectedError) Unwrap() error { return e.Err }

// Expectedf builds an ExpectedError from a format string
func Expectedf(format string, args ...interface{}) error {
	return &ExpectedError{Err: fmt.Errorf(format, args...)}
}

// Script is a standard script
type Script interface {
	// Base returns the embedded BaseScript
	Base() *BaseScript

	// Schema is the YAML JSON-schema of the configuration, or "" if the
	// script takes none
	Schema() string

	// Configure receives the validated configuration with defaults applied
	Configure(ctx context.Context, cfg Config) error

	// SetMetadata fills in the estimated duration and similar
	SetMetadata(md *Metadata)

	// Run does the work
	Run(ctx context.Context) error
}

// Cleaner is implemented by scripts with something to undo.
// Cleanup is called after Run however it ended; the script can tell how
// from State (ENDING, STOPPING or FAILING).
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Metadata describes a configured script to the queue
type Metadata struct {
	Duration   time.Duration `json:"duration"`
	NImages    int           `json:"nimages,omitempty"`
	Instrument string        `json:"instrument,omitempty"`
	Filters    string        `json:"filters,omitempty"`
	Survey     string        `json:"survey,omitempty"`
}

// controller is what a BaseScript needs from its runner
type controller interface {
	checkpoint(ctx context.Context, name string) error
	state() State
}

// BaseScript is embedded by every script
type BaseScript struct {
	Index int
	Name  string
	Descr string
	Log   *slog.Logger

	ctl controller
}

// NewBase returns a BaseScript with a logger scoped to the script
func NewBase(index int, name, descr string) BaseScript {
	return BaseScript{
		Index: index,
		Name:  name,
		Descr: descr,
		Log:   slog.Default().With("script", name, "index", index),
	}
}

// Base implements Script
func (b *BaseScript) Base() *BaseScript { return b }

// Checkpoint marks a point where the script may be paused or stopped.
// It returns ErrStopped or a context error when the script must end.
func (b *BaseScript) Checkpoint(ctx context.Context, name string) error {
	if b.ctl == nil {
		b.logger().Info("checkpoint", "name", name)
		return ctx.Err()
	}
	return b.ctl.checkpoint(ctx, name)
}

// State is the lifecycle state.  Outside a Runner it is always RUNNING.
func (b *BaseScript) State() State {
	if b.ctl == nil {
		return Running
	}
	return b.ctl.state()
}

func (b *BaseScript) logger() *slog.Logger {
	if b.Log == nil {
		b.Log = slog.Default()
	}
	return b.Log
}

// Config is a validated configuration with schema defaults applied
type Config map[string]interface{}

// Has reports whether key is present and not null
func (c Config) Has(key string) bool {
	v, ok := c[key]
	return ok && v != nil
}

// Decode copies the configuration into the struct pointed to by out,
// matching fields by their yaml tag.  Embedded structs are flattened.
func (c Config) Decode(out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "yaml",
		Squash:  true,
		Result:  out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]interface{}(c))
}
