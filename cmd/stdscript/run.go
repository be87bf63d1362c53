package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/lsst-ts/stdscripts/history"
	"github.com/lsst-ts/stdscripts/registry"
	"github.com/lsst-ts/stdscripts/script"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/transport"
)

type runOptions struct {
	config string
	index  int
	pause  string
	stop   string
	quiet  bool
}

func newRunCmd() *cobra.Command {
	o := runOptions{}
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "configure and run a script",
		Long: `run configures the named script with the YAML file given by --config and
runs it to completion.  Interrupting stops the script, which still runs its
cleanup.  The exit status is zero only if the script ends DONE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd.Context(), args[0], o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.config, "config", "c", "", "YAML configuration of the script")
	f.IntVar(&o.index, "index", 1, "script index")
	f.StringVar(&o.pause, "pause", "", "pause at checkpoints matching this regular expression")
	f.StringVar(&o.stop, "stop", "", "stop at checkpoints matching this regular expression")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "no spinner")
	return cmd
}

func newSpinner(quiet bool) (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
		NotTTY:            quiet,
	})
}

func runScript(ctx context.Context, name string, o runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := loadConfig()
	if err != nil {
		return err
	}
	yamlConfig := ""
	if o.config != "" {
		b, err := os.ReadFile(o.config)
		if err != nil {
			return err
		}
		yamlConfig = string(b)
	}

	bus, err := transport.Open(ctx, c.Transport, slog.Default())
	if err != nil {
		return err
	}
	defer bus.Close()
	env := scripts.Env{Dialer: bus.Dialer, Components: bus.Components}
	if c.DB != "" {
		hist, err := history.Open(c.DB)
		if err != nil {
			return err
		}
		defer hist.Close()
		env.ObsIDs, env.TestCases = hist, hist
	}

	sc, err := registry.New(name, o.index, env)
	if err != nil {
		return err
	}
	rn := script.NewRunner(sc)
	if err := rn.SetCheckpoints(o.pause, o.stop); err != nil {
		return err
	}

	spin, err := newSpinner(o.quiet)
	if err != nil {
		return err
	}
	spin.Prefix(fmt.Sprintf("%s[%d] ", name, o.index))
	rn.OnChange(func(i script.Info) {
		msg := i.StateName
		if i.LastCheckpoint != "" {
			msg += " " + i.LastCheckpoint
		}
		if i.State == script.Paused {
			msg += " (send SIGINT to stop)"
		}
		spin.Message(msg)
	})
	if err := spin.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		rn.Stop()
	}()

	spin.Message("configuring")
	if err := rn.Configure(ctx, yamlConfig); err != nil {
		spin.StopFailMessage("CONFIGURE_FAILED: " + err.Error())
		spin.StopFail()
		return err
	}
	err = rn.Run(ctx)
	info := rn.Info()
	final := fmt.Sprintf("%s after %s", info.StateName, info.Finished.Sub(info.Started).Round(time.Millisecond))
	if err != nil {
		spin.StopFailMessage(final + ": " + err.Error())
		spin.StopFail()
		if errors.Is(err, script.ErrStopped) {
			return fmt.Errorf("%s stopped", name)
		}
		return err
	}
	spin.StopMessage(final)
	return spin.Stop()
}
