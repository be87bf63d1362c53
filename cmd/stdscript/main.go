// Command stdscript lists, describes and runs standard scripts from the
// command line.
package main

import (
	"fmt"
	"os"

	"github.com/knadh/koanf"
	"github.com/spf13/cobra"
	yml "gopkg.in/yaml.v2"

	"github.com/lsst-ts/stdscripts/registry"
	"github.com/lsst-ts/stdscripts/scripts"
	"github.com/lsst-ts/stdscripts/transport"
	"github.com/lsst-ts/stdscripts/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	configFile string
	logLevel   string
	k          = koanf.New(".")
)

// Config is the stdscript configuration
type Config struct {
	// DB is the run history database block scripts draw observation ids
	// from; none when empty
	DB string `koanf:"DB" yaml:"DB"`

	Transport transport.Config `koanf:"Transport" yaml:"Transport"`
}

func loadConfig() (Config, error) {
	c := Config{}
	if err := util.LoadConfig(k, Config{Transport: transport.DefaultConfig()}, configFile, "STDSCRIPT_"); err != nil {
		return c, err
	}
	err := k.Unmarshal("", &c)
	return c, err
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stdscript",
		Short:         "run Rubin Observatory standard scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return util.SetupLogging(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "conf", "stdscript.yml", "configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log", "warn", "log level: debug, info, warn or error")
	cmd.AddCommand(newListCmd(), newSchemaCmd(), newRunCmd(), newConfCmd(), newVersionCmd())
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list the registered scripts",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, n := range registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema <name>",
		Short: "print the configuration schema of a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := registry.New(args[0], 0, scripts.Env{})
			if err != nil {
				return err
			}
			sch := sc.Schema()
			if sch == "" {
				sch = "# this script takes no configuration\n"
			}
			fmt.Fprint(cmd.OutOrStdout(), sch)
			return nil
		},
	}
}

func newConfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return yml.NewEncoder(cmd.OutOrStdout()).Encode(c)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stdscript version %v, %d scripts\n", Version, len(registry.Names()))
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
