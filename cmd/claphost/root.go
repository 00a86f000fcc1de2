package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/shaban/claphost"
	"github.com/shaban/claphost/clap"
	"github.com/shaban/claphost/clap/native"
	"github.com/shaban/claphost/clap/static"
)

var (
	Version   = "dev"     // set by ldflags
	BuildTime = "unknown" // set by ldflags
)

// globals are resolved once in PersistentPreRunE and shared by every
// subcommand.
type globals struct {
	configPath  string
	verbosity   int
	development bool

	cfg claphost.Config
	log logr.Logger
}

func (g *globals) opener() clap.Opener {
	return static.Opener{Fallback: native.Opener{}}
}

func newRootCommand() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "claphost",
		Short: "Host CLAP audio plugins",
		Long: `claphost discovers CLAP plugins, builds processing graphs of channel
strips and groups, and renders them in realtime or offline.

Plugins may run in-process or, with the bridge enabled, in a child
process that exchanges audio over shared memory.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.setup(cmd)
		},
	}
	root.SetVersionTemplate(fmt.Sprintf("{{.Name}} version {{.Version}}\nBuild time: %s\nGo version: %s\nPlatform: %s/%s\n",
		BuildTime, goVersion(), runtime.GOOS, runtime.GOARCH))

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().CountVarP(&g.verbosity, "verbose", "v", "Increase log verbosity (repeat up to three times)")
	root.PersistentFlags().BoolVar(&g.development, "dev", false, "Human readable development logging")

	root.AddCommand(newScanCommand(g))
	root.AddCommand(newRunCommand(g))
	root.AddCommand(newDevicesCommand(g))
	root.AddCommand(newBridgeChildCommand(g))
	root.AddCommand(newVersionCommand())
	return root
}

// setup loads the configuration and builds the logger. Flags override
// file values.
func (g *globals) setup(cmd *cobra.Command) error {
	g.cfg = claphost.DefaultConfig()
	if g.configPath != "" {
		cfg, err := claphost.LoadConfig(g.configPath)
		if err != nil {
			return err
		}
		g.cfg = cfg
	}
	if cmd.Flags().Changed("verbose") {
		g.cfg.Log.Level = min(g.verbosity, claphost.TRACE)
	}
	if cmd.Flags().Changed("dev") {
		g.cfg.Log.Development = g.development
	}
	log, _, err := claphost.NewLogger(g.cfg.Log.Level, g.cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	g.log = log
	return nil
}

func goVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "claphost %s\nBuild time: %s\nGo version: %s\nCLAP version: %s\n",
				Version, BuildTime, goVersion(), clap.HostVersion)
			return nil
		},
	}
}
