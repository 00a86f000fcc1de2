package main

import (
	"github.com/spf13/cobra"

	"github.com/shaban/claphost/bridge"
	"github.com/shaban/claphost/library"
)

func newBridgeChildCommand(g *globals) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:    bridge.ChildCommand,
		Short:  "Serve one bridged plugin to a parent process",
		Hidden: true,
		Args:   cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := library.NewLoader(g.opener(), g.log)
			return bridge.Serve(cmd.Context(), loader, g.log.WithName("child"), debug || g.cfg.Bridge.Debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Log the control plane")
	return cmd
}
