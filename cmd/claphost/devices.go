package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaban/claphost/internal/midiin"
)

func newDevicesCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List MIDI input devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := midiin.Devices()
			if err != nil {
				return err
			}
			rows := []string{titleStyle.Render(fmt.Sprintf("MIDI inputs (%d)", len(devices)))}
			for _, d := range devices {
				row := fmt.Sprintf("%3d │ %-32s │ %s", d.ID, d.Name, d.Interface)
				if d.Opened {
					row = dimStyle.Render(row + "  (in use)")
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinVertical(lipgloss.Left, rows...))
			return nil
		},
	}
}
