package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/shaban/claphost/catalog"
	"github.com/shaban/claphost/library"
)

type scanOptions struct {
	paths   []string
	json    bool
	noCache bool
	feature string
	vendor  string
	all     bool
}

func newScanCommand(g *globals) *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List installed CLAP plugins",
		Long: `Scan walks the standard CLAP directories, the CLAP_PATH variable, the
configured scan paths and any --path given, and lists every plugin variant.

Example:
  claphost scan --path "/opt/clap;$HOME/dev/clap" --feature instrument
  claphost scan --json > plugins.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, g, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.paths, "path", nil, "Extra search paths, separated by the list separator")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print JSON instead of a table")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Ignore and do not update the descriptor cache")
	cmd.Flags().StringVar(&opts.feature, "feature", "", "Only list plugins with this feature")
	cmd.Flags().StringVar(&opts.vendor, "vendor", "", "Only list plugins of this vendor")
	cmd.Flags().BoolVar(&opts.all, "all", false, "Include incompatible plugins")
	return cmd
}

func runScan(cmd *cobra.Command, g *globals, opts *scanOptions) error {
	loader := library.NewLoader(g.opener(), g.log)
	scanner := catalog.NewScanner(loader, g.log)
	scanner.Roots = append(catalog.DefaultRoots(), catalog.SplitPaths(g.cfg.ScanPaths...)...)
	if !opts.noCache {
		dir := g.cfg.CacheDir
		if dir == "" {
			dir, _ = catalog.DefaultCacheDir()
		}
		if dir != "" {
			cache, err := catalog.OpenCache(dir)
			if err != nil {
				g.log.Info("descriptor cache unavailable", "dir", dir, "error", err.Error())
			} else {
				scanner.Cache = cache
			}
		}
	}

	entries, err := scanner.Scan(cmd.Context(), catalog.SplitPaths(opts.paths...)...)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if !opts.all {
		entries = entries.Compatible()
	}
	if opts.feature != "" {
		entries = entries.ByFeature(opts.feature)
	}
	if opts.vendor != "" {
		entries = entries.ByVendor(opts.vendor)
	}

	if opts.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = catalog.Entries{}
		}
		return enc.Encode(entries)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderEntries(entries))
	return nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Background(lipgloss.Color("238"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const rowFormat = "%-28s │ %-18s │ %-8s │ %-24s │ %s"

// renderEntries formats entries as a table.
func renderEntries(entries catalog.Entries) string {
	title := titleStyle.Render(fmt.Sprintf("CLAP plugins (%d)", len(entries)))
	if len(entries) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, title, dimStyle.Render("  no plugins found"))
	}
	rows := []string{title, headerStyle.Render(fmt.Sprintf(rowFormat, "NAME", "VENDOR", "VERSION", "FEATURES", "LOCATION"))}
	for _, e := range entries {
		row := fmt.Sprintf(rowFormat,
			truncate(e.Name, 28), truncate(e.Vendor, 18), truncate(e.Version, 8),
			truncate(strings.Join(e.Features, ","), 24), fmt.Sprintf("%s#%d", e.Path, e.Index))
		if !e.Compatible() {
			row = badStyle.Render(row + "  (" + e.Err.Error() + ")")
		}
		rows = append(rows, row)
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
