package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nathan-c/dotnet-gcforce/internal/diagipc"
	"github.com/nathan-c/dotnet-gcforce/internal/logging"
)

var (
	colorBorder = lipgloss.Color("#4b5563")
	colorDimmed = lipgloss.Color("#6b7280")

	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = cellStyle.Foreground(colorDimmed)
)

const maxCmdLine = 60

func newPsCmd(opts *options) *cobra.Command {
	var mask bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List .NET processes with a reachable diagnostics socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dir := cfg.SocketDir()
			procs, err := diagipc.DiscoverProcesses(dir)
			if err != nil {
				return err
			}
			filter := cfg.ProcessFilter()
			if mask {
				filter.MaskCmdLines = true
			}
			shown := filter.FilterSlice(procs)
			logger.Named(logging.ComponentDiscovery).Debug("discovered processes",
				zap.String("dir", dir), zap.Int("found", len(procs)), zap.Int("shown", len(shown)))

			renderProcesses(cmd.OutOrStdout(), shown)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mask, "mask", false, "Hide command line arguments")
	return cmd
}

func renderProcesses(w io.Writer, procs []diagipc.ProcessInfo) {
	if len(procs) == 0 {
		fmt.Fprintln(w, "No .NET processes found.")
		return
	}

	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		started := ""
		if !p.StartTime.IsZero() {
			started = p.StartTime.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{strconv.Itoa(p.PID), p.Name, started, truncate(p.CmdLine, maxCmdLine)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 3:
				return dimStyle
			}
			return cellStyle
		}).
		Headers("PID", "NAME", "STARTED", "COMMAND").
		Rows(rows...)

	fmt.Fprintln(w, t.Render())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
