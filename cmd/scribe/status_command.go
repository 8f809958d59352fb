package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().status()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			daemonKind := statusOK
			daemonDetail := fmt.Sprintf("pid %d", resp.PID)
			if !resp.Running {
				daemonKind = statusError
				daemonDetail = "not running"
			}
			fmt.Fprintln(stdout, renderStatusLine("Daemon", daemonKind, daemonDetail, colorize))
			fmt.Fprintln(stdout, renderStatusLine("Jobs DB", statusInfo, resp.JobsDBPath, colorize))
			fmt.Fprintln(stdout, renderStatusLine("Workflow dir", statusInfo, resp.WorkflowDir, colorize))
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Pipeline", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderStatusLine("Workflows", statusInfo, fmt.Sprintf("%d", resp.Workflows), colorize))
			for _, status := range sortedStatStrings(resp.JobStats) {
				kind := statusInfo
				switch status {
				case "failed":
					kind = statusWarn
				case "running":
					kind = statusOK
				}
				fmt.Fprintln(stdout, renderStatusLine("Jobs "+status, kind,
					fmt.Sprintf("%d", resp.JobStats[status]), colorize))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit status as JSON")
	return cmd
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().cleanup()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Removed %d workflows, %d jobs, %d stored files (%s freed)\n",
				resp.WorkflowsRemoved, resp.JobsRemoved, resp.ReferencesRemoved,
				formatBytes(resp.BytesFreed))
			return nil
		},
	}
}

func sortedStatStrings(stats map[string]int) []string {
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
