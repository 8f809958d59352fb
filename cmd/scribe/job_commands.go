package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"scribe/internal/api"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and manage background jobs",
	}

	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))

	return jobCmd
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var workflowID string
	var statuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().listJobs(workflowID, statuses)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}
			rows := make([][]string, 0, len(resp.Jobs))
			for _, job := range resp.Jobs {
				rows = append(rows, []string{
					job.JobID,
					job.WorkflowID,
					job.Operation,
					job.Status,
					formatProgress(job.Progress),
					job.CreatedAt,
				})
			}
			table := renderTable(
				[]string{"Job", "Workflow", "Operation", "Status", "Progress", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "Limit to one workflow")
	cmd.Flags().StringArrayVarP(&statuses, "status", "s", nil, "Filter by status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit jobs as JSON")
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one background job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().getJob(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			printJob(cmd, resp.Job)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the job record as JSON")
	return cmd
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().cancelJob(args[0], reason)
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if !resp.Cancelled {
				fmt.Fprintf(stdout, "Job %s could not be cancelled (status %s)\n", args[0], resp.Job.Status)
				return nil
			}
			fmt.Fprintf(stdout, "Job %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason to record with the cancellation")
	return cmd
}

func printJob(cmd *cobra.Command, job api.JobView) {
	rows := [][]string{
		{"Job", job.JobID},
		{"Workflow", job.WorkflowID},
		{"Operation", job.Operation},
		{"Status", job.Status},
		{"Progress", formatProgress(job.Progress)},
		{"Created", job.CreatedAt},
	}
	if job.StartedAt != "" {
		rows = append(rows, []string{"Started", job.StartedAt})
	}
	if job.CompletedAt != "" {
		rows = append(rows, []string{"Completed", job.CompletedAt})
	}
	if job.CancelledAt != "" {
		rows = append(rows, []string{"Cancelled", job.CancelledAt})
	}
	if job.EstimatedCompletion != "" {
		rows = append(rows, []string{"ETA", job.EstimatedCompletion})
	}
	if job.Message != "" {
		rows = append(rows, []string{"Message", truncate(job.Message, 80)})
	}
	if job.CancelReason != "" {
		rows = append(rows, []string{"Cancel reason", job.CancelReason})
	}
	if job.Error != nil {
		rows = append(rows, []string{"Error", job.Error.Code + ": " + truncate(job.Error.Message, 70)})
		rows = append(rows, []string{"Retryable", strconv.FormatBool(job.Error.Retryable)})
	}
	for _, key := range sortedKeys(job.Result) {
		rows = append(rows, []string{"Result " + key, truncate(fmt.Sprintf("%v", job.Result[key]), 70)})
	}
	table := renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
	fmt.Fprintln(cmd.OutOrStdout(), table)
}
