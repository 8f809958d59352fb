package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"scribe/internal/api"
)

func newWorkflowCommand(ctx *commandContext) *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create and inspect workflows",
	}

	workflowCmd.AddCommand(newWorkflowCreateCommand(ctx))
	workflowCmd.AddCommand(newWorkflowListCommand(ctx))
	workflowCmd.AddCommand(newWorkflowShowCommand(ctx))
	workflowCmd.AddCommand(newWorkflowDeleteCommand(ctx))
	workflowCmd.AddCommand(newWorkflowStepCommand(ctx))

	return workflowCmd
}

func newWorkflowCreateCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().createWorkflow()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Workflow.WorkflowID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the full workflow record as JSON")
	return cmd
}

func newWorkflowListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().listWorkflows()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			if len(resp.Workflows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows")
				return nil
			}
			rows := make([][]string, 0, len(resp.Workflows))
			for _, view := range resp.Workflows {
				rows = append(rows, []string{
					view.WorkflowID,
					view.CreatedAt,
					strconv.Itoa(view.CompletedSteps),
					strconv.Itoa(view.FailedSteps),
					formatSeconds(view.TotalProcessingTime),
				})
			}
			table := renderTable(
				[]string{"Workflow", "Created", "Completed", "Failed", "Processing"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight},
			)
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit workflows as JSON")
	return cmd
}

func newWorkflowShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show one workflow with its step records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().getWorkflow(args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			printWorkflow(cmd, resp.Workflow)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the workflow record as JSON")
	return cmd
}

func newWorkflowDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workflow-id>",
		Short: "Delete a workflow and its stored files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().deleteWorkflow(args[0])
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if !resp.Deleted {
				fmt.Fprintln(stdout, "Nothing to delete")
				return nil
			}
			fmt.Fprintf(stdout, "Deleted workflow %s (%d files, %s freed)\n",
				args[0], resp.FilesDeleted, formatBytes(resp.BytesFreed))
			return nil
		},
	}
}

func newWorkflowStepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "step <workflow-id> <step>",
		Short: "Show the status of one pipeline step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := ctx.client().stepStatus(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			return nil
		},
	}
}

func printWorkflow(cmd *cobra.Command, view api.WorkflowView) {
	stdout := cmd.OutOrStdout()
	fmt.Fprintf(stdout, "Workflow: %s\n", view.WorkflowID)
	fmt.Fprintf(stdout, "Created:  %s\n", view.CreatedAt)
	fmt.Fprintf(stdout, "Updated:  %s\n", view.LastUpdated)
	if len(view.Steps) == 0 {
		fmt.Fprintln(stdout, "No steps recorded")
		return
	}

	names := make([]string, 0, len(view.Steps))
	for name := range view.Steps {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		step := view.Steps[name]
		detail := ""
		if step.Error != nil {
			detail = step.Error.Message
		}
		rows = append(rows, []string{
			name,
			step.Status,
			formatSeconds(step.ProcessingTime),
			detail,
		})
	}
	table := renderTable(
		[]string{"Step", "Status", "Duration", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
	fmt.Fprintln(stdout, table)
}
