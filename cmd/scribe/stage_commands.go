package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func newStageCommand(ctx *commandContext) *cobra.Command {
	stageCmd := &cobra.Command{
		Use:   "stage",
		Short: "Run pipeline stages against a workflow",
	}

	stageCmd.AddCommand(newStageRunCommand(ctx))
	stageCmd.AddCommand(newStageUploadCommand(ctx))

	return stageCmd
}

func newStageRunCommand(ctx *commandContext) *cobra.Command {
	var async bool
	var paramFlags []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run <workflow-id> <step>",
		Short: "Run a pipeline stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(paramFlags)
			if err != nil {
				return err
			}
			client := ctx.client()
			stdout := cmd.OutOrStdout()

			if async {
				resp, err := client.runStageAsync(args[0], args[1], params)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(stdout, "Queued job %s (%s)\n", resp.Job.JobID, resp.Job.Operation)
				if resp.Job.EstimatedCompletion != "" {
					fmt.Fprintf(stdout, "Estimated completion: %s\n", resp.Job.EstimatedCompletion)
				}
				return nil
			}

			resp, err := client.runStage(args[0], args[1], params)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(stdout, "Stage %s completed\n", args[1])
			printStageResult(cmd, resp.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the stage on a background job")
	cmd.Flags().StringArrayVarP(&paramFlags, "param", "p", nil, "Stage parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the stage result as JSON")
	return cmd
}

func newStageUploadCommand(ctx *commandContext) *cobra.Command {
	var async bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "upload <workflow-id> <file>",
		Short: "Upload a local video file into a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read upload file: %w", err)
			}
			filename := filepath.Base(args[1])
			client := ctx.client()
			stdout := cmd.OutOrStdout()

			job, result, err := client.uploadPayload(args[0], "upload_video", filename, payload, async)
			if err != nil {
				return err
			}
			if async {
				if asJSON {
					return writeJSON(cmd, job)
				}
				fmt.Fprintf(stdout, "Queued job %s\n", job.Job.JobID)
				return nil
			}
			if asJSON {
				return writeJSON(cmd, result)
			}
			fmt.Fprintln(stdout, "Upload complete")
			printStageResult(cmd, result.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the upload on a background job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the result as JSON")
	return cmd
}

// parseParams turns repeated key=value flags into a stage parameter
// map. Values stay strings; handlers coerce what they need.
func parseParams(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(flags))
	for _, flag := range flags {
		key, value, found := strings.Cut(flag, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", flag)
		}
		params[key] = value
	}
	return params, nil
}

func printStageResult(cmd *cobra.Command, result map[string]any) {
	if len(result) == 0 {
		return
	}
	keys := sortedKeys(result)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{key, truncate(fmt.Sprintf("%v", result[key]), 80)})
	}
	table := renderTable([]string{"Key", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
	fmt.Fprintln(cmd.OutOrStdout(), table)
}
