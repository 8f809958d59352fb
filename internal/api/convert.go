package api

import (
	"time"

	"scribe/internal/jobs"
	"scribe/internal/workflow"
)

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(dateTimeFormat)
}

func formatTimePtr(value *time.Time) string {
	if value == nil {
		return ""
	}
	return formatTime(*value)
}

// FromWorkflowState converts a workflow record into its API view.
func FromWorkflowState(state *workflow.State) WorkflowView {
	view := WorkflowView{
		WorkflowID:          state.WorkflowID,
		CreatedAt:           formatTime(state.CreatedAt),
		LastUpdated:         formatTime(state.LastUpdated),
		Steps:               make(map[string]StepView, len(state.Steps)),
		CompletedSteps:      state.CompletedSteps,
		FailedSteps:         state.FailedSteps,
		TotalProcessingTime: state.TotalProcessingTime,
	}
	for name, record := range state.Steps {
		step := StepView{
			Status:         string(record.Status),
			StartedAt:      formatTimePtr(record.StartedAt),
			CompletedAt:    formatTimePtr(record.CompletedAt),
			FailedAt:       formatTimePtr(record.FailedAt),
			ProcessingTime: record.ProcessingTime,
			Result:         record.Result,
		}
		if record.Error != nil {
			step.Error = &StepFailureView{
				Code:      record.Error.Code,
				Message:   record.Error.Message,
				Retryable: record.Error.Retryable,
				Details:   record.Error.Details,
			}
		}
		view.Steps[string(name)] = step
	}
	return view
}

// FromWorkflowStates converts a slice of workflow records.
func FromWorkflowStates(states []*workflow.State) []WorkflowView {
	if len(states) == 0 {
		return nil
	}
	out := make([]WorkflowView, 0, len(states))
	for _, state := range states {
		out = append(out, FromWorkflowState(state))
	}
	return out
}

// FromJob converts a job record into its API view.
func FromJob(job *jobs.Job) JobView {
	view := JobView{
		JobID:               job.ID,
		WorkflowID:          job.WorkflowID,
		Operation:           string(job.Operation),
		Status:              string(job.Status),
		Progress:            job.Progress,
		Message:             job.Message,
		CreatedAt:           formatTime(job.CreatedAt),
		StartedAt:           formatTimePtr(job.StartedAt),
		CompletedAt:         formatTimePtr(job.CompletedAt),
		CancelledAt:         formatTimePtr(job.CancelledAt),
		InputParams:         job.InputParams,
		Result:              job.Result,
		CancelReason:        job.CancelReason,
		EstimatedCompletion: formatTimePtr(job.EstimatedCompletion),
	}
	if job.Error != nil {
		view.Error = &JobErrorView{
			Code:      job.Error.Code,
			Message:   job.Error.Message,
			Retryable: job.Error.Retryable,
			Details:   job.Error.Details,
		}
	}
	return view
}

// FromJobs converts a slice of job records.
func FromJobs(list []*jobs.Job) []JobView {
	if len(list) == 0 {
		return nil
	}
	out := make([]JobView, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	return out
}

// MergeJobStats converts job stats to string keys for transport.
func MergeJobStats(stats map[jobs.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for status, count := range stats {
		out[string(status)] = count
	}
	return out
}
