package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/services"
	"scribe/internal/stage"
	"scribe/internal/workflow"
)

// Service is the orchestration facade the API server and CLI drive. It
// owns the mapping from step names to stage handlers and the
// cross-store operations (cascading delete, retention sweep) that no
// single store can perform alone.
type Service struct {
	cfg       *config.Config
	workflows *workflow.Store
	jobs      *jobs.Store
	refs      *references.Service
	runner    *stage.Runner
	handlers  map[workflow.StepName]stage.Handler
	logger    *slog.Logger
}

// NewService constructs the orchestration facade.
func NewService(
	cfg *config.Config,
	workflows *workflow.Store,
	jobStore *jobs.Store,
	refs *references.Service,
	runner *stage.Runner,
	handlers []stage.Handler,
	logger *slog.Logger,
) *Service {
	byStep := make(map[workflow.StepName]stage.Handler, len(handlers))
	for _, handler := range handlers {
		byStep[handler.Step()] = handler
	}
	return &Service{
		cfg:       cfg,
		workflows: workflows,
		jobs:      jobStore,
		refs:      refs,
		runner:    runner,
		handlers:  byStep,
		logger:    logging.NewComponentLogger(logger, "api"),
	}
}

// CreateWorkflow provisions a fresh workflow record.
func (s *Service) CreateWorkflow(ctx context.Context) (WorkflowView, error) {
	state, err := s.workflows.Create(ctx)
	if err != nil {
		return WorkflowView{}, err
	}
	return FromWorkflowState(state), nil
}

// GetWorkflow fetches one workflow record.
func (s *Service) GetWorkflow(ctx context.Context, workflowID string) (WorkflowView, error) {
	state, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return WorkflowView{}, err
	}
	return FromWorkflowState(state), nil
}

// ListWorkflows returns all workflow records sorted by creation time.
func (s *Service) ListWorkflows(ctx context.Context) ([]WorkflowView, error) {
	states, err := s.workflows.List(ctx)
	if err != nil {
		return nil, err
	}
	return FromWorkflowStates(states), nil
}

// DeleteWorkflow removes a workflow record and every reference payload
// it owns.
func (s *Service) DeleteWorkflow(ctx context.Context, workflowID string) (DeleteResponse, error) {
	swept, err := s.refs.DeleteAllForWorkflow(workflowID)
	if err != nil {
		return DeleteResponse{}, err
	}
	erased, err := s.workflows.Delete(ctx, workflowID)
	if err != nil {
		return DeleteResponse{}, err
	}
	return DeleteResponse{
		Deleted:        erased || swept.FilesDeleted > 0,
		FilesDeleted:   swept.FilesDeleted,
		BytesFreed:     swept.BytesFreed,
		WorkflowErased: erased,
	}, nil
}

// StepStatus reports the status of one step.
func (s *Service) StepStatus(ctx context.Context, workflowID, stepName string) (StepStatusResponse, error) {
	step, ok := workflow.ParseStep(stepName)
	if !ok {
		return StepStatusResponse{}, services.Wrap(services.ErrValidation, "api", "step-status",
			fmt.Sprintf("unknown step %q", stepName), nil)
	}
	status, err := s.workflows.StepStatus(ctx, workflowID, step)
	if err != nil {
		return StepStatusResponse{}, err
	}
	return StepStatusResponse{
		WorkflowID: workflowID,
		Step:       string(step),
		Status:     string(status),
	}, nil
}

// RunStage executes a stage synchronously and returns the step result
// with the refreshed workflow record.
func (s *Service) RunStage(ctx context.Context, workflowID, stepName string, params map[string]any, payload []byte) (StageResultResponse, error) {
	handler, err := s.handlerFor(stepName)
	if err != nil {
		return StageResultResponse{}, err
	}
	result, err := s.runner.Execute(ctx, handler, stage.Request{
		WorkflowID: workflowID,
		Params:     params,
		Payload:    payload,
	})
	if err != nil {
		return StageResultResponse{}, err
	}
	state, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return StageResultResponse{}, err
	}
	return StageResultResponse{
		Workflow: FromWorkflowState(state),
		Result:   result,
	}, nil
}

// RunStageAsync starts a stage on a background job and returns the
// queued job for polling.
func (s *Service) RunStageAsync(ctx context.Context, workflowID, stepName string, params map[string]any, payload []byte) (JobView, error) {
	handler, err := s.handlerFor(stepName)
	if err != nil {
		return JobView{}, err
	}
	// The workflow must exist before queueing work against it.
	if _, err := s.workflows.Get(ctx, workflowID); err != nil {
		return JobView{}, err
	}
	job, err := s.runner.RunAsync(handler, workflowID, params, payload)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job), nil
}

// GetJob fetches one job record.
func (s *Service) GetJob(ctx context.Context, jobID string) (JobView, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}
	return FromJob(job), nil
}

// ListJobs returns jobs, scoped to a workflow when workflowID is
// non-empty and filtered by the given statuses.
func (s *Service) ListJobs(ctx context.Context, workflowID string, statuses ...jobs.Status) ([]JobView, error) {
	if workflowID != "" {
		list, err := s.jobs.ListForWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if len(statuses) > 0 {
			allowed := make(map[jobs.Status]struct{}, len(statuses))
			for _, status := range statuses {
				allowed[status] = struct{}{}
			}
			filtered := list[:0]
			for _, job := range list {
				if _, ok := allowed[job.Status]; ok {
					filtered = append(filtered, job)
				}
			}
			list = filtered
		}
		return FromJobs(list), nil
	}
	list, err := s.jobs.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromJobs(list), nil
}

// CancelJob requests cancellation of a live job.
func (s *Service) CancelJob(ctx context.Context, jobID, reason string) (CancelResponse, error) {
	cancelled, err := s.jobs.Cancel(ctx, jobID, reason)
	if err != nil {
		return CancelResponse{}, err
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return CancelResponse{}, err
	}
	return CancelResponse{Cancelled: cancelled, Job: FromJob(job)}, nil
}

// JobStats returns job counts keyed by status string.
func (s *Service) JobStats(ctx context.Context) (map[string]int, error) {
	stats, err := s.jobs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeJobStats(stats), nil
}

// WorkflowCount returns the number of persisted workflows.
func (s *Service) WorkflowCount(ctx context.Context) (int, error) {
	states, err := s.workflows.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(states), nil
}

// Cleanup runs the retention sweep across all three stores.
func (s *Service) Cleanup(ctx context.Context) (CleanupResponse, error) {
	var response CleanupResponse

	workflowsRemoved, err := s.workflows.CleanupOld(ctx, hours(s.cfg.Cleanup.WorkflowRetentionHours))
	if err != nil {
		return response, err
	}
	response.WorkflowsRemoved = workflowsRemoved

	jobsRemoved, err := s.jobs.CleanupOld(ctx, hours(s.cfg.Jobs.RetentionHours))
	if err != nil {
		return response, err
	}
	response.JobsRemoved = jobsRemoved

	swept, err := s.refs.CleanupOld(hours(s.cfg.Cleanup.ReferenceMaxAgeHours))
	if err != nil {
		return response, err
	}
	response.ReferencesRemoved = swept.FilesDeleted
	response.BytesFreed = swept.BytesFreed

	if response.WorkflowsRemoved > 0 || response.JobsRemoved > 0 || response.ReferencesRemoved > 0 {
		s.logger.Info("retention sweep complete",
			logging.Int("workflows", response.WorkflowsRemoved),
			logging.Int("jobs", response.JobsRemoved),
			logging.Int("references", response.ReferencesRemoved),
			logging.Int64("bytes", response.BytesFreed))
	}
	return response, nil
}

// StuckStep identifies a step that has sat in running state past the
// retention threshold, usually after a crash mid-stage.
type StuckStep struct {
	WorkflowID string
	Step       string
	StartedAt  time.Time
}

// StuckRunningSteps reports running steps whose start time is older
// than the cutoff. Recovery is manual; callers log and leave the
// records alone.
func (s *Service) StuckRunningSteps(ctx context.Context, olderThan time.Duration) ([]StuckStep, error) {
	states, err := s.workflows.List(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)
	var stuck []StuckStep
	for _, state := range states {
		for name, record := range state.Steps {
			if record.Status != workflow.StepRunning || record.StartedAt == nil {
				continue
			}
			if record.StartedAt.Before(cutoff) {
				stuck = append(stuck, StuckStep{
					WorkflowID: state.WorkflowID,
					Step:       string(name),
					StartedAt:  *record.StartedAt,
				})
			}
		}
	}
	return stuck, nil
}

func (s *Service) handlerFor(stepName string) (stage.Handler, error) {
	step, ok := workflow.ParseStep(stepName)
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "api", "run-stage",
			fmt.Sprintf("unknown step %q", stepName), nil)
	}
	handler, ok := s.handlers[step]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "api", "run-stage",
			fmt.Sprintf("no handler registered for step %s", step), nil)
	}
	return handler, nil
}

func hours(count int) time.Duration {
	return time.Duration(count) * time.Hour
}
