package stage

import (
	"context"
	"errors"
	"log/slog"

	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/services"
	"scribe/internal/workflow"
)

// Runner drives stage handlers against the workflow and job stores. It
// owns the bookkeeping contract every stage execution follows: start
// the step, run the handler, then complete or fail the step exactly
// once.
type Runner struct {
	cfg       *config.Config
	workflows *workflow.Store
	jobs      *jobs.Store
	logger    *slog.Logger
}

// NewRunner constructs a stage runner.
func NewRunner(cfg *config.Config, workflows *workflow.Store, jobStore *jobs.Store, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		workflows: workflows,
		jobs:      jobStore,
		logger:    logging.NewComponentLogger(logger, "runner"),
	}
}

var stepOperations = map[workflow.StepName]jobs.Operation{
	workflow.StepUploadVideo:          jobs.OpUploadVideo,
	workflow.StepExtractAudio:         jobs.OpExtractAudio,
	workflow.StepTranscribeAudio:      jobs.OpTranscribeAudio,
	workflow.StepEnhanceTranscription: jobs.OpEnhanceTranscription,
}

// OperationForStep maps a workflow step to its background operation.
// Analysis steps run synchronously and have no operation.
func OperationForStep(step workflow.StepName) (jobs.Operation, bool) {
	op, ok := stepOperations[step]
	return op, ok
}

// Execute runs a handler synchronously, recording the step lifecycle
// on the workflow.
func (r *Runner) Execute(ctx context.Context, handler Handler, req Request) (map[string]any, error) {
	state, err := r.workflows.Get(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	req.State = state

	if _, err := r.workflows.StartStep(ctx, req.WorkflowID, handler.Step()); err != nil {
		return nil, err
	}

	result, execErr := handler.Execute(ctx, req)
	if execErr != nil {
		failure := &workflow.StepFailure{
			Code:      services.Code(execErr),
			Message:   execErr.Error(),
			Retryable: services.Retryable(execErr),
		}
		if _, failErr := r.workflows.FailStep(ctx, req.WorkflowID, handler.Step(), failure); failErr != nil {
			r.logger.Error("failed to record step failure",
				logging.String(logging.FieldWorkflowID, req.WorkflowID),
				logging.String(logging.FieldStage, string(handler.Step())),
				logging.Error(failErr))
		}
		return nil, execErr
	}

	if _, err := r.workflows.CompleteStep(ctx, req.WorkflowID, handler.Step(), result); err != nil {
		return nil, err
	}
	return result, nil
}

// RunAsync creates a job for the handler's operation and executes the
// stage on a background goroutine. The returned job is in the queued
// state; poll it for progress and outcome.
func (r *Runner) RunAsync(handler Handler, workflowID string, params map[string]any, payload []byte) (*jobs.Job, error) {
	op, ok := OperationForStep(handler.Step())
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "runner", "run-async",
			"step "+string(handler.Step())+" does not run in the background", nil)
	}

	ctx := context.Background()
	job, err := r.jobs.Create(ctx, jobs.CreateRequest{
		WorkflowID:  workflowID,
		Operation:   op,
		InputParams: params,
	})
	if err != nil {
		return nil, err
	}

	eta := jobs.EstimateCompletion(r.cfg, op, params)
	if err := r.jobs.UpdateProgress(ctx, job.ID, jobs.ProgressUpdate{EstimatedCompletion: &eta}); err != nil {
		r.logger.Warn("failed to record completion estimate",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}

	signal, _ := r.jobs.CancellationSignal(job.ID)
	go r.runJob(handler, job.ID, workflowID, params, payload, signal)
	return job, nil
}

func (r *Runner) runJob(handler Handler, jobID, workflowID string, params map[string]any, payload []byte, signal <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if signal != nil {
		go func() {
			select {
			case <-signal:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	if _, err := r.jobs.UpdateStatus(ctx, jobID, jobs.StatusRunning, "stage started"); err != nil {
		// Cancelled before the goroutine got scheduled.
		r.logger.Warn("job never started",
			logging.String(logging.FieldJobID, jobID),
			logging.Error(err))
		return
	}

	req := Request{
		WorkflowID: workflowID,
		Params:     params,
		Payload:    payload,
		Cancel:     signal,
		Progress: func(percent int, message string) {
			update := jobs.ProgressUpdate{Progress: &percent}
			if message != "" {
				update.Message = &message
			}
			if err := r.jobs.UpdateProgress(context.Background(), jobID, update); err != nil {
				r.logger.Warn("failed to record job progress",
					logging.String(logging.FieldJobID, jobID),
					logging.Error(err))
			}
		},
	}

	result, err := r.Execute(ctx, handler, req)
	finishCtx := context.Background()
	if err != nil {
		// SetError fails the job in one guarded transition; if Cancel
		// already made the job terminal it refuses and there is nothing
		// further to record.
		if setErr := r.jobs.SetError(finishCtx, jobID, &jobs.JobError{
			Code:      services.Code(err),
			Message:   err.Error(),
			Retryable: services.Retryable(err),
		}); setErr != nil && !errors.Is(setErr, services.ErrPrecondition) {
			r.logger.Error("failed to record job error",
				logging.String(logging.FieldJobID, jobID),
				logging.Error(setErr))
		}
		return
	}

	if setErr := r.jobs.SetResult(finishCtx, jobID, result); setErr != nil && !errors.Is(setErr, services.ErrPrecondition) {
		r.logger.Error("failed to record job result",
			logging.String(logging.FieldJobID, jobID),
			logging.Error(setErr))
	}
}
