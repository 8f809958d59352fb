package stage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/services"
	"scribe/internal/stage"
	"scribe/internal/testsupport"
	"scribe/internal/workflow"
)

type scriptedHandler struct {
	step    workflow.StepName
	result  map[string]any
	err     error
	block   chan struct{}
	started chan struct{}
}

func (h *scriptedHandler) Step() workflow.StepName {
	return h.step
}

func (h *scriptedHandler) Execute(ctx context.Context, req stage.Request) (map[string]any, error) {
	if h.started != nil {
		close(h.started)
	}
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return nil, services.Wrap(services.ErrCancelled, "stage-test", "execute", "cancelled", ctx.Err())
		}
	}
	return h.result, h.err
}

func newRunner(t *testing.T) (*stage.Runner, *config.Config, *workflowStores) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	workflows := testsupport.MustOpenWorkflowStore(t, cfg)
	jobStore := testsupport.MustOpenJobStore(t, cfg)
	runner := stage.NewRunner(cfg, workflows, jobStore, logging.NewNop())
	return runner, cfg, &workflowStores{workflows: workflows, jobs: jobStore}
}

type workflowStores struct {
	workflows *workflow.Store
	jobs      *jobs.Store
}

func TestExecuteRecordsCompletedStep(t *testing.T) {
	runner, _, stores := newRunner(t)
	ctx := context.Background()

	state, err := stores.workflows.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{
		step:   workflow.StepUploadVideo,
		result: map[string]any{"video_ref": "video_x_y.mp4"},
	}
	result, err := runner.Execute(ctx, handler, stage.Request{WorkflowID: state.WorkflowID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["video_ref"] != "video_x_y.mp4" {
		t.Fatalf("result = %#v", result)
	}

	after, err := stores.workflows.Get(ctx, state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	record, _ := after.Step(workflow.StepUploadVideo)
	if record == nil || record.Status != workflow.StepCompleted {
		t.Fatalf("step not completed: %#v", record)
	}
	if after.CompletedSteps != 1 {
		t.Fatalf("derived counters: %+v", after)
	}
}

func TestExecuteRecordsFailedStep(t *testing.T) {
	runner, _, stores := newRunner(t)
	ctx := context.Background()

	state, err := stores.workflows.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{
		step: workflow.StepExtractAudio,
		err:  services.Wrap(services.ErrUpstream, "stage-test", "execute", "codec exploded", nil),
	}
	_, err = runner.Execute(ctx, handler, stage.Request{WorkflowID: state.WorkflowID})
	if !errors.Is(err, services.ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	after, err := stores.workflows.Get(ctx, state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	record, _ := after.Step(workflow.StepExtractAudio)
	if record == nil || record.Status != workflow.StepFailed {
		t.Fatalf("step not failed: %#v", record)
	}
	if record.Error == nil || record.Error.Code != "UPSTREAM_FAILURE" || !record.Error.Retryable {
		t.Fatalf("failure payload = %#v", record.Error)
	}
}

func TestRunAsyncCompletesJob(t *testing.T) {
	runner, _, stores := newRunner(t)
	ctx := context.Background()

	state, err := stores.workflows.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{
		step:   workflow.StepUploadVideo,
		result: map[string]any{"video_ref": "video_x_y.mp4"},
	}
	job, err := runner.RunAsync(handler, state.WorkflowID, nil, nil)
	if err != nil {
		t.Fatalf("RunAsync: %v", err)
	}
	if job.Status != jobs.StatusQueued {
		t.Fatalf("new job status = %s", job.Status)
	}

	final := waitForTerminal(t, stores.jobs, job.ID)
	if final.Status != jobs.StatusCompleted {
		t.Fatalf("job ended %s: %+v", final.Status, final.Error)
	}
	if final.Result["video_ref"] != "video_x_y.mp4" {
		t.Fatalf("job result = %#v", final.Result)
	}
	if final.EstimatedCompletion == nil {
		t.Fatal("estimated completion missing")
	}

	after, err := stores.workflows.Get(ctx, state.WorkflowID)
	if err != nil {
		t.Fatal(err)
	}
	if status := after.StepStatus(workflow.StepUploadVideo); status != workflow.StepCompleted {
		t.Fatalf("workflow step = %s", status)
	}
}

func TestRunAsyncFailureRecordsError(t *testing.T) {
	runner, _, stores := newRunner(t)

	state, err := stores.workflows.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{
		step: workflow.StepTranscribeAudio,
		err:  services.Wrap(services.ErrPrecondition, "stage-test", "execute", "run extraction first", nil),
	}
	job, err := runner.RunAsync(handler, state.WorkflowID, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	final := waitForTerminal(t, stores.jobs, job.ID)
	if final.Status != jobs.StatusFailed {
		t.Fatalf("job ended %s", final.Status)
	}
	if final.Error == nil || final.Error.Code != "PRECONDITION_FAILED" {
		t.Fatalf("job error = %#v", final.Error)
	}
}

func TestRunAsyncCancellation(t *testing.T) {
	runner, _, stores := newRunner(t)

	state, err := stores.workflows.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{
		step:    workflow.StepEnhanceTranscription,
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	job, err := runner.RunAsync(handler, state.WorkflowID, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-handler.started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	cancelled, err := stores.jobs.Cancel(context.Background(), job.ID, "operator abort")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !cancelled {
		t.Fatal("Cancel reported false for a running job")
	}

	final := waitForTerminal(t, stores.jobs, job.ID)
	if final.Status != jobs.StatusCancelled || final.CancelReason != "operator abort" {
		t.Fatalf("job = %+v", final)
	}
}

func TestRunAsyncRejectsSynchronousSteps(t *testing.T) {
	runner, _, stores := newRunner(t)

	state, err := stores.workflows.Create(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	handler := &scriptedHandler{step: workflow.StepSummarizeContent}
	if _, err := runner.RunAsync(handler, state.WorkflowID, nil, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func waitForTerminal(t *testing.T, store *jobs.Store, jobID string) *jobs.Job {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		job, err := store.GetByID(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached a terminal state (status %s)", jobID, job.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
