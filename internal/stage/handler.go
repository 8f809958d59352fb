package stage

import (
	"context"

	"scribe/internal/workflow"
)

// Request carries everything a handler needs for one stage execution.
type Request struct {
	WorkflowID string
	State      *workflow.State
	Params     map[string]any
	// Payload carries raw upload bytes when the caller sent the file
	// inline instead of pointing at a path or URL.
	Payload []byte
	// Progress reports stage progress as a 0-100 percentage.
	Progress func(percent int, message string)
	// Cancel fires when the driving job is cancelled. Nil for
	// synchronous invocations.
	Cancel <-chan struct{}
}

// ReportProgress invokes the progress callback when one is set.
func (r Request) ReportProgress(percent int, message string) {
	if r.Progress != nil {
		r.Progress(percent, message)
	}
}

// Handler executes one pipeline stage against a workflow.
type Handler interface {
	Step() workflow.StepName
	Execute(ctx context.Context, req Request) (map[string]any, error)
}

// Health summarizes the readiness of a stage's collaborator.
type Health struct {
	Name   string
	Ready  bool
	Detail string
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}
