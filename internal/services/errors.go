package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound marks lookups for workflows, jobs, or references that do
	// not exist. Retrying the same identifier will not succeed.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition marks operations attempted before a prerequisite step
	// produced its output. The caller must run the missing stage first.
	ErrPrecondition = errors.New("precondition failed")
	// ErrStorage marks underlying read/write failures, which may be
	// transient and are worth retrying with backoff.
	ErrStorage = errors.New("storage error")
	// ErrCancelled marks cooperative aborts. Terminal for the job that
	// observed it.
	ErrCancelled = errors.New("cancelled")
	// ErrUpstream marks failures inside a stage's own work, such as a
	// download or inference call going wrong.
	ErrUpstream = errors.New("upstream failure")
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation error")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrUpstream
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether a failure is worth retrying as-is. Storage and
// upstream failures may be transient; everything else requires a different
// call from the caller first.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrStorage), errors.Is(err, ErrUpstream):
		return true
	default:
		return false
	}
}

// Code maps an error to the machine-readable code persisted in step and job
// failure records.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrPrecondition):
		return "PRECONDITION_FAILED"
	case errors.Is(err, ErrStorage):
		return "STORAGE_IO"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrValidation):
		return "VALIDATION"
	default:
		return "UPSTREAM_FAILURE"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
