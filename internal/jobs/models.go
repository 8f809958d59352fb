package jobs

import (
	"strings"
	"time"
)

// Operation names the logical pipeline operation a job performs.
type Operation string

const (
	OpUploadVideo          Operation = "upload_video"
	OpExtractAudio         Operation = "extract_audio"
	OpTranscribeAudio      Operation = "transcribe_audio"
	OpEnhanceTranscription Operation = "enhance_transcription"
)

var allOperations = []Operation{
	OpUploadVideo,
	OpExtractAudio,
	OpTranscribeAudio,
	OpEnhanceTranscription,
}

var operationSet = func() map[Operation]struct{} {
	set := make(map[Operation]struct{}, len(allOperations))
	for _, op := range allOperations {
		set[op] = struct{}{}
	}
	return set
}()

// AllOperations returns the ordered list of known operations.
func AllOperations() []Operation {
	cp := make([]Operation, len(allOperations))
	copy(cp, allOperations)
	return cp
}

// ParseOperation converts a string into a known Operation.
func ParseOperation(value string) (Operation, bool) {
	normalized := Operation(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := operationSet[normalized]
	return normalized, ok
}

// Status represents the lifecycle of a background job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return normalized, true
	default:
		return "", false
	}
}

// ProgressIndeterminate is the sentinel progress value for work whose
// completion fraction is unknown.
const ProgressIndeterminate = -1

// JobError is the structured failure persisted on a failed job.
type JobError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Job represents one tracked asynchronous execution.
type Job struct {
	ID                  string
	WorkflowID          string
	Operation           Operation
	Status              Status
	Progress            int
	Message             string
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CancelledAt         *time.Time
	InputParams         map[string]any
	Result              map[string]any
	Error               *JobError
	CancelReason        string
	EstimatedCompletion *time.Time
}

// Terminal reports whether the job has reached an absorbing state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// ProgressUpdate carries the optional fields of an UpdateProgress call.
// Nil fields are left untouched.
type ProgressUpdate struct {
	Progress            *int
	Message             *string
	EstimatedCompletion *time.Time
}

// CreateRequest carries the fields of a Create call.
type CreateRequest struct {
	WorkflowID  string
	Operation   Operation
	InputParams map[string]any
}

func clampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
