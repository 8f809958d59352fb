package workflow

import (
	"strings"
	"time"
)

// StepName identifies one named stage of the pipeline.
type StepName string

const (
	StepUploadVideo          StepName = "upload_video"
	StepExtractAudio         StepName = "extract_audio"
	StepTranscribeAudio      StepName = "transcribe_audio"
	StepEnhanceTranscription StepName = "enhance_transcription"
	StepSummarizeContent     StepName = "summarize_content"
	StepExtractKeyPoints     StepName = "extract_key_points"
	StepAnalyzeSentiment     StepName = "analyze_sentiment"
	StepIdentifyTopics       StepName = "identify_topics"
)

var allSteps = []StepName{
	StepUploadVideo,
	StepExtractAudio,
	StepTranscribeAudio,
	StepEnhanceTranscription,
	StepSummarizeContent,
	StepExtractKeyPoints,
	StepAnalyzeSentiment,
	StepIdentifyTopics,
}

var stepSet = func() map[StepName]struct{} {
	set := make(map[StepName]struct{}, len(allSteps))
	for _, step := range allSteps {
		set[step] = struct{}{}
	}
	return set
}()

// AllSteps returns the ordered list of known step names.
func AllSteps() []StepName {
	cp := make([]StepName, len(allSteps))
	copy(cp, allSteps)
	return cp
}

// ParseStep converts a string into a known StepName.
func ParseStep(value string) (StepName, bool) {
	normalized := StepName(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stepSet[normalized]
	return normalized, ok
}

// StepStatus represents the lifecycle of a single step.
type StepStatus string

const (
	// StepNotStarted is reported for steps absent from the record; it is
	// never persisted.
	StepNotStarted StepStatus = "not_started"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepFailure is the structured error persisted on a failed step.
type StepFailure struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// StepRecord captures the status, timing, result, and error of one step
// attempt. A rerun replaces the record wholesale; no history is retained.
type StepRecord struct {
	Status         StepStatus     `json:"status"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	FailedAt       *time.Time     `json:"failed_at,omitempty"`
	ProcessingTime float64        `json:"processing_time"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *StepFailure   `json:"error,omitempty"`
}

// State is the durable record of one workflow. The derived counters are
// recomputed from Steps on every mutation and never trusted independently.
type State struct {
	WorkflowID          string                   `json:"workflow_id"`
	CreatedAt           time.Time                `json:"created_at"`
	LastUpdated         time.Time                `json:"last_updated"`
	Steps               map[StepName]*StepRecord `json:"steps"`
	CompletedSteps      int                      `json:"completed_steps"`
	FailedSteps         int                      `json:"failed_steps"`
	TotalProcessingTime float64                  `json:"total_processing_time"`
}

// Step returns the record for a named step, if present.
func (s *State) Step(name StepName) (*StepRecord, bool) {
	if s == nil || s.Steps == nil {
		return nil, false
	}
	rec, ok := s.Steps[name]
	return rec, ok
}

// StepStatus reports the status of a named step, StepNotStarted when absent.
func (s *State) StepStatus(name StepName) StepStatus {
	rec, ok := s.Step(name)
	if !ok || rec == nil {
		return StepNotStarted
	}
	return rec.Status
}

func (s *State) recomputeDerived() {
	s.CompletedSteps = 0
	s.FailedSteps = 0
	s.TotalProcessingTime = 0
	for _, rec := range s.Steps {
		if rec == nil {
			continue
		}
		switch rec.Status {
		case StepCompleted:
			s.CompletedSteps++
		case StepFailed:
			s.FailedSteps++
		}
		if rec.ProcessingTime > 0 {
			s.TotalProcessingTime += rec.ProcessingTime
		}
	}
}
