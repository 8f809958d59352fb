package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StepFailureView describes a step failure in a transport-friendly format.
type StepFailureView struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// StepView describes one pipeline step of a workflow.
type StepView struct {
	Status         string           `json:"status"`
	StartedAt      string           `json:"startedAt,omitempty"`
	CompletedAt    string           `json:"completedAt,omitempty"`
	FailedAt       string           `json:"failedAt,omitempty"`
	ProcessingTime float64          `json:"processingTime"`
	Result         map[string]any   `json:"result,omitempty"`
	Error          *StepFailureView `json:"error,omitempty"`
}

// WorkflowView describes a workflow record.
type WorkflowView struct {
	WorkflowID          string              `json:"workflowId"`
	CreatedAt           string              `json:"createdAt"`
	LastUpdated         string              `json:"lastUpdated"`
	Steps               map[string]StepView `json:"steps"`
	CompletedSteps      int                 `json:"completedSteps"`
	FailedSteps         int                 `json:"failedSteps"`
	TotalProcessingTime float64             `json:"totalProcessingTime"`
}

// JobErrorView describes a job failure.
type JobErrorView struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// JobView describes a background job.
type JobView struct {
	JobID               string         `json:"jobId"`
	WorkflowID          string         `json:"workflowId"`
	Operation           string         `json:"operation"`
	Status              string         `json:"status"`
	Progress            int            `json:"progress"`
	Message             string         `json:"message,omitempty"`
	CreatedAt           string         `json:"createdAt"`
	StartedAt           string         `json:"startedAt,omitempty"`
	CompletedAt         string         `json:"completedAt,omitempty"`
	CancelledAt         string         `json:"cancelledAt,omitempty"`
	InputParams         map[string]any `json:"inputParams,omitempty"`
	Result              map[string]any `json:"result,omitempty"`
	Error               *JobErrorView  `json:"error,omitempty"`
	CancelReason        string         `json:"cancelReason,omitempty"`
	EstimatedCompletion string         `json:"estimatedCompletion,omitempty"`
}

// WorkflowListResponse wraps a collection of workflows.
type WorkflowListResponse struct {
	Workflows []WorkflowView `json:"workflows"`
}

// WorkflowResponse wraps a single workflow.
type WorkflowResponse struct {
	Workflow WorkflowView `json:"workflow"`
}

// StepStatusResponse reports one step's status.
type StepStatusResponse struct {
	WorkflowID string `json:"workflowId"`
	Step       string `json:"step"`
	Status     string `json:"status"`
}

// StageResultResponse wraps a synchronous stage execution outcome.
type StageResultResponse struct {
	Workflow WorkflowView   `json:"workflow"`
	Result   map[string]any `json:"result"`
}

// JobResponse wraps a single job.
type JobResponse struct {
	Job JobView `json:"job"`
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// CancelResponse reports the outcome of a cancel request.
type CancelResponse struct {
	Cancelled bool    `json:"cancelled"`
	Job       JobView `json:"job"`
}

// DeleteResponse reports the outcome of a workflow delete.
type DeleteResponse struct {
	Deleted        bool  `json:"deleted"`
	FilesDeleted   int   `json:"filesDeleted"`
	BytesFreed     int64 `json:"bytesFreed"`
	WorkflowErased bool  `json:"workflowErased"`
}

// CleanupResponse reports the outcome of a retention sweep.
type CleanupResponse struct {
	WorkflowsRemoved  int   `json:"workflowsRemoved"`
	JobsRemoved       int   `json:"jobsRemoved"`
	ReferencesRemoved int   `json:"referencesRemoved"`
	BytesFreed        int64 `json:"bytesFreed"`
}

// StatusResponse aggregates daemon runtime information.
type StatusResponse struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	JobsDBPath   string         `json:"jobsDbPath"`
	WorkflowDir  string         `json:"workflowDir"`
	LockFilePath string         `json:"lockFilePath"`
	JobStats     map[string]int `json:"jobStats"`
	Workflows    int            `json:"workflows"`
}
