package workflow

import (
	"encoding/json"
	"time"
)

// legacyRecord is the flat schema written before steps were introduced: stage
// outputs sat directly on the record. Detection is purely structural; a
// record with a non-empty steps map is already current.
type legacyRecord struct {
	WorkflowID   string     `json:"workflow_id"`
	CreatedAt    *time.Time `json:"created_at"`
	LastUpdated  *time.Time `json:"last_updated"`
	VideoRef     *string    `json:"video_ref"`
	AudioRef     *string    `json:"audio_ref"`
	RawText      *string    `json:"raw_text"`
	EnhancedText *string    `json:"enhanced_text"`
	Summary      *string    `json:"summary"`
	KeyPoints    []string   `json:"key_points"`
	Sentiment    any        `json:"sentiment"`
	Topics       []string   `json:"topics"`
}

// decodeState parses a persisted record, migrating the legacy flat schema to
// the step-indexed one when needed. The migrated bool tells the caller to
// persist the record forward.
func decodeState(workflowID string, data []byte) (*State, bool, error) {
	var state State
	if err := json.Unmarshal(data, &state); err == nil && len(state.Steps) > 0 {
		if state.WorkflowID == "" {
			state.WorkflowID = workflowID
		}
		return &state, false, nil
	}

	var legacy legacyRecord
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, false, err
	}

	migrated := migrateLegacy(workflowID, &legacy)
	if len(migrated.Steps) == 0 {
		// Nothing legacy to lift: an empty-steps record in the current
		// schema, returned as-is.
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, false, err
		}
		if state.WorkflowID == "" {
			state.WorkflowID = workflowID
		}
		if state.Steps == nil {
			state.Steps = make(map[StepName]*StepRecord)
		}
		return &state, false, nil
	}
	return migrated, true, nil
}

// migrateLegacy maps each populated legacy field to a synthetic completed
// step record with zeroed timing. Field semantics are taken structurally;
// nothing is guessed beyond what is present.
func migrateLegacy(workflowID string, legacy *legacyRecord) *State {
	state := &State{
		WorkflowID: workflowID,
		Steps:      make(map[StepName]*StepRecord),
	}
	if legacy.WorkflowID != "" {
		state.WorkflowID = legacy.WorkflowID
	}
	if legacy.CreatedAt != nil {
		state.CreatedAt = *legacy.CreatedAt
	}
	if legacy.LastUpdated != nil {
		state.LastUpdated = *legacy.LastUpdated
	} else {
		state.LastUpdated = state.CreatedAt
	}

	addStep := func(step StepName, key string, value any) {
		state.Steps[step] = &StepRecord{
			Status: StepCompleted,
			Result: map[string]any{key: value},
		}
	}

	if legacy.VideoRef != nil {
		addStep(StepUploadVideo, "video_ref", *legacy.VideoRef)
	}
	if legacy.AudioRef != nil {
		addStep(StepExtractAudio, "audio_ref", *legacy.AudioRef)
	}
	if legacy.RawText != nil {
		addStep(StepTranscribeAudio, "raw_text", *legacy.RawText)
	}
	if legacy.EnhancedText != nil {
		addStep(StepEnhanceTranscription, "enhanced_text", *legacy.EnhancedText)
	}
	if legacy.Summary != nil {
		addStep(StepSummarizeContent, "summary", *legacy.Summary)
	}
	if legacy.KeyPoints != nil {
		addStep(StepExtractKeyPoints, "key_points", legacy.KeyPoints)
	}
	if legacy.Sentiment != nil {
		addStep(StepAnalyzeSentiment, "sentiment", legacy.Sentiment)
	}
	if legacy.Topics != nil {
		addStep(StepIdentifyTopics, "topics", legacy.Topics)
	}

	state.recomputeDerived()
	return state
}
