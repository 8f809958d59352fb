package stage

import (
	"fmt"

	"scribe/internal/services"
	"scribe/internal/workflow"
)

// requireCompleted returns the completed record for a prerequisite
// step, or a precondition error naming the stage the caller must run
// first.
func requireCompleted(state *workflow.State, step workflow.StepName) (*workflow.StepRecord, error) {
	record, ok := state.Step(step)
	if !ok || record.Status != workflow.StepCompleted {
		return nil, services.Wrap(services.ErrPrecondition, "stage", "prerequisite",
			fmt.Sprintf("step %s has not completed; run it first", step), nil)
	}
	return record, nil
}

// resultString pulls a string field out of a completed step's result.
func resultString(record *workflow.StepRecord, key string) (string, error) {
	value, ok := record.Result[key].(string)
	if !ok || value == "" {
		return "", services.Wrap(services.ErrPrecondition, "stage", "prerequisite",
			fmt.Sprintf("step result is missing %q; rerun the producing stage", key), nil)
	}
	return value, nil
}

// transcriptText returns the best available text for analysis stages:
// the enhanced transcription when present, the raw transcription
// otherwise.
func transcriptText(state *workflow.State) (string, error) {
	if record, ok := state.Step(workflow.StepEnhanceTranscription); ok && record.Status == workflow.StepCompleted {
		if text, ok := record.Result["enhanced_text"].(string); ok && text != "" {
			return text, nil
		}
	}
	record, err := requireCompleted(state, workflow.StepTranscribeAudio)
	if err != nil {
		return "", err
	}
	return resultString(record, "raw_text")
}

// cancelled reports whether the request's cancel signal has fired.
func cancelled(req Request) bool {
	select {
	case <-req.Cancel:
		return true
	default:
		return false
	}
}
