package stage

import (
	"context"
	"log/slog"
	"strings"

	"scribe/internal/logging"
	"scribe/internal/services"
	"scribe/internal/workflow"
)

// TextModel generates text and structured JSON from prompts.
type TextModel interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Enhance cleans up a raw transcription with the language model.
type Enhance struct {
	model  TextModel
	logger *slog.Logger
}

// NewEnhance constructs the enhancement stage handler.
func NewEnhance(model TextModel, logger *slog.Logger) *Enhance {
	return &Enhance{model: model, logger: logging.NewComponentLogger(logger, "stage-enhance")}
}

func (e *Enhance) Step() workflow.StepName {
	return workflow.StepEnhanceTranscription
}

func (e *Enhance) Execute(ctx context.Context, req Request) (map[string]any, error) {
	transcribe, err := requireCompleted(req.State, workflow.StepTranscribeAudio)
	if err != nil {
		return nil, err
	}
	rawText, err := resultString(transcribe, "raw_text")
	if err != nil {
		return nil, err
	}

	req.ReportProgress(10, "enhancing transcription")
	enhanced, err := e.model.Complete(ctx, enhancePrompt, rawText)
	if err != nil {
		if ctx.Err() != nil || cancelled(req) {
			return nil, services.Wrap(services.ErrCancelled, "stage-enhance", "execute", "enhancement cancelled", err)
		}
		return nil, services.Wrap(services.ErrUpstream, "stage-enhance", "execute", "enhancement failed", err)
	}
	enhanced = strings.TrimSpace(enhanced)
	if enhanced == "" {
		return nil, services.Wrap(services.ErrUpstream, "stage-enhance", "execute", "model returned empty text", nil)
	}

	req.ReportProgress(100, "enhancement complete")
	e.logger.Info("transcription enhanced",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.Int("characters", len(enhanced)))

	return map[string]any{"enhanced_text": enhanced}, nil
}
