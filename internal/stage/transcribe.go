package stage

import (
	"context"
	"log/slog"

	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/services"
	"scribe/internal/services/asr"
	"scribe/internal/workflow"
)

// Transcriber converts an audio payload into recognized text.
type Transcriber interface {
	Transcribe(ctx context.Context, req asr.Request) (*asr.Transcription, error)
}

// Transcribe runs speech recognition over the extracted audio. The
// consumed audio reference is deleted once the text artifact lands.
type Transcribe struct {
	refs        *references.Service
	transcriber Transcriber
	logger      *slog.Logger
}

// NewTranscribe constructs the transcription stage handler.
func NewTranscribe(refs *references.Service, transcriber Transcriber, logger *slog.Logger) *Transcribe {
	return &Transcribe{
		refs:        refs,
		transcriber: transcriber,
		logger:      logging.NewComponentLogger(logger, "stage-transcribe"),
	}
}

func (t *Transcribe) Step() workflow.StepName {
	return workflow.StepTranscribeAudio
}

func (t *Transcribe) Execute(ctx context.Context, req Request) (map[string]any, error) {
	extract, err := requireCompleted(req.State, workflow.StepExtractAudio)
	if err != nil {
		return nil, err
	}
	audioRef, err := resultString(extract, "audio_ref")
	if err != nil {
		return nil, err
	}

	reader, err := t.refs.Open(audioRef)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	info, err := t.refs.GetInfo(audioRef)
	if err != nil {
		return nil, err
	}

	quality, _ := req.Params["quality"].(string)
	req.ReportProgress(10, "transcribing audio")
	result, err := t.transcriber.Transcribe(ctx, asr.Request{
		Audio:    reader,
		Filename: info.OriginalName,
		Quality:  quality,
	})
	if err != nil {
		if ctx.Err() != nil || cancelled(req) {
			return nil, services.Wrap(services.ErrCancelled, "stage-transcribe", "execute", "transcription cancelled", err)
		}
		return nil, services.Wrap(services.ErrUpstream, "stage-transcribe", "execute", "transcription failed", err)
	}

	if _, err := t.refs.Delete(audioRef); err != nil {
		t.logger.Warn("failed to delete consumed audio reference",
			logging.String("locator", audioRef),
			logging.Error(err))
	}

	req.ReportProgress(100, "transcription complete")
	t.logger.Info("audio transcribed",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.Int("characters", len(result.Text)))

	payload := map[string]any{
		"raw_text":         result.Text,
		"language":         result.Language,
		"duration_seconds": result.Duration,
	}
	if len(result.Segments) > 0 {
		payload["segment_count"] = len(result.Segments)
	}
	return payload, nil
}
