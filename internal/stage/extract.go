package stage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/services"
	"scribe/internal/workflow"
)

// AudioExtractor converts a video file into an audio-only file.
type AudioExtractor interface {
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error
}

// Extract pulls the audio track out of an uploaded video. The consumed
// video reference is deleted once the audio artifact lands.
type Extract struct {
	refs      *references.Service
	extractor AudioExtractor
	logger    *slog.Logger
}

// NewExtract constructs the audio extraction stage handler.
func NewExtract(refs *references.Service, extractor AudioExtractor, logger *slog.Logger) *Extract {
	return &Extract{
		refs:      refs,
		extractor: extractor,
		logger:    logging.NewComponentLogger(logger, "stage-extract"),
	}
}

func (e *Extract) Step() workflow.StepName {
	return workflow.StepExtractAudio
}

func (e *Extract) Execute(ctx context.Context, req Request) (map[string]any, error) {
	upload, err := requireCompleted(req.State, workflow.StepUploadVideo)
	if err != nil {
		return nil, err
	}
	videoRef, err := resultString(upload, "video_ref")
	if err != nil {
		return nil, err
	}
	videoPath, err := e.refs.FilePath(videoRef)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "scribe-extract-*")
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "stage-extract", "execute", "create scratch dir", err)
	}
	defer os.RemoveAll(scratch)
	outputPath := filepath.Join(scratch, "audio.mp3")

	req.ReportProgress(10, "extracting audio")
	if err := e.extractor.ExtractAudio(ctx, videoPath, outputPath); err != nil {
		return nil, err
	}
	if cancelled(req) {
		return nil, services.Wrap(services.ErrCancelled, "stage-extract", "execute", "extraction cancelled", nil)
	}

	req.ReportProgress(80, "storing audio")
	audioRef, err := e.refs.StoreFromPath(ctx, outputPath, req.WorkflowID, "audio")
	if err != nil {
		return nil, err
	}
	info, err := e.refs.GetInfo(audioRef)
	if err != nil {
		return nil, err
	}

	// The video payload has served its purpose.
	if _, err := e.refs.Delete(videoRef); err != nil {
		e.logger.Warn("failed to delete consumed video reference",
			logging.String("locator", videoRef),
			logging.Error(err))
	}

	req.ReportProgress(100, "audio extracted")
	e.logger.Info("audio extracted",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("locator", audioRef),
		logging.Int64("bytes", info.Size))

	return map[string]any{
		"audio_ref":  audioRef,
		"size_bytes": info.Size,
		"mime_type":  info.MimeType,
	}, nil
}
