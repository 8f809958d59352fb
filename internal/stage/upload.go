package stage

import (
	"context"
	"log/slog"

	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/services"
	"scribe/internal/workflow"
)

// Upload ingests a video payload into the reference service. The
// source may be inline bytes, a local path, or a remote URL.
type Upload struct {
	refs   *references.Service
	logger *slog.Logger
}

// NewUpload constructs the upload stage handler.
func NewUpload(refs *references.Service, logger *slog.Logger) *Upload {
	return &Upload{refs: refs, logger: logging.NewComponentLogger(logger, "stage-upload")}
}

func (u *Upload) Step() workflow.StepName {
	return workflow.StepUploadVideo
}

func (u *Upload) Execute(ctx context.Context, req Request) (map[string]any, error) {
	var (
		locator string
		err     error
	)
	switch {
	case len(req.Payload) > 0:
		name, _ := req.Params["filename"].(string)
		req.ReportProgress(10, "storing upload")
		locator, err = u.refs.StoreBuffer(ctx, req.Payload, name, req.WorkflowID, "video")
	case stringOk(req.Params, "source_path"):
		path := req.Params["source_path"].(string)
		req.ReportProgress(10, "copying local file")
		locator, err = u.refs.StoreFromPath(ctx, path, req.WorkflowID, "video")
	case stringOk(req.Params, "source_url"):
		url := req.Params["source_url"].(string)
		locator, err = u.refs.StoreFromRemote(ctx, url, req.WorkflowID, "video",
			func(downloaded, total int64, percent float64) {
				if percent >= 0 {
					req.ReportProgress(int(percent), "downloading")
				}
			}, req.Cancel)
	default:
		return nil, services.Wrap(services.ErrValidation, "stage-upload", "execute",
			"provide an inline payload, source_path, or source_url", nil)
	}
	if err != nil {
		return nil, err
	}

	info, err := u.refs.GetInfo(locator)
	if err != nil {
		return nil, err
	}
	req.ReportProgress(100, "upload stored")
	u.logger.Info("video stored",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("locator", locator),
		logging.Int64("bytes", info.Size))

	return map[string]any{
		"video_ref":     locator,
		"size_bytes":    info.Size,
		"mime_type":     info.MimeType,
		"original_name": info.OriginalName,
	}, nil
}

func stringOk(params map[string]any, key string) bool {
	value, ok := params[key].(string)
	return ok && value != ""
}
