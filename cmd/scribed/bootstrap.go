package main

import (
	"log/slog"

	"scribe/internal/config"
	"scribe/internal/references"
	"scribe/internal/services/asr"
	"scribe/internal/services/ffmpeg"
	"scribe/internal/services/llm"
	"scribe/internal/stage"
)

func buildHandlers(cfg *config.Config, refs *references.Service, logger *slog.Logger) []stage.Handler {
	if cfg == nil || refs == nil {
		return nil
	}

	extractor := ffmpeg.NewExtractor(cfg.FFmpeg)
	transcriber := asr.NewClient(cfg.ASR)
	model := llm.NewClient(cfg.LLM)

	return []stage.Handler{
		stage.NewUpload(refs, logger),
		stage.NewExtract(refs, extractor, logger),
		stage.NewTranscribe(refs, transcriber, logger),
		stage.NewEnhance(model, logger),
		stage.NewSummarize(model, logger),
		stage.NewKeyPoints(model, logger),
		stage.NewSentiment(model, logger),
		stage.NewTopics(model, logger),
	}
}
