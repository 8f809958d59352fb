package stage

import (
	"context"
	"log/slog"
	"strings"

	"scribe/internal/logging"
	"scribe/internal/services"
	"scribe/internal/services/llm"
	"scribe/internal/workflow"
)

// Analysis runs one JSON-producing analysis pass over the transcript.
// All four analysis stages share this shape and differ only in prompt
// and response schema.
type Analysis struct {
	step   workflow.StepName
	prompt string
	parse  func(content string) (map[string]any, error)
	model  TextModel
	logger *slog.Logger
}

func newAnalysis(step workflow.StepName, prompt string, parse func(string) (map[string]any, error), model TextModel, logger *slog.Logger) *Analysis {
	return &Analysis{
		step:   step,
		prompt: prompt,
		parse:  parse,
		model:  model,
		logger: logging.NewComponentLogger(logger, "stage-analyze"),
	}
}

// NewSummarize constructs the content summary stage handler.
func NewSummarize(model TextModel, logger *slog.Logger) *Analysis {
	return newAnalysis(workflow.StepSummarizeContent, summarizePrompt, parseSummary, model, logger)
}

// NewKeyPoints constructs the key point extraction stage handler.
func NewKeyPoints(model TextModel, logger *slog.Logger) *Analysis {
	return newAnalysis(workflow.StepExtractKeyPoints, keyPointsPrompt, parseKeyPoints, model, logger)
}

// NewSentiment constructs the sentiment analysis stage handler.
func NewSentiment(model TextModel, logger *slog.Logger) *Analysis {
	return newAnalysis(workflow.StepAnalyzeSentiment, sentimentPrompt, parseSentiment, model, logger)
}

// NewTopics constructs the topic identification stage handler.
func NewTopics(model TextModel, logger *slog.Logger) *Analysis {
	return newAnalysis(workflow.StepIdentifyTopics, topicsPrompt, parseTopics, model, logger)
}

func (a *Analysis) Step() workflow.StepName {
	return a.step
}

func (a *Analysis) Execute(ctx context.Context, req Request) (map[string]any, error) {
	text, err := transcriptText(req.State)
	if err != nil {
		return nil, err
	}

	req.ReportProgress(10, "analyzing transcript")
	content, err := a.model.CompleteJSON(ctx, a.prompt, text)
	if err != nil {
		if ctx.Err() != nil || cancelled(req) {
			return nil, services.Wrap(services.ErrCancelled, "stage-analyze", string(a.step), "analysis cancelled", err)
		}
		return nil, services.Wrap(services.ErrUpstream, "stage-analyze", string(a.step), "analysis failed", err)
	}
	result, err := a.parse(content)
	if err != nil {
		return nil, services.Wrap(services.ErrUpstream, "stage-analyze", string(a.step), "parse model payload", err)
	}

	req.ReportProgress(100, "analysis complete")
	a.logger.Info("transcript analyzed",
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String(logging.FieldStage, string(a.step)))
	return result, nil
}

func parseSummary(content string) (map[string]any, error) {
	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, err
	}
	parsed.Summary = strings.TrimSpace(parsed.Summary)
	if parsed.Summary == "" {
		return nil, services.Wrap(services.ErrUpstream, "stage-analyze", "summary", "empty summary", nil)
	}
	return map[string]any{"summary": parsed.Summary}, nil
}

func parseKeyPoints(content string) (map[string]any, error) {
	var parsed struct {
		KeyPoints []string `json:"key_points"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, err
	}
	points := trimAll(parsed.KeyPoints)
	if len(points) == 0 {
		return nil, services.Wrap(services.ErrUpstream, "stage-analyze", "key-points", "no key points returned", nil)
	}
	return map[string]any{"key_points": points}, nil
}

func parseSentiment(content string) (map[string]any, error) {
	var parsed struct {
		Sentiment   string  `json:"sentiment"`
		Confidence  float64 `json:"confidence"`
		Explanation string  `json:"explanation"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, err
	}
	sentiment := strings.ToLower(strings.TrimSpace(parsed.Sentiment))
	switch sentiment {
	case "positive", "neutral", "negative":
	default:
		sentiment = "neutral"
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return map[string]any{
		"sentiment": map[string]any{
			"sentiment":   sentiment,
			"confidence":  parsed.Confidence,
			"explanation": strings.TrimSpace(parsed.Explanation),
		},
	}, nil
}

func parseTopics(content string) (map[string]any, error) {
	var parsed struct {
		Topics []string `json:"topics"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		return nil, err
	}
	topics := trimAll(parsed.Topics)
	if len(topics) == 0 {
		return nil, services.Wrap(services.ErrUpstream, "stage-analyze", "topics", "no topics returned", nil)
	}
	return map[string]any{"topics": topics}, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
