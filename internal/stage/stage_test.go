package stage_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"scribe/internal/logging"
	"scribe/internal/services"
	"scribe/internal/services/asr"
	"scribe/internal/stage"
	"scribe/internal/testsupport"
	"scribe/internal/workflow"
)

type fakeExtractor struct {
	err error
}

func (f *fakeExtractor) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(outputPath, []byte("extracted audio"), 0o644)
}

type fakeTranscriber struct {
	result *asr.Transcription
	err    error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, req asr.Request) (*asr.Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeModel struct {
	completeText string
	jsonText     string
	err          error
}

func (f *fakeModel) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.completeText, f.err
}

func (f *fakeModel) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.jsonText, f.err
}

func TestUploadStoresInlinePayload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := testsupport.MustOpenReferences(t, cfg)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	handler := stage.NewUpload(refs, logging.NewNop())
	result, err := handler.Execute(ctx, stage.Request{
		WorkflowID: state.WorkflowID,
		State:      state,
		Payload:    []byte("video data"),
		Params:     map[string]any{"filename": "talk.mp4"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	locator, _ := result["video_ref"].(string)
	if locator == "" || !refs.Exists(locator) {
		t.Fatalf("video not stored: %#v", result)
	}
	if result["mime_type"] != "video/mp4" {
		t.Fatalf("mime = %v", result["mime_type"])
	}
}

func TestUploadRequiresASource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := testsupport.MustOpenReferences(t, cfg)

	handler := stage.NewUpload(refs, logging.NewNop())
	_, err := handler.Execute(context.Background(), stage.Request{WorkflowID: "wf-1"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExtractRequiresUpload(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := testsupport.MustOpenReferences(t, cfg)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	handler := stage.NewExtract(refs, &fakeExtractor{}, logging.NewNop())
	_, err = handler.Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if !errors.Is(err, services.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestExtractProducesAudioAndDeletesVideo(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := testsupport.MustOpenReferences(t, cfg)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	videoRef, err := refs.StoreBuffer(ctx, []byte("video"), "talk.mp4", state.WorkflowID, "video")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartStep(ctx, state.WorkflowID, workflow.StepUploadVideo); err != nil {
		t.Fatal(err)
	}
	state, err = store.CompleteStep(ctx, state.WorkflowID, workflow.StepUploadVideo, map[string]any{"video_ref": videoRef})
	if err != nil {
		t.Fatal(err)
	}

	handler := stage.NewExtract(refs, &fakeExtractor{}, logging.NewNop())
	result, err := handler.Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	audioRef, _ := result["audio_ref"].(string)
	if audioRef == "" || !refs.Exists(audioRef) {
		t.Fatalf("audio not stored: %#v", result)
	}
	if refs.Exists(videoRef) {
		t.Fatal("consumed video reference survived")
	}
}

func TestTranscribeProducesTextAndDeletesAudio(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	refs := testsupport.MustOpenReferences(t, cfg)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	audioRef, err := refs.StoreBuffer(ctx, []byte("audio"), "talk.mp3", state.WorkflowID, "audio")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartStep(ctx, state.WorkflowID, workflow.StepExtractAudio); err != nil {
		t.Fatal(err)
	}
	state, err = store.CompleteStep(ctx, state.WorkflowID, workflow.StepExtractAudio, map[string]any{"audio_ref": audioRef})
	if err != nil {
		t.Fatal(err)
	}

	handler := stage.NewTranscribe(refs, &fakeTranscriber{result: &asr.Transcription{
		Text:     "hello world",
		Language: "en",
		Duration: 12.5,
	}}, logging.NewNop())
	result, err := handler.Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["raw_text"] != "hello world" || result["language"] != "en" {
		t.Fatalf("result = %#v", result)
	}
	if refs.Exists(audioRef) {
		t.Fatal("consumed audio reference survived")
	}
}

func TestEnhanceUsesRawTranscription(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartStep(ctx, state.WorkflowID, workflow.StepTranscribeAudio); err != nil {
		t.Fatal(err)
	}
	state, err = store.CompleteStep(ctx, state.WorkflowID, workflow.StepTranscribeAudio, map[string]any{"raw_text": "um hello uh world"})
	if err != nil {
		t.Fatal(err)
	}

	handler := stage.NewEnhance(&fakeModel{completeText: "Hello, world."}, logging.NewNop())
	result, err := handler.Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result["enhanced_text"] != "Hello, world." {
		t.Fatalf("result = %#v", result)
	}
}

func TestAnalysisHandlers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartStep(ctx, state.WorkflowID, workflow.StepTranscribeAudio); err != nil {
		t.Fatal(err)
	}
	state, err = store.CompleteStep(ctx, state.WorkflowID, workflow.StepTranscribeAudio, map[string]any{"raw_text": "we discussed roadmaps"})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := stage.NewSummarize(&fakeModel{jsonText: `{"summary":"A roadmap discussion."}`}, logging.NewNop()).
		Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if summary["summary"] != "A roadmap discussion." {
		t.Fatalf("summary = %#v", summary)
	}

	points, err := stage.NewKeyPoints(&fakeModel{jsonText: `{"key_points":["roadmap agreed"," ship in june "]}`}, logging.NewNop()).
		Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("key points: %v", err)
	}
	list, _ := points["key_points"].([]string)
	if len(list) != 2 || list[1] != "ship in june" {
		t.Fatalf("key points = %#v", points)
	}

	sentiment, err := stage.NewSentiment(&fakeModel{jsonText: `{"sentiment":"Positive","confidence":1.4,"explanation":"upbeat"}`}, logging.NewNop()).
		Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("sentiment: %v", err)
	}
	payload, _ := sentiment["sentiment"].(map[string]any)
	if payload["sentiment"] != "positive" || payload["confidence"] != 1.0 {
		t.Fatalf("sentiment = %#v", sentiment)
	}

	topics, err := stage.NewTopics(&fakeModel{jsonText: `{"topics":["planning","releases"]}`}, logging.NewNop()).
		Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state})
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	labels, _ := topics["topics"].([]string)
	if len(labels) != 2 {
		t.Fatalf("topics = %#v", topics)
	}
}

func TestAnalysisPrefersEnhancedText(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for step, result := range map[workflow.StepName]map[string]any{
		workflow.StepTranscribeAudio:      {"raw_text": "raw"},
		workflow.StepEnhanceTranscription: {"enhanced_text": "enhanced"},
	} {
		if _, err := store.StartStep(ctx, state.WorkflowID, step); err != nil {
			t.Fatal(err)
		}
		if state, err = store.CompleteStep(ctx, state.WorkflowID, step, result); err != nil {
			t.Fatal(err)
		}
	}

	// A model that records its input proves which text was analyzed.
	echo := &echoModel{}
	if _, err := stage.NewSummarize(echo, logging.NewNop()).
		Execute(ctx, stage.Request{WorkflowID: state.WorkflowID, State: state}); err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if echo.lastUser != "enhanced" {
		t.Fatalf("analysis used %q, want the enhanced text", echo.lastUser)
	}
}

type echoModel struct {
	lastUser string
}

func (e *echoModel) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	e.lastUser = userPrompt
	return userPrompt, nil
}

func (e *echoModel) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	e.lastUser = userPrompt
	return `{"summary":"x"}`, nil
}
