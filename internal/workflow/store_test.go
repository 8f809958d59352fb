package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"scribe/internal/services"
	"scribe/internal/testsupport"
	"scribe/internal/workflow"
)

func TestCreateAndGet(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if state.WorkflowID == "" {
		t.Fatal("expected workflow id to be assigned")
	}
	if len(state.Steps) != 0 {
		t.Fatalf("expected empty steps, got %d", len(state.Steps))
	}

	fetched, err := store.Get(ctx, state.WorkflowID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.WorkflowID != state.WorkflowID {
		t.Fatalf("fetched wrong record: %#v", fetched)
	}
	if !fetched.CreatedAt.Equal(state.CreatedAt) {
		t.Fatalf("created_at drifted: %v vs %v", fetched.CreatedAt, state.CreatedAt)
	}
}

func TestGetMissingWorkflow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)

	_, err := store.Get(context.Background(), "no-such-workflow")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStepStateMachine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := state.WorkflowID

	status, err := store.StepStatus(ctx, id, workflow.StepUploadVideo)
	if err != nil || status != workflow.StepNotStarted {
		t.Fatalf("expected not_started, got %s err=%v", status, err)
	}

	if _, err := store.StartStep(ctx, id, workflow.StepUploadVideo); err != nil {
		t.Fatalf("StartStep failed: %v", err)
	}
	status, err = store.StepStatus(ctx, id, workflow.StepUploadVideo)
	if err != nil || status != workflow.StepRunning {
		t.Fatalf("expected running, got %s err=%v", status, err)
	}

	updated, err := store.CompleteStep(ctx, id, workflow.StepUploadVideo, map[string]any{"video_ref": "video_w_1.mp4"})
	if err != nil {
		t.Fatalf("CompleteStep failed: %v", err)
	}
	rec, ok := updated.Step(workflow.StepUploadVideo)
	if !ok || rec.Status != workflow.StepCompleted {
		t.Fatalf("expected completed record, got %#v", rec)
	}
	if rec.Result == nil {
		t.Fatal("completed step must carry a result")
	}
	if rec.ProcessingTime < 0 {
		t.Fatalf("processing time must be non-negative, got %f", rec.ProcessingTime)
	}
	if updated.CompletedSteps != 1 || updated.FailedSteps != 0 {
		t.Fatalf("derived counters wrong: %+v", updated)
	}
}

func TestCompleteStepRequiresStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = store.CompleteStep(ctx, state.WorkflowID, workflow.StepExtractAudio, map[string]any{"audio_ref": "a"})
	if !errors.Is(err, services.ErrPrecondition) {
		t.Fatalf("expected ErrPrecondition, got %v", err)
	}
}

func TestFailStepWithoutStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	failed, err := store.FailStep(ctx, state.WorkflowID, workflow.StepTranscribeAudio, &workflow.StepFailure{
		Code:      "UPSTREAM_FAILURE",
		Message:   "asr unavailable",
		Retryable: true,
	})
	if err != nil {
		t.Fatalf("FailStep failed: %v", err)
	}
	rec, ok := failed.Step(workflow.StepTranscribeAudio)
	if !ok || rec.Status != workflow.StepFailed {
		t.Fatalf("expected failed record, got %#v", rec)
	}
	if rec.Error == nil || rec.Error.Code != "UPSTREAM_FAILURE" {
		t.Fatalf("failed step must carry its error: %#v", rec.Error)
	}
	if rec.ProcessingTime != 0 {
		t.Fatalf("never-started step should have zero processing time, got %f", rec.ProcessingTime)
	}
	if failed.FailedSteps != 1 {
		t.Fatalf("derived counters wrong: %+v", failed)
	}
}

func TestStartStepMissingWorkflow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)

	_, err := store.StartStep(context.Background(), "missing", workflow.StepUploadVideo)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStartStepRejectsUnknownStep(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)

	_, err := store.StartStep(context.Background(), "irrelevant", workflow.StepName("mystery_step"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRerunReplacesStepRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, _ := store.Create(ctx)
	id := state.WorkflowID

	if _, err := store.StartStep(ctx, id, workflow.StepSummarizeContent); err != nil {
		t.Fatal(err)
	}
	if _, err := store.FailStep(ctx, id, workflow.StepSummarizeContent, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := store.StartStep(ctx, id, workflow.StepSummarizeContent); err != nil {
		t.Fatal(err)
	}
	final, err := store.CompleteStep(ctx, id, workflow.StepSummarizeContent, map[string]any{"summary": "ok"})
	if err != nil {
		t.Fatal(err)
	}

	rec, _ := final.Step(workflow.StepSummarizeContent)
	if rec.Status != workflow.StepCompleted || rec.Error != nil || rec.FailedAt != nil {
		t.Fatalf("rerun should fully replace the record: %#v", rec)
	}
	if final.FailedSteps != 0 || final.CompletedSteps != 1 {
		t.Fatalf("derived counters wrong after rerun: %+v", final)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	later := now.Add(90 * time.Second)
	state := &workflow.State{
		WorkflowID:  "wf-round-trip",
		CreatedAt:   now,
		LastUpdated: later,
		Steps: map[workflow.StepName]*workflow.StepRecord{
			workflow.StepTranscribeAudio: {
				Status:         workflow.StepCompleted,
				StartedAt:      &now,
				CompletedAt:    &later,
				ProcessingTime: 90,
				Result:         map[string]any{"raw_text": "hello", "confidence": 0.92},
			},
			workflow.StepEnhanceTranscription: {
				Status:    workflow.StepFailed,
				StartedAt: &now,
				FailedAt:  &later,
				Error: &workflow.StepFailure{
					Code:      "UPSTREAM_FAILURE",
					Message:   "llm timeout",
					Retryable: true,
					Details:   map[string]any{"attempts": float64(3)},
				},
				ProcessingTime: 90,
			},
		},
		CompletedSteps:      1,
		FailedSteps:         1,
		TotalProcessingTime: 180,
	}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded workflow.State
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(state, &decoded) {
		t.Fatalf("round trip mismatch:\n%#v\n%#v", state, &decoded)
	}
}

func TestConcurrentDistinctStepsAllLand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, _ := store.Create(ctx)
	id := state.WorkflowID

	steps := workflow.AllSteps()
	for _, step := range steps {
		if _, err := store.StartStep(ctx, id, step); err != nil {
			t.Fatalf("StartStep(%s): %v", step, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(steps))
	for i, step := range steps {
		wg.Add(1)
		go func(i int, step workflow.StepName) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := store.CompleteStep(ctx, id, step, map[string]any{"value": i})
				errs <- err
			} else {
				_, err := store.FailStep(ctx, id, step, &workflow.StepFailure{Code: "UPSTREAM_FAILURE", Message: fmt.Sprintf("boom %d", i)})
				errs <- err
			}
		}(i, step)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent mutation failed: %v", err)
		}
	}

	final, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(final.Steps) != len(steps) {
		t.Fatalf("lost updates: have %d steps, want %d", len(final.Steps), len(steps))
	}
	if final.CompletedSteps+final.FailedSteps != len(steps) {
		t.Fatalf("derived counters wrong: %+v", final)
	}
}

func TestConcurrentSameStepOneWinner(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, _ := store.Create(ctx)
	id := state.WorkflowID
	if _, err := store.StartStep(ctx, id, workflow.StepIdentifyTopics); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = store.CompleteStep(ctx, id, workflow.StepIdentifyTopics, map[string]any{"writer": i})
		}(i)
	}
	wg.Wait()

	// The record on disk must be fully-formed JSON with exactly one winner.
	raw, err := os.ReadFile(filepath.Join(cfg.WorkflowDir(), id+".json"))
	if err != nil {
		t.Fatalf("read record: %v", err)
	}
	var decoded workflow.State
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("record is not well-formed JSON: %v", err)
	}
	rec, ok := decoded.Step(workflow.StepIdentifyTopics)
	if !ok || rec.Status != workflow.StepCompleted || rec.Result == nil {
		t.Fatalf("expected one fully-formed completed record, got %#v", rec)
	}
	if _, ok := rec.Result["writer"]; !ok {
		t.Fatalf("winner result missing: %#v", rec.Result)
	}
}

func TestUpdateRecomputesDerivedCounters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, _ := store.Create(ctx)
	id := state.WorkflowID

	updated, err := store.Update(ctx, id, func(st *workflow.State) error {
		st.Steps[workflow.StepUploadVideo] = &workflow.StepRecord{
			Status:         workflow.StepCompleted,
			Result:         map[string]any{"video_ref": "v"},
			ProcessingTime: 5,
		}
		// Stale counter values must be overwritten by the recompute.
		st.CompletedSteps = 99
		st.TotalProcessingTime = 123456
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.CompletedSteps != 1 || updated.TotalProcessingTime != 5 {
		t.Fatalf("derived counters not recomputed: %+v", updated)
	}
}

func TestDeleteAndCleanup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	state, _ := store.Create(ctx)

	ok, err := store.Delete(ctx, state.WorkflowID)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	ok, err = store.Delete(ctx, state.WorkflowID)
	if err != nil || ok {
		t.Fatalf("second Delete should be a no-op: %v, %v", ok, err)
	}

	old, _ := store.Create(ctx)
	fresh, _ := store.Create(ctx)

	// Age the first record on disk past the cutoff.
	if _, err := store.Update(ctx, old.WorkflowID, func(st *workflow.State) error { return nil }); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.WorkflowDir(), old.WorkflowID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var aged workflow.State
	if err := json.Unmarshal(raw, &aged); err != nil {
		t.Fatal(err)
	}
	aged.LastUpdated = time.Now().UTC().Add(-48 * time.Hour)
	agedRaw, _ := json.Marshal(&aged)
	if err := os.WriteFile(path, agedRaw, 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := store.CleanupOld(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOld failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.Get(ctx, fresh.WorkflowID); err != nil {
		t.Fatalf("fresh workflow should survive: %v", err)
	}
}

func TestListSortsByCreation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenWorkflowStore(t, cfg)
	ctx := context.Background()

	first, _ := store.Create(ctx)
	second, _ := store.Create(ctx)

	states, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 workflows, got %d", len(states))
	}
	if states[0].CreatedAt.After(states[1].CreatedAt) {
		t.Fatalf("list not sorted by creation: %v then %v", states[0].CreatedAt, states[1].CreatedAt)
	}
	seen := map[string]bool{states[0].WorkflowID: true, states[1].WorkflowID: true}
	if !seen[first.WorkflowID] || !seen[second.WorkflowID] {
		t.Fatalf("missing workflows in list: %v", seen)
	}
}
