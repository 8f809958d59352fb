package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/daemon"
	"scribe/internal/logging"
	"scribe/internal/stage"
	"scribe/internal/testsupport"
	"scribe/internal/workflow"
)

type stubHandler struct {
	step   workflow.StepName
	result map[string]any
	err    error
}

func (h *stubHandler) Step() workflow.StepName {
	return h.step
}

func (h *stubHandler) Execute(ctx context.Context, req stage.Request) (map[string]any, error) {
	return h.result, h.err
}

func startDaemon(t *testing.T, cfg *config.Config, handlers ...stage.Handler) (*daemon.Daemon, string) {
	t.Helper()

	workflows := testsupport.MustOpenWorkflowStore(t, cfg)
	jobStore := testsupport.MustOpenJobStore(t, cfg)
	refs := testsupport.MustOpenReferences(t, cfg)
	runner := stage.NewRunner(cfg, workflows, jobStore, logging.NewNop())
	svc := api.NewService(cfg, workflows, jobStore, refs, runner, handlers, logging.NewNop())

	d, err := daemon.New(cfg, svc, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, "http://" + d.Addr()
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := startDaemon(t, cfg)
	if !d.Status().Running {
		t.Fatal("daemon not running after Start")
	}

	workflows := testsupport.MustOpenWorkflowStore(t, cfg)
	jobStore := testsupport.MustOpenJobStore(t, cfg)
	refs := testsupport.MustOpenReferences(t, cfg)
	runner := stage.NewRunner(cfg, workflows, jobStore, logging.NewNop())
	svc := api.NewService(cfg, workflows, jobStore, refs, runner, nil, logging.NewNop())

	second, err := daemon.New(cfg, svc, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if startErr := second.Start(context.Background()); startErr == nil {
		second.Stop()
		t.Fatal("second instance acquired the lock")
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, base := startDaemon(t, cfg, &stubHandler{
		step:   workflow.StepUploadVideo,
		result: map[string]any{"video_ref": "video_wf_abc.mp4"},
	})

	resp, err := http.Post(base+"/api/workflows", "application/json", nil)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created api.WorkflowResponse
	decodeBody(t, resp, &created)
	if created.Workflow.WorkflowID == "" {
		t.Fatal("empty workflow id")
	}
	id := created.Workflow.WorkflowID

	resp, err = http.Get(base + "/api/workflows/" + id)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var fetched api.WorkflowResponse
	decodeBody(t, resp, &fetched)
	if fetched.Workflow.WorkflowID != id {
		t.Fatalf("fetched %q", fetched.Workflow.WorkflowID)
	}

	body := bytes.NewBufferString(`{"source_path":"/tmp/nope.mp4"}`)
	resp, err = http.Post(base+"/api/workflows/"+id+"/stages/upload_video", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run stage status = %d", resp.StatusCode)
	}
	var staged api.StageResultResponse
	decodeBody(t, resp, &staged)
	if staged.Result["video_ref"] != "video_wf_abc.mp4" {
		t.Fatalf("stage result = %#v", staged.Result)
	}
	step, ok := staged.Workflow.Steps["upload_video"]
	if !ok || step.Status != "completed" {
		t.Fatalf("workflow view = %#v", staged.Workflow)
	}

	resp, err = http.Get(base + "/api/workflows/" + id + "/steps/upload_video")
	if err != nil {
		t.Fatal(err)
	}
	var stepStatus api.StepStatusResponse
	decodeBody(t, resp, &stepStatus)
	if stepStatus.Status != "completed" {
		t.Fatalf("step status = %+v", stepStatus)
	}

	req, err := http.NewRequest(http.MethodDelete, base+"/api/workflows/"+id, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var deleted api.DeleteResponse
	decodeBody(t, resp, &deleted)
	if !deleted.WorkflowErased {
		t.Fatalf("delete response = %+v", deleted)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, base := startDaemon(t, cfg)

	resp, err := http.Get(base + "/api/workflows/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing workflow status = %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/api/workflows/missing/stages/mine_bitcoin", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown step status = %d", resp.StatusCode)
	}

	resp, err = http.Get(base + "/api/jobs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d", resp.StatusCode)
	}
}

func TestStatusEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, base := startDaemon(t, cfg)

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	var status api.StatusResponse
	decodeBody(t, resp, &status)
	if !status.Running || status.PID == 0 {
		t.Fatalf("status = %+v", status)
	}
	if status.JobsDBPath == "" || status.WorkflowDir == "" {
		t.Fatalf("paths missing: %+v", status)
	}
}

func TestBearerTokenRequired(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAPIToken("sekrit"))
	_, base := startDaemon(t, cfg)

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, base+"/api/status", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d", resp.StatusCode)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	_, base := startDaemon(t, cfg)

	resp, err := http.Post(base+"/api/cleanup", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var swept api.CleanupResponse
	decodeBody(t, resp, &swept)
	if swept.WorkflowsRemoved != 0 || swept.JobsRemoved != 0 {
		t.Fatalf("fresh stores swept: %+v", swept)
	}
}

func TestRawPayloadUpload(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	var gotPayload []byte
	var gotFilename string
	handler := &captureHandler{
		step: workflow.StepUploadVideo,
		fn: func(req stage.Request) (map[string]any, error) {
			gotPayload = req.Payload
			if name, ok := req.Params["filename"].(string); ok {
				gotFilename = name
			}
			return map[string]any{"video_ref": "video_x_y.mp4"}, nil
		},
	}
	_, base := startDaemon(t, cfg, handler)

	resp, err := http.Post(base+"/api/workflows", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var created api.WorkflowResponse
	decodeBody(t, resp, &created)
	id := created.Workflow.WorkflowID

	url := fmt.Sprintf("%s/api/workflows/%s/stages/upload_video?filename=clip.mp4", base, id)
	resp, err = http.Post(url, "application/octet-stream", bytes.NewReader([]byte("raw video bytes")))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if string(gotPayload) != "raw video bytes" {
		t.Fatalf("payload = %q", gotPayload)
	}
	if gotFilename != "clip.mp4" {
		t.Fatalf("filename = %q", gotFilename)
	}
}

type captureHandler struct {
	step workflow.StepName
	fn   func(stage.Request) (map[string]any, error)
}

func (h *captureHandler) Step() workflow.StepName {
	return h.step
}

func (h *captureHandler) Execute(ctx context.Context, req stage.Request) (map[string]any, error) {
	return h.fn(req)
}
