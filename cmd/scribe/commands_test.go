package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCommand(t *testing.T, server *httptest.Server, args ...string) string {
	t.Helper()

	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(append(args, "--server", server.URL))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return out.String()
}

func jsonHandler(t *testing.T, wantPath, body string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != wantPath {
			t.Errorf("path = %s, want %s", r.URL.Path, wantPath)
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestWorkflowListRendersTable(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, "/api/workflows",
		`{"workflows":[{"workflowId":"wf-123","createdAt":"2026-08-01T10:00:00.000Z","lastUpdated":"2026-08-01T10:05:00.000Z","steps":{},"completedSteps":2,"failedSteps":0,"totalProcessingTime":12.5}]}`))
	defer server.Close()

	out := runCommand(t, server, "workflow", "list")
	if !strings.Contains(out, "wf-123") || !strings.Contains(out, "12.5s") {
		t.Fatalf("output = %q", out)
	}
}

func TestWorkflowCreatePrintsID(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, "/api/workflows",
		`{"workflow":{"workflowId":"wf-new","createdAt":"2026-08-01T10:00:00.000Z","lastUpdated":"2026-08-01T10:00:00.000Z","steps":{}}}`))
	defer server.Close()

	out := runCommand(t, server, "workflow", "create")
	if strings.TrimSpace(out) != "wf-new" {
		t.Fatalf("output = %q", out)
	}
}

func TestJobCancelReportsOutcome(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, "/api/jobs/job-9/cancel",
		`{"cancelled":true,"job":{"jobId":"job-9","workflowId":"wf-1","operation":"transcribe_audio","status":"cancelled","progress":40,"createdAt":"2026-08-01T10:00:00.000Z"}}`))
	defer server.Close()

	out := runCommand(t, server, "job", "cancel", "job-9", "--reason", "user request")
	if !strings.Contains(out, "Job job-9 cancelled") {
		t.Fatalf("output = %q", out)
	}
}

func TestJobListEmptyMessage(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, "/api/jobs", `{"jobs":[]}`))
	defer server.Close()

	out := runCommand(t, server, "job", "list")
	if !strings.Contains(out, "No jobs") {
		t.Fatalf("output = %q", out)
	}
}

func TestStatusCommandRendersSections(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, "/api/status",
		`{"running":true,"pid":4242,"jobsDbPath":"/data/jobs.db","workflowDir":"/data/workflows","lockFilePath":"/data/scribed.lock","jobStats":{"queued":1,"running":2},"workflows":3}`))
	defer server.Close()

	out := runCommand(t, server, "status")
	if !strings.Contains(out, "pid 4242") || !strings.Contains(out, "Jobs running") {
		t.Fatalf("output = %q", out)
	}
}

func TestServerErrorSurfacesMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"workflow not found"}`))
	}))
	defer server.Close()

	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"workflow", "show", "missing", "--server", server.URL})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "workflow not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"quality=fast", "audio_duration_seconds=900"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	if params["quality"] != "fast" || params["audio_duration_seconds"] != "900" {
		t.Fatalf("params = %#v", params)
	}

	if _, err := parseParams([]string{"no-separator"}); err == nil {
		t.Fatal("expected error for missing =")
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatBytes(512); got != "512 B" {
		t.Fatalf("formatBytes(512) = %q", got)
	}
	if got := formatBytes(2 << 20); got != "2.0 MiB" {
		t.Fatalf("formatBytes(2MiB) = %q", got)
	}
	if got := formatProgress(-1); got != "-" {
		t.Fatalf("formatProgress(-1) = %q", got)
	}
	if got := formatProgress(85); got != "85%" {
		t.Fatalf("formatProgress(85) = %q", got)
	}
	if got := truncate("abcdefgh", 5); got != "ab..." {
		t.Fatalf("truncate = %q", got)
	}
}
