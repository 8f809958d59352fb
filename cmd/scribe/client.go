package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scribe/internal/api"
)

// apiClient is a thin HTTP wrapper over the scribed API used by the
// CLI commands. Errors carry the server's error message when one is
// present in the response body.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) do(method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect to daemon at %s: %w (is scribed running?)", c.base, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("daemon: %s", failure.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *apiClient) get(path string, out any) error {
	return c.do(http.MethodGet, path, nil, "", out)
}

func (c *apiClient) postJSON(path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	return c.do(http.MethodPost, path, body, "application/json", out)
}

func (c *apiClient) postRaw(path string, payload []byte, out any) error {
	return c.do(http.MethodPost, path, bytes.NewReader(payload), "application/octet-stream", out)
}

func (c *apiClient) delete(path string, out any) error {
	return c.do(http.MethodDelete, path, nil, "", out)
}

func (c *apiClient) createWorkflow() (api.WorkflowResponse, error) {
	var resp api.WorkflowResponse
	err := c.postJSON("/api/workflows", nil, &resp)
	return resp, err
}

func (c *apiClient) listWorkflows() (api.WorkflowListResponse, error) {
	var resp api.WorkflowListResponse
	err := c.get("/api/workflows", &resp)
	return resp, err
}

func (c *apiClient) getWorkflow(id string) (api.WorkflowResponse, error) {
	var resp api.WorkflowResponse
	err := c.get("/api/workflows/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *apiClient) deleteWorkflow(id string) (api.DeleteResponse, error) {
	var resp api.DeleteResponse
	err := c.delete("/api/workflows/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *apiClient) stepStatus(id, step string) (api.StepStatusResponse, error) {
	var resp api.StepStatusResponse
	err := c.get("/api/workflows/"+url.PathEscape(id)+"/steps/"+url.PathEscape(step), &resp)
	return resp, err
}

func (c *apiClient) runStage(id, step string, params map[string]any) (api.StageResultResponse, error) {
	var resp api.StageResultResponse
	err := c.postJSON("/api/workflows/"+url.PathEscape(id)+"/stages/"+url.PathEscape(step), params, &resp)
	return resp, err
}

func (c *apiClient) runStageAsync(id, step string, params map[string]any) (api.JobResponse, error) {
	var resp api.JobResponse
	err := c.postJSON("/api/workflows/"+url.PathEscape(id)+"/stages/"+url.PathEscape(step)+"?async=1", params, &resp)
	return resp, err
}

func (c *apiClient) uploadPayload(id, step, filename string, payload []byte, async bool) (api.JobResponse, api.StageResultResponse, error) {
	path := "/api/workflows/" + url.PathEscape(id) + "/stages/" + url.PathEscape(step)
	query := url.Values{}
	if filename != "" {
		query.Set("filename", filename)
	}
	if async {
		query.Set("async", "1")
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	if async {
		var job api.JobResponse
		err := c.postRaw(path, payload, &job)
		return job, api.StageResultResponse{}, err
	}
	var result api.StageResultResponse
	err := c.postRaw(path, payload, &result)
	return api.JobResponse{}, result, err
}

func (c *apiClient) listJobs(workflowID string, statuses []string) (api.JobListResponse, error) {
	query := url.Values{}
	if workflowID != "" {
		query.Set("workflow", workflowID)
	}
	for _, status := range statuses {
		query.Add("status", status)
	}
	path := "/api/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var resp api.JobListResponse
	err := c.get(path, &resp)
	return resp, err
}

func (c *apiClient) getJob(id string) (api.JobResponse, error) {
	var resp api.JobResponse
	err := c.get("/api/jobs/"+url.PathEscape(id), &resp)
	return resp, err
}

func (c *apiClient) cancelJob(id, reason string) (api.CancelResponse, error) {
	path := "/api/jobs/" + url.PathEscape(id) + "/cancel"
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	var resp api.CancelResponse
	err := c.postJSON(path, nil, &resp)
	return resp, err
}

func (c *apiClient) status() (api.StatusResponse, error) {
	var resp api.StatusResponse
	err := c.get("/api/status", &resp)
	return resp, err
}

func (c *apiClient) cleanup() (api.CleanupResponse, error) {
	var resp api.CleanupResponse
	err := c.postJSON("/api/cleanup", nil, &resp)
	return resp, err
}
