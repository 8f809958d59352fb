package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"scribe/internal/api"
	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/services"
)

// maxInlinePayloadBytes caps raw upload bodies accepted over the API.
const maxInlinePayloadBytes = 512 << 20

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	svc    *api.Service

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
		svc:    d.svc,
	}

	token := cfg.Paths.APIToken
	mux.HandleFunc("/api/status", authMiddleware(token, srv.handleStatus))
	mux.HandleFunc("/api/cleanup", authMiddleware(token, srv.handleCleanup))
	mux.HandleFunc("/api/workflows", authMiddleware(token, srv.handleWorkflows))
	mux.HandleFunc("/api/workflows/", authMiddleware(token, srv.handleWorkflowSubtree))
	mux.HandleFunc("/api/jobs", authMiddleware(token, srv.handleJobs))
	mux.HandleFunc("/api/jobs/", authMiddleware(token, srv.handleJobSubtree))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status()
	stats, err := s.svc.JobStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	workflows, err := s.svc.WorkflowCount(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		Running:      status.Running,
		PID:          status.PID,
		JobsDBPath:   status.JobsDBPath,
		WorkflowDir:  status.WorkflowDir,
		LockFilePath: status.LockFilePath,
		JobStats:     stats,
		Workflows:    workflows,
	})
}

func (s *apiServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	response, err := s.svc.Cleanup(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *apiServer) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		view, err := s.svc.CreateWorkflow(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, api.WorkflowResponse{Workflow: view})
	case http.MethodGet:
		views, err := s.svc.ListWorkflows(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.WorkflowListResponse{Workflows: views})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorkflowSubtree routes /api/workflows/{id} and the step and
// stage endpoints nested beneath it.
func (s *apiServer) handleWorkflowSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/workflows/")
	parts := strings.Split(rest, "/")
	workflowID := parts[0]
	if workflowID == "" {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleWorkflow(w, r, workflowID)
	case len(parts) == 3 && parts[1] == "steps":
		s.handleStepStatus(w, r, workflowID, parts[2])
	case len(parts) == 3 && parts[1] == "stages":
		s.handleRunStage(w, r, workflowID, parts[2])
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleWorkflow(w http.ResponseWriter, r *http.Request, workflowID string) {
	switch r.Method {
	case http.MethodGet:
		view, err := s.svc.GetWorkflow(r.Context(), workflowID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.WorkflowResponse{Workflow: view})
	case http.MethodDelete:
		response, err := s.svc.DeleteWorkflow(r.Context(), workflowID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, response)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleStepStatus(w http.ResponseWriter, r *http.Request, workflowID, stepName string) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	response, err := s.svc.StepStatus(r.Context(), workflowID, stepName)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleRunStage executes a stage. A JSON body supplies stage params;
// any other content type is treated as a raw upload payload with the
// filename taken from the query string. The async query flag queues
// the stage on a background job instead of blocking.
func (s *apiServer) handleRunStage(w http.ResponseWriter, r *http.Request, workflowID, stepName string) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	params, payload, err := s.readStageBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if isTruthy(r.URL.Query().Get("async")) {
		job, err := s.svc.RunStageAsync(r.Context(), workflowID, stepName, params, payload)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, api.JobResponse{Job: job})
		return
	}

	response, err := s.svc.RunStage(r.Context(), workflowID, stepName, params, payload)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *apiServer) readStageBody(r *http.Request) (map[string]any, []byte, error) {
	if r.Body == nil {
		return nil, nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInlinePayloadBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil, nil
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var params map[string]any
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, nil, fmt.Errorf("decode params: %w", err)
		}
		return params, nil, nil
	}

	params := map[string]any{}
	if filename := strings.TrimSpace(r.URL.Query().Get("filename")); filename != "" {
		params["filename"] = filename
	}
	return params, body, nil
}

func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	var statuses []jobs.Status
	for _, value := range query["status"] {
		status, ok := jobs.ParseStatus(strings.TrimSpace(value))
		if !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
			return
		}
		statuses = append(statuses, status)
	}
	views, err := s.svc.ListJobs(r.Context(), strings.TrimSpace(query.Get("workflow")), statuses...)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: views})
}

// handleJobSubtree routes /api/jobs/{id} and /api/jobs/{id}/cancel.
func (s *apiServer) handleJobSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(rest, "/")
	jobID := parts[0]
	if jobID == "" {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		view, err := s.svc.GetJob(r.Context(), jobID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.JobResponse{Job: view})
	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		response, err := s.svc.CancelJob(r.Context(), jobID, reason)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, response)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

// writeServiceError maps service error markers onto HTTP status codes.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrPrecondition):
		status = http.StatusConflict
	case errors.Is(err, services.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, services.ErrUpstream):
		status = http.StatusBadGateway
	}
	s.writeError(w, status, err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String("component", "api-server"))
	}
	return logging.NewNop()
}

func isTruthy(value string) bool {
	return value == "1" || strings.EqualFold(value, "true")
}
