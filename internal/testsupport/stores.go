package testsupport

import (
	"testing"

	"scribe/internal/config"
	"scribe/internal/jobs"
	"scribe/internal/logging"
	"scribe/internal/references"
	"scribe/internal/workflow"
)

// MustOpenWorkflowStore opens a workflow.Store for tests.
func MustOpenWorkflowStore(t testing.TB, cfg *config.Config) *workflow.Store {
	t.Helper()

	store, err := workflow.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("workflow.Open: %v", err)
	}
	return store
}

// MustOpenJobStore opens a jobs.Store for tests and registers cleanup.
func MustOpenJobStore(t testing.TB, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenReferences opens a references.Service for tests.
func MustOpenReferences(t testing.TB, cfg *config.Config) *references.Service {
	t.Helper()

	svc, err := references.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("references.Open: %v", err)
	}
	return svc
}
