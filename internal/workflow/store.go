package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/services"
)

// Store persists one JSON record per workflow id under the workflows
// directory. Disk is the source of truth: every operation re-reads the
// record, and mutations are read-modify-write serialized through a
// per-workflow lock table.
type Store struct {
	root   string
	logger *slog.Logger
	locks  *lockTable
}

// Open initializes the workflow store rooted at cfg.WorkflowDir().
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "workflow", "open", "ensure directories", err)
	}
	return &Store{
		root:   cfg.WorkflowDir(),
		logger: logging.NewComponentLogger(logger, "workflow"),
		locks:  newLockTable(),
	}, nil
}

// Create allocates a fresh workflow id, persists an empty-steps record, and
// returns the new state.
func (s *Store) Create(ctx context.Context) (*State, error) {
	now := time.Now().UTC()
	state := &State{
		WorkflowID:  uuid.NewString(),
		CreatedAt:   now,
		LastUpdated: now,
		Steps:       make(map[StepName]*StepRecord),
	}
	if err := s.persist(state); err != nil {
		return nil, err
	}
	s.logger.Info("workflow created", logging.String(logging.FieldWorkflowID, state.WorkflowID))
	return state, nil
}

// Get reads and deserializes the record for a workflow id. Legacy flat-schema
// records are migrated in place before being returned; migration is
// idempotent, so re-reading an already-migrated record is a no-op.
func (s *Store) Get(ctx context.Context, workflowID string) (*State, error) {
	entry := s.locks.acquire(workflowID)
	defer s.locks.release(workflowID, entry)
	return s.read(workflowID)
}

// StartStep sets or creates the named step with status running.
func (s *Store) StartStep(ctx context.Context, workflowID string, step StepName) (*State, error) {
	if _, ok := stepSet[step]; !ok {
		return nil, services.Wrap(services.ErrValidation, "workflow", "start step", fmt.Sprintf("unknown step %q", step), nil)
	}
	return s.mutate(workflowID, func(state *State) error {
		now := time.Now().UTC()
		state.Steps[step] = &StepRecord{
			Status:    StepRunning,
			StartedAt: &now,
		}
		return nil
	})
}

// CompleteStep marks a previously started step completed and stores its
// result. A completed step always carries a non-nil result.
func (s *Store) CompleteStep(ctx context.Context, workflowID string, step StepName, result map[string]any) (*State, error) {
	return s.mutate(workflowID, func(state *State) error {
		rec, ok := state.Steps[step]
		if !ok || rec == nil {
			return services.Wrap(services.ErrPrecondition, "workflow", "complete step",
				fmt.Sprintf("step %s has not been started", step), nil)
		}
		now := time.Now().UTC()
		rec.Status = StepCompleted
		rec.CompletedAt = &now
		rec.FailedAt = nil
		rec.Error = nil
		rec.ProcessingTime = elapsedSeconds(rec.StartedAt, now)
		if result == nil {
			result = map[string]any{}
		}
		rec.Result = result
		return nil
	})
}

// FailStep marks a step failed. A step that was never started still yields a
// valid failed record with zero processing time.
func (s *Store) FailStep(ctx context.Context, workflowID string, step StepName, failure *StepFailure) (*State, error) {
	return s.mutate(workflowID, func(state *State) error {
		rec, ok := state.Steps[step]
		if !ok || rec == nil {
			rec = &StepRecord{}
			state.Steps[step] = rec
		}
		now := time.Now().UTC()
		rec.Status = StepFailed
		rec.FailedAt = &now
		rec.CompletedAt = nil
		rec.Result = nil
		rec.ProcessingTime = elapsedSeconds(rec.StartedAt, now)
		if failure == nil {
			failure = &StepFailure{Code: "UPSTREAM_FAILURE", Message: "step failed"}
		}
		rec.Error = failure
		return nil
	})
}

// Update applies a caller-supplied mutation under the workflow's write lock
// and persists the outcome. Derived counters are recomputed regardless of
// what the mutation touched.
func (s *Store) Update(ctx context.Context, workflowID string, apply func(*State) error) (*State, error) {
	return s.mutate(workflowID, apply)
}

// StepStatus reports the status of one step, StepNotStarted when absent.
func (s *Store) StepStatus(ctx context.Context, workflowID string, step StepName) (StepStatus, error) {
	state, err := s.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	return state.StepStatus(step), nil
}

// Delete removes the workflow record. Deleting a missing workflow is not an
// error; the bool reports whether a record was removed.
func (s *Store) Delete(ctx context.Context, workflowID string) (bool, error) {
	entry := s.locks.acquire(workflowID)
	defer s.locks.release(workflowID, entry)

	err := os.Remove(s.path(workflowID))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "workflow", "delete", workflowID, err)
	}
	return true, nil
}

// List returns every readable workflow record sorted by creation time.
// Corrupt records are skipped with a warning rather than failing the sweep.
func (s *Store) List(ctx context.Context) ([]*State, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, services.Wrap(services.ErrStorage, "workflow", "list", "read directory", err)
	}

	var states []*State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		state, err := s.Get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow record",
				logging.String(logging.FieldWorkflowID, id),
				logging.Error(err))
			continue
		}
		states = append(states, state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}

// CleanupOld deletes workflows whose last update is older than maxAge and
// returns how many records were removed.
func (s *Store) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	states, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, state := range states {
		if state.LastUpdated.After(cutoff) {
			continue
		}
		ok, err := s.Delete(ctx, state.WorkflowID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
			s.logger.Info("removed expired workflow",
				logging.String(logging.FieldWorkflowID, state.WorkflowID),
				logging.Duration("age", time.Since(state.LastUpdated)))
		}
	}
	return removed, nil
}

func (s *Store) mutate(workflowID string, apply func(*State) error) (*State, error) {
	entry := s.locks.acquire(workflowID)
	defer s.locks.release(workflowID, entry)

	state, err := s.read(workflowID)
	if err != nil {
		return nil, err
	}
	if state.Steps == nil {
		state.Steps = make(map[StepName]*StepRecord)
	}
	if err := apply(state); err != nil {
		return nil, err
	}
	state.LastUpdated = time.Now().UTC()
	state.recomputeDerived()
	if err := s.persist(state); err != nil {
		return nil, err
	}
	return state, nil
}

// read loads a record without locking; callers hold the per-id lock.
func (s *Store) read(workflowID string) (*State, error) {
	data, err := os.ReadFile(s.path(workflowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "workflow", "get", workflowID, nil)
		}
		return nil, services.Wrap(services.ErrStorage, "workflow", "get", workflowID, err)
	}

	state, migrated, err := decodeState(workflowID, data)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "workflow", "get", "parse record", err)
	}
	if migrated {
		if err := s.persist(state); err != nil {
			return nil, err
		}
		s.logger.Info("migrated legacy workflow record",
			logging.String(logging.FieldWorkflowID, workflowID),
			logging.Int("steps", len(state.Steps)))
	}
	return state, nil
}

// persist writes the record atomically via temp file + rename. Callers hold
// the per-id lock, so the temp name per workflow cannot collide.
func (s *Store) persist(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrStorage, "workflow", "persist", "marshal record", err)
	}

	target := s.path(state.WorkflowID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return services.Wrap(services.ErrStorage, "workflow", "persist", "write temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return services.Wrap(services.ErrStorage, "workflow", "persist", "rename temp file", err)
	}
	return nil
}

func (s *Store) path(workflowID string) string {
	return filepath.Join(s.root, workflowID+".json")
}

func elapsedSeconds(started *time.Time, end time.Time) float64 {
	if started == nil || started.IsZero() {
		return 0
	}
	elapsed := end.Sub(*started).Seconds()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}
