package jobs

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"scribe/internal/config"
	"scribe/internal/logging"
	"scribe/internal/services"
)

// Store manages job persistence backed by SQLite.
type Store struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	cancels *cancelRegistry
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version string
	sql     string
}

// Open initializes or connects to the job database.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "open", "ensure directories", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	dbPath := cfg.JobsDBPath()
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "open", "open sqlite db", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, services.Wrap(services.ErrStorage, "jobs", "open", fmt.Sprintf("apply pragma %q", pragma), execErr)
		}
	}

	store := &Store{
		db:      db,
		path:    dbPath,
		logger:  logging.NewComponentLogger(logger, "jobs"),
		cancels: newCancelRegistry(),
	}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the cancellation registry and the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.cancels.releaseAll()
	return s.db.Close()
}

func loadMigrations() ([]migration, error) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		versions = append(versions, entry.Name())
	}
	sort.Strings(versions)

	migrations := make([]migration, 0, len(versions))
	for _, name := range versions {
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		version := strings.TrimSuffix(name, ".sql")
		migrations = append(migrations, migration{version: version, sql: string(data)})
	}
	return migrations, nil
}

func (s *Store) applyMigrations(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "migrate", "load migrations", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "migrate", "begin migration tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "migrate", "ensure schema_migrations", err)
	}

	for _, migration := range migrations {
		var count int
		row := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", migration.version)
		if err := row.Scan(&count); err != nil {
			return services.Wrap(services.ErrStorage, "jobs", "migrate", "scan migration version", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, migration.sql); err != nil {
			return services.Wrap(services.ErrStorage, "jobs", "migrate", "apply migration "+migration.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", migration.version); err != nil {
			return services.Wrap(services.ErrStorage, "jobs", "migrate", "record migration "+migration.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "migrate", "commit migrations", err)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

const jobColumns = "job_id, workflow_id, operation, status, progress, message, created_at, started_at, completed_at, cancelled_at, input_params, result, error, cancel_reason, estimated_completion"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		jobID        string
		workflowID   string
		operation    string
		status       string
		progress     sql.NullInt64
		message      sql.NullString
		createdRaw   sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		cancelledRaw sql.NullString
		inputParams  sql.NullString
		result       sql.NullString
		jobError     sql.NullString
		cancelReason sql.NullString
		estimateRaw  sql.NullString
	)

	if err := scanner.Scan(
		&jobID,
		&workflowID,
		&operation,
		&status,
		&progress,
		&message,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&cancelledRaw,
		&inputParams,
		&result,
		&jobError,
		&cancelReason,
		&estimateRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:           jobID,
		WorkflowID:   workflowID,
		Operation:    Operation(operation),
		Status:       Status(status),
		Progress:     int(progress.Int64),
		Message:      message.String,
		CancelReason: cancelReason.String,
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	job.CancelledAt = parseNullableTime(cancelledRaw)
	job.EstimatedCompletion = parseNullableTime(estimateRaw)

	if inputParams.Valid && inputParams.String != "" {
		if err := json.Unmarshal([]byte(inputParams.String), &job.InputParams); err != nil {
			return nil, fmt.Errorf("decode input params: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if jobError.Valid && jobError.String != "" {
		failure := &JobError{}
		if err := json.Unmarshal([]byte(jobError.String), failure); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		job.Error = failure
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullableJSON(value map[string]any) (any, error) {
	if len(value) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

// Create inserts a queued job and registers its cancellation signal.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if req.WorkflowID == "" {
		return nil, services.Wrap(services.ErrValidation, "jobs", "create", "workflow id is required", nil)
	}
	if _, ok := operationSet[req.Operation]; !ok {
		return nil, services.Wrap(services.ErrValidation, "jobs", "create", fmt.Sprintf("unknown operation %q", req.Operation), nil)
	}

	now := time.Now().UTC()
	jobID := uuid.NewString()
	params, err := nullableJSON(req.InputParams)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "jobs", "create", "encode input params", err)
	}

	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            job_id, workflow_id, operation, status, progress, created_at, input_params
        ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID,
		req.WorkflowID,
		string(req.Operation),
		string(StatusQueued),
		0,
		now.Format(time.RFC3339Nano),
		params,
	)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "create", "insert job", err)
	}

	s.cancels.register(jobID)
	s.logger.Info("job created",
		logging.String(logging.FieldJobID, jobID),
		logging.String(logging.FieldWorkflowID, req.WorkflowID),
		logging.String("operation", string(req.Operation)))
	return s.GetByID(ctx, jobID)
}

// GetByID fetches a job by identifier.
func (s *Store) GetByID(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "jobs", "get", fmt.Sprintf("job %s not found", jobID), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "get", "scan job", err)
	}
	return job, nil
}

// liveGuard is the WHERE fragment that makes terminal absorption
// atomic: every mutating statement on a live job carries it so a
// concurrent terminal transition cannot be overwritten after the fact.
const liveGuard = " AND status IN ('" + string(StatusQueued) + "', '" + string(StatusRunning) + "')"

// refuseTerminal classifies a zero-row guarded update: the job is
// either gone or already terminal.
func (s *Store) refuseTerminal(ctx context.Context, operation, jobID string) error {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return services.Wrap(services.ErrPrecondition, "jobs", operation,
		fmt.Sprintf("job %s is already %s", jobID, job.Status), nil)
}

// UpdateStatus transitions a job to the given status. Transitions out of
// a terminal status are rejected. The first transition to running stamps
// started_at; terminal transitions stamp their timestamp and release the
// cancellation signal.
func (s *Store) UpdateStatus(ctx context.Context, jobID string, status Status, message string) (*Job, error) {
	if _, ok := ParseStatus(string(status)); !ok {
		return nil, services.Wrap(services.ErrValidation, "jobs", "update-status", fmt.Sprintf("unknown status %q", status), nil)
	}

	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, services.Wrap(services.ErrPrecondition, "jobs", "update-status",
			fmt.Sprintf("job %s is already %s", jobID, job.Status), nil)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?", "message = ?"}
	args := []any{string(status), nullableString(message)}

	if status == StatusRunning && job.StartedAt == nil {
		sets = append(sets, "started_at = ?")
		args = append(args, now.Format(time.RFC3339Nano))
	}
	switch status {
	case StatusCompleted, StatusFailed:
		sets = append(sets, "completed_at = ?")
		args = append(args, now.Format(time.RFC3339Nano))
	case StatusCancelled:
		sets = append(sets, "cancelled_at = ?")
		args = append(args, now.Format(time.RFC3339Nano))
	}
	args = append(args, jobID)

	res, err := s.execWithRetry(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ?`+liveGuard, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "update-status", "update job status", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// A concurrent transition won; the pre-check above saw a stale row.
		return nil, s.refuseTerminal(ctx, "update-status", jobID)
	}

	if status.Terminal() {
		s.cancels.release(jobID)
	}
	s.logger.Info("job status changed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("from", string(job.Status)),
		logging.String("to", string(status)))
	return s.GetByID(ctx, jobID)
}

// UpdateProgress applies progress, message, or estimate changes to a
// live job. Updates against a terminal job are silently dropped.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if update.Progress != nil {
		value := *update.Progress
		if value != ProgressIndeterminate {
			value = clampProgress(value)
		}
		sets = append(sets, "progress = ?")
		args = append(args, value)
	}
	if update.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, nullableString(*update.Message))
	}
	if update.EstimatedCompletion != nil {
		sets = append(sets, "estimated_completion = ?")
		args = append(args, nullableTime(update.EstimatedCompletion))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, jobID)

	if _, err := s.execWithRetry(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE job_id = ?`+liveGuard, args...); err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "update-progress", "update job progress", err)
	}
	return nil
}

// SetResult records the result payload and completes the job in one
// transition. A terminal job keeps its existing payload and the call
// returns ErrPrecondition, so a cancelled job can never gain a result.
func (s *Store) SetResult(ctx context.Context, jobID string, result map[string]any) error {
	payload, err := nullableJSON(result)
	if err != nil {
		return services.Wrap(services.ErrValidation, "jobs", "set-result", "encode result", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, result = ?, completed_at = ? WHERE job_id = ?`+liveGuard,
		string(StatusCompleted),
		payload,
		now,
		jobID,
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "set-result", "update job result", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return s.refuseTerminal(ctx, "set-result", jobID)
	}
	s.cancels.release(jobID)
	s.logger.Info("job completed", logging.String(logging.FieldJobID, jobID))
	return nil
}

// SetError records a structured failure and fails the job in one
// transition. Like SetResult it refuses terminal jobs.
func (s *Store) SetError(ctx context.Context, jobID string, failure *JobError) error {
	var payload any
	var message string
	if failure != nil {
		data, err := json.Marshal(failure)
		if err != nil {
			return services.Wrap(services.ErrValidation, "jobs", "set-error", "encode error", err)
		}
		payload = string(data)
		message = failure.Message
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, error = ?, message = ?, completed_at = ? WHERE job_id = ?`+liveGuard,
		string(StatusFailed),
		payload,
		nullableString(message),
		now,
		jobID,
	)
	if err != nil {
		return services.Wrap(services.ErrStorage, "jobs", "set-error", "update job error", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return s.refuseTerminal(ctx, "set-error", jobID)
	}
	s.cancels.release(jobID)
	s.logger.Info("job failed",
		logging.String(logging.FieldJobID, jobID),
		logging.String("message", message))
	return nil
}

// Cancel requests cancellation of a live job. It fires the job's
// cancellation signal, records the reason, and marks the job cancelled.
// It reports false when the job is already terminal or its signal is no
// longer registered.
func (s *Store) Cancel(ctx context.Context, jobID, reason string) (bool, error) {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Terminal() {
		return false, nil
	}
	if !s.cancels.fire(jobID) {
		return false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET status = ?, cancel_reason = ?, cancelled_at = ? WHERE job_id = ?`+liveGuard,
		string(StatusCancelled),
		nullableString(reason),
		now,
		jobID,
	)
	if err != nil {
		return false, services.Wrap(services.ErrStorage, "jobs", "cancel", "mark job cancelled", err)
	}
	s.cancels.release(jobID)
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		// The job finished between the pre-check and the update.
		return false, nil
	}

	s.logger.Info("job cancelled",
		logging.String(logging.FieldJobID, jobID),
		logging.String("reason", reason))
	return true, nil
}

// CancellationSignal returns the channel closed when a job is cancelled.
// It reports false when the job has no live signal.
func (s *Store) CancellationSignal(jobID string) (<-chan struct{}, bool) {
	return s.cancels.signal(jobID)
}

// ListForWorkflow returns a workflow's jobs ordered by creation time.
func (s *Store) ListForWorkflow(ctx context.Context, workflowID string) ([]*Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? ORDER BY created_at, job_id`, workflowID)
}

// List returns jobs, optionally filtered by status, ordered by creation time.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	if len(statuses) == 0 {
		return s.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at, job_id`)
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY created_at, job_id`
	return s.list(ctx, query, args...)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "list", "query jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "jobs", "list", "scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "list", "iterate jobs", err)
	}
	return jobs, nil
}

// Stats returns job counts keyed by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "stats", "query stats", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, services.Wrap(services.ErrStorage, "jobs", "stats", "scan stats", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "jobs", "stats", "iterate stats", err)
	}
	return stats, nil
}

// CleanupOld deletes terminal jobs whose terminal timestamp is older
// than maxAge. It returns the number of removed rows.
func (s *Store) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM jobs WHERE
            (status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?)
            OR (status = ? AND cancelled_at IS NOT NULL AND cancelled_at < ?)`,
		string(StatusCompleted),
		string(StatusFailed),
		cutoff,
		string(StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "jobs", "cleanup", "delete old jobs", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, services.Wrap(services.ErrStorage, "jobs", "cleanup", "count removed jobs", err)
	}
	if affected > 0 {
		s.logger.Info("removed old jobs", logging.Int64("count", affected))
	}
	return int(affected), nil
}
