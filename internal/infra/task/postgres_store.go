// Package task provides the Postgres-backed implementation of the task store.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	taskdomain "dispatchd/internal/domain/task"
	"dispatchd/internal/logging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const tasksTable = "tasks"

// uniqueViolation is the Postgres error code for unique-constraint violations.
const uniqueViolation = "23505"

// PostgresStore implements taskdomain.Store backed by Postgres.
//
// The claim operation relies on FOR UPDATE SKIP LOCKED so that concurrent
// workers scan the same queue without blocking each other and no row is ever
// claimed twice.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ taskdomain.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed task store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskStore"),
	}
}

// EnsureSchema creates the tasks table and indices if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + tasksTable + ` (
    id         TEXT PRIMARY KEY,
    task_id    TEXT NOT NULL UNIQUE,
    service    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    route      TEXT NOT NULL,
    method     TEXT NOT NULL DEFAULT 'POST',
    params     JSONB NOT NULL,
    result     JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created
    ON ` + tasksTable + ` (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_task_id
    ON ` + tasksTable + ` (task_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure task schema: %w", err)
		}
	}
	return nil
}

// Insert persists a new pending task with fresh identifiers and returns the
// client-facing task_id.
func (s *PostgresStore) Insert(ctx context.Context, draft taskdomain.Draft) (string, error) {
	if err := draft.Validate(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	taskID := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+tasksTable+` (id, task_id, service, status, route, method, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, taskID, string(draft.Service), string(taskdomain.StatusPending),
		draft.Route, string(draft.Method), draft.Params, now, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return "", fmt.Errorf("%w: %s", taskdomain.ErrConflict, pgErr.ConstraintName)
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	return taskID, nil
}

// ClaimOnePending atomically claims the oldest pending task using
// FOR UPDATE SKIP LOCKED, marking it processing in the same statement.
// Returns (nil, nil) when no pending row is available.
func (s *PostgresStore) ClaimOnePending(ctx context.Context) (*taskdomain.Task, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now()
		WHERE id IN (
			SELECT id FROM `+tasksTable+`
			WHERE status = $2
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, task_id, service, route, method, params, status, result, created_at, updated_at`,
		string(taskdomain.StatusProcessing), string(taskdomain.StatusPending),
	)

	claimed, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending task: %w", err)
	}
	return claimed, nil
}

// Finalize records the terminal status and result for a task by internal id.
func (s *PostgresStore) Finalize(ctx context.Context, id string, status taskdomain.Status, result json.RawMessage) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, result = $2, updated_at = now() WHERE id = $3`,
		string(status), result, id,
	)
	if err != nil {
		return fmt.Errorf("finalize task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize task %s: %w", id, taskdomain.ErrNotFound)
	}
	return nil
}

// GetByTaskID fetches a single task by its client-facing identifier.
func (s *PostgresStore) GetByTaskID(ctx context.Context, taskID string) (*taskdomain.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, service, route, method, params, status, result, created_at, updated_at
		 FROM `+tasksTable+`
		 WHERE task_id = $1`,
		taskID,
	)

	found, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, taskdomain.ErrNotFound
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return found, nil
}

// RequeueStale resets processing tasks last touched before the cutoff back to
// pending. A crashed worker leaves its row in processing; requeueing it gives
// at-least-once delivery, so downstreams must tolerate replays when the reaper
// is enabled.
func (s *PostgresStore) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+tasksTable+` SET status = $1, updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		string(taskdomain.StatusPending), string(taskdomain.StatusProcessing), olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("requeued %d stale processing tasks", n)
		return n, nil
	}
	return 0, nil
}

func scanTask(row pgx.Row) (*taskdomain.Task, error) {
	var t taskdomain.Task
	var params, result []byte

	if err := row.Scan(
		&t.ID, &t.TaskID, &t.Service, &t.Route, &t.Method,
		&params, &t.Status, &result, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Params = json.RawMessage(params)
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return &t, nil
}
