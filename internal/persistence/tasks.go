package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/basket/agentrelay/internal/relay"
)

// --- Task Ledger ---

const taskColumns = `id, title, created_by, time_budget_secs, started_at, created_at`

// CreateTask records a new orchestration unit. The creator must already
// exist in the directory; the time budget, when set, must be
// non-negative. started_at is unset at creation.
func (s *Store) CreateTask(ctx context.Context, params relay.CreateTask) (relay.Task, error) {
	if params.Title == "" {
		return relay.Task{}, relay.InvalidInputf("task title must be non-empty")
	}
	if params.TimeBudgetSecs != nil && *params.TimeBudgetSecs < 0 {
		return relay.Task{}, relay.InvalidInputf("time_budget_secs must be non-negative, got %d", *params.TimeBudgetSecs)
	}
	if _, err := s.GetAgentByID(ctx, params.CreatedBy); err != nil {
		return relay.Task{}, err
	}

	id := uuid.NewString()
	ts := now()
	var budget sql.NullInt64
	if params.TimeBudgetSecs != nil {
		budget = sql.NullInt64{Int64: *params.TimeBudgetSecs, Valid: true}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, created_by, time_budget_secs, started_at, created_at)
			VALUES (?, ?, ?, ?, NULL, ?);
		`, id, params.Title, params.CreatedBy, budget, ts)
		return err
	})
	if err != nil {
		return relay.Task{}, relay.StoreErr("create task", err)
	}
	return s.GetTask(ctx, id)
}

// GetTask returns a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (relay.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE id = ?;
	`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Task{}, relay.NotFoundf("task %q not found", id)
	}
	if err != nil {
		return relay.Task{}, relay.StoreErr("get task", err)
	}
	return task, nil
}

// StartTask sets started_at if it is still unset. Starting an
// already-started task is a no-op, not an error: the conditional write
// gives first-writer-wins semantics under concurrent duplicate calls.
// Returns the task as stored after the call and whether this call was
// the one that started it.
func (s *Store) StartTask(ctx context.Context, id string) (relay.Task, bool, error) {
	var started bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET started_at = ? WHERE id = ? AND started_at IS NULL;
		`, now(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		started = n == 1
		return nil
	})
	if err != nil {
		return relay.Task{}, false, relay.StoreErr("start task", err)
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return relay.Task{}, false, err
	}
	return task, started, nil
}

// TaskStatus computes the derived time-budget status of a task at the
// current instant. Status is never stored, so there is no staleness
// window.
func (s *Store) TaskStatus(ctx context.Context, id string) (relay.TaskStatus, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return relay.TaskStatus{}, err
	}
	return relay.ComputeStatus(task, now()), nil
}

func scanTask(row rowScanner) (relay.Task, error) {
	var t relay.Task
	var budget sql.NullInt64
	var started sql.NullTime
	if err := row.Scan(&t.ID, &t.Title, &t.CreatedBy, &budget, &started, &t.CreatedAt); err != nil {
		return relay.Task{}, err
	}
	if budget.Valid {
		b := budget.Int64
		t.TimeBudgetSecs = &b
	}
	if started.Valid {
		st := started.Time.UTC()
		t.StartedAt = &st
	}
	return t, nil
}
