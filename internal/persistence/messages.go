package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/agentrelay/internal/relay"
)

// --- Message Log ---

const messageColumns = `id, sender_id, recipient_id, task_id, content, created_at`

// AppendMessage appends a message to the log. Sender and recipient must
// both exist at write time; a task reference, when given, must resolve
// (unlike the nullable-on-deletion case, the reference must be valid at
// append). The insert and the sender touch commit in one transaction, so
// the operation either fully succeeds or leaves no row behind. Ties in
// created_at across concurrent appends are broken by the log's internal
// autoincrement sequence, giving a total insertion order.
func (s *Store) AppendMessage(ctx context.Context, params relay.CreateMessage) (relay.Message, error) {
	msg, _, err := s.appendMessage(ctx, params, false)
	return msg, err
}

// AppendTaskMessage appends a task-scoped message and claims the task's
// start in the same transaction. If anything fails, the task stays
// unstarted and no message is persisted. The bool result reports whether
// this call was the one that started the task.
func (s *Store) AppendTaskMessage(ctx context.Context, params relay.CreateMessage) (relay.Message, relay.Task, bool, error) {
	if params.TaskID == "" {
		return relay.Message{}, relay.Task{}, false, relay.InvalidInputf("task id must be non-empty")
	}
	msg, started, err := s.appendMessage(ctx, params, true)
	if err != nil {
		return relay.Message{}, relay.Task{}, false, err
	}
	task, err := s.GetTask(ctx, params.TaskID)
	if err != nil {
		return relay.Message{}, relay.Task{}, false, err
	}
	return msg, task, started, nil
}

func (s *Store) appendMessage(ctx context.Context, params relay.CreateMessage, claimStart bool) (relay.Message, bool, error) {
	id := uuid.NewString()
	ts := now()
	var started bool

	err := retryOnBusy(ctx, 5, func() error {
		started = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := agentExistsTx(ctx, tx, params.SenderID, "sender"); err != nil {
			return err
		}
		if err := agentExistsTx(ctx, tx, params.RecipientID, "recipient"); err != nil {
			return err
		}

		var taskID sql.NullString
		if params.TaskID != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, params.TaskID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return relay.NotFoundf("task %q not found", params.TaskID)
			}
			if err != nil {
				return fmt.Errorf("check task: %w", err)
			}
			taskID = sql.NullString{String: params.TaskID, Valid: true}
		}

		if claimStart {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET started_at = ? WHERE id = ? AND started_at IS NULL;
			`, ts, params.TaskID)
			if err != nil {
				return fmt.Errorf("claim task start: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("claim task start: rows affected: %w", err)
			}
			started = n == 1
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, sender_id, recipient_id, task_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, params.SenderID, params.RecipientID, taskID, params.Content, ts); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		// Touch the sender inside the same transaction: the side effect
		// commits with the append or not at all.
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?;
		`, ts, params.SenderID); err != nil {
			return fmt.Errorf("touch sender: %w", err)
		}

		return tx.Commit()
	})
	if err != nil {
		var re *relay.Error
		if errors.As(err, &re) {
			return relay.Message{}, false, re
		}
		return relay.Message{}, false, relay.StoreErr("append message", err)
	}
	msg, err := s.GetMessage(ctx, id)
	return msg, started, err
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (relay.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = ?;
	`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Message{}, relay.NotFoundf("message %q not found", id)
	}
	if err != nil {
		return relay.Message{}, relay.StoreErr("get message", err)
	}
	return msg, nil
}

// QueryMessages returns messages matching the filter, ordered by
// (created_at, insertion sequence) ascending: a consistent, repeatable
// linear history regardless of read timing. An empty filter returns the
// full log; callers bound large reads with Since/Limit.
func (s *Store) QueryMessages(ctx context.Context, filter relay.MessageFilter) ([]relay.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	var conds []string
	var args []any
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.SenderID != "" {
		conds = append(conds, "sender_id = ?")
		args = append(args, filter.SenderID)
	}
	if filter.RecipientID != "" {
		conds = append(conds, "recipient_id = ?")
		args = append(args, filter.RecipientID)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at ASC, seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	query += ";"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, relay.StoreErr("query messages", err)
	}
	defer rows.Close()

	var out []relay.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, relay.StoreErr("scan message", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, relay.StoreErr("iterate messages", err)
	}
	return out, nil
}

// MessageCount returns the total number of messages in the log.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages;`).Scan(&count); err != nil {
		return 0, relay.StoreErr("message count", err)
	}
	return count, nil
}

func agentExistsTx(ctx context.Context, tx *sql.Tx, id, role string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?;`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.NotFoundf("%s agent id %q not found", role, id)
	}
	if err != nil {
		return fmt.Errorf("check %s agent: %w", role, err)
	}
	return nil
}

func scanMessage(row rowScanner) (relay.Message, error) {
	var m relay.Message
	var taskID sql.NullString
	if err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &taskID, &m.Content, &m.CreatedAt); err != nil {
		return relay.Message{}, err
	}
	if taskID.Valid {
		m.TaskID = taskID.String
	}
	return m, nil
}
