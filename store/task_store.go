package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskcoord/coordinator/task"
)

// TaskStore implements task.Store against the shared SQLite pool.
type TaskStore struct {
	db    *sql.DB
	store *Store
}

func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		if t.Priority == 0 {
			t.Priority = task.DefaultPriority
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = 3
		}

		res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (
	project_id, title, description, task_type, status, priority, assignee,
	reviewer_id, reviewer_mention, acceptance_criteria, parent_task_id,
	dependencies, task_tags, estimated_hours, timeout_minutes,
	retry_count, max_retries, result, feedback, created_by,
	created_at, updated_at, due_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ProjectID, t.Title, t.Description, string(t.TaskType), string(t.Status), int(t.Priority), t.Assignee,
			t.ReviewerID, t.ReviewerMention, t.AcceptanceCriteria, nullInt64(t.ParentTaskID),
			marshalInt64s(t.Dependencies), marshalStrings(t.TaskTags), t.EstimatedHours, nullInt(t.TimeoutMinutes),
			t.RetryCount, t.MaxRetries, t.Result, t.Feedback, t.CreatedBy,
			nullTime(&t.CreatedAt), nullTime(&t.UpdatedAt), nullTime(t.DueAt))
		if err != nil {
			return fmt.Errorf("store: create task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: create task: last insert id: %w", err)
		}
		t.ID = id
		return nil
	})
}

func (s *TaskStore) Get(ctx context.Context, id int64) (*task.Task, error) {
	var out *task.Task
	err := s.store.do(ctx, func(ctx context.Context) error {
		t, err := getTask(ctx, s.db, id)
		out = t
		return err
	})
	return out, err
}

// GetTx reads a task inside a caller-managed transaction, so a transactional
// lifecycle transition (see lifecycle.Engine.SubmitTx) reads a consistent
// row within the same transaction it will write back to.
func (s *TaskStore) GetTx(ctx context.Context, tx *sql.Tx, id int64) (*task.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, ex execer, id int64) (*task.Task, error) {
	row := ex.QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *TaskStore) Update(ctx context.Context, t *task.Task) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return updateTask(ctx, s.db, t)
	})
}

// UpdateTx applies the same update as Update but against a caller-managed
// transaction, letting the idempotency guard commit the task mutation and
// its idempotency-key record in one transaction (see
// coordinator.Coordinator.SubmitTask).
func (s *TaskStore) UpdateTx(ctx context.Context, tx *sql.Tx, t *task.Task) error {
	return updateTask(ctx, tx, t)
}

func updateTask(ctx context.Context, ex execer, t *task.Task) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := ex.ExecContext(ctx, `
UPDATE tasks SET
	title = ?, description = ?, task_type = ?, status = ?, priority = ?, assignee = ?,
	reviewer_id = ?, reviewer_mention = ?, acceptance_criteria = ?, parent_task_id = ?,
	dependencies = ?, task_tags = ?, estimated_hours = ?, timeout_minutes = ?,
	retry_count = ?, max_retries = ?, result = ?, feedback = ?,
	assigned_at = ?, started_at = ?, completed_at = ?, due_at = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL`,
		t.Title, t.Description, string(t.TaskType), string(t.Status), int(t.Priority), t.Assignee,
		t.ReviewerID, t.ReviewerMention, t.AcceptanceCriteria, nullInt64(t.ParentTaskID),
		marshalInt64s(t.Dependencies), marshalStrings(t.TaskTags), t.EstimatedHours, nullInt(t.TimeoutMinutes),
		t.RetryCount, t.MaxRetries, t.Result, t.Feedback,
		nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.DueAt), nullTime(&t.UpdatedAt),
		t.ID)
	if err != nil {
		return fmt.Errorf("store: update task %d: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: update task %d: %w", t.ID, sql.ErrNoRows)
	}
	return nil
}

func (s *TaskStore) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	var sb strings.Builder
	sb.WriteString(taskSelectColumns + ` FROM tasks WHERE 1=1`)
	var args []any

	if !f.IncludeDeleted {
		sb.WriteString(" AND deleted_at IS NULL")
	}
	if f.ProjectID != 0 {
		sb.WriteString(" AND project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		sb.WriteString(" AND assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.ParentTaskID != nil {
		sb.WriteString(" AND parent_task_id = ?")
		args = append(args, *f.ParentTaskID)
	}
	for _, tag := range f.TaskTags {
		sb.WriteString(" AND task_tags LIKE ?")
		args = append(args, "%\""+tag+"\"%")
	}
	sb.WriteString(" ORDER BY priority DESC, created_at ASC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	}

	var out []*task.Task
	err := s.store.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("store: list tasks: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (s *TaskStore) SoftDelete(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		return execOne(ctx, s.db, `UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
			nullTime(&now), nullTime(&now), id)
	})
}

func (s *TaskStore) Restore(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		return execOne(ctx, s.db, `UPDATE tasks SET deleted_at = NULL, updated_at = ? WHERE id = ?`, nullTime(&now), id)
	})
}

func (s *TaskStore) HardDelete(ctx context.Context, id int64) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return execOne(ctx, s.db, `DELETE FROM tasks WHERE id = ?`, id)
	})
}

func (s *TaskStore) AppendLog(ctx context.Context, l *task.Log) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return appendTaskLog(ctx, s.db, l)
	})
}

// AppendLogTx appends a task log entry against a caller-managed transaction.
func (s *TaskStore) AppendLogTx(ctx context.Context, tx *sql.Tx, l *task.Log) error {
	return appendTaskLog(ctx, tx, l)
}

func appendTaskLog(ctx context.Context, ex execer, l *task.Log) error {
	l.CreatedAt = time.Now().UTC()
	res, err := ex.ExecContext(ctx, `
INSERT INTO task_logs (task_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.TaskID, l.Action, l.Actor, l.Detail, nullTime(&l.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: append task log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: append task log: last insert id: %w", err)
	}
	l.ID = id
	return nil
}

func (s *TaskStore) ListLogs(ctx context.Context, taskID int64) ([]*task.Log, error) {
	var out []*task.Log
	err := s.store.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, `
SELECT id, task_id, action, actor, detail, created_at FROM task_logs WHERE task_id = ? ORDER BY created_at ASC`, taskID)
		if err != nil {
			return fmt.Errorf("store: list task logs: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var l task.Log
			var actor, detail sql.NullString
			var createdAt string
			if err := rows.Scan(&l.ID, &l.TaskID, &l.Action, &actor, &detail, &createdAt); err != nil {
				return fmt.Errorf("store: scan task log: %w", err)
			}
			l.Actor = actor.String
			l.Detail = detail.String
			t, err := time.Parse(time.RFC3339Nano, createdAt)
			if err != nil {
				return fmt.Errorf("store: parse task log created_at: %w", err)
			}
			l.CreatedAt = t
			out = append(out, &l)
		}
		return rows.Err()
	})
	return out, err
}

func (s *TaskStore) GetTypeDefaults(ctx context.Context, t task.Type) (*task.TypeDefaults, error) {
	var out *task.TypeDefaults
	err := s.store.do(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, `
SELECT task_type, default_timeout_minutes, default_max_retries FROM task_type_defaults WHERE task_type = ?`, string(t))
		var d task.TypeDefaults
		var taskType string
		if err := row.Scan(&taskType, &d.DefaultTimeoutMinutes, &d.DefaultMaxRetries); err != nil {
			if err == sql.ErrNoRows {
				out = nil
				return nil
			}
			return fmt.Errorf("store: get type defaults %q: %w", t, err)
		}
		d.TaskType = task.Type(taskType)
		out = &d
		return nil
	})
	return out, err
}

func (s *TaskStore) SetTypeDefaults(ctx context.Context, d *task.TypeDefaults) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO task_type_defaults (task_type, default_timeout_minutes, default_max_retries)
VALUES (?, ?, ?)
ON CONFLICT(task_type) DO UPDATE SET
	default_timeout_minutes = excluded.default_timeout_minutes,
	default_max_retries = excluded.default_max_retries`,
			string(d.TaskType), d.DefaultTimeoutMinutes, d.DefaultMaxRetries)
		if err != nil {
			return fmt.Errorf("store: set type defaults %q: %w", d.TaskType, err)
		}
		return nil
	})
}

const taskSelectColumns = `SELECT
	id, project_id, title, description, task_type, status, priority, assignee,
	reviewer_id, reviewer_mention, acceptance_criteria, parent_task_id,
	dependencies, task_tags, estimated_hours, timeout_minutes,
	retry_count, max_retries, result, feedback, created_by,
	created_at, assigned_at, started_at, updated_at, completed_at, due_at, deleted_at`

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var description, assignee, reviewerID, reviewerMention, acceptanceCriteria sql.NullString
	var result, feedback, createdBy sql.NullString
	var taskType, status string
	var priority int
	var parentTaskID sql.NullInt64
	var dependencies, taskTags string
	var timeoutMinutes sql.NullInt64
	var createdAt, updatedAt string
	var assignedAt, startedAt, completedAt, dueAt, deletedAt sql.NullString

	if err := row.Scan(
		&t.ID, &t.ProjectID, &t.Title, &description, &taskType, &status, &priority, &assignee,
		&reviewerID, &reviewerMention, &acceptanceCriteria, &parentTaskID,
		&dependencies, &taskTags, &t.EstimatedHours, &timeoutMinutes,
		&t.RetryCount, &t.MaxRetries, &result, &feedback, &createdBy,
		&createdAt, &assignedAt, &startedAt, &updatedAt, &completedAt, &dueAt, &deletedAt,
	); err != nil {
		return nil, err
	}

	t.Description = description.String
	t.TaskType = task.Type(taskType)
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.Assignee = assignee.String
	t.ReviewerID = reviewerID.String
	t.ReviewerMention = reviewerMention.String
	t.AcceptanceCriteria = acceptanceCriteria.String
	t.Result = result.String
	t.Feedback = feedback.String
	t.CreatedBy = createdBy.String
	t.Dependencies = unmarshalInt64s(dependencies)
	t.TaskTags = unmarshalStrings(taskTags)

	if parentTaskID.Valid {
		v := parentTaskID.Int64
		t.ParentTaskID = &v
	}
	if timeoutMinutes.Valid {
		v := int(timeoutMinutes.Int64)
		t.TimeoutMinutes = &v
	}

	var err error
	t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse task created_at: %w", err)
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: parse task updated_at: %w", err)
	}
	if t.AssignedAt, err = parseNullTime(assignedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if t.DueAt, err = parseNullTime(dueAt); err != nil {
		return nil, err
	}
	if t.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &t, nil
}
