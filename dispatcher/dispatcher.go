// Package dispatcher enumerates eligible tasks and claims them for an agent.
// Claim is the race-freedom anchor of the whole system: it must hand a given
// pending task to exactly one caller even when many agents poll
// concurrently. SQLite gives no row-level locking, so atomicity here comes
// from a single conditional UPDATE ... WHERE <all predicates> whose
// RowsAffected decides the winner, run inside a transaction against a
// single-connection pool (see the store package), rather than from a
// SELECT ... FOR UPDATE as the original system used against Postgres.
package dispatcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/taskcoord/coordinator/coordinaterr"
	"github.com/taskcoord/coordinator/task"
)

// Dispatcher enumerates and claims tasks against the shared database pool.
type Dispatcher struct {
	db                 *sql.DB
	maxConcurrentTasks int
}

// New builds a Dispatcher. maxConcurrentTasks is the per-agent concurrency
// cap: an agent already holding that many assigned, running or reviewing
// tasks cannot claim another.
func New(db *sql.DB, maxConcurrentTasks int) *Dispatcher {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 3
	}
	return &Dispatcher{db: db, maxConcurrentTasks: maxConcurrentTasks}
}

var fold = cases.Fold()

// Available lists pending tasks whose dependencies are all satisfied
// (completed), unfiltered by agent. The anti-join against unsatisfied
// dependencies is the same shape as a plain "available work" query against
// Postgres, translated to a NOT EXISTS over the JSON-encoded dependency
// list since SQLite has no array/int[] column type.
func (d *Dispatcher) Available(ctx context.Context, projectID int64, limit int) ([]*task.Task, error) {
	return d.available(ctx, projectID, "", nil, limit)
}

// AvailableForAgent lists pending, dependency-satisfied tasks further
// narrowed to ones whose tags intersect the agent's skills (case-insensitive
// fold match), mirroring the original system's skill-matched queue view.
func (d *Dispatcher) AvailableForAgent(ctx context.Context, projectID int64, agentSkills []string, limit int) ([]*task.Task, error) {
	return d.available(ctx, projectID, "", agentSkills, limit)
}

func (d *Dispatcher) available(ctx context.Context, projectID int64, assignee string, skills []string, limit int) ([]*task.Task, error) {
	var sb strings.Builder
	sb.WriteString(taskCols + ` FROM tasks t WHERE t.deleted_at IS NULL AND t.status = 'pending'`)
	var args []any

	if projectID != 0 {
		sb.WriteString(" AND t.project_id = ?")
		args = append(args, projectID)
	}
	sb.WriteString(` AND NOT EXISTS (
	SELECT 1 FROM json_each(t.dependencies) dep
	LEFT JOIN tasks dt ON dt.id = CAST(dep.value AS INTEGER)
	WHERE dt.id IS NULL OR dt.status != 'completed'
)`)
	sb.WriteString(" ORDER BY t.priority DESC, t.created_at ASC")
	if limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list available tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		if len(skills) > 0 && !tagsIntersectSkills(t.TaskTags, skills) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func tagsIntersectSkills(tags, skills []string) bool {
	folded := make(map[string]bool, len(skills))
	for _, sk := range skills {
		folded[fold.String(sk)] = true
	}
	for _, tag := range tags {
		if folded[fold.String(tag)] {
			return true
		}
	}
	return false
}

// Claim atomically assigns taskID to agentName. It fails with
// CodeClaimUnavailable if the task is not pending, is already assigned, has
// an unsatisfied dependency, or the agent is already at its concurrency cap
// — all four causes collapse into the same error so a polling agent cannot
// distinguish "someone beat you to it" from "you're full" and build a
// retry loop around the difference.
func (d *Dispatcher) Claim(ctx context.Context, taskID int64, agentName string) (*task.Task, error) {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	claimed, err := d.ClaimTx(ctx, tx, taskID, agentName)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("dispatcher: commit claim: %w", err)
	}
	return claimed, nil
}

// ClaimTx runs the same atomic claim as Claim but against a caller-managed
// transaction instead of one it begins and commits itself, so a caller (the
// idempotency guard, via coordinator.Coordinator.ClaimTask) can commit the
// claim and its idempotency-key record together as a single transaction.
func (d *Dispatcher) ClaimTx(ctx context.Context, tx *sql.Tx, taskID int64, agentName string) (*task.Task, error) {
	var count int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM tasks WHERE assignee = ? AND status IN ('assigned', 'running', 'reviewing') AND deleted_at IS NULL`,
		agentName).Scan(&count); err != nil {
		return nil, fmt.Errorf("dispatcher: count active tasks for %q: %w", agentName, err)
	}
	if count >= d.maxConcurrentTasks {
		return nil, coordinaterr.Newf(coordinaterr.CodeClaimUnavailable, "agent %q already at concurrency cap", agentName)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
UPDATE tasks SET status = 'assigned', assignee = ?, assigned_at = ?, updated_at = ?
WHERE id = ?
  AND deleted_at IS NULL
  AND status = 'pending'
  AND (assignee IS NULL OR assignee = '')
  AND NOT EXISTS (
	SELECT 1 FROM json_each(dependencies) dep
	LEFT JOIN tasks dt ON dt.id = CAST(dep.value AS INTEGER)
	WHERE dt.id IS NULL OR dt.status != 'completed'
  )`, agentName, now, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: claim task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: claim task %d: rows affected: %w", taskID, err)
	}
	if n == 0 {
		return nil, coordinaterr.Newf(coordinaterr.CodeClaimUnavailable, "task %d is not available to claim", taskID)
	}

	row := tx.QueryRowContext(ctx, taskCols+` FROM tasks t WHERE t.id = ?`, taskID)
	claimed, err := scanTaskRow(row)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: reload claimed task %d: %w", taskID, err)
	}
	return claimed, nil
}

// Release returns a claimed task to pending, clearing its assignee. Only
// the holding agent (checked by the caller's lifecycle layer, not here)
// should be able to trigger this.
func (d *Dispatcher) Release(ctx context.Context, taskID int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := d.db.ExecContext(ctx, `
UPDATE tasks SET status = 'pending', assignee = NULL, assigned_at = NULL, updated_at = ?
WHERE id = ? AND status IN ('assigned', 'running') AND deleted_at IS NULL`, now, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: release task %d: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dispatcher: release task %d: rows affected: %w", taskID, err)
	}
	if n == 0 {
		return coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is not held", taskID)
	}
	return nil
}

const taskCols = `SELECT
	t.id, t.project_id, t.title, t.description, t.task_type, t.status, t.priority, t.assignee,
	t.reviewer_id, t.reviewer_mention, t.acceptance_criteria, t.parent_task_id,
	t.dependencies, t.task_tags, t.estimated_hours, t.timeout_minutes,
	t.retry_count, t.max_retries, t.result, t.feedback, t.created_by,
	t.created_at, t.assigned_at, t.started_at, t.updated_at, t.completed_at, t.due_at, t.deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRow(row rowScanner) (*task.Task, error) {
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("dispatcher: scan task: %w", err)
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
	t.Dependencies = decodeInt64s(dependencies)
	t.TaskTags = decodeStrings(taskTags)

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
		return nil, fmt.Errorf("dispatcher: parse created_at: %w", err)
	}
	t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: parse updated_at: %w", err)
	}
	if t.AssignedAt, err = parseTimeCol(assignedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimeCol(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimeCol(completedAt); err != nil {
		return nil, err
	}
	if t.DueAt, err = parseTimeCol(dueAt); err != nil {
		return nil, err
	}
	if t.DeletedAt, err = parseTimeCol(deletedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeInt64s(s string) []int64 {
	if s == "" {
		return nil
	}
	var out []int64
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func parseTimeCol(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: parse time %q: %w", s.String, err)
	}
	return &t, nil
}
