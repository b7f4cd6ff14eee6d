// Package lifecycle implements the task state machine's transitions beyond
// claim (which belongs to the dispatcher, since it is the contended one):
// start, submit, review, retry, cancel, and release. Every transition here
// reads the task, validates and updates it, and writes an audit log entry;
// a review, approved or rejected, also updates the running statistics of
// the agent the task is assigned to.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskcoord/coordinator/agent"
	"github.com/taskcoord/coordinator/coordinaterr"
	"github.com/taskcoord/coordinator/task"
)

// Engine applies task lifecycle transitions against the task and agent
// stores, recording an audit log entry for every transition it makes.
type Engine struct {
	tasks  task.Store
	agents agent.Store
	logger *slog.Logger
}

// New builds an Engine over the given stores.
func New(tasks task.Store, agents agent.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{tasks: tasks, agents: agents, logger: logger}
}

// Start transitions a task from assigned to running. Only the assignee may
// start it, and an agent may not have two tasks running at once.
func (e *Engine) Start(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	t, err := e.mustGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAssigned {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, not assigned", taskID, t.Status)
	}
	if t.Assignee != actor {
		return nil, coordinaterr.Newf(coordinaterr.CodeForbidden, "task %d is assigned to %q, not %q", taskID, t.Assignee, actor)
	}

	siblings, err := e.tasks.List(ctx, task.Filter{Assignee: actor, Status: task.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: check running tasks for %q: %w", actor, err)
	}
	if len(siblings) > 0 {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "agent %q already has a running task", actor)
	}

	now := time.Now().UTC()
	t.Status = task.StatusRunning
	t.StartedAt = &now
	if err := e.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: start task %d: %w", taskID, err)
	}
	e.log(ctx, taskID, "start", actor, "")
	return t, nil
}

// taskOps is the get/update/append-log surface a lifecycle transition needs,
// abstracted over whether those calls run directly against the store or
// against a caller-managed transaction. Submit and SubmitTx share the same
// transition logic through this indirection so the two can never diverge.
type taskOps struct {
	get       func(ctx context.Context, id int64) (*task.Task, error)
	update    func(ctx context.Context, t *task.Task) error
	appendLog func(ctx context.Context, l *task.Log) error
}

// Submit transitions a running task to reviewing and records the worker's
// result.
func (e *Engine) Submit(ctx context.Context, taskID int64, actor, result string) (*task.Task, error) {
	return e.submit(ctx, taskOps{get: e.tasks.Get, update: e.tasks.Update, appendLog: e.tasks.AppendLog}, taskID, actor, result)
}

// txTaskStore is implemented by task.Store backends that can also apply a
// read/write inside a caller-supplied transaction. SubmitTx type-asserts for
// it the same way the api package type-asserts an http.ResponseWriter for
// http.Flusher: an optional capability, not part of the base interface.
type txTaskStore interface {
	GetTx(ctx context.Context, tx *sql.Tx, id int64) (*task.Task, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, t *task.Task) error
	AppendLogTx(ctx context.Context, tx *sql.Tx, l *task.Log) error
}

// SubmitTx runs the same transition as Submit against a caller-managed
// transaction, so the idempotency guard (see the idempotency and
// coordinator packages) can commit the submission and its idempotency-key
// record as a single transaction.
func (e *Engine) SubmitTx(ctx context.Context, tx *sql.Tx, taskID int64, actor, result string) (*task.Task, error) {
	txs, ok := e.tasks.(txTaskStore)
	if !ok {
		return nil, fmt.Errorf("lifecycle: task store %T does not support transactional submit", e.tasks)
	}
	return e.submit(ctx, taskOps{
		get:       func(ctx context.Context, id int64) (*task.Task, error) { return txs.GetTx(ctx, tx, id) },
		update:    func(ctx context.Context, t *task.Task) error { return txs.UpdateTx(ctx, tx, t) },
		appendLog: func(ctx context.Context, l *task.Log) error { return txs.AppendLogTx(ctx, tx, l) },
	}, taskID, actor, result)
}

func (e *Engine) submit(ctx context.Context, ops taskOps, taskID int64, actor, result string) (*task.Task, error) {
	t, err := ops.get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get task %d: %w", taskID, err)
	}
	if t == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "task %d not found", taskID)
	}
	if t.Status != task.StatusRunning {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, not running", taskID, t.Status)
	}
	if t.Assignee != actor {
		return nil, coordinaterr.Newf(coordinaterr.CodeForbidden, "task %d is assigned to %q, not %q", taskID, t.Assignee, actor)
	}

	t.Status = task.StatusReviewing
	t.Result = result
	if err := ops.update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: submit task %d: %w", taskID, err)
	}
	if err := ops.appendLog(ctx, &task.Log{TaskID: taskID, Action: "submit", Actor: actor, Detail: result}); err != nil {
		e.logger.Error("lifecycle: append task log failed", "task", taskID, "action", "submit", "error", err)
	}
	return t, nil
}

// Release returns an assigned or running task to pending and clears its
// assignee. Only the holder may release.
func (e *Engine) Release(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	t, err := e.mustGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAssigned && t.Status != task.StatusRunning {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, cannot be released", taskID, t.Status)
	}
	if t.Assignee != actor {
		return nil, coordinaterr.Newf(coordinaterr.CodeForbidden, "task %d is held by %q, not %q", taskID, t.Assignee, actor)
	}

	t.Status = task.StatusPending
	t.Assignee = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	if err := e.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: release task %d: %w", taskID, err)
	}
	e.log(ctx, taskID, "release", actor, "")
	return t, nil
}

// Review resolves a task in reviewing to either completed or rejected, and
// updates the assignee's running statistics since this is the task's
// terminal-or-retryable decision point.
func (e *Engine) Review(ctx context.Context, taskID int64, actor string, approved bool, feedback string) (*task.Task, error) {
	t, err := e.mustGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusReviewing {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, not reviewing", taskID, t.Status)
	}

	now := time.Now().UTC()
	t.Feedback = feedback
	if approved {
		t.Status = task.StatusCompleted
		t.CompletedAt = &now
	} else {
		t.Status = task.StatusRejected
	}
	if err := e.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: review task %d: %w", taskID, err)
	}

	if t.Assignee != "" {
		if err := e.updateAgentStats(ctx, t.Assignee, approved); err != nil {
			e.logger.Error("lifecycle: update agent stats after review failed", "agent", t.Assignee, "task", taskID, "error", err)
		}
	}

	action := "review_approve"
	if !approved {
		action = "review_reject"
	}
	e.log(ctx, taskID, action, actor, feedback)
	return t, nil
}

// Retry moves a failed or rejected task back to pending if it has retries
// remaining, incrementing retry_count; otherwise it reports a state
// conflict so the caller does not silently resurrect a task that has
// exhausted its retries.
func (e *Engine) Retry(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	t, err := e.mustGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusFailed && t.Status != task.StatusRejected {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, not failed or rejected", taskID, t.Status)
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d has exhausted its %d retries", taskID, t.MaxRetries)
	}

	t.Status = task.StatusPending
	t.RetryCount++
	t.Assignee = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.Result = ""
	if err := e.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: retry task %d: %w", taskID, err)
	}
	e.log(ctx, taskID, "retry", actor, fmt.Sprintf("retry_count=%d", t.RetryCount))
	return t, nil
}

// Cancel moves a task to cancelled from any non-terminal status, including
// rejected (which is retryable, not terminal).
func (e *Engine) Cancel(ctx context.Context, taskID int64, actor, reason string) (*task.Task, error) {
	t, err := e.mustGet(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, coordinaterr.Newf(coordinaterr.CodeStateConflict, "task %d is %s, cannot be cancelled", taskID, t.Status)
	}

	t.Status = task.StatusCancelled
	t.Feedback = reason
	if err := e.tasks.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("lifecycle: cancel task %d: %w", taskID, err)
	}
	e.log(ctx, taskID, "cancel", actor, reason)
	return t, nil
}

func (e *Engine) mustGet(ctx context.Context, taskID int64) (*task.Task, error) {
	t, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: get task %d: %w", taskID, err)
	}
	if t == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "task %d not found", taskID)
	}
	return t, nil
}

func (e *Engine) log(ctx context.Context, taskID int64, action, actor, detail string) {
	if err := e.tasks.AppendLog(ctx, &task.Log{TaskID: taskID, Action: action, Actor: actor, Detail: detail}); err != nil {
		e.logger.Error("lifecycle: append task log failed", "task", taskID, "action", action, "error", err)
	}
}

// updateAgentStats applies the Laplace-smoothed success rate update:
// (completed+1)/(total+1) on success, completed/(total+1) on failure,
// computed after the counters are incremented. A brand new agent therefore
// shows 100% after a first approval and 0% after a first rejection.
func (e *Engine) updateAgentStats(ctx context.Context, agentName string, success bool) error {
	a, err := e.agents.Get(ctx, agentName)
	if err != nil {
		return fmt.Errorf("get agent %q: %w", agentName, err)
	}
	if a == nil {
		return nil
	}

	a.TotalTasks++
	if success {
		a.CompletedTasks++
		a.SuccessRate = float64(a.CompletedTasks+1) / float64(a.TotalTasks+1)
	} else {
		a.FailedTasks++
		a.SuccessRate = float64(a.CompletedTasks) / float64(a.TotalTasks+1)
	}
	a.CurrentTaskID = nil

	if err := e.agents.Update(ctx, a); err != nil {
		return fmt.Errorf("update agent %q: %w", agentName, err)
	}
	return nil
}
