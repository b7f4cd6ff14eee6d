// Package control runs the coordinator's background sweeps: marking
// unresponsive agents offline, reclaiming tasks stuck past their timeout,
// purging expired idempotency records, and compacting soft-deleted rows.
// All loops share the context passed to Run; each waits in a select over a
// ticker and ctx.Done() rather than a bare time.Sleep, so shutdown is
// immediate instead of waiting out the current interval.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskcoord/coordinator/agent"
	"github.com/taskcoord/coordinator/store"
	"github.com/taskcoord/coordinator/task"
)

// Config holds the tunables for every sweep, all independently configurable
// since each targets a different failure mode on a different timescale.
type Config struct {
	HeartbeatOfflineThreshold time.Duration
	HeartbeatSweepInterval    time.Duration
	StuckSweepInterval        time.Duration
	DefaultTaskTimeout        time.Duration
	IdempotencyGCInterval     time.Duration
	SoftDeleteRetention       time.Duration
	SoftDeleteSweepInterval   time.Duration
}

// Loops owns the goroutines for all background sweeps.
type Loops struct {
	cfg    Config
	tasks  task.Store
	agents agent.Store
	store  *store.Store
	logger *slog.Logger
}

// New builds a Loops over the given stores. store is needed directly (not
// just through the task/agent interfaces) for the idempotency table, which
// has no standalone domain package of its own.
func New(cfg Config, tasks task.Store, agents agent.Store, st *store.Store, logger *slog.Logger) *Loops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loops{cfg: cfg, tasks: tasks, agents: agents, store: st, logger: logger}
}

// Run starts all four sweeps and blocks until ctx is cancelled.
func (l *Loops) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []func(context.Context){
		l.heartbeatSweep,
		l.stuckSweep,
		l.idempotencyGC,
		l.softDeleteCompaction,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(loop)
	}
	wg.Wait()
}

// heartbeatSweep marks agents offline once their last heartbeat is older
// than the offline threshold. It deliberately does not touch any task the
// agent is holding: flipping an agent offline and reclaiming its task in
// the same sweep would let a briefly-slow heartbeat bounce a task back into
// the pool and immediately re-claim-race it, which is what the stuck-task
// sweep (on its own, longer timescale) exists to handle instead.
func (l *Loops) heartbeatSweep(ctx context.Context) {
	interval := l.cfg.HeartbeatSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sweepOfflineAgents(ctx); err != nil {
				l.logger.Error("control: heartbeat sweep failed", "error", err)
			}
		}
	}
}

func (l *Loops) sweepOfflineAgents(ctx context.Context) error {
	threshold := l.cfg.HeartbeatOfflineThreshold
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}

	agents, err := l.agents.List(ctx, agent.Filter{})
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}

	cutoff := time.Now().UTC().Add(-threshold)
	for _, a := range agents {
		if a.Status == agent.StatusOffline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			a.Status = agent.StatusOffline
			if err := l.agents.Update(ctx, a); err != nil {
				l.logger.Error("control: mark agent offline failed", "agent", a.Name, "error", err)
			}
		}
	}
	return nil
}

// stuckSweep reclaims running tasks that have been running past their
// effective timeout. Unlike the original system's sweep, which released a
// timed-out task back to pending unconditionally, this increments
// retry_count on every reclaim and terminally fails the task once
// max_retries is exhausted, so a task whose agent keeps dying mid-run
// cannot loop forever.
func (l *Loops) stuckSweep(ctx context.Context) {
	interval := l.cfg.StuckSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sweepStuckTasks(ctx); err != nil {
				l.logger.Error("control: stuck sweep failed", "error", err)
			}
		}
	}
}

func (l *Loops) sweepStuckTasks(ctx context.Context) error {
	defaultTimeout := l.cfg.DefaultTaskTimeout
	if defaultTimeout <= 0 {
		defaultTimeout = 120 * time.Minute
	}

	running, err := l.tasks.List(ctx, task.Filter{Status: task.StatusRunning})
	if err != nil {
		return fmt.Errorf("list running tasks: %w", err)
	}

	now := time.Now().UTC()
	for _, t := range running {
		if t.StartedAt == nil {
			continue
		}
		timeout := defaultTimeout
		if t.TimeoutMinutes != nil {
			timeout = time.Duration(*t.TimeoutMinutes) * time.Minute
		} else if d, err := l.tasks.GetTypeDefaults(ctx, t.TaskType); err == nil && d != nil {
			timeout = time.Duration(d.DefaultTimeoutMinutes) * time.Minute
		}
		if now.Sub(*t.StartedAt) < timeout {
			continue
		}

		if t.RetryCount < t.MaxRetries {
			t.Status = task.StatusPending
			t.RetryCount++
			t.Assignee = ""
			t.AssignedAt = nil
			t.StartedAt = nil
			if err := l.tasks.Update(ctx, t); err != nil {
				l.logger.Error("control: requeue stuck task failed", "task", t.ID, "error", err)
				continue
			}
			l.appendLog(ctx, t.ID, "stuck_requeue", fmt.Sprintf("retry_count=%d", t.RetryCount))
		} else {
			t.Status = task.StatusFailed
			t.CompletedAt = &now
			t.Feedback = "exceeded timeout with no retries remaining"
			if err := l.tasks.Update(ctx, t); err != nil {
				l.logger.Error("control: fail stuck task failed", "task", t.ID, "error", err)
				continue
			}
			l.appendLog(ctx, t.ID, "stuck_failed", "retries exhausted")
		}
	}
	return nil
}

func (l *Loops) appendLog(ctx context.Context, taskID int64, action, detail string) {
	if err := l.tasks.AppendLog(ctx, &task.Log{TaskID: taskID, Action: action, Actor: "control", Detail: detail}); err != nil {
		l.logger.Error("control: append task log failed", "task", taskID, "action", action, "error", err)
	}
}

// idempotencyGC purges expired idempotency keys in batches. This is the
// only place expired keys are ever removed — the lookup path never purges,
// to avoid racing a concurrent writer inserting under the same key.
func (l *Loops) idempotencyGC(ctx context.Context) {
	interval := l.cfg.IdempotencyGCInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.store.Idempotency().PurgeExpired(ctx, 500)
			if err != nil {
				l.logger.Error("control: idempotency gc failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Info("control: idempotency gc purged keys", "count", n)
			}
		}
	}
}

// softDeleteCompaction hard-deletes rows that have been soft-deleted longer
// than the retention window, across projects, tasks, and agents.
func (l *Loops) softDeleteCompaction(ctx context.Context) {
	interval := l.cfg.SoftDeleteSweepInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.compactSoftDeleted(ctx); err != nil {
				l.logger.Error("control: soft delete compaction failed", "error", err)
			}
		}
	}
}

func (l *Loops) compactSoftDeleted(ctx context.Context) error {
	retention := l.cfg.SoftDeleteRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339Nano)

	for _, table := range []string{"projects", "tasks", "agents"} {
		res, err := l.store.DB().ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < ?`, table), cutoff)
		if err != nil {
			return fmt.Errorf("compact %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			l.logger.Info("control: compacted soft-deleted rows", "table", table, "count", n)
		}
	}
	return nil
}
