// Package coordinator is the top-level facade: it wires the store,
// dispatcher, lifecycle engine, dependency validator, idempotency guard,
// rate limiter, and background control loops together and exposes the
// operations a transport (the api package, a CLI, a test) calls into.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskcoord/coordinator/agent"
	"github.com/taskcoord/coordinator/config"
	"github.com/taskcoord/coordinator/control"
	"github.com/taskcoord/coordinator/coordinaterr"
	"github.com/taskcoord/coordinator/depcheck"
	"github.com/taskcoord/coordinator/dispatcher"
	"github.com/taskcoord/coordinator/idempotency"
	"github.com/taskcoord/coordinator/lifecycle"
	"github.com/taskcoord/coordinator/project"
	"github.com/taskcoord/coordinator/ratelimit"
	"github.com/taskcoord/coordinator/store"
	"github.com/taskcoord/coordinator/task"
)

// Coordinator is the single entry point for every operation the service
// supports. It holds no exported fields; callers drive it entirely through
// its methods.
type Coordinator struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	lifecycle  *lifecycle.Engine
	idempotent *idempotency.Guard
	limiter    *ratelimit.Limiter
	control    *control.Loops
	logger     *slog.Logger
}

// Open opens the store at cfg.Store.Path and wires every component over it.
// Callers still need to call Run to start the background sweeps.
func Open(cfg *config.Config, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}
	st.Configure(cfg.Store.CommandTimeout, cfg.Store.PoolMin, cfg.Store.PoolMax)

	c := &Coordinator{
		store:      st,
		dispatcher: dispatcher.New(st.DB(), cfg.Dispatcher.MaxConcurrentTasksPerAgent),
		lifecycle:  lifecycle.New(st.Tasks(), st.Agents(), logger),
		idempotent: idempotency.New(st.DB(), st.Idempotency(), cfg.Idempotency.TTL),
		limiter:    ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, cfg.RateLimit.MaxStoreSize),
		control: control.New(control.Config{
			HeartbeatOfflineThreshold: cfg.Agents.HeartbeatOfflineThreshold,
			HeartbeatSweepInterval:    cfg.Agents.HeartbeatSweepInterval,
			StuckSweepInterval:        cfg.Control.StuckSweepInterval,
			DefaultTaskTimeout:        time.Duration(cfg.TaskDefaults.DefaultTimeoutMinutes) * time.Minute,
			IdempotencyGCInterval:     cfg.Control.IdempotencyGCInterval,
			SoftDeleteRetention:       cfg.Control.SoftDeleteRetention,
			SoftDeleteSweepInterval:   cfg.Control.SoftDeleteSweepInterval,
		}, st.Tasks(), st.Agents(), st, logger),
		logger: logger,
	}
	return c, nil
}

// Run starts the background control loops and blocks until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	c.control.Run(ctx)
}

// Close releases the underlying database handle.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// AllowCaller reports whether caller (an agent name, an API key, whatever
// identity the transport resolved) is within its rate limit.
func (c *Coordinator) AllowCaller(caller string) bool {
	return c.limiter.Allow(caller)
}

// --- Projects ---

func (c *Coordinator) CreateProject(ctx context.Context, p *project.Project) error {
	if p.Name == "" {
		return coordinaterr.New(coordinaterr.CodeValidation, "project name is required")
	}
	return c.store.Projects().Create(ctx, p)
}

func (c *Coordinator) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	p, err := c.store.Projects().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get project %d: %w", id, err)
	}
	if p == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "project %d not found", id)
	}
	return p, nil
}

func (c *Coordinator) ListProjects(ctx context.Context, f project.Filter) ([]*project.Project, error) {
	return c.store.Projects().List(ctx, f)
}

func (c *Coordinator) SoftDeleteProject(ctx context.Context, id int64) error {
	return c.store.Projects().SoftDelete(ctx, id)
}

func (c *Coordinator) RestoreProject(ctx context.Context, id int64) error {
	return c.store.Projects().Restore(ctx, id)
}

func (c *Coordinator) HardDeleteProject(ctx context.Context, id int64) error {
	return c.store.Projects().HardDelete(ctx, id)
}

// ProjectProgress summarizes task counts and completion percentage for a
// project.
func (c *Coordinator) ProjectProgress(ctx context.Context, projectID int64) (*project.Progress, error) {
	tasks, err := c.store.Tasks().List(ctx, task.Filter{ProjectID: projectID})
	if err != nil {
		return nil, fmt.Errorf("coordinator: list tasks for progress: %w", err)
	}

	p := &project.Progress{ProjectID: projectID, TotalTasks: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case task.StatusCompleted:
			p.CompletedTasks++
		case task.StatusFailed:
			p.FailedTasks++
		case task.StatusPending:
			p.PendingTasks++
		}
	}
	if p.TotalTasks > 0 {
		p.PercentDone = float64(p.CompletedTasks) / float64(p.TotalTasks) * 100
	}
	return p, nil
}

// DashboardStats aggregates counts across all projects, tasks, and agents.
type DashboardStats struct {
	TotalProjects int
	TotalTasks    int
	TotalAgents   int
	TasksByStatus map[task.Status]int
}

func (c *Coordinator) DashboardStats(ctx context.Context) (*DashboardStats, error) {
	projects, err := c.store.Projects().List(ctx, project.Filter{})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dashboard stats: list projects: %w", err)
	}
	tasks, err := c.store.Tasks().List(ctx, task.Filter{})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dashboard stats: list tasks: %w", err)
	}
	agents, err := c.store.Agents().List(ctx, agent.Filter{})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dashboard stats: list agents: %w", err)
	}

	stats := &DashboardStats{
		TotalProjects: len(projects),
		TotalTasks:    len(tasks),
		TotalAgents:   len(agents),
		TasksByStatus: make(map[task.Status]int),
	}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
	}
	return stats, nil
}

// --- Tasks ---

// storeResolver adapts the task store to depcheck.Resolver.
type storeResolver struct {
	tasks task.Store
}

func (r storeResolver) DependenciesOf(ctx context.Context, taskID int64) ([]int64, error) {
	t, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "task %d does not exist", taskID)
	}
	return t.Dependencies, nil
}

func (c *Coordinator) CreateTask(ctx context.Context, t *task.Task) error {
	if t.Title == "" {
		return coordinaterr.New(coordinaterr.CodeValidation, "task title is required")
	}
	if t.TaskType == "" {
		return coordinaterr.New(coordinaterr.CodeValidation, "task type is required")
	}
	if !task.ValidType(t.TaskType) {
		return coordinaterr.Newf(coordinaterr.CodeValidation, "unknown task type %q", t.TaskType)
	}
	if t.Priority == 0 {
		t.Priority = task.DefaultPriority
	}

	if err := depcheck.ValidateNew(ctx, storeResolver{c.store.Tasks()}, 0, t.Dependencies); err != nil {
		return err
	}
	for _, depID := range t.Dependencies {
		dep, err := c.store.Tasks().Get(ctx, depID)
		if err != nil {
			return fmt.Errorf("coordinator: get dependency %d: %w", depID, err)
		}
		if dep != nil && dep.ProjectID != t.ProjectID {
			return coordinaterr.Newf(coordinaterr.CodeDependencyInvalid, "dependency %d belongs to project %d, not %d", depID, dep.ProjectID, t.ProjectID)
		}
	}

	if d, err := c.store.Tasks().GetTypeDefaults(ctx, t.TaskType); err == nil && d != nil {
		if t.TimeoutMinutes == nil {
			timeout := d.DefaultTimeoutMinutes
			t.TimeoutMinutes = &timeout
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = d.DefaultMaxRetries
		}
	}

	return c.store.Tasks().Create(ctx, t)
}

func (c *Coordinator) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	t, err := c.store.Tasks().Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get task %d: %w", id, err)
	}
	if t == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "task %d not found", id)
	}
	return t, nil
}

func (c *Coordinator) ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	return c.store.Tasks().List(ctx, f)
}

func (c *Coordinator) TaskLogs(ctx context.Context, taskID int64) ([]*task.Log, error) {
	return c.store.Tasks().ListLogs(ctx, taskID)
}

func (c *Coordinator) SoftDeleteTask(ctx context.Context, id int64) error {
	return c.store.Tasks().SoftDelete(ctx, id)
}

func (c *Coordinator) RestoreTask(ctx context.Context, id int64) error {
	return c.store.Tasks().Restore(ctx, id)
}

func (c *Coordinator) HardDeleteTask(ctx context.Context, id int64) error {
	return c.store.Tasks().HardDelete(ctx, id)
}

// TasksAvailable lists claimable tasks for any agent.
func (c *Coordinator) TasksAvailable(ctx context.Context, projectID int64, limit int) ([]*task.Task, error) {
	return c.dispatcher.Available(ctx, projectID, limit)
}

// TasksAvailableForAgent narrows TasksAvailable to tasks matching the
// agent's declared skills.
func (c *Coordinator) TasksAvailableForAgent(ctx context.Context, projectID int64, agentName string, limit int) ([]*task.Task, error) {
	a, err := c.store.Agents().Get(ctx, agentName)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get agent %q: %w", agentName, err)
	}
	if a == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "agent %q not found", agentName)
	}
	return c.dispatcher.AvailableForAgent(ctx, projectID, a.Skills, limit)
}

// ClaimTask atomically assigns taskID to agentName, guarded by
// idempotencyKey if non-empty. The claim, its audit log entry, the claiming
// agent's status bump, and (when idempotencyKey is set) the idempotency-key
// record all commit together in one transaction via idempotency.Do, so a
// crash partway through cannot leave a committed claim with no record of
// the key that guarded it.
func (c *Coordinator) ClaimTask(ctx context.Context, taskID int64, agentName, idempotencyKey string) (*task.Task, error) {
	return idempotency.Do(ctx, c.idempotent, idempotencyKey, "claim_task", func(tx *sql.Tx) (*task.Task, error) {
		claimed, err := c.dispatcher.ClaimTx(ctx, tx, taskID, agentName)
		if err != nil {
			return nil, err
		}
		if err := c.store.Tasks().AppendLogTx(ctx, tx, &task.Log{TaskID: taskID, Action: "claim", Actor: agentName}); err != nil {
			c.logger.Error("coordinator: append claim log failed", "task", taskID, "error", err)
		}
		if a, err := c.store.Agents().GetTx(ctx, tx, agentName); err == nil && a != nil {
			a.Status = agent.StatusBusy
			a.CurrentTaskID = &taskID
			if err := c.store.Agents().UpdateTx(ctx, tx, a); err != nil {
				c.logger.Error("coordinator: update agent after claim failed", "agent", agentName, "error", err)
			}
		}
		return claimed, nil
	})
}

func (c *Coordinator) StartTask(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	return c.lifecycle.Start(ctx, taskID, actor)
}

// SubmitTask transitions taskID from running to reviewing, guarded by
// idempotencyKey if non-empty. The transition and its idempotency-key
// record commit together in one transaction via idempotency.Do.
func (c *Coordinator) SubmitTask(ctx context.Context, taskID int64, actor, result, idempotencyKey string) (*task.Task, error) {
	return idempotency.Do(ctx, c.idempotent, idempotencyKey, "submit_task", func(tx *sql.Tx) (*task.Task, error) {
		return c.lifecycle.SubmitTx(ctx, tx, taskID, actor, result)
	})
}

func (c *Coordinator) ReleaseTask(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	t, err := c.lifecycle.Release(ctx, taskID, actor)
	if err != nil {
		return nil, err
	}
	if a, err := c.store.Agents().Get(ctx, actor); err == nil && a != nil {
		a.Status = agent.StatusOnline
		a.CurrentTaskID = nil
		if err := c.store.Agents().Update(ctx, a); err != nil {
			c.logger.Error("coordinator: update agent after release failed", "agent", actor, "error", err)
		}
	}
	return t, nil
}

func (c *Coordinator) ReviewTask(ctx context.Context, taskID int64, actor string, approved bool, feedback string) (*task.Task, error) {
	return c.lifecycle.Review(ctx, taskID, actor, approved, feedback)
}

func (c *Coordinator) RetryTask(ctx context.Context, taskID int64, actor string) (*task.Task, error) {
	return c.lifecycle.Retry(ctx, taskID, actor)
}

func (c *Coordinator) CancelTask(ctx context.Context, taskID int64, actor, reason string) (*task.Task, error) {
	return c.lifecycle.Cancel(ctx, taskID, actor, reason)
}

// BreakdownProject creates a batch of tasks belonging to projectID,
// validating the whole proposed dependency graph at once (via Kahn's
// algorithm over caller-chosen refs) before persisting any of them, so a
// cycle anywhere in the batch fails the entire breakdown instead of leaving
// a partially created project.
func (c *Coordinator) BreakdownProject(ctx context.Context, projectID int64, drafts []TaskDraft) ([]*task.Task, error) {
	edges := make([]depcheck.Edge, len(drafts))
	for i, d := range drafts {
		edges[i] = depcheck.Edge{TaskRef: d.Ref, DependsOn: d.DependsOnRefs}
	}
	if err := depcheck.ValidateBatch(edges); err != nil {
		return nil, err
	}

	refToID := make(map[string]int64, len(drafts))
	created := make([]*task.Task, 0, len(drafts))
	for _, d := range drafts {
		t := d.Task
		t.ProjectID = projectID
		for _, depRef := range d.DependsOnRefs {
			if id, ok := refToID[depRef]; ok {
				t.Dependencies = append(t.Dependencies, id)
			}
		}
		if err := c.store.Tasks().Create(ctx, &t); err != nil {
			return nil, fmt.Errorf("coordinator: breakdown project %d: create %q: %w", projectID, d.Ref, err)
		}
		refToID[d.Ref] = t.ID
		created = append(created, &t)
	}
	return created, nil
}

// TaskDraft is one task proposed within a BreakdownProject batch. Ref is a
// caller-chosen identifier (not a database id, since none exist yet) used
// to express dependency edges between drafts in the same batch.
type TaskDraft struct {
	Ref           string
	Task          task.Task
	DependsOnRefs []string
}

// --- Agents ---

func (c *Coordinator) RegisterAgent(ctx context.Context, a *agent.Agent) error {
	if a.Name == "" {
		return coordinaterr.New(coordinaterr.CodeValidation, "agent name is required")
	}
	if a.Role != "" && !agent.ValidRole(a.Role) {
		return coordinaterr.Newf(coordinaterr.CodeValidation, "unknown agent role %q", a.Role)
	}
	return c.store.Agents().Upsert(ctx, a)
}

func (c *Coordinator) Heartbeat(ctx context.Context, agentName string, currentTaskID *int64) error {
	a, err := c.store.Agents().Get(ctx, agentName)
	if err != nil {
		return fmt.Errorf("coordinator: heartbeat get agent %q: %w", agentName, err)
	}
	if a == nil {
		return coordinaterr.Newf(coordinaterr.CodeNotFound, "agent %q not found", agentName)
	}
	now := time.Now().UTC()
	a.LastHeartbeat = &now
	if a.Status == agent.StatusOffline {
		a.Status = agent.StatusOnline
	}
	if currentTaskID != nil {
		a.CurrentTaskID = currentTaskID
	}
	return c.store.Agents().Update(ctx, a)
}

func (c *Coordinator) GetAgent(ctx context.Context, name string) (*agent.Agent, error) {
	a, err := c.store.Agents().Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get agent %q: %w", name, err)
	}
	if a == nil {
		return nil, coordinaterr.Newf(coordinaterr.CodeNotFound, "agent %q not found", name)
	}
	return a, nil
}

func (c *Coordinator) ListAgents(ctx context.Context, f agent.Filter) ([]*agent.Agent, error) {
	return c.store.Agents().List(ctx, f)
}

func (c *Coordinator) UnregisterAgent(ctx context.Context, name string) error {
	return c.store.Agents().SoftDelete(ctx, name)
}

func (c *Coordinator) RegisterAgentChannel(ctx context.Context, agentName, channelID string) error {
	a, err := c.store.Agents().Get(ctx, agentName)
	if err != nil {
		return fmt.Errorf("coordinator: register channel: get agent %q: %w", agentName, err)
	}
	if a == nil {
		if err := c.store.Agents().Upsert(ctx, &agent.Agent{Name: agentName}); err != nil {
			return fmt.Errorf("coordinator: register channel: auto-create agent %q: %w", agentName, err)
		}
	}
	return c.store.Agents().BindChannel(ctx, &agent.Channel{AgentName: agentName, ChannelID: channelID})
}

func (c *Coordinator) UnregisterAgentChannel(ctx context.Context, agentName, channelID string) error {
	return c.store.Agents().UnbindChannel(ctx, agentName, channelID)
}

func (c *Coordinator) ChannelsForAgent(ctx context.Context, agentName string) ([]*agent.Channel, error) {
	return c.store.Agents().ChannelsForAgent(ctx, agentName)
}

func (c *Coordinator) AgentsForChannel(ctx context.Context, channelID string) ([]*agent.Agent, error) {
	return c.store.Agents().AgentsForChannel(ctx, channelID)
}

// SetTaskTypeDefaults configures the default timeout and retry budget
// applied to tasks of a given type that don't specify their own.
func (c *Coordinator) SetTaskTypeDefaults(ctx context.Context, d *task.TypeDefaults) error {
	return c.store.Tasks().SetTypeDefaults(ctx, d)
}
