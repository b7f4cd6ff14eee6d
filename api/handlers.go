// Package api is the thin HTTP surface over the coordinator facade: it
// decodes requests, calls into coordinator.Coordinator, and encodes
// responses. Authentication, CORS, and request validation belong to the
// transport layer that embeds this package, not to the handlers
// themselves — the coordinator treats caller identity as given.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/taskcoord/coordinator/agent"
	"github.com/taskcoord/coordinator/coordinaterr"
	"github.com/taskcoord/coordinator/coordinator"
	"github.com/taskcoord/coordinator/internal/version"
	"github.com/taskcoord/coordinator/project"
	"github.com/taskcoord/coordinator/task"
)

// Handlers bundles the coordinator facade and an event Hub for routing.
type Handlers struct {
	Coordinator *coordinator.Coordinator
	Events      *Hub
	Logger      *slog.Logger
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)
	mux.HandleFunc("GET /api/projects/{id}/progress", h.projectProgress)
	mux.HandleFunc("GET /api/projects/{id}/tasks", h.projectTasks)
	mux.HandleFunc("POST /api/projects/{id}/breakdown", h.breakdownProject)
	mux.HandleFunc("DELETE /api/projects/{id}", h.deleteProject)
	mux.HandleFunc("POST /api/projects/{id}/restore", h.restoreProject)

	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("GET /api/tasks/available", h.tasksAvailable)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("GET /api/tasks/{id}/logs", h.taskLogs)
	mux.HandleFunc("POST /api/tasks/{id}/claim", h.claimTask)
	mux.HandleFunc("POST /api/tasks/{id}/start", h.startTask)
	mux.HandleFunc("POST /api/tasks/{id}/submit", h.submitTask)
	mux.HandleFunc("POST /api/tasks/{id}/release", h.releaseTask)
	mux.HandleFunc("POST /api/tasks/{id}/review", h.reviewTask)
	mux.HandleFunc("POST /api/tasks/{id}/retry", h.retryTask)
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/restore", h.restoreTask)

	mux.HandleFunc("POST /api/agents", h.registerAgent)
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("GET /api/agents/{name}", h.getAgent)
	mux.HandleFunc("POST /api/agents/{name}/heartbeat", h.heartbeat)
	mux.HandleFunc("DELETE /api/agents/{name}", h.unregisterAgent)
	mux.HandleFunc("GET /api/agents/{name}/tasks/available", h.tasksAvailableForAgent)
	mux.HandleFunc("GET /api/agents/{name}/channels", h.agentChannels)

	mux.HandleFunc("POST /api/channels/{id}/agents/{name}", h.registerAgentChannel)
	mux.HandleFunc("DELETE /api/channels/{id}/agents/{name}", h.unregisterAgentChannel)
	mux.HandleFunc("GET /api/channels/{id}/agents", h.channelAgents)

	mux.HandleFunc("GET /api/dashboard", h.dashboard)
	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
	mux.HandleFunc("GET /api/events", h.Events.ServeSSE)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var ce *coordinaterr.Error
	if errors.As(err, &ce) {
		switch ce.Code {
		case coordinaterr.CodeValidation, coordinaterr.CodeDependencyInvalid:
			status = http.StatusBadRequest
		case coordinaterr.CodeForbidden:
			status = http.StatusForbidden
		case coordinaterr.CodeNotFound:
			status = http.StatusNotFound
		case coordinaterr.CodeStateConflict, coordinaterr.CodeClaimUnavailable, coordinaterr.CodeCapExceeded:
			status = http.StatusConflict
		case coordinaterr.CodeRateLimited:
			status = http.StatusTooManyRequests
		case coordinaterr.CodeTransient:
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.PathValue(name), 10, 64)
}

// rateLimited checks caller against the coordinator's per-caller fixed
// window before a mutating operation runs, writing a 429 and reporting true
// if the caller is over quota. caller falls back to the remote address for
// requests that don't carry an actor/agent identity of their own.
func (h *Handlers) rateLimited(w http.ResponseWriter, r *http.Request, caller string) bool {
	if caller == "" {
		caller = r.RemoteAddr
	}
	if !h.Coordinator.AllowCaller(caller) {
		writeError(w, coordinaterr.Newf(coordinaterr.CodeRateLimited, "caller %q exceeded the rate limit", caller))
		return true
	}
	return false
}

// --- Projects ---

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	var p project.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if err := h.Coordinator.CreateProject(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Coordinator.ListProjects(r.Context(), project.Filter{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	p, err := h.Coordinator.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) projectProgress(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	progress, err := h.Coordinator.ProjectProgress(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (h *Handlers) projectTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	tasks, err := h.Coordinator.ListTasks(r.Context(), task.Filter{ProjectID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) breakdownProject(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	var drafts []coordinator.TaskDraft
	if err := json.NewDecoder(r.Body).Decode(&drafts); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	created, err := h.Coordinator.BreakdownProject(r.Context(), id, drafts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) deleteProject(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	if err := h.Coordinator.SoftDeleteProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) restoreProject(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid project id", err))
		return
	}
	if err := h.Coordinator.RestoreProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks ---

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	var t task.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if err := h.Coordinator.CreateTask(r.Context(), &t); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.Filter{Assignee: q.Get("assignee")}
	if s := q.Get("status"); s != "" {
		f.Status = task.Status(s)
	}
	if p := q.Get("project_id"); p != "" {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			f.ProjectID = n
		}
	}
	tasks, err := h.Coordinator.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) tasksAvailable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var projectID int64
	if p := q.Get("project_id"); p != "" {
		projectID, _ = strconv.ParseInt(p, 10, 64)
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	tasks, err := h.Coordinator.TasksAvailable(r.Context(), projectID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) tasksAvailableForAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()
	var projectID int64
	if p := q.Get("project_id"); p != "" {
		projectID, _ = strconv.ParseInt(p, 10, 64)
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	tasks, err := h.Coordinator.TasksAvailableForAgent(r.Context(), projectID, name, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	t, err := h.Coordinator.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) taskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	logs, err := h.Coordinator.TaskLogs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

type actorRequest struct {
	Actor          string `json:"actor"`
	IdempotencyKey string `json:"idempotency_key"`
	Result         string `json:"result"`
	Approved       bool   `json:"approved"`
	Feedback       string `json:"feedback"`
	Reason         string `json:"reason"`
}

func (h *Handlers) claimTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.ClaimTask(r.Context(), id, req.Actor, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.claimed", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) startTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.StartTask(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.started", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.SubmitTask(r.Context(), id, req.Actor, req.Result, req.IdempotencyKey)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.submitted", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) releaseTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.ReleaseTask(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.released", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) reviewTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.ReviewTask(r.Context(), id, req.Actor, req.Approved, req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.reviewed", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) retryTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.RetryTask(r.Context(), id, req.Actor)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.retried", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	var req actorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, req.Actor) {
		return
	}
	t, err := h.Coordinator.CancelTask(r.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Events.Broadcast(Event{Type: "task.cancelled", Payload: t})
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	if err := h.Coordinator.SoftDeleteTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) restoreTask(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, "") {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid task id", err))
		return
	}
	if err := h.Coordinator.RestoreTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agents ---

func (h *Handlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a agent.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, a.Name) {
		return
	}
	if err := h.Coordinator.RegisterAgent(r.Context(), &a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := agent.Filter{Skill: q.Get("skill")}
	if s := q.Get("status"); s != "" {
		f.Status = agent.Status(s)
	}
	agents, err := h.Coordinator.ListAgents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Coordinator.GetAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentTaskID *int64 `json:"current_task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		writeError(w, coordinaterr.Wrap(coordinaterr.CodeValidation, "invalid request body", err))
		return
	}
	if h.rateLimited(w, r, r.PathValue("name")) {
		return
	}
	if err := h.Coordinator.Heartbeat(r.Context(), r.PathValue("name"), req.CurrentTaskID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, r.PathValue("name")) {
		return
	}
	if err := h.Coordinator.UnregisterAgent(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) agentChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.Coordinator.ChannelsForAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (h *Handlers) registerAgentChannel(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, r.PathValue("name")) {
		return
	}
	if err := h.Coordinator.RegisterAgentChannel(r.Context(), r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) unregisterAgentChannel(w http.ResponseWriter, r *http.Request) {
	if h.rateLimited(w, r, r.PathValue("name")) {
		return
	}
	if err := h.Coordinator.UnregisterAgentChannel(r.Context(), r.PathValue("name"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) channelAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Coordinator.AgentsForChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// --- Status / dashboard ---

func (h *Handlers) dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Coordinator.DashboardStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.Version, "commit": version.Commit})
}
