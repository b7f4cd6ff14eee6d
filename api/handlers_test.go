package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/taskcoord/coordinator/config"
	"github.com/taskcoord/coordinator/coordinator"
)

func newTestHandlers(t *testing.T, maxRequests int) *Handlers {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-api-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	cfg := config.DefaultConfig()
	cfg.Store.Path = path
	cfg.RateLimit.MaxRequests = maxRequests

	coord, err := coordinator.Open(cfg, nil)
	if err != nil {
		t.Fatalf("coordinator.Open: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	return &Handlers{Coordinator: coord, Events: NewHub(nil)}
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateProject_SecondCallOverLimitIsRateLimited(t *testing.T) {
	h := newTestHandlers(t, 1)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	first := postJSON(t, mux, "/api/projects", map[string]string{"name": "p1"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first createProject: got %d, want 201 (body %s)", first.Code, first.Body.String())
	}

	second := postJSON(t, mux, "/api/projects", map[string]string{"name": "p2"})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second createProject: got %d, want 429 (body %s)", second.Code, second.Body.String())
	}
}

func TestCreateTask_UnkeyedCallersShareOneWindow(t *testing.T) {
	h := newTestHandlers(t, 1)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	created := postJSON(t, mux, "/api/projects", map[string]string{"name": "proj"})
	if created.Code != http.StatusCreated {
		t.Fatalf("createProject: got %d, want 201", created.Code)
	}

	taskResp := postJSON(t, mux, "/api/tasks", map[string]any{
		"project_id": 1, "title": "t", "task_type": "research",
	})
	if taskResp.Code != http.StatusTooManyRequests {
		// createProject and createTask carry no actor, so both are keyed on
		// the request's remote address, which httptest sets to the same
		// value for every request: createProject already used up that
		// window under a max_requests of 1, so createTask is limited too.
		t.Fatalf("createTask: got %d, want 429 (unkeyed callers share one window)", taskResp.Code)
	}
}

func TestClaimTask_DistinctActorsHaveIndependentWindows(t *testing.T) {
	h := newTestHandlers(t, 1)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	claimA := postJSON(t, mux, "/api/tasks/1/claim", map[string]string{"actor": "agent-a"})
	if claimA.Code == http.StatusTooManyRequests {
		t.Fatalf("first claim from agent-a was rate limited unexpectedly")
	}
	claimB := postJSON(t, mux, "/api/tasks/1/claim", map[string]string{"actor": "agent-b"})
	if claimB.Code == http.StatusTooManyRequests {
		t.Fatalf("first claim from agent-b was rate limited unexpectedly (separate window from agent-a)")
	}
	claimA2 := postJSON(t, mux, "/api/tasks/1/claim", map[string]string{"actor": "agent-a"})
	if claimA2.Code != http.StatusTooManyRequests {
		t.Fatalf("second claim from agent-a: got %d, want 429 (over its own window)", claimA2.Code)
	}
}
