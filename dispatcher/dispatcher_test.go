package dispatcher

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/taskcoord/coordinator/coordinaterr"
	"github.com/taskcoord/coordinator/store"
	"github.com/taskcoord/coordinator/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-dispatch-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDispatcher_Available_ExcludesUnsatisfiedDependencies(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent := &task.Task{ProjectID: 1, Title: "parent", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, parent); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child := &task.Task{ProjectID: 1, Title: "child", TaskType: task.TypeAnalysis, Dependencies: []int64{parent.ID}}
	if err := st.Tasks().Create(ctx, child); err != nil {
		t.Fatalf("create child: %v", err)
	}
	free := &task.Task{ProjectID: 1, Title: "free", TaskType: task.TypeReview}
	if err := st.Tasks().Create(ctx, free); err != nil {
		t.Fatalf("create free: %v", err)
	}

	d := New(st.DB(), 3)
	available, err := d.Available(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("Available: got %d tasks, want 2 (parent + free)", len(available))
	}

	parent.Status = task.StatusCompleted
	completedAt := parent.CreatedAt
	parent.CompletedAt = &completedAt
	if err := st.Tasks().Update(ctx, parent); err != nil {
		t.Fatalf("complete parent: %v", err)
	}

	available, err = d.Available(ctx, 1, 0)
	if err != nil {
		t.Fatalf("Available after parent completed: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("Available after parent completed: got %d, want 2 (child + free)", len(available))
	}
}

func TestDispatcher_AvailableForAgent_SkillFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Tasks().Create(ctx, &task.Task{ProjectID: 1, Title: "t1", TaskType: task.TypeVideo, TaskTags: []string{"Video"}}); err != nil {
		t.Fatalf("create t1: %v", err)
	}
	if err := st.Tasks().Create(ctx, &task.Task{ProjectID: 1, Title: "t2", TaskType: task.TypeCopywrite, TaskTags: []string{"copywrite"}}); err != nil {
		t.Fatalf("create t2: %v", err)
	}

	d := New(st.DB(), 3)
	got, err := d.AvailableForAgent(ctx, 1, []string{"video"}, 0)
	if err != nil {
		t.Fatalf("AvailableForAgent: %v", err)
	}
	if len(got) != 1 || got[0].Title != "t1" {
		t.Fatalf("AvailableForAgent: got %+v, want [t1] (case-folded skill match)", got)
	}
}

func TestDispatcher_Claim_Success(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := New(st.DB(), 3)
	claimed, err := d.Claim(ctx, tsk.ID, "agent-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != task.StatusAssigned || claimed.Assignee != "agent-1" {
		t.Fatalf("Claim: got %+v, want status=assigned assignee=agent-1", claimed)
	}
}

func TestDispatcher_Claim_AlreadyClaimed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := New(st.DB(), 3)
	if _, err := d.Claim(ctx, tsk.ID, "agent-1"); err != nil {
		t.Fatalf("first Claim: %v", err)
	}
	if _, err := d.Claim(ctx, tsk.ID, "agent-2"); !coordinaterr.IsClaimUnavailable(err) {
		t.Fatalf("second Claim: got %v, want claim_unavailable", err)
	}
}

func TestDispatcher_Claim_ConcurrencyCap(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
		if err := st.Tasks().Create(ctx, tsk); err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, tsk.ID)
	}

	d := New(st.DB(), 2)
	if _, err := d.Claim(ctx, ids[0], "agent-1"); err != nil {
		t.Fatalf("Claim 1: %v", err)
	}
	if _, err := d.Claim(ctx, ids[1], "agent-1"); err != nil {
		t.Fatalf("Claim 2: %v", err)
	}
	if _, err := d.Claim(ctx, ids[2], "agent-1"); !coordinaterr.IsClaimUnavailable(err) {
		t.Fatalf("Claim 3: got %v, want claim_unavailable (at cap)", err)
	}
}

func TestDispatcher_Claim_ConcurrencyCap_CountsReviewingTasks(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	reviewing := &task.Task{ProjectID: 1, Title: "in review", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, reviewing); err != nil {
		t.Fatalf("create reviewing: %v", err)
	}
	reviewing.Status = task.StatusReviewing
	reviewing.Assignee = "agent-1"
	if err := st.Tasks().Update(ctx, reviewing); err != nil {
		t.Fatalf("update to reviewing: %v", err)
	}

	pending := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, pending); err != nil {
		t.Fatalf("create pending: %v", err)
	}

	// Cap of 1: the agent already has one task in reviewing, which must
	// count against the cap just like assigned/running.
	d := New(st.DB(), 1)
	if _, err := d.Claim(ctx, pending.ID, "agent-1"); !coordinaterr.IsClaimUnavailable(err) {
		t.Fatalf("Claim while at cap via a reviewing task: got %v, want claim_unavailable", err)
	}
}

func TestDispatcher_Claim_ConcurrentCallersRaceToExactlyOneWinner(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := New(st.DB(), 10)
	const callers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			agentName := "agent-" + string(rune('a'+n))
			if _, err := d.Claim(ctx, tsk.ID, agentName); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("concurrent Claim: got %d winners, want exactly 1", wins)
	}
}

func TestDispatcher_Release(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := New(st.DB(), 3)
	if _, err := d.Claim(ctx, tsk.ID, "agent-1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := d.Release(ctx, tsk.ID); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := st.Tasks().Get(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusPending || got.Assignee != "" {
		t.Fatalf("Get after release: got %+v, want pending/unassigned", got)
	}
}

func TestDispatcher_Release_NotHeld(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tsk := &task.Task{ProjectID: 1, Title: "t", TaskType: task.TypeResearch}
	if err := st.Tasks().Create(ctx, tsk); err != nil {
		t.Fatalf("create: %v", err)
	}

	d := New(st.DB(), 3)
	if err := d.Release(ctx, tsk.ID); !coordinaterr.IsStateConflict(err) {
		t.Fatalf("Release: got %v, want state_conflict", err)
	}
}
