package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/taskcoord/coordinator/store"
)

// newTestDB returns a real temp-file SQLite pool, since Guard.Do now begins
// a genuine transaction against it — a fake DB handle won't do, unlike the
// backend below, which never needs real transactional semantics.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-idempotency-*.db")
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
	return s.DB()
}

// memBackend fakes TxBackend with an in-memory map. It ignores the tx it is
// handed — as a fake it has no real transactional semantics to honor — which
// is fine for these tests, since they only care about Do's replay behavior,
// not about the backend's own atomicity (that is exercised against the real
// store.IdempotencyStore in the coordinator and store packages' tests).
type memBackend struct {
	mu    sync.Mutex
	store map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{store: make(map[string]string)}
}

func (m *memBackend) Lookup(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.store[key]
	return v, ok, nil
}

func (m *memBackend) PutTx(_ context.Context, _ *sql.Tx, key, _, response string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.store[key]; exists {
		return nil
	}
	m.store[key] = response
	return nil
}

type claimResult struct {
	TaskID int64  `json:"task_id"`
	Status string `json:"status"`
}

func TestDo_CacheMiss_RunsAndStores(t *testing.T) {
	g := New(newTestDB(t), newMemBackend(), time.Hour)
	calls := 0

	got, err := Do(context.Background(), g, "key-1", "claim_task", func(tx *sql.Tx) (claimResult, error) {
		calls++
		if tx == nil {
			t.Fatal("fn received a nil tx")
		}
		return claimResult{TaskID: 1, Status: "assigned"}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if got.TaskID != 1 || got.Status != "assigned" {
		t.Fatalf("got %+v, want {1 assigned}", got)
	}
}

func TestDo_CacheHit_ReplaysWithoutCallingFn(t *testing.T) {
	g := New(newTestDB(t), newMemBackend(), time.Hour)
	calls := 0

	fn := func(tx *sql.Tx) (claimResult, error) {
		calls++
		return claimResult{TaskID: int64(calls), Status: "assigned"}, nil
	}

	first, err := Do(context.Background(), g, "key-1", "claim_task", fn)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	second, err := Do(context.Background(), g, "key-1", "claim_task", fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (second call should replay cached result)", calls)
	}
	if second.TaskID != first.TaskID {
		t.Fatalf("second result %+v does not match replayed first result %+v", second, first)
	}
}

func TestDo_EmptyKeyDisablesGuard(t *testing.T) {
	g := New(newTestDB(t), newMemBackend(), time.Hour)
	calls := 0

	fn := func(tx *sql.Tx) (claimResult, error) {
		calls++
		return claimResult{TaskID: int64(calls)}, nil
	}

	if _, err := Do(context.Background(), g, "", "claim_task", fn); err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if _, err := Do(context.Background(), g, "", "claim_task", fn); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (empty key must not be cached)", calls)
	}
}

func TestDo_FnErrorIsNotCached(t *testing.T) {
	g := New(newTestDB(t), newMemBackend(), time.Hour)
	calls := 0
	boom := errors.New("boom")

	fn := func(tx *sql.Tx) (claimResult, error) {
		calls++
		if calls == 1 {
			return claimResult{}, boom
		}
		return claimResult{TaskID: 2, Status: "assigned"}, nil
	}

	if _, err := Do(context.Background(), g, "key-1", "claim_task", fn); !errors.Is(err, boom) {
		t.Fatalf("first Do: got %v, want boom", err)
	}
	got, err := Do(context.Background(), g, "key-1", "claim_task", fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (a failed attempt must not be cached)", calls)
	}
	if got.TaskID != 2 {
		t.Fatalf("got %+v, want TaskID=2 from the retried call", got)
	}
}
