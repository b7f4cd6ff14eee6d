package store

import (
	"context"
	"os"
	"testing"

	"github.com/taskcoord/coordinator/project"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Accessors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Projects().List(ctx, project.Filter{}); err != nil {
		t.Fatalf("Projects().List: %v", err)
	}
	if s.DB() == nil {
		t.Fatal("DB() returned nil")
	}
}
