package store

import (
	"context"
	"testing"

	"github.com/taskcoord/coordinator/project"
)

func TestProjectStore_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &project.Project{Name: "Launch", ExternalChannel: "chan-1", Description: "ship it"}
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == 0 {
		t.Fatal("Create left ID unset")
	}
	if p.Status != project.StatusActive {
		t.Errorf("Status = %q, want %q", p.Status, project.StatusActive)
	}

	got, err := s.Projects().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil for existing project")
	}
	if got.Name != "Launch" {
		t.Errorf("Name = %q, want Launch", got.Name)
	}
}

func TestProjectStore_Get_Missing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Projects().Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get: got %+v, want nil", got)
	}
}

func TestProjectStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &project.Project{Name: "orig"}
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	p.Name = "renamed"
	p.Status = project.StatusPaused
	if err := s.Projects().Update(ctx, p); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Projects().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "renamed" || got.Status != project.StatusPaused {
		t.Errorf("got %+v, want name=renamed status=paused", got)
	}
}

func TestProjectStore_SoftDeleteAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &project.Project{Name: "temp"}
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.Projects().SoftDelete(ctx, p.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	list, err := s.Projects().List(ctx, project.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("List after soft delete: got %d, want 0", len(list))
	}

	withDeleted, err := s.Projects().List(ctx, project.Filter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("List IncludeDeleted: %v", err)
	}
	if len(withDeleted) != 1 {
		t.Errorf("List IncludeDeleted: got %d, want 1", len(withDeleted))
	}

	if err := s.Projects().Restore(ctx, p.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	list, err = s.Projects().List(ctx, project.Filter{})
	if err != nil {
		t.Fatalf("List after restore: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("List after restore: got %d, want 1", len(list))
	}
}

func TestProjectStore_HardDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &project.Project{Name: "gone"}
	if err := s.Projects().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Projects().HardDelete(ctx, p.ID); err != nil {
		t.Fatalf("HardDelete: %v", err)
	}
	got, err := s.Projects().Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get after hard delete: got %+v, want nil", got)
	}
}
