package store

import (
	"context"
	"testing"

	"github.com/taskcoord/coordinator/agent"
)

func TestAgentStore_UpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &agent.Agent{Name: "agent-1", Role: agent.RoleDeveloper, Skills: []string{"go", "sql"}}
	if err := s.Agents().Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if a.SuccessRate != 1 {
		t.Errorf("SuccessRate = %v, want 1 for a brand new agent", a.SuccessRate)
	}

	got, err := s.Agents().Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Role != agent.RoleDeveloper {
		t.Fatalf("got %+v, want role=developer", got)
	}

	a.Role = agent.RoleReviewer
	if err := s.Agents().Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert (conflict update): %v", err)
	}
	got, err = s.Agents().Get(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Get after re-upsert: %v", err)
	}
	if got.Role != agent.RoleReviewer {
		t.Errorf("Role = %q, want reviewer after re-upsert", got.Role)
	}
}

func TestAgentStore_List_BySkill(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, a := range []*agent.Agent{
		{Name: "a1", Role: agent.RoleDeveloper, Skills: []string{"go"}},
		{Name: "a2", Role: agent.RoleDesigner, Skills: []string{"figma"}},
	} {
		if err := s.Agents().Upsert(ctx, a); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	got, err := s.Agents().List(ctx, agent.Filter{Skill: "go"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a1" {
		t.Errorf("List by skill go: got %+v, want [a1]", got)
	}
}

func TestAgentStore_SoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &agent.Agent{Name: "a1", Role: agent.RoleTester}
	if err := s.Agents().Upsert(ctx, a); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Agents().SoftDelete(ctx, "a1"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	got, err := s.Agents().List(ctx, agent.Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("List after soft delete: got %d, want 0", len(got))
	}

	// Re-registering clears deleted_at.
	if err := s.Agents().Upsert(ctx, &agent.Agent{Name: "a1", Role: agent.RoleTester}); err != nil {
		t.Fatalf("Upsert re-register: %v", err)
	}
	got, err = s.Agents().List(ctx, agent.Filter{})
	if err != nil {
		t.Fatalf("List after re-register: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("List after re-register: got %d, want 1", len(got))
	}
}

func TestAgentStore_ChannelBindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Agents().Upsert(ctx, &agent.Agent{Name: "a1", Role: agent.RoleCoordinator}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.Agents().BindChannel(ctx, &agent.Channel{AgentName: "a1", ChannelID: "chan-1"}); err != nil {
		t.Fatalf("BindChannel: %v", err)
	}
	// Binding the same pair twice must not error (ON CONFLICT DO NOTHING).
	if err := s.Agents().BindChannel(ctx, &agent.Channel{AgentName: "a1", ChannelID: "chan-1"}); err != nil {
		t.Fatalf("BindChannel (duplicate): %v", err)
	}

	channels, err := s.Agents().ChannelsForAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("ChannelsForAgent: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("ChannelsForAgent: got %d, want 1", len(channels))
	}

	agents, err := s.Agents().AgentsForChannel(ctx, "chan-1")
	if err != nil {
		t.Fatalf("AgentsForChannel: %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "a1" {
		t.Fatalf("AgentsForChannel: got %+v, want [a1]", agents)
	}

	if err := s.Agents().UnbindChannel(ctx, "a1", "chan-1"); err != nil {
		t.Fatalf("UnbindChannel: %v", err)
	}
	channels, err = s.Agents().ChannelsForAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("ChannelsForAgent after unbind: %v", err)
	}
	if len(channels) != 0 {
		t.Errorf("ChannelsForAgent after unbind: got %d, want 0", len(channels))
	}
}
