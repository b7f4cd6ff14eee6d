// Package agent defines the Agent entity: a worker identity that claims and
// executes tasks, tracked for availability and historical performance.
package agent

import (
	"context"
	"time"
)

// Status is an agent's availability as seen by the dispatcher.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusBusy    Status = "busy"
)

// Role is a closed vocabulary of agent roles. ValidRole matches it exactly
// (case-sensitively); no case normalization is applied.
type Role string

const (
	RoleResearch       Role = "research"
	RoleCopywrite      Role = "copywrite"
	RoleVideo          Role = "video"
	RoleCoordinator    Role = "coordinator"
	RoleReviewer       Role = "reviewer"
	RoleDeveloper      Role = "developer"
	RoleDesigner       Role = "designer"
	RoleTester         Role = "tester"
	RoleProjectManager Role = "project_manager"
)

// ValidRole reports whether r is one of the closed set of known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleResearch, RoleCopywrite, RoleVideo, RoleCoordinator, RoleReviewer,
		RoleDeveloper, RoleDesigner, RoleTester, RoleProjectManager:
		return true
	default:
		return false
	}
}

// Agent is a worker identity known to the coordinator.
type Agent struct {
	Name           string
	DiscordUserID  string
	Role           Role
	Status         Status
	Capabilities   []string
	Skills         []string
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	SuccessRate    float64
	CurrentTaskID  *int64
	LastHeartbeat  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Channel binds an agent to an opaque external channel identifier (a chat
// channel, a mailbox, a webhook target — the coordinator does not interpret
// it beyond storing and returning it).
type Channel struct {
	AgentName string
	ChannelID string
	CreatedAt time.Time
}

// Filter narrows List results. Zero values are treated as "don't filter".
type Filter struct {
	Status         Status
	Skill          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store is the persistence contract for agents and their channel bindings.
// Implementations must be safe for concurrent use.
type Store interface {
	Upsert(ctx context.Context, a *Agent) error
	Get(ctx context.Context, name string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
	List(ctx context.Context, f Filter) ([]*Agent, error)
	SoftDelete(ctx context.Context, name string) error

	BindChannel(ctx context.Context, c *Channel) error
	UnbindChannel(ctx context.Context, agentName, channelID string) error
	ChannelsForAgent(ctx context.Context, agentName string) ([]*Channel, error)
	AgentsForChannel(ctx context.Context, channelID string) ([]*Agent, error)
}
