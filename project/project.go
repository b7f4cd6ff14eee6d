// Package project defines the Project entity: the top-level grouping that
// tasks and agent channel bindings hang off of.
package project

import (
	"context"
	"time"
)

// Status is the lifecycle state of a project. Unlike Task, a project has no
// dispatcher or dependency graph riding on it, so the set is intentionally
// small.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Project groups related tasks, typically one per external collaboration
// surface (a channel, a repo, a client engagement).
type Project struct {
	ID              int64
	Name            string
	ExternalChannel string
	Description     string
	Status          Status
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// Progress summarizes task completion for a project.
type Progress struct {
	ProjectID      int64
	TotalTasks     int
	CompletedTasks int
	FailedTasks    int
	PendingTasks   int
	PercentDone    float64
}

// Filter narrows List results. Zero values are treated as "don't filter".
type Filter struct {
	Status         Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store is the persistence contract for projects. Implementations must be
// safe for concurrent use.
type Store interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id int64) (*Project, error)
	Update(ctx context.Context, p *Project) error
	List(ctx context.Context, f Filter) ([]*Project, error)
	SoftDelete(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error
}
