// Package task defines the Task entity and its lifecycle vocabulary: the
// unit of work a dispatcher hands to an agent and the state machine that
// governs it from creation through a terminal outcome.
package task

import (
	"context"
	"time"
)

// Status is a task's position in its lifecycle state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusReviewing Status = "reviewing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether the status has no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type is a closed vocabulary of task kinds. ValidType matches it exactly
// (case-sensitively); no case normalization is applied.
type Type string

const (
	TypeResearch     Type = "research"
	TypeCopywrite    Type = "copywrite"
	TypeVideo        Type = "video"
	TypeReview       Type = "review"
	TypePublish      Type = "publish"
	TypeAnalysis     Type = "analysis"
	TypeDesign       Type = "design"
	TypeDevelopment  Type = "development"
	TypeTesting      Type = "testing"
	TypeDeployment   Type = "deployment"
	TypeCoordination Type = "coordination"
)

// ValidType reports whether t is one of the closed set of known task types.
func ValidType(t Type) bool {
	switch t {
	case TypeResearch, TypeCopywrite, TypeVideo, TypeReview, TypePublish,
		TypeAnalysis, TypeDesign, TypeDevelopment, TypeTesting, TypeDeployment,
		TypeCoordination:
		return true
	default:
		return false
	}
}

// Priority ranges from 1 (lowest) to 10 (highest); callers that omit it get
// the default of 5.
type Priority int

const DefaultPriority Priority = 5

// Task is a unit of work dispatched to at most one agent at a time.
type Task struct {
	ID                 int64
	ProjectID          int64
	Title              string
	Description        string
	TaskType           Type
	Status             Status
	Priority           Priority
	Assignee           string
	ReviewerID         string
	ReviewerMention    string
	AcceptanceCriteria string
	ParentTaskID       *int64
	Dependencies       []int64
	TaskTags           []string
	EstimatedHours     float64
	TimeoutMinutes     *int
	RetryCount         int
	MaxRetries         int
	Result             string
	Feedback           string
	CreatedBy          string
	CreatedAt          time.Time
	AssignedAt         *time.Time
	StartedAt          *time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	DueAt              *time.Time
	DeletedAt          *time.Time
}

// Log is an append-only audit entry recorded against a task on every
// lifecycle transition.
type Log struct {
	ID        int64
	TaskID    int64
	Action    string
	Actor     string
	Detail    string
	CreatedAt time.Time
}

// TypeDefaults holds per-task-type overrides, e.g. a longer default timeout
// for video tasks than for copywrite ones.
type TypeDefaults struct {
	TaskType              Type
	DefaultTimeoutMinutes int
	DefaultMaxRetries     int
}

// Filter narrows List results. Zero values are treated as "don't filter".
type Filter struct {
	ProjectID      int64
	Status         Status
	Assignee       string
	ParentTaskID   *int64
	TaskTags       []string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// Store is the persistence contract for tasks and their audit logs.
// Implementations must be safe for concurrent use; the claim operation in
// particular must be atomic under concurrent callers (see the dispatcher
// package).
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id int64) (*Task, error)
	Update(ctx context.Context, t *Task) error
	List(ctx context.Context, f Filter) ([]*Task, error)
	SoftDelete(ctx context.Context, id int64) error
	Restore(ctx context.Context, id int64) error
	HardDelete(ctx context.Context, id int64) error

	AppendLog(ctx context.Context, l *Log) error
	ListLogs(ctx context.Context, taskID int64) ([]*Log, error)

	GetTypeDefaults(ctx context.Context, t Type) (*TypeDefaults, error)
	SetTypeDefaults(ctx context.Context, d *TypeDefaults) error
}
