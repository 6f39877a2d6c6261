package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RunKind string

const (
	RunDisable  RunKind = "disable"
	RunBudget   RunKind = "budget"
	RunScaling  RunKind = "scaling"
	RunAnalysis RunKind = "analysis"
)

func ParseRunKind(s string) (RunKind, error) {
	switch k := RunKind(s); k {
	case RunDisable, RunBudget, RunScaling, RunAnalysis:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRunKind, s)
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

const MaxTaskErrors = 50

// Task tracks one background run.
type Task struct {
	ID          primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	UserID      string                 `bson:"user_id" json:"user_id"`
	Kind        RunKind                `bson:"kind" json:"kind"`
	ConfigID    string                 `bson:"config_id,omitempty" json:"config_id,omitempty"`
	Status      TaskStatus             `bson:"status" json:"status"`
	DryRun      bool                   `bson:"dry_run" json:"dry_run"`
	Total       int                    `bson:"total" json:"total"`
	Completed   int                    `bson:"completed" json:"completed"`
	Successful  int                    `bson:"successful" json:"successful"`
	Failed      int                    `bson:"failed" json:"failed"`
	CurrentStep string                 `bson:"current_step,omitempty" json:"current_step,omitempty"`
	Errors      []string               `bson:"errors,omitempty" json:"errors,omitempty"`
	Result      map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
	CreatedAt   time.Time              `bson:"created_at" json:"created_at"`
	StartedAt   *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	FinishedAt  *time.Time             `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	UpdatedAt   time.Time              `bson:"updated_at" json:"updated_at"`
}

// TaskProgress is an incremental update applied to a running task.
type TaskProgress struct {
	Total       *int
	Completed   int
	Successful  int
	Failed      int
	CurrentStep string
	Errors      []string
}

// FinalStatus decides how a run that was not cancelled ends: it fails only
// when work was attempted and nothing succeeded.
func FinalStatus(attempted, successful int) TaskStatus {
	if attempted > 0 && successful == 0 {
		return TaskFailed
	}
	return TaskCompleted
}
