// Package engine is the boundary to the external workflow engine. The
// engine executes the formal process graph; this package only starts
// instances, moves task/activity state, and reads history. Every call is
// blocking I/O and may fail with ENGINE_UNAVAILABLE.
package engine

import (
	"context"

	"github.com/openclaims/approvald/model"
)

// Client is the set of engine operations this service consumes.
type Client interface {
	// StartInstance starts a process instance and returns the engine's
	// instance ID. Fails with NOT_FOUND if no deployed definition
	// matches processKey, ENGINE_UNAVAILABLE on infrastructure errors.
	StartInstance(ctx context.Context, processKey, businessKey string, variables map[string]any) (string, error)

	// GetCurrentTask returns the instance's current open task, or nil
	// when the process has ended.
	GetCurrentTask(ctx context.Context, instanceID string) (*model.Task, error)

	// AddComment attaches a comment to a task.
	AddComment(ctx context.Context, taskID, instanceID, text string) error

	// CompleteTask completes an open task, letting the process advance.
	CompleteTask(ctx context.Context, taskID string) error

	// TerminateInstance deletes a running instance with a reason.
	TerminateInstance(ctx context.Context, instanceID, reason string) error

	// MoveToActivity moves the instance's execution from one activity
	// to another (used by return-to-step).
	MoveToActivity(ctx context.Context, instanceID, fromActivityKey, toActivityKey string) error

	// SuspendInstance pauses a running instance.
	SuspendInstance(ctx context.Context, instanceID string) error

	// ActivateInstance resumes a suspended instance.
	ActivateInstance(ctx context.Context, instanceID string) error

	// QueryTasksForUser returns open tasks where the user is assignee or
	// candidate, paged.
	QueryTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.Task, error)

	// CountTasksForUser returns the number of open tasks for a user.
	CountTasksForUser(ctx context.Context, userID string) (int, error)

	// QueryFinishedTasksForUser returns finished historic tasks for an
	// assignee, paged, most recent first.
	QueryFinishedTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.HistoricTask, error)

	// GetHistory returns the historic tasks of one instance with
	// comments, timing, and assignee.
	GetHistory(ctx context.Context, instanceID string) ([]model.HistoricTask, error)

	// GetProcessDefinitions returns the deployed definitions for a
	// process key, all versions.
	GetProcessDefinitions(ctx context.Context, processKey string) ([]ProcessDefinition, error)
}

// ProcessDefinition describes one deployed version of a process template.
type ProcessDefinition struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Version  int    `json:"version"`
	Deployed bool   `json:"deployed"`
}
