// Package workflow keeps the local mirror of approval instances and
// nodes consistent with the external engine, and exposes the approve,
// reject, return, and listing operations over it.
package workflow

import (
	"context"

	"github.com/openclaims/approvald/model"
)

// InstanceStore persists workflow instances. Implementations enforce
// uniqueness of (business_type, business_id) among non-terminal
// instances: Create fails with CONFLICT when a live duplicate exists.
// Update uses optimistic locking on Version and fails with CONFLICT on
// a stale write.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)
	GetInstanceByEngineID(ctx context.Context, engineInstanceID string) (model.WorkflowInstance, error)

	// FindLiveByBusiness returns the non-terminal instance for a
	// business record, or NOT_FOUND.
	FindLiveByBusiness(ctx context.Context, businessType, businessID string) (model.WorkflowInstance, error)

	UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error

	// DeleteInstance removes an instance row and its nodes. Used only to
	// compensate a failed engine start; committed instances are never
	// deleted.
	DeleteInstance(ctx context.Context, id string) error

	ListInstancesByApplicant(ctx context.Context, applicantID string, page model.Page) ([]model.WorkflowInstance, int, error)

	// ListRunningInstances returns up to limit RUNNING instances, oldest
	// first. Used by the reconciliation sweep.
	ListRunningInstances(ctx context.Context, limit int) ([]model.WorkflowInstance, error)
}

// NodeStore persists the approval nodes of instances. Node IDs are
// assigned by the store and increase monotonically, so ordering by ID
// orders nodes by creation. TaskID lookup is the hot path: every
// approve/reject/return arrives keyed by engine task ID.
type NodeStore interface {
	// CreateNode inserts a node and returns it with the assigned ID.
	CreateNode(ctx context.Context, node model.WorkflowNode) (model.WorkflowNode, error)

	GetNode(ctx context.Context, id int64) (model.WorkflowNode, error)

	// FindNodeByTaskID returns the node mirroring an engine task, or
	// NOT_FOUND.
	FindNodeByTaskID(ctx context.Context, taskID string) (model.WorkflowNode, error)

	// FindNodesByInstance returns every node of an instance ordered by
	// ascending ID.
	FindNodesByInstance(ctx context.Context, instanceID string) ([]model.WorkflowNode, error)

	UpdateNode(ctx context.Context, node model.WorkflowNode) error
}

// Store bundles both mirrors plus a connectivity probe.
type Store interface {
	InstanceStore
	NodeStore
	HealthCheck(ctx context.Context) error
}
