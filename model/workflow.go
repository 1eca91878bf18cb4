package model

import "time"

// Workflow instance status constants.
const (
	InstanceStatusCreated    = "CREATED"
	InstanceStatusRunning    = "RUNNING"
	InstanceStatusCompleted  = "COMPLETED"
	InstanceStatusRejected   = "REJECTED"
	InstanceStatusSuspended  = "SUSPENDED"
	InstanceStatusTerminated = "TERMINATED"
)

// Workflow node status constants. IN_PROGRESS is a display-only sub-state
// of PENDING; progress calculations treat it as pending.
const (
	NodeStatusPending    = "PENDING"
	NodeStatusInProgress = "IN_PROGRESS"
	NodeStatusCompleted  = "COMPLETED"
	NodeStatusRejected   = "REJECTED"
	NodeStatusReturned   = "RETURNED"
)

// instanceTransitions is the legal status graph for instances. SUSPENDED
// is a side branch reachable only from RUNNING.
var instanceTransitions = map[string][]string{
	InstanceStatusCreated:   {InstanceStatusRunning},
	InstanceStatusRunning:   {InstanceStatusCompleted, InstanceStatusRejected, InstanceStatusTerminated, InstanceStatusSuspended},
	InstanceStatusSuspended: {InstanceStatusRunning},
}

// CanTransitionInstance reports whether an instance may move from one
// status to another.
func CanTransitionInstance(from, to string) bool {
	for _, s := range instanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalInstanceStatus reports whether the status ends the instance
// lifecycle.
func IsTerminalInstanceStatus(status string) bool {
	switch status {
	case InstanceStatusCompleted, InstanceStatusRejected, InstanceStatusTerminated:
		return true
	}
	return false
}

// IsTerminalNodeStatus reports whether a node has been acted on and can no
// longer accept approve/reject/return operations.
func IsTerminalNodeStatus(status string) bool {
	switch status {
	case NodeStatusCompleted, NodeStatusRejected, NodeStatusReturned:
		return true
	}
	return false
}

// WorkflowInstance is one running or completed approval case, mirroring
// the external engine's process instance. EngineInstanceID is empty until
// the engine confirms instance creation; the CREATED row reserves the
// (business_type, business_id) uniqueness slot before the engine call.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	EngineInstanceID string         `json:"engine_instance_id,omitempty"`
	BusinessType     string         `json:"business_type"`
	BusinessID       string         `json:"business_id"`
	Title            string         `json:"title"`
	Status           string         `json:"status"`
	ApplicantID      string         `json:"applicant_id"`
	ApplicantName    string         `json:"applicant_name"`
	CurrentNodeName  string         `json:"current_node_name,omitempty"`
	CurrentAssignee  string         `json:"current_assignee,omitempty"`
	Variables        map[string]any `json:"variables,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	EndedAt          *time.Time     `json:"ended_at,omitempty"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// WorkflowNode is one approval step within an instance, mirroring an
// engine task. The internal ID is monotonically increasing within the
// store, so the earlier nodes of an instance are the ones with smaller
// IDs. TaskID is unique across the store while the task is open;
// completed nodes stay behind as immutable history.
type WorkflowNode struct {
	ID           int64      `json:"id"`
	InstanceID   string     `json:"instance_id"`
	TaskID       string     `json:"task_id"`
	NodeKey      string     `json:"node_key"`
	NodeName     string     `json:"node_name"`
	Status       string     `json:"status"`
	AssigneeID   string     `json:"assignee_id"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	DelegateID   string     `json:"delegate_id,omitempty"`
	DelegateName string     `json:"delegate_name,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	IsReturned   bool       `json:"is_returned"`
	ExecutionID  string     `json:"execution_id,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ReturnableNode describes an already-approved node that a running
// approval can be sent back to.
type ReturnableNode struct {
	NodeID       int64      `json:"node_id"`
	NodeKey      string     `json:"node_key"`
	NodeName     string     `json:"node_name"`
	AssigneeID   string     `json:"assignee_id"`
	AssigneeName string     `json:"assignee_name,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
}
