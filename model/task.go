package model

import "time"

// Batch action constants.
const (
	BatchActionApprove = "approve"
	BatchActionReject  = "reject"
)

// Task is a live engine task as reported by the engine adapter.
type Task struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Assignee      string     `json:"assignee,omitempty"`
	DefinitionKey string     `json:"definition_key"`
	ExecutionID   string     `json:"execution_id,omitempty"`
	InstanceID    string     `json:"instance_id"`
	CreatedAt     time.Time  `json:"created_at"`
	DueDate       *time.Time `json:"due_date,omitempty"`
}

// HistoricTask is a finished engine task from the engine's history store.
type HistoricTask struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Assignee      string     `json:"assignee,omitempty"`
	DefinitionKey string     `json:"definition_key"`
	InstanceID    string     `json:"instance_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Comment       string     `json:"comment,omitempty"`
}

// TaskView is a task enriched with instance data from the local mirror,
// used by pending/handled listings.
type TaskView struct {
	TaskID        string     `json:"task_id"`
	TaskName      string     `json:"task_name"`
	NodeKey       string     `json:"node_key,omitempty"`
	InstanceID    string     `json:"instance_id,omitempty"`
	BusinessType  string     `json:"business_type,omitempty"`
	BusinessID    string     `json:"business_id,omitempty"`
	Title         string     `json:"title,omitempty"`
	ApplicantID   string     `json:"applicant_id,omitempty"`
	ApplicantName string     `json:"applicant_name,omitempty"`
	Status        string     `json:"status,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	HandledAt     *time.Time `json:"handled_at,omitempty"`
}

// Page describes a page request for listings. Number is 1-based.
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

// Normalize clamps a page request to sane bounds.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 || p.Size > 200 {
		p.Size = 20
	}
	return p
}

// Offset returns the zero-based offset of the first row on the page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// TaskPage is one page of enriched task rows plus the total count.
type TaskPage struct {
	Items []TaskView `json:"items"`
	Total int        `json:"total"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
}

// BatchItem is one entry of a batch approve/reject request.
type BatchItem struct {
	TaskID  string `json:"task_id"`
	Action  string `json:"action"`
	Comment string `json:"comment,omitempty"`
}

// BatchItemError records why one batch item failed. Row is the 1-based
// position of the item in the submitted batch.
type BatchItemError struct {
	Row      int    `json:"row"`
	RecordID string `json:"record_id"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Value    string `json:"value,omitempty"`
}

// BatchResult aggregates the outcome of a batch operation. It is returned
// to the caller and never persisted.
type BatchResult struct {
	Total        int              `json:"total"`
	SuccessCount int              `json:"success_count"`
	FailureCount int              `json:"failure_count"`
	SuccessIDs   []string         `json:"success_ids"`
	FailureIDs   []string         `json:"failure_ids"`
	Errors       []BatchItemError `json:"errors,omitempty"`
}

// AddSuccess records a succeeded item.
func (r *BatchResult) AddSuccess(id string) {
	r.SuccessCount++
	r.SuccessIDs = append(r.SuccessIDs, id)
}

// AddFailure records a failed item with its error detail.
func (r *BatchResult) AddFailure(row int, id, field, message, value string) {
	r.FailureCount++
	r.FailureIDs = append(r.FailureIDs, id)
	r.Errors = append(r.Errors, BatchItemError{
		Row:      row,
		RecordID: id,
		Field:    field,
		Message:  message,
		Value:    value,
	})
}
