package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openclaims/approvald/model"
)

// FakeEngine is an in-memory Client for testing. Each started instance
// consumes a scripted queue of tasks: completing the current task
// surfaces the next one, and an empty queue means the process has
// ended. Per-operation failure switches simulate engine outages.
type FakeEngine struct {
	mu sync.Mutex

	nextInstance int
	nextTask     int

	instances map[string]*fakeInstance
	defs      map[string][]ProcessDefinition
	scripts   map[string][]model.Task

	// Failure switches. When set, the matching operation returns the
	// error once set (not one-shot).
	FailStart     error
	FailGetTask   error
	FailComplete  error
	FailComment   error
	FailTerminate error
	FailMove      error
	FailQuery     error

	// StartDelay simulates a slow engine on StartInstance.
	StartDelay time.Duration

	// Recorded calls, in order.
	Comments     []CommentCall
	Completed    []string
	Terminated   []TerminateCall
	Moves        []MoveCall
	StartedCount int
}

type fakeInstance struct {
	id        string
	key       string
	business  string
	variables map[string]any
	queue     []model.Task
	suspended bool
	ended     bool
	finished  []model.HistoricTask
}

// CommentCall records one AddComment invocation.
type CommentCall struct {
	TaskID     string
	InstanceID string
	Text       string
}

// TerminateCall records one TerminateInstance invocation.
type TerminateCall struct {
	InstanceID string
	Reason     string
}

// MoveCall records one MoveToActivity invocation.
type MoveCall struct {
	InstanceID string
	From       string
	To         string
}

// NewFakeEngine creates an empty fake with every process key deployed on
// demand.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		instances: make(map[string]*fakeInstance),
		defs:      make(map[string][]ProcessDefinition),
	}
}

// Script sets the task queue that instances started for processKey will
// walk through. Each entry needs at least a Name and Assignee; IDs are
// assigned at start time.
func (f *FakeEngine) Script(processKey string, tasks ...model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scripts == nil {
		f.scripts = make(map[string][]model.Task)
	}
	f.scripts[processKey] = tasks
}

// SetDefinitions overrides the definitions returned for a process key.
func (f *FakeEngine) SetDefinitions(processKey string, defs ...ProcessDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs[processKey] = defs
}

// StartInstance starts a scripted instance.
func (f *FakeEngine) StartInstance(ctx context.Context, processKey, businessKey string, variables map[string]any) (string, error) {
	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return "", model.NewEngineUnavailableError("engine request timed out: start_instance")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailStart != nil {
		return "", f.FailStart
	}

	f.nextInstance++
	f.StartedCount++
	id := fmt.Sprintf("engine-inst-%d", f.nextInstance)

	inst := &fakeInstance{
		id:        id,
		key:       processKey,
		business:  businessKey,
		variables: variables,
	}
	for _, tmpl := range f.scripts[processKey] {
		f.nextTask++
		t := tmpl
		t.ID = fmt.Sprintf("task-%d", f.nextTask)
		t.InstanceID = id
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		inst.queue = append(inst.queue, t)
	}
	inst.ended = len(inst.queue) == 0
	f.instances[id] = inst
	return id, nil
}

var _ Client = (*FakeEngine)(nil)

func (f *FakeEngine) GetCurrentTask(ctx context.Context, instanceID string) (*model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailGetTask != nil {
		return nil, f.FailGetTask
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, model.NewNotFoundError("engine resource not found for get_current_task")
	}
	if inst.ended || len(inst.queue) == 0 {
		return nil, nil
	}
	t := inst.queue[0]
	return &t, nil
}

func (f *FakeEngine) AddComment(ctx context.Context, taskID, instanceID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailComment != nil {
		return f.FailComment
	}
	f.Comments = append(f.Comments, CommentCall{TaskID: taskID, InstanceID: instanceID, Text: text})
	return nil
}

func (f *FakeEngine) CompleteTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailComplete != nil {
		return f.FailComplete
	}
	for _, inst := range f.instances {
		if len(inst.queue) > 0 && inst.queue[0].ID == taskID {
			done := inst.queue[0]
			now := time.Now()
			inst.finished = append(inst.finished, model.HistoricTask{
				ID:            done.ID,
				Name:          done.Name,
				Assignee:      done.Assignee,
				DefinitionKey: done.DefinitionKey,
				InstanceID:    inst.id,
				StartedAt:     done.CreatedAt,
				EndedAt:       &now,
			})
			inst.queue = inst.queue[1:]
			if len(inst.queue) == 0 {
				inst.ended = true
			}
			f.Completed = append(f.Completed, taskID)
			return nil
		}
	}
	return model.NewNotFoundError("engine resource not found for complete_task")
}

func (f *FakeEngine) TerminateInstance(ctx context.Context, instanceID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailTerminate != nil {
		return f.FailTerminate
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return model.NewNotFoundError("engine resource not found for terminate_instance")
	}
	inst.queue = nil
	inst.ended = true
	f.Terminated = append(f.Terminated, TerminateCall{InstanceID: instanceID, Reason: reason})
	return nil
}

func (f *FakeEngine) MoveToActivity(ctx context.Context, instanceID, fromActivityKey, toActivityKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailMove != nil {
		return f.FailMove
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return model.NewNotFoundError("engine resource not found for move_to_activity")
	}
	f.Moves = append(f.Moves, MoveCall{InstanceID: instanceID, From: fromActivityKey, To: toActivityKey})

	// Rewind the queue to the target activity. The reopened task takes its
	// name and assignee from the script when the activity was scripted.
	f.nextTask++
	reopened := model.Task{
		ID:            fmt.Sprintf("task-%d", f.nextTask),
		Name:          toActivityKey,
		DefinitionKey: toActivityKey,
		InstanceID:    inst.id,
		CreatedAt:     time.Now(),
	}
	for _, scripted := range f.scripts[inst.key] {
		if scripted.DefinitionKey == toActivityKey {
			reopened.Name = scripted.Name
			reopened.Assignee = scripted.Assignee
			break
		}
	}
	inst.queue = append([]model.Task{reopened}, inst.queue...)
	inst.ended = false
	return nil
}

func (f *FakeEngine) SuspendInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return model.NewNotFoundError("engine resource not found for suspend_instance")
	}
	inst.suspended = true
	return nil
}

func (f *FakeEngine) ActivateInstance(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return model.NewNotFoundError("engine resource not found for activate_instance")
	}
	inst.suspended = false
	return nil
}

func (f *FakeEngine) QueryTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	var tasks []model.Task
	for _, inst := range f.instances {
		if len(inst.queue) > 0 && inst.queue[0].Assignee == userID {
			tasks = append(tasks, inst.queue[0])
		}
	}
	return pageSlice(tasks, page), nil
}

func (f *FakeEngine) CountTasksForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return 0, f.FailQuery
	}
	count := 0
	for _, inst := range f.instances {
		if len(inst.queue) > 0 && inst.queue[0].Assignee == userID {
			count++
		}
	}
	return count, nil
}

func (f *FakeEngine) QueryFinishedTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.HistoricTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	var tasks []model.HistoricTask
	for _, inst := range f.instances {
		for _, ht := range inst.finished {
			if ht.Assignee == userID {
				tasks = append(tasks, ht)
			}
		}
	}
	return pageSlice(tasks, page), nil
}

func (f *FakeEngine) GetHistory(ctx context.Context, instanceID string) ([]model.HistoricTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailQuery != nil {
		return nil, f.FailQuery
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, model.NewNotFoundError("engine resource not found for get_history")
	}
	out := make([]model.HistoricTask, len(inst.finished))
	copy(out, inst.finished)
	return out, nil
}

func (f *FakeEngine) GetProcessDefinitions(ctx context.Context, processKey string) ([]ProcessDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if defs, ok := f.defs[processKey]; ok {
		return defs, nil
	}
	return []ProcessDefinition{{ID: processKey + ":1", Key: processKey, Version: 1, Deployed: true}}, nil
}

// Suspended reports the suspension flag of an instance.
func (f *FakeEngine) Suspended(instanceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	return ok && inst.suspended
}

func pageSlice[T any](items []T, page model.Page) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return nil
	}
	end := start + page.Size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
