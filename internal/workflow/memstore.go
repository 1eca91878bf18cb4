package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openclaims/approvald/model"
)

// MemoryStore is an in-memory Store for testing. It mirrors PgStore
// semantics: live-business uniqueness on CreateInstance, task-ID lookup,
// monotonic node IDs, and optimistic locking with CONFLICT on stale
// versions.
type MemoryStore struct {
	mu         sync.Mutex
	instances  map[string]model.WorkflowInstance
	nodes      map[int64]model.WorkflowNode
	nextNodeID int64
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]model.WorkflowInstance),
		nodes:     make(map[int64]model.WorkflowNode),
	}
}

// CreateInstance inserts an instance, enforcing live-business
// uniqueness.
func (s *MemoryStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	for _, existing := range s.instances {
		if existing.BusinessType == inst.BusinessType &&
			existing.BusinessID == inst.BusinessID &&
			!model.IsTerminalInstanceStatus(existing.Status) {
			return model.NewConflictError(fmt.Sprintf(
				"a workflow is already in progress for %s/%s", inst.BusinessType, inst.BusinessID,
			))
		}
	}
	s.instances[inst.ID] = inst
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *MemoryStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return inst, nil
}

// GetInstanceByEngineID retrieves an instance by its engine instance ID.
func (s *MemoryStore) GetInstanceByEngineID(ctx context.Context, engineInstanceID string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.EngineInstanceID == engineInstanceID {
			return inst, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no workflow instance for engine instance %q", engineInstanceID),
	)
}

// FindLiveByBusiness returns the non-terminal instance for a business
// record.
func (s *MemoryStore) FindLiveByBusiness(ctx context.Context, businessType, businessID string) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.BusinessType == businessType &&
			inst.BusinessID == businessID &&
			!model.IsTerminalInstanceStatus(inst.Status) {
			return inst, nil
		}
	}
	return model.WorkflowInstance{}, model.NewNotFoundError(
		fmt.Sprintf("no live workflow for %s/%s", businessType, businessID),
	)
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *MemoryStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.instances[inst.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	inst.Version++
	inst.UpdatedAt = time.Now().UTC()
	s.instances[inst.ID] = inst
	return nil
}

// DeleteInstance removes an instance and its nodes.
func (s *MemoryStore) DeleteInstance(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instances, id)
	for nodeID, node := range s.nodes {
		if node.InstanceID == id {
			delete(s.nodes, nodeID)
		}
	}
	return nil
}

// ListInstancesByApplicant returns an applicant's instances, most recent
// first.
func (s *MemoryStore) ListInstancesByApplicant(ctx context.Context, applicantID string, page model.Page) ([]model.WorkflowInstance, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.ApplicantID == applicantID {
			all = append(all, inst)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	page = page.Normalize()
	start := page.Offset()
	if start >= total {
		return nil, total, nil
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ListRunningInstances returns up to limit RUNNING instances, oldest
// first.
func (s *MemoryStore) ListRunningInstances(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var running []model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == model.InstanceStatusRunning {
			running = append(running, inst)
		}
	}
	sort.Slice(running, func(i, j int) bool {
		return running[i].UpdatedAt.Before(running[j].UpdatedAt)
	})
	if len(running) > limit {
		running = running[:limit]
	}
	return running, nil
}

// CreateNode inserts a node and returns it with the assigned ID.
func (s *MemoryStore) CreateNode(ctx context.Context, node model.WorkflowNode) (model.WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.TaskID != "" {
		for _, existing := range s.nodes {
			if existing.TaskID == node.TaskID && !model.IsTerminalNodeStatus(existing.Status) {
				return model.WorkflowNode{}, model.NewConflictError(
					fmt.Sprintf("a node for task %q already exists", node.TaskID),
				)
			}
		}
	}
	s.nextNodeID++
	node.ID = s.nextNodeID
	s.nodes[node.ID] = node
	return node, nil
}

// GetNode retrieves a node by ID.
func (s *MemoryStore) GetNode(ctx context.Context, id int64) (model.WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[id]
	if !ok {
		return model.WorkflowNode{}, model.NewNotFoundError(fmt.Sprintf("workflow node %d not found", id))
	}
	return node, nil
}

// FindNodeByTaskID returns the newest node mirroring an engine task.
func (s *MemoryStore) FindNodeByTaskID(ctx context.Context, taskID string) (model.WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found model.WorkflowNode
	ok := false
	for _, node := range s.nodes {
		if node.TaskID == taskID && (!ok || node.ID > found.ID) {
			found = node
			ok = true
		}
	}
	if !ok {
		return model.WorkflowNode{}, model.NewNotFoundError(fmt.Sprintf("no workflow node for task %q", taskID))
	}
	return found, nil
}

// FindNodesByInstance returns every node of an instance ordered by
// ascending ID.
func (s *MemoryStore) FindNodesByInstance(ctx context.Context, instanceID string) ([]model.WorkflowNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nodes []model.WorkflowNode
	for _, node := range s.nodes {
		if node.InstanceID == instanceID {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// UpdateNode persists an updated node with optimistic locking.
func (s *MemoryStore) UpdateNode(ctx context.Context, node model.WorkflowNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.nodes[node.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow node %d not found", node.ID))
	}
	if existing.Version != node.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow node %d version conflict (expected %d)", node.ID, node.Version),
		)
	}
	node.Version++
	node.UpdatedAt = time.Now().UTC()
	s.nodes[node.ID] = node
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}
