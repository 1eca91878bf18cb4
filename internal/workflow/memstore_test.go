package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/openclaims/approvald/model"
)

func testInstance(id, businessID, status string) model.WorkflowInstance {
	now := time.Now().UTC()
	return model.WorkflowInstance{
		ID:           id,
		BusinessType: "expense_claim",
		BusinessID:   businessID,
		Status:       status,
		ApplicantID:  "emp-1",
		StartedAt:    now,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateInstanceEnforcesLiveUniqueness(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateInstance(ctx, testInstance("i1", "claim-1", model.InstanceStatusRunning)); err != nil {
		t.Fatalf("first create: %v", err)
	}

	err := s.CreateInstance(ctx, testInstance("i2", "claim-1", model.InstanceStatusCreated))
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("duplicate live create err = %v, want CONFLICT", err)
	}

	// A different business record is fine.
	if err := s.CreateInstance(ctx, testInstance("i3", "claim-2", model.InstanceStatusRunning)); err != nil {
		t.Fatalf("other business create: %v", err)
	}
}

func TestCreateInstanceAllowsNewAfterTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance("i1", "claim-1", model.InstanceStatusRunning)
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	inst.Status = model.InstanceStatusRejected
	if err := s.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.CreateInstance(ctx, testInstance("i2", "claim-1", model.InstanceStatusCreated)); err != nil {
		t.Fatalf("create after terminal: %v", err)
	}
}

func TestUpdateInstanceOptimisticLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance("i1", "claim-1", model.InstanceStatusRunning)
	if err := s.CreateInstance(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.UpdateInstance(ctx, inst); err != nil {
		t.Fatalf("first update: %v", err)
	}
	// Same stale version again loses the lock.
	err := s.UpdateInstance(ctx, inst)
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("stale update err = %v, want CONFLICT", err)
	}

	got, _ := s.GetInstance(ctx, "i1")
	if got.Version != 2 {
		t.Errorf("version = %d, want 2", got.Version)
	}
}

func TestNodeIDsAreMonotonic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	var last int64
	for i, taskID := range []string{"t1", "t2", "t3"} {
		node, err := s.CreateNode(ctx, model.WorkflowNode{
			InstanceID: "i1",
			TaskID:     taskID,
			Status:     model.NodeStatusPending,
			Version:    1,
		})
		if err != nil {
			t.Fatalf("create node %d: %v", i, err)
		}
		if node.ID <= last {
			t.Fatalf("node id %d not greater than previous %d", node.ID, last)
		}
		last = node.ID
	}

	nodes, err := s.FindNodesByInstance(ctx, "i1")
	if err != nil {
		t.Fatalf("FindNodesByInstance: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("nodes = %d, want 3", len(nodes))
	}
	for i := 1; i < len(nodes); i++ {
		if nodes[i].ID <= nodes[i-1].ID {
			t.Errorf("nodes not ordered by id: %v", nodes)
		}
	}
}

func TestCreateNodeRejectsDuplicateOpenTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateNode(ctx, model.WorkflowNode{InstanceID: "i1", TaskID: "t1", Status: model.NodeStatusPending, Version: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := s.CreateNode(ctx, model.WorkflowNode{InstanceID: "i1", TaskID: "t1", Status: model.NodeStatusPending, Version: 1})
	if !model.IsCode(err, model.ErrConflict) {
		t.Fatalf("duplicate task err = %v, want CONFLICT", err)
	}
}

func TestFindNodeByTaskID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.CreateNode(ctx, model.WorkflowNode{InstanceID: "i1", TaskID: "t1", NodeName: "Manager Approval", Status: model.NodeStatusPending, Version: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	node, err := s.FindNodeByTaskID(ctx, "t1")
	if err != nil {
		t.Fatalf("FindNodeByTaskID: %v", err)
	}
	if node.ID != created.ID || node.NodeName != "Manager Approval" {
		t.Errorf("node = %+v", node)
	}

	if _, err := s.FindNodeByTaskID(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("missing task err = %v, want NOT_FOUND", err)
	}
}

func TestDeleteInstanceRemovesNodes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateInstance(ctx, testInstance("i1", "claim-1", model.InstanceStatusCreated)); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if _, err := s.CreateNode(ctx, model.WorkflowNode{InstanceID: "i1", TaskID: "t1", Status: model.NodeStatusPending, Version: 1}); err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := s.DeleteInstance(ctx, "i1"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := s.GetInstance(ctx, "i1"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("instance survived delete: %v", err)
	}
	if _, err := s.FindNodeByTaskID(ctx, "t1"); !model.IsCode(err, model.ErrNotFound) {
		t.Fatalf("node survived delete: %v", err)
	}
}

func TestListRunningInstances(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, tc := range []struct {
		id, business, status string
	}{
		{"i1", "c1", model.InstanceStatusRunning},
		{"i2", "c2", model.InstanceStatusCompleted},
		{"i3", "c3", model.InstanceStatusRunning},
		{"i4", "c4", model.InstanceStatusSuspended},
	} {
		if err := s.CreateInstance(ctx, testInstance(tc.id, tc.business, tc.status)); err != nil {
			t.Fatalf("create %s: %v", tc.id, err)
		}
	}

	running, err := s.ListRunningInstances(ctx, 10)
	if err != nil {
		t.Fatalf("ListRunningInstances: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("running = %+v, want 2", running)
	}
}

func TestListInstancesByApplicantPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		inst := testInstance(string(rune('a'+i)), string(rune('0'+i)), model.InstanceStatusCompleted)
		inst.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateInstance(ctx, inst); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	page, total, err := s.ListInstancesByApplicant(ctx, "emp-1", model.Page{Number: 1, Size: 2})
	if err != nil {
		t.Fatalf("ListInstancesByApplicant: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("total=%d page=%d, want 5/2", total, len(page))
	}
	// Most recent first.
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Errorf("page not sorted: %v, %v", page[0].CreatedAt, page[1].CreatedAt)
	}

	last, _, err := s.ListInstancesByApplicant(ctx, "emp-1", model.Page{Number: 3, Size: 2})
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(last) != 1 {
		t.Errorf("last page = %d items, want 1", len(last))
	}
}
