package integration

import (
	"net/http"
	"testing"

	"github.com/openclaims/approvald/internal/workflow"
	"github.com/openclaims/approvald/model"
)

func startRequest(businessID string) workflow.StartRequest {
	return workflow.StartRequest{
		BusinessType: "expense_claim",
		BusinessID:   businessID,
		Title:        "Team offsite",
		Amount:       50000,
		ApplicantID:  "emp-1",
	}
}

func TestWorkflow_FullApprovalLifecycle(t *testing.T) {
	h := NewHarness(t)
	ctx := t.Context()

	inst, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-100"))
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Fatalf("status = %s, want RUNNING", inst.Status)
	}
	if inst.CurrentNodeName != "Manager Approval" || inst.CurrentAssignee != "mgr-1" {
		t.Fatalf("current node = %s/%s", inst.CurrentNodeName, inst.CurrentAssignee)
	}

	// First approver signs off, the mirror advances to the next step.
	inst, err = h.Orchestrator.Approve(ctx, h.CurrentTaskID(inst), "mgr-1", "within budget")
	if err != nil {
		t.Fatalf("manager approve: %v", err)
	}
	if inst.CurrentNodeName != "Executive Signoff" || inst.CurrentAssignee != "coo-1" {
		t.Fatalf("after first approval: %s/%s", inst.CurrentNodeName, inst.CurrentAssignee)
	}

	inst, err = h.Orchestrator.Approve(ctx, h.CurrentTaskID(inst), "coo-1", "")
	if err != nil {
		t.Fatalf("executive approve: %v", err)
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
	if inst.EndedAt == nil {
		t.Fatal("EndedAt not set on completion")
	}

	_, nodes, err := h.Orchestrator.GetInstance(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	for _, node := range nodes {
		if node.Status != model.NodeStatusCompleted {
			t.Errorf("node %s status = %s, want COMPLETED", node.NodeName, node.Status)
		}
	}
	if nodes[0].Comment != "within budget" {
		t.Errorf("first node comment = %q", nodes[0].Comment)
	}

	history, err := h.Orchestrator.GetHistory(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d entries, want 2", len(history))
	}

	// The business record is free for a fresh workflow again.
	if _, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-100")); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}

func TestWorkflow_RejectionLifecycle(t *testing.T) {
	h := NewHarness(t)
	ctx := t.Context()

	inst, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-200"))
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	inst, err = h.Orchestrator.Reject(ctx, inst.ID, h.CurrentTaskID(inst), "mgr-1", "no receipts attached")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if inst.Status != model.InstanceStatusRejected {
		t.Fatalf("status = %s, want REJECTED", inst.Status)
	}

	if len(h.Engine.Terminated) != 1 {
		t.Fatalf("engine terminations = %d, want 1", len(h.Engine.Terminated))
	}
	if h.Engine.Terminated[0].InstanceID != inst.EngineInstanceID {
		t.Errorf("terminated wrong instance: %s", h.Engine.Terminated[0].InstanceID)
	}
}

func TestWorkflow_ReturnAndReapproval(t *testing.T) {
	h := NewHarness(t, WithTasks(
		model.Task{Name: "Manager Approval", DefinitionKey: "managerApproval", Assignee: "mgr-1"},
		model.Task{Name: "Compliance Review", DefinitionKey: "complianceReview", Assignee: "cmp-1"},
		model.Task{Name: "Executive Signoff", DefinitionKey: "executiveSignoff", Assignee: "coo-1"},
	))
	ctx := t.Context()

	inst, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-300"))
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	inst, err = h.Orchestrator.Approve(ctx, h.CurrentTaskID(inst), "mgr-1", "")
	if err != nil {
		t.Fatalf("manager approve: %v", err)
	}

	targets, err := h.Orchestrator.GetReturnableNodes(ctx, h.CurrentTaskID(inst))
	if err != nil {
		t.Fatalf("GetReturnableNodes: %v", err)
	}
	if len(targets) != 1 || targets[0].NodeName != "Manager Approval" {
		t.Fatalf("targets = %+v", targets)
	}

	inst, err = h.Orchestrator.ReturnTo(ctx, h.CurrentTaskID(inst), targets[0].NodeID, "cmp-1", "amount needs a manager re-check")
	if err != nil {
		t.Fatalf("ReturnTo: %v", err)
	}
	if inst.CurrentNodeName == "Compliance Review" {
		t.Fatal("instance did not move off the returning node")
	}
	if len(h.Engine.Moves) != 1 || h.Engine.Moves[0].To != "managerApproval" {
		t.Fatalf("moves = %+v", h.Engine.Moves)
	}

	// Walk the remaining steps to the end.
	for inst.Status == model.InstanceStatusRunning {
		assignee := inst.CurrentAssignee
		inst, err = h.Orchestrator.Approve(ctx, h.CurrentTaskID(inst), assignee, "")
		if err != nil {
			t.Fatalf("approve as %s: %v", assignee, err)
		}
	}
	if inst.Status != model.InstanceStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", inst.Status)
	}
}

func TestWorkflow_EngineOutageRecovery(t *testing.T) {
	h := NewHarness(t)
	ctx := t.Context()

	h.Engine.FailStart = model.NewEngineUnavailableError("engine is down")
	if _, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-400")); !model.IsCode(err, model.ErrEngineUnavailable) {
		t.Fatalf("start during outage err = %v, want ENGINE_UNAVAILABLE", err)
	}

	// No placeholder survives the failed start, so recovery is a plain retry.
	h.Engine.FailStart = nil
	inst, err := h.Orchestrator.StartWorkflow(ctx, startRequest("claim-400"))
	if err != nil {
		t.Fatalf("start after recovery: %v", err)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Fatalf("status = %s, want RUNNING", inst.Status)
	}
}

func TestOps_HealthAndReadiness(t *testing.T) {
	h := NewHarness(t)

	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	h.DecodeJSON(h.GET("/healthz"), http.StatusOK, &health)
	if health.Status != "ok" || health.Version == "" {
		t.Errorf("health = %+v", health)
	}

	var ready struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	h.DecodeJSON(h.GET("/readyz"), http.StatusOK, &ready)
	if ready.Status != "ready" {
		t.Errorf("readiness = %+v", ready)
	}
	if ready.Checks["workflow_store"].Status != "ok" {
		t.Errorf("workflow_store check = %+v", ready.Checks)
	}
}

func TestOps_DirectorySync(t *testing.T) {
	h := NewHarness(t)
	ctx := t.Context()

	var stored model.User
	h.DecodeJSON(h.POST("/internal/directory/sync", model.User{
		ID:         "new-1",
		Name:       "Noor",
		Department: "Finance",
		Title:      "Analyst",
		ManagerID:  "mgr-1",
		Active:     true,
	}), http.StatusOK, &stored)
	if stored.ID != "new-1" || stored.Version != 1 {
		t.Fatalf("stored = %+v", stored)
	}

	// The synced user can apply right away.
	req := startRequest("claim-500")
	req.ApplicantID = "new-1"
	inst, err := h.Orchestrator.StartWorkflow(ctx, req)
	if err != nil {
		t.Fatalf("StartWorkflow for synced user: %v", err)
	}
	if inst.ApplicantName != "Noor" {
		t.Errorf("applicant name = %q", inst.ApplicantName)
	}

	var fail struct {
		Code string `json:"code"`
	}
	h.DecodeJSON(h.POST("/internal/directory/sync", model.User{Name: "No ID"}), http.StatusBadRequest, &fail)
	if fail.Code != model.ErrValidation {
		t.Errorf("code = %q, want %s", fail.Code, model.ErrValidation)
	}
}
