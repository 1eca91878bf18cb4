package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/internal/engine"
	"github.com/openclaims/approvald/internal/observability"
	"github.com/openclaims/approvald/internal/routing"
	"github.com/openclaims/approvald/model"
)

// ChainResolver computes the approver chain for an applicant and amount.
type ChainResolver interface {
	ResolveChain(ctx context.Context, applicant model.User, amount float64) (model.ApproverChain, error)
}

var _ ChainResolver = (*routing.Resolver)(nil)

// ProcessKeyResolver maps a business type to a deployed process key.
type ProcessKeyResolver interface {
	Resolve(ctx context.Context, businessType string) (string, error)
}

// Orchestrator drives approval workflows: it resolves the approver
// chain, starts engine instances, mirrors their state into the local
// store, and applies approve/reject/return actions. The store is the
// read model; the engine owns process truth, and every mutation here
// re-derives the mirror from the engine afterwards.
type Orchestrator struct {
	store    Store
	engine   engine.Client
	resolver ChainResolver
	keys     ProcessKeyResolver
	dir      directory.Lookup
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewOrchestrator creates an orchestrator. logger and metrics may be
// nil.
func NewOrchestrator(
	store Store,
	client engine.Client,
	resolver ChainResolver,
	keys ProcessKeyResolver,
	dir directory.Lookup,
	logger *zap.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    store,
		engine:   client,
		resolver: resolver,
		keys:     keys,
		dir:      dir,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest carries the inputs to start an approval workflow.
type StartRequest struct {
	BusinessType string         `json:"business_type"`
	BusinessID   string         `json:"business_id"`
	Title        string         `json:"title"`
	Amount       float64        `json:"amount"`
	ApplicantID  string         `json:"applicant_id"`
	Variables    map[string]any `json:"variables,omitempty"`
}

func (r StartRequest) validate() error {
	switch {
	case r.BusinessType == "":
		return model.NewValidationError("business_type is required")
	case r.BusinessID == "":
		return model.NewValidationError("business_id is required")
	case r.ApplicantID == "":
		return model.NewValidationError("applicant_id is required")
	case r.Amount < 0:
		return model.NewValidationError("amount must not be negative")
	}
	return nil
}

// StartWorkflow starts an approval workflow for a business record. At
// most one non-terminal workflow exists per (business_type, business_id);
// a start against a live one returns the existing instance unchanged.
// The engine call is bracketed by a CREATED placeholder row that both
// reserves the uniqueness slot and is deleted again if the engine fails.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrBusinessType.String(req.BusinessType),
		observability.AttrBusinessID.String(req.BusinessID),
		observability.AttrApplicantID.String(req.ApplicantID),
	)
	inst, err := o.startWorkflow(ctx, req)
	observability.EndSpanWithError(span, err)
	o.countStart(req.BusinessType, err)
	return inst, err
}

func (o *Orchestrator) startWorkflow(ctx context.Context, req StartRequest) (model.WorkflowInstance, error) {
	if err := req.validate(); err != nil {
		return model.WorkflowInstance{}, err
	}

	applicant, err := o.dir.GetUser(ctx, req.ApplicantID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return model.WorkflowInstance{}, model.NewValidationError(
				fmt.Sprintf("applicant %q is not a known user", req.ApplicantID),
			)
		}
		return model.WorkflowInstance{}, err
	}
	if !applicant.Active {
		return model.WorkflowInstance{}, model.NewValidationError(
			fmt.Sprintf("applicant %q is inactive", req.ApplicantID),
		)
	}

	if existing, err := o.store.FindLiveByBusiness(ctx, req.BusinessType, req.BusinessID); err == nil {
		o.logger.Info("workflow start is a no-op, live instance exists",
			zap.String("instance_id", existing.ID),
			zap.String("business_type", req.BusinessType),
			zap.String("business_id", req.BusinessID),
		)
		return existing, nil
	} else if !model.IsCode(err, model.ErrNotFound) {
		return model.WorkflowInstance{}, err
	}

	chain, err := o.resolver.ResolveChain(ctx, applicant, req.Amount)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	processKey, err := o.keys.Resolve(ctx, req.BusinessType)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := o.now()
	inst := model.WorkflowInstance{
		ID:            uuid.NewString(),
		BusinessType:  req.BusinessType,
		BusinessID:    req.BusinessID,
		Title:         req.Title,
		Status:        model.InstanceStatusCreated,
		ApplicantID:   applicant.ID,
		ApplicantName: applicant.Name,
		Variables:     req.Variables,
		StartedAt:     now,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateInstance(ctx, inst); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			// Lost a concurrent start race. The winner's instance is the
			// workflow for this business record.
			if existing, ferr := o.store.FindLiveByBusiness(ctx, req.BusinessType, req.BusinessID); ferr == nil {
				return existing, nil
			}
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, err
	}

	variables := chain.Variables()
	variables[model.VarAmount] = req.Amount
	variables[model.VarBusinessType] = req.BusinessType
	variables[model.VarBusinessID] = req.BusinessID
	variables[model.VarApplicantID] = applicant.ID
	for k, v := range req.Variables {
		variables[k] = v
	}

	businessKey := req.BusinessType + ":" + req.BusinessID
	engineID, err := o.engine.StartInstance(ctx, processKey, businessKey, variables)
	if err != nil {
		// The engine never confirmed the instance. Remove the
		// placeholder so the business record is not locked forever.
		if derr := o.store.DeleteInstance(ctx, inst.ID); derr != nil {
			o.logger.Error("failed to delete placeholder after engine start failure",
				zap.String("instance_id", inst.ID),
				zap.Error(derr),
			)
		}
		return model.WorkflowInstance{}, err
	}

	inst.EngineInstanceID = engineID
	inst.Status = model.InstanceStatusRunning

	if task, terr := o.engine.GetCurrentTask(ctx, engineID); terr != nil {
		o.logger.Warn("could not read first task after start",
			zap.String("instance_id", inst.ID),
			zap.Error(terr),
		)
	} else if task != nil {
		if _, nerr := o.createNodeForTask(ctx, inst.ID, *task); nerr != nil {
			o.logger.Warn("could not mirror first task",
				zap.String("instance_id", inst.ID),
				zap.String("task_id", task.ID),
				zap.Error(nerr),
			)
		}
		inst.CurrentNodeName = task.Name
		inst.CurrentAssignee = task.Assignee
	}

	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++

	o.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("engine_instance_id", engineID),
		zap.String("business_type", req.BusinessType),
		zap.String("business_id", req.BusinessID),
		zap.String("applicant_id", applicant.ID),
	)
	return inst, nil
}

// Approve completes a pending approval node. The node is marked
// COMPLETED before the engine call so that concurrent approvals of the
// same task serialize on the node's version; the loser sees a terminal
// node and gets TASK_ALREADY_PROCESSED.
func (o *Orchestrator) Approve(ctx context.Context, taskID, operatorID, comment string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.approve",
		observability.AttrTaskID.String(taskID),
	)
	inst, err := o.approve(ctx, taskID, operatorID, comment)
	observability.EndSpanWithError(span, err)
	o.countAction("approve", err)
	return inst, err
}

func (o *Orchestrator) approve(ctx context.Context, taskID, operatorID, comment string) (model.WorkflowInstance, error) {
	node, inst, err := o.pendingNode(ctx, taskID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if comment != "" {
		if err := o.engine.AddComment(ctx, taskID, inst.EngineInstanceID, comment); err != nil {
			return model.WorkflowInstance{}, err
		}
	}

	approvedAt := o.now()
	node.Status = model.NodeStatusCompleted
	node.Comment = comment
	node.ApprovedAt = &approvedAt
	if operatorID != "" && operatorID != node.AssigneeID {
		node.DelegateID = operatorID
	}
	if err := o.store.UpdateNode(ctx, node); err != nil {
		return model.WorkflowInstance{}, o.translateNodeConflict(ctx, taskID, err)
	}
	node.Version++

	if err := o.engine.CompleteTask(ctx, taskID); err != nil {
		o.revertNode(ctx, node)
		return model.WorkflowInstance{}, err
	}

	return o.advance(ctx, inst)
}

// Reject rejects a pending node with a mandatory comment and terminates
// the whole instance. Nothing is mutated before the inputs validate.
func (o *Orchestrator) Reject(ctx context.Context, instanceID, taskID, operatorID, comment string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.reject",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrTaskID.String(taskID),
	)
	inst, err := o.reject(ctx, instanceID, taskID, operatorID, comment)
	observability.EndSpanWithError(span, err)
	o.countAction("reject", err)
	return inst, err
}

func (o *Orchestrator) reject(ctx context.Context, instanceID, taskID, operatorID, comment string) (model.WorkflowInstance, error) {
	if strings.TrimSpace(comment) == "" {
		return model.WorkflowInstance{}, model.NewValidationError("a rejection requires a comment")
	}

	node, inst, err := o.pendingNode(ctx, taskID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if instanceID != "" && node.InstanceID != instanceID {
		return model.WorkflowInstance{}, model.NewValidationError(
			fmt.Sprintf("task %q does not belong to workflow instance %q", taskID, instanceID),
		)
	}

	if err := o.engine.AddComment(ctx, taskID, inst.EngineInstanceID, comment); err != nil {
		return model.WorkflowInstance{}, err
	}

	rejectedAt := o.now()
	node.Status = model.NodeStatusRejected
	node.Comment = comment
	node.ApprovedAt = &rejectedAt
	if operatorID != "" && operatorID != node.AssigneeID {
		node.DelegateID = operatorID
	}
	if err := o.store.UpdateNode(ctx, node); err != nil {
		return model.WorkflowInstance{}, o.translateNodeConflict(ctx, taskID, err)
	}
	node.Version++

	if err := o.engine.TerminateInstance(ctx, inst.EngineInstanceID, "rejected: "+comment); err != nil {
		o.revertNode(ctx, node)
		return model.WorkflowInstance{}, err
	}

	endedAt := o.now()
	inst.Status = model.InstanceStatusRejected
	inst.EndedAt = &endedAt
	inst.CurrentNodeName = ""
	inst.CurrentAssignee = ""
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	o.countEnding(model.InstanceStatusRejected)

	o.logger.Info("workflow rejected",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", taskID),
		zap.String("operator_id", operatorID),
	)
	return inst, nil
}

// ReturnTo sends a running approval back to an earlier completed node.
// The target must be one of the instance's returnable nodes; the comment
// is mandatory.
func (o *Orchestrator) ReturnTo(ctx context.Context, taskID string, targetNodeID int64, operatorID, comment string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.return",
		observability.AttrTaskID.String(taskID),
	)
	inst, err := o.returnTo(ctx, taskID, targetNodeID, operatorID, comment)
	observability.EndSpanWithError(span, err)
	o.countAction("return", err)
	return inst, err
}

func (o *Orchestrator) returnTo(ctx context.Context, taskID string, targetNodeID int64, operatorID, comment string) (model.WorkflowInstance, error) {
	if strings.TrimSpace(comment) == "" {
		return model.WorkflowInstance{}, model.NewValidationError("a return requires a comment")
	}

	node, inst, err := o.pendingNode(ctx, taskID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	returnable, err := o.returnableNodes(ctx, node)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	var target *model.ReturnableNode
	for i := range returnable {
		if returnable[i].NodeID == targetNodeID {
			target = &returnable[i]
			break
		}
	}
	if target == nil {
		return model.WorkflowInstance{}, model.NewValidationError(
			fmt.Sprintf("node %d is not a returnable step of this workflow", targetNodeID),
		)
	}

	if err := o.engine.AddComment(ctx, taskID, inst.EngineInstanceID, comment); err != nil {
		return model.WorkflowInstance{}, err
	}

	returnedAt := o.now()
	node.Status = model.NodeStatusReturned
	node.IsReturned = true
	node.Comment = comment
	node.ApprovedAt = &returnedAt
	if operatorID != "" && operatorID != node.AssigneeID {
		node.DelegateID = operatorID
	}
	if err := o.store.UpdateNode(ctx, node); err != nil {
		return model.WorkflowInstance{}, o.translateNodeConflict(ctx, taskID, err)
	}
	node.Version++

	if err := o.engine.MoveToActivity(ctx, inst.EngineInstanceID, node.NodeKey, target.NodeKey); err != nil {
		o.revertNode(ctx, node)
		return model.WorkflowInstance{}, err
	}

	o.logger.Info("workflow returned to earlier step",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", taskID),
		zap.Int64("target_node_id", targetNodeID),
	)
	return o.advance(ctx, inst)
}

// GetReturnableNodes lists the earlier completed nodes the task's
// instance can be sent back to, in execution order.
func (o *Orchestrator) GetReturnableNodes(ctx context.Context, taskID string) ([]model.ReturnableNode, error) {
	node, err := o.store.FindNodeByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return o.returnableNodes(ctx, node)
}

func (o *Orchestrator) returnableNodes(ctx context.Context, current model.WorkflowNode) ([]model.ReturnableNode, error) {
	nodes, err := o.store.FindNodesByInstance(ctx, current.InstanceID)
	if err != nil {
		return nil, err
	}
	var out []model.ReturnableNode
	for _, n := range nodes {
		if n.ID >= current.ID || n.Status != model.NodeStatusCompleted {
			continue
		}
		out = append(out, model.ReturnableNode{
			NodeID:       n.ID,
			NodeKey:      n.NodeKey,
			NodeName:     n.NodeName,
			AssigneeID:   n.AssigneeID,
			AssigneeName: n.AssigneeName,
			ApprovedAt:   n.ApprovedAt,
		})
	}
	return out, nil
}

// BatchProcess applies approve/reject actions item by item. One bad item
// fails alone; the rest of the batch proceeds. The returned result
// accounts for every submitted item.
func (o *Orchestrator) BatchProcess(ctx context.Context, operatorID string, items []model.BatchItem) (model.BatchResult, error) {
	result := model.BatchResult{Total: len(items)}
	if len(items) == 0 {
		return result, model.NewValidationError("batch contains no items")
	}
	if o.metrics != nil {
		o.metrics.BatchSize.Observe(float64(len(items)))
	}

	for i, item := range items {
		row := i + 1
		var err error
		switch item.Action {
		case model.BatchActionApprove:
			_, err = o.Approve(ctx, item.TaskID, operatorID, item.Comment)
		case model.BatchActionReject:
			_, err = o.Reject(ctx, "", item.TaskID, operatorID, item.Comment)
		default:
			err = model.NewValidationError(fmt.Sprintf("unknown batch action %q", item.Action))
			result.AddFailure(row, item.TaskID, "action", err.Error(), item.Action)
			o.countBatchItem("failure")
			continue
		}
		if err != nil {
			result.AddFailure(row, item.TaskID, "", err.Error(), "")
			o.countBatchItem("failure")
			o.logger.Warn("batch item failed",
				zap.Int("row", row),
				zap.String("task_id", item.TaskID),
				zap.String("action", item.Action),
				zap.Error(err),
			)
			continue
		}
		result.AddSuccess(item.TaskID)
		o.countBatchItem("success")
	}
	return result, nil
}

// GetPendingTasks lists a user's open tasks enriched from the local
// mirror. Listing never fails the caller: engine trouble degrades to an
// empty page.
func (o *Orchestrator) GetPendingTasks(ctx context.Context, userID string, page model.Page) model.TaskPage {
	page = page.Normalize()
	empty := model.TaskPage{Items: []model.TaskView{}, Page: page.Number, Size: page.Size}

	tasks, err := o.engine.QueryTasksForUser(ctx, userID, page)
	if err != nil {
		o.logger.Warn("pending task query failed, returning empty page",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return empty
	}
	total, err := o.engine.CountTasksForUser(ctx, userID)
	if err != nil {
		total = len(tasks)
	}

	views := make([]model.TaskView, 0, len(tasks))
	for _, t := range tasks {
		view := model.TaskView{
			TaskID:        t.ID,
			TaskName:      t.Name,
			NodeKey:       t.DefinitionKey,
			CreatedAt:     t.CreatedAt,
			DueDate:       t.DueDate,
			Status:        model.NodeStatusPending,
		}
		if inst, ierr := o.store.GetInstanceByEngineID(ctx, t.InstanceID); ierr == nil {
			view.InstanceID = inst.ID
			view.BusinessType = inst.BusinessType
			view.BusinessID = inst.BusinessID
			view.Title = inst.Title
			view.ApplicantID = inst.ApplicantID
			view.ApplicantName = inst.ApplicantName
		}
		views = append(views, view)
	}
	return model.TaskPage{Items: views, Total: total, Page: page.Number, Size: page.Size}
}

// GetHandledTasks lists a user's finished tasks enriched from the local
// mirror, degrading to an empty page on engine trouble.
func (o *Orchestrator) GetHandledTasks(ctx context.Context, userID string, page model.Page) model.TaskPage {
	page = page.Normalize()
	empty := model.TaskPage{Items: []model.TaskView{}, Page: page.Number, Size: page.Size}

	tasks, err := o.engine.QueryFinishedTasksForUser(ctx, userID, page)
	if err != nil {
		o.logger.Warn("handled task query failed, returning empty page",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return empty
	}

	views := make([]model.TaskView, 0, len(tasks))
	for _, t := range tasks {
		view := model.TaskView{
			TaskID:    t.ID,
			TaskName:  t.Name,
			NodeKey:   t.DefinitionKey,
			CreatedAt: t.StartedAt,
			HandledAt: t.EndedAt,
			Comment:   t.Comment,
		}
		if node, nerr := o.store.FindNodeByTaskID(ctx, t.ID); nerr == nil {
			view.Status = node.Status
			if view.Comment == "" {
				view.Comment = node.Comment
			}
		}
		if inst, ierr := o.store.GetInstanceByEngineID(ctx, t.InstanceID); ierr == nil {
			view.InstanceID = inst.ID
			view.BusinessType = inst.BusinessType
			view.BusinessID = inst.BusinessID
			view.Title = inst.Title
			view.ApplicantID = inst.ApplicantID
			view.ApplicantName = inst.ApplicantName
		}
		views = append(views, view)
	}
	return model.TaskPage{Items: views, Total: len(views), Page: page.Number, Size: page.Size}
}

// GetInstance returns one instance with its nodes.
func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (model.WorkflowInstance, []model.WorkflowNode, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	nodes, err := o.store.FindNodesByInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, nil, err
	}
	return inst, nodes, nil
}

// ListInstancesByApplicant returns an applicant's instances, most recent
// first.
func (o *Orchestrator) ListInstancesByApplicant(ctx context.Context, applicantID string, page model.Page) ([]model.WorkflowInstance, int, error) {
	return o.store.ListInstancesByApplicant(ctx, applicantID, page)
}

// GetHistory returns the engine's historic tasks for an instance,
// falling back to the local node mirror when the engine is unavailable.
func (o *Orchestrator) GetHistory(ctx context.Context, instanceID string) ([]model.HistoricTask, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	history, err := o.engine.GetHistory(ctx, inst.EngineInstanceID)
	if err == nil {
		return history, nil
	}
	if !model.IsCode(err, model.ErrEngineUnavailable) {
		return nil, err
	}
	o.logger.Warn("engine history unavailable, serving local mirror",
		zap.String("instance_id", instanceID),
		zap.Error(err),
	)

	nodes, err := o.store.FindNodesByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]model.HistoricTask, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, model.HistoricTask{
			ID:            n.TaskID,
			Name:          n.NodeName,
			Assignee:      n.AssigneeID,
			DefinitionKey: n.NodeKey,
			InstanceID:    inst.EngineInstanceID,
			StartedAt:     n.CreatedAt,
			EndedAt:       n.ApprovedAt,
			Comment:       n.Comment,
		})
	}
	return out, nil
}

// Suspend pauses a running instance.
func (o *Orchestrator) Suspend(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return o.changeStatus(ctx, instanceID, model.InstanceStatusSuspended, o.engine.SuspendInstance)
}

// Resume reactivates a suspended instance.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string) (model.WorkflowInstance, error) {
	return o.changeStatus(ctx, instanceID, model.InstanceStatusRunning, o.engine.ActivateInstance)
}

func (o *Orchestrator) changeStatus(
	ctx context.Context,
	instanceID, target string,
	engineCall func(context.Context, string) error,
) (model.WorkflowInstance, error) {
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !model.CanTransitionInstance(inst.Status, target) {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q cannot move from %s to %s", instanceID, inst.Status, target),
		)
	}

	if err := engineCall(ctx, inst.EngineInstanceID); err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.Status = target
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	return inst, nil
}

// ReconcileRunning re-derives the mirror for RUNNING instances whose
// engine state moved without an action passing through this service
// (engine timers, admin operations on the engine directly). Returns the
// number of instances that were corrected. Engine trouble skips the
// affected instance; the next sweep retries it.
func (o *Orchestrator) ReconcileRunning(ctx context.Context, limit int) (int, error) {
	instances, err := o.store.ListRunningInstances(ctx, limit)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, inst := range instances {
		changed, err := o.reconcileInstance(ctx, inst)
		if err != nil {
			o.logger.Warn("reconciliation skipped instance",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
			continue
		}
		if changed {
			corrected++
		}
	}
	return corrected, nil
}

func (o *Orchestrator) reconcileInstance(ctx context.Context, inst model.WorkflowInstance) (bool, error) {
	task, err := o.engine.GetCurrentTask(ctx, inst.EngineInstanceID)
	if err != nil {
		return false, err
	}

	if task == nil {
		if _, err := o.advance(ctx, inst); err != nil {
			return false, err
		}
		o.logger.Info("reconciliation closed finished instance",
			zap.String("instance_id", inst.ID),
		)
		return true, nil
	}

	_, nerr := o.store.FindNodeByTaskID(ctx, task.ID)
	upToDate := nerr == nil &&
		inst.CurrentNodeName == task.Name &&
		inst.CurrentAssignee == task.Assignee
	if upToDate {
		return false, nil
	}
	if nerr != nil && !model.IsCode(nerr, model.ErrNotFound) {
		return false, nerr
	}

	if _, err := o.advance(ctx, inst); err != nil {
		return false, err
	}
	o.logger.Info("reconciliation advanced instance",
		zap.String("instance_id", inst.ID),
		zap.String("task_id", task.ID),
	)
	return true, nil
}

// --- helpers ---

// pendingNode loads the node for a task and its instance, rejecting
// terminal nodes with TASK_ALREADY_PROCESSED.
func (o *Orchestrator) pendingNode(ctx context.Context, taskID string) (model.WorkflowNode, model.WorkflowInstance, error) {
	node, err := o.store.FindNodeByTaskID(ctx, taskID)
	if err != nil {
		return model.WorkflowNode{}, model.WorkflowInstance{}, err
	}
	if model.IsTerminalNodeStatus(node.Status) {
		return model.WorkflowNode{}, model.WorkflowInstance{},
			model.NewTaskAlreadyProcessedError(taskID, node.Status)
	}
	inst, err := o.store.GetInstance(ctx, node.InstanceID)
	if err != nil {
		return model.WorkflowNode{}, model.WorkflowInstance{}, err
	}
	if model.IsTerminalInstanceStatus(inst.Status) {
		return model.WorkflowNode{}, model.WorkflowInstance{},
			model.NewTaskAlreadyProcessedError(taskID, inst.Status)
	}
	return node, inst, nil
}

// advance re-derives the instance mirror from the engine after a
// completed action: either the process ended, or a new current task
// exists and gets a mirror node.
func (o *Orchestrator) advance(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	task, err := o.engine.GetCurrentTask(ctx, inst.EngineInstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	if task == nil {
		endedAt := o.now()
		inst.Status = model.InstanceStatusCompleted
		inst.EndedAt = &endedAt
		inst.CurrentNodeName = ""
		inst.CurrentAssignee = ""
		if err := o.store.UpdateInstance(ctx, inst); err != nil {
			return model.WorkflowInstance{}, err
		}
		inst.Version++
		o.countEnding(model.InstanceStatusCompleted)
		o.logger.Info("workflow completed", zap.String("instance_id", inst.ID))
		return inst, nil
	}

	if _, err := o.store.FindNodeByTaskID(ctx, task.ID); model.IsCode(err, model.ErrNotFound) {
		if _, cerr := o.createNodeForTask(ctx, inst.ID, *task); cerr != nil {
			return model.WorkflowInstance{}, cerr
		}
	} else if err != nil {
		return model.WorkflowInstance{}, err
	}

	inst.CurrentNodeName = task.Name
	inst.CurrentAssignee = task.Assignee
	if err := o.store.UpdateInstance(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.Version++
	return inst, nil
}

// createNodeForTask mirrors an engine task as a PENDING node. The
// assignee name is best-effort from the directory.
func (o *Orchestrator) createNodeForTask(ctx context.Context, instanceID string, task model.Task) (model.WorkflowNode, error) {
	now := o.now()
	node := model.WorkflowNode{
		InstanceID:  instanceID,
		TaskID:      task.ID,
		NodeKey:     task.DefinitionKey,
		NodeName:    task.Name,
		Status:      model.NodeStatusPending,
		AssigneeID:  task.Assignee,
		ExecutionID: task.ExecutionID,
		DueDate:     task.DueDate,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Assignee != "" {
		if u, err := o.dir.GetUser(ctx, task.Assignee); err == nil {
			node.AssigneeName = u.Name
		}
	}
	return o.store.CreateNode(ctx, node)
}

// translateNodeConflict maps an optimistic-lock loss on a node into
// TASK_ALREADY_PROCESSED when a concurrent action already finished it.
func (o *Orchestrator) translateNodeConflict(ctx context.Context, taskID string, err error) error {
	if !model.IsCode(err, model.ErrConflict) {
		return err
	}
	if node, ferr := o.store.FindNodeByTaskID(ctx, taskID); ferr == nil && model.IsTerminalNodeStatus(node.Status) {
		return model.NewTaskAlreadyProcessedError(taskID, node.Status)
	}
	return err
}

// revertNode restores a node to PENDING after a failed engine mutation.
// Best effort; a failure here leaves the node terminal and the engine
// task open, which the next approve surfaces as TASK_ALREADY_PROCESSED.
func (o *Orchestrator) revertNode(ctx context.Context, node model.WorkflowNode) {
	node.Status = model.NodeStatusPending
	node.Comment = ""
	node.ApprovedAt = nil
	node.IsReturned = false
	node.DelegateID = ""
	if err := o.store.UpdateNode(ctx, node); err != nil {
		o.logger.Error("failed to revert node after engine failure",
			zap.Int64("node_id", node.ID),
			zap.String("task_id", node.TaskID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) countStart(businessType string, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.metrics.WorkflowStartsTotal.WithLabelValues(businessType, outcome).Inc()
}

func (o *Orchestrator) countAction(action string, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = model.CodeOf(err)
	}
	o.metrics.WorkflowActionsTotal.WithLabelValues(action, outcome).Inc()
}

func (o *Orchestrator) countEnding(status string) {
	if o.metrics != nil {
		o.metrics.WorkflowEndingsTotal.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) countBatchItem(outcome string) {
	if o.metrics != nil {
		o.metrics.BatchItemsProcessed.WithLabelValues(outcome).Inc()
	}
}
