package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openclaims/approvald/model"
)

const pgUniqueViolation = "23505"

// PgStore is a PostgreSQL-backed Store using pgx/v5. Live-instance
// uniqueness relies on a partial unique index over
// (business_type, business_id) WHERE status NOT IN the terminal set, so
// concurrent starts for the same business record collapse into one
// insert winner.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const instanceColumns = `id, engine_instance_id, business_type, business_id, title, status,
	applicant_id, applicant_name, current_node_name, current_assignee, variables,
	started_at, ended_at, version, created_at, updated_at`

const nodeColumns = `id, instance_id, task_id, node_key, node_name, status,
	assignee_id, assignee_name, delegate_id, delegate_name, comment, is_returned,
	execution_id, due_date, approved_at, version, created_at, updated_at`

// CreateInstance inserts an instance. A live duplicate for the same
// business record fails with CONFLICT.
func (s *PgStore) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	vars, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (
			id, engine_instance_id, business_type, business_id, title, status,
			applicant_id, applicant_name, current_node_name, current_assignee, variables,
			started_at, ended_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inst.ID, inst.EngineInstanceID, inst.BusinessType, inst.BusinessID, inst.Title, inst.Status,
		inst.ApplicantID, inst.ApplicantName, inst.CurrentNodeName, inst.CurrentAssignee, vars,
		inst.StartedAt, inst.EndedAt, inst.Version, inst.CreatedAt, inst.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf(
			"a workflow is already in progress for %s/%s", inst.BusinessType, inst.BusinessID,
		))
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *PgStore) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// GetInstanceByEngineID retrieves an instance by its engine instance ID.
func (s *PgStore) GetInstanceByEngineID(ctx context.Context, engineInstanceID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE engine_instance_id = $1`, engineInstanceID)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no workflow instance for engine instance %q", engineInstanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query instance by engine id: %w", err)
	}
	return inst, nil
}

// FindLiveByBusiness returns the non-terminal instance for a business
// record.
func (s *PgStore) FindLiveByBusiness(ctx context.Context, businessType, businessID string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE business_type = $1 AND business_id = $2
		  AND status NOT IN ($3, $4, $5)
		ORDER BY created_at DESC
		LIMIT 1`,
		businessType, businessID,
		model.InstanceStatusCompleted, model.InstanceStatusRejected, model.InstanceStatusTerminated,
	)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("no live workflow for %s/%s", businessType, businessID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query live instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance persists an updated instance with optimistic locking.
func (s *PgStore) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	vars, err := json.Marshal(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			engine_instance_id = $1, title = $2, status = $3,
			current_node_name = $4, current_assignee = $5, variables = $6,
			ended_at = $7, version = $8, updated_at = $9
		WHERE id = $10 AND version = $11`,
		inst.EngineInstanceID, inst.Title, inst.Status,
		inst.CurrentNodeName, inst.CurrentAssignee, vars,
		inst.EndedAt, inst.Version+1, time.Now().UTC(),
		inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
		)
	}
	return nil
}

// DeleteInstance removes an instance and its nodes.
func (s *PgStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_nodes WHERE instance_id = $1`, id); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return tx.Commit(ctx)
}

// ListInstancesByApplicant returns an applicant's instances, most recent
// first, plus the total count.
func (s *PgStore) ListInstancesByApplicant(ctx context.Context, applicantID string, page model.Page) ([]model.WorkflowInstance, int, error) {
	page = page.Normalize()

	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM workflow_instances WHERE applicant_id = $1`, applicantID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE applicant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		applicantID, page.Size, page.Offset(),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, total, rows.Err()
}

// ListRunningInstances returns up to limit RUNNING instances, oldest
// first.
func (s *PgStore) ListRunningInstances(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, model.InstanceStatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("query running instances: %w", err)
	}
	defer rows.Close()

	var instances []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// CreateNode inserts a node and returns it with the assigned ID.
func (s *PgStore) CreateNode(ctx context.Context, node model.WorkflowNode) (model.WorkflowNode, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO workflow_nodes (
			instance_id, task_id, node_key, node_name, status,
			assignee_id, assignee_name, delegate_id, delegate_name, comment, is_returned,
			execution_id, due_date, approved_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		node.InstanceID, node.TaskID, node.NodeKey, node.NodeName, node.Status,
		node.AssigneeID, node.AssigneeName, node.DelegateID, node.DelegateName, node.Comment, node.IsReturned,
		node.ExecutionID, node.DueDate, node.ApprovedAt, node.Version, node.CreatedAt, node.UpdatedAt,
	).Scan(&node.ID)
	if isUniqueViolation(err) {
		return model.WorkflowNode{}, model.NewConflictError(
			fmt.Sprintf("a node for task %q already exists", node.TaskID),
		)
	}
	if err != nil {
		return model.WorkflowNode{}, fmt.Errorf("insert node: %w", err)
	}
	return node, nil
}

// GetNode retrieves a node by ID.
func (s *PgStore) GetNode(ctx context.Context, id int64) (model.WorkflowNode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM workflow_nodes
		WHERE id = $1`, id)
	node, err := scanNode(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowNode{}, model.NewNotFoundError(fmt.Sprintf("workflow node %d not found", id))
	}
	if err != nil {
		return model.WorkflowNode{}, fmt.Errorf("query node: %w", err)
	}
	return node, nil
}

// FindNodeByTaskID returns the node mirroring an engine task.
func (s *PgStore) FindNodeByTaskID(ctx context.Context, taskID string) (model.WorkflowNode, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM workflow_nodes
		WHERE task_id = $1
		ORDER BY id DESC
		LIMIT 1`, taskID)
	node, err := scanNode(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowNode{}, model.NewNotFoundError(fmt.Sprintf("no workflow node for task %q", taskID))
	}
	if err != nil {
		return model.WorkflowNode{}, fmt.Errorf("query node by task: %w", err)
	}
	return node, nil
}

// FindNodesByInstance returns every node of an instance ordered by
// ascending ID.
func (s *PgStore) FindNodesByInstance(ctx context.Context, instanceID string) ([]model.WorkflowNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+nodeColumns+`
		FROM workflow_nodes
		WHERE instance_id = $1
		ORDER BY id ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.WorkflowNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNode persists an updated node with optimistic locking.
func (s *PgStore) UpdateNode(ctx context.Context, node model.WorkflowNode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_nodes SET
			status = $1, assignee_id = $2, assignee_name = $3,
			delegate_id = $4, delegate_name = $5, comment = $6, is_returned = $7,
			approved_at = $8, version = $9, updated_at = $10
		WHERE id = $11 AND version = $12`,
		node.Status, node.AssigneeID, node.AssigneeName,
		node.DelegateID, node.DelegateName, node.Comment, node.IsReturned,
		node.ApprovedAt, node.Version+1, time.Now().UTC(),
		node.ID, node.Version,
	)
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow node %d version conflict (expected %d)", node.ID, node.Version),
		)
	}
	return nil
}

// HealthCheck verifies database connectivity.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var vars []byte
	err := row.Scan(
		&inst.ID, &inst.EngineInstanceID, &inst.BusinessType, &inst.BusinessID, &inst.Title, &inst.Status,
		&inst.ApplicantID, &inst.ApplicantName, &inst.CurrentNodeName, &inst.CurrentAssignee, &vars,
		&inst.StartedAt, &inst.EndedAt, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &inst.Variables); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return inst, nil
}

func scanNode(row pgx.Row) (model.WorkflowNode, error) {
	var node model.WorkflowNode
	err := row.Scan(
		&node.ID, &node.InstanceID, &node.TaskID, &node.NodeKey, &node.NodeName, &node.Status,
		&node.AssigneeID, &node.AssigneeName, &node.DelegateID, &node.DelegateName, &node.Comment, &node.IsReturned,
		&node.ExecutionID, &node.DueDate, &node.ApprovedAt, &node.Version, &node.CreatedAt, &node.UpdatedAt,
	)
	return node, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
