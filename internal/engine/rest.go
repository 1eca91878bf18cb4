package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/observability"
	"github.com/openclaims/approvald/internal/retry"
	"github.com/openclaims/approvald/model"
)

const maxResponseBytes = 10 << 20

// RestClient talks to a BPM engine's REST API. Read requests are retried
// with backoff on infrastructure failures; mutating requests are not,
// since completing or terminating twice is not safe to replay blindly.
type RestClient struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRestClient creates an engine REST client. logger and metrics may be
// nil.
func NewRestClient(cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) *RestClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestClient{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		policy:  retry.FromConfig(cfg.Retry),
		logger:  logger,
		metrics: metrics,
	}
}

// --- wire DTOs ---

type startInstanceRequest struct {
	ProcessDefinitionKey string         `json:"processDefinitionKey"`
	BusinessKey          string         `json:"businessKey"`
	Variables            []wireVariable `json:"variables,omitempty"`
}

type wireVariable struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type startInstanceResponse struct {
	ID string `json:"id"`
}

type wireTask struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Assignee          string `json:"assignee"`
	TaskDefinitionKey string `json:"taskDefinitionKey"`
	ExecutionID       string `json:"executionId"`
	ProcessInstanceID string `json:"processInstanceId"`
	CreateTime        string `json:"createTime"`
	DueDate           string `json:"dueDate"`
}

type wireTaskList struct {
	Data  []wireTask `json:"data"`
	Total int        `json:"total"`
}

type wireHistoricTask struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Assignee          string `json:"assignee"`
	TaskDefinitionKey string `json:"taskDefinitionKey"`
	ProcessInstanceID string `json:"processInstanceId"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Comment           string `json:"comment"`
}

type wireHistoricTaskList struct {
	Data  []wireHistoricTask `json:"data"`
	Total int                `json:"total"`
}

type wireDefinition struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Version   int    `json:"version"`
	Suspended bool   `json:"suspended"`
}

type wireDefinitionList struct {
	Data []wireDefinition `json:"data"`
}

// --- Client implementation ---

// StartInstance starts a process instance and returns the engine
// instance ID.
func (c *RestClient) StartInstance(ctx context.Context, processKey, businessKey string, variables map[string]any) (string, error) {
	req := startInstanceRequest{
		ProcessDefinitionKey: processKey,
		BusinessKey:          businessKey,
	}
	for name, value := range variables {
		req.Variables = append(req.Variables, wireVariable{Name: name, Value: value})
	}

	var resp startInstanceResponse
	err := c.doJSON(ctx, "start_instance", http.MethodPost, "/runtime/process-instances", nil, req, &resp)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// GetCurrentTask returns the instance's open task, or nil when the
// process has ended.
func (c *RestClient) GetCurrentTask(ctx context.Context, instanceID string) (*model.Task, error) {
	q := url.Values{}
	q.Set("processInstanceId", instanceID)
	q.Set("size", "1")

	var list wireTaskList
	if err := c.doJSON(ctx, "get_current_task", http.MethodGet, "/runtime/tasks", q, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	t := toTask(list.Data[0])
	return &t, nil
}

// AddComment attaches a comment to a task.
func (c *RestClient) AddComment(ctx context.Context, taskID, instanceID, text string) error {
	body := map[string]any{
		"message":               text,
		"saveProcessInstanceId": instanceID != "",
	}
	path := "/runtime/tasks/" + url.PathEscape(taskID) + "/comments"
	return c.doJSON(ctx, "add_comment", http.MethodPost, path, nil, body, nil)
}

// CompleteTask completes an open task.
func (c *RestClient) CompleteTask(ctx context.Context, taskID string) error {
	body := map[string]any{"action": "complete"}
	path := "/runtime/tasks/" + url.PathEscape(taskID)
	return c.doJSON(ctx, "complete_task", http.MethodPost, path, nil, body, nil)
}

// TerminateInstance deletes a running instance with a reason.
func (c *RestClient) TerminateInstance(ctx context.Context, instanceID, reason string) error {
	q := url.Values{}
	q.Set("deleteReason", reason)
	path := "/runtime/process-instances/" + url.PathEscape(instanceID)
	return c.doJSON(ctx, "terminate_instance", http.MethodDelete, path, q, nil, nil)
}

// MoveToActivity moves execution between activities.
func (c *RestClient) MoveToActivity(ctx context.Context, instanceID, fromActivityKey, toActivityKey string) error {
	body := map[string]any{
		"cancelActivityIds": []string{fromActivityKey},
		"startActivityIds":  []string{toActivityKey},
	}
	path := "/runtime/process-instances/" + url.PathEscape(instanceID) + "/change-state"
	return c.doJSON(ctx, "move_to_activity", http.MethodPost, path, nil, body, nil)
}

// SuspendInstance pauses a running instance.
func (c *RestClient) SuspendInstance(ctx context.Context, instanceID string) error {
	return c.changeInstanceState(ctx, "suspend_instance", instanceID, "suspend")
}

// ActivateInstance resumes a suspended instance.
func (c *RestClient) ActivateInstance(ctx context.Context, instanceID string) error {
	return c.changeInstanceState(ctx, "activate_instance", instanceID, "activate")
}

func (c *RestClient) changeInstanceState(ctx context.Context, operation, instanceID, action string) error {
	body := map[string]any{"action": action}
	path := "/runtime/process-instances/" + url.PathEscape(instanceID)
	return c.doJSON(ctx, operation, http.MethodPut, path, nil, body, nil)
}

// QueryTasksForUser returns open tasks where the user is assignee or
// candidate.
func (c *RestClient) QueryTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.Task, error) {
	page = page.Normalize()
	q := url.Values{}
	q.Set("candidateOrAssigned", userID)
	q.Set("start", strconv.Itoa(page.Offset()))
	q.Set("size", strconv.Itoa(page.Size))
	q.Set("sort", "createTime")
	q.Set("order", "desc")

	var list wireTaskList
	if err := c.doJSON(ctx, "query_tasks", http.MethodGet, "/runtime/tasks", q, nil, &list); err != nil {
		return nil, err
	}
	tasks := make([]model.Task, 0, len(list.Data))
	for _, wt := range list.Data {
		tasks = append(tasks, toTask(wt))
	}
	return tasks, nil
}

// CountTasksForUser returns the number of open tasks for a user.
func (c *RestClient) CountTasksForUser(ctx context.Context, userID string) (int, error) {
	q := url.Values{}
	q.Set("candidateOrAssigned", userID)
	q.Set("size", "1")

	var list wireTaskList
	if err := c.doJSON(ctx, "count_tasks", http.MethodGet, "/runtime/tasks", q, nil, &list); err != nil {
		return 0, err
	}
	return list.Total, nil
}

// QueryFinishedTasksForUser returns finished historic tasks for an
// assignee, most recent first.
func (c *RestClient) QueryFinishedTasksForUser(ctx context.Context, userID string, page model.Page) ([]model.HistoricTask, error) {
	page = page.Normalize()
	q := url.Values{}
	q.Set("taskAssignee", userID)
	q.Set("finished", "true")
	q.Set("start", strconv.Itoa(page.Offset()))
	q.Set("size", strconv.Itoa(page.Size))
	q.Set("sort", "endTime")
	q.Set("order", "desc")

	return c.queryHistoricTasks(ctx, "query_finished_tasks", q)
}

// GetHistory returns one instance's historic tasks.
func (c *RestClient) GetHistory(ctx context.Context, instanceID string) ([]model.HistoricTask, error) {
	q := url.Values{}
	q.Set("processInstanceId", instanceID)
	q.Set("sort", "startTime")
	q.Set("order", "asc")

	return c.queryHistoricTasks(ctx, "get_history", q)
}

func (c *RestClient) queryHistoricTasks(ctx context.Context, operation string, q url.Values) ([]model.HistoricTask, error) {
	var list wireHistoricTaskList
	if err := c.doJSON(ctx, operation, http.MethodGet, "/history/historic-task-instances", q, nil, &list); err != nil {
		return nil, err
	}
	tasks := make([]model.HistoricTask, 0, len(list.Data))
	for _, wt := range list.Data {
		tasks = append(tasks, toHistoricTask(wt))
	}
	return tasks, nil
}

// GetProcessDefinitions returns the deployed definitions for a process
// key, all versions.
func (c *RestClient) GetProcessDefinitions(ctx context.Context, processKey string) ([]ProcessDefinition, error) {
	q := url.Values{}
	q.Set("key", processKey)

	var list wireDefinitionList
	if err := c.doJSON(ctx, "get_definitions", http.MethodGet, "/repository/process-definitions", q, nil, &list); err != nil {
		return nil, err
	}
	defs := make([]ProcessDefinition, 0, len(list.Data))
	for _, wd := range list.Data {
		defs = append(defs, ProcessDefinition{
			ID:       wd.ID,
			Key:      wd.Key,
			Version:  wd.Version,
			Deployed: !wd.Suspended,
		})
	}
	return defs, nil
}

// HealthCheck verifies engine reachability.
func (c *RestClient) HealthCheck(ctx context.Context) error {
	q := url.Values{}
	q.Set("size", "1")
	var list wireDefinitionList
	return c.doJSON(ctx, "health_check", http.MethodGet, "/repository/process-definitions", q, nil, &list)
}

// --- transport ---

// doJSON executes one engine request, retrying GETs on retryable
// failures per the client policy.
func (c *RestClient) doJSON(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	attempt := 0
	shouldRetry := func(err error) bool {
		if method != http.MethodGet {
			return false
		}
		if !model.IsCode(err, model.ErrEngineUnavailable) {
			return false
		}
		if c.metrics != nil {
			c.metrics.EngineRetriesTotal.Inc()
		}
		c.logger.Debug("engine request retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return true
	}

	return retry.Do(ctx, c.policy, shouldRetry, func() error {
		attempt++
		return c.doOnce(ctx, operation, method, path, query, body, out)
	})
}

func (c *RestClient) doOnce(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.observe(operation, "error", elapsed)
		if ctx.Err() != nil {
			return model.NewEngineUnavailableError("engine request timed out: " + operation)
		}
		if isConnectionError(err) {
			return model.NewEngineUnavailableError("engine unreachable: " + err.Error())
		}
		return model.NewEngineUnavailableError(err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.observe(operation, "error", elapsed)
		return model.NewEngineUnavailableError("engine response read failed: " + err.Error())
	}

	c.observe(operation, strconv.Itoa(resp.StatusCode/100*100), elapsed)

	switch {
	case resp.StatusCode >= 500:
		return model.NewEngineUnavailableError(
			fmt.Sprintf("engine returned %d for %s", resp.StatusCode, operation),
		)
	case resp.StatusCode == http.StatusNotFound:
		return model.NewNotFoundError(
			fmt.Sprintf("engine resource not found for %s", operation),
		)
	case resp.StatusCode >= 400:
		return model.NewInternalError(
			fmt.Sprintf("engine rejected %s with status %d: %s", operation, resp.StatusCode, truncate(respBody, 200)),
		)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("engine: decode response for %s: %w", operation, err)
		}
	}
	return nil
}

func (c *RestClient) observe(operation, status string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveEngineRequest(operation, status, elapsed)
	}
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// --- DTO conversion ---

func toTask(wt wireTask) model.Task {
	return model.Task{
		ID:            wt.ID,
		Name:          wt.Name,
		Assignee:      wt.Assignee,
		DefinitionKey: wt.TaskDefinitionKey,
		ExecutionID:   wt.ExecutionID,
		InstanceID:    wt.ProcessInstanceID,
		CreatedAt:     parseEngineTime(wt.CreateTime),
		DueDate:       parseEngineTimePtr(wt.DueDate),
	}
}

func toHistoricTask(wt wireHistoricTask) model.HistoricTask {
	return model.HistoricTask{
		ID:            wt.ID,
		Name:          wt.Name,
		Assignee:      wt.Assignee,
		DefinitionKey: wt.TaskDefinitionKey,
		InstanceID:    wt.ProcessInstanceID,
		StartedAt:     parseEngineTime(wt.StartTime),
		EndedAt:       parseEngineTimePtr(wt.EndTime),
		Comment:       wt.Comment,
	}
}

func parseEngineTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseEngineTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseEngineTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}
