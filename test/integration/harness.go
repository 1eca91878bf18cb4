// Package integration provides a reusable harness for end-to-end tests
// of the approval service: a fully wired orchestrator over in-memory
// stores, a scripted fake engine, and the operational HTTP listener
// mounted on an httptest server.
package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openclaims/approvald/internal/config"
	"github.com/openclaims/approvald/internal/directory"
	"github.com/openclaims/approvald/internal/engine"
	"github.com/openclaims/approvald/internal/observability"
	"github.com/openclaims/approvald/internal/retry"
	"github.com/openclaims/approvald/internal/routing"
	"github.com/openclaims/approvald/internal/transport"
	"github.com/openclaims/approvald/internal/workflow"
	"github.com/openclaims/approvald/model"
)

// Harness encapsulates a fully wired approval service for integration
// testing. Internal components are exported for scenario setup and
// assertions.
type Harness struct {
	t      *testing.T
	server *httptest.Server

	Config       *config.Config
	Store        *workflow.MemoryStore
	Users        *directory.MemoryUserStore
	Engine       *engine.FakeEngine
	Orchestrator *workflow.Orchestrator
	Syncer       *directory.Syncer
}

// Option configures the harness.
type Option func(*harnessConfig)

type harnessConfig struct {
	tasks []model.Task
	users []model.User
}

// WithTasks sets the approval steps instances will walk through.
func WithTasks(tasks ...model.Task) Option {
	return func(c *harnessConfig) { c.tasks = tasks }
}

// WithUsers seeds additional directory users.
func WithUsers(users ...model.User) Option {
	return func(c *harnessConfig) { c.users = users }
}

// NewHarness wires the service with in-memory infrastructure and a
// scripted fake engine, and starts the operational listener.
func NewHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	hc := &harnessConfig{
		tasks: []model.Task{
			{Name: "Manager Approval", DefinitionKey: "managerApproval", Assignee: "mgr-1"},
			{Name: "Executive Signoff", DefinitionKey: "executiveSignoff", Assignee: "coo-1"},
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	cfg := config.Defaults()
	cfg.Engine.BaseURL = "http://fake-engine"

	users := directory.NewMemoryUserStore()
	users.Seed(
		model.User{ID: "emp-1", Name: "Ada", Department: "Finance", Title: "Analyst", ManagerID: "mgr-1", Active: true, Version: 1},
		model.User{ID: "mgr-1", Name: "Ben", Department: "Finance", Title: "Manager", Active: true, Version: 1},
		model.User{ID: "cmp-1", Name: "Cam", Department: "Compliance", Title: "Manager", Active: true, Version: 1},
		model.User{ID: "coo-1", Name: "Eve", Department: "Executive", Title: "COO", Active: true, Version: 1},
		model.User{ID: "cfo-1", Name: "Fay", Department: "Finance", Title: "CFO", Active: true, Version: 1},
	)
	users.Seed(hc.users...)

	cache := directory.NewMemoryUserCache()
	lookup := directory.NewCachedLookup(users, cache, time.Minute, nil)
	syncer := directory.NewSyncer(users, lookup, retry.FromConfig(cfg.Directory.SyncRetry), nil, nil)

	fake := engine.NewFakeEngine()
	fake.Script("expenseApproval", hc.tasks...)

	store := workflow.NewMemoryStore()
	orch := workflow.NewOrchestrator(
		store,
		fake,
		routing.NewResolver(lookup, cfg.Routing, nil, nil),
		engine.NewKeyResolver(fake, cfg.Engine.ProcessKeys),
		lookup,
		nil,
		nil,
	)

	cfg.Observability.Metrics.Enabled = false // the default registry is process-global
	mux := transport.NewOpsMux(cfg, transport.OpsDeps{
		Checks: observability.ReadinessChecks{WorkflowStore: store},
		Syncer: syncer,
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &Harness{
		t:            t,
		server:       server,
		Config:       cfg,
		Store:        store,
		Users:        users,
		Engine:       fake,
		Orchestrator: orch,
		Syncer:       syncer,
	}
}

// GET issues a GET request against the operational listener.
func (h *Harness) GET(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// POST issues a JSON POST request against the operational listener.
func (h *Harness) POST(path string, body any) *http.Response {
	h.t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		h.t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(h.server.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		h.t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// DecodeJSON asserts the response status and decodes its body.
func (h *Harness) DecodeJSON(resp *http.Response, wantStatus int, out any) {
	h.t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != wantStatus {
		h.t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			h.t.Fatalf("decode body %q: %v", raw, err)
		}
	}
}

// CurrentTaskID returns the instance's open engine task ID.
func (h *Harness) CurrentTaskID(inst model.WorkflowInstance) string {
	h.t.Helper()
	task, err := h.Engine.GetCurrentTask(h.t.Context(), inst.EngineInstanceID)
	if err != nil {
		h.t.Fatalf("GetCurrentTask: %v", err)
	}
	if task == nil {
		h.t.Fatal("no current task")
	}
	return task.ID
}
