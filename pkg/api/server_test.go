package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corrflow/corrflow/pkg/approval"
	"github.com/corrflow/corrflow/pkg/fsm"
	"github.com/corrflow/corrflow/pkg/models"
)

type fakeApprovals struct {
	gates    map[string]*models.ApprovalGate
	resolved []models.ApprovalDecision
	errs     map[string]error
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{
		gates: make(map[string]*models.ApprovalGate),
		errs:  make(map[string]error),
	}
}

func (f *fakeApprovals) ListPending() []models.ApprovalGate {
	var out []models.ApprovalGate
	for _, g := range f.gates {
		if g.Status == models.GateStatusPending {
			out = append(out, *g)
		}
	}
	return out
}

func (f *fakeApprovals) Summary() (int, int) {
	pending := 0
	for _, g := range f.gates {
		if g.Status == models.GateStatusPending {
			pending++
		}
	}
	return pending, len(f.gates)
}

func (f *fakeApprovals) Get(gateID string) (*models.ApprovalGate, bool) {
	g, ok := f.gates[gateID]
	return g, ok
}

func (f *fakeApprovals) Resolve(decision models.ApprovalDecision) error {
	if err, ok := f.errs[decision.GateID]; ok {
		return err
	}
	if _, ok := f.gates[decision.GateID]; !ok {
		return fmt.Errorf("%w: %s", approval.ErrGateNotFound, decision.GateID)
	}
	f.resolved = append(f.resolved, decision)
	f.gates[decision.GateID].Status = decision.Decision
	return nil
}

func (f *fakeApprovals) CancelGate(gateID string) bool {
	g, ok := f.gates[gateID]
	if !ok || g.Status != models.GateStatusPending {
		return false
	}
	g.Status = models.GateStatusCancelled
	return true
}

type fakeRuntime struct {
	deployed    map[string]string
	deployErr   error
	undeployed  []string
	deployCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{deployed: make(map[string]string)}
}

func (f *fakeRuntime) DeployFSM(_ context.Context, workflowID string, desc *models.FSMDescriptor) error {
	f.deployCalls++
	if f.deployErr != nil {
		return f.deployErr
	}
	f.deployed[desc.MachineID] = workflowID
	return nil
}

func (f *fakeRuntime) UndeployWorkflow(_ context.Context, workflowID string) int {
	f.undeployed = append(f.undeployed, workflowID)
	n := 0
	for machineID, wf := range f.deployed {
		if wf == workflowID {
			delete(f.deployed, machineID)
			n++
		}
	}
	return n
}

func (f *fakeRuntime) Deployed() []fsm.MachineStatus {
	var out []fsm.MachineStatus
	for machineID, wf := range f.deployed {
		out = append(out, fsm.MachineStatus{MachineID: machineID, WorkflowID: wf, Instances: 1})
	}
	return out
}

type fakeHandlers struct {
	registered []models.HandlerDescriptor
}

func (f *fakeHandlers) RegisterHandler(desc models.HandlerDescriptor) {
	f.registered = append(f.registered, desc)
}

func (f *fakeHandlers) UnregisterWorkflow(workflowID string) int {
	n := 0
	kept := f.registered[:0]
	for _, h := range f.registered {
		if h.WorkflowID == workflowID {
			n++
			continue
		}
		kept = append(kept, h)
	}
	f.registered = kept
	return n
}

func newTestServer() (*Server, *fakeApprovals, *fakeRuntime, *fakeHandlers) {
	approvals := newFakeApprovals()
	runtime := newFakeRuntime()
	handlers := &fakeHandlers{}
	return NewServer(approvals, runtime, handlers), approvals, runtime, handlers
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func pendingGate(id string) *models.ApprovalGate {
	return &models.ApprovalGate{
		GateID:          id,
		Status:          models.GateStatusPending,
		ContextSnapshot: map[string]any{"event.machine_id": "m-1"},
	}
}

func TestListApprovalsReturnsPendingOnly(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G-1"] = pendingGate("G-1")
	approvals.gates["G-2"] = &models.ApprovalGate{GateID: "G-2", Status: models.GateStatusApproved}

	rec := do(s, http.MethodGet, "/approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var gates []models.ApprovalGate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gates))
	require.Len(t, gates, 1)
	assert.Equal(t, "G-1", gates[0].GateID)
}

func TestApprovalsSummary(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G-1"] = pendingGate("G-1")
	approvals.gates["G-2"] = &models.ApprovalGate{GateID: "G-2", Status: models.GateStatusRejected}

	rec := do(s, http.MethodGet, "/approvals/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 2, summary.Total)
}

func TestGetApproval(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G-1"] = pendingGate("G-1")

	rec := do(s, http.MethodGet, "/approvals/G-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var gate models.ApprovalGate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gate))
	assert.Equal(t, "m-1", gate.ContextSnapshot["event.machine_id"])

	rec = do(s, http.MethodGet, "/approvals/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecideApprovalIsCaseInsensitive(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")

	rec := do(s, http.MethodPost, "/approvals/G",
		`{"decision":"APPROVED","decided_by":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DecisionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, "approved", resp.Decision)

	require.Len(t, approvals.resolved, 1)
	assert.Equal(t, models.DecisionApproved, approvals.resolved[0].Decision)
	assert.Equal(t, "alice", approvals.resolved[0].DecidedBy)
}

func TestDecideApprovalValidation(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing decision", "/approvals/G", `{"decided_by":"alice"}`, http.StatusBadRequest},
		{"missing decided_by", "/approvals/G", `{"decision":"APPROVED"}`, http.StatusBadRequest},
		{"unknown gate", "/approvals/nope", `{"decision":"APPROVED","decided_by":"alice"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestDecideApprovalNotPending(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")
	approvals.errs["G"] = fmt.Errorf("%w: G is approved", approval.ErrGateNotPending)

	rec := do(s, http.MethodPost, "/approvals/G",
		`{"decision":"REJECTED","decided_by":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideApprovalInvalidDecision(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")
	approvals.errs["G"] = fmt.Errorf("%w: %q", approval.ErrInvalidDecision, "maybe")

	rec := do(s, http.MethodPost, "/approvals/G",
		`{"decision":"maybe","decided_by":"bob"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelApproval(t *testing.T) {
	s, approvals, _, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")

	rec := do(s, http.MethodDelete, "/approvals/G", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.GateStatusCancelled, approvals.gates["G"].Status)

	rec = do(s, http.MethodDelete, "/approvals/G", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "cancelled gate is no longer cancellable")
}

func deployBody(workflowID string) string {
	req := DeployWorkflowRequest{
		WorkflowID: workflowID,
		Machines: []models.FSMDescriptor{{
			MachineID:      "m-1",
			States:         []string{"IDLE", "FULL", "EXPIRED"},
			InitialState:   "IDLE",
			FullMatchState: "FULL",
			ExpiredState:   "EXPIRED",
		}},
		Handlers: []models.HandlerDescriptor{{
			HandlerID:            "h-1",
			TriggeredByMachineID: "m-1",
			Pipeline:             []models.PipelineStep{{ID: "log", Kind: models.StepLog, Message: "hi"}},
		}},
	}
	b, _ := json.Marshal(req)
	return string(b)
}

func TestDeployWorkflow(t *testing.T) {
	s, _, runtime, handlers := newTestServer()

	rec := do(s, http.MethodPost, "/api/v1/workflows", deployBody("wf-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp DeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Machines)
	assert.Equal(t, 1, resp.Handlers)

	assert.Equal(t, "wf-1", runtime.deployed["m-1"])
	require.Len(t, handlers.registered, 1)
	assert.Equal(t, "wf-1", handlers.registered[0].WorkflowID,
		"workflow id is stamped onto registered handlers")
}

func TestDeployWorkflowValidation(t *testing.T) {
	s, _, _, _ := newTestServer()

	rec := do(s, http.MethodPost, "/api/v1/workflows", `{"machines":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "workflow_id is required")

	rec = do(s, http.MethodPost, "/api/v1/workflows", `{"workflow_id":"wf-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "empty workflow is rejected")
}

func TestDeployWorkflowRejectsBadPipeline(t *testing.T) {
	s, _, runtime, _ := newTestServer()

	req := DeployWorkflowRequest{
		WorkflowID: "wf-1",
		Handlers: []models.HandlerDescriptor{{
			HandlerID:            "h-1",
			TriggeredByMachineID: "m-1",
			Pipeline: []models.PipelineStep{
				{ID: "send", Kind: models.StepSendEmail, RequiresApprovalGateID: "approve"},
			},
		}},
	}
	b, _ := json.Marshal(req)

	rec := do(s, http.MethodPost, "/api/v1/workflows", string(b))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, runtime.deployCalls)
}

func TestDeployWorkflowRollsBackOnFailure(t *testing.T) {
	s, _, runtime, handlers := newTestServer()
	runtime.deployErr = fmt.Errorf("%w: m-1", fsm.ErrMachineDeployed)

	rec := do(s, http.MethodPost, "/api/v1/workflows", deployBody("wf-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, runtime.undeployed, "wf-1", "failed deploy rolls the workflow back")
	assert.Empty(t, handlers.registered)
}

func TestUndeployWorkflow(t *testing.T) {
	s, _, _, _ := newTestServer()
	require.Equal(t, http.StatusCreated, do(s, http.MethodPost, "/api/v1/workflows", deployBody("wf-1")).Code)

	rec := do(s, http.MethodDelete, "/api/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp UndeployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.MachinesRemoved)
	assert.Equal(t, 1, resp.HandlersRemoved)

	rec = do(s, http.MethodDelete, "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthz(t *testing.T) {
	s, approvals, runtime, _ := newTestServer()
	approvals.gates["G"] = pendingGate("G")
	runtime.deployed["m-1"] = "wf-1"

	rec := do(s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 1, resp.Machines)
	assert.Equal(t, 1, resp.PendingApprovals)
}
