// Package api is the REST surface: the approvals endpoints used by human
// operators, workflow deploy/undeploy, and health.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/corrflow/corrflow/pkg/fsm"
	"github.com/corrflow/corrflow/pkg/models"
)

// Approvals is the coordinator surface the handlers need.
type Approvals interface {
	ListPending() []models.ApprovalGate
	Summary() (pending, total int)
	Get(gateID string) (*models.ApprovalGate, bool)
	Resolve(decision models.ApprovalDecision) error
	CancelGate(gateID string) bool
}

// WorkflowRuntime deploys machines and tears workflows down.
type WorkflowRuntime interface {
	DeployFSM(ctx context.Context, workflowID string, desc *models.FSMDescriptor) error
	UndeployWorkflow(ctx context.Context, workflowID string) int
	Deployed() []fsm.MachineStatus
}

// HandlerRegistry holds the propagated-event handlers per workflow.
type HandlerRegistry interface {
	RegisterHandler(desc models.HandlerDescriptor)
	UnregisterWorkflow(workflowID string) int
}

// Server is the HTTP server.
type Server struct {
	echo      *echo.Echo
	http      *http.Server
	approvals Approvals
	runtime   WorkflowRuntime
	handlers  HandlerRegistry
}

// NewServer creates the server and registers all routes.
func NewServer(approvals Approvals, runtime WorkflowRuntime, handlers HandlerRegistry) *Server {
	s := &Server{
		echo:      echo.New(),
		approvals: approvals,
		runtime:   runtime,
		handlers:  handlers,
	}
	s.echo.Use(securityHeaders())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo

	e.GET("/healthz", s.healthHandler)

	e.GET("/approvals", s.listApprovalsHandler)
	e.GET("/approvals/summary", s.approvalsSummaryHandler)
	e.GET("/approvals/:gate_id", s.getApprovalHandler)
	e.POST("/approvals/:gate_id", s.decideApprovalHandler)
	e.DELETE("/approvals/:gate_id", s.cancelApprovalHandler)

	v1 := e.Group("/api/v1")
	v1.GET("/workflows", s.listWorkflowsHandler)
	v1.POST("/workflows", s.deployWorkflowHandler)
	v1.DELETE("/workflows/:workflow_id", s.undeployWorkflowHandler)
}

// Start serves on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
