// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/wardenhq/warden/internal/domain/project"
	"github.com/wardenhq/warden/internal/domain/supervision"
)

// Store is the port interface for database operations. The supervision write
// methods double as the hub's audit sink.
type Store interface {
	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Projects (read model for the dashboard)
	ListProjects(ctx context.Context) ([]project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	ListTasks(ctx context.Context, projectID string) ([]project.Task, error)
	GetTask(ctx context.Context, id string) (*project.Task, error)
	ListRuns(ctx context.Context, taskID string) ([]project.Run, error)
	GetRun(ctx context.Context, id string) (*project.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status project.RunStatus) error

	// Supervisor configuration
	ListSupervisors(ctx context.Context) ([]supervision.Supervisor, error)
	GetSupervisor(ctx context.Context, id string) (*supervision.Supervisor, error)
	CreateSupervisor(ctx context.Context, s supervision.Supervisor) error
	GetChain(ctx context.Context, id string) (*supervision.Chain, error)
	ListChainsForTool(ctx context.Context, toolID string) ([]supervision.Chain, error)
	CreateChain(ctx context.Context, c supervision.Chain) error

	// Supervision audit trail
	CreateRequestGroup(ctx context.Context, g supervision.RequestGroup) error
	GetRequestGroup(ctx context.Context, id string) (*supervision.RequestGroup, error)
	ListRequestGroups(ctx context.Context, runID string) ([]supervision.RequestGroup, error)
	CreateChainExecution(ctx context.Context, ex supervision.ChainExecution) error
	ListChainExecutions(ctx context.Context, runID string) ([]supervision.ChainExecution, error)
	CreateSupervisionRequest(ctx context.Context, req supervision.SupervisionRequest) error
	GetSupervisionRequest(ctx context.Context, id string) (*supervision.SupervisionRequest, error)
	UpdateSupervisionRequestStatus(ctx context.Context, id string, status supervision.Status) error
	CreateSupervisionResult(ctx context.Context, res supervision.SupervisionResult) error
	ListSupervisionResults(ctx context.Context, chainExecutionID string) ([]supervision.SupervisionResult, error)
	ListResultsBySupervisorType(ctx context.Context, t supervision.SupervisorType, limit int) ([]supervision.SupervisionResult, error)
	GetSupervisionResult(ctx context.Context, requestID string) (*supervision.SupervisionResult, error)
	RecordOutcome(ctx context.Context, out supervision.Outcome) error

	// Reviewer prompt override for the automated reviewer
	GetReviewerPrompt(ctx context.Context) (string, error)
	SetReviewerPrompt(ctx context.Context, prompt string) error
}
