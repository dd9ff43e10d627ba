package store

import (
	"context"
	"time"

	"github.com/cascadehq/cascade/internal/planner"
	"github.com/cascadehq/cascade/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetActiveDefinition(ctx context.Context, orgID, rootVersionID string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	// ActivateDefinition makes one version active and archives any other
	// active version of the same root, in a single transaction.
	ActivateDefinition(ctx context.Context, id string) error
	ArchiveDefinition(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Step journal (append-only)
	// AppendStepRecord returns false without error when a record for the
	// same (execution, step, attempt) already exists.
	AppendStepRecord(ctx context.Context, rec *StepRecord) (bool, error)
	ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error)

	// Entities
	UpsertEntity(ctx context.Context, entity *Entity) error
	// ListEntities returns entities of a table ordered by creation time,
	// restricted by the plan's key conditions. Entities whose processing
	// record for workflowID carries a claim or processed stamp at or after
	// cutoff are excluded; an empty workflowID skips the exclusion.
	// Residual conditions and post-filters are the caller's concern.
	ListEntities(ctx context.Context, orgID, table, workflowID string, cutoff time.Time, plan *planner.Plan, limit int) ([]*Entity, error)

	// Processing records
	// ClaimEntity stamps a provisional claim in one atomic statement. It
	// fails with CLAIM_CONFLICT when a live claim or a recent processed
	// stamp (within backoff) already exists.
	ClaimEntity(ctx context.Context, org, table, workflowID, entityID string, entityCreatedAt time.Time, backoff time.Duration) error
	// RecordProcessed stamps an entity processed; idempotent per key.
	RecordProcessed(ctx context.Context, rec *ProcessingRecord) (string, error)
	GetProcessingRecord(ctx context.Context, org, table, workflowID, entityID string) (*ProcessingRecord, error)

	// Scheduling
	// CreateScheduledExecution advances a definition's last-triggered
	// stamp and creates the execution in one transaction. A concurrent
	// sweep that already advanced the stamp loses with SCHEDULE_RACE.
	CreateScheduledExecution(ctx context.Context, exec *Execution, firedAt time.Time) error
	// LastTriggeredAt returns a definition's schedule stamp, nil when it
	// has never fired.
	LastTriggeredAt(ctx context.Context, definitionID string) (*time.Time, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
