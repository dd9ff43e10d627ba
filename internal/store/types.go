package store

import (
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade/pkg/schema"
)

// Execution is the persisted state of one workflow run. Cursor and Scope
// are the continuation: everything a worker needs to resume the run after
// a suspension or a process restart.
type Execution struct {
	ID           string
	OrgID        string
	DefinitionID string
	Status       schema.ExecutionStatus
	TriggeredBy  schema.TriggeredBy
	Cursor       json.RawMessage
	Scope        json.RawMessage
	Output       json.RawMessage
	Error        json.RawMessage
	// Waiting marks a running execution suspended on an external call.
	Waiting     bool
	TaskHandle  string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionUpdate is a partial update; nil fields are left unchanged.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Cursor      json.RawMessage
	Scope       json.RawMessage
	Output      json.RawMessage
	Error       json.RawMessage
	Waiting     *bool
	TaskHandle  *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	OrgID        string
	DefinitionID string
	Status       *schema.ExecutionStatus
	Since        *time.Time
	Limit        int
	Offset       int
}

// StepRecord is one journal entry of the step execution journal. The
// (ExecutionID, StepSlug, Attempt) key makes duplicate continuation
// delivery idempotent: a second insert for the same attempt is a no-op.
type StepRecord struct {
	ID          string
	ExecutionID string
	StepSlug    string
	Attempt     int
	Kind        string
	Inputs      json.RawMessage
	Outputs     json.RawMessage
	Error       json.RawMessage
	StartedAt   time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
}

// DefinitionFilter selects workflow definitions for listing.
type DefinitionFilter struct {
	OrgID         string
	RootVersionID string
	Status        *schema.DefinitionStatus
	Scheduled     bool // only definitions with a cron expression
	Limit         int
	Offset        int
}

// Entity is one row of an embedded application's entity table, stored as
// an opaque JSON payload plus the fields the engine itself needs.
type Entity struct {
	ID        string
	OrgID     string
	Table     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// ProcessingRecord tracks per-workflow processing state of one entity.
// ClaimedAt is the provisional claim stamp written before an entity is
// handed to a workflow; ProcessedAt is the durable completion stamp.
type ProcessingRecord struct {
	ID              string
	OrgID           string
	Table           string
	WorkflowID      string
	EntityID        string
	EntityCreatedAt time.Time
	ClaimedAt       *time.Time
	ProcessedAt     *time.Time
	Metadata        json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
