package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
// A running execution may suspend while an external call is in flight;
// suspension is a persisted marker on the execution, not a status change.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// ValidExecutionTransitions defines the allowed status transitions.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:   {ExecutionStatusRunning, ExecutionStatusCancelled},
	ExecutionStatusRunning:   {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusCompleted: {},
	ExecutionStatusFailed:    {},
	ExecutionStatusCancelled: {},
}

// CanTransition reports whether from -> to is an allowed status change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Cursor is the persisted position of an execution within its step graph.
// LoopIndex and LoopItems are populated only while inside a loop step:
// LoopSlug names the loop, LoopIndex the next unprocessed item, BodyPos the
// position within the loop body for the current item.
type Cursor struct {
	CurrentSlug string          `json:"current_slug"`
	LoopSlug    string          `json:"loop_slug,omitempty"`
	LoopIndex   int             `json:"loop_index,omitempty"`
	BodyPos     int             `json:"body_pos,omitempty"`
	LoopItems   json.RawMessage `json:"loop_items,omitempty"`
}

// InLoop reports whether the cursor is inside a loop body.
func (c *Cursor) InLoop() bool { return c.LoopSlug != "" }

// ExecutionState is a status snapshot exposed to callers.
type ExecutionState struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	CurrentStep string          `json:"current_step,omitempty"`
	Waiting     bool            `json:"waiting,omitempty"`
	Error       *CascadeError   `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// CompletionResult is delivered to the completion callback when an
// execution reaches a terminal status.
type CompletionResult struct {
	ExecutionID string          `json:"execution_id"`
	OrgID       string          `json:"org_id"`
	Status      ExecutionStatus `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *CascadeError   `json:"error,omitempty"`
}
