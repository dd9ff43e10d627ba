package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/internal/expressions"
	"github.com/cascadehq/cascade/internal/planner"
	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

// Config tunes the claim scan.
type Config struct {
	// ScanLimit caps how many candidate entities one FindUnprocessed call
	// reads from storage.
	ScanLimit int
	// AllowFullScan permits queries whose filter matched no index. When
	// false such queries are rejected so an unindexed table cannot be
	// swept row by row.
	AllowFullScan bool
	// MaxClaimAttempts bounds transparent retries after losing a claim
	// race before giving up the current scan.
	MaxClaimAttempts int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{ScanLimit: 200, AllowFullScan: false, MaxClaimAttempts: 5}
}

// Ledger implements the processing-record claim protocol: find the oldest
// entity a workflow has not processed recently and claim it atomically, so
// two concurrent executions never pick the same entity.
type Ledger struct {
	store   store.Store
	indexes map[string][]planner.IndexSpec
	expr    *expressions.ExprEngine
	cfg     Config
	logger  *slog.Logger
}

// New creates a Ledger. indexes maps entity-table names to the index
// specs the embedding application maintains for them.
func New(st store.Store, indexes map[string][]planner.IndexSpec, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultConfig().ScanLimit
	}
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = DefaultConfig().MaxClaimAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   st,
		indexes: indexes,
		expr:    expressions.NewExprEngine(),
		cfg:     cfg,
		logger:  logger,
	}
}

// FindUnprocessed returns the oldest entity of a table that matches the
// optional filter and has not been processed or claimed by the workflow
// within backoff. The backoff exclusion happens in the candidate query
// itself; recently-processed entities never enter the scan. The returned
// entity carries a provisional claim stamp written before this call
// returns; nil means nothing is eligible.
//
// Claim races against concurrent executions are resolved internally:
// losing the claim on one candidate moves the scan to the next, up to
// MaxClaimAttempts losses.
func (l *Ledger) FindUnprocessed(ctx context.Context, org, table, workflowID string, backoff time.Duration, extraFilter string) (*store.Entity, error) {
	plan, err := planner.BuildPlan(extraFilter, l.indexes[table])
	if err != nil {
		return nil, err
	}
	if plan.FullScan() && len(plan.KeyConditions)+len(plan.Residual)+len(plan.PostFilter) > 0 && !l.cfg.AllowFullScan {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"filter on table %q matches no index and full scans are disabled", table)
	}

	cutoff := time.Now().UTC().Add(-backoff)
	entities, err := l.store.ListEntities(ctx, org, table, workflowID, cutoff, plan, l.cfg.ScanLimit)
	if err != nil {
		return nil, err
	}

	conflicts := 0
	for _, entity := range entities {
		ok, err := l.matches(ctx, entity, plan)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		err = l.store.ClaimEntity(ctx, org, table, workflowID, entity.ID, entity.CreatedAt, backoff)
		if err == nil {
			l.logger.DebugContext(ctx, "entity claimed",
				"table", table, "workflow_id", workflowID, "entity_id", entity.ID)
			return entity, nil
		}

		var cerr *schema.CascadeError
		if errors.As(err, &cerr) && cerr.Code == schema.ErrCodeClaimConflict {
			conflicts++
			if conflicts >= l.cfg.MaxClaimAttempts {
				l.logger.WarnContext(ctx, "claim scan exhausted",
					"table", table, "workflow_id", workflowID, "conflicts", conflicts)
				return nil, nil
			}
			continue
		}
		return nil, err
	}

	return nil, nil
}

// RecordProcessed stamps an entity processed for a workflow. Idempotent:
// repeating the call for the same key overwrites the single record.
func (l *Ledger) RecordProcessed(ctx context.Context, org, table, workflowID, entityID string, entityCreatedAt time.Time, metadata map[string]any) (string, error) {
	var meta json.RawMessage
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", schema.NewError(schema.ErrCodeStore, "marshal processing metadata").WithCause(err)
		}
		meta = b
	}
	return l.store.RecordProcessed(ctx, &store.ProcessingRecord{
		OrgID:           org,
		Table:           table,
		WorkflowID:      workflowID,
		EntityID:        entityID,
		EntityCreatedAt: entityCreatedAt,
		Metadata:        meta,
	})
}

// matches applies the plan's residual conditions and post-filter
// expressions to one entity payload in memory.
func (l *Ledger) matches(ctx context.Context, entity *store.Entity, plan *planner.Plan) (bool, error) {
	if len(plan.Residual) == 0 && len(plan.PostFilter) == 0 {
		return true, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(entity.Payload, &payload); err != nil {
		return false, schema.NewErrorf(schema.ErrCodeStore,
			"entity %q payload is not an object", entity.ID).WithCause(err)
	}

	for _, cond := range plan.Residual {
		ok, err := matchCondition(payload, cond)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	for _, fragment := range plan.PostFilter {
		out, err := l.expr.Evaluate(ctx, fragment, payload)
		if err != nil {
			// A reference the payload lacks simply fails the match.
			var cerr *schema.CascadeError
			if errors.As(err, &cerr) && cerr.Code == schema.ErrCodeUnresolvedReference {
				return false, nil
			}
			return false, err
		}
		ok, err := expressions.AsBool(out)
		if err != nil || !ok {
			return false, nil
		}
	}

	return true, nil
}

// matchCondition evaluates one field comparison against a payload value.
func matchCondition(payload map[string]any, cond planner.Condition) (bool, error) {
	val, ok := lookupField(payload, cond.Field)
	if !ok {
		return false, nil
	}

	if cond.Operator == planner.OpEq {
		return equalValues(val, cond.Value), nil
	}

	left, err := expressions.AsNumber(val)
	if err != nil {
		// Range comparisons on non-numeric values fall back to string order.
		ls, rs := expressions.AsString(val), expressions.AsString(cond.Value)
		return compareStrings(ls, rs, cond.Operator), nil
	}
	right, err := expressions.AsNumber(cond.Value)
	if err != nil {
		return false, nil
	}

	switch cond.Operator {
	case planner.OpLt:
		return left < right, nil
	case planner.OpLte:
		return left <= right, nil
	case planner.OpGt:
		return left > right, nil
	case planner.OpGte:
		return left >= right, nil
	}
	return false, nil
}

func compareStrings(left, right string, op planner.Operator) bool {
	switch op {
	case planner.OpLt:
		return left < right
	case planner.OpLte:
		return left <= right
	case planner.OpGt:
		return left > right
	case planner.OpGte:
		return left >= right
	}
	return false
}

func equalValues(a, b any) bool {
	if na, err := expressions.AsNumber(a); err == nil {
		if nb, err := expressions.AsNumber(b); err == nil {
			return na == nb
		}
		return false
	}
	return expressions.AsString(a) == expressions.AsString(b)
}

// lookupField navigates a dotted field path through a payload object.
func lookupField(payload map[string]any, field string) (any, bool) {
	current := any(payload)
	start := 0
	for start <= len(field) {
		end := start
		for end < len(field) && field[end] != '.' {
			end++
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[field[start:end]]
		if !ok {
			return nil, false
		}
		start = end + 1
	}
	return current, true
}
