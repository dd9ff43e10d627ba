package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/planner"
	"github.com/cascadehq/cascade/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedDefinition(t *testing.T, s *LibSQLStore, status schema.DefinitionStatus) *schema.WorkflowDefinition {
	t.Helper()
	def := &schema.WorkflowDefinition{
		ID:            uuid.NewString(),
		OrgID:         "org-1",
		Name:          "order-intake",
		Status:        status,
		RootVersionID: uuid.NewString(),
		Version:       1,
		Steps: []schema.StepDefinition{
			{Slug: "on_order", Type: schema.StepTypeTrigger, Next: "notify"},
			{Slug: "notify", Type: schema.StepTypeAction, Params: json.RawMessage(`{"action":"vars.echo"}`)},
		},
		Variables:      map[string]any{"region": "eu"},
		CronExpression: "*/5 * * * *",
	}
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

func seedExecution(t *testing.T, s *LibSQLStore, def *schema.WorkflowDefinition) *Execution {
	t.Helper()
	exec := &Execution{
		ID:           uuid.NewString(),
		OrgID:        def.OrgID,
		DefinitionID: def.ID,
		Status:       schema.ExecutionStatusPending,
		TriggeredBy:  schema.TriggeredByManual,
		Scope:        json.RawMessage(`{"trigger":{"id":"o-1"}}`),
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

// --- Definitions ---

func TestCreateAndGetDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusDraft)

	got, err := s.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, schema.DefinitionStatusDraft, got.Status)
	assert.Len(t, got.Steps, 2)
	assert.Equal(t, "on_order", got.Steps[0].Slug)
	assert.Equal(t, map[string]any{"region": "eu"}, got.Variables)
	assert.Equal(t, "*/5 * * * *", got.CronExpression)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDefinition(context.Background(), "missing")
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestActivateDefinition_ArchivesSiblingVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := seedDefinition(t, s, schema.DefinitionStatusActive)
	v2 := &schema.WorkflowDefinition{
		ID:            uuid.NewString(),
		OrgID:         v1.OrgID,
		Name:          v1.Name,
		Status:        schema.DefinitionStatusDraft,
		RootVersionID: v1.RootVersionID,
		Version:       2,
		Steps:         v1.Steps,
	}
	require.NoError(t, s.CreateDefinition(ctx, v2))

	require.NoError(t, s.ActivateDefinition(ctx, v2.ID))

	got1, err := s.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusArchived, got1.Status)

	got2, err := s.GetDefinition(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DefinitionStatusActive, got2.Status)

	active, err := s.GetActiveDefinition(ctx, v1.OrgID, v1.RootVersionID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)
}

func TestListDefinitions_ScheduledFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withCron := seedDefinition(t, s, schema.DefinitionStatusActive)
	noCron := &schema.WorkflowDefinition{
		ID:            uuid.NewString(),
		OrgID:         "org-1",
		Name:          "manual-only",
		Status:        schema.DefinitionStatusActive,
		RootVersionID: uuid.NewString(),
		Version:       1,
		Steps:         withCron.Steps,
	}
	require.NoError(t, s.CreateDefinition(ctx, noCron))

	active := schema.DefinitionStatusActive
	defs, err := s.ListDefinitions(ctx, DefinitionFilter{OrgID: "org-1", Status: &active, Scheduled: true})
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, withCron.ID, defs[0].ID)
}

// --- Executions ---

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusActive)
	exec := seedExecution(t, s, def)

	running := schema.ExecutionStatusRunning
	now := time.Now().UTC()
	waiting := true
	handle := "task-42"
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{
		Status:     &running,
		Cursor:     json.RawMessage(`{"current_slug":"notify"}`),
		Waiting:    &waiting,
		TaskHandle: &handle,
		StartedAt:  &now,
	}))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.True(t, got.Waiting)
	assert.Equal(t, "task-42", got.TaskHandle)
	assert.JSONEq(t, `{"current_slug":"notify"}`, string(got.Cursor))
	assert.JSONEq(t, `{"trigger":{"id":"o-1"}}`, string(got.Scope))
	require.NotNil(t, got.StartedAt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)

	running := schema.ExecutionStatusRunning
	err := s.UpdateExecution(context.Background(), "missing", ExecutionUpdate{Status: &running})
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

func TestListExecutions_ByOrgAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusActive)
	first := seedExecution(t, s, def)
	second := seedExecution(t, s, def)

	running := schema.ExecutionStatusRunning
	require.NoError(t, s.UpdateExecution(ctx, second.ID, ExecutionUpdate{Status: &running}))

	execs, err := s.ListExecutions(ctx, ExecutionFilter{OrgID: "org-1", Status: &running})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, second.ID, execs[0].ID)

	execs, err = s.ListExecutions(ctx, ExecutionFilter{OrgID: "org-1", DefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 2)

	_ = first
}

// --- Step journal ---

func TestAppendStepRecord_DuplicateAttemptIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusActive)
	exec := seedExecution(t, s, def)

	rec := &StepRecord{
		ExecutionID: exec.ID,
		StepSlug:    "notify",
		Attempt:     1,
		Kind:        schema.JournalStepCompleted,
		Inputs:      json.RawMessage(`{"vars":{"region":"eu"}}`),
		Outputs:     json.RawMessage(`{"status":200}`),
		StartedAt:   time.Now().UTC(),
	}
	inserted, err := s.AppendStepRecord(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Duplicate continuation delivery: same execution, step, attempt.
	dup := &StepRecord{
		ExecutionID: exec.ID,
		StepSlug:    "notify",
		Attempt:     1,
		Kind:        schema.JournalStepCompleted,
		StartedAt:   time.Now().UTC(),
	}
	inserted, err = s.AppendStepRecord(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	records, err := s.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"status":200}`, string(records[0].Outputs))
	assert.JSONEq(t, `{"vars":{"region":"eu"}}`, string(records[0].Inputs))

	// A new attempt is a new record.
	retry := &StepRecord{
		ExecutionID: exec.ID,
		StepSlug:    "notify",
		Attempt:     2,
		Kind:        schema.JournalStepFailed,
		StartedAt:   time.Now().UTC(),
	}
	inserted, err = s.AppendStepRecord(ctx, retry)
	require.NoError(t, err)
	assert.True(t, inserted)
}

// --- Entities and plans ---

func seedEntities(t *testing.T, s *LibSQLStore) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []struct {
		id      string
		payload string
	}{
		{"e-1", `{"status":"open","amount":50}`},
		{"e-2", `{"status":"open","amount":200}`},
		{"e-3", `{"status":"closed","amount":500}`},
	}
	for i, r := range rows {
		require.NoError(t, s.UpsertEntity(ctx, &Entity{
			ID:        r.id,
			OrgID:     "org-1",
			Table:     "orders",
			Payload:   json.RawMessage(r.payload),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}
}

func TestListEntities_PlanConditions(t *testing.T) {
	s := newTestStore(t)
	seedEntities(t, s)

	plan := &planner.Plan{
		KeyConditions: []planner.Condition{
			{Field: "status", Operator: planner.OpEq, Value: "open"},
			{Field: "amount", Operator: planner.OpGt, Value: 100},
		},
	}

	entities, err := s.ListEntities(context.Background(), "org-1", "orders", "", time.Time{}, plan, 10)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "e-2", entities[0].ID)
}

func TestListEntities_OrderedByCreation(t *testing.T) {
	s := newTestStore(t)
	seedEntities(t, s)

	entities, err := s.ListEntities(context.Background(), "org-1", "orders", "", time.Time{}, nil, 0)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Equal(t, "e-1", entities[0].ID)
	assert.Equal(t, "e-3", entities[2].ID)
}

func TestListEntities_ExcludesRecentlyProcessedForWorkflow(t *testing.T) {
	s := newTestStore(t)
	seedEntities(t, s)
	ctx := context.Background()

	// e-1 processed just now, e-2 claimed just now, both by wf-1.
	_, err := s.RecordProcessed(ctx, &ProcessingRecord{
		OrgID: "org-1", Table: "orders", WorkflowID: "wf-1", EntityID: "e-1",
		EntityCreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NoError(t, s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-2",
		time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC), 24*time.Hour))

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	entities, err := s.ListEntities(ctx, "org-1", "orders", "wf-1", cutoff, nil, 0)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "e-3", entities[0].ID)

	// Another workflow still sees all three.
	entities, err = s.ListEntities(ctx, "org-1", "orders", "wf-2", cutoff, nil, 0)
	require.NoError(t, err)
	assert.Len(t, entities, 3)

	// Past the backoff window the stamps no longer exclude.
	entities, err = s.ListEntities(ctx, "org-1", "orders", "wf-1", time.Now().UTC().Add(time.Minute), nil, 0)
	require.NoError(t, err)
	assert.Len(t, entities, 3)
}

// --- Processing records ---

func TestClaimEntity_SecondClaimConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	err := s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-1", created, 24*time.Hour)
	require.NoError(t, err)

	err = s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-1", created, 24*time.Hour)
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeClaimConflict, cerr.Code)
	assert.True(t, cerr.IsRetryableInternally())

	// A different workflow claims the same entity independently.
	err = s.ClaimEntity(ctx, "org-1", "orders", "wf-2", "e-1", created, 24*time.Hour)
	assert.NoError(t, err)
}

func TestClaimEntity_StaleClaimReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-1", created, 24*time.Hour))

	// With a zero backoff the previous claim is already stale.
	err := s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-1", created, 0)
	assert.NoError(t, err)
}

func TestRecordProcessed_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &ProcessingRecord{
		OrgID:           "org-1",
		Table:           "orders",
		WorkflowID:      "wf-1",
		EntityID:        "e-1",
		EntityCreatedAt: time.Now().UTC().Add(-time.Hour),
		Metadata:        json.RawMessage(`{"result":"ok"}`),
	}

	firstID, err := s.RecordProcessed(ctx, rec)
	require.NoError(t, err)

	again := *rec
	again.ID = ""
	again.Metadata = json.RawMessage(`{"result":"updated"}`)
	secondID, err := s.RecordProcessed(ctx, &again)
	require.NoError(t, err)
	assert.Equal(t, firstID, secondID)

	got, err := s.GetProcessingRecord(ctx, "org-1", "orders", "wf-1", "e-1")
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)
	assert.Nil(t, got.ClaimedAt)
	assert.JSONEq(t, `{"result":"updated"}`, string(got.Metadata))
}

func TestRecordProcessed_ClearsClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.ClaimEntity(ctx, "org-1", "orders", "wf-1", "e-1", created, 24*time.Hour))

	_, err := s.RecordProcessed(ctx, &ProcessingRecord{
		OrgID: "org-1", Table: "orders", WorkflowID: "wf-1", EntityID: "e-1",
		EntityCreatedAt: created,
	})
	require.NoError(t, err)

	got, err := s.GetProcessingRecord(ctx, "org-1", "orders", "wf-1", "e-1")
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.ProcessedAt)
}

// --- Scheduled executions ---

func TestCreateScheduledExecution_ExactlyOncePerTick(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusActive)
	firedAt := time.Now().UTC().Truncate(time.Minute)

	first := &Execution{
		ID: uuid.NewString(), OrgID: def.OrgID, DefinitionID: def.ID,
		Status: schema.ExecutionStatusPending, TriggeredBy: schema.TriggeredBySchedule,
	}
	require.NoError(t, s.CreateScheduledExecution(ctx, first, firedAt))

	// A second sweep for the same tick loses the compare-and-set.
	second := &Execution{
		ID: uuid.NewString(), OrgID: def.OrgID, DefinitionID: def.ID,
		Status: schema.ExecutionStatusPending, TriggeredBy: schema.TriggeredBySchedule,
	}
	err := s.CreateScheduledExecution(ctx, second, firedAt)
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeScheduleRace, cerr.Code)

	execs, err := s.ListExecutions(ctx, ExecutionFilter{DefinitionID: def.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)

	// The next tick fires normally.
	third := &Execution{
		ID: uuid.NewString(), OrgID: def.OrgID, DefinitionID: def.ID,
		Status: schema.ExecutionStatusPending, TriggeredBy: schema.TriggeredBySchedule,
	}
	require.NoError(t, s.CreateScheduledExecution(ctx, third, firedAt.Add(5*time.Minute)))
}

func TestCreateScheduledExecution_InactiveDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusDraft)
	exec := &Execution{
		ID: uuid.NewString(), OrgID: def.OrgID, DefinitionID: def.ID,
		Status: schema.ExecutionStatusPending, TriggeredBy: schema.TriggeredBySchedule,
	}

	err := s.CreateScheduledExecution(ctx, exec, time.Now().UTC())
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeScheduleRace, cerr.Code)
}

func TestLastTriggeredAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := seedDefinition(t, s, schema.DefinitionStatusActive)

	last, err := s.LastTriggeredAt(ctx, def.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	firedAt := time.Now().UTC().Truncate(time.Minute)
	exec := &Execution{
		ID: uuid.NewString(), OrgID: def.OrgID, DefinitionID: def.ID,
		Status: schema.ExecutionStatusPending, TriggeredBy: schema.TriggeredBySchedule,
	}
	require.NoError(t, s.CreateScheduledExecution(ctx, exec, firedAt))

	last, err = s.LastTriggeredAt(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, firedAt, *last, time.Second)

	_, err = s.LastTriggeredAt(ctx, "missing")
	var cerr *schema.CascadeError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, schema.ErrCodeNotFound, cerr.Code)
}

