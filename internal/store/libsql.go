package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/cascadehq/cascade/internal/planner"
	"github.com/cascadehq/cascade/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	variables, err := marshalMapOrDefault(def.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions
		 (id, org_id, name, status, root_version_id, version, steps, variables, cron_expression, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.OrgID, def.Name, string(def.Status), def.RootVersionID, def.Version,
		string(steps), string(variables), nullStr(def.CronExpression),
		timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, definitionSelect+` WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return def, err
}

func (s *LibSQLStore) GetActiveDefinition(ctx context.Context, orgID, rootVersionID string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		definitionSelect+` WHERE org_id = ? AND root_version_id = ? AND status = 'active'`,
		orgID, rootVersionID)
	def, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active definition", rootVersionID)
	}
	return def, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.RootVersionID != "" {
		where = append(where, "root_version_id = ?")
		args = append(args, filter.RootVersionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Scheduled {
		where = append(where, "cron_expression IS NOT NULL AND cron_expression != ''")
	}

	query := definitionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) ActivateDefinition(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rootVersionID string
	err = tx.QueryRowContext(ctx,
		`SELECT root_version_id FROM workflow_definitions WHERE id = ?`, id,
	).Scan(&rootVersionID)
	if err == sql.ErrNoRows {
		return storeNotFound("definition", id)
	}
	if err != nil {
		return err
	}

	// At most one active version per root.
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'archived', updated_at = CURRENT_TIMESTAMP
		 WHERE root_version_id = ? AND status = 'active' AND id != ?`,
		rootVersionID, id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'active', updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status != 'active'`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "definition", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *LibSQLStore) ArchiveDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = 'archived', updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "definition", id)
}

const definitionSelect = `SELECT id, org_id, name, status, root_version_id, version, steps, variables, cron_expression, created_at, updated_at FROM workflow_definitions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*schema.WorkflowDefinition, error) {
	def := &schema.WorkflowDefinition{}
	var (
		status         string
		stepsJSON      string
		variablesJSON  sql.NullString
		cronExpression sql.NullString
	)
	err := row.Scan(&def.ID, &def.OrgID, &def.Name, &status, &def.RootVersionID, &def.Version,
		&stepsJSON, &variablesJSON, &cronExpression, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}
	def.Status = schema.DefinitionStatus(status)
	def.CronExpression = cronExpression.String
	if err := json.Unmarshal([]byte(stepsJSON), &def.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if variablesJSON.Valid && variablesJSON.String != "" {
		_ = json.Unmarshal([]byte(variablesJSON.String), &def.Variables)
	}
	return def, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx, execInsert,
		exec.ID, exec.OrgID, exec.DefinitionID, string(exec.Status), string(exec.TriggeredBy),
		nullRaw(exec.Cursor), nullRaw(exec.Scope), nullRaw(exec.Output), nullRaw(exec.Error),
		exec.Waiting, nullStr(exec.TaskHandle), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
	)
	return err
}

const execInsert = `INSERT INTO executions
 (id, org_id, definition_id, status, triggered_by, cursor, scope, output, error, waiting, task_handle, started_at, completed_at, created_at, updated_at)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const execSelect = `SELECT id, org_id, definition_id, status, triggered_by, cursor, scope, output, error, waiting, task_handle, started_at, completed_at, created_at, updated_at FROM executions`

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, execSelect+` WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, string(update.Cursor))
	}
	if update.Scope != nil {
		sets = append(sets, "scope = ?")
		args = append(args, string(update.Scope))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.Waiting != nil {
		sets = append(sets, "waiting = ?")
		args = append(args, *update.Waiting)
	}
	if update.TaskHandle != nil {
		sets = append(sets, "task_handle = ?")
		args = append(args, nullStr(*update.TaskHandle))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := execSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status, triggeredBy                  string
		cursor, scope, output, execErr, task sql.NullString
		startedAt, completedAt               sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.OrgID, &exec.DefinitionID, &status, &triggeredBy,
		&cursor, &scope, &output, &execErr, &exec.Waiting, &task,
		&startedAt, &completedAt, &exec.CreatedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggeredBy = schema.TriggeredBy(triggeredBy)
	exec.Cursor = rawOrNil(cursor)
	exec.Scope = rawOrNil(scope)
	exec.Output = rawOrNil(output)
	exec.Error = rawOrNil(execErr)
	exec.TaskHandle = task.String
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Step journal ---

func (s *LibSQLStore) AppendStepRecord(ctx context.Context, rec *StepRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Attempt == 0 {
		rec.Attempt = 1
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records
		 (id, execution_id, step_slug, attempt, kind, inputs, outputs, error, started_at, finished_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (execution_id, step_slug, attempt) DO NOTHING`,
		rec.ID, rec.ExecutionID, rec.StepSlug, rec.Attempt, rec.Kind,
		nullRaw(rec.Inputs), nullRaw(rec.Outputs), nullRaw(rec.Error),
		timeOrNow(rec.StartedAt), nullTime(rec.FinishedAt), timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_slug, attempt, kind, inputs, outputs, error, started_at, finished_at, created_at
		 FROM step_records WHERE execution_id = ? ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var inputs, outputs, recErr sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepSlug, &rec.Attempt, &rec.Kind,
			&inputs, &outputs, &recErr, &rec.StartedAt, &finishedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Inputs = rawOrNil(inputs)
		rec.Outputs = rawOrNil(outputs)
		rec.Error = rawOrNil(recErr)
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Entities ---

func (s *LibSQLStore) UpsertEntity(ctx context.Context, entity *Entity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, org_id, table_name, payload, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, table_name, id) DO UPDATE SET payload = excluded.payload`,
		entity.ID, entity.OrgID, entity.Table, string(entity.Payload), timeOrNow(entity.CreatedAt),
	)
	return err
}

// sqlOps maps planner operators to SQL comparison operators.
var sqlOps = map[planner.Operator]string{
	planner.OpEq:  "=",
	planner.OpLt:  "<",
	planner.OpLte: "<=",
	planner.OpGt:  ">",
	planner.OpGte: ">=",
}

func (s *LibSQLStore) ListEntities(ctx context.Context, orgID, table, workflowID string, cutoff time.Time, plan *planner.Plan, limit int) ([]*Entity, error) {
	join := ""
	var args []any
	where := []string{"e.org_id = ?", "e.table_name = ?"}

	if workflowID != "" {
		// The backoff exclusion is part of the candidate query: entities
		// the workflow claimed or processed at or after cutoff never
		// surface, so a claim conflict downstream means a real race.
		join = ` LEFT JOIN processing_records pr
		 ON pr.org_id = e.org_id AND pr.table_name = e.table_name
		 AND pr.workflow_id = ? AND pr.entity_id = e.id`
		args = append(args, workflowID)
		where = append(where,
			`(pr.id IS NULL OR ((pr.claimed_at IS NULL OR pr.claimed_at < ?)
			 AND (pr.processed_at IS NULL OR pr.processed_at < ?)))`)
	}
	args = append(args, orgID, table)
	if workflowID != "" {
		args = append(args, cutoff, cutoff)
	}

	if plan != nil {
		for _, cond := range plan.KeyConditions {
			op, ok := sqlOps[cond.Operator]
			if !ok {
				continue
			}
			where = append(where, fmt.Sprintf("json_extract(e.payload, '$.%s') %s ?", cond.Field, op))
			args = append(args, cond.Value)
		}
	}

	query := `SELECT e.id, e.org_id, e.table_name, e.payload, e.created_at FROM entities e` +
		join + ` WHERE ` + strings.Join(where, " AND ") + ` ORDER BY e.created_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e := &Entity{}
		var payload string
		if err := rows.Scan(&e.ID, &e.OrgID, &e.Table, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// --- Processing records ---

func (s *LibSQLStore) ClaimEntity(ctx context.Context, org, table, workflowID, entityID string, entityCreatedAt time.Time, backoff time.Duration) error {
	now := time.Now().UTC()
	cutoff := now.Add(-backoff)

	// Single-statement compare-and-set: the upsert only lands when no live
	// claim and no recent processed stamp exist. Zero rows means a
	// concurrent execution holds the entity.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_records
		 (id, org_id, table_name, workflow_id, entity_id, entity_created_at, claimed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, table_name, workflow_id, entity_id) DO UPDATE SET
		   claimed_at = excluded.claimed_at,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE (processing_records.claimed_at IS NULL OR processing_records.claimed_at < ?)
		   AND (processing_records.processed_at IS NULL OR processing_records.processed_at < ?)`,
		uuid.NewString(), org, table, workflowID, entityID, entityCreatedAt, now, now, now,
		cutoff, cutoff,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeClaimConflict,
			"entity %q already claimed or recently processed", entityID).
			WithDetails(map[string]any{"org": org, "table": table, "workflow_id": workflowID, "entity_id": entityID})
	}
	return nil
}

func (s *LibSQLStore) RecordProcessed(ctx context.Context, rec *ProcessingRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	processedAt := time.Now().UTC()
	if rec.ProcessedAt != nil {
		processedAt = *rec.ProcessedAt
	}
	metadata, err := nullableJSON(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processing_records
		 (id, org_id, table_name, workflow_id, entity_id, entity_created_at, processed_at, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, table_name, workflow_id, entity_id) DO UPDATE SET
		   processed_at = excluded.processed_at,
		   claimed_at = NULL,
		   metadata = excluded.metadata,
		   updated_at = CURRENT_TIMESTAMP`,
		rec.ID, rec.OrgID, rec.Table, rec.WorkflowID, rec.EntityID, rec.EntityCreatedAt,
		processedAt, metadata, timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	if err != nil {
		return "", err
	}

	// The upsert may have kept the pre-existing row's id.
	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM processing_records WHERE org_id = ? AND table_name = ? AND workflow_id = ? AND entity_id = ?`,
		rec.OrgID, rec.Table, rec.WorkflowID, rec.EntityID,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *LibSQLStore) GetProcessingRecord(ctx context.Context, org, table, workflowID, entityID string) (*ProcessingRecord, error) {
	rec := &ProcessingRecord{}
	var (
		claimedAt, processedAt sql.NullTime
		metadata               sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, table_name, workflow_id, entity_id, entity_created_at, claimed_at, processed_at, metadata, created_at, updated_at
		 FROM processing_records WHERE org_id = ? AND table_name = ? AND workflow_id = ? AND entity_id = ?`,
		org, table, workflowID, entityID,
	).Scan(&rec.ID, &rec.OrgID, &rec.Table, &rec.WorkflowID, &rec.EntityID, &rec.EntityCreatedAt,
		&claimedAt, &processedAt, &metadata, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("processing record", entityID)
	}
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		rec.ClaimedAt = &claimedAt.Time
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	rec.Metadata = rawOrNil(metadata)
	return rec, nil
}

// --- Scheduling ---

func (s *LibSQLStore) CreateScheduledExecution(ctx context.Context, exec *Execution, firedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Compare-and-set on the last-triggered stamp. A sweep that lost the
	// race sees zero rows and aborts without creating an execution.
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET last_triggered_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'active'
		   AND (last_triggered_at IS NULL OR last_triggered_at < ?)`,
		firedAt, exec.DefinitionID, firedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeScheduleRace,
			"schedule tick for definition %q already fired", exec.DefinitionID).
			WithDetails(map[string]any{"definition_id": exec.DefinitionID, "fired_at": firedAt})
	}

	if _, err := tx.ExecContext(ctx, execInsert,
		exec.ID, exec.OrgID, exec.DefinitionID, string(exec.Status), string(exec.TriggeredBy),
		nullRaw(exec.Cursor), nullRaw(exec.Scope), nullRaw(exec.Output), nullRaw(exec.Error),
		exec.Waiting, nullStr(exec.TaskHandle), nullTime(exec.StartedAt), nullTime(exec.CompletedAt),
		timeOrNow(exec.CreatedAt), timeOrNow(exec.UpdatedAt),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *LibSQLStore) LastTriggeredAt(ctx context.Context, definitionID string) (*time.Time, error) {
	var stamp sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT last_triggered_at FROM workflow_definitions WHERE id = ?`, definitionID,
	).Scan(&stamp)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", definitionID)
	}
	if err != nil {
		return nil, err
	}
	if !stamp.Valid {
		return nil, nil
	}
	t := stamp.Time.UTC()
	return &t, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.CascadeError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullableJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return string(raw), nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
