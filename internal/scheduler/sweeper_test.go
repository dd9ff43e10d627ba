package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/store"
	"github.com/cascadehq/cascade/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedScheduled(t *testing.T, s *store.LibSQLStore, cronExpr string) *schema.WorkflowDefinition {
	t.Helper()
	def := &schema.WorkflowDefinition{
		ID:            uuid.NewString(),
		OrgID:         "org-1",
		Name:          "nightly-sync",
		Status:        schema.DefinitionStatusActive,
		RootVersionID: uuid.NewString(),
		Version:       1,
		Steps: []schema.StepDefinition{
			{Slug: "on_tick", Type: schema.StepTypeTrigger, Next: "emit"},
			{Slug: "emit", Type: schema.StepTypeAction, Params: json.RawMessage(`{"action":"vars.echo","inputs":{"values":{"ok":true}}}`)},
		},
		CronExpression: cronExpr,
	}
	require.NoError(t, s.CreateDefinition(context.Background(), def))
	return def
}

// stubRunner builds minimal pending executions and records RunPending calls.
type stubRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *stubRunner) PrepareScheduled(def *schema.WorkflowDefinition, _ time.Time) (*store.Execution, error) {
	return &store.Execution{
		ID:           uuid.NewString(),
		OrgID:        def.OrgID,
		DefinitionID: def.ID,
		Status:       schema.ExecutionStatusPending,
		TriggeredBy:  schema.TriggeredBySchedule,
	}, nil
}

func (r *stubRunner) RunPending(_ context.Context, executionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, executionID)
	return nil
}

func (r *stubRunner) runs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ran)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanAndTrigger_FiresDueSchedule(t *testing.T) {
	st := newTestStore(t)
	def := seedScheduled(t, st, "*/5 * * * *")
	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	ctx := context.Background()
	now := time.Now().UTC().Add(10 * time.Minute)

	started, err := sw.ScanAndTrigger(ctx, now)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, 1, runner.runs())

	exec, err := st.GetExecution(ctx, started[0])
	require.NoError(t, err)
	assert.Equal(t, def.ID, exec.DefinitionID)
	assert.Equal(t, schema.TriggeredBySchedule, exec.TriggeredBy)

	last, err := st.LastTriggeredAt(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.False(t, last.After(now))
}

func TestScanAndTrigger_NotDueYet(t *testing.T) {
	st := newTestStore(t)
	seedScheduled(t, st, "0 0 1 1 *") // yearly, far in the future
	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	started, err := sw.ScanAndTrigger(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, started)
	assert.Zero(t, runner.runs())
}

func TestScanAndTrigger_MissedTicksCollapseToOneFire(t *testing.T) {
	st := newTestStore(t)
	def := seedScheduled(t, st, "* * * * *")
	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	ctx := context.Background()
	// An hour of missed minutes fires once, at the most recent occurrence.
	now := time.Now().UTC().Add(time.Hour)

	started, err := sw.ScanAndTrigger(ctx, now)
	require.NoError(t, err)
	require.Len(t, started, 1)

	last, err := st.LastTriggeredAt(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, now.Sub(*last) < time.Minute+time.Second)

	// The backlog is consumed; the same sweep time fires nothing more.
	again, err := sw.ScanAndTrigger(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, 1, runner.runs())
}

func TestScanAndTrigger_ConcurrentSweepersFireOnce(t *testing.T) {
	st := newTestStore(t)
	seedScheduled(t, st, "*/5 * * * *")
	runner := &stubRunner{}

	// Two sweeper instances over the same store model two engine replicas.
	// The last-triggered CAS lets exactly one win the tick.
	a := NewSweeper(st, runner, discardLogger())
	b := NewSweeper(st, runner, discardLogger())

	ctx := context.Background()
	now := time.Now().UTC().Add(10 * time.Minute)

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i, sw := range []*Sweeper{a, b} {
		wg.Add(1)
		go func(i int, sw *Sweeper) {
			defer wg.Done()
			started, err := sw.ScanAndTrigger(ctx, now)
			assert.NoError(t, err)
			results[i] = started
		}(i, sw)
	}
	wg.Wait()

	total := len(results[0]) + len(results[1])
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, runner.runs())
}

func TestScanAndTrigger_BadCronSkipped(t *testing.T) {
	st := newTestStore(t)
	seedScheduled(t, st, "not a cron")
	good := seedScheduled(t, st, "* * * * *")
	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	ctx := context.Background()
	started, err := sw.ScanAndTrigger(ctx, time.Now().UTC().Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, started, 1)

	exec, err := st.GetExecution(ctx, started[0])
	require.NoError(t, err)
	assert.Equal(t, good.ID, exec.DefinitionID)
}

func TestScanAndTrigger_IgnoresInactiveAndUnscheduled(t *testing.T) {
	st := newTestStore(t)
	draft := seedScheduled(t, st, "* * * * *")
	require.NoError(t, st.ArchiveDefinition(context.Background(), draft.ID))

	noCron := &schema.WorkflowDefinition{
		ID:            uuid.NewString(),
		OrgID:         "org-1",
		Name:          "manual-only",
		Status:        schema.DefinitionStatusActive,
		RootVersionID: uuid.NewString(),
		Version:       1,
		Steps: []schema.StepDefinition{
			{Slug: "on_call", Type: schema.StepTypeTrigger},
		},
	}
	require.NoError(t, st.CreateDefinition(context.Background(), noCron))

	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	started, err := sw.ScanAndTrigger(context.Background(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, started)
}

// tickOnce calls the registered sweep function once, synchronously.
type tickOnce struct {
	stopped bool
}

func (r *tickOnce) Every(_ time.Duration, fn func(ctx context.Context)) (stop func()) {
	fn(context.Background())
	return func() { r.stopped = true }
}

func TestSweeper_StartStop(t *testing.T) {
	st := newTestStore(t)
	seedScheduled(t, st, "0 0 1 1 *")
	runner := &stubRunner{}
	sw := NewSweeper(st, runner, discardLogger())

	reg := &tickOnce{}
	require.NoError(t, sw.Start(reg, time.Minute))
	require.Error(t, sw.Start(reg, time.Minute))

	sw.Stop()
	assert.True(t, reg.stopped)

	// Restartable after Stop.
	require.NoError(t, sw.Start(&tickOnce{}, time.Minute))
	sw.Stop()
}
