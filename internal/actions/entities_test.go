package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/cascade/internal/ledger"
	"github.com/cascadehq/cascade/internal/planner"
	"github.com/cascadehq/cascade/internal/store"
)

func newTestEntityActions(t *testing.T) (*ClaimAction, *MarkProcessedAction, *store.LibSQLStore) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "actions.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	indexes := map[string][]planner.IndexSpec{
		"tickets": {{Name: "by_status", Fields: []string{"status"}}},
	}
	l := ledger.New(st, indexes, ledger.DefaultConfig(), nil)
	return NewClaimAction(l), NewMarkProcessedAction(l), st
}

func seedTickets(t *testing.T, st *store.LibSQLStore, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"status": "open", "seq": i})
		require.NoError(t, st.UpsertEntity(context.Background(), &store.Entity{
			ID:        fmt.Sprintf("t-%d", i),
			OrgID:     "org-1",
			Table:     "tickets",
			Payload:   payload,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func execWithContext(t *testing.T, action Action, params map[string]any) map[string]any {
	t.Helper()
	out, err := action.Execute(context.Background(), ActionInput{
		Params: params,
		Context: map[string]any{
			"org_id":      "org-1",
			"workflow_id": "wf-1",
		},
	})
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result
}

func TestClaimAction_OldestFirst(t *testing.T) {
	claim, _, st := newTestEntityActions(t)
	seedTickets(t, st, 3)

	result := execWithContext(t, claim, map[string]any{"table": "tickets"})
	require.Equal(t, true, result["found"])

	entity, ok := result["entity"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-0", entity["id"])

	payload, ok := entity["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", payload["status"])
}

func TestClaimAction_SkipsClaimed(t *testing.T) {
	claim, _, st := newTestEntityActions(t)
	seedTickets(t, st, 2)

	first := execWithContext(t, claim, map[string]any{"table": "tickets"})
	second := execWithContext(t, claim, map[string]any{"table": "tickets"})

	firstEntity := first["entity"].(map[string]any)
	secondEntity := second["entity"].(map[string]any)
	assert.NotEqual(t, firstEntity["id"], secondEntity["id"])

	third := execWithContext(t, claim, map[string]any{"table": "tickets"})
	assert.Equal(t, false, third["found"])
	assert.Nil(t, third["entity"])
}

func TestClaimAction_WithIndexedFilter(t *testing.T) {
	claim, _, st := newTestEntityActions(t)

	closed, _ := json.Marshal(map[string]any{"status": "closed"})
	open, _ := json.Marshal(map[string]any{"status": "open"})
	require.NoError(t, st.UpsertEntity(context.Background(), &store.Entity{
		ID: "t-closed", OrgID: "org-1", Table: "tickets", Payload: closed,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, st.UpsertEntity(context.Background(), &store.Entity{
		ID: "t-open", OrgID: "org-1", Table: "tickets", Payload: open,
		CreatedAt: time.Now().Add(-time.Hour),
	}))

	result := execWithContext(t, claim, map[string]any{
		"table":  "tickets",
		"filter": `status == "open"`,
	})
	require.Equal(t, true, result["found"])
	assert.Equal(t, "t-open", result["entity"].(map[string]any)["id"])
}

func TestMarkProcessed_Idempotent(t *testing.T) {
	claim, mark, st := newTestEntityActions(t)
	seedTickets(t, st, 1)

	claimed := execWithContext(t, claim, map[string]any{"table": "tickets"})
	entity := claimed["entity"].(map[string]any)

	params := map[string]any{
		"table":             "tickets",
		"entity_id":         entity["id"],
		"entity_created_at": entity["created_at"],
		"metadata":          map[string]any{"result": "done"},
	}
	first := execWithContext(t, mark, params)
	second := execWithContext(t, mark, params)

	require.NotEmpty(t, first["record_id"])
	assert.Equal(t, first["record_id"], second["record_id"])
}

func TestMarkProcessed_EntityNotReclaimedWithinBackoff(t *testing.T) {
	claim, mark, st := newTestEntityActions(t)
	seedTickets(t, st, 1)

	claimed := execWithContext(t, claim, map[string]any{"table": "tickets"})
	entity := claimed["entity"].(map[string]any)
	execWithContext(t, mark, map[string]any{
		"table":             "tickets",
		"entity_id":         entity["id"],
		"entity_created_at": entity["created_at"],
	})

	again := execWithContext(t, claim, map[string]any{"table": "tickets", "backoff": "1h"})
	assert.Equal(t, false, again["found"])

	eligible := execWithContext(t, claim, map[string]any{"table": "tickets", "backoff": "0s"})
	assert.Equal(t, true, eligible["found"])
}

func TestEntityActions_RequireCallerContext(t *testing.T) {
	claim, mark, _ := newTestEntityActions(t)

	_, err := claim.Execute(context.Background(), ActionInput{Params: map[string]any{"table": "tickets"}})
	require.Error(t, err)

	_, err = mark.Execute(context.Background(), ActionInput{Params: map[string]any{
		"table": "tickets", "entity_id": "t-0",
	}})
	require.Error(t, err)
}
