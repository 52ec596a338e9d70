package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/outpost-sync/outpost/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) detect(t *testing.T, local, server string) *models.Conflict {
	t.Helper()

	event := &models.QueueEvent{
		ID:         uuid.New(),
		DeviceID:   uuid.New(),
		EntityType: "lead",
		EntityID:   "lead-1",
	}
	conflict, err := f.resolver.Detect(context.Background(), event, json.RawMessage(local), json.RawMessage(server))
	require.NoError(t, err)
	return conflict
}

func TestConflictService_ServerWins(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	conflict := f.detect(t, `{"name":"local"}`, `{"name":"server"}`)

	resolved, err := f.resolver.Resolve(context.Background(), conflict, models.StrategyServerWins, true)
	require.NoError(t, err)

	assert.True(t, resolved.Resolved())
	assert.True(t, resolved.AutoResolved)
	assert.JSONEq(t, `{"name":"server"}`, string(resolved.MergedResult))
}

func TestConflictService_LocalWins(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	conflict := f.detect(t, `{"name":"local"}`, `{"name":"server"}`)

	resolved, err := f.resolver.Resolve(context.Background(), conflict, models.StrategyLocalWins, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"local"}`, string(resolved.MergedResult))
}

// TestConflictService_MergeFieldLevel exercises every merge rule at once:
// strictly-newer local field wins, older local field loses, equal
// timestamps go to the server, and one-sided fields survive the union.
func TestConflictService_MergeFieldLevel(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)

	local := `{
		"name": "local-name",
		"phone": "local-phone",
		"note": "local-note",
		"local_only": "yes",
		"_field_ts": {
			"name": "2026-02-01T00:00:00Z",
			"phone": "2026-01-01T00:00:00Z",
			"note": "2026-01-15T00:00:00Z"
		}
	}`
	server := `{
		"name": "server-name",
		"phone": "server-phone",
		"note": "server-note",
		"server_only": "yes",
		"_ts": "2026-01-15T00:00:00Z"
	}`
	conflict := f.detect(t, local, server)

	resolved, err := f.resolver.Resolve(context.Background(), conflict, models.StrategyMerge, true)
	require.NoError(t, err)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(resolved.MergedResult, &merged))

	assert.Equal(t, "local-name", merged["name"], "local field newer than server snapshot")
	assert.Equal(t, "server-phone", merged["phone"], "local field older than server snapshot")
	assert.Equal(t, "server-note", merged["note"], "equal timestamps go to the server")
	assert.Equal(t, "yes", merged["local_only"])
	assert.Equal(t, "yes", merged["server_only"])
	assert.NotContains(t, merged, "_ts", "metadata keys are stripped")
	assert.NotContains(t, merged, "_field_ts")
}

// Merge is deterministic: the same inputs always produce the same result.
func TestConflictService_MergeDeterministic(t *testing.T) {
	local := json.RawMessage(`{"a":1,"b":2,"_field_ts":{"a":"2026-02-01T00:00:00Z"}}`)
	server := json.RawMessage(`{"a":9,"b":8,"c":7,"_ts":"2026-01-01T00:00:00Z"}`)

	first, err := mergeSnapshots(local, server)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := mergeSnapshots(local, server)
		require.NoError(t, err)
		assert.JSONEq(t, string(first), string(again))
	}
}

func TestConflictService_MergeWithoutTimestampsPrefersServer(t *testing.T) {
	merged, err := mergeSnapshots(
		json.RawMessage(`{"name":"local"}`),
		json.RawMessage(`{"name":"server"}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"server"}`, string(merged))
}

func TestConflictService_Severity(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins) // high-value: email, balance

	tests := []struct {
		name   string
		local  string
		server string
		want   models.ConflictSeverity
	}{
		{"single benign field", `{"name":"a"}`, `{"name":"b"}`, models.SeverityLow},
		{"three differing fields", `{"a":1,"b":1,"c":1}`, `{"a":2,"b":2,"c":2}`, models.SeverityMedium},
		{"high-value field", `{"email":"a@x"}`, `{"email":"b@x"}`, models.SeverityHigh},
		{"high-value only on server", `{"name":"a"}`, `{"name":"a","balance":10}`, models.SeverityHigh},
		{"unparseable snapshot", `not-json`, `{"name":"a"}`, models.SeverityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflict := f.detect(t, tt.local, tt.server)
			assert.Equal(t, tt.want, conflict.Severity)
		})
	}
}

func TestConflictService_ManualStaysUnresolved(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	conflict := f.detect(t, `{"name":"a"}`, `{"name":"b"}`)
	deviceID := conflict.DeviceID

	held, err := f.resolver.Resolve(context.Background(), conflict, models.StrategyManual, true)
	require.NoError(t, err)
	assert.False(t, held.Resolved())
	assert.False(t, held.AutoResolved, "manual conflicts never count as auto-resolved")

	pending, err := f.resolver.ListUnresolved(context.Background(), deviceID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The external decision path finishes it
	final, err := f.resolver.ResolveByID(context.Background(), conflict.ID, models.StrategyServerWins)
	require.NoError(t, err)
	assert.True(t, final.Resolved())
	assert.False(t, final.AutoResolved)
}

func TestConflictService_ResolveTwiceFails(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	conflict := f.detect(t, `{"name":"a"}`, `{"name":"b"}`)

	_, err := f.resolver.Resolve(context.Background(), conflict, models.StrategyServerWins, true)
	require.NoError(t, err)

	_, err = f.resolver.Resolve(context.Background(), conflict, models.StrategyLocalWins, false)
	assert.ErrorIs(t, err, ErrConflictResolved)
}

func TestConflictService_UnknownStrategy(t *testing.T) {
	f := newFixture(t, models.StrategyServerWins)
	conflict := f.detect(t, `{"name":"a"}`, `{"name":"b"}`)

	_, err := f.resolver.Resolve(context.Background(), conflict, models.ResolutionStrategy("newest_wins"), false)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}
