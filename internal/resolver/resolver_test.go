package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatch-sync-client/internal/store"
)

type fakeWriter struct {
	name    string
	failing bool
	failOn  map[string]bool
	applied []appliedWrite
}

type appliedWrite struct {
	entityType string
	entityID   string
	value      string
}

func (w *fakeWriter) Name() string { return w.name }

func (w *fakeWriter) Apply(_ context.Context, entityType, entityID string, value json.RawMessage) error {
	if w.failing || w.failOn[entityID] {
		return errors.New("write refused")
	}
	w.applied = append(w.applied, appliedWrite{entityType, entityID, string(value)})
	return nil
}

func newTestResolver(t *testing.T, cfg Config) (*Resolver, store.Store, *fakeWriter, *fakeWriter) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	a := &fakeWriter{name: "legacy"}
	b := &fakeWriter{name: "dispatch"}
	return NewResolver(cfg, st, a, b), st, a, b
}

func seedConflict(t *testing.T, r *Resolver, candidateA, candidateB string) *store.Conflict {
	t.Helper()
	return seedConflictFor(t, r, "ord-42", candidateA, candidateB)
}

func seedConflictFor(t *testing.T, r *Resolver, entityID, candidateA, candidateB string) *store.Conflict {
	t.Helper()
	conflict := &store.Conflict{
		ID:           uuid.New().String(),
		EntityType:   "orders",
		EntityID:     entityID,
		ConflictType: "field_mismatch",
		CandidateA:   json.RawMessage(candidateA),
		CandidateB:   json.RawMessage(candidateB),
	}
	require.NoError(t, r.Record(context.Background(), conflict))
	return conflict
}

func TestResolveAWinsWritesBothSystems(t *testing.T) {
	r, st, a, b := newTestResolver(t, Config{})
	conflict := seedConflict(t, r, `{"status":"packed"}`, `{"status":"shipped"}`)

	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyAWins, nil))

	require.Len(t, a.applied, 1)
	require.Len(t, b.applied, 1)
	assert.Equal(t, `{"status":"packed"}`, a.applied[0].value)
	assert.Equal(t, `{"status":"packed"}`, b.applied[0].value)
	assert.Equal(t, "orders", a.applied[0].entityType)
	assert.Equal(t, "ord-42", a.applied[0].entityID)

	// Retired only after both systems acknowledged.
	stored, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestResolveSecondWriteFailureLeavesUnresolved(t *testing.T) {
	r, st, a, b := newTestResolver(t, Config{})
	b.failing = true
	conflict := seedConflict(t, r, `{"status":"packed"}`, `{"status":"shipped"}`)

	err := r.Resolve(context.Background(), conflict.ID, StrategyBWins, nil)
	require.ErrorIs(t, err, ErrUnresolved)

	// System A already received the value; the record stays unresolved so a
	// later pass repeats the idempotent write and finishes system B.
	assert.Len(t, a.applied, 1)
	assert.Empty(t, b.applied)

	stored, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ResolutionUnresolved, stored.Resolution)

	b.failing = false
	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyBWins, nil))
	assert.Len(t, a.applied, 2)
	assert.Len(t, b.applied, 1)
}

func TestResolveManualRequiresValue(t *testing.T) {
	r, _, a, b := newTestResolver(t, Config{})
	conflict := seedConflict(t, r, `{"v":1}`, `{"v":2}`)

	err := r.Resolve(context.Background(), conflict.ID, StrategyManual, nil)
	require.ErrorIs(t, err, ErrManualValueRequired)
	assert.Empty(t, a.applied)
	assert.Empty(t, b.applied)

	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyManual, json.RawMessage(`{"v":3}`)))
	require.Len(t, b.applied, 1)
	assert.Equal(t, `{"v":3}`, b.applied[0].value)
}

func TestResolveUnknownStrategy(t *testing.T) {
	r, _, _, _ := newTestResolver(t, Config{})
	conflict := seedConflict(t, r, `{"v":1}`, `{"v":2}`)

	err := r.Resolve(context.Background(), conflict.ID, "coin_flip", nil)
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestResolveRetiredConflictNotFound(t *testing.T) {
	r, _, a, _ := newTestResolver(t, Config{})
	conflict := seedConflict(t, r, `{"v":1}`, `{"v":2}`)

	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyAWins, nil))

	err := r.Resolve(context.Background(), conflict.ID, StrategyBWins, nil)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, a.applied, 1, "second resolve must not rewrite")
}

func TestNewestWinsComparesTimestampField(t *testing.T) {
	older := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	newer := time.Now().UTC().Format(time.RFC3339)

	r, st, _, b := newTestResolver(t, Config{DefaultStrategy: StrategyNewestWins})
	conflict := seedConflict(t, r,
		`{"status":"packed","updatedAt":"`+older+`"}`,
		`{"status":"shipped","updatedAt":"`+newer+`"}`,
	)

	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyNewestWins, nil))

	require.Len(t, b.applied, 1)
	assert.Contains(t, b.applied[0].value, "shipped")

	stored, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestNewestWinsTieKeepsSystemA(t *testing.T) {
	ts := time.Now().UTC().Format(time.RFC3339)
	r, st, _, b := newTestResolver(t, Config{})
	conflict := seedConflict(t, r,
		`{"v":"a","updatedAt":"`+ts+`"}`,
		`{"v":"b","updatedAt":"`+ts+`"}`,
	)

	require.NoError(t, r.Resolve(context.Background(), conflict.ID, StrategyNewestWins, nil))

	require.Len(t, b.applied, 1)
	assert.Contains(t, b.applied[0].value, `"a"`)

	stored, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestNewestWinsWithoutTimestampsStaysUnresolved(t *testing.T) {
	r, st, a, _ := newTestResolver(t, Config{})
	conflict := seedConflict(t, r, `{"v":"a"}`, `{"v":"b"}`)

	err := r.Resolve(context.Background(), conflict.ID, StrategyNewestWins, nil)
	require.ErrorIs(t, err, ErrUnresolved)
	assert.Empty(t, a.applied)

	stored, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ResolutionUnresolved, stored.Resolution)
}

func TestReconcileAllAppliesDefaultStrategy(t *testing.T) {
	r, _, _, b := newTestResolver(t, Config{DefaultStrategy: StrategyAWins})
	seedConflict(t, r, `{"v":"a1"}`, `{"v":"b1"}`)
	seedConflict(t, r, `{"v":"a2"}`, `{"v":"b2"}`)

	resolved, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resolved)
	assert.Len(t, b.applied, 2)

	remaining, err := r.ListUnresolved(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestReconcileAllSkipsFailuresAndContinues(t *testing.T) {
	r, _, _, _ := newTestResolver(t, Config{DefaultStrategy: StrategyNewestWins})
	ts := time.Now().UTC().Format(time.RFC3339)
	seedConflict(t, r, `{"v":"a"}`, `{"v":"b"}`) // no timestamps, not auto-resolvable
	seedConflict(t, r, `{"v":"a","updatedAt":"`+ts+`"}`, `{"v":"b"}`)

	resolved, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	remaining, err := r.ListUnresolved(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestReconcileAllWalksPastSingleBatch(t *testing.T) {
	r, _, a, b := newTestResolver(t, Config{DefaultStrategy: StrategyAWins})
	a.failOn = map[string]bool{"ord-7": true, "ord-63": true, "ord-110": true}
	total := reconcileBatchSize + 20
	for i := 0; i < total; i++ {
		seedConflictFor(t, r, fmt.Sprintf("ord-%d", i), `{"v":"a"}`, `{"v":"b"}`)
	}

	resolved, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, total-3, resolved)
	assert.Len(t, b.applied, total-3)

	remaining, err := r.ListUnresolved(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestReconcileAllManualDefaultIsNoop(t *testing.T) {
	r, _, a, _ := newTestResolver(t, Config{DefaultStrategy: StrategyManual})
	seedConflict(t, r, `{"v":"a"}`, `{"v":"b"}`)

	resolved, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Empty(t, a.applied)
}

func TestProgressCounters(t *testing.T) {
	r, _, _, _ := newTestResolver(t, Config{})
	seedConflict(t, r, `{"v":"a"}`, `{"v":"b"}`)
	c2 := seedConflict(t, r, `{"v":"a"}`, `{"v":"b"}`)
	require.NoError(t, r.Resolve(context.Background(), c2.ID, StrategyAWins, nil))

	progress, err := r.Progress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, progress.TotalConflicts)
	assert.Equal(t, 1, progress.Unresolved)
	assert.Equal(t, 1, progress.Resolved)
}

func TestExtractTimestampFormats(t *testing.T) {
	ts, ok := extractTimestamp(json.RawMessage(`{"updatedAt":"2026-08-30T12:00:00Z"}`), "updatedAt")
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())

	ts, ok = extractTimestamp(json.RawMessage(`{"updatedAt":1756555200}`), "updatedAt")
	require.True(t, ok)
	assert.Equal(t, 2025, ts.Year())

	ts, ok = extractTimestamp(json.RawMessage(`{"updatedAt":1756555200000}`), "updatedAt")
	require.True(t, ok)
	assert.Equal(t, 2025, ts.Year())

	_, ok = extractTimestamp(json.RawMessage(`{"other":1}`), "updatedAt")
	assert.False(t, ok)
	_, ok = extractTimestamp(json.RawMessage(`not json`), "updatedAt")
	assert.False(t, ok)
}
