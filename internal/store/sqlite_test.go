package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func strPtr(s string) *string { return &s }

func testLocation(name, extID string) *model.Record {
	r := &model.Record{
		Kind:     model.KindLocation,
		Name:     name,
		NameKey:  name,
		Address:  "Javastraat 12, Amsterdam",
		Lat:      52.3631,
		Lng:      4.9412,
		HasGeo:   true,
		Bucket:   "5236:494",
		Source:   "google_places",
		State:    model.StateCandidate,
		Locality: "amsterdam",
	}
	if extID != "" {
		r.ExternalID = strPtr(extID)
	}
	return r
}

// --- Records ---

func TestSQLite_InsertAndGetRecord(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	start := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)
	conf := 0.9
	r := &model.Record{
		Kind:         model.KindEvent,
		Name:         "Ramazan Bayramı Festival",
		NameKey:      "ramazan bayrami festival",
		Locality:     "amsterdam",
		Bucket:       "2026-05-01|amsterdam",
		StartsAt:     &start,
		EndsAt:       &end,
		Source:       "eventpage",
		ExternalID:   strPtr("https://example.org/e/1"),
		Confidence:   &conf,
		State:        model.EventStateCandidate,
		ManualFields: []string{model.FieldName},
	}
	require.NoError(t, st.InsertRecord(ctx, r))
	require.NotEmpty(t, r.ID)

	got, err := st.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Name, got.Name)
	assert.Equal(t, model.KindEvent, got.Kind)
	assert.Equal(t, model.EventStateCandidate, got.State)
	require.NotNil(t, got.StartsAt)
	assert.True(t, start.Equal(*got.StartsAt))
	assert.True(t, end.Equal(*got.EndsAt))
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.9, *got.Confidence, 1e-9)
	assert.Equal(t, []string{model.FieldName}, got.ManualFields)
	assert.Nil(t, got.DuplicateOf)
	assert.False(t, got.FirstSeenAt.IsZero())
}

func TestSQLite_GetRecord_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	_, err := st.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_InsertRecord_ExternalConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRecord(ctx, testLocation("Bakkal Ali", "ChIJ1")))
	err := st.InsertRecord(ctx, testLocation("Bakkal Ali copy", "ChIJ1"))
	assert.ErrorIs(t, err, ErrConflict)

	// Records without an external id never collide.
	require.NoError(t, st.InsertRecord(ctx, testLocation("A", "")))
	require.NoError(t, st.InsertRecord(ctx, testLocation("B", "")))
}

func TestSQLite_FindByExternal(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testLocation("Bakkal Ali", "ChIJ1")
	require.NoError(t, st.InsertRecord(ctx, r))

	got, err := st.FindByExternal(ctx, model.KindLocation, "google_places", "ChIJ1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = st.FindByExternal(ctx, model.KindEvent, "google_places", "ChIJ1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_FindByExternal_ResolvesAlias(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testLocation("Bakkal Ali", "gp-1")
	require.NoError(t, st.InsertRecord(ctx, r))
	require.NoError(t, st.PutAlias(ctx, &model.Alias{
		Kind: model.KindLocation, Source: "osm", ExternalID: "node/42", RecordID: r.ID, ContentHash: "h1",
	}))

	got, err := st.FindByExternal(ctx, model.KindLocation, "osm", "node/42")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	// The owner key still resolves to itself.
	got, err = st.FindByExternal(ctx, model.KindLocation, "google_places", "gp-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = st.FindByExternal(ctx, model.KindEvent, "osm", "node/42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_PutAlias_KeepsBinding(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testLocation("Bakkal Ali", "gp-1")
	b := testLocation("Other", "gp-2")
	require.NoError(t, st.InsertRecord(ctx, a))
	require.NoError(t, st.InsertRecord(ctx, b))

	require.NoError(t, st.PutAlias(ctx, &model.Alias{Kind: model.KindLocation, Source: "osm", ExternalID: "node/42", RecordID: a.ID, ContentHash: "h1"}))
	require.NoError(t, st.PutAlias(ctx, &model.Alias{Kind: model.KindLocation, Source: "osm", ExternalID: "node/42", RecordID: b.ID, ContentHash: "h2"}))

	got, err := st.GetAlias(ctx, model.KindLocation, "osm", "node/42")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.RecordID)
	assert.Equal(t, "h2", got.ContentHash)

	_, err = st.GetAlias(ctx, model.KindLocation, "osm", "node/43")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_UpdateRecordNeverTouchesState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testLocation("Bakkal Ali", "ChIJ1")
	require.NoError(t, st.InsertRecord(ctx, r))

	r.Name = "Bakkal Ali & Zonen"
	r.State = model.StateVerified
	r.LastSeenAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.UpdateRecord(ctx, r))

	got, err := st.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bakkal Ali & Zonen", got.Name)
	assert.Equal(t, model.StateCandidate, got.State)

	assert.ErrorIs(t, st.UpdateRecord(ctx, &model.Record{ID: "missing"}), ErrNotFound)
}

func TestSQLite_UpdateClassification(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testLocation("Bakkal Ali", "")
	require.NoError(t, st.InsertRecord(ctx, r))

	conf := 0.92
	require.NoError(t, st.UpdateClassification(ctx, r.ID, Classification{Category: "grocery", Confidence: &conf}))

	got, err := st.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "grocery", got.Category)
	assert.InDelta(t, 0.92, *got.Confidence, 1e-9)
}

func TestSQLite_TransitionStateCompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r := testLocation("Bakkal Ali", "")
	require.NoError(t, st.InsertRecord(ctx, r))

	require.NoError(t, st.TransitionState(ctx, r.ID, model.StateCandidate, model.StatePendingVerification))
	err := st.TransitionState(ctx, r.ID, model.StateCandidate, model.StatePendingVerification)
	assert.ErrorIs(t, err, ErrStateConflict)

	require.NoError(t, st.TransitionState(ctx, r.ID, model.StatePendingVerification, model.StateRetired))
	got, err := st.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRetired, got.State)
	assert.True(t, got.Retired)

	assert.ErrorIs(t, st.TransitionState(ctx, "missing", model.StateCandidate, model.StateRetired), ErrNotFound)
}

func TestSQLite_SetDuplicateOf_RejectsChains(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testLocation("A", "")
	b := testLocation("B", "")
	c := testLocation("C", "")
	for _, r := range []*model.Record{a, b, c} {
		require.NoError(t, st.InsertRecord(ctx, r))
	}

	require.NoError(t, st.SetDuplicateOf(ctx, b.ID, a.ID))
	// Target is itself a duplicate.
	assert.ErrorIs(t, st.SetDuplicateOf(ctx, c.ID, b.ID), ErrConflict)
	// Subject is referenced by another duplicate.
	assert.ErrorIs(t, st.SetDuplicateOf(ctx, a.ID, c.ID), ErrConflict)

	dups, err := st.ListRecords(ctx, RecordFilter{DuplicateOf: a.ID})
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, b.ID, dups[0].ID)
}

func TestSQLite_ListRecordsFilters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	a := testLocation("A", "")
	a.LastSeenAt = old
	a.FirstSeenAt = old
	b := testLocation("B", "")
	b.Bucket = "5237:494"
	for _, r := range []*model.Record{a, b} {
		require.NoError(t, st.InsertRecord(ctx, r))
	}
	require.NoError(t, st.TransitionState(ctx, b.ID, model.StateCandidate, model.StatePendingVerification))

	got, err := st.ListRecords(ctx, RecordFilter{Kind: model.KindLocation, Buckets: []string{"5236:494"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = st.ListRecords(ctx, RecordFilter{States: []model.State{model.StatePendingVerification}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)
	got, err = st.ListRecords(ctx, RecordFilter{LastSeenBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = st.ListRecords(ctx, RecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// --- Decisions ---

func TestSQLite_Decisions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendDecisions(ctx,
		model.Decision{SubjectID: "r1", ActionType: model.ActionClassify, InputSnapshot: model.Snapshot(map[string]string{"name": "Bakkal Ali"}), ValidatedOutput: []byte(`{"action":"keep"}`), IsSuccess: true},
		model.Decision{SubjectID: "r1", ActionType: model.ActionTransition, IsSuccess: false, ErrorMessage: "illegal"},
		model.Decision{SubjectID: "r2", ActionType: model.ActionOverride, IsSuccess: true},
	))
	require.NoError(t, st.AppendDecisions(ctx))

	ds, err := st.ListDecisions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, model.ActionClassify, ds[0].ActionType)
	assert.JSONEq(t, `{"name":"Bakkal Ali"}`, string(ds[0].InputSnapshot))
	assert.JSONEq(t, `{"action":"keep"}`, string(ds[0].ValidatedOutput))
	assert.True(t, ds[0].IsSuccess)
	assert.Equal(t, "illegal", ds[1].ErrorMessage)
	assert.Nil(t, ds[1].InputSnapshot)
}

// --- Runs ---

func TestSQLite_RunLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{Stage: model.StageIngest, Scope: model.Scope{Source: "places", Kind: model.KindLocation, City: "Amsterdam"}}
	require.NoError(t, st.CreateRun(ctx, run))
	assert.Equal(t, model.RunStatusQueued, run.Status)

	require.NoError(t, st.StartRun(ctx, run.ID))
	assert.ErrorIs(t, st.StartRun(ctx, run.ID), ErrNotFound)

	require.NoError(t, st.UpdateRunProgress(ctx, run.ID, 50, model.Counters{model.CounterInserted: 3}))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.InDelta(t, 50, got.Progress, 1e-9)
	assert.Equal(t, int64(3), got.Counters[model.CounterInserted])
	assert.NotNil(t, got.StartedAt)
	assert.Equal(t, "Amsterdam", got.Scope.City)

	require.NoError(t, st.FinishRun(ctx, run.ID, model.RunStatusFinished, model.Counters{model.CounterInserted: 5}, ""))
	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFinished, got.Status)
	assert.InDelta(t, 100, got.Progress, 1e-9)
	assert.NotNil(t, got.FinishedAt)

	failed := &model.Run{Stage: model.StageClassify}
	require.NoError(t, st.CreateRun(ctx, failed))
	require.NoError(t, st.FinishRun(ctx, failed.ID, model.RunStatusFailed, nil, "anthropic: breaker open"))

	runs, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "anthropic: breaker open", runs[0].Error)

	runs, err = st.ListRuns(ctx, RunFilter{Stage: model.StageIngest})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Candidates ---

func TestSQLite_Candidates(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	fetchedAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendCandidates(ctx,
		model.CandidateEntry{
			RunID: "run-1", Kind: model.KindLocation, Source: "osm", ExternalID: "node/42",
			ContentHash: "h1", Payload: []byte(`{"name":"Bakkal Ali"}`),
			Status: model.CandidateReconciled, Outcome: "inserted", RecordID: "rec-1", FetchedAt: fetchedAt,
		},
		model.CandidateEntry{
			RunID: "run-1", Kind: model.KindLocation, Source: "osm", ExternalID: "node/43",
			Status: model.CandidateNormalizeFailed, Error: "normalize: name: empty", FetchedAt: fetchedAt,
		},
		model.CandidateEntry{RunID: "run-2", Kind: model.KindLocation, Source: "osm", Status: model.CandidateErrored},
	))

	all, err := st.ListCandidates(ctx, CandidateFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "rec-1", all[0].RecordID)
	assert.JSONEq(t, `{"name":"Bakkal Ali"}`, string(all[0].Payload))
	assert.True(t, fetchedAt.Equal(all[0].FetchedAt))
	assert.Empty(t, all[1].RecordID)
	assert.Nil(t, all[1].Payload)

	failed, err := st.ListCandidates(ctx, CandidateFilter{Status: model.CandidateNormalizeFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "node/43", failed[0].ExternalID)
	assert.Equal(t, "normalize: name: empty", failed[0].Error)
}
