package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/radar-cli/internal/model"
	"github.com/sells-group/radar-cli/internal/store"
)

func insertEvent(t *testing.T, st *store.SQLiteStore, title string, start time.Time, dur time.Duration, created time.Time) *model.Record {
	t.Helper()
	end := start.Add(dur)
	r := &model.Record{
		Kind:      model.KindEvent,
		Name:      title,
		NameKey:   title,
		Locality:  "amsterdam",
		StartsAt:  &start,
		EndsAt:    &end,
		Bucket:    EventBucket(start, "amsterdam"),
		Source:    "html:example.org",
		State:     model.EventStateCandidate,
		CreatedAt: created,
	}
	require.NoError(t, st.InsertRecord(context.Background(), r))
	return r
}

func insertPlace(t *testing.T, st *store.SQLiteStore, name string, lat, lng float64, created time.Time) *model.Record {
	t.Helper()
	r := &model.Record{
		Kind:      model.KindLocation,
		Name:      name,
		NameKey:   name,
		Lat:       lat,
		Lng:       lng,
		HasGeo:    true,
		Bucket:    CellKey(lat, lng, DefaultCellDegrees),
		Source:    "google_places",
		State:     model.StateCandidate,
		CreatedAt: created,
	}
	require.NoError(t, st.InsertRecord(context.Background(), r))
	return r
}

func TestMarkDuplicate_RejectsChains(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := insertPlace(t, st, "bakkal ali", 51.9244, 4.4777, t0)
	b := insertPlace(t, st, "bakkal ali", 51.9245, 4.4777, t0.Add(time.Minute))
	c := insertPlace(t, st, "bakkal ali", 51.9246, 4.4777, t0.Add(2*time.Minute))

	require.NoError(t, e.MarkDuplicate(ctx, b.ID, a.ID, 1))

	// Target is a duplicate.
	err := e.MarkDuplicate(ctx, c.ID, b.ID, 1)
	assert.ErrorIs(t, err, ErrDuplicateChain)
	// Subject is the canonical of b.
	err = e.MarkDuplicate(ctx, a.ID, c.ID, 1)
	assert.ErrorIs(t, err, ErrDuplicateChain)
	// Self reference.
	assert.ErrorIs(t, e.MarkDuplicate(ctx, a.ID, a.ID, 1), ErrDuplicateChain)

	got, err := st.GetRecord(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate())
	got, err = st.GetRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate())

	ds, err := st.ListDecisions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, model.ActionDuplicate, ds[0].ActionType)
	assert.False(t, ds[0].IsSuccess)
	assert.Contains(t, ds[0].ErrorMessage, "duplicate chain")
}

func TestMarkDuplicate_KindMismatch(t *testing.T) {
	e, st := newTestEngine(t)
	t0 := time.Now().UTC()
	p := insertPlace(t, st, "kermis", 52.37, 4.89, t0)
	ev := insertEvent(t, st, "kermis", t0, time.Hour, t0)

	err := e.MarkDuplicate(context.Background(), ev.ID, p.ID, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateChain)
}

func TestDetectDuplicates_EventsEarliestIsCanonical(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 6, 20, 17, 0, 0, 0, time.UTC)

	late := insertEvent(t, st, "turkish film night", start.Add(30*time.Minute), 2*time.Hour, t0.Add(time.Hour))
	early := insertEvent(t, st, "turkish film nights", start, 2*time.Hour, t0)
	other := insertEvent(t, st, "iftar dinner", start, 2*time.Hour, t0.Add(2*time.Hour))
	nextWeek := insertEvent(t, st, "turkish film night", start.AddDate(0, 0, 7), 2*time.Hour, t0.Add(3*time.Hour))

	counters, err := e.DetectDuplicates(ctx, model.KindEvent, EventBucket(start, "amsterdam"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[model.CounterDuplicates])

	got, err := st.GetRecord(ctx, late.ID)
	require.NoError(t, err)
	require.True(t, got.IsDuplicate())
	assert.Equal(t, early.ID, *got.DuplicateOf)

	for _, id := range []string{early.ID, other.ID, nextWeek.ID} {
		got, err := st.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.IsDuplicate(), id)
	}

	// A second pass finds nothing new.
	counters, err = e.DetectDuplicates(ctx, model.KindEvent, EventBucket(start, "amsterdam"))
	require.NoError(t, err)
	assert.Zero(t, counters[model.CounterDuplicates])
}

func TestSweep_LocationsNeverChain(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Three copies straddling a cell edge, plus an unrelated place.
	a := insertPlace(t, st, "bakkal ali", 52.36999, 4.9412, t0)
	insertPlace(t, st, "bakkal ali", 52.37001, 4.9412, t0.Add(time.Minute))
	insertPlace(t, st, "bakal ali", 52.37003, 4.9413, t0.Add(2*time.Minute))
	insertPlace(t, st, "istanbul grill", 52.37, 4.9412, t0.Add(3*time.Minute))

	counters, err := e.Sweep(ctx, model.KindLocation)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters[model.CounterDuplicates])

	dups, err := st.ListRecords(ctx, store.RecordFilter{OnlyDuplicates: true})
	require.NoError(t, err)
	require.Len(t, dups, 2)
	for _, d := range dups {
		assert.Equal(t, a.ID, *d.DuplicateOf)
		target, err := st.GetRecord(ctx, *d.DuplicateOf)
		require.NoError(t, err)
		assert.False(t, target.IsDuplicate())
	}
}

func TestSweep_AddressOnlyLocations(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	insert := func(name, address, locality string, created time.Time) *model.Record {
		r := &model.Record{
			Kind: model.KindLocation, Name: name, NameKey: name, Address: address, Locality: locality,
			Bucket: AddressBucket(locality), Source: "osm", State: model.StateCandidate, CreatedAt: created,
		}
		require.NoError(t, st.InsertRecord(ctx, r))
		return r
	}
	first := insert("bakkal ali", "Javastraat 12, Amsterdam", "amsterdam", t0)
	second := insert("bakkal ali", "Javastraat 12 Amsterdam", "amsterdam", t0.Add(time.Minute))
	elsewhere := insert("bakkal ali", "Javastraat 12, Rotterdam", "rotterdam", t0.Add(2*time.Minute))

	counters, err := e.Sweep(ctx, model.KindLocation)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters[model.CounterDuplicates])

	got, err := st.GetRecord(ctx, second.ID)
	require.NoError(t, err)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, first.ID, *got.DuplicateOf)

	got, err = st.GetRecord(ctx, elsewhere.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DuplicateOf)
}

func TestApplyEdit(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()
	t0 := time.Now().UTC()
	p := insertPlace(t, st, "bakkal ali", 51.9244, 4.4777, t0)

	lat, lng := 51.93, 4.48
	r, err := e.ApplyEdit(ctx, p.ID, Edit{Lat: &lat, Lng: &lng})
	require.NoError(t, err)
	assert.Equal(t, []string{model.FieldLocation}, r.ManualFields)
	assert.Equal(t, "5193:448", r.Bucket)

	_, err = e.ApplyEdit(ctx, p.ID, Edit{})
	assert.ErrorIs(t, err, ErrEmptyEdit)
	_, err = e.ApplyEdit(ctx, p.ID, Edit{Lat: &lat})
	assert.Error(t, err)
	start := t0
	_, err = e.ApplyEdit(ctx, p.ID, Edit{StartsAt: &start})
	assert.Error(t, err)
	_, err = e.ApplyEdit(ctx, "missing", Edit{Lat: &lat, Lng: &lng})
	assert.ErrorIs(t, err, store.ErrNotFound)

	ds, err := st.ListDecisions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, model.ActionEdit, ds[0].ActionType)
}
